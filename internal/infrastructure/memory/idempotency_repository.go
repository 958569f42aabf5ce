package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

var _ repository.IdempotencyRepository = (*IdempotencyRepo)(nil)

// IdempotencyRepo registro de idempotencia en memoria (un solo proceso).
type IdempotencyRepo struct {
	mu      sync.Mutex
	records map[string]entity.IdempotencyRecord
}

// NewIdempotencyRepository construye el registro vacío.
func NewIdempotencyRepository() *IdempotencyRepo {
	return &IdempotencyRepo{records: make(map[string]entity.IdempotencyRecord)}
}

// Claim check-and-set bajo mutex.
func (r *IdempotencyRepo) Claim(_ context.Context, reference string, now time.Time, staleAfter time.Duration) (bool, *entity.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.records[reference]; ok {
		stale := cur.Status == entity.IdempotencyProcessing && staleAfter > 0 && now.Sub(cur.ClaimedAt) > staleAfter
		if !stale {
			c := cur
			return false, &c, nil
		}
	}
	r.records[reference] = entity.IdempotencyRecord{
		Reference: reference,
		Status:    entity.IdempotencyProcessing,
		ClaimedAt: now,
	}
	return true, nil, nil
}

// Complete guarda el resultado terminal.
func (r *IdempotencyRepo) Complete(_ context.Context, record *entity.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[record.Reference] = *record
	return nil
}

// Delete libera el claim solo si sigue en processing.
func (r *IdempotencyRepo) Delete(_ context.Context, reference string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.records[reference]; ok && cur.Status == entity.IdempotencyProcessing {
		delete(r.records, reference)
	}
	return nil
}

// Get devuelve el registro o (nil, nil).
func (r *IdempotencyRepo) Get(_ context.Context, reference string) (*entity.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[reference]
	if !ok {
		return nil, nil
	}
	return &cur, nil
}
