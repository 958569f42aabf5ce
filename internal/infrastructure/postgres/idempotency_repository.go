package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

var _ repository.IdempotencyRepository = (*IdempotencyRepo)(nil)

const idempotencyColumns = `reference, status, sale_id, error_code, error_detail, product_id, location,
	requested, available, claimed_at, completed_at`

// IdempotencyRepo registro de idempotencia sobre PostgreSQL.
// El claim es un único INSERT ... ON CONFLICT, atómico entre réplicas.
type IdempotencyRepo struct {
	q Querier
}

// NewIdempotencyRepository construye el adaptador.
func NewIdempotencyRepository(q Querier) *IdempotencyRepo {
	return &IdempotencyRepo{q: q}
}

// Claim inserta la referencia en processing, o la reclama si su claim processing es anterior a now - staleAfter.
func (r *IdempotencyRepo) Claim(ctx context.Context, reference string, now time.Time, staleAfter time.Duration) (bool, *entity.IdempotencyRecord, error) {
	query := `
		INSERT INTO idempotency_keys (reference, status, claimed_at)
		VALUES ($1, 'processing', $2)
		ON CONFLICT (reference) DO UPDATE
		SET status = 'processing', claimed_at = EXCLUDED.claimed_at, sale_id = '', error_code = '',
		    error_detail = '', product_id = '', location = '', requested = 0, available = 0, completed_at = NULL
		WHERE idempotency_keys.status = 'processing' AND idempotency_keys.claimed_at < $3
		RETURNING reference`

	threshold := now.Add(-staleAfter)
	if staleAfter <= 0 {
		threshold = time.Time{}
	}

	// Un registro borrado entre el INSERT y la lectura se reintenta una vez.
	for attempt := 0; attempt < 2; attempt++ {
		var ref string
		err := r.q.QueryRow(ctx, query, reference, now, threshold).Scan(&ref)
		if err == nil {
			return true, nil, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return false, nil, fmt.Errorf("claim idempotency key: %w", err)
		}
		existing, err := r.Get(ctx, reference)
		if err != nil {
			return false, nil, err
		}
		if existing != nil {
			return false, existing, nil
		}
	}
	return false, nil, nil
}

// Complete guarda el resultado terminal.
func (r *IdempotencyRepo) Complete(ctx context.Context, rec *entity.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_keys (` + idempotencyColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (reference) DO UPDATE
		SET status = EXCLUDED.status, sale_id = EXCLUDED.sale_id, error_code = EXCLUDED.error_code,
		    error_detail = EXCLUDED.error_detail, product_id = EXCLUDED.product_id, location = EXCLUDED.location,
		    requested = EXCLUDED.requested, available = EXCLUDED.available, completed_at = EXCLUDED.completed_at`
	_, err := r.q.Exec(ctx, query,
		rec.Reference, rec.Status, rec.SaleID, rec.ErrorCode, rec.ErrorDetail, rec.ProductID, rec.Location,
		rec.Requested, rec.Available, rec.ClaimedAt, rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency key: %w", err)
	}
	return nil
}

// Delete libera un claim que sigue en processing.
func (r *IdempotencyRepo) Delete(ctx context.Context, reference string) error {
	_, err := r.q.Exec(ctx, `DELETE FROM idempotency_keys WHERE reference = $1 AND status = 'processing'`, reference)
	if err != nil {
		return fmt.Errorf("delete idempotency key: %w", err)
	}
	return nil
}

// Get obtiene el registro por referencia.
func (r *IdempotencyRepo) Get(ctx context.Context, reference string) (*entity.IdempotencyRecord, error) {
	var rec entity.IdempotencyRecord
	err := r.q.QueryRow(ctx, `SELECT `+idempotencyColumns+` FROM idempotency_keys WHERE reference = $1`, reference).Scan(
		&rec.Reference, &rec.Status, &rec.SaleID, &rec.ErrorCode, &rec.ErrorDetail, &rec.ProductID, &rec.Location,
		&rec.Requested, &rec.Available, &rec.ClaimedAt, &rec.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get idempotency key: %w", err)
	}
	return &rec, nil
}
