package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
	"golang.org/x/sync/semaphore"
)

var _ repository.StockEntryRepository = (*StockEntryRepo)(nil)

type stockKey struct {
	productID string
	location  string
}

// hold reserva abierta sobre una fila.
type hold struct {
	qty       int
	createdAt time.Time
}

// stockRow fila de stock con su propio semáforo (bloqueo por fila, nunca global).
// holds son las reservas abiertas de la fila, protegidas por el mismo semáforo.
type stockRow struct {
	sem   *semaphore.Weighted
	entry entity.StockEntry
	holds map[string]hold
}

// StockEntryRepo implementación en memoria de StockEntryRepository.
// Cada fila se bloquea con un semáforo de peso 1 adquirido con el deadline de ctx.
type StockEntryRepo struct {
	mu   sync.RWMutex
	rows map[stockKey]*stockRow
}

// NewStockEntryRepository construye el repositorio vacío.
func NewStockEntryRepository() *StockEntryRepo {
	return &StockEntryRepo{rows: make(map[stockKey]*stockRow)}
}

func (r *StockEntryRepo) row(productID, location string) *stockRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rows[stockKey{productID, location}]
}

// lock adquiere la fila respetando el deadline de ctx.
func lock(ctx context.Context, row *stockRow) error {
	if err := row.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %s/%s", domain.ErrStockContentionTimeout, row.entry.ProductID, row.entry.Location)
		}
		return err
	}
	return nil
}

func snapshot(e entity.StockEntry) *entity.StockEntry {
	c := e
	return &c
}

// Get devuelve una copia de la entrada o (nil, nil).
func (r *StockEntryRepo) Get(ctx context.Context, productID, location string) (*entity.StockEntry, error) {
	row := r.row(productID, location)
	if row == nil {
		return nil, nil
	}
	if err := lock(ctx, row); err != nil {
		return nil, err
	}
	defer row.sem.Release(1)
	return snapshot(row.entry), nil
}

// ListByProduct entradas del producto ordenadas por ubicación.
func (r *StockEntryRepo) ListByProduct(ctx context.Context, productID string) ([]*entity.StockEntry, error) {
	var out []*entity.StockEntry
	for _, row := range r.all() {
		if row.entry.ProductID != productID {
			continue
		}
		e, err := r.Get(ctx, row.entry.ProductID, row.entry.Location)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Location < out[j].Location })
	return out, nil
}

// ListLow entradas con quantity <= threshold, de menor a mayor cantidad.
func (r *StockEntryRepo) ListLow(ctx context.Context, threshold, limit, offset int) ([]*entity.StockEntry, error) {
	var out []*entity.StockEntry
	for _, row := range r.all() {
		e, err := r.Get(ctx, row.entry.ProductID, row.entry.Location)
		if err != nil {
			return nil, err
		}
		if e.Quantity <= threshold {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Quantity != out[j].Quantity {
			return out[i].Quantity < out[j].Quantity
		}
		if out[i].ProductID != out[j].ProductID {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].Location < out[j].Location
	})
	if offset >= len(out) {
		return []*entity.StockEntry{}, nil
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *StockEntryRepo) all() []*stockRow {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := make([]*stockRow, 0, len(r.rows))
	for _, row := range r.rows {
		rows = append(rows, row)
	}
	return rows
}

// Decrement compare-and-decrement atómico sobre la fila; la reserva queda registrada en la fila.
func (r *StockEntryRepo) Decrement(ctx context.Context, rs *entity.Reservation) (*entity.StockEntry, error) {
	row := r.row(rs.ProductID, rs.Location)
	if row == nil {
		return nil, &domain.InsufficientStockError{ProductID: rs.ProductID, Location: rs.Location, Requested: rs.Quantity, Available: 0}
	}
	if err := lock(ctx, row); err != nil {
		return nil, err
	}
	defer row.sem.Release(1)

	if row.entry.Quantity < rs.Quantity {
		return nil, &domain.InsufficientStockError{
			ProductID: rs.ProductID, Location: rs.Location, Requested: rs.Quantity, Available: row.entry.Quantity,
		}
	}
	row.entry.Quantity -= rs.Quantity
	row.entry.Reserved += rs.Quantity
	row.holds[rs.ID] = hold{qty: rs.Quantity, createdAt: rs.CreatedAt}
	touch(&row.entry)
	return snapshot(row.entry), nil
}

// Restore revierte la reserva y la borra.
func (r *StockEntryRepo) Restore(ctx context.Context, rs *entity.Reservation) (*entity.StockEntry, error) {
	row := r.row(rs.ProductID, rs.Location)
	if row == nil {
		return nil, fmt.Errorf("restore %s/%s: %w", rs.ProductID, rs.Location, domain.ErrNotFound)
	}
	if err := lock(ctx, row); err != nil {
		return nil, err
	}
	defer row.sem.Release(1)

	if err := restoreLocked(row, rs.ID); err != nil {
		return nil, err
	}
	return snapshot(row.entry), nil
}

func restoreLocked(row *stockRow, id string) error {
	h, ok := row.holds[id]
	if !ok {
		return fmt.Errorf("restore reserva %s: %w", id, domain.ErrConflict)
	}
	delete(row.holds, id)
	row.entry.Quantity += h.qty
	row.entry.Reserved -= h.qty
	touch(&row.entry)
	return nil
}

// Settle confirma la reserva y la borra.
func (r *StockEntryRepo) Settle(ctx context.Context, rs *entity.Reservation) error {
	row := r.row(rs.ProductID, rs.Location)
	if row == nil {
		return fmt.Errorf("settle %s/%s: %w", rs.ProductID, rs.Location, domain.ErrNotFound)
	}
	if err := lock(ctx, row); err != nil {
		return err
	}
	defer row.sem.Release(1)

	if _, ok := row.holds[rs.ID]; !ok {
		return fmt.Errorf("settle reserva %s: %w", rs.ID, domain.ErrConflict)
	}
	settleLocked(row, rs.ID)
	return nil
}

func settleLocked(row *stockRow, id string) {
	h := row.holds[id]
	delete(row.holds, id)
	row.entry.Reserved -= h.qty
	touch(&row.entry)
}

// RestoreExpired revierte hasta limit reservas creadas antes de cutoff.
func (r *StockEntryRepo) RestoreExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	restored := 0
	for _, row := range r.all() {
		if restored >= limit {
			break
		}
		if err := lock(ctx, row); err != nil {
			return restored, err
		}
		for id, h := range row.holds {
			if restored >= limit {
				break
			}
			if h.createdAt.Before(cutoff) {
				_ = restoreLocked(row, id)
				restored++
			}
		}
		row.sem.Release(1)
	}
	return restored, nil
}

// lockForSettle bloquea en orden (producto, ubicación) las filas de las reservas y verifica que
// todas sigan abiertas. Devuelve la función que libera los bloqueos.
func (r *StockEntryRepo) lockForSettle(ctx context.Context, rs []*entity.Reservation) (func(), error) {
	keys := make([]stockKey, 0, len(rs))
	seen := make(map[stockKey]bool, len(rs))
	for _, res := range rs {
		k := stockKey{res.ProductID, res.Location}
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].productID != keys[j].productID {
			return keys[i].productID < keys[j].productID
		}
		return keys[i].location < keys[j].location
	})

	locked := make([]*stockRow, 0, len(keys))
	unlock := func() {
		for _, row := range locked {
			row.sem.Release(1)
		}
	}
	for _, k := range keys {
		row := r.row(k.productID, k.location)
		if row == nil {
			unlock()
			return nil, fmt.Errorf("settle %s/%s: %w", k.productID, k.location, domain.ErrNotFound)
		}
		if err := lock(ctx, row); err != nil {
			unlock()
			return nil, err
		}
		locked = append(locked, row)
	}
	for _, res := range rs {
		if _, ok := r.row(res.ProductID, res.Location).holds[res.ID]; !ok {
			unlock()
			return nil, fmt.Errorf("settle reserva %s: %w", res.ID, domain.ErrConflict)
		}
	}
	return unlock, nil
}

// settleAllLocked aplica confirmaciones ya verificadas por lockForSettle.
func (r *StockEntryRepo) settleAllLocked(rs []*entity.Reservation) {
	for _, res := range rs {
		settleLocked(r.row(res.ProductID, res.Location), res.ID)
	}
}

// Receive suma qty a la entrada, creándola con los datos de entry si no existe.
func (r *StockEntryRepo) Receive(ctx context.Context, entry *entity.StockEntry, qty int) (*entity.StockEntry, error) {
	key := stockKey{entry.ProductID, entry.Location}
	r.mu.Lock()
	row, ok := r.rows[key]
	if !ok {
		e := *entry
		e.Quantity, e.Reserved = 0, 0
		e.Status = entity.StockStatusDepleted
		row = &stockRow{sem: semaphore.NewWeighted(1), entry: e, holds: make(map[string]hold)}
		r.rows[key] = row
	}
	r.mu.Unlock()

	if err := lock(ctx, row); err != nil {
		return nil, err
	}
	defer row.sem.Release(1)

	row.entry.Quantity += qty
	if entry.ExpiryDate != nil {
		row.entry.ExpiryDate = entry.ExpiryDate
	}
	touch(&row.entry)
	return snapshot(row.entry), nil
}

func touch(e *entity.StockEntry) {
	e.Status = entity.StockStatusFor(e.Quantity, e.Reserved)
	e.UpdatedAt = time.Now().UTC()
}
