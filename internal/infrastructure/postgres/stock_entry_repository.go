package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

var _ repository.StockEntryRepository = (*StockEntryRepo)(nil)

const stockColumns = `id, product_id, location, quantity, reserved, status, expiry_date, created_at, updated_at`

// StockEntryRepo implementación de StockEntryRepository sobre PostgreSQL (usable con pool o tx).
// Cada escritura es un UPDATE condicional sobre una fila; la espera por el bloqueo se acota
// con lock_timeout derivado del deadline de ctx.
type StockEntryRepo struct {
	q Querier
}

// NewStockEntryRepository construye el adaptador de stock. Pasar pool o tx (Querier).
func NewStockEntryRepository(q Querier) *StockEntryRepo {
	return &StockEntryRepo{q: q}
}

func scanStock(row pgx.Row) (*entity.StockEntry, error) {
	var e entity.StockEntry
	err := row.Scan(&e.ID, &e.ProductID, &e.Location, &e.Quantity, &e.Reserved, &e.Status,
		&e.ExpiryDate, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Get obtiene la entrada de un producto en una ubicación.
func (r *StockEntryRepo) Get(ctx context.Context, productID, location string) (*entity.StockEntry, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_entries WHERE product_id = $1 AND location = $2`
	e, err := scanStock(r.q.QueryRow(ctx, query, productID, location))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get stock entry: %w", err)
	}
	return e, nil
}

// ListByProduct entradas del producto en todas las ubicaciones.
func (r *StockEntryRepo) ListByProduct(ctx context.Context, productID string) ([]*entity.StockEntry, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_entries WHERE product_id = $1 ORDER BY location`
	return r.list(ctx, query, productID)
}

// ListLow entradas con quantity <= threshold, de menor a mayor cantidad.
func (r *StockEntryRepo) ListLow(ctx context.Context, threshold, limit, offset int) ([]*entity.StockEntry, error) {
	query := `SELECT ` + stockColumns + ` FROM stock_entries
		WHERE quantity <= $1
		ORDER BY quantity, product_id, location
		LIMIT $2 OFFSET $3`
	return r.list(ctx, query, threshold, limit, offset)
}

func (r *StockEntryRepo) list(ctx context.Context, query string, args ...any) ([]*entity.StockEntry, error) {
	rows, err := r.q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stock entries: %w", err)
	}
	defer rows.Close()
	out := make([]*entity.StockEntry, 0)
	for rows.Next() {
		e, err := scanStock(rows)
		if err != nil {
			return nil, fmt.Errorf("scan stock entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Decrement compare-and-decrement: solo descuenta si quantity >= rs.Quantity.
// La reserva queda registrada en stock_reservations en la misma transacción.
func (r *StockEntryRepo) Decrement(ctx context.Context, rs *entity.Reservation) (*entity.StockEntry, error) {
	var out *entity.StockEntry
	err := r.withLockTimeout(ctx, func(tx pgx.Tx) error {
		query := `
			UPDATE stock_entries
			SET quantity = quantity - $3,
			    reserved = reserved + $3,
			    status = CASE WHEN quantity - $3 = 0 THEN 'depleted' ELSE 'reserved' END,
			    updated_at = now()
			WHERE product_id = $1 AND location = $2 AND quantity >= $3
			RETURNING ` + stockColumns
		e, err := scanStock(tx.QueryRow(ctx, query, rs.ProductID, rs.Location, rs.Quantity))
		if err == nil {
			_, err = tx.Exec(ctx, `
				INSERT INTO stock_reservations (id, product_id, location, quantity, created_at)
				VALUES ($1, $2, $3, $4, $5)`,
				rs.ID, rs.ProductID, rs.Location, rs.Quantity, rs.CreatedAt)
			if err != nil {
				return fmt.Errorf("registrar reserva: %w", err)
			}
			out = e
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		// Sin fila actualizada: informar cuánto hay disponible (0 si no existe la entrada).
		var available int
		err = tx.QueryRow(ctx, `SELECT quantity FROM stock_entries WHERE product_id = $1 AND location = $2`,
			rs.ProductID, rs.Location).Scan(&available)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		return &domain.InsufficientStockError{ProductID: rs.ProductID, Location: rs.Location, Requested: rs.Quantity, Available: available}
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Restore devuelve la reserva al stock y la borra. ErrConflict si la reserva ya no existe.
func (r *StockEntryRepo) Restore(ctx context.Context, rs *entity.Reservation) (*entity.StockEntry, error) {
	var out *entity.StockEntry
	err := r.withLockTimeout(ctx, func(tx pgx.Tx) error {
		e, err := restoreReservation(ctx, tx, rs.ID)
		if err != nil {
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// restoreReservation borra la reserva id y devuelve su cantidad a la entrada.
func restoreReservation(ctx context.Context, tx pgx.Tx, id string) (*entity.StockEntry, error) {
	var productID, location string
	var qty int
	err := tx.QueryRow(ctx, `DELETE FROM stock_reservations WHERE id = $1 RETURNING product_id, location, quantity`, id).
		Scan(&productID, &location, &qty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("restore reserva %s: %w", id, domain.ErrConflict)
		}
		return nil, err
	}
	query := `
		UPDATE stock_entries
		SET quantity = quantity + $3,
		    reserved = reserved - $3,
		    status = CASE
		        WHEN quantity + $3 = 0 THEN 'depleted'
		        WHEN reserved - $3 > 0 THEN 'reserved'
		        ELSE 'available' END,
		    updated_at = now()
		WHERE product_id = $1 AND location = $2 AND reserved >= $3
		RETURNING ` + stockColumns
	e, err := scanStock(tx.QueryRow(ctx, query, productID, location, qty))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("restore %s/%s: %w", productID, location, domain.ErrConflict)
		}
		return nil, err
	}
	return e, nil
}

// Settle confirma la reserva sin cambiar quantity y la borra. ErrConflict si la reserva ya no existe.
func (r *StockEntryRepo) Settle(ctx context.Context, rs *entity.Reservation) error {
	return r.withLockTimeout(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM stock_reservations WHERE id = $1`, rs.ID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("settle reserva %s: %w", rs.ID, domain.ErrConflict)
		}
		query := `
			UPDATE stock_entries
			SET reserved = reserved - $3,
			    status = CASE
			        WHEN quantity = 0 THEN 'depleted'
			        WHEN reserved - $3 > 0 THEN 'reserved'
			        ELSE 'available' END,
			    updated_at = now()
			WHERE product_id = $1 AND location = $2 AND reserved >= $3`
		tag, err = tx.Exec(ctx, query, rs.ProductID, rs.Location, rs.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("settle %s/%s: %w", rs.ProductID, rs.Location, domain.ErrConflict)
		}
		return nil
	})
}

// Receive suma qty a la entrada, creándola si no existe.
func (r *StockEntryRepo) Receive(ctx context.Context, entry *entity.StockEntry, qty int) (*entity.StockEntry, error) {
	var out *entity.StockEntry
	err := r.withLockTimeout(ctx, func(tx pgx.Tx) error {
		query := `
			INSERT INTO stock_entries (id, product_id, location, quantity, reserved, status, expiry_date, created_at, updated_at)
			VALUES ($1, $2, $3, $4, 0, 'available', $5, $6, $6)
			ON CONFLICT (product_id, location) DO UPDATE
			SET quantity = stock_entries.quantity + EXCLUDED.quantity,
			    expiry_date = COALESCE(EXCLUDED.expiry_date, stock_entries.expiry_date),
			    status = CASE WHEN stock_entries.reserved > 0 THEN 'reserved' ELSE 'available' END,
			    updated_at = now()
			RETURNING ` + stockColumns
		e, err := scanStock(tx.QueryRow(ctx, query,
			entry.ID, entry.ProductID, entry.Location, qty, entry.ExpiryDate, entry.CreatedAt))
		if err != nil {
			if isForeignKeyViolation(err) {
				return fmt.Errorf("producto %s: %w", entry.ProductID, domain.ErrNotFound)
			}
			return err
		}
		out = e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RestoreExpired devuelve al stock hasta limit reservas creadas antes de cutoff, una por transacción.
// Las reservas bloqueadas por una venta en curso se saltan.
func (r *StockEntryRepo) RestoreExpired(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	restored := 0
	for restored < limit {
		found := false
		err := r.withLockTimeout(ctx, func(tx pgx.Tx) error {
			var id string
			err := tx.QueryRow(ctx, `
				SELECT id FROM stock_reservations
				WHERE created_at < $1
				ORDER BY created_at
				LIMIT 1
				FOR UPDATE SKIP LOCKED`, cutoff).Scan(&id)
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			if err != nil {
				return err
			}
			if _, err := restoreReservation(ctx, tx, id); err != nil {
				return err
			}
			found = true
			return nil
		})
		if err != nil {
			return restored, err
		}
		if !found {
			break
		}
		restored++
	}
	return restored, nil
}

// withLockTimeout abre una tx (o savepoint si q ya es una tx), fija lock_timeout según el deadline de ctx
// y ejecuta fn. Los errores de espera se traducen a domain.ErrStockContentionTimeout.
func (r *StockEntryRepo) withLockTimeout(ctx context.Context, fn func(tx pgx.Tx) error) error {
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= 0 {
		return lockError(ctx, "stock", context.DeadlineExceeded)
	}
	tx, err := r.q.Begin(ctx)
	if err != nil {
		return lockError(ctx, "begin stock tx", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if dl, ok := ctx.Deadline(); ok {
		ms := time.Until(dl).Milliseconds()
		if ms < 1 {
			ms = 1
		}
		if _, err := tx.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, fmt.Sprintf("%dms", ms)); err != nil {
			return lockError(ctx, "set lock_timeout", err)
		}
	}

	if err := fn(tx); err != nil {
		var ise *domain.InsufficientStockError
		if errors.As(err, &ise) || errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return lockError(ctx, "stock", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return lockError(ctx, "commit stock tx", err)
	}
	return nil
}
