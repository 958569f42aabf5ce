package repository

import (
	"context"
	"time"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
)

// StockEntryRepository define el puerto de persistencia de StockEntry.
// Las operaciones de escritura son atómicas por fila y respetan el deadline de ctx como espera máxima
// por el bloqueo de la fila. Solo el Stock Ledger debe invocarlas.
type StockEntryRepository interface {
	// Get devuelve (nil, nil) si no hay entrada para producto+ubicación.
	Get(ctx context.Context, productID, location string) (*entity.StockEntry, error)
	ListByProduct(ctx context.Context, productID string) ([]*entity.StockEntry, error)
	// ListLow entradas con quantity <= threshold, de menor a mayor cantidad.
	ListLow(ctx context.Context, threshold, limit, offset int) ([]*entity.StockEntry, error)

	// Decrement resta rs.Quantity de quantity y lo suma a reserved solo si quantity >= rs.Quantity,
	// y registra la reserva rs en la misma operación. Si no alcanza devuelve *domain.InsufficientStockError.
	Decrement(ctx context.Context, rs *entity.Reservation) (*entity.StockEntry, error)
	// Restore revierte la reserva: quantity += qty, reserved -= qty, y la borra.
	// domain.ErrConflict si la reserva ya no existe.
	Restore(ctx context.Context, rs *entity.Reservation) (*entity.StockEntry, error)
	// Settle confirma la reserva: reserved -= qty (sin cambiar quantity), y la borra.
	// domain.ErrConflict si la reserva ya no existe.
	Settle(ctx context.Context, rs *entity.Reservation) error
	// RestoreExpired revierte hasta limit reservas registradas antes de cutoff y devuelve cuántas.
	RestoreExpired(ctx context.Context, cutoff time.Time, limit int) (int, error)
	// Receive suma qty a la entrada (la crea si no existe).
	Receive(ctx context.Context, entry *entity.StockEntry, qty int) (*entity.StockEntry, error)
}
