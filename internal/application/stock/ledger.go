package stock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
	"github.com/jhoicas/Ventas-api/pkg/logger"
)

// Resultados de una reserva (etiqueta de métricas).
const (
	ResultReserved     = "reserved"
	ResultInsufficient = "insufficient"
	ResultTimeout      = "timeout"
	ResultError        = "error"
	ResultExpired      = "expired"
)

// Metrics recibe el resultado de cada intento de reserva.
type Metrics interface {
	ObserveReservation(result string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveReservation(string) {}

// Line cantidad a reservar de un producto en una ubicación.
type Line struct {
	ProductID string
	Location  string
	Quantity  int
}

// Ledger es el único que modifica cantidades de StockEntry.
// Cada reserva es un compare-and-decrement atómico sobre una fila, con espera acotada por lockTimeout.
type Ledger struct {
	repo        repository.StockEntryRepository
	lockTimeout time.Duration
	metrics     Metrics
	log         *logger.Logger

	mu      sync.Mutex
	handles map[string]*entity.Reservation
}

// Option configura el Ledger.
type Option func(*Ledger)

// WithMetrics registra el colector de métricas.
func WithMetrics(m Metrics) Option {
	return func(l *Ledger) {
		if m != nil {
			l.metrics = m
		}
	}
}

// WithLogger registra el logger.
func WithLogger(log *logger.Logger) Option {
	return func(l *Ledger) {
		if log != nil {
			l.log = log
		}
	}
}

// NewLedger construye el ledger. lockTimeout es la espera máxima por el bloqueo de una fila.
func NewLedger(repo repository.StockEntryRepository, lockTimeout time.Duration, opts ...Option) *Ledger {
	l := &Ledger{
		repo:        repo,
		lockTimeout: lockTimeout,
		metrics:     nopMetrics{},
		log:         logger.NewNop(),
		handles:     make(map[string]*entity.Reservation),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Reserve descuenta qty de la entrada si y solo si quantity >= qty.
// Falla con *domain.InsufficientStockError, domain.ErrStockContentionTimeout o el error del contexto.
func (l *Ledger) Reserve(ctx context.Context, productID, location string, qty int) (*entity.Reservation, error) {
	if productID == "" || location == "" || qty <= 0 {
		return nil, domain.ErrInvalidInput
	}

	rs := &entity.Reservation{
		ID:        uuid.New().String(),
		ProductID: productID,
		Location:  location,
		Quantity:  qty,
		Status:    entity.ReservationReserved,
		CreatedAt: time.Now().UTC(),
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()

	if _, err := l.repo.Decrement(lockCtx, rs); err != nil {
		err = l.classify(ctx, err)
		switch {
		case errors.Is(err, domain.ErrInsufficientStock):
			l.metrics.ObserveReservation(ResultInsufficient)
		case errors.Is(err, domain.ErrStockContentionTimeout):
			l.metrics.ObserveReservation(ResultTimeout)
		default:
			l.metrics.ObserveReservation(ResultError)
		}
		return nil, err
	}
	l.metrics.ObserveReservation(ResultReserved)

	l.mu.Lock()
	l.handles[rs.ID] = rs
	l.mu.Unlock()
	return rs, nil
}

// ReserveAll reserva todas las líneas en orden ascendente de (producto, ubicación).
// Ante el primer fallo libera lo ya reservado y devuelve el error de esa línea.
func (l *Ledger) ReserveAll(ctx context.Context, lines []Line) ([]*entity.Reservation, error) {
	ordered := make([]Line, len(lines))
	copy(ordered, lines)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ProductID != ordered[j].ProductID {
			return ordered[i].ProductID < ordered[j].ProductID
		}
		return ordered[i].Location < ordered[j].Location
	})

	acquired := make([]*entity.Reservation, 0, len(ordered))
	for _, ln := range ordered {
		rs, err := l.Reserve(ctx, ln.ProductID, ln.Location, ln.Quantity)
		if err != nil {
			if relErr := l.ReleaseAll(ctx, acquired); relErr != nil {
				return nil, errors.Join(err, relErr)
			}
			return nil, err
		}
		acquired = append(acquired, rs)
	}
	return acquired, nil
}

// Release revierte una reserva devolviendo la cantidad. Un segundo llamado devuelve ErrInvalidReservation.
// No se interrumpe por cancelación del caller.
func (l *Ledger) Release(ctx context.Context, rs *entity.Reservation) error {
	if err := l.transition(rs, entity.ReservationReleased); err != nil {
		return err
	}

	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.lockTimeout)
	defer cancel()

	if _, err := l.repo.Restore(lockCtx, rs); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			// el barrido de reservas vencidas ya devolvió la cantidad
			l.log.Warn().Str("reservation_id", rs.ID).Msg("reserva ya devuelta por el barrido")
			return nil
		}
		l.reopen(rs)
		l.log.Error().Err(err).
			Str("reservation_id", rs.ID).
			Str("product_id", rs.ProductID).
			Str("location", rs.Location).
			Int("quantity", rs.Quantity).
			Msg("no se pudo liberar la reserva")
		return fmt.Errorf("release reservation %s: %w", rs.ID, l.classify(lockCtx, err))
	}
	return nil
}

// ReleaseAll libera todas las reservas en orden inverso y acumula los errores.
func (l *Ledger) ReleaseAll(ctx context.Context, rs []*entity.Reservation) error {
	var errs []error
	for i := len(rs) - 1; i >= 0; i-- {
		if err := l.Release(ctx, rs[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ApplyCommit escribe la confirmación de la reserva con el repositorio dado (p. ej. atado a una tx).
// No cambia el estado del handle: MarkCommitted debe llamarse después de confirmar la tx.
func (l *Ledger) ApplyCommit(ctx context.Context, repo repository.StockEntryRepository, rs *entity.Reservation) error {
	if err := l.checkOpen(rs); err != nil {
		return err
	}
	if err := repo.Settle(ctx, rs); err != nil {
		return fmt.Errorf("settle reservation %s: %w", rs.ID, err)
	}
	return nil
}

// MarkCommitted cierra el handle como committed.
func (l *Ledger) MarkCommitted(rs *entity.Reservation) error {
	return l.transition(rs, entity.ReservationCommitted)
}

// Commit confirma la reserva fuera de cualquier transacción externa.
func (l *Ledger) Commit(ctx context.Context, rs *entity.Reservation) error {
	lockCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.lockTimeout)
	defer cancel()
	if err := l.ApplyCommit(lockCtx, l.repo, rs); err != nil {
		return err
	}
	return l.MarkCommitted(rs)
}

// sweepBatch reservas devueltas por llamada al repositorio.
const sweepBatch = 100

// RestoreExpired devuelve al stock las reservas con más de maxAge de antigüedad.
// Cubre las reservas que quedaron abiertas porque el proceso murió antes de confirmar o liberar.
func (l *Ledger) RestoreExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	if maxAge <= 0 {
		return 0, domain.ErrInvalidInput
	}
	cutoff := time.Now().UTC().Add(-maxAge)
	total := 0
	for {
		lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
		n, err := l.repo.RestoreExpired(lockCtx, cutoff, sweepBatch)
		cancel()
		total += n
		if err != nil {
			return total, l.classify(ctx, err)
		}
		if n < sweepBatch {
			break
		}
	}
	for i := 0; i < total; i++ {
		l.metrics.ObserveReservation(ResultExpired)
	}
	if total > 0 {
		l.log.Warn().Int("restored", total).Dur("max_age", maxAge).Msg("reservas vencidas devueltas al stock")
	}
	return total, nil
}

// RunSweeper ejecuta RestoreExpired al arrancar y luego cada interval hasta que ctx termine.
func (l *Ledger) RunSweeper(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := l.RestoreExpired(ctx, maxAge); err != nil && ctx.Err() == nil {
			l.log.Error().Err(err).Msg("barrido de reservas vencidas")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// GetStock devuelve la entrada de producto+ubicación o domain.ErrNotFound.
func (l *Ledger) GetStock(ctx context.Context, productID, location string) (*entity.StockEntry, error) {
	if productID == "" || location == "" {
		return nil, domain.ErrInvalidInput
	}
	e, err := l.repo.Get(ctx, productID, location)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, domain.ErrNotFound
	}
	return e, nil
}

// TotalForProduct suma la cantidad disponible del producto en todas las ubicaciones.
func (l *Ledger) TotalForProduct(ctx context.Context, productID string) (int, error) {
	if productID == "" {
		return 0, domain.ErrInvalidInput
	}
	entries, err := l.repo.ListByProduct(ctx, productID)
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		total += e.Quantity
	}
	return total, nil
}

// LowStock entradas con cantidad <= threshold.
func (l *Ledger) LowStock(ctx context.Context, threshold, limit, offset int) ([]*entity.StockEntry, error) {
	if threshold < 0 {
		return nil, domain.ErrInvalidInput
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return l.repo.ListLow(ctx, threshold, limit, offset)
}

// Receive ingresa qty unidades (creando la entrada si no existe). Único camino fuera de ventas que suma stock.
func (l *Ledger) Receive(ctx context.Context, productID, location string, qty int, expiry *time.Time) (*entity.StockEntry, error) {
	if productID == "" || location == "" || qty <= 0 {
		return nil, domain.ErrInvalidInput
	}
	now := time.Now().UTC()
	entry := &entity.StockEntry{
		ID:         uuid.New().String(),
		ProductID:  productID,
		Location:   location,
		ExpiryDate: expiry,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	lockCtx, cancel := context.WithTimeout(ctx, l.lockTimeout)
	defer cancel()
	e, err := l.repo.Receive(lockCtx, entry, qty)
	if err != nil {
		return nil, l.classify(ctx, err)
	}
	return e, nil
}

// classify traduce el vencimiento del plazo de bloqueo a ErrStockContentionTimeout,
// salvo que el contexto del caller ya esté terminado.
func (l *Ledger) classify(parent context.Context, err error) error {
	if errors.Is(err, domain.ErrInsufficientStock) || errors.Is(err, domain.ErrStockContentionTimeout) {
		return err
	}
	if perr := parent.Err(); perr != nil {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrStockContentionTimeout, err)
	}
	return err
}

func (l *Ledger) checkOpen(rs *entity.Reservation) error {
	if rs == nil {
		return domain.ErrInvalidReservation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[rs.ID]; !ok || rs.Status != entity.ReservationReserved {
		return fmt.Errorf("%w: %s", domain.ErrInvalidReservation, rs.ID)
	}
	return nil
}

// transition reserved -> committed | released; cualquier otra es ErrInvalidReservation.
func (l *Ledger) transition(rs *entity.Reservation, to string) error {
	if rs == nil {
		return domain.ErrInvalidReservation
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	cur, ok := l.handles[rs.ID]
	if !ok || cur.Status != entity.ReservationReserved {
		return fmt.Errorf("%w: %s", domain.ErrInvalidReservation, rs.ID)
	}
	cur.Status = to
	delete(l.handles, rs.ID)
	return nil
}

// reopen deja el handle en reserved tras un release fallido para poder reintentarlo.
func (l *Ledger) reopen(rs *entity.Reservation) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rs.Status = entity.ReservationReserved
	l.handles[rs.ID] = rs
}
