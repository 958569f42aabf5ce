package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seed(t *testing.T, r *StockEntryRepo, productID, location string, qty int) {
	t.Helper()
	_, err := r.Receive(context.Background(), &entity.StockEntry{ID: productID + "-" + location, ProductID: productID, Location: location}, qty)
	require.NoError(t, err)
}

var resSeq int

// res construye una reserva con id único creada en at.
func res(productID, location string, qty int, at time.Time) *entity.Reservation {
	resSeq++
	return &entity.Reservation{
		ID: fmt.Sprintf("rs-%d", resSeq), ProductID: productID, Location: location,
		Quantity: qty, Status: entity.ReservationReserved, CreatedAt: at,
	}
}

// ────────────────────────────────────────────────────────────────
// Decrement
// ────────────────────────────────────────────────────────────────

func TestDecrement_Success(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 5)

	e, err := r.Decrement(context.Background(), res("P1", "main", 3, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, 2, e.Quantity)
	assert.Equal(t, 3, e.Reserved)
	assert.Equal(t, entity.StockStatusReserved, e.Status)
}

func TestDecrement_Insufficient(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 2)

	_, err := r.Decrement(context.Background(), res("P1", "main", 3, time.Now()))
	var ise *domain.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 2, ise.Available)
	assert.Equal(t, 1, ise.Shortfall())

	e, _ := r.Get(context.Background(), "P1", "main")
	assert.Equal(t, 2, e.Quantity, "sin cambios tras fallo")
}

func TestDecrement_MissingEntry(t *testing.T) {
	r := NewStockEntryRepository()
	_, err := r.Decrement(context.Background(), res("NOPE", "main", 1, time.Now()))
	var ise *domain.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, 0, ise.Available)
}

func TestDecrement_LockTimeout(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 5)

	row := r.row("P1", "main")
	require.NoError(t, row.sem.Acquire(context.Background(), 1))
	defer row.sem.Release(1)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := r.Decrement(ctx, res("P1", "main", 1, time.Now()))
	assert.ErrorIs(t, err, domain.ErrStockContentionTimeout)
}

func TestDecrement_CallerCancelled(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 5)

	row := r.row("P1", "main")
	require.NoError(t, row.sem.Acquire(context.Background(), 1))
	defer row.sem.Release(1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.Decrement(ctx, res("P1", "main", 1, time.Now()))
	assert.True(t, errors.Is(err, context.Canceled))
}

// ────────────────────────────────────────────────────────────────
// Concurrencia: nunca negativo
// ────────────────────────────────────────────────────────────────

func TestDecrement_ConcurrentNeverNegative(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 10)

	var wg sync.WaitGroup
	var mu sync.Mutex
	ok := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rs := &entity.Reservation{ID: uuid.NewString(), ProductID: "P1", Location: "main", Quantity: 1, CreatedAt: time.Now()}
			if _, err := r.Decrement(context.Background(), rs); err == nil {
				mu.Lock()
				ok++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	e, _ := r.Get(context.Background(), "P1", "main")
	assert.Equal(t, 10, ok)
	assert.Equal(t, 0, e.Quantity)
	assert.Equal(t, entity.StockStatusDepleted, e.Status)
}

// ────────────────────────────────────────────────────────────────
// Restore / Settle / ListLow
// ────────────────────────────────────────────────────────────────

func TestRestoreAndSettle(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 5)
	ctx := context.Background()

	a := res("P1", "main", 2, time.Now())
	b := res("P1", "main", 3, time.Now())
	_, err := r.Decrement(ctx, a)
	require.NoError(t, err)
	_, err = r.Decrement(ctx, b)
	require.NoError(t, err)

	e, err := r.Restore(ctx, a)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Quantity)
	assert.Equal(t, 3, e.Reserved)

	require.NoError(t, r.Settle(ctx, b))
	e, _ = r.Get(ctx, "P1", "main")
	assert.Equal(t, 2, e.Quantity)
	assert.Equal(t, 0, e.Reserved)
	assert.Equal(t, entity.StockStatusAvailable, e.Status)

	// una reserva cerrada no se puede volver a confirmar ni devolver
	assert.ErrorIs(t, r.Settle(ctx, b), domain.ErrConflict)
	_, err = r.Restore(ctx, a)
	assert.ErrorIs(t, err, domain.ErrConflict)
	e, _ = r.Get(ctx, "P1", "main")
	assert.Equal(t, 2, e.Quantity, "sin doble devolución")
}

func TestRestoreExpired_ReturnsOnlyOldReservations(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 10)
	seed(t, r, "P2", "main", 10)
	ctx := context.Background()
	now := time.Now()

	old1 := res("P1", "main", 3, now.Add(-10*time.Minute))
	old2 := res("P2", "main", 4, now.Add(-5*time.Minute))
	fresh := res("P1", "main", 2, now)
	for _, rs := range []*entity.Reservation{old1, old2, fresh} {
		_, err := r.Decrement(ctx, rs)
		require.NoError(t, err)
	}

	n, err := r.RestoreExpired(ctx, now.Add(-time.Minute), 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p1, _ := r.Get(ctx, "P1", "main")
	assert.Equal(t, 8, p1.Quantity)
	assert.Equal(t, 2, p1.Reserved)
	p2, _ := r.Get(ctx, "P2", "main")
	assert.Equal(t, 10, p2.Quantity)
	assert.Equal(t, 0, p2.Reserved)

	// la venta que llegue tarde no puede confirmar una reserva ya devuelta
	assert.ErrorIs(t, r.Settle(ctx, old1), domain.ErrConflict)
	require.NoError(t, r.Settle(ctx, fresh))
}

func TestRestoreExpired_RespectsLimit(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 10)
	ctx := context.Background()
	old := time.Now().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		_, err := r.Decrement(ctx, res("P1", "main", 1, old))
		require.NoError(t, err)
	}

	n, err := r.RestoreExpired(ctx, time.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.RestoreExpired(ctx, time.Now(), 2)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	e, _ := r.Get(ctx, "P1", "main")
	assert.Equal(t, 10, e.Quantity)
}

func TestListLow(t *testing.T) {
	r := NewStockEntryRepository()
	seed(t, r, "P1", "main", 5)
	seed(t, r, "P2", "main", 1)
	seed(t, r, "P3", "main", 50)

	low, err := r.ListLow(context.Background(), 10, 10, 0)
	require.NoError(t, err)
	require.Len(t, low, 2)
	assert.Equal(t, "P2", low[0].ProductID)
	assert.Equal(t, "P1", low[1].ProductID)
}
