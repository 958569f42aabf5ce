package sales_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/jhoicas/Ventas-api/internal/application/dto"
	"github.com/jhoicas/Ventas-api/internal/application/idempotency"
	"github.com/jhoicas/Ventas-api/internal/application/sales"
	"github.com/jhoicas/Ventas-api/internal/application/stock"
	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/pricing"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
	"github.com/jhoicas/Ventas-api/internal/infrastructure/memory"
)

// ────────────────────────────────────────────────────────────────
// Fixture
// ────────────────────────────────────────────────────────────────

type flakyTx struct {
	inner  *memory.TxRunner
	fail   atomic.Bool
	before func()
}

func (f *flakyTx) RunSale(ctx context.Context, fn func(repository.SaleRepository, repository.StockEntryRepository) error) error {
	if f.fail.Load() {
		return errors.New("conexión perdida")
	}
	if f.before != nil {
		f.before()
	}
	return f.inner.RunSale(ctx, fn)
}

type recordingPublisher struct {
	mu    sync.Mutex
	sales []*entity.Sale
	err   error
}

func (p *recordingPublisher) PublishSaleCompleted(_ context.Context, s *entity.Sale) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sales = append(p.sales, s)
	return p.err
}

type recordingMetrics struct {
	mu       sync.Mutex
	outcomes map[string]int
}

func (m *recordingMetrics) ObserveFinalize(outcome string, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = map[string]int{}
	}
	m.outcomes[outcome]++
}

type fixture struct {
	uc        *sales.FinalizeSaleUseCase
	products  *memory.ProductRepo
	stock     *memory.StockEntryRepo
	sales     *memory.SaleRepo
	idem      *memory.IdempotencyRepo
	tx        *flakyTx
	publisher *recordingPublisher
	metrics   *recordingMetrics
}

func newFixture(t *testing.T, taxRate string, levels map[string]int) *fixture {
	t.Helper()
	f := &fixture{
		products: memory.NewProductRepository(
			&entity.Product{ID: "P1", SKU: "SKU-1", Name: "Café 500g", Price: decimal.RequireFromString("19.99"), IsActive: true},
			&entity.Product{ID: "P2", SKU: "SKU-2", Name: "Azúcar 1kg", Price: decimal.RequireFromString("5.00"), IsActive: true},
			&entity.Product{ID: "OLD", SKU: "SKU-0", Name: "Descontinuado", Price: decimal.RequireFromString("1.00"), IsActive: false},
		),
		stock:     memory.NewStockEntryRepository(),
		sales:     memory.NewSaleRepository(),
		idem:      memory.NewIdempotencyRepository(),
		publisher: &recordingPublisher{},
		metrics:   &recordingMetrics{},
	}
	for pid, q := range levels {
		_, err := f.stock.Receive(context.Background(), &entity.StockEntry{ID: "e-" + pid, ProductID: pid, Location: "main"}, q)
		require.NoError(t, err)
	}
	f.tx = &flakyTx{inner: memory.NewTxRunner(f.sales, f.stock)}

	ledger := stock.NewLedger(f.stock, 500*time.Millisecond)
	register := idempotency.NewRegister(f.idem, time.Minute, nil)
	f.uc = sales.NewFinalizeSaleUseCase(
		f.tx, f.products, f.sales, ledger, register,
		sales.Config{TaxRule: pricing.NewTaxRule(decimal.RequireFromString(taxRate)), DefaultLocation: "main"},
		sales.WithPublisher(f.publisher),
		sales.WithMetrics(f.metrics),
	)
	return f
}

func (f *fixture) qty(t *testing.T, pid string) *entity.StockEntry {
	t.Helper()
	e, err := f.stock.Get(context.Background(), pid, "main")
	require.NoError(t, err)
	require.NotNil(t, e)
	return e
}

func req(reference string, items ...dto.SaleItemRequest) dto.CreateSaleRequest {
	return dto.CreateSaleRequest{Reference: reference, Items: items, PaymentMethod: "cash"}
}

func item(pid string, q int) dto.SaleItemRequest {
	return dto.SaleItemRequest{ProductID: pid, Quantity: q}
}

func assertTotalsConsistent(t *testing.T, s *entity.Sale) {
	t.Helper()
	assert.True(t, s.FinalAmount.Equal(s.Subtotal.Sub(s.DiscountAmount).Add(s.TaxAmount)), "final = subtotal - descuento + impuesto")
	sum := decimal.Zero
	for _, it := range s.Items {
		sum = sum.Add(it.TotalAmount)
	}
	assert.True(t, s.FinalAmount.Equal(sum), "final = suma de líneas: %s vs %s", s.FinalAmount, sum)
}

// ────────────────────────────────────────────────────────────────
// Camino feliz
// ────────────────────────────────────────────────────────────────

func TestFinalize_TotalsWithTax(t *testing.T) {
	f := newFixture(t, "0.08", map[string]int{"P1": 10})

	s, err := f.uc.Finalize(context.Background(), "user-1", req("REF-1", item("P1", 3)))
	require.NoError(t, err)

	assert.Equal(t, entity.SaleStatusCompleted, s.Status)
	assert.Equal(t, "59.97", s.Subtotal.StringFixed(2))
	assert.Equal(t, "4.80", s.TaxAmount.StringFixed(2))
	assert.Equal(t, "64.77", s.FinalAmount.StringFixed(2))
	assert.Equal(t, "user-1", s.CreatedBy)
	require.NotNil(t, s.CompletedAt)
	require.Len(t, s.Items, 1)
	assert.Equal(t, "19.99", s.Items[0].UnitPrice.StringFixed(2), "precio tomado del catálogo")
	assert.Equal(t, "main", s.Items[0].Location)
	assertTotalsConsistent(t, s)

	e := f.qty(t, "P1")
	assert.Equal(t, 7, e.Quantity)
	assert.Equal(t, 0, e.Reserved, "reserva confirmada")

	stored, err := f.sales.GetByID(context.Background(), s.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Len(t, stored.Items, 1)
	assert.Len(t, f.publisher.sales, 1)
	assert.Equal(t, 1, f.metrics.outcomes[sales.OutcomeCompleted])
}

func TestFinalize_DepletionSequence(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5})
	ctx := context.Background()

	_, err := f.uc.Finalize(ctx, "u", req("A", item("P1", 3)))
	require.NoError(t, err)
	assert.Equal(t, 2, f.qty(t, "P1").Quantity)

	_, err = f.uc.Finalize(ctx, "u", req("B", item("P1", 3)))
	var ise *domain.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "P1", ise.ProductID)
	assert.Equal(t, 2, f.qty(t, "P1").Quantity)

	_, err = f.uc.Finalize(ctx, "u", req("C", item("P1", 2)))
	require.NoError(t, err)
	e := f.qty(t, "P1")
	assert.Equal(t, 0, e.Quantity)
	assert.Equal(t, entity.StockStatusDepleted, e.Status)
}

func TestFinalize_ExplicitPriceAndDiscounts(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 10, "P2": 10})
	price := decimal.RequireFromString("10.00")
	lineDisc := decimal.RequireFromString("1.00")
	orderDisc := decimal.RequireFromString("2.00")

	in := req("REF-D",
		dto.SaleItemRequest{ProductID: "P1", Quantity: 2, UnitPrice: &price, DiscountAmount: &lineDisc},
		item("P2", 1),
	)
	in.DiscountAmount = &orderDisc

	s, err := f.uc.Finalize(context.Background(), "u", in)
	require.NoError(t, err)
	assert.Equal(t, "25.00", s.Subtotal.StringFixed(2))
	assert.Equal(t, "3.00", s.DiscountAmount.StringFixed(2))
	assert.Equal(t, "22.00", s.FinalAmount.StringFixed(2))
	assertTotalsConsistent(t, s)
}

// ────────────────────────────────────────────────────────────────
// Idempotencia
// ────────────────────────────────────────────────────────────────

func TestFinalize_ReplayReturnsSameSale(t *testing.T) {
	f := newFixture(t, "0.08", map[string]int{"P1": 10})
	ctx := context.Background()

	first, err := f.uc.Finalize(ctx, "u", req("REF-R", item("P1", 2)))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		again, err := f.uc.Finalize(ctx, "u", req("REF-R", item("P1", 2)))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, sales.ToResponse(first), sales.ToResponse(again))
	}
	assert.Equal(t, 8, f.qty(t, "P1").Quantity)
	assert.Equal(t, 1, f.sales.Count())
	assert.Equal(t, 3, f.metrics.outcomes[sales.OutcomeReplayed])
}

func TestFinalize_ReplayOfPermanentFailure(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 1})
	ctx := context.Background()

	_, first := f.uc.Finalize(ctx, "u", req("REF-F", item("P1", 3)))
	require.ErrorIs(t, first, domain.ErrInsufficientStock)

	// aunque llegue stock, la referencia ya tiene un resultado terminal
	_, err := f.stock.Receive(ctx, &entity.StockEntry{ProductID: "P1", Location: "main"}, 10)
	require.NoError(t, err)

	_, again := f.uc.Finalize(ctx, "u", req("REF-F", item("P1", 3)))
	require.ErrorIs(t, again, domain.ErrInsufficientStock)
	assert.Equal(t, first.Error(), again.Error())
	assert.Equal(t, 11, f.qty(t, "P1").Quantity)
}

func TestFinalize_ReservationSweptBeforeCommit(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5})
	ctx := context.Background()
	// el barrido devuelve la reserva entre ReserveAll y la persistencia
	f.tx.before = func() {
		n, err := f.stock.RestoreExpired(ctx, time.Now().Add(time.Hour), 100)
		require.NoError(t, err)
		require.Equal(t, 1, n)
	}

	_, err := f.uc.Finalize(ctx, "u", req("REF-S", item("P1", 2)))
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)

	e := f.qty(t, "P1")
	assert.Equal(t, 5, e.Quantity, "el stock se devuelve una sola vez")
	assert.Equal(t, 0, e.Reserved)
	list, err := f.sales.ListByCreator(ctx, "u", 10, 0)
	require.NoError(t, err)
	for _, s := range list {
		assert.NotEqual(t, entity.SaleStatusCompleted, s.Status)
	}
}

func TestFinalize_DuplicateInFlight(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5})
	_, _, err := f.idem.Claim(context.Background(), "REF-X", time.Now(), time.Minute)
	require.NoError(t, err)

	_, err = f.uc.Finalize(context.Background(), "u", req("REF-X", item("P1", 1)))
	assert.ErrorIs(t, err, domain.ErrConcurrentDuplicateRequest)
	assert.Equal(t, 5, f.qty(t, "P1").Quantity)
}

func TestFinalize_ConcurrentSameReference(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 100})

	var g errgroup.Group
	var mu sync.Mutex
	ids := map[string]bool{}
	for i := 0; i < 10; i++ {
		g.Go(func() error {
			s, err := f.uc.Finalize(context.Background(), "u", req("SAME", item("P1", 1)))
			if err != nil {
				if errors.Is(err, domain.ErrConcurrentDuplicateRequest) {
					return nil
				}
				return err
			}
			mu.Lock()
			ids[s.ID] = true
			mu.Unlock()
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Len(t, ids, 1)
	assert.Equal(t, 99, f.qty(t, "P1").Quantity)
}

// ────────────────────────────────────────────────────────────────
// Concurrencia sobre una misma fila
// ────────────────────────────────────────────────────────────────

func TestFinalize_ConcurrentNoOversell(t *testing.T) {
	const (
		n       = 20
		initial = 10
		perReq  = 3
	)
	f := newFixture(t, "0", map[string]int{"P1": initial})

	var g errgroup.Group
	var ok, insufficient atomic.Int32
	for i := 0; i < n; i++ {
		ref := fmt.Sprintf("C-%02d", i)
		g.Go(func() error {
			_, err := f.uc.Finalize(context.Background(), "u", req(ref, item("P1", perReq)))
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				insufficient.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	want := min(n, initial/perReq)
	assert.Equal(t, int32(want), ok.Load())
	assert.Equal(t, int32(n-want), insufficient.Load())
	e := f.qty(t, "P1")
	assert.Equal(t, initial-want*perReq, e.Quantity)
	assert.Equal(t, 0, e.Reserved)
}

func TestFinalize_OpposingOrdersDoNotDeadlock(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 50, "P2": 50})

	var g errgroup.Group
	for i := 0; i < 20; i++ {
		ref := fmt.Sprintf("X-%02d", i)
		items := []dto.SaleItemRequest{item("P1", 1), item("P2", 1)}
		if i%2 == 1 {
			items = []dto.SaleItemRequest{item("P2", 1), item("P1", 1)}
		}
		g.Go(func() error {
			_, err := f.uc.Finalize(context.Background(), "u", req(ref, items...))
			return err
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 30, f.qty(t, "P1").Quantity)
	assert.Equal(t, 30, f.qty(t, "P2").Quantity)
}

// ────────────────────────────────────────────────────────────────
// Fallos y rollback
// ────────────────────────────────────────────────────────────────

func TestFinalize_PartialReservationFailureCancels(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5, "P2": 1})

	_, err := f.uc.Finalize(context.Background(), "u", req("REF-P", item("P1", 2), item("P2", 3)))
	var ise *domain.InsufficientStockError
	require.ErrorAs(t, err, &ise)
	assert.Equal(t, "P2", ise.ProductID)

	p1 := f.qty(t, "P1")
	assert.Equal(t, 5, p1.Quantity, "la reserva de P1 se liberó")
	assert.Equal(t, 0, p1.Reserved)

	list, err := f.sales.ListByCreator(context.Background(), "u", 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, entity.SaleStatusCancelled, list[0].Status)
	assert.Empty(t, list[0].Items)
	assert.Empty(t, f.publisher.sales)
}

func TestFinalize_PersistenceFailureReleasesAndAllowsRetry(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5})
	ctx := context.Background()

	f.tx.fail.Store(true)
	_, err := f.uc.Finalize(ctx, "u", req("REF-DB", item("P1", 2)))
	require.ErrorIs(t, err, domain.ErrPersistenceFailure)
	e := f.qty(t, "P1")
	assert.Equal(t, 5, e.Quantity)
	assert.Equal(t, 0, e.Reserved)

	rec, err := f.idem.Get(ctx, "REF-DB")
	require.NoError(t, err)
	assert.Nil(t, rec, "claim liberado")

	f.tx.fail.Store(false)
	s, err := f.uc.Finalize(ctx, "u", req("REF-DB", item("P1", 2)))
	require.NoError(t, err)
	assert.Equal(t, entity.SaleStatusCompleted, s.Status)
	assert.Equal(t, 3, f.qty(t, "P1").Quantity)
	assert.Equal(t, 1, f.metrics.outcomes[sales.OutcomeFailed])
}

func TestFinalize_PublisherFailureDoesNotFailSale(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5})
	f.publisher.err = errors.New("broker caído")

	s, err := f.uc.Finalize(context.Background(), "u", req("REF-K", item("P1", 1)))
	require.NoError(t, err)
	assert.Equal(t, entity.SaleStatusCompleted, s.Status)
}

func TestFinalize_CallerCancelledBeforeReserve(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.uc.Finalize(ctx, "u", req("REF-C", item("P1", 1)))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, f.qty(t, "P1").Quantity)

	rec, _ := f.idem.Get(context.Background(), "REF-C")
	assert.Nil(t, rec)
}

// ────────────────────────────────────────────────────────────────
// Validación
// ────────────────────────────────────────────────────────────────

func TestFinalize_ValidationErrors(t *testing.T) {
	cases := []struct {
		name string
		in   dto.CreateSaleRequest
		want error
	}{
		{"sin reference", req("", item("P1", 1)), domain.ErrInvalidInput},
		{"sin líneas", req("V-1"), domain.ErrInvalidInput},
		{"cantidad cero", req("V-2", item("P1", 0)), domain.ErrInvalidPricing},
		{"producto inactivo", req("V-3", item("OLD", 1)), domain.ErrInvalidInput},
		{"precio negativo", req("V-4", dto.SaleItemRequest{ProductID: "P1", Quantity: 1, UnitPrice: ptr(decimal.RequireFromString("-1"))}), domain.ErrInvalidPricing},
		{"precio con fracción de centavo", req("V-4b", dto.SaleItemRequest{ProductID: "P1", Quantity: 8, UnitPrice: ptr(decimal.RequireFromString("0.125"))}), domain.ErrInvalidPricing},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t, "0", map[string]int{"P1": 5})
			_, err := f.uc.Finalize(context.Background(), "u", tc.in)
			assert.ErrorIs(t, err, tc.want)
			assert.Equal(t, 5, f.qty(t, "P1").Quantity)
			assert.Equal(t, 0, f.sales.Count(), "la validación no persiste ventas")
		})
	}
}

func TestFinalize_UnknownProductCanBeRetried(t *testing.T) {
	f := newFixture(t, "0", map[string]int{"P1": 5, "NEW": 5})
	ctx := context.Background()

	_, err := f.uc.Finalize(ctx, "u", req("REF-N", item("NEW", 1)))
	require.ErrorIs(t, err, domain.ErrNotFound)

	f.products.Put(&entity.Product{ID: "NEW", Name: "Nuevo", Price: decimal.RequireFromString("2.50"), IsActive: true})
	s, err := f.uc.Finalize(ctx, "u", req("REF-N", item("NEW", 1)))
	require.NoError(t, err)
	assert.Equal(t, "2.50", s.FinalAmount.StringFixed(2))
}

func ptr[T any](v T) *T { return &v }
