package memory

import (
	"context"
	"fmt"

	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

// TxRunner emula la unidad de trabajo de venta: las escrituras se acumulan y se aplican
// solo si fn termina sin error. No hay bloqueo global; el commit bloquea únicamente las
// filas de stock que confirma.
type TxRunner struct {
	sales *SaleRepo
	stock *StockEntryRepo
}

// NewTxRunner construye el runner sobre los repositorios en memoria.
func NewTxRunner(sales *SaleRepo, stock *StockEntryRepo) *TxRunner {
	return &TxRunner{sales: sales, stock: stock}
}

// RunSale ejecuta fn con repos que acumulan ventas, líneas y confirmaciones de stock.
// El commit verifica las confirmaciones bajo el bloqueo de sus filas antes de publicar
// la venta, de modo que una venta completed nunca queda visible con su stock sin confirmar.
func (r *TxRunner) RunSale(ctx context.Context, fn func(
	saleRepo repository.SaleRepository,
	stockRepo repository.StockEntryRepository,
) error) error {
	tx := &txSaleRepo{base: r.sales}
	st := &txStockRepo{StockEntryRepo: r.stock}
	if err := fn(tx, st); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	unlock, err := r.stock.lockForSettle(ctx, st.settles)
	if err != nil {
		return err
	}
	defer unlock()

	if err := r.sales.publish(tx.sales, tx.items); err != nil {
		return err
	}
	r.stock.settleAllLocked(st.settles)
	return nil
}

type txSaleRepo struct {
	base  *SaleRepo
	sales []*entity.Sale
	items []*entity.SaleItem
}

func (t *txSaleRepo) Create(ctx context.Context, sale *entity.Sale) error {
	if sale.Status == entity.SaleStatusCompleted && t.base.hasCompleted(sale.Reference) {
		return fmt.Errorf("referencia %s: %w", sale.Reference, domain.ErrDuplicate)
	}
	c := *sale
	t.sales = append(t.sales, &c)
	return nil
}

func (t *txSaleRepo) CreateItem(_ context.Context, item *entity.SaleItem) error {
	c := *item
	t.items = append(t.items, &c)
	return nil
}

func (t *txSaleRepo) GetByID(ctx context.Context, id string) (*entity.Sale, error) {
	return t.base.GetByID(ctx, id)
}

func (t *txSaleRepo) ListByCreator(ctx context.Context, userID string, limit, offset int) ([]*entity.Sale, error) {
	return t.base.ListByCreator(ctx, userID, limit, offset)
}

// txStockRepo difiere Settle hasta el commit; el resto de operaciones van directo al store.
type txStockRepo struct {
	*StockEntryRepo
	settles []*entity.Reservation
}

func (t *txStockRepo) Settle(_ context.Context, rs *entity.Reservation) error {
	c := *rs
	t.settles = append(t.settles, &c)
	return nil
}
