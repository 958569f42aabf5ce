package sales

import (
	"context"
	"time"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

// SaleTxRunner ejecuta fn dentro de una transacción con repos de ventas y stock atados a ella.
// Si fn devuelve error no queda ninguna escritura.
type SaleTxRunner interface {
	RunSale(ctx context.Context, fn func(
		saleRepo repository.SaleRepository,
		stockRepo repository.StockEntryRepository,
	) error) error
}

// EventPublisher publica la venta completada. Se invoca después del commit y su fallo no revierte la venta.
type EventPublisher interface {
	PublishSaleCompleted(ctx context.Context, sale *entity.Sale) error
}

// Metrics registra el resultado y la duración de cada finalización.
type Metrics interface {
	ObserveFinalize(outcome string, elapsed time.Duration)
}

// ReceiptGenerator genera el PDF del comprobante de una venta completada.
// products permite resolver el nombre de cada línea; puede no contener todos los ids.
type ReceiptGenerator interface {
	GenerateReceipt(ctx context.Context, sale *entity.Sale, products map[string]*entity.Product) ([]byte, error)
}

type nopPublisher struct{}

func (nopPublisher) PublishSaleCompleted(context.Context, *entity.Sale) error { return nil }

type nopMetrics struct{}

func (nopMetrics) ObserveFinalize(string, time.Duration) {}
