package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Estados de una venta. pending solo existe en memoria mientras se procesa.
const (
	SaleStatusPending   = "pending"
	SaleStatusCompleted = "completed"
	SaleStatusCancelled = "cancelled"
)

// Sale cabecera de una venta.
// FinalAmount = Subtotal - DiscountAmount + TaxAmount = suma de SaleItem.TotalAmount.
type Sale struct {
	ID             string
	Reference      string
	CustomerName   string
	CustomerEmail  string
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	FinalAmount    decimal.Decimal
	Status         string
	PaymentMethod  string
	Notes          string
	CreatedBy      string
	CreatedAt      time.Time
	CompletedAt    *time.Time
	Items          []*SaleItem
}

// SaleItem línea de venta; pertenece a una sola venta y se crea y destruye con ella.
// UnitPrice es la foto del precio al momento de la venta.
type SaleItem struct {
	ID             string
	SaleID         string
	ProductID      string
	Location       string
	Quantity       int
	UnitPrice      decimal.Decimal
	Subtotal       decimal.Decimal // Quantity * UnitPrice
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	TotalAmount    decimal.Decimal // Subtotal - DiscountAmount + TaxAmount
	CreatedAt      time.Time
}
