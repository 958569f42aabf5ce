package dto

import (
	"time"

	"github.com/shopspring/decimal"
)

// CreateSaleRequest body para POST /sales.
// Reference la genera el cliente y se reutiliza en cada reintento de la misma venta.
type CreateSaleRequest struct {
	Reference      string            `json:"reference"`
	CustomerName   string            `json:"customer_name,omitempty"`
	CustomerEmail  string            `json:"customer_email,omitempty"`
	Items          []SaleItemRequest `json:"items"`
	DiscountAmount *decimal.Decimal  `json:"discount_amount,omitempty"` // descuento global, se reparte entre líneas
	PaymentMethod  string            `json:"payment_method,omitempty"`
	Notes          string            `json:"notes,omitempty"`
}

// SaleItemRequest línea de venta. Sin unit_price se usa el precio del catálogo.
type SaleItemRequest struct {
	ProductID      string           `json:"product_id"`
	Location       string           `json:"location,omitempty"`
	Quantity       int              `json:"quantity"`
	UnitPrice      *decimal.Decimal `json:"unit_price,omitempty"`
	DiscountAmount *decimal.Decimal `json:"discount_amount,omitempty"`
}

// SaleResponse venta con líneas. Los montos van como string con dos decimales.
type SaleResponse struct {
	ID             string             `json:"id"`
	Reference      string             `json:"reference"`
	CustomerName   string             `json:"customer_name,omitempty"`
	CustomerEmail  string             `json:"customer_email,omitempty"`
	Subtotal       string             `json:"subtotal"`
	DiscountAmount string             `json:"discount_amount"`
	TaxAmount      string             `json:"tax_amount"`
	FinalAmount    string             `json:"final_amount"`
	Status         string             `json:"status"`
	PaymentMethod  string             `json:"payment_method,omitempty"`
	Notes          string             `json:"notes,omitempty"`
	CreatedBy      string             `json:"created_by"`
	CreatedAt      time.Time          `json:"created_at"`
	CompletedAt    *time.Time         `json:"completed_at,omitempty"`
	Items          []SaleItemResponse `json:"items"`
}

// SaleItemResponse línea en la respuesta.
type SaleItemResponse struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	Location       string `json:"location"`
	Quantity       int    `json:"quantity"`
	UnitPrice      string `json:"unit_price"`
	Subtotal       string `json:"subtotal"`
	DiscountAmount string `json:"discount_amount"`
	TaxAmount      string `json:"tax_amount"`
	TotalAmount    string `json:"total_amount"`
}

// SaleListResponse página de ventas del usuario.
type SaleListResponse struct {
	Items []SaleResponse `json:"items"`
	Page  PageResponse   `json:"page"`
}
