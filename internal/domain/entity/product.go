package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

// Product producto del catálogo (colaborador externo, solo lectura para el motor de ventas).
// El motor toma una foto del precio y del flag IsActive al momento de reservar.
type Product struct {
	ID        string
	SKU       string
	Name      string
	Price     decimal.Decimal // precio de venta unitario
	IsActive  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}
