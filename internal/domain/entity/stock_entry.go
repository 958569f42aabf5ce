package entity

import "time"

// Estados de una entrada de stock.
const (
	StockStatusAvailable = "available"
	StockStatusReserved  = "reserved"
	StockStatusDepleted  = "depleted"
)

// StockEntry cantidad de un producto en una ubicación.
// Quantity >= 0 siempre; Reserved es la parte ya descontada que espera commit o release.
// Solo el Stock Ledger la modifica.
type StockEntry struct {
	ID         string
	ProductID  string
	Location   string
	Quantity   int
	Reserved   int
	Status     string
	ExpiryDate *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// StockStatusFor deriva el estado: depleted sii quantity == 0.
func StockStatusFor(quantity, reserved int) string {
	switch {
	case quantity == 0:
		return StockStatusDepleted
	case reserved > 0:
		return StockStatusReserved
	default:
		return StockStatusAvailable
	}
}

// Estados de una reserva.
const (
	ReservationReserved  = "reserved"
	ReservationCommitted = "committed"
	ReservationReleased  = "released"
)

// Reservation descuento provisional de stock pendiente de commit o release.
type Reservation struct {
	ID        string
	ProductID string
	Location  string
	Quantity  int
	Status    string
	CreatedAt time.Time
}
