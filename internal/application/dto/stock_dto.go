package dto

import "time"

// StockResponse cantidad de un producto en una ubicación.
type StockResponse struct {
	ProductID  string     `json:"product_id"`
	Location   string     `json:"location"`
	Quantity   int        `json:"quantity"`
	Reserved   int        `json:"reserved"`
	Status     string     `json:"status"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// StockTotalResponse suma de todas las ubicaciones.
type StockTotalResponse struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// ReceiveStockRequest body para POST /stock/entries.
type ReceiveStockRequest struct {
	ProductID  string     `json:"product_id"`
	Location   string     `json:"location,omitempty"`
	Quantity   int        `json:"quantity"`
	ExpiryDate *time.Time `json:"expiry_date,omitempty"`
}

// LowStockResponse reporte de stock bajo.
type LowStockResponse struct {
	Threshold int             `json:"threshold"`
	Items     []StockResponse `json:"items"`
}
