package entity

import "time"

// Estados de un registro de idempotencia.
const (
	IdempotencyProcessing = "processing"
	IdempotencySucceeded  = "succeeded"
	IdempotencyFailed     = "failed"
)

// IdempotencyRecord resultado asociado a una referencia enviada por el cliente.
// Para fallos permanentes guarda lo necesario para reconstruir el mismo error.
type IdempotencyRecord struct {
	Reference   string     `json:"reference"`
	Status      string     `json:"status"`
	SaleID      string     `json:"sale_id,omitempty"`
	ErrorCode   string     `json:"error_code,omitempty"`
	ErrorDetail string     `json:"error_detail,omitempty"`
	ProductID   string     `json:"product_id,omitempty"`
	Location    string     `json:"location,omitempty"`
	Requested   int        `json:"requested,omitempty"`
	Available   int        `json:"available,omitempty"`
	ClaimedAt   time.Time  `json:"claimed_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}
