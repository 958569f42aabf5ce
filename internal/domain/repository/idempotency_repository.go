package repository

import (
	"context"
	"time"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
)

// IdempotencyRepository almacena el resultado por referencia con check-and-set atómico.
type IdempotencyRepository interface {
	// Claim crea el registro en estado processing si la referencia no existe o si su claim
	// processing es más antiguo que staleAfter. Si no lo reclama devuelve el registro existente.
	Claim(ctx context.Context, reference string, now time.Time, staleAfter time.Duration) (claimed bool, existing *entity.IdempotencyRecord, err error)
	// Complete guarda el resultado terminal (succeeded o failed).
	Complete(ctx context.Context, record *entity.IdempotencyRecord) error
	// Delete libera un claim en processing (fallos transitorios).
	Delete(ctx context.Context, reference string) error
	Get(ctx context.Context, reference string) (*entity.IdempotencyRecord, error)
}
