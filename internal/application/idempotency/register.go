// Package idempotency correlaciona la referencia enviada por el cliente con el resultado de la venta,
// de modo que un reintento no vuelva a tocar el stock.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
	"github.com/jhoicas/Ventas-api/pkg/logger"
)

// Códigos de fallo permanente guardados en el registro.
const (
	CodeInsufficientStock = "INSUFFICIENT_STOCK"
	CodeInvalidPricing    = "INVALID_PRICING"
	CodeValidation        = "VALIDATION"
)

// Prior resultado ya registrado para una referencia. Exactamente uno de SaleID o Err está presente.
type Prior struct {
	SaleID string
	Err    error
}

// Register envuelve el repositorio con las reglas de claim, replay y abandono.
type Register struct {
	repo        repository.IdempotencyRepository
	inFlightTTL time.Duration
	now         func() time.Time
	log         *logger.Logger
}

// NewRegister construye el registro. Un claim processing más viejo que inFlightTTL puede reclamarse.
func NewRegister(repo repository.IdempotencyRepository, inFlightTTL time.Duration, log *logger.Logger) *Register {
	if log == nil {
		log = logger.NewNop()
	}
	return &Register{repo: repo, inFlightTTL: inFlightTTL, now: time.Now, log: log}
}

// Claim reclama la referencia. Devuelve (nil, nil) si el caller debe procesar la venta,
// un *Prior si ya hay resultado terminal, o ErrConcurrentDuplicateRequest si otra solicitud la procesa.
func (r *Register) Claim(ctx context.Context, reference string) (*Prior, error) {
	if reference == "" {
		return nil, fmt.Errorf("%w: reference es obligatorio", domain.ErrInvalidInput)
	}
	claimed, existing, err := r.repo.Claim(ctx, reference, r.now().UTC(), r.inFlightTTL)
	if err != nil {
		return nil, fmt.Errorf("%w: claim %s: %v", domain.ErrPersistenceFailure, reference, err)
	}
	if claimed {
		return nil, nil
	}
	if existing == nil {
		return nil, fmt.Errorf("%w: claim %s sin registro existente", domain.ErrPersistenceFailure, reference)
	}

	switch existing.Status {
	case entity.IdempotencySucceeded:
		return &Prior{SaleID: existing.SaleID}, nil
	case entity.IdempotencyFailed:
		return &Prior{Err: decode(existing)}, nil
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrConcurrentDuplicateRequest, reference)
	}
}

// RecordSuccess guarda el id de la venta completada.
func (r *Register) RecordSuccess(ctx context.Context, reference, saleID string) error {
	now := r.now().UTC()
	rec := &entity.IdempotencyRecord{
		Reference:   reference,
		Status:      entity.IdempotencySucceeded,
		SaleID:      saleID,
		ClaimedAt:   now,
		CompletedAt: &now,
	}
	if err := r.repo.Complete(ctx, rec); err != nil {
		return fmt.Errorf("record success %s: %w", reference, err)
	}
	return nil
}

// RecordFailure guarda un fallo permanente; los transitorios liberan el claim.
func (r *Register) RecordFailure(ctx context.Context, reference string, cause error) error {
	if !IsPermanent(cause) {
		return r.Abandon(ctx, reference)
	}
	now := r.now().UTC()
	rec := encode(cause)
	rec.Reference = reference
	rec.Status = entity.IdempotencyFailed
	rec.ClaimedAt = now
	rec.CompletedAt = &now
	if err := r.repo.Complete(ctx, rec); err != nil {
		return fmt.Errorf("record failure %s: %w", reference, err)
	}
	return nil
}

// Abandon libera el claim para que la misma referencia pueda reintentarse.
func (r *Register) Abandon(ctx context.Context, reference string) error {
	if err := r.repo.Delete(ctx, reference); err != nil {
		r.log.Error().Err(err).Str("reference", reference).Msg("no se pudo liberar el claim de idempotencia")
		return fmt.Errorf("abandon %s: %w", reference, err)
	}
	return nil
}

// IsPermanent indica si el fallo debe registrarse (validación o stock insuficiente).
func IsPermanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidInput) || errors.Is(err, domain.ErrInsufficientStock)
}

// replayedError reproduce el mensaje original conservando el tipo de error para errors.Is.
type replayedError struct {
	msg  string
	kind error
}

func (e *replayedError) Error() string { return e.msg }
func (e *replayedError) Unwrap() error { return e.kind }

func encode(err error) *entity.IdempotencyRecord {
	var ise *domain.InsufficientStockError
	switch {
	case errors.As(err, &ise):
		return &entity.IdempotencyRecord{
			ErrorCode:   CodeInsufficientStock,
			ErrorDetail: ise.Error(),
			ProductID:   ise.ProductID,
			Location:    ise.Location,
			Requested:   ise.Requested,
			Available:   ise.Available,
		}
	case errors.Is(err, domain.ErrInvalidPricing):
		return &entity.IdempotencyRecord{ErrorCode: CodeInvalidPricing, ErrorDetail: err.Error()}
	default:
		return &entity.IdempotencyRecord{ErrorCode: CodeValidation, ErrorDetail: err.Error()}
	}
}

func decode(rec *entity.IdempotencyRecord) error {
	switch rec.ErrorCode {
	case CodeInsufficientStock:
		return &domain.InsufficientStockError{
			ProductID: rec.ProductID,
			Location:  rec.Location,
			Requested: rec.Requested,
			Available: rec.Available,
		}
	case CodeInvalidPricing:
		return &replayedError{msg: rec.ErrorDetail, kind: domain.ErrInvalidPricing}
	default:
		return &replayedError{msg: rec.ErrorDetail, kind: domain.ErrInvalidInput}
	}
}
