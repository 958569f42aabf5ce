package domain

import (
	"errors"
	"fmt"
)

// Errores de dominio (sin dependencias externas).
var (
	ErrNotFound     = errors.New("recurso no encontrado")
	ErrInvalidInput = errors.New("entrada inválida")
	ErrDuplicate    = errors.New("recurso duplicado")
	ErrUnauthorized = errors.New("no autorizado")
	ErrForbidden    = errors.New("acceso denegado")
	ErrConflict     = errors.New("conflicto con el estado actual")

	// ErrInvalidPricing es un error de validación: errors.Is(ErrInvalidPricing, ErrInvalidInput) es true.
	ErrInvalidPricing = fmt.Errorf("%w: precios o cantidades inválidos", ErrInvalidInput)

	ErrInsufficientStock          = errors.New("stock insuficiente")
	ErrConcurrentDuplicateRequest = errors.New("la referencia ya se está procesando en otra solicitud")
	ErrStockContentionTimeout     = errors.New("tiempo de espera agotado al bloquear el stock")
	ErrPersistenceFailure         = errors.New("fallo de persistencia")

	// ErrInvalidReservation señala un error de programación (handle desconocido o ya cerrado).
	ErrInvalidReservation = errors.New("reserva inválida")
)

// InsufficientStockError indica qué producto/ubicación no alcanza y por cuánto.
type InsufficientStockError struct {
	ProductID string
	Location  string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("stock insuficiente para el producto %s en %s: solicitado %d, disponible %d",
		e.ProductID, e.Location, e.Requested, e.Available)
}

// Unwrap permite errors.Is(err, ErrInsufficientStock).
func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

// Shortfall unidades que faltan para cubrir la solicitud.
func (e *InsufficientStockError) Shortfall() int {
	if e.Available >= e.Requested {
		return 0
	}
	return e.Requested - e.Available
}
