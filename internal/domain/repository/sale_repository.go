package repository

import (
	"context"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
)

// SaleRepository define el puerto de persistencia de ventas y sus líneas.
type SaleRepository interface {
	// Create persiste la cabecera. Si ya existe una venta completed con la misma referencia
	// devuelve domain.ErrDuplicate.
	Create(ctx context.Context, sale *entity.Sale) error
	CreateItem(ctx context.Context, item *entity.SaleItem) error
	// GetByID devuelve la venta con sus líneas, o (nil, nil) si no existe.
	GetByID(ctx context.Context, id string) (*entity.Sale, error)
	ListByCreator(ctx context.Context, userID string, limit, offset int) ([]*entity.Sale, error)
}
