package sales

import (
	"context"
	"fmt"

	"github.com/jhoicas/Ventas-api/internal/application/dto"
	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

// QueryUseCase lecturas de ventas persistidas (completed o cancelled).
type QueryUseCase struct {
	sales repository.SaleRepository
}

// NewQueryUseCase construye el caso de uso.
func NewQueryUseCase(sales repository.SaleRepository) *QueryUseCase {
	return &QueryUseCase{sales: sales}
}

// GetSale devuelve la venta con sus líneas o domain.ErrNotFound.
func (uc *QueryUseCase) GetSale(ctx context.Context, id string) (*entity.Sale, error) {
	if id == "" {
		return nil, domain.ErrInvalidInput
	}
	s, err := uc.sales.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("obtener venta: %w", err)
	}
	if s == nil {
		return nil, domain.ErrNotFound
	}
	return s, nil
}

// ListSales ventas creadas por el usuario, más recientes primero.
func (uc *QueryUseCase) ListSales(ctx context.Context, userID string, page dto.PageRequest) (*dto.SaleListResponse, error) {
	if userID == "" {
		return nil, domain.ErrUnauthorized
	}
	page.DefaultPage()
	if page.Limit > 100 {
		page.Limit = 100
	}
	list, err := uc.sales.ListByCreator(ctx, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("listar ventas: %w", err)
	}
	out := &dto.SaleListResponse{
		Items: make([]dto.SaleResponse, 0, len(list)),
		Page:  dto.PageResponse{Limit: page.Limit, Offset: page.Offset},
	}
	for _, s := range list {
		out.Items = append(out.Items, ToResponse(s))
	}
	return out, nil
}
