package sales

import (
	"context"
	"fmt"

	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

// ReceiptUseCase genera el comprobante PDF de una venta completada.
type ReceiptUseCase struct {
	sales     repository.SaleRepository
	products  repository.ProductRepository
	generator ReceiptGenerator
}

// NewReceiptUseCase construye el caso de uso.
func NewReceiptUseCase(sales repository.SaleRepository, products repository.ProductRepository, generator ReceiptGenerator) *ReceiptUseCase {
	return &ReceiptUseCase{sales: sales, products: products, generator: generator}
}

// DownloadReceipt devuelve (pdf, filename).
//
// Retorna:
//   - domain.ErrNotFound      si la venta no existe.
//   - domain.ErrInvalidInput  si la venta no está completed.
func (uc *ReceiptUseCase) DownloadReceipt(ctx context.Context, saleID string) ([]byte, string, error) {
	s, err := uc.sales.GetByID(ctx, saleID)
	if err != nil {
		return nil, "", fmt.Errorf("recibo: obtener venta: %w", err)
	}
	if s == nil {
		return nil, "", domain.ErrNotFound
	}
	if s.Status != entity.SaleStatusCompleted {
		return nil, "", fmt.Errorf("%w: la venta está en estado %s", domain.ErrInvalidInput, s.Status)
	}

	products := make(map[string]*entity.Product, len(s.Items))
	for _, it := range s.Items {
		if _, ok := products[it.ProductID]; ok {
			continue
		}
		if p, pErr := uc.products.GetByID(ctx, it.ProductID); pErr == nil && p != nil {
			products[it.ProductID] = p
		}
	}

	pdf, err := uc.generator.GenerateReceipt(ctx, s, products)
	if err != nil {
		return nil, "", fmt.Errorf("recibo: generación fallida: %w", err)
	}
	return pdf, fmt.Sprintf("venta_%s.pdf", s.Reference), nil
}
