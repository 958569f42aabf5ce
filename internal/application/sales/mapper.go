package sales

import (
	"github.com/jhoicas/Ventas-api/internal/application/dto"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/pricing"
)

// ToResponse mapea la venta al contrato HTTP. Montos con dos decimales fijos y fechas en UTC.
func ToResponse(s *entity.Sale) dto.SaleResponse {
	out := dto.SaleResponse{
		ID:             s.ID,
		Reference:      s.Reference,
		CustomerName:   s.CustomerName,
		CustomerEmail:  s.CustomerEmail,
		Subtotal:       s.Subtotal.StringFixed(pricing.Scale),
		DiscountAmount: s.DiscountAmount.StringFixed(pricing.Scale),
		TaxAmount:      s.TaxAmount.StringFixed(pricing.Scale),
		FinalAmount:    s.FinalAmount.StringFixed(pricing.Scale),
		Status:         s.Status,
		PaymentMethod:  s.PaymentMethod,
		Notes:          s.Notes,
		CreatedBy:      s.CreatedBy,
		CreatedAt:      s.CreatedAt.UTC(),
		Items:          make([]dto.SaleItemResponse, 0, len(s.Items)),
	}
	if s.CompletedAt != nil {
		t := s.CompletedAt.UTC()
		out.CompletedAt = &t
	}
	for _, it := range s.Items {
		out.Items = append(out.Items, dto.SaleItemResponse{
			ID:             it.ID,
			ProductID:      it.ProductID,
			Location:       it.Location,
			Quantity:       it.Quantity,
			UnitPrice:      it.UnitPrice.StringFixed(pricing.Scale),
			Subtotal:       it.Subtotal.StringFixed(pricing.Scale),
			DiscountAmount: it.DiscountAmount.StringFixed(pricing.Scale),
			TaxAmount:      it.TaxAmount.StringFixed(pricing.Scale),
			TotalAmount:    it.TotalAmount.StringFixed(pricing.Scale),
		})
	}
	return out
}
