package pdf

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhoicas/Ventas-api/internal/domain/entity"
)

func TestGenerateReceipt_ProducesPDF(t *testing.T) {
	done := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	sale := &entity.Sale{
		ID:             "sale-1",
		Reference:      "REF-001",
		CustomerName:   "Ana",
		Subtotal:       decimal.RequireFromString("59.97"),
		DiscountAmount: decimal.Zero,
		TaxAmount:      decimal.RequireFromString("4.80"),
		FinalAmount:    decimal.RequireFromString("64.77"),
		Status:         entity.SaleStatusCompleted,
		Notes:          "entrega en tienda",
		CreatedAt:      done,
		CompletedAt:    &done,
		Items: []*entity.SaleItem{
			{ProductID: "p1", Location: "main", Quantity: 3,
				UnitPrice: decimal.RequireFromString("19.99"), TotalAmount: decimal.RequireFromString("64.77")},
			{ProductID: "sin-catalogo", Location: "main", Quantity: 1,
				UnitPrice: decimal.Zero, TotalAmount: decimal.Zero},
		},
	}
	products := map[string]*entity.Product{"p1": {ID: "p1", Name: "Camiseta"}}

	out, err := NewMarotoPDFGenerator("Tienda Centro").GenerateReceipt(context.Background(), sale, products)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF")), "la salida debe ser un PDF")
}

// ── helpers ───────────────────────────────────────────────────────────────────

func TestMoney(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"0", "$0,00"},
		{"64.77", "$64,77"},
		{"1234567.5", "$1.234.567,50"},
		{"-12.3", "-$12,30"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, money(decimal.RequireFromString(tt.in)))
		})
	}
}
