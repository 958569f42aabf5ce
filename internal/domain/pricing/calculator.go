// Package pricing calcula los totales de una venta con aritmética decimal exacta.
// Todo redondeo es half-to-even a 2 decimales y se aplica una sola vez por campo monetario.
package pricing

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/jhoicas/Ventas-api/internal/domain"
)

// Scale decimales de los montos.
const Scale = 2

var (
	hundred = decimal.NewFromInt(100)
	cent    = decimal.New(1, -Scale)
)

// Line una línea de la venta antes de calcular.
type Line struct {
	UnitPrice decimal.Decimal
	Quantity  int
	Discount  decimal.Decimal // descuento propio de la línea (monto, no porcentaje)
}

// TaxRule tasa aplicada sobre la base neta (subtotal - descuentos).
type TaxRule struct {
	Rate decimal.Decimal // fracción: 0.08 = 8%
}

// NewTaxRule acepta la tasa como fracción (0.08) o porcentaje (8).
func NewTaxRule(rate decimal.Decimal) TaxRule {
	if rate.GreaterThan(decimal.NewFromInt(1)) {
		rate = rate.Div(hundred)
	}
	return TaxRule{Rate: rate}
}

// LineTotals montos calculados de una línea.
type LineTotals struct {
	Subtotal decimal.Decimal
	Discount decimal.Decimal
	Tax      decimal.Decimal
	Total    decimal.Decimal // Subtotal - Discount + Tax
}

// Totals montos de la venta. FinalAmount == suma de Lines[i].Total.
type Totals struct {
	Subtotal       decimal.Decimal
	DiscountAmount decimal.Decimal
	TaxAmount      decimal.Decimal
	FinalAmount    decimal.Decimal
	Lines          []LineTotals
}

// Round redondea un monto a 2 decimales (half-to-even).
func Round(d decimal.Decimal) decimal.Decimal {
	return d.RoundBank(Scale)
}

// Calculate calcula subtotal, descuento, impuesto y total final.
// orderDiscount se reparte entre las líneas en proporción a su neto, en centavos exactos
// (mayor residuo); el impuesto se calcula una vez sobre la base neta y se reparte igual.
func Calculate(lines []Line, orderDiscount decimal.Decimal, tax TaxRule) (Totals, error) {
	if len(lines) == 0 {
		return Totals{}, fmt.Errorf("%w: la venta no tiene líneas", domain.ErrInvalidPricing)
	}
	if tax.Rate.IsNegative() {
		return Totals{}, fmt.Errorf("%w: tasa de impuesto negativa", domain.ErrInvalidPricing)
	}
	if orderDiscount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: descuento negativo", domain.ErrInvalidPricing)
	}
	if !orderDiscount.Equal(Round(orderDiscount)) {
		return Totals{}, fmt.Errorf("%w: descuento con más de dos decimales", domain.ErrInvalidPricing)
	}

	out := Totals{Lines: make([]LineTotals, len(lines))}
	nets := make([]decimal.Decimal, len(lines))
	netTotal := decimal.Zero
	for i, l := range lines {
		if l.Quantity <= 0 {
			return Totals{}, fmt.Errorf("%w: cantidad %d en la línea %d", domain.ErrInvalidPricing, l.Quantity, i+1)
		}
		if l.UnitPrice.IsNegative() {
			return Totals{}, fmt.Errorf("%w: precio unitario negativo en la línea %d", domain.ErrInvalidPricing, i+1)
		}
		if !l.UnitPrice.Equal(Round(l.UnitPrice)) {
			return Totals{}, fmt.Errorf("%w: precio unitario con más de dos decimales en la línea %d", domain.ErrInvalidPricing, i+1)
		}
		if l.Discount.IsNegative() {
			return Totals{}, fmt.Errorf("%w: descuento negativo en la línea %d", domain.ErrInvalidPricing, i+1)
		}
		if !l.Discount.Equal(Round(l.Discount)) {
			return Totals{}, fmt.Errorf("%w: descuento con más de dos decimales en la línea %d", domain.ErrInvalidPricing, i+1)
		}
		subtotal := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		discount := l.Discount
		if discount.GreaterThan(subtotal) {
			return Totals{}, fmt.Errorf("%w: el descuento supera el subtotal en la línea %d", domain.ErrInvalidPricing, i+1)
		}
		out.Lines[i] = LineTotals{Subtotal: subtotal, Discount: discount}
		nets[i] = subtotal.Sub(discount)
		netTotal = netTotal.Add(nets[i])
	}

	if orderDiscount.GreaterThan(netTotal) {
		return Totals{}, fmt.Errorf("%w: el descuento de la venta supera el neto", domain.ErrInvalidPricing)
	}
	for i, share := range allocate(orderDiscount, nets) {
		out.Lines[i].Discount = out.Lines[i].Discount.Add(share)
		nets[i] = nets[i].Sub(share)
	}

	taxable := netTotal.Sub(orderDiscount)
	taxAmount := Round(taxable.Mul(tax.Rate))
	for i, share := range allocate(taxAmount, nets) {
		out.Lines[i].Tax = share
	}

	for i := range out.Lines {
		lt := &out.Lines[i]
		lt.Total = lt.Subtotal.Sub(lt.Discount).Add(lt.Tax)
		out.Subtotal = out.Subtotal.Add(lt.Subtotal)
		out.DiscountAmount = out.DiscountAmount.Add(lt.Discount)
	}
	out.TaxAmount = taxAmount
	out.FinalAmount = out.Subtotal.Sub(out.DiscountAmount).Add(out.TaxAmount)
	if out.FinalAmount.IsNegative() {
		return Totals{}, fmt.Errorf("%w: total final negativo", domain.ErrInvalidPricing)
	}
	return out, nil
}

// allocate reparte amount (ya redondeado a centavos) en proporción a weights.
// La suma de las partes es exactamente amount.
func allocate(amount decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	shares := make([]decimal.Decimal, len(weights))
	for i := range shares {
		shares[i] = decimal.Zero
	}
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if !amount.IsPositive() || !total.IsPositive() {
		return shares
	}

	cents := amount.Shift(Scale)
	type remainder struct {
		idx  int
		frac decimal.Decimal
	}
	rems := make([]remainder, len(weights))
	assigned := decimal.Zero
	for i, w := range weights {
		exact := cents.Mul(w).Div(total)
		floor := exact.Floor()
		shares[i] = floor.Shift(-Scale)
		assigned = assigned.Add(floor)
		rems[i] = remainder{idx: i, frac: exact.Sub(floor)}
	}
	sort.SliceStable(rems, func(a, b int) bool { return rems[a].frac.GreaterThan(rems[b].frac) })
	left := cents.Sub(assigned).IntPart()
	for k := int64(0); k < left && int(k) < len(rems); k++ {
		i := rems[k].idx
		shares[i] = shares[i].Add(cent)
	}
	return shares
}
