package sales

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jhoicas/Ventas-api/internal/application/dto"
	"github.com/jhoicas/Ventas-api/internal/application/idempotency"
	"github.com/jhoicas/Ventas-api/internal/application/stock"
	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/pricing"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
	"github.com/jhoicas/Ventas-api/pkg/logger"
)

// Resultados de una finalización (logs y métricas).
const (
	OutcomeCompleted = "completed"
	OutcomeReplayed  = "replayed"
	OutcomeRejected  = "rejected"
	OutcomeCancelled = "cancelled"
	OutcomeDuplicate = "duplicate_in_flight"
	OutcomeTimeout   = "contention_timeout"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "persistence_failure"
)

var tracer = otel.Tracer("ventas-api/sales")

// Config reglas de negocio del orquestador.
type Config struct {
	TaxRule         pricing.TaxRule
	DefaultLocation string
}

// FinalizeSaleUseCase convierte una solicitud de venta en una venta completed con su stock descontado,
// o en un error concreto sin dejar reservas abiertas.
//
// Orden: reference → claim de idempotencia → catálogo → totales → reservas (orden por producto)
// → persistencia atómica de venta, líneas y commit de stock → registro del resultado.
type FinalizeSaleUseCase struct {
	txRunner  SaleTxRunner
	products  repository.ProductRepository
	sales     repository.SaleRepository
	ledger    *stock.Ledger
	register  *idempotency.Register
	cfg       Config
	publisher EventPublisher
	metrics   Metrics
	log       *logger.Logger
	now       func() time.Time
}

// Option configura colaboradores opcionales.
type Option func(*FinalizeSaleUseCase)

// WithPublisher publica SaleCompleted tras cada venta confirmada.
func WithPublisher(p EventPublisher) Option {
	return func(uc *FinalizeSaleUseCase) {
		if p != nil {
			uc.publisher = p
		}
	}
}

// WithMetrics registra resultados y duración.
func WithMetrics(m Metrics) Option {
	return func(uc *FinalizeSaleUseCase) {
		if m != nil {
			uc.metrics = m
		}
	}
}

// WithLogger inyecta el logger.
func WithLogger(l *logger.Logger) Option {
	return func(uc *FinalizeSaleUseCase) {
		if l != nil {
			uc.log = l
		}
	}
}

// NewFinalizeSaleUseCase construye el orquestador.
func NewFinalizeSaleUseCase(
	txRunner SaleTxRunner,
	products repository.ProductRepository,
	sales repository.SaleRepository,
	ledger *stock.Ledger,
	register *idempotency.Register,
	cfg Config,
	opts ...Option,
) *FinalizeSaleUseCase {
	uc := &FinalizeSaleUseCase{
		txRunner:  txRunner,
		products:  products,
		sales:     sales,
		ledger:    ledger,
		register:  register,
		cfg:       cfg,
		publisher: nopPublisher{},
		metrics:   nopMetrics{},
		log:       logger.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(uc)
	}
	return uc
}

// preparedLine línea validada con precio resuelto.
type preparedLine struct {
	productID string
	location  string
	quantity  int
	unitPrice decimal.Decimal
	discount  decimal.Decimal
}

// Finalize procesa la venta. Repetir la misma reference devuelve la misma venta (o el mismo error permanente)
// sin volver a tocar el stock.
func (uc *FinalizeSaleUseCase) Finalize(ctx context.Context, userID string, in dto.CreateSaleRequest) (sale *entity.Sale, err error) {
	start := uc.now()
	reference := strings.TrimSpace(in.Reference)

	ctx, span := tracer.Start(ctx, "sales.Finalize", trace.WithAttributes(
		attribute.String("sale.reference", reference),
		attribute.Int("sale.items", len(in.Items)),
	))
	outcome := OutcomeRejected
	defer func() {
		uc.metrics.ObserveFinalize(outcome, uc.now().Sub(start))
		ev := uc.log.Info()
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			ev = uc.log.Warn().Err(err)
			if errors.Is(err, domain.ErrPersistenceFailure) {
				ev = uc.log.Error().Err(err)
			}
		}
		saleID := ""
		if sale != nil {
			saleID = sale.ID
		}
		span.SetAttributes(attribute.String("sale.outcome", outcome), attribute.String("sale.id", saleID))
		span.End()
		ev.Str("reference", reference).Str("sale_id", saleID).Str("outcome", outcome).Msg("finalización de venta")
	}()

	// 1. Reference y claim de idempotencia
	if reference == "" {
		return nil, fmt.Errorf("%w: reference es obligatorio", domain.ErrInvalidInput)
	}
	prior, err := uc.register.Claim(ctx, reference)
	if err != nil {
		if errors.Is(err, domain.ErrConcurrentDuplicateRequest) {
			outcome = OutcomeDuplicate
		} else {
			outcome = OutcomeFailed
		}
		return nil, err
	}
	if prior != nil {
		outcome = OutcomeReplayed
		return uc.replay(ctx, prior)
	}

	// 2. Validación contra el catálogo y totales
	lines, err := uc.prepare(ctx, in)
	if err != nil {
		uc.settleClaim(ctx, reference, err)
		return nil, err
	}
	pricingLines := make([]pricing.Line, len(lines))
	for i, ln := range lines {
		pricingLines[i] = pricing.Line{UnitPrice: ln.unitPrice, Quantity: ln.quantity, Discount: ln.discount}
	}
	orderDiscount := decimal.Zero
	if in.DiscountAmount != nil {
		orderDiscount = *in.DiscountAmount
	}
	totals, err := pricing.Calculate(pricingLines, orderDiscount, uc.cfg.TaxRule)
	if err != nil {
		uc.settleClaim(ctx, reference, err)
		return nil, err
	}

	header := uc.buildHeader(userID, reference, in, totals)

	if err := ctx.Err(); err != nil {
		outcome = OutcomeAborted
		uc.settleClaim(ctx, reference, err)
		return nil, err
	}

	// 3. Reservas en orden ascendente de producto
	stockLines := make([]stock.Line, len(lines))
	for i, ln := range lines {
		stockLines[i] = stock.Line{ProductID: ln.productID, Location: ln.location, Quantity: ln.quantity}
	}
	rctx, rspan := tracer.Start(ctx, "sales.reserve")
	reservations, err := uc.ledger.ReserveAll(rctx, stockLines)
	rspan.End()
	if err != nil {
		outcome = reserveOutcome(err)
		if outcome == OutcomeFailed {
			err = fmt.Errorf("%w: reservar stock: %v", domain.ErrPersistenceFailure, err)
		}
		uc.persistCancelled(ctx, header)
		uc.settleClaim(ctx, reference, err)
		return nil, err
	}

	// Punto sin retorno para la cancelación del caller: a partir de aquí se usa un contexto desacoplado.
	if err := ctx.Err(); err != nil {
		outcome = OutcomeAborted
		uc.releaseAll(ctx, reference, reservations)
		uc.persistCancelled(ctx, header)
		uc.settleClaim(ctx, reference, err)
		return nil, err
	}
	pctx := context.WithoutCancel(ctx)

	// 4. Persistencia atómica: cabecera, líneas y commit de stock
	completed := uc.buildCompleted(header, lines, totals)
	pctx, pspan := tracer.Start(pctx, "sales.persist")
	err = uc.txRunner.RunSale(pctx, func(saleRepo repository.SaleRepository, stockRepo repository.StockEntryRepository) error {
		if err := saleRepo.Create(pctx, completed); err != nil {
			return fmt.Errorf("crear venta: %w", err)
		}
		for _, it := range completed.Items {
			if err := saleRepo.CreateItem(pctx, it); err != nil {
				return fmt.Errorf("crear línea: %w", err)
			}
		}
		for _, rs := range reservations {
			if err := uc.ledger.ApplyCommit(pctx, stockRepo, rs); err != nil {
				return err
			}
		}
		return nil
	})
	pspan.End()
	if err != nil {
		outcome = OutcomeFailed
		uc.releaseAll(pctx, reference, reservations)
		uc.persistCancelled(pctx, header)
		uc.settleClaim(pctx, reference, domain.ErrPersistenceFailure)
		return nil, fmt.Errorf("%w: %v", domain.ErrPersistenceFailure, err)
	}

	// 5. Después del commit: cerrar handles, registrar resultado y publicar
	for _, rs := range reservations {
		if mErr := uc.ledger.MarkCommitted(rs); mErr != nil {
			uc.log.Error().Err(mErr).Str("reference", reference).Str("reservation_id", rs.ID).Msg("reserva ya cerrada al confirmar")
		}
	}
	if rErr := uc.register.RecordSuccess(pctx, reference, completed.ID); rErr != nil {
		uc.log.Error().Err(rErr).Str("reference", reference).Str("sale_id", completed.ID).Msg("no se pudo registrar el resultado de idempotencia")
	}
	if pErr := uc.publisher.PublishSaleCompleted(pctx, completed); pErr != nil {
		uc.log.Warn().Err(pErr).Str("sale_id", completed.ID).Msg("no se pudo publicar SaleCompleted")
	}

	outcome = OutcomeCompleted
	return completed, nil
}

func (uc *FinalizeSaleUseCase) replay(ctx context.Context, prior *idempotency.Prior) (*entity.Sale, error) {
	if prior.Err != nil {
		return nil, prior.Err
	}
	s, err := uc.sales.GetByID(ctx, prior.SaleID)
	if err != nil {
		return nil, fmt.Errorf("%w: cargar venta %s: %v", domain.ErrPersistenceFailure, prior.SaleID, err)
	}
	if s == nil {
		return nil, fmt.Errorf("%w: venta %s registrada pero no encontrada", domain.ErrPersistenceFailure, prior.SaleID)
	}
	return s, nil
}

// prepare valida forma y catálogo, y resuelve precio y ubicación de cada línea.
func (uc *FinalizeSaleUseCase) prepare(ctx context.Context, in dto.CreateSaleRequest) ([]preparedLine, error) {
	if len(in.Items) == 0 {
		return nil, fmt.Errorf("%w: la venta no tiene líneas", domain.ErrInvalidInput)
	}
	for i, it := range in.Items {
		if strings.TrimSpace(it.ProductID) == "" {
			return nil, fmt.Errorf("%w: línea %d sin product_id", domain.ErrInvalidInput, i+1)
		}
		if it.Quantity <= 0 {
			return nil, fmt.Errorf("%w: línea %d con cantidad %d", domain.ErrInvalidPricing, i+1, it.Quantity)
		}
	}

	cache := make(map[string]*entity.Product)
	lines := make([]preparedLine, 0, len(in.Items))
	for _, it := range in.Items {
		pid := strings.TrimSpace(it.ProductID)
		product, ok := cache[pid]
		if !ok {
			p, err := uc.products.GetByID(ctx, pid)
			if err != nil {
				return nil, fmt.Errorf("%w: consultar producto %s: %v", domain.ErrPersistenceFailure, pid, err)
			}
			if p == nil {
				return nil, fmt.Errorf("%w: producto %s", domain.ErrNotFound, pid)
			}
			cache[pid] = p
			product = p
		}
		if !product.IsActive {
			return nil, fmt.Errorf("%w: producto %s inactivo", domain.ErrInvalidInput, pid)
		}

		ln := preparedLine{
			productID: pid,
			location:  strings.TrimSpace(it.Location),
			quantity:  it.Quantity,
			unitPrice: product.Price,
			discount:  decimal.Zero,
		}
		if ln.location == "" {
			ln.location = uc.cfg.DefaultLocation
		}
		if it.UnitPrice != nil {
			ln.unitPrice = *it.UnitPrice
		}
		if it.DiscountAmount != nil {
			ln.discount = *it.DiscountAmount
		}
		lines = append(lines, ln)
	}
	return lines, nil
}

func (uc *FinalizeSaleUseCase) buildHeader(userID, reference string, in dto.CreateSaleRequest, totals pricing.Totals) *entity.Sale {
	return &entity.Sale{
		ID:             uuid.New().String(),
		Reference:      reference,
		CustomerName:   strings.TrimSpace(in.CustomerName),
		CustomerEmail:  strings.TrimSpace(in.CustomerEmail),
		Subtotal:       totals.Subtotal,
		DiscountAmount: totals.DiscountAmount,
		TaxAmount:      totals.TaxAmount,
		FinalAmount:    totals.FinalAmount,
		Status:         entity.SaleStatusPending,
		PaymentMethod:  strings.TrimSpace(in.PaymentMethod),
		Notes:          strings.TrimSpace(in.Notes),
		CreatedBy:      userID,
		CreatedAt:      uc.timestamp(),
	}
}

func (uc *FinalizeSaleUseCase) buildCompleted(header *entity.Sale, lines []preparedLine, totals pricing.Totals) *entity.Sale {
	s := *header
	s.Status = entity.SaleStatusCompleted
	completedAt := uc.timestamp()
	s.CompletedAt = &completedAt
	s.Items = make([]*entity.SaleItem, len(lines))
	for i, ln := range lines {
		lt := totals.Lines[i]
		s.Items[i] = &entity.SaleItem{
			ID:             uuid.New().String(),
			SaleID:         s.ID,
			ProductID:      ln.productID,
			Location:       ln.location,
			Quantity:       ln.quantity,
			UnitPrice:      ln.unitPrice,
			Subtotal:       lt.Subtotal,
			DiscountAmount: lt.Discount,
			TaxAmount:      lt.Tax,
			TotalAmount:    lt.Total,
			CreatedAt:      s.CreatedAt,
		}
	}
	return &s
}

// persistCancelled guarda la cabecera en cancelled (sin líneas). Es best effort: solo se registra el fallo.
func (uc *FinalizeSaleUseCase) persistCancelled(ctx context.Context, header *entity.Sale) {
	s := *header
	s.ID = uuid.New().String()
	s.Status = entity.SaleStatusCancelled
	s.CompletedAt = nil
	s.Items = nil
	if err := uc.sales.Create(context.WithoutCancel(ctx), &s); err != nil {
		uc.log.Error().Err(err).Str("reference", s.Reference).Msg("no se pudo guardar la venta cancelada")
	}
}

// settleClaim registra fallos permanentes y libera el claim en los transitorios.
func (uc *FinalizeSaleUseCase) settleClaim(ctx context.Context, reference string, cause error) {
	if err := uc.register.RecordFailure(context.WithoutCancel(ctx), reference, cause); err != nil {
		uc.log.Error().Err(err).Str("reference", reference).Msg("no se pudo cerrar el claim de idempotencia")
	}
}

func (uc *FinalizeSaleUseCase) releaseAll(ctx context.Context, reference string, rs []*entity.Reservation) {
	if err := uc.ledger.ReleaseAll(ctx, rs); err != nil {
		uc.log.Error().Err(err).Str("reference", reference).Msg("no se pudieron liberar todas las reservas")
	}
}

// timestamp UTC truncado a microsegundos (precisión de PostgreSQL) para que el replay devuelva el mismo cuerpo.
func (uc *FinalizeSaleUseCase) timestamp() time.Time {
	return uc.now().UTC().Truncate(time.Microsecond)
}

func reserveOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrInsufficientStock):
		return OutcomeCancelled
	case errors.Is(err, domain.ErrStockContentionTimeout):
		return OutcomeTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return OutcomeAborted
	default:
		return OutcomeFailed
	}
}
