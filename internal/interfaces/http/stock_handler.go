package http

import (
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jhoicas/Ventas-api/internal/application/dto"
	"github.com/jhoicas/Ventas-api/internal/application/stock"
	"github.com/jhoicas/Ventas-api/internal/domain"
	"github.com/jhoicas/Ventas-api/internal/domain/entity"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
)

// StockHandler lecturas de stock e ingreso de mercancía (protegido).
type StockHandler struct {
	ledger           *stock.Ledger
	products         repository.ProductRepository
	defaultLocation  string
	defaultThreshold int
}

// NewStockHandler construye el handler.
func NewStockHandler(ledger *stock.Ledger, products repository.ProductRepository, defaultLocation string, defaultThreshold int) *StockHandler {
	return &StockHandler{
		ledger:           ledger,
		products:         products,
		defaultLocation:  defaultLocation,
		defaultThreshold: defaultThreshold,
	}
}

func toStockResponse(e *entity.StockEntry) dto.StockResponse {
	return dto.StockResponse{
		ProductID:  e.ProductID,
		Location:   e.Location,
		Quantity:   e.Quantity,
		Reserved:   e.Reserved,
		Status:     e.Status,
		ExpiryDate: e.ExpiryDate,
	}
}

func (h *StockHandler) location(raw string) string {
	if loc := strings.TrimSpace(raw); loc != "" {
		return loc
	}
	return h.defaultLocation
}

// Get godoc
// @Summary      Stock de un producto en una ubicación
// @Tags         stock
// @Security     Bearer
// @Produce      json
// @Param        product_id  path   string  true   "ID del producto"
// @Param        location    query  string  false  "ubicación (default configurada)"
// @Success      200  {object}  dto.StockResponse
// @Failure      404  {object}  dto.ErrorResponse
// @Router       /stock/{product_id} [get]
func (h *StockHandler) Get(c *fiber.Ctx) error {
	e, err := h.ledger.GetStock(c.UserContext(), c.Params("product_id"), h.location(c.Query("location")))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(toStockResponse(e))
}

// Total godoc
// @Summary      Stock total del producto (todas las ubicaciones)
// @Tags         stock
// @Security     Bearer
// @Produce      json
// @Param        product_id  path  string  true  "ID del producto"
// @Success      200  {object}  dto.StockTotalResponse
// @Router       /stock/{product_id}/total [get]
func (h *StockHandler) Total(c *fiber.Ctx) error {
	pid := c.Params("product_id")
	total, err := h.ledger.TotalForProduct(c.UserContext(), pid)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(dto.StockTotalResponse{ProductID: pid, Quantity: total})
}

// Low godoc
// @Summary      Reporte de stock bajo
// @Tags         stock
// @Security     Bearer
// @Produce      json
// @Param        threshold  query  int  false  "cantidad máxima incluida (default configurado)"
// @Param        limit      query  int  false  "máximo 100 (default 50)"
// @Param        offset     query  int  false  "desplazamiento"
// @Success      200  {object}  dto.LowStockResponse
// @Router       /stock/low [get]
func (h *StockHandler) Low(c *fiber.Ctx) error {
	threshold := c.QueryInt("threshold", h.defaultThreshold)
	entries, err := h.ledger.LowStock(c.UserContext(), threshold, c.QueryInt("limit", 50), c.QueryInt("offset", 0))
	if err != nil {
		return writeError(c, err)
	}
	out := dto.LowStockResponse{Threshold: threshold, Items: make([]dto.StockResponse, 0, len(entries))}
	for _, e := range entries {
		out.Items = append(out.Items, toStockResponse(e))
	}
	return c.JSON(out)
}

// Receive godoc
// @Summary      Ingresar mercancía
// @Description  Suma cantidad a la entrada producto+ubicación, creándola si no existe.
// @Tags         stock
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  dto.ReceiveStockRequest  true  "product_id, location?, quantity, expiry_date?"
// @Success      201   {object}  dto.StockResponse
// @Failure      400   {object}  dto.ErrorResponse
// @Failure      403   {object}  dto.ErrorResponse
// @Failure      404   {object}  dto.ErrorResponse
// @Failure      503   {object}  dto.ErrorResponse
// @Router       /stock/entries [post]
func (h *StockHandler) Receive(c *fiber.Ctx) error {
	var in dto.ReceiveStockRequest
	if err := c.BodyParser(&in); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "INVALID_BODY", Message: "cuerpo inválido"})
	}
	if in.ProductID == "" || in.Quantity <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(dto.ErrorResponse{Code: "VALIDATION", Message: "product_id y quantity > 0 requeridos"})
	}
	ctx := c.UserContext()
	p, err := h.products.GetByID(ctx, in.ProductID)
	if err != nil {
		return writeError(c, err)
	}
	if p == nil {
		return writeError(c, fmt.Errorf("producto %s: %w", in.ProductID, domain.ErrNotFound))
	}
	e, err := h.ledger.Receive(ctx, in.ProductID, h.location(in.Location), in.Quantity, in.ExpiryDate)
	if err != nil {
		return writeError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(toStockResponse(e))
}
