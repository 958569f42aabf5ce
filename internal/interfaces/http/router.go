package http

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/jhoicas/Ventas-api/internal/application/sales"
	"github.com/jhoicas/Ventas-api/internal/application/stock"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
	"github.com/jhoicas/Ventas-api/pkg/jwt"
)

// RouterDeps dependencias para el router.
type RouterDeps struct {
	ServiceName     string
	FinalizeSale    *sales.FinalizeSaleUseCase
	SaleQuery       *sales.QueryUseCase
	Receipt         *sales.ReceiptUseCase
	Ledger          *stock.Ledger
	Products        repository.ProductRepository
	DefaultLocation string
	LowStockDefault int
	MetricsHandler  http.Handler // nil = sin /metrics
	JWTSecret       string
}

// Router registra las rutas de la API.
func Router(app *fiber.App, deps RouterDeps) {
	// Públicas
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok", "service": deps.ServiceName})
	})
	if deps.MetricsHandler != nil {
		app.Get("/metrics", adaptor.HTTPHandler(deps.MetricsHandler))
	}

	allRoles := []string{jwt.RoleAdmin, jwt.RoleManager, jwt.RoleCashier, jwt.RoleViewer}
	sellers := []string{jwt.RoleAdmin, jwt.RoleManager, jwt.RoleCashier}
	stockManagers := []string{jwt.RoleAdmin, jwt.RoleManager}

	auth := AuthMiddleware(deps.JWTSecret)

	// Sales (protegido)
	saleHandler := NewSaleHandler(deps.FinalizeSale, deps.SaleQuery, deps.Receipt)
	salesGroup := app.Group("/sales", auth)
	salesGroup.Post("/", RequireRole(sellers...), saleHandler.Create)
	salesGroup.Get("/", RequireRole(allRoles...), saleHandler.List)
	salesGroup.Get("/:id", RequireRole(allRoles...), saleHandler.GetByID)
	salesGroup.Get("/:id/receipt", RequireRole(allRoles...), saleHandler.Receipt)

	// Stock (protegido). /low y /entries antes de /:product_id.
	stockHandler := NewStockHandler(deps.Ledger, deps.Products, deps.DefaultLocation, deps.LowStockDefault)
	stockGroup := app.Group("/stock", auth)
	stockGroup.Get("/low", RequireRole(allRoles...), stockHandler.Low)
	stockGroup.Post("/entries", RequireRole(stockManagers...), stockHandler.Receive)
	stockGroup.Get("/:product_id", RequireRole(allRoles...), stockHandler.Get)
	stockGroup.Get("/:product_id/total", RequireRole(allRoles...), stockHandler.Total)
}
