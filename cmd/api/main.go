package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/jhoicas/Ventas-api/internal/application/idempotency"
	"github.com/jhoicas/Ventas-api/internal/application/sales"
	"github.com/jhoicas/Ventas-api/internal/application/stock"
	"github.com/jhoicas/Ventas-api/internal/domain/pricing"
	"github.com/jhoicas/Ventas-api/internal/domain/repository"
	"github.com/jhoicas/Ventas-api/internal/infrastructure/memory"
	"github.com/jhoicas/Ventas-api/internal/infrastructure/messaging"
	"github.com/jhoicas/Ventas-api/internal/infrastructure/metrics"
	infrapdf "github.com/jhoicas/Ventas-api/internal/infrastructure/pdf"
	"github.com/jhoicas/Ventas-api/internal/infrastructure/postgres"
	infraredis "github.com/jhoicas/Ventas-api/internal/infrastructure/redis"
	"github.com/jhoicas/Ventas-api/internal/infrastructure/tracing"
	httpRouter "github.com/jhoicas/Ventas-api/internal/interfaces/http"
	"github.com/jhoicas/Ventas-api/pkg/config"
	"github.com/jhoicas/Ventas-api/pkg/logger"
)

// stores adaptadores de persistencia según STORE_BACKEND.
type stores struct {
	products repository.ProductRepository
	stock    repository.StockEntryRepository
	sales    repository.SaleRepository
	txRunner sales.SaleTxRunner
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("cargar configuración: " + err.Error())
	}

	log := logger.New(logger.Config{
		Env:   cfg.App.Env,
		Level: cfg.App.LogLevel,
	})
	log.Info().
		Str("env", cfg.App.Env).
		Str("app", cfg.App.Name).
		Str("store", cfg.DB.Backend).
		Str("idempotency", cfg.Idempotency.Backend).
		Msg("iniciando aplicación")

	if cfg.JWT.Secret == "" {
		log.Fatal().Msg("JWT_SECRET es obligatorio")
	}
	taxRate, err := decimal.NewFromString(cfg.Sales.TaxRate)
	if err != nil {
		log.Fatal().Err(err).Str("value", cfg.Sales.TaxRate).Msg("SALES_TAX_RATE inválido")
	}

	ctx := context.Background()

	shutdownTracing, err := tracing.Init(cfg.App.Name, cfg.Tracing.JaegerEndpoint, log.Component("tracing"))
	if err != nil {
		log.Fatal().Err(err).Msg("inicializar tracing")
	}

	// PostgreSQL solo si algún backend lo usa.
	var pool *pgxpool.Pool
	if cfg.DB.Backend == "postgres" || cfg.Idempotency.Backend == "postgres" {
		pool, err = postgres.NewPool(ctx, cfg.DB)
		if err != nil {
			log.Fatal().Err(err).Msg("conexión a PostgreSQL")
		}
		defer pool.Close()
		if cfg.DB.AutoMigrate {
			if err := postgres.Migrate(ctx, pool); err != nil {
				log.Fatal().Err(err).Msg("migraciones")
			}
			log.Info().Msg("esquema al día")
		}
	}

	var st stores
	if cfg.DB.Backend == "postgres" {
		st = stores{
			products: postgres.NewProductRepository(pool),
			stock:    postgres.NewStockEntryRepository(pool),
			sales:    postgres.NewSaleRepository(pool),
			txRunner: postgres.NewTxRunner(pool),
		}
	} else {
		saleRepo := memory.NewSaleRepository()
		stockRepo := memory.NewStockEntryRepository()
		st = stores{
			products: memory.NewProductRepository(),
			stock:    stockRepo,
			sales:    saleRepo,
			txRunner: memory.NewTxRunner(saleRepo, stockRepo),
		}
		log.Warn().Msg("STORE_BACKEND=memory: catálogo vacío y datos volátiles, solo para desarrollo")
	}

	var idemRepo repository.IdempotencyRepository
	switch cfg.Idempotency.Backend {
	case "postgres":
		idemRepo = postgres.NewIdempotencyRepository(pool)
	case "redis":
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("conexión a Redis")
		}
		idemRepo = infraredis.NewIdempotencyRepository(rdb, cfg.Idempotency.Retention)
	default:
		idemRepo = memory.NewIdempotencyRepository()
	}

	collector := metrics.NewCollector()

	saleOpts := []sales.Option{
		sales.WithMetrics(collector),
		sales.WithLogger(log.Component("sales")),
	}
	if cfg.Kafka.Enabled() {
		publisher := messaging.NewSaleEventPublisher(messaging.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.SalesTopic))
		defer func() {
			if err := publisher.Close(); err != nil {
				log.Error().Err(err).Msg("cerrar publicador Kafka")
			}
		}()
		saleOpts = append(saleOpts, sales.WithPublisher(publisher))
		log.Info().Strs("brokers", cfg.Kafka.Brokers).Str("topic", cfg.Kafka.SalesTopic).Msg("eventos de venta habilitados")
	}

	ledger := stock.NewLedger(st.stock, cfg.Sales.LockTimeout,
		stock.WithMetrics(collector),
		stock.WithLogger(log.Component("stock")),
	)
	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go ledger.RunSweeper(sweepCtx, cfg.Sales.SweepInterval, cfg.Sales.ReservationTTL)

	register := idempotency.NewRegister(idemRepo, cfg.Idempotency.InFlightTTL, log.Component("idempotency"))
	finalizeUC := sales.NewFinalizeSaleUseCase(
		st.txRunner, st.products, st.sales, ledger, register,
		sales.Config{
			TaxRule:         pricing.NewTaxRule(taxRate),
			DefaultLocation: cfg.Sales.DefaultLocation,
		},
		saleOpts...,
	)
	queryUC := sales.NewQueryUseCase(st.sales)
	receiptUC := sales.NewReceiptUseCase(st.sales, st.products, infrapdf.NewMarotoPDFGenerator(cfg.App.Name))

	app := fiber.New(fiber.Config{
		AppName:      cfg.App.Name,
		ReadTimeout:  time.Second * 10,
		WriteTimeout: time.Second * 10,
		IdleTimeout:  time.Second * 60,
	})
	app.Use(recover.New())

	// Swagger UI en local: http://localhost:<port>/docs (solo si se generó docs/swagger.json)
	if _, err := os.Stat("./docs/swagger.json"); err == nil {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/",
			FilePath: "./docs/swagger.json",
			Path:     "docs",
			Title:    "Ventas API",
		}))
	}

	httpRouter.Router(app, httpRouter.RouterDeps{
		ServiceName:     cfg.App.Name,
		FinalizeSale:    finalizeUC,
		SaleQuery:       queryUC,
		Receipt:         receiptUC,
		Ledger:          ledger,
		Products:        st.products,
		DefaultLocation: cfg.Sales.DefaultLocation,
		LowStockDefault: cfg.Sales.LowStockThreshold,
		MetricsHandler:  collector.Handler(),
		JWTSecret:       cfg.JWT.Secret,
	})

	go func() {
		if err := app.Listen(cfg.HTTP.Addr()); err != nil {
			log.Error().Err(err).Msg("servidor HTTP finalizado")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("señal de apagado recibida, cerrando servidor...")

	stopSweep()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("apagado del servidor")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("cerrar exportador de trazas")
	}

	log.Info().Msg("aplicación detenida")
}
