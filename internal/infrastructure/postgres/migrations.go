package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// migration paso de esquema idempotente, aplicado una sola vez y en orden de Version.
type migration struct {
	Version string
	Name    string
	Up      string
}

var migrations = []migration{
	{
		Version: "20250101000001",
		Name:    "create_products",
		Up: `
CREATE TABLE IF NOT EXISTS products (
    id         TEXT PRIMARY KEY,
    sku        TEXT NOT NULL DEFAULT '',
    name       TEXT NOT NULL,
    price      NUMERIC(12,2) NOT NULL CHECK (price >= 0),
    is_active  BOOLEAN NOT NULL DEFAULT TRUE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_products_sku ON products (sku) WHERE sku <> '';
`,
	},
	{
		Version: "20250101000002",
		Name:    "create_stock_entries",
		Up: `
CREATE TABLE IF NOT EXISTS stock_entries (
    id          TEXT PRIMARY KEY,
    product_id  TEXT NOT NULL REFERENCES products (id),
    location    TEXT NOT NULL,
    quantity    INT NOT NULL CHECK (quantity >= 0),
    reserved    INT NOT NULL DEFAULT 0 CHECK (reserved >= 0),
    status      TEXT NOT NULL CHECK (status IN ('available', 'reserved', 'depleted')),
    expiry_date TIMESTAMPTZ,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    UNIQUE (product_id, location),
    CHECK ((status = 'depleted') = (quantity = 0))
);
CREATE INDEX IF NOT EXISTS idx_stock_entries_quantity ON stock_entries (quantity);
`,
	},
	{
		Version: "20250101000003",
		Name:    "create_sales",
		Up: `
CREATE TABLE IF NOT EXISTS sales (
    id              TEXT PRIMARY KEY,
    reference       TEXT NOT NULL,
    customer_name   TEXT NOT NULL DEFAULT '',
    customer_email  TEXT NOT NULL DEFAULT '',
    subtotal        NUMERIC(12,2) NOT NULL,
    discount_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
    tax_amount      NUMERIC(12,2) NOT NULL DEFAULT 0,
    final_amount    NUMERIC(12,2) NOT NULL CHECK (final_amount >= 0),
    status          TEXT NOT NULL CHECK (status IN ('pending', 'completed', 'cancelled')),
    payment_method  TEXT NOT NULL DEFAULT '',
    notes           TEXT NOT NULL DEFAULT '',
    created_by      TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at    TIMESTAMPTZ
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sales_reference_completed ON sales (reference) WHERE status = 'completed';
CREATE INDEX IF NOT EXISTS idx_sales_created_by ON sales (created_by, created_at DESC);

CREATE TABLE IF NOT EXISTS sale_items (
    seq             BIGSERIAL,
    id              TEXT PRIMARY KEY,
    sale_id         TEXT NOT NULL REFERENCES sales (id) ON DELETE CASCADE,
    product_id      TEXT NOT NULL,
    location        TEXT NOT NULL,
    quantity        INT NOT NULL CHECK (quantity > 0),
    unit_price      NUMERIC(12,2) NOT NULL CHECK (unit_price >= 0),
    subtotal        NUMERIC(12,2) NOT NULL,
    discount_amount NUMERIC(12,2) NOT NULL DEFAULT 0,
    tax_amount      NUMERIC(12,2) NOT NULL DEFAULT 0,
    total_amount    NUMERIC(12,2) NOT NULL,
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_sale_items_sale_id ON sale_items (sale_id, seq);
`,
	},
	{
		Version: "20250101000004",
		Name:    "create_idempotency_keys",
		Up: `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    reference    TEXT PRIMARY KEY,
    status       TEXT NOT NULL CHECK (status IN ('processing', 'succeeded', 'failed')),
    sale_id      TEXT NOT NULL DEFAULT '',
    error_code   TEXT NOT NULL DEFAULT '',
    error_detail TEXT NOT NULL DEFAULT '',
    product_id   TEXT NOT NULL DEFAULT '',
    location     TEXT NOT NULL DEFAULT '',
    requested    INT NOT NULL DEFAULT 0,
    available    INT NOT NULL DEFAULT 0,
    claimed_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_idempotency_keys_processing ON idempotency_keys (claimed_at) WHERE status = 'processing';
`,
	},
	{
		Version: "20250101000005",
		Name:    "create_stock_reservations",
		Up: `
CREATE TABLE IF NOT EXISTS stock_reservations (
    id         TEXT PRIMARY KEY,
    product_id TEXT NOT NULL,
    location   TEXT NOT NULL,
    quantity   INT NOT NULL CHECK (quantity > 0),
    created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    FOREIGN KEY (product_id, location) REFERENCES stock_entries (product_id, location)
);
CREATE INDEX IF NOT EXISTS idx_stock_reservations_created_at ON stock_reservations (created_at);
`,
	},
}

// Migrate aplica las migraciones pendientes, cada una en su propia transacción.
// Un advisory lock evita que dos réplicas migren a la vez.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("migrate: acquire: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, `SELECT pg_advisory_lock(hashtext('ventas_schema_migrations'))`); err != nil {
		return fmt.Errorf("migrate: lock: %w", err)
	}
	defer func() {
		_, _ = conn.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock(hashtext('ventas_schema_migrations'))`)
	}()

	if _, err := conn.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version    TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`); err != nil {
		return fmt.Errorf("migrate: schema_migrations: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, m.Version).Scan(&applied); err != nil {
			return fmt.Errorf("migrate %s: %w", m.Name, err)
		}
		if applied {
			continue
		}
		tx, err := conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("migrate %s: begin: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, m.Up); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrate %s: %w", m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("migrate %s: record: %w", m.Name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("migrate %s: commit: %w", m.Name, err)
		}
	}
	return nil
}
