package orders

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS orders (
		id              UUID PRIMARY KEY,
		user_id         UUID NOT NULL,
		product_id      UUID NOT NULL,
		quantity        INTEGER NOT NULL CHECK (quantity > 0),
		unit_price      NUMERIC(12,2) NOT NULL,
		total_amount    NUMERIC(12,2) NOT NULL,
		status          VARCHAR(32) NOT NULL,
		failure_reason  TEXT,
		idempotency_key VARCHAR(128) NOT NULL UNIQUE,
		cancelled_at    TIMESTAMPTZ,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_user_created ON orders (user_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS saga_steps (
		seq            BIGSERIAL,
		id             UUID PRIMARY KEY,
		order_id       UUID NOT NULL REFERENCES orders(id),
		step_name      VARCHAR(32) NOT NULL,
		step_status    VARCHAR(16) NOT NULL,
		retry_count    INTEGER NOT NULL DEFAULT 0,
		compensation   BOOLEAN NOT NULL DEFAULT FALSE,
		detail         TEXT NOT NULL DEFAULT '',
		correlation_id VARCHAR(128) NOT NULL DEFAULT '',
		created_at     TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_saga_steps_order ON saga_steps (order_id, created_at, seq)`,
	`CREATE TABLE IF NOT EXISTS outbox_events (
		id             UUID PRIMARY KEY,
		aggregate_type VARCHAR(32) NOT NULL,
		aggregate_id   UUID NOT NULL,
		event_type     VARCHAR(32) NOT NULL,
		payload        JSONB NOT NULL,
		status         VARCHAR(16) NOT NULL,
		created_at     TIMESTAMPTZ NOT NULL,
		published_at   TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_events (status, created_at)`,
}

// Migrate creates the orders schema. It is safe to run repeatedly.
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("orders migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
