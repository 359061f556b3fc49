package payments

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS payment_transactions (
		id              UUID PRIMARY KEY,
		order_id        UUID NOT NULL,
		user_id         UUID,
		amount          NUMERIC(12,2) NOT NULL,
		currency        VARCHAR(16) NOT NULL,
		operation_type  VARCHAR(16) NOT NULL,
		status          VARCHAR(32) NOT NULL,
		provider_ref    VARCHAR(120),
		idempotency_key VARCHAR(192) NOT NULL UNIQUE,
		correlation_id  VARCHAR(128),
		failure_reason  VARCHAR(500),
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payment_order_created ON payment_transactions (order_id, created_at)`,
}

// Migrate creates the ledger table. It is safe to run repeatedly.
func Migrate(ctx context.Context, db DB) error {
	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("payments migration %d failed: %w", i+1, err)
		}
	}
	return nil
}
