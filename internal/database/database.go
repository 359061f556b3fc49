// Package database opens the Postgres connections used by the services and
// waits for the server to accept them.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/lib/pq"

	"github.com/matheusmosca/order-fulfilment-saga/internal/config"
	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

const (
	defaultReadyAttempts = 30
	defaultReadyInterval = time.Second
)

// PoolConfig builds the pgx pool configuration for cfg.
func PoolConfig(cfg config.DatabaseConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	return poolCfg, nil
}

// OpenPool creates a pgx pool and waits until the database answers pings.
func OpenPool(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := PoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := WaitReady(ctx, cfg.Name, pool.Ping, defaultReadyAttempts, defaultReadyInterval, logger); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

// OpenSQL opens a database/sql handle on the lib/pq driver and waits until
// the database answers pings.
func OpenSQL(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	maxConns := int(cfg.MaxConns)
	if maxConns <= 0 {
		maxConns = 10
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := WaitReady(ctx, cfg.Name, db.PingContext, defaultReadyAttempts, defaultReadyInterval, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// WaitReady calls ping until it succeeds or attempts run out.
func WaitReady(ctx context.Context, name string, ping func(context.Context) error, attempts int, interval time.Duration, logger *slog.Logger) error {
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for i := 0; i < attempts; i++ {
		if lastErr = ping(ctx); lastErr == nil {
			logger.Info("✅ connected to database", "database", name)
			return nil
		}
		logger.Info("⏳ waiting for database", "database", name, "attempt", i+1, "max_attempts", attempts)
		if i == attempts-1 {
			break
		}
		if err := resilience.Sleep(ctx, interval); err != nil {
			return fmt.Errorf("stopped waiting for database %s: %w", name, err)
		}
	}
	return fmt.Errorf("failed to connect to database %s after %d attempts: %w", name, attempts, lastErr)
}
