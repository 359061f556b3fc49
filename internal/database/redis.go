package database

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"

	"github.com/matheusmosca/order-fulfilment-saga/internal/config"
)

// OpenRedis connects to the broker with tracing and metrics instrumentation
// and waits until it answers pings.
func OpenRedis(ctx context.Context, cfg config.RedisConfig, logger *slog.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: cfg.Addr})

	if err := redisotel.InstrumentTracing(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to instrument redis tracing: %w", err)
	}
	if err := redisotel.InstrumentMetrics(client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to instrument redis metrics: %w", err)
	}

	ping := func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
	if err := WaitReady(ctx, "redis", ping, defaultReadyAttempts, defaultReadyInterval, logger); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}
