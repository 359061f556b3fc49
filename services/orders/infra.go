package main

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/matheusmosca/order-fulfilment-saga/internal/config"
	"github.com/matheusmosca/order-fulfilment-saga/internal/database"
)

type infra struct {
	pool  *pgxpool.Pool
	redis *redis.Client
}

func openInfra(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*infra, error) {
	pool, err := database.OpenPool(ctx, cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	client, err := database.OpenRedis(ctx, cfg.Redis, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return &infra{pool: pool, redis: client}, nil
}

func (i *infra) Close() {
	_ = i.redis.Close()
	i.pool.Close()
}
