package database

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/order-fulfilment-saga/internal/config"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestPoolConfig(t *testing.T) {
	cfg := config.DatabaseConfig{Host: "db", Port: "5432", User: "root", Password: "pass", Name: "orders_db", MaxConns: 7}

	poolCfg, err := PoolConfig(cfg)

	require.NoError(t, err)
	assert.Equal(t, int32(7), poolCfg.MaxConns)
	assert.Equal(t, "db", poolCfg.ConnConfig.Host)
	assert.Equal(t, "orders_db", poolCfg.ConnConfig.Database)
	assert.Equal(t, time.Hour, poolCfg.MaxConnLifetime)
}

func TestWaitReadySucceedsAfterRetries(t *testing.T) {
	// Arrange
	calls := 0
	ping := func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection refused")
		}
		return nil
	}

	// Act
	err := WaitReady(context.Background(), "orders_db", ping, 5, time.Millisecond, discard)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWaitReadyGivesUp(t *testing.T) {
	calls := 0
	ping := func(context.Context) error {
		calls++
		return errors.New("connection refused")
	}

	err := WaitReady(context.Background(), "orders_db", ping, 2, time.Millisecond, discard)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.Equal(t, 2, calls)
}

func TestWaitReadyStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WaitReady(ctx, "orders_db", func(context.Context) error { return errors.New("down") }, 5, time.Second, discard)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenRedis(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := OpenRedis(context.Background(), config.RedisConfig{Addr: mr.Addr()}, discard)

	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	stored, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", stored)
}
