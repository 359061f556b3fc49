package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/matheusmosca/order-fulfilment-saga/internal/api"
	"github.com/matheusmosca/order-fulfilment-saga/internal/clients"
	"github.com/matheusmosca/order-fulfilment-saga/internal/config"
	"github.com/matheusmosca/order-fulfilment-saga/internal/database"
	"github.com/matheusmosca/order-fulfilment-saga/internal/orders"
	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
	"github.com/matheusmosca/order-fulfilment-saga/internal/telemetry"
)

func serveCmd() *cobra.Command {
	var relay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orders HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, relay)
		},
	}
	cmd.Flags().BoolVar(&relay, "relay", true, "also run the outbox relay loop")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the orders schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.Log)

			pool, err := database.OpenPool(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer pool.Close()

			if err := orders.Migrate(cmd.Context(), pool); err != nil {
				return err
			}
			logger.Info("✅ orders schema migrated")
			return nil
		},
	}
}

func relayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish pending outbox events until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			logger := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.Log)
			slog.SetDefault(logger)

			shutdown, err := telemetry.Setup(ctx, cfg.ServiceName+"-relay", cfg.Telemetry)
			if err != nil {
				return err
			}
			defer shutdownTelemetry(shutdown, logger)

			deps, err := openInfra(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer deps.Close()

			metrics, err := orders.NewMetrics(nil)
			if err != nil {
				return err
			}
			repo := orders.NewOrderRepository(deps.pool)
			publisher := orders.NewOutboxPublisher(repo, orders.NewRedisBroker(deps.redis), cfg.Redis.Channel, logger, metrics)
			return publisher.Run(ctx, cfg.Outbox.RelayInterval, cfg.Outbox.RelayBatch)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, relay bool) error {
	logger := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.Log)
	slog.SetDefault(logger)

	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdownTelemetry(shutdown, logger)

	deps, err := openInfra(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	metrics, err := orders.NewMetrics(nil)
	if err != nil {
		return err
	}

	// Initialize dependencies
	repo := orders.NewOrderRepository(deps.pool)
	publisher := orders.NewOutboxPublisher(repo, orders.NewRedisBroker(deps.redis), cfg.Redis.Channel, logger, metrics)
	catalog, inventory, payments := newClients(cfg, logger, metrics)

	useCase := orders.NewOrderUseCase(repo, catalog, inventory, payments, publisher, orders.Options{
		Retry: resilience.RetryPolicy{
			MaxAttempts:    cfg.Saga.Retry.MaxAttempts,
			InitialBackoff: cfg.Saga.Retry.InitialBackoff,
			MaxBackoff:     cfg.Saga.Retry.MaxBackoff,
		},
		Chaos:   cfg.Chaos.Injector(),
		Metrics: metrics,
		Logger:  logger,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), api.Correlation(), api.AccessLog(logger))
	r.GET("/health", api.Health(cfg.ServiceName))
	orders.NewHandler(useCase).Register(r)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.ListenAndServe(gctx, api.NewServer(cfg.Port, r), logger)
	})
	if relay {
		g.Go(func() error {
			return publisher.Run(gctx, cfg.Outbox.RelayInterval, cfg.Outbox.RelayBatch)
		})
	}
	return g.Wait()
}

// newClients builds the downstream adapters, each behind its own breaker.
func newClients(cfg *config.Config, logger *slog.Logger, metrics *orders.Metrics) (*clients.ProductClient, *clients.InventoryClient, *clients.PaymentClient) {
	transport := otelhttp.NewTransport(http.DefaultTransport)
	clientConfig := func(baseURL string) clients.Config {
		return clients.Config{BaseURL: baseURL, Timeout: cfg.Clients.Timeout, Transport: transport}
	}
	breaker := func(name string) *resilience.Breaker {
		return resilience.NewBreaker(resilience.BreakerConfig{
			Name:             name,
			FailureThreshold: cfg.Saga.CircuitBreaker.FailureThreshold,
			OpenDuration:     cfg.Saga.CircuitBreaker.OpenDuration,
			OnOpen: func(name string, until time.Time) {
				logger.Warn("order.circuit.opened", "dependency", name, "until", until)
				metrics.BreakerOpened(context.Background(), name)
			},
		})
	}

	return clients.NewProductClient(clientConfig(cfg.Clients.ProductBaseURL), breaker("product-service")),
		clients.NewInventoryClient(clientConfig(cfg.Clients.InventoryBaseURL), breaker("inventory-service")),
		clients.NewPaymentClient(clientConfig(cfg.Clients.PaymentBaseURL), breaker("payment-service"))
}

func shutdownTelemetry(shutdown telemetry.ShutdownFunc, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Error("error shutting down telemetry", "error", err)
	}
}
