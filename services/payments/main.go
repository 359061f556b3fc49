package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"golang.org/x/sync/errgroup"

	"github.com/matheusmosca/order-fulfilment-saga/internal/api"
	"github.com/matheusmosca/order-fulfilment-saga/internal/config"
	"github.com/matheusmosca/order-fulfilment-saga/internal/database"
	"github.com/matheusmosca/order-fulfilment-saga/internal/payments"
	"github.com/matheusmosca/order-fulfilment-saga/internal/telemetry"
)

var configPath string

func main() {
	decimal.MarshalJSONWithoutQuotes = true

	rootCmd := &cobra.Command{
		Use:          "payments-service",
		Short:        "Idempotent payment ledger",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "optional YAML config file")

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath,
		config.WithDefault("service_name", "payments-service"),
		config.WithDefault("port", "8081"),
		config.WithDefault("database.name", "payments_db"),
	)
}

func serveCmd() *cobra.Command {
	var subscribe bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the payments HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, subscribe)
		},
	}
	cmd.Flags().BoolVar(&subscribe, "subscribe", true, "consume order events from redis")
	return cmd
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the payment ledger schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.Log)

			db, err := database.OpenSQL(cmd.Context(), cfg.Database, logger)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := payments.Migrate(cmd.Context(), db); err != nil {
				return err
			}
			logger.Info("✅ payments schema migrated")
			return nil
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, subscribe bool) error {
	logger := telemetry.NewLogger(os.Stdout, cfg.ServiceName, cfg.Log)
	slog.SetDefault(logger)

	shutdown, err := telemetry.Setup(ctx, cfg.ServiceName, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Error("error shutting down telemetry", "error", err)
		}
	}()

	db, err := database.OpenSQL(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()

	metrics, err := payments.NewMetrics(nil)
	if err != nil {
		return err
	}

	repo := payments.NewTransactionRepository(db)
	useCase := payments.NewPaymentUseCase(repo, payments.Options{
		FailureProbability: cfg.Payment.FailureProbability,
		Delay:              cfg.Payment.Delay,
		Chaos:              cfg.Chaos.Injector(),
		Metrics:            metrics,
		Logger:             logger,
	})

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(cfg.ServiceName), api.Correlation(), api.AccessLog(logger))
	r.GET("/health", api.Health(cfg.ServiceName))
	payments.NewHandler(useCase).Register(r)

	var subscriber *payments.Subscriber
	if subscribe {
		client, err := database.OpenRedis(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer client.Close()
		subscriber = payments.NewSubscriber(client, cfg.Redis.Channel, logger, metrics)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return api.ListenAndServe(gctx, api.NewServer(cfg.Port, r), logger)
	})
	if subscriber != nil {
		g.Go(func() error {
			return subscriber.Run(gctx)
		})
	}
	return g.Wait()
}
