// Package config loads service configuration from defaults, an optional
// YAML file and the environment (SAGA_RETRY_MAX_ATTEMPTS for saga.retry.max_attempts).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

type Config struct {
	ServiceName string          `mapstructure:"service_name"`
	Port        string          `mapstructure:"port"`
	Log         LogConfig       `mapstructure:"log"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Redis       RedisConfig     `mapstructure:"redis"`
	Telemetry   TelemetryConfig `mapstructure:"telemetry"`
	Clients     ClientsConfig   `mapstructure:"clients"`
	Saga        SagaConfig      `mapstructure:"saga"`
	Chaos       ChaosConfig     `mapstructure:"chaos"`
	Payment     PaymentConfig   `mapstructure:"payment"`
	Outbox      OutboxConfig    `mapstructure:"outbox"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// URL returns the postgres connection string shared by pgx and lib/pq.
func (d DatabaseConfig) URL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", d.User, d.Password, d.Host, d.Port, d.Name)
}

type RedisConfig struct {
	Addr    string `mapstructure:"addr"`
	Channel string `mapstructure:"channel"`
}

type TelemetryConfig struct {
	// OTLPEndpoint is host:port of an OTLP/HTTP collector. Empty disables export.
	OTLPEndpoint   string `mapstructure:"otlp_endpoint"`
	ServiceVersion string `mapstructure:"service_version"`
}

type ClientsConfig struct {
	ProductBaseURL   string        `mapstructure:"product_base_url"`
	InventoryBaseURL string        `mapstructure:"inventory_base_url"`
	PaymentBaseURL   string        `mapstructure:"payment_base_url"`
	Timeout          time.Duration `mapstructure:"timeout"`
}

type SagaConfig struct {
	Retry          RetryConfig   `mapstructure:"retry"`
	CircuitBreaker BreakerConfig `mapstructure:"circuit_breaker"`
}

type RetryConfig struct {
	MaxAttempts    int           `mapstructure:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`
}

type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	OpenDuration     time.Duration `mapstructure:"open_duration"`
}

type ChaosConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	LatencyProbability float64       `mapstructure:"latency_probability"`
	ErrorProbability   float64       `mapstructure:"error_probability"`
	Delay              time.Duration `mapstructure:"delay"`
}

// Injector builds the chaos injector described by c.
func (c ChaosConfig) Injector() *resilience.Chaos {
	return &resilience.Chaos{
		Enabled:            c.Enabled,
		LatencyProbability: c.LatencyProbability,
		ErrorProbability:   c.ErrorProbability,
		Delay:              c.Delay,
	}
}

type PaymentConfig struct {
	FailureProbability float64       `mapstructure:"failure_probability"`
	Delay              time.Duration `mapstructure:"delay"`
}

type OutboxConfig struct {
	RelayInterval time.Duration `mapstructure:"relay_interval"`
	RelayBatch    int           `mapstructure:"relay_batch"`
}

// Option customises the viper instance before the file and environment are read.
type Option func(v *viper.Viper)

// WithDefault overrides a built-in default, e.g. the port of a service.
func WithDefault(key string, value any) Option {
	return func(v *viper.Viper) {
		v.SetDefault(key, value)
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "orders-service")
	v.SetDefault("port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "root")
	v.SetDefault("database.password", "pass")
	v.SetDefault("database.name", "orders_db")
	v.SetDefault("database.max_conns", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.channel", "orders.events")

	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.service_version", "1.0.0")

	v.SetDefault("clients.product_base_url", "http://product-service:8080")
	v.SetDefault("clients.inventory_base_url", "http://inventory-service:8080")
	v.SetDefault("clients.payment_base_url", "http://payment-service:8080")
	v.SetDefault("clients.timeout", 5*time.Second)

	v.SetDefault("saga.retry.max_attempts", 3)
	v.SetDefault("saga.retry.initial_backoff", 250*time.Millisecond)
	v.SetDefault("saga.retry.max_backoff", resilience.DefaultMaxBackoff)
	v.SetDefault("saga.circuit_breaker.failure_threshold", 3)
	v.SetDefault("saga.circuit_breaker.open_duration", 4*time.Second)

	v.SetDefault("chaos.enabled", false)
	v.SetDefault("chaos.latency_probability", 0.0)
	v.SetDefault("chaos.error_probability", 0.0)
	v.SetDefault("chaos.delay", time.Duration(0))

	v.SetDefault("payment.failure_probability", 0.0)
	v.SetDefault("payment.delay", 200*time.Millisecond)

	v.SetDefault("outbox.relay_interval", 5*time.Second)
	v.SetDefault("outbox.relay_batch", 50)
}

// Load reads the configuration. path may be empty.
func Load(path string, opts ...Option) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	for _, opt := range opts {
		opt(v)
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.normalize()
	return &cfg, nil
}

func (c *Config) normalize() {
	if c.Saga.Retry.MaxAttempts < 1 {
		c.Saga.Retry.MaxAttempts = 1
	}
	if c.Saga.Retry.InitialBackoff < resilience.MinInitialBackoff {
		c.Saga.Retry.InitialBackoff = resilience.MinInitialBackoff
	}
	if c.Saga.Retry.MaxBackoff <= 0 {
		c.Saga.Retry.MaxBackoff = resilience.DefaultMaxBackoff
	}
	if c.Saga.CircuitBreaker.FailureThreshold < 1 {
		c.Saga.CircuitBreaker.FailureThreshold = 1
	}
	if c.Saga.CircuitBreaker.OpenDuration < resilience.MinOpenDuration {
		c.Saga.CircuitBreaker.OpenDuration = resilience.MinOpenDuration
	}

	c.Chaos.LatencyProbability = resilience.ClampProbability(c.Chaos.LatencyProbability)
	c.Chaos.ErrorProbability = resilience.ClampProbability(c.Chaos.ErrorProbability)
	if c.Chaos.Delay < 0 {
		c.Chaos.Delay = 0
	}
	c.Payment.FailureProbability = resilience.ClampProbability(c.Payment.FailureProbability)
	if c.Payment.Delay < 0 {
		c.Payment.Delay = 0
	}

	if c.Outbox.RelayBatch < 1 {
		c.Outbox.RelayBatch = 1
	}
	if c.Outbox.RelayInterval <= 0 {
		c.Outbox.RelayInterval = 5 * time.Second
	}
}
