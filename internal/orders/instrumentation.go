package orders

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/matheusmosca/order-fulfilment-saga/internal/orders"

var tracer = otel.Tracer(instrumentationName)

// Metrics holds the saga counters. A nil *Metrics records nothing.
type Metrics struct {
	sagaOutcomes    metric.Int64Counter
	stepAttempts    metric.Int64Counter
	outboxPublished metric.Int64Counter
	breakerOpened   metric.Int64Counter
}

// NewMetrics registers the counters on meter (otel.Meter when nil).
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var (
		m   Metrics
		err error
	)
	if m.sagaOutcomes, err = meter.Int64Counter("orders.saga.outcomes",
		metric.WithDescription("Finished sagas by outcome")); err != nil {
		return nil, err
	}
	if m.stepAttempts, err = meter.Int64Counter("orders.saga.step_attempts",
		metric.WithDescription("Saga step attempts by step and status")); err != nil {
		return nil, err
	}
	if m.outboxPublished, err = meter.Int64Counter("orders.outbox.published",
		metric.WithDescription("Outbox publish attempts by result")); err != nil {
		return nil, err
	}
	if m.breakerOpened, err = meter.Int64Counter("orders.circuit_breaker.opened",
		metric.WithDescription("Circuit breaker openings by dependency")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) SagaOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	m.sagaOutcomes.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

func (m *Metrics) StepAttempt(ctx context.Context, step, status string) {
	if m == nil {
		return
	}
	m.stepAttempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("step", step),
		attribute.String("status", status),
	))
}

func (m *Metrics) OutboxPublished(ctx context.Context, result string) {
	if m == nil {
		return
	}
	m.outboxPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// BreakerOpened is meant to be used as a breaker OnOpen hook.
func (m *Metrics) BreakerOpened(ctx context.Context, dependency string) {
	if m == nil {
		return
	}
	m.breakerOpened.Add(ctx, 1, metric.WithAttributes(attribute.String("dependency", dependency)))
}
