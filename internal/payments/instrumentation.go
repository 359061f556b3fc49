package payments

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/matheusmosca/order-fulfilment-saga/internal/payments"

var tracer = otel.Tracer(instrumentationName)

// Metrics holds the ledger counters. A nil *Metrics records nothing.
type Metrics struct {
	transactions   metric.Int64Counter
	replays        metric.Int64Counter
	eventsConsumed metric.Int64Counter
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		meter = otel.Meter(instrumentationName)
	}

	var (
		m   Metrics
		err error
	)
	if m.transactions, err = meter.Int64Counter("payments.transactions",
		metric.WithDescription("Ledger rows written by operation and status")); err != nil {
		return nil, err
	}
	if m.replays, err = meter.Int64Counter("payments.replays",
		metric.WithDescription("Requests answered from an existing idempotency key")); err != nil {
		return nil, err
	}
	if m.eventsConsumed, err = meter.Int64Counter("payments.events.consumed",
		metric.WithDescription("Order events received from the broker")); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Metrics) Transaction(ctx context.Context, operation, status string) {
	if m == nil {
		return
	}
	m.transactions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	))
}

func (m *Metrics) Replay(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	m.replays.Add(ctx, 1, metric.WithAttributes(attribute.String("operation", operation)))
}

func (m *Metrics) EventConsumed(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	m.eventsConsumed.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", eventType)))
}
