package orders

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultChannel receives every order event.
const DefaultChannel = "orders.events"

// Broker delivers a payload to a pub/sub channel.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisBroker publishes with Redis PUBLISH.
type RedisBroker struct {
	client redis.UniversalClient
}

func NewRedisBroker(client redis.UniversalClient) *RedisBroker {
	return &RedisBroker{client: client}
}

func (b *RedisBroker) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.client.Publish(ctx, channel, payload).Err()
}

// OutboxStore is the part of the repository the publisher needs.
type OutboxStore interface {
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, eventID string, at time.Time) error
}

// OutboxPublisher moves outbox rows to the broker, at least once.
type OutboxPublisher struct {
	store   OutboxStore
	broker  Broker
	channel string
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewOutboxPublisher(store OutboxStore, broker Broker, channel string, logger *slog.Logger, metrics *Metrics) *OutboxPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxPublisher{
		store:   store,
		broker:  broker,
		channel: channel,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Publish sends one committed event and marks it PUBLISHED. On failure the
// row stays PENDING.
func (p *OutboxPublisher) Publish(ctx context.Context, event *OutboxEvent) error {
	if err := p.broker.Publish(ctx, p.channel, event.Payload); err != nil {
		p.metrics.OutboxPublished(ctx, "failed")
		p.logger.Warn("order.event.publish_failed",
			"event_id", event.ID,
			"event_type", event.EventType,
			"order_id", event.AggregateID,
			"error", err,
		)
		return fmt.Errorf("failed to publish %s: %w", event.EventType, err)
	}

	publishedAt := p.now()
	if err := p.store.MarkOutboxPublished(ctx, event.ID, publishedAt); err != nil {
		p.logger.Warn("order.event.mark_failed", "event_id", event.ID, "error", err)
		return err
	}
	event.Status = OutboxPublished
	event.PublishedAt = &publishedAt

	p.metrics.OutboxPublished(ctx, "published")
	p.logger.Info("order.event.published",
		"event_id", event.ID,
		"event_type", event.EventType,
		"order_id", event.AggregateID,
		"channel", p.channel,
	)
	return nil
}

// Relay publishes one batch of pending events oldest first and returns how
// many were published.
func (p *OutboxPublisher) Relay(ctx context.Context, batch int) (int, error) {
	events, err := p.store.ListPendingOutbox(ctx, batch)
	if err != nil {
		return 0, err
	}

	published := 0
	for i := range events {
		if ctx.Err() != nil {
			return published, ctx.Err()
		}
		if err := p.Publish(ctx, &events[i]); err != nil {
			continue
		}
		published++
	}
	return published, nil
}

// Run relays on every tick until ctx is done.
func (p *OutboxPublisher) Run(ctx context.Context, interval time.Duration, batch int) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	p.logger.Info("order.outbox.relay_started", "interval", interval.String(), "batch", batch)
	for {
		if n, err := p.Relay(ctx, batch); err != nil && ctx.Err() == nil {
			p.logger.Error("order.outbox.relay_failed", "error", err)
		} else if n > 0 {
			p.logger.Info("order.outbox.relayed", "count", n)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
