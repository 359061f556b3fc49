package payments

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

// OrderEvent is the part of an order event the ledger cares about.
type OrderEvent struct {
	EventType     string          `json:"eventType"`
	OrderID       string          `json:"orderId"`
	Status        string          `json:"status"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	CorrelationID string          `json:"correlationId"`
}

// Subscriber consumes order events from a Redis channel.
type Subscriber struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
	metrics *Metrics
}

func NewSubscriber(client redis.UniversalClient, channel string, logger *slog.Logger, metrics *Metrics) *Subscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &Subscriber{client: client, channel: channel, logger: logger, metrics: metrics}
}

// Run blocks until ctx is done or the subscription is closed.
func (s *Subscriber) Run(ctx context.Context) error {
	sub := s.client.Subscribe(ctx, s.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", s.channel, err)
	}
	s.logger.Info("payment.subscriber.started", "channel", s.channel)

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			s.Handle(ctx, msg.Payload)
		}
	}
}

// Handle logs one event. Payloads that do not decode are skipped.
func (s *Subscriber) Handle(ctx context.Context, payload string) {
	var event OrderEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		s.logger.Warn("payment.event.undecodable", "channel", s.channel, "error", err)
		return
	}

	s.metrics.EventConsumed(ctx, event.EventType)
	s.logger.Info("payment.event.consumed",
		"channel", s.channel,
		"event_type", event.EventType,
		"order_id", event.OrderID,
		"status", event.Status,
		"correlation_id", event.CorrelationID,
	)
}
