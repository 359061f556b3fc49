package clients

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

const (
	paymentService = "payment-service"

	paymentStatusPaid     = "PAID"
	paymentStatusRefunded = "REFUNDED"
	codePaymentDeclined   = "PAYMENT_DECLINED"
)

// PayRequest captures a payment for an order.
type PayRequest struct {
	OrderID        string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	CorrelationID  string
}

// RefundRequest refunds the latest successful payment of an order, or
// PaymentID when set.
type RefundRequest struct {
	OrderID        string
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	CorrelationID  string
}

// PaymentResult is the payment service view of a ledger row.
type PaymentResult struct {
	PaymentID        string    `json:"paymentId"`
	OrderID          string    `json:"orderId"`
	Status           string    `json:"status"`
	ProviderRef      string    `json:"providerRef"`
	IdempotentReplay bool      `json:"idempotentReplay"`
	ProcessedAt      time.Time `json:"processedAt"`
	CorrelationID    string    `json:"correlationId"`
}

type payPayload struct {
	OrderID  string          `json:"orderId"`
	UserID   string          `json:"userId"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

type refundPayload struct {
	OrderID   string          `json:"orderId"`
	PaymentID string          `json:"paymentId,omitempty"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

// PaymentClient calls the payment ledger service through its circuit breaker.
type PaymentClient struct {
	client  *resty.Client
	breaker *resilience.Breaker
}

func NewPaymentClient(cfg Config, breaker *resilience.Breaker) *PaymentClient {
	return &PaymentClient{
		client:  newRestyClient(cfg),
		breaker: breaker,
	}
}

// Pay captures the payment. A result that is not PAID (a replayed decline)
// is reported as ErrPaymentDeclined.
func (c *PaymentClient) Pay(ctx context.Context, req PayRequest) (*PaymentResult, error) {
	var result PaymentResult
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := send(
			newRequest(ctx, c.client, req.CorrelationID, req.IdempotencyKey).SetBody(payPayload{
				OrderID:  req.OrderID,
				UserID:   req.UserID,
				Amount:   req.Amount,
				Currency: req.Currency,
			}),
			paymentService, http.MethodPost, "/payments/pay",
		)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.Code == codePaymentDeclined {
				return fmt.Errorf("%w: %s", ErrPaymentDeclined, statusErr.Message)
			}
			return err
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Status != paymentStatusPaid {
			return fmt.Errorf("%w: payment %s is %s", ErrPaymentDeclined, result.PaymentID, result.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// Refund refunds a captured payment.
func (c *PaymentClient) Refund(ctx context.Context, req RefundRequest) (*PaymentResult, error) {
	var result PaymentResult
	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := send(
			newRequest(ctx, c.client, req.CorrelationID, req.IdempotencyKey).SetBody(refundPayload{
				OrderID:   req.OrderID,
				PaymentID: req.PaymentID,
				Amount:    req.Amount,
				Currency:  req.Currency,
			}),
			paymentService, http.MethodPost, "/payments/refund",
		)
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		if result.Status != paymentStatusRefunded {
			return fmt.Errorf("refund %s returned status %s", result.PaymentID, result.Status)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
