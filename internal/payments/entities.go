// Package payments is the idempotent payment ledger used by the order saga.
// Every PAY and REFUND is a row keyed by its idempotency key, so a repeated
// request replays the stored row instead of charging twice.
package payments

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Operation types.
const (
	OperationPay    = "PAY"
	OperationRefund = "REFUND"
)

// Transaction statuses.
const (
	StatusPaid     = "PAID"
	StatusFailed   = "FAILED"
	StatusRefunded = "REFUNDED"
)

// Trace step names, shared with the orchestrator's step ledger.
const (
	StepPay    = "PAYMENT_PAY"
	StepRefund = "PAYMENT_REFUND"
)

// DeclineReason is stored on PAY rows rejected by the provider.
const DeclineReason = "Provider rejected transaction"

var ErrTransactionNotFound = errors.New("payment transaction not found")

// Transaction is one row of the payment ledger.
type Transaction struct {
	ID             string          `json:"id"`
	OrderID        string          `json:"orderId"`
	UserID         string          `json:"userId"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	OperationType  string          `json:"operationType"`
	Status         string          `json:"status"`
	ProviderRef    string          `json:"providerRef,omitempty"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CorrelationID  string          `json:"correlationId,omitempty"`
	FailureReason  string          `json:"failureReason,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

func newTransaction(operation, status, orderID, userID string, amount decimal.Decimal, currency, key, correlationID string, now time.Time) *Transaction {
	return &Transaction{
		ID:             uuid.NewString(),
		OrderID:        orderID,
		UserID:         userID,
		Amount:         amount,
		Currency:       strings.ToUpper(strings.TrimSpace(currency)),
		OperationType:  operation,
		Status:         status,
		IdempotencyKey: key,
		CorrelationID:  correlationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// newProviderRef mimics the reference a card processor would hand back.
func newProviderRef(prefix string) string {
	return prefix + "-" + uuid.NewString()
}

// IsPaidCharge reports whether t is a successful PAY that can be refunded.
func (t *Transaction) IsPaidCharge() bool {
	return strings.EqualFold(t.OperationType, OperationPay) && strings.EqualFold(t.Status, StatusPaid)
}

// Response is the body returned by pay and refund.
type Response struct {
	PaymentID        string    `json:"paymentId"`
	OrderID          string    `json:"orderId"`
	Status           string    `json:"status"`
	ProviderRef      string    `json:"providerRef,omitempty"`
	IdempotentReplay bool      `json:"idempotentReplay"`
	ProcessedAt      time.Time `json:"processedAt"`
	CorrelationID    string    `json:"correlationId"`
}

func toResponse(t *Transaction, replayed bool, correlationID string) *Response {
	return &Response{
		PaymentID:        t.ID,
		OrderID:          t.OrderID,
		Status:           t.Status,
		ProviderRef:      t.ProviderRef,
		IdempotentReplay: replayed,
		ProcessedAt:      t.UpdatedAt,
		CorrelationID:    correlationID,
	}
}
