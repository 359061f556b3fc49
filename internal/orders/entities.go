// Package orders implements the order-fulfilment saga: the order state
// machine, its append-only step ledger, the transactional outbox and the
// HTTP surface that drives them.
package orders

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Order statuses.
const (
	StatusCreated           = "CREATED"
	StatusInventoryReserved = "INVENTORY_RESERVED"
	StatusPaymentPending    = "PAYMENT_PENDING"
	StatusConfirmed         = "CONFIRMED"
	StatusFailed            = "FAILED"
	StatusCancelled         = "CANCELLED"
)

// Saga step names.
const (
	StepOrderCreated     = "ORDER_CREATED"
	StepInventoryReserve = "INVENTORY_RESERVE"
	StepPaymentPending   = "PAYMENT_PENDING"
	StepPaymentPay       = "PAYMENT_PAY"
	StepOrderConfirmed   = "ORDER_CONFIRMED"
	StepPaymentRefund    = "PAYMENT_REFUND"
	StepInventoryRelease = "INVENTORY_RELEASE"
	StepOrderCancelled   = "ORDER_CANCELLED"
)

// Saga step statuses.
const (
	StepSuccess     = "SUCCESS"
	StepRetryFailed = "RETRY_FAILED"
	StepFailed      = "FAILED"
)

// Outbox event types and statuses.
const (
	EventOrderConfirmed = "ORDER_CONFIRMED"
	EventOrderFailed    = "ORDER_FAILED"
	EventOrderCancelled = "ORDER_CANCELLED"

	OutboxPending   = "PENDING"
	OutboxPublished = "PUBLISHED"

	AggregateOrder = "ORDER"
)

// RoleAdmin is the elevated role. Comparison is case-insensitive.
const RoleAdmin = "ADMIN"

var (
	ErrOrderNotFound     = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order status transition")
	// ErrOrderChanged means the stored status moved since the caller read it.
	ErrOrderChanged = errors.New("order status changed concurrently")
)

var transitions = map[string][]string{
	StatusCreated:           {StatusInventoryReserved, StatusFailed, StatusCancelled},
	StatusInventoryReserved: {StatusPaymentPending, StatusFailed, StatusCancelled},
	StatusPaymentPending:    {StatusConfirmed, StatusFailed, StatusCancelled},
	StatusConfirmed:         {StatusCancelled},
}

// Order is the aggregate driven by the saga.
type Order struct {
	ID             string          `json:"id"`
	UserID         string          `json:"userId"`
	ProductID      string          `json:"productId"`
	Quantity       int             `json:"quantity"`
	UnitPrice      decimal.Decimal `json:"unitPrice"`
	TotalAmount    decimal.Decimal `json:"totalAmount"`
	Status         string          `json:"status"`
	FailureReason  *string         `json:"failureReason"`
	IdempotencyKey string          `json:"idempotencyKey"`
	CancelledAt    *time.Time      `json:"cancelledAt"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewOrder prices a new order in CREATED status.
func NewOrder(userID, productID string, quantity int, unitPrice decimal.Decimal, idempotencyKey string, now time.Time) *Order {
	return &Order{
		ID:             uuid.NewString(),
		UserID:         userID,
		ProductID:      productID,
		Quantity:       quantity,
		UnitPrice:      unitPrice,
		TotalAmount:    unitPrice.Mul(decimal.NewFromInt(int64(quantity))),
		Status:         StatusCreated,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Transition moves the order along the state machine.
func (o *Order) Transition(to string, now time.Time) error {
	for _, allowed := range transitions[o.Status] {
		if allowed == to {
			o.Status = to
			o.UpdatedAt = now
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, o.Status, to)
}

// Fail marks the order FAILED with reason.
func (o *Order) Fail(reason string, now time.Time) error {
	if err := o.Transition(StatusFailed, now); err != nil {
		return err
	}
	o.FailureReason = &reason
	return nil
}

// Cancel marks the order CANCELLED and stamps cancelledAt.
func (o *Order) Cancel(now time.Time) error {
	if err := o.Transition(StatusCancelled, now); err != nil {
		return err
	}
	o.CancelledAt = &now
	return nil
}

// Matches reports whether a replayed request carries the same payload.
func (o *Order) Matches(productID string, quantity int) bool {
	return o.ProductID == productID && o.Quantity == quantity
}

// Terminal reports whether the saga for the order has finished.
func (o *Order) Terminal() bool {
	return o.Status == StatusConfirmed || o.Status == StatusFailed || o.Status == StatusCancelled
}

// SagaStep is one attempt recorded in the step ledger.
type SagaStep struct {
	ID            string    `json:"id"`
	OrderID       string    `json:"orderId"`
	StepName      string    `json:"stepName"`
	StepStatus    string    `json:"stepStatus"`
	RetryCount    int       `json:"retryCount"`
	Compensation  bool      `json:"compensation"`
	Detail        string    `json:"detail"`
	CorrelationID string    `json:"correlationId"`
	CreatedAt     time.Time `json:"createdAt"`
}

func NewSagaStep(orderID, name, status string, retryCount int, compensation bool, detail, correlationID string, now time.Time) *SagaStep {
	return &SagaStep{
		ID:            uuid.NewString(),
		OrderID:       orderID,
		StepName:      name,
		StepStatus:    status,
		RetryCount:    retryCount,
		Compensation:  compensation,
		Detail:        detail,
		CorrelationID: correlationID,
		CreatedAt:     now,
	}
}

// OutboxEvent is a domain event stored with the status change it reports.
type OutboxEvent struct {
	ID            string          `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"-"`
	Status        string          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	PublishedAt   *time.Time      `json:"publishedAt"`
}

// EventPayload is the message published for an outbox event.
type EventPayload struct {
	EventType     string          `json:"eventType"`
	OccurredAt    time.Time       `json:"occurredAt"`
	ActorUserID   string          `json:"actorUserId"`
	OrderID       string          `json:"orderId"`
	UserID        string          `json:"userId"`
	ProductID     string          `json:"productId"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unitPrice"`
	TotalAmount   decimal.Decimal `json:"totalAmount"`
	Status        string          `json:"status"`
	FailureReason *string         `json:"failureReason"`
	CorrelationID string          `json:"correlationId"`
}

// NewOutboxEvent snapshots order into a PENDING event.
func NewOutboxEvent(eventType string, order *Order, actorUserID, correlationID string, now time.Time) (*OutboxEvent, error) {
	payload, err := json.Marshal(EventPayload{
		EventType:     eventType,
		OccurredAt:    now,
		ActorUserID:   actorUserID,
		OrderID:       order.ID,
		UserID:        order.UserID,
		ProductID:     order.ProductID,
		Quantity:      order.Quantity,
		UnitPrice:     order.UnitPrice,
		TotalAmount:   order.TotalAmount,
		Status:        order.Status,
		FailureReason: order.FailureReason,
		CorrelationID: correlationID,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", eventType, err)
	}

	return &OutboxEvent{
		ID:            uuid.NewString(),
		AggregateType: AggregateOrder,
		AggregateID:   order.ID,
		EventType:     eventType,
		Payload:       payload,
		Status:        OutboxPending,
		CreatedAt:     now,
	}, nil
}

// Actor is the authenticated caller.
type Actor struct {
	UserID string
	Role   string
}

func (a Actor) IsAdmin() bool {
	return strings.EqualFold(a.Role, RoleAdmin)
}

// CanAccess reports whether the actor owns the order or is elevated.
func (a Actor) CanAccess(o *Order) bool {
	return a.IsAdmin() || o.UserID == a.UserID
}

// CompensationResult is the outcome of one compensating action.
type CompensationResult struct {
	Step string
	Err  error
}

func (r CompensationResult) Failed() bool {
	return r.Err != nil
}
