package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/matheusmosca/order-fulfilment-saga/internal/api"
	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
	"github.com/matheusmosca/order-fulfilment-saga/internal/clients"
	"github.com/matheusmosca/order-fulfilment-saga/internal/idempotency"
	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

// Currency of every order amount.
const Currency = "USD"

const (
	DefaultOutboxLimit = 20
	MaxOutboxLimit     = 100
)

// ProductCatalog quotes product prices.
type ProductCatalog interface {
	GetProduct(ctx context.Context, productID, correlationID string) (*clients.Product, error)
}

// InventoryService reserves and releases stock.
type InventoryService interface {
	Reserve(ctx context.Context, req clients.InventoryRequest) error
	Release(ctx context.Context, req clients.InventoryRequest) error
}

// PaymentService captures and refunds payments.
type PaymentService interface {
	Pay(ctx context.Context, req clients.PayRequest) (*clients.PaymentResult, error)
	Refund(ctx context.Context, req clients.RefundRequest) (*clients.PaymentResult, error)
}

// EventPublisher makes a best-effort attempt to publish a committed event.
type EventPublisher interface {
	Publish(ctx context.Context, event *OutboxEvent) error
}

type CreateOrderCommand struct {
	Actor          Actor
	IdempotencyKey string
	CorrelationID  string
	ProductID      string
	Quantity       int
}

type CreateOrderResult struct {
	Order         *Order     `json:"order"`
	Replayed      bool       `json:"idempotentReplay"`
	CorrelationID string     `json:"correlationId"`
	Steps         []SagaStep `json:"sagaSteps"`
}

type CancelOrderCommand struct {
	Actor         Actor
	OrderID       string
	CorrelationID string
}

// Options tune the orchestrator. Zero values fall back to defaults.
type Options struct {
	Retry   resilience.RetryPolicy
	Chaos   *resilience.Chaos
	Metrics *Metrics
	Logger  *slog.Logger
	Now     func() time.Time
}

// OrderUseCase orchestrates the order saga.
type OrderUseCase struct {
	repo      Repository
	catalog   ProductCatalog
	inventory InventoryService
	payments  PaymentService
	publisher EventPublisher

	retry   resilience.RetryPolicy
	chaos   *resilience.Chaos
	metrics *Metrics
	logger  *slog.Logger
	now     func() time.Time
	ledger  *idempotency.Ledger[*Order]
}

func NewOrderUseCase(repo Repository, catalog ProductCatalog, inventory InventoryService, payments PaymentService, publisher EventPublisher, opts Options) *OrderUseCase {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &OrderUseCase{
		repo:      repo,
		catalog:   catalog,
		inventory: inventory,
		payments:  payments,
		publisher: publisher,
		retry:     opts.Retry,
		chaos:     opts.Chaos,
		metrics:   opts.Metrics,
		logger:    logger,
		now:       now,
		ledger:    idempotency.NewLedger[*Order]("order"),
	}
}

func requireActor(actor Actor) error {
	if strings.TrimSpace(actor.UserID) == "" || strings.TrimSpace(actor.Role) == "" {
		return apperr.Unauthorized("Missing authenticated user headers")
	}
	return nil
}

// isUUID accepts only the canonical 36-character form.
func isUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil && len(s) == 36
}

func correlationOrNew(id string) string {
	if id = api.NormalizeCorrelationID(id); id != "" {
		return id
	}
	return uuid.NewString()
}

// CreateOrder creates the order and runs its saga, or replays the order
// already stored under the idempotency key.
func (uc *OrderUseCase) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*CreateOrderResult, error) {
	ctx, span := tracer.Start(ctx, "orders.create")
	defer span.End()

	if err := requireActor(cmd.Actor); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cmd.ProductID) == "" {
		return nil, apperr.InvalidRequest("productId is required")
	}
	if cmd.Quantity <= 0 {
		return nil, apperr.InvalidRequest("quantity must be greater than zero")
	}
	key, err := idempotency.NormalizeKey(cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	correlationID := correlationOrNew(cmd.CorrelationID)
	span.SetAttributes(
		attribute.String("user_id", cmd.Actor.UserID),
		attribute.String("product_id", cmd.ProductID),
		attribute.Int("quantity", cmd.Quantity),
		attribute.String("correlation_id", correlationID),
	)

	// The saga must finish even if the caller goes away.
	sagaCtx := context.WithoutCancel(ctx)

	lookup := func(ctx context.Context) (*Order, bool, error) {
		order, err := uc.repo.GetOrderByIdempotencyKey(ctx, key)
		if errors.Is(err, ErrOrderNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return order, true, nil
	}

	create := func(ctx context.Context) (*Order, error) {
		product, err := uc.catalog.GetProduct(ctx, cmd.ProductID, correlationID)
		if err != nil {
			return nil, err
		}
		if !product.Price.Valid || !product.Price.Decimal.IsPositive() {
			return nil, apperr.BadGateway(apperr.CodeInvalidProductPrice, "Product price is missing or invalid")
		}

		order := NewOrder(cmd.Actor.UserID, cmd.ProductID, cmd.Quantity, product.Price.Decimal, key, uc.now())
		initial := NewSagaStep(order.ID, StepOrderCreated, StepSuccess, 0, false, "Order initialized", correlationID, uc.now())
		if err := uc.repo.CreateOrder(ctx, order, initial); err != nil {
			return nil, err
		}
		span.SetAttributes(attribute.String("order_id", order.ID))

		run := &sagaRun{order: order, actor: cmd.Actor, correlationID: correlationID}
		if err := uc.execute(ctx, run); err != nil {
			return nil, err
		}
		return order, nil
	}

	order, replayed, err := uc.ledger.Do(sagaCtx, key, lookup, create)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	if replayed {
		if order.UserID != cmd.Actor.UserID {
			return nil, apperr.Forbidden("Idempotency-Key belongs to another user")
		}
		if !order.Matches(cmd.ProductID, cmd.Quantity) {
			return nil, apperr.Conflict(apperr.CodeIdempotencyConflict,
				"Idempotency-Key was already used with a different request payload")
		}
		uc.logger.Info("order.replayed", "order_id", order.ID, "correlation_id", correlationID)
	}

	steps, err := uc.repo.ListSagaSteps(sagaCtx, order.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load saga steps: %w", err)
	}

	return &CreateOrderResult{
		Order:         order,
		Replayed:      replayed,
		CorrelationID: correlationID,
		Steps:         steps,
	}, nil
}

// CancelOrder compensates whatever the order holds and marks it CANCELLED.
// Compensation failures are returned to the caller.
func (uc *OrderUseCase) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (*Order, error) {
	ctx, span := tracer.Start(ctx, "orders.cancel")
	defer span.End()
	span.SetAttributes(attribute.String("order_id", cmd.OrderID))

	if err := requireActor(cmd.Actor); err != nil {
		return nil, err
	}
	ctx = context.WithoutCancel(ctx)
	correlationID := correlationOrNew(cmd.CorrelationID)

	order, err := uc.getOrder(ctx, cmd.OrderID)
	if err != nil {
		return nil, err
	}
	if !cmd.Actor.CanAccess(order) {
		return nil, apperr.Forbidden("You can only cancel your own orders")
	}

	switch order.Status {
	case StatusCancelled:
		return order, nil
	case StatusFailed:
		return nil, apperr.Validation(apperr.CodeOrderAlreadyFailed, "Failed orders cannot be cancelled")
	}

	run := &sagaRun{
		order:         order,
		actor:         cmd.Actor,
		correlationID: correlationID,
		paid:          order.Status == StatusConfirmed || order.Status == StatusPaymentPending,
		reserved:      order.Status != StatusCreated,
	}

	if run.paid {
		if err := uc.refundPayment(ctx, run); err != nil {
			return nil, apperr.Wrap(http.StatusBadGateway, apperr.CodePaymentRefundFailed,
				"Payment refund failed: "+apperr.MessageOf(err), err)
		}
	}
	if run.reserved {
		if err := uc.releaseInventory(ctx, run); err != nil {
			return nil, apperr.Wrap(http.StatusBadGateway, apperr.CodeInventoryReleaseFailed,
				"Inventory release failed: "+apperr.MessageOf(err), err)
		}
	}

	from := order.Status
	if err := order.Cancel(uc.now()); err != nil {
		return nil, fmt.Errorf("failed to cancel order %s: %w", order.ID, err)
	}
	step := NewSagaStep(order.ID, StepOrderCancelled, StepSuccess, 0, false, "Order cancelled by user", correlationID, uc.now())
	event, err := NewOutboxEvent(EventOrderCancelled, order, cmd.Actor.UserID, correlationID, uc.now())
	if err != nil {
		return nil, err
	}
	if err := uc.repo.SaveTransition(ctx, order, from, step, event); err != nil {
		if errors.Is(err, ErrOrderChanged) {
			return nil, apperr.Wrap(http.StatusConflict, apperr.CodeOrderStateChanged,
				"Order changed while it was being cancelled, retry the request", err)
		}
		return nil, fmt.Errorf("failed to save cancelled order: %w", err)
	}

	uc.logger.Info("order.cancelled", "order_id", order.ID, "actor_user_id", cmd.Actor.UserID, "correlation_id", correlationID)
	uc.publish(ctx, event)
	uc.metrics.SagaOutcome(ctx, StatusCancelled)
	return order, nil
}

// ListOrders returns the caller's orders. Admins may filter by userID or
// list every order.
func (uc *OrderUseCase) ListOrders(ctx context.Context, actor Actor, userID string) ([]Order, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	userID = strings.TrimSpace(userID)
	if !actor.IsAdmin() {
		userID = actor.UserID
	}
	if userID != "" && !isUUID(userID) {
		return nil, apperr.InvalidRequest("userId must be a valid UUID")
	}
	return uc.repo.ListOrders(ctx, userID)
}

// GetSagaSteps returns the step ledger of an order oldest first.
func (uc *OrderUseCase) GetSagaSteps(ctx context.Context, actor Actor, orderID string) ([]SagaStep, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	order, err := uc.getOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if !actor.CanAccess(order) {
		return nil, apperr.Forbidden("You can only view saga steps for your own orders")
	}
	return uc.repo.ListSagaSteps(ctx, orderID)
}

// GetPendingOutbox returns up to limit unpublished events, clamped to [1,100].
func (uc *OrderUseCase) GetPendingOutbox(ctx context.Context, actor Actor, limit int) ([]OutboxEvent, error) {
	if err := requireActor(actor); err != nil {
		return nil, err
	}
	if !actor.IsAdmin() {
		return nil, apperr.Forbidden("Only ADMIN can view pending outbox events")
	}
	return uc.repo.ListPendingOutbox(ctx, ClampOutboxLimit(limit))
}

// ClampOutboxLimit bounds a requested page size to [1, MaxOutboxLimit].
func ClampOutboxLimit(limit int) int {
	switch {
	case limit < 1:
		return 1
	case limit > MaxOutboxLimit:
		return MaxOutboxLimit
	default:
		return limit
	}
}

func (uc *OrderUseCase) getOrder(ctx context.Context, orderID string) (*Order, error) {
	if !isUUID(orderID) {
		return nil, apperr.NotFound(apperr.CodeOrderNotFound, "Order not found")
	}
	order, err := uc.repo.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		return nil, apperr.NotFound(apperr.CodeOrderNotFound, "Order not found")
	}
	return order, err
}

// publish hands a committed event to the publisher. Failures leave the row
// PENDING for the relay.
func (uc *OrderUseCase) publish(ctx context.Context, event *OutboxEvent) {
	if uc.publisher == nil {
		return
	}
	_ = uc.publisher.Publish(ctx, event)
}
