package orders

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/matheusmosca/order-fulfilment-saga/internal/clients"
	"github.com/matheusmosca/order-fulfilment-saga/internal/idempotency"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// memRepository keeps orders, steps and outbox events in memory.
type memRepository struct {
	mu     sync.Mutex
	orders map[string]Order
	steps  []SagaStep
	events []OutboxEvent

	failTransitionTo string
	// beforeTransition runs ahead of every SaveTransition, outside the lock.
	beforeTransition func(order *Order)
}

func newMemRepository() *memRepository {
	return &memRepository{orders: map[string]Order{}}
}

func (r *memRepository) GetOrder(_ context.Context, orderID string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok {
		return nil, ErrOrderNotFound
	}
	return &order, nil
}

func (r *memRepository) GetOrderByIdempotencyKey(_ context.Context, key string) (*Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.IdempotencyKey == key {
			o := order
			return &o, nil
		}
	}
	return nil, ErrOrderNotFound
}

func (r *memRepository) CreateOrder(_ context.Context, order *Order, step *SagaStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.orders {
		if existing.IdempotencyKey == order.IdempotencyKey {
			return idempotency.ErrDuplicateKey
		}
	}
	r.orders[order.ID] = *order
	if step != nil {
		r.steps = append(r.steps, *step)
	}
	return nil
}

func (r *memRepository) SaveTransition(_ context.Context, order *Order, from string, step *SagaStep, event *OutboxEvent) error {
	if r.beforeTransition != nil {
		r.beforeTransition(order)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.orders[order.ID]
	if !ok || stored.Status != from {
		return ErrOrderChanged
	}
	if r.failTransitionTo != "" && order.Status == r.failTransitionTo {
		return context.DeadlineExceeded
	}
	r.orders[order.ID] = *order
	if step != nil {
		r.steps = append(r.steps, *step)
	}
	if event != nil {
		r.events = append(r.events, *event)
	}
	return nil
}

func (r *memRepository) AppendSagaStep(_ context.Context, step *SagaStep) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, *step)
	return nil
}

func (r *memRepository) ListOrders(_ context.Context, userID string) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	orders := []Order{}
	for _, order := range r.orders {
		if userID == "" || order.UserID == userID {
			orders = append(orders, order)
		}
	}
	sort.Slice(orders, func(i, j int) bool { return orders[i].CreatedAt.After(orders[j].CreatedAt) })
	return orders, nil
}

func (r *memRepository) ListSagaSteps(_ context.Context, orderID string) ([]SagaStep, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	steps := []SagaStep{}
	for _, step := range r.steps {
		if step.OrderID == orderID {
			steps = append(steps, step)
		}
	}
	return steps, nil
}

func (r *memRepository) ListPendingOutbox(_ context.Context, limit int) ([]OutboxEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := []OutboxEvent{}
	for _, event := range r.events {
		if event.Status == OutboxPending && len(events) < limit {
			events = append(events, event)
		}
	}
	return events, nil
}

func (r *memRepository) MarkOutboxPublished(_ context.Context, eventID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.events {
		if r.events[i].ID == eventID {
			r.events[i].Status = OutboxPublished
			r.events[i].PublishedAt = &at
		}
	}
	return nil
}

func (r *memRepository) stepsOf(orderID string) []SagaStep {
	steps, _ := r.ListSagaSteps(context.Background(), orderID)
	return steps
}

func (r *memRepository) eventsOf(orderID string) []OutboxEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var events []OutboxEvent
	for _, event := range r.events {
		if event.AggregateID == orderID {
			events = append(events, event)
		}
	}
	return events
}

func (r *memRepository) statusOf(orderID string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[orderID].Status
}

func (r *memRepository) seed(order Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.orders[order.ID] = order
}

type mockCatalog struct {
	mock.Mock
}

func (m *mockCatalog) GetProduct(_ context.Context, productID, correlationID string) (*clients.Product, error) {
	args := m.Called(productID, correlationID)
	product, _ := args.Get(0).(*clients.Product)
	return product, args.Error(1)
}

type mockInventory struct {
	mock.Mock
}

func (m *mockInventory) Reserve(_ context.Context, req clients.InventoryRequest) error {
	return m.Called(req).Error(0)
}

func (m *mockInventory) Release(_ context.Context, req clients.InventoryRequest) error {
	return m.Called(req).Error(0)
}

type mockPayments struct {
	mock.Mock
}

func (m *mockPayments) Pay(_ context.Context, req clients.PayRequest) (*clients.PaymentResult, error) {
	args := m.Called(req)
	result, _ := args.Get(0).(*clients.PaymentResult)
	return result, args.Error(1)
}

func (m *mockPayments) Refund(_ context.Context, req clients.RefundRequest) (*clients.PaymentResult, error) {
	args := m.Called(req)
	result, _ := args.Get(0).(*clients.PaymentResult)
	return result, args.Error(1)
}

// recordingPublisher remembers every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []OutboxEvent
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, event *OutboxEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, *event)
	return p.err
}

func (p *recordingPublisher) published() []OutboxEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]OutboxEvent(nil), p.events...)
}

// mockUseCase backs the handler tests.
type mockUseCase struct {
	mock.Mock
}

func (m *mockUseCase) CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*CreateOrderResult, error) {
	args := m.Called(ctx, cmd)
	result, _ := args.Get(0).(*CreateOrderResult)
	return result, args.Error(1)
}

func (m *mockUseCase) CancelOrder(ctx context.Context, cmd CancelOrderCommand) (*Order, error) {
	args := m.Called(ctx, cmd)
	order, _ := args.Get(0).(*Order)
	return order, args.Error(1)
}

func (m *mockUseCase) ListOrders(ctx context.Context, actor Actor, userID string) ([]Order, error) {
	args := m.Called(ctx, actor, userID)
	orders, _ := args.Get(0).([]Order)
	return orders, args.Error(1)
}

func (m *mockUseCase) GetSagaSteps(ctx context.Context, actor Actor, orderID string) ([]SagaStep, error) {
	args := m.Called(ctx, actor, orderID)
	steps, _ := args.Get(0).([]SagaStep)
	return steps, args.Error(1)
}

func (m *mockUseCase) GetPendingOutbox(ctx context.Context, actor Actor, limit int) ([]OutboxEvent, error) {
	args := m.Called(ctx, actor, limit)
	events, _ := args.Get(0).([]OutboxEvent)
	return events, args.Error(1)
}
