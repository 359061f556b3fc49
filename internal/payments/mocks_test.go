package payments

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/matheusmosca/order-fulfilment-saga/internal/idempotency"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type memRepository struct {
	mu   sync.Mutex
	rows []Transaction

	insertErr error
}

func newMemRepository() *memRepository {
	return &memRepository{}
}

func (r *memRepository) find(match func(Transaction) bool) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Transaction
	for i := range r.rows {
		if match(r.rows[i]) && (found == nil || r.rows[i].CreatedAt.After(found.CreatedAt)) {
			t := r.rows[i]
			found = &t
		}
	}
	if found == nil {
		return nil, ErrTransactionNotFound
	}
	return found, nil
}

func (r *memRepository) GetTransaction(_ context.Context, id string) (*Transaction, error) {
	return r.find(func(t Transaction) bool { return t.ID == id })
}

func (r *memRepository) GetByIdempotencyKey(_ context.Context, key string) (*Transaction, error) {
	return r.find(func(t Transaction) bool { return t.IdempotencyKey == key })
}

func (r *memRepository) LatestPaid(_ context.Context, orderID string) (*Transaction, error) {
	return r.find(func(t Transaction) bool { return t.OrderID == orderID && t.IsPaidCharge() })
}

func (r *memRepository) Insert(_ context.Context, t *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.insertErr != nil {
		return r.insertErr
	}
	for _, existing := range r.rows {
		if existing.IdempotencyKey == t.IdempotencyKey {
			return idempotency.ErrDuplicateKey
		}
	}
	r.rows = append(r.rows, *t)
	return nil
}

func (r *memRepository) ListByOrder(_ context.Context, orderID string) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := []Transaction{}
	for _, t := range r.rows {
		if t.OrderID == orderID {
			rows = append(rows, t)
		}
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].CreatedAt.After(rows[j].CreatedAt) })
	return rows, nil
}

func (r *memRepository) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// tickingClock advances one second per reading.
type tickingClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *tickingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

// recordingSleep remembers requested delays without waiting.
type recordingSleep struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *recordingSleep) Sleep(ctx context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func (s *recordingSleep) recorded() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

var errStorage = errors.New("storage down")

type mockUseCase struct {
	mock.Mock
}

func (m *mockUseCase) Pay(ctx context.Context, cmd PayCommand) (*Response, error) {
	args := m.Called(ctx, cmd)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func (m *mockUseCase) Refund(ctx context.Context, cmd RefundCommand) (*Response, error) {
	args := m.Called(ctx, cmd)
	resp, _ := args.Get(0).(*Response)
	return resp, args.Error(1)
}

func (m *mockUseCase) ListByOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	args := m.Called(ctx, orderID)
	rows, _ := args.Get(0).([]Transaction)
	return rows, args.Error(1)
}
