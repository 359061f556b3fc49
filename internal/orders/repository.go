package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/matheusmosca/order-fulfilment-saga/internal/idempotency"
)

const uniqueViolation = "23505"

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository persists orders, their saga steps and outbox events.
type Repository interface {
	GetOrder(ctx context.Context, orderID string) (*Order, error)
	GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error)
	// CreateOrder inserts the order and its first saga step atomically.
	CreateOrder(ctx context.Context, order *Order, step *SagaStep) error
	// SaveTransition persists the order status together with an optional
	// step and an optional outbox event in one transaction. The write only
	// applies while the stored status is still from; otherwise it returns
	// ErrOrderChanged.
	SaveTransition(ctx context.Context, order *Order, from string, step *SagaStep, event *OutboxEvent) error
	AppendSagaStep(ctx context.Context, step *SagaStep) error
	ListOrders(ctx context.Context, userID string) ([]Order, error)
	ListSagaSteps(ctx context.Context, orderID string) ([]SagaStep, error)
	ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error)
	MarkOutboxPublished(ctx context.Context, eventID string, at time.Time) error
}

// OrderRepository implements Repository on PostgreSQL through pgx.
type OrderRepository struct {
	db DB
}

func NewOrderRepository(db DB) *OrderRepository {
	return &OrderRepository{db: db}
}

const orderColumns = `id, user_id, product_id, quantity, unit_price, total_amount, status,
	failure_reason, idempotency_key, cancelled_at, created_at, updated_at`

func scanOrder(row pgx.Row) (*Order, error) {
	var o Order
	err := row.Scan(&o.ID, &o.UserID, &o.ProductID, &o.Quantity, &o.UnitPrice, &o.TotalAmount, &o.Status,
		&o.FailureReason, &o.IdempotencyKey, &o.CancelledAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *OrderRepository) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return order, err
}

func (r *OrderRepository) GetOrderByIdempotencyKey(ctx context.Context, key string) (*Order, error) {
	order, err := scanOrder(r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE idempotency_key = $1`, key))
	if err != nil && !errors.Is(err, ErrOrderNotFound) {
		return nil, fmt.Errorf("failed to get order by idempotency key: %w", err)
	}
	return order, err
}

func (r *OrderRepository) CreateOrder(ctx context.Context, order *Order, step *SagaStep) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, order.ID, order.UserID, order.ProductID, order.Quantity, order.UnitPrice, order.TotalAmount, order.Status,
		order.FailureReason, order.IdempotencyKey, order.CancelledAt, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", idempotency.ErrDuplicateKey, pgErr.ConstraintName)
		}
		return fmt.Errorf("failed to insert order: %w", err)
	}

	if step != nil {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order: %w", err)
	}
	return nil
}

func (r *OrderRepository) SaveTransition(ctx context.Context, order *Order, from string, step *SagaStep, event *OutboxEvent) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE orders
		SET status = $1, failure_reason = $2, cancelled_at = $3, updated_at = $4
		WHERE id = $5 AND status = $6
	`, order.Status, order.FailureReason, order.CancelledAt, order.UpdatedAt, order.ID, from)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s is no longer %s", ErrOrderChanged, order.ID, from)
	}

	if step != nil {
		if err := insertStep(ctx, tx, step); err != nil {
			return err
		}
	}

	if event != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, status, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, event.ID, event.AggregateType, event.AggregateID, event.EventType, []byte(event.Payload), event.Status, event.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert outbox event: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit order %s: %w", order.ID, err)
	}
	return nil
}

type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func insertStep(ctx context.Context, db execer, step *SagaStep) error {
	_, err := db.Exec(ctx, `
		INSERT INTO saga_steps (id, order_id, step_name, step_status, retry_count, compensation, detail, correlation_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, step.ID, step.OrderID, step.StepName, step.StepStatus, step.RetryCount, step.Compensation,
		step.Detail, step.CorrelationID, step.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert saga step %s: %w", step.StepName, err)
	}
	return nil
}

func (r *OrderRepository) AppendSagaStep(ctx context.Context, step *SagaStep) error {
	return insertStep(ctx, r.db, step)
}

// ListOrders returns the orders of userID newest first, or every order when
// userID is empty.
func (r *OrderRepository) ListOrders(ctx context.Context, userID string) ([]Order, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if userID == "" {
		rows, err = r.db.Query(ctx, `SELECT `+orderColumns+` FROM orders ORDER BY created_at DESC`)
	} else {
		rows, err = r.db.Query(ctx, `SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	orders := []Order{}
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

func (r *OrderRepository) ListSagaSteps(ctx context.Context, orderID string) ([]SagaStep, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, order_id, step_name, step_status, retry_count, compensation, detail, correlation_id, created_at
		FROM saga_steps
		WHERE order_id = $1
		ORDER BY created_at, seq
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list saga steps: %w", err)
	}
	defer rows.Close()

	steps := []SagaStep{}
	for rows.Next() {
		var s SagaStep
		if err := rows.Scan(&s.ID, &s.OrderID, &s.StepName, &s.StepStatus, &s.RetryCount, &s.Compensation,
			&s.Detail, &s.CorrelationID, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan saga step: %w", err)
		}
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// ListPendingOutbox returns up to limit PENDING events oldest first.
func (r *OrderRepository) ListPendingOutbox(ctx context.Context, limit int) ([]OutboxEvent, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, aggregate_type, aggregate_id, event_type, payload, status, created_at, published_at
		FROM outbox_events
		WHERE status = $1
		ORDER BY created_at
		LIMIT $2
	`, OutboxPending, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending outbox events: %w", err)
	}
	defer rows.Close()

	events := []OutboxEvent{}
	for rows.Next() {
		var (
			e       OutboxEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &e.Status,
			&e.CreatedAt, &e.PublishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *OrderRepository) MarkOutboxPublished(ctx context.Context, eventID string, at time.Time) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events SET status = $1, published_at = $2
		WHERE id = $3 AND status = $4
	`, OutboxPublished, at, eventID, OutboxPending)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event %s published: %w", eventID, err)
	}
	return nil
}
