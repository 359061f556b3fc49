package payments

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/matheusmosca/order-fulfilment-saga/internal/idempotency"
)

const uniqueViolation = "23505"

// DB is the subset of *sql.DB used by the repository.
type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Repository stores ledger rows.
type Repository interface {
	GetTransaction(ctx context.Context, id string) (*Transaction, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error)
	// LatestPaid returns the most recent PAID charge of an order.
	LatestPaid(ctx context.Context, orderID string) (*Transaction, error)
	Insert(ctx context.Context, t *Transaction) error
	ListByOrder(ctx context.Context, orderID string) ([]Transaction, error)
}

// TransactionRepository implements Repository with database/sql and lib/pq.
type TransactionRepository struct {
	db DB
}

func NewTransactionRepository(db DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

const transactionColumns = `id, order_id, user_id, amount, currency, operation_type, status,
	provider_ref, idempotency_key, correlation_id, failure_reason, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row scanner) (*Transaction, error) {
	var (
		t                                          Transaction
		userID, providerRef, correlationID, reason sql.NullString
	)
	err := row.Scan(&t.ID, &t.OrderID, &userID, &t.Amount, &t.Currency, &t.OperationType, &t.Status,
		&providerRef, &t.IdempotencyKey, &correlationID, &reason, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	t.UserID = userID.String
	t.ProviderRef = providerRef.String
	t.CorrelationID = correlationID.String
	t.FailureReason = reason.String
	return &t, nil
}

func (r *TransactionRepository) getOne(ctx context.Context, query string, args ...any) (*Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, query, args...))
	if err != nil && !errors.Is(err, ErrTransactionNotFound) {
		return nil, fmt.Errorf("failed to read payment transaction: %w", err)
	}
	return t, err
}

func (r *TransactionRepository) GetTransaction(ctx context.Context, id string) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE id = $1`, id)
}

func (r *TransactionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM payment_transactions WHERE idempotency_key = $1`, key)
}

func (r *TransactionRepository) LatestPaid(ctx context.Context, orderID string) (*Transaction, error) {
	return r.getOne(ctx, `SELECT `+transactionColumns+` FROM payment_transactions
		WHERE order_id = $1 AND operation_type = $2 AND status = $3
		ORDER BY created_at DESC LIMIT 1`, orderID, OperationPay, StatusPaid)
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// Insert adds a row. A second row with the same idempotency key fails with
// idempotency.ErrDuplicateKey.
func (r *TransactionRepository) Insert(ctx context.Context, t *Transaction) error {
	_, err := r.db.ExecContext(ctx, `INSERT INTO payment_transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.OrderID, nullable(t.UserID), t.Amount, t.Currency, t.OperationType, t.Status,
		nullable(t.ProviderRef), t.IdempotencyKey, nullable(t.CorrelationID), nullable(t.FailureReason),
		t.CreatedAt, t.UpdatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", idempotency.ErrDuplicateKey, t.IdempotencyKey)
		}
		return fmt.Errorf("failed to insert payment transaction: %w", err)
	}
	return nil
}

// ListByOrder returns the order's rows newest first.
func (r *TransactionRepository) ListByOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+transactionColumns+` FROM payment_transactions
		WHERE order_id = $1 ORDER BY created_at DESC`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment transactions: %w", err)
	}
	defer rows.Close()

	transactions := []Transaction{}
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan payment transaction: %w", err)
		}
		transactions = append(transactions, *t)
	}
	return transactions, rows.Err()
}
