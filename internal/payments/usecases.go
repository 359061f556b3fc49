package payments

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/matheusmosca/order-fulfilment-saga/internal/api"
	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
	"github.com/matheusmosca/order-fulfilment-saga/internal/idempotency"
	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

// MinRefundDelay is the shortest simulated refund latency.
const MinRefundDelay = 100 * time.Millisecond

type PayCommand struct {
	OrderID        string
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	CorrelationID  string
}

type RefundCommand struct {
	OrderID        string
	PaymentID      string
	Amount         decimal.Decimal
	Currency       string
	IdempotencyKey string
	CorrelationID  string
}

// Options tune the simulated provider. Zero values fall back to defaults.
type Options struct {
	FailureProbability float64
	Delay              time.Duration
	Chaos              *resilience.Chaos
	Metrics            *Metrics
	Logger             *slog.Logger
	Now                func() time.Time
	Rand               func() float64
	Sleep              func(context.Context, time.Duration) error
}

// PaymentUseCase records charges and refunds exactly once per key.
type PaymentUseCase struct {
	repo               Repository
	failureProbability float64
	delay              time.Duration
	chaos              *resilience.Chaos
	metrics            *Metrics
	logger             *slog.Logger
	now                func() time.Time
	rand               func() float64
	sleep              func(context.Context, time.Duration) error

	payLedger    *idempotency.Ledger[*Transaction]
	refundLedger *idempotency.Ledger[*Transaction]
}

func NewPaymentUseCase(repo Repository, opts Options) *PaymentUseCase {
	uc := &PaymentUseCase{
		repo:               repo,
		failureProbability: resilience.ClampProbability(opts.FailureProbability),
		delay:              max(opts.Delay, 0),
		chaos:              opts.Chaos,
		metrics:            opts.Metrics,
		logger:             opts.Logger,
		now:                opts.Now,
		rand:               opts.Rand,
		sleep:              opts.Sleep,
		payLedger:          idempotency.NewLedger[*Transaction]("payment:pay"),
		refundLedger:       idempotency.NewLedger[*Transaction]("payment:refund"),
	}
	if uc.logger == nil {
		uc.logger = slog.Default()
	}
	if uc.now == nil {
		uc.now = func() time.Time { return time.Now().UTC() }
	}
	if uc.sleep == nil {
		uc.sleep = resilience.Sleep
	}
	return uc
}

func correlationOrNew(id string) string {
	if id = api.NormalizeCorrelationID(id); id != "" {
		return id
	}
	return uuid.NewString()
}

func validateAmount(orderID string, amount decimal.Decimal, currency string) error {
	if _, err := uuid.Parse(orderID); err != nil {
		return apperr.InvalidRequest("orderId must be a UUID")
	}
	if !amount.IsPositive() {
		return apperr.InvalidRequest("amount must be greater than 0")
	}
	if strings.TrimSpace(currency) == "" {
		return apperr.InvalidRequest("currency is required")
	}
	return nil
}

func (uc *PaymentUseCase) lookup(key string) idempotency.LookupFunc[*Transaction] {
	return func(ctx context.Context) (*Transaction, bool, error) {
		t, err := uc.repo.GetByIdempotencyKey(ctx, key)
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, false, nil
		}
		if err != nil {
			return nil, false, err
		}
		return t, true, nil
	}
}

// injectChaos maps a chaos failure to its HTTP classification.
func (uc *PaymentUseCase) injectChaos(ctx context.Context, stage, correlationID string) error {
	err := uc.chaos.Inject(ctx)
	if errors.Is(err, resilience.ErrChaosFailure) {
		uc.logger.Warn("payment.chaos.failure", "stage", stage, "correlation_id", correlationID)
		return apperr.Wrap(http.StatusInternalServerError, apperr.CodeChaosFailure, "Injected failure by chaos mode", err)
	}
	return err
}

// Pay captures a payment. A declined charge is stored as FAILED and
// reported as PAYMENT_DECLINED; replays return the stored row as is.
func (uc *PaymentUseCase) Pay(ctx context.Context, cmd PayCommand) (*Response, error) {
	ctx, span := tracer.Start(ctx, "payments.pay")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", cmd.OrderID),
		attribute.String("saga_step", StepPay),
		attribute.Bool("compensation", false),
	)

	correlationID := correlationOrNew(cmd.CorrelationID)
	key, err := idempotency.NormalizeDerivedKey(cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(cmd.OrderID, cmd.Amount, cmd.Currency); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(cmd.UserID); err != nil {
		return nil, apperr.InvalidRequest("userId must be a UUID")
	}

	create := func(ctx context.Context) (*Transaction, error) {
		if err := uc.injectChaos(ctx, "pay", correlationID); err != nil {
			return nil, err
		}
		if err := uc.sleep(ctx, uc.delay); err != nil {
			return nil, err
		}

		if resilience.Chance(uc.rand, uc.failureProbability) {
			failed := newTransaction(OperationPay, StatusFailed, cmd.OrderID, cmd.UserID, cmd.Amount, cmd.Currency, key, correlationID, uc.now())
			failed.FailureReason = DeclineReason
			if err := uc.repo.Insert(ctx, failed); err != nil {
				return nil, err
			}
			uc.metrics.Transaction(ctx, OperationPay, StatusFailed)
			uc.logger.Warn("payment.pay.failed",
				"order_id", cmd.OrderID,
				"correlation_id", correlationID,
				"reason", "provider_rejected",
			)
			return nil, apperr.BadGateway(apperr.CodePaymentDeclined, "Payment provider rejected transaction")
		}

		paid := newTransaction(OperationPay, StatusPaid, cmd.OrderID, cmd.UserID, cmd.Amount, cmd.Currency, key, correlationID, uc.now())
		paid.ProviderRef = newProviderRef("pay")
		if err := uc.repo.Insert(ctx, paid); err != nil {
			return nil, err
		}
		uc.metrics.Transaction(ctx, OperationPay, StatusPaid)
		uc.logger.Info("payment.pay.success",
			"payment_id", paid.ID,
			"order_id", paid.OrderID,
			"amount", paid.Amount.String(),
			"currency", paid.Currency,
			"correlation_id", correlationID,
		)
		return paid, nil
	}

	t, replayed, err := uc.payLedger.Do(ctx, key, uc.lookup(key), create)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if replayed {
		uc.replayed(ctx, span, OperationPay, t, correlationID)
	}
	return toResponse(t, replayed, correlationID), nil
}

// Refund refunds the charge named by PaymentID, or the latest PAID charge of
// the order.
func (uc *PaymentUseCase) Refund(ctx context.Context, cmd RefundCommand) (*Response, error) {
	ctx, span := tracer.Start(ctx, "payments.refund")
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", cmd.OrderID),
		attribute.String("saga_step", StepRefund),
		attribute.Bool("compensation", true),
	)

	correlationID := correlationOrNew(cmd.CorrelationID)
	key, err := idempotency.NormalizeDerivedKey(cmd.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if err := validateAmount(cmd.OrderID, cmd.Amount, cmd.Currency); err != nil {
		return nil, err
	}

	create := func(ctx context.Context) (*Transaction, error) {
		charge, err := uc.findCharge(ctx, cmd.OrderID, cmd.PaymentID)
		if err != nil {
			return nil, err
		}

		if err := uc.injectChaos(ctx, "refund", correlationID); err != nil {
			return nil, err
		}
		if err := uc.sleep(ctx, max(MinRefundDelay, uc.delay/2)); err != nil {
			return nil, err
		}

		refund := newTransaction(OperationRefund, StatusRefunded, cmd.OrderID, charge.UserID, cmd.Amount, cmd.Currency, key, correlationID, uc.now())
		refund.ProviderRef = newProviderRef("refund")
		if err := uc.repo.Insert(ctx, refund); err != nil {
			return nil, err
		}
		uc.metrics.Transaction(ctx, OperationRefund, StatusRefunded)
		uc.logger.Info("payment.refund.success",
			"payment_id", refund.ID,
			"order_id", refund.OrderID,
			"amount", refund.Amount.String(),
			"correlation_id", correlationID,
		)
		return refund, nil
	}

	t, replayed, err := uc.refundLedger.Do(ctx, key, uc.lookup(key), create)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if replayed {
		uc.replayed(ctx, span, OperationRefund, t, correlationID)
	}
	return toResponse(t, replayed, correlationID), nil
}

func (uc *PaymentUseCase) findCharge(ctx context.Context, orderID, paymentID string) (*Transaction, error) {
	notFound := apperr.NotFound(apperr.CodePaymentNotFound, "Paid transaction not found")

	if paymentID = strings.TrimSpace(paymentID); paymentID != "" {
		if _, err := uuid.Parse(paymentID); err != nil {
			return nil, notFound
		}
		charge, err := uc.repo.GetTransaction(ctx, paymentID)
		if errors.Is(err, ErrTransactionNotFound) {
			return nil, notFound
		}
		if err != nil {
			return nil, err
		}
		if !charge.IsPaidCharge() {
			return nil, notFound
		}
		return charge, nil
	}

	charge, err := uc.repo.LatestPaid(ctx, orderID)
	if errors.Is(err, ErrTransactionNotFound) {
		return nil, notFound
	}
	return charge, err
}

func (uc *PaymentUseCase) replayed(ctx context.Context, span trace.Span, operation string, t *Transaction, correlationID string) {
	span.SetAttributes(attribute.Bool("idempotent_replay", true))
	uc.metrics.Replay(ctx, operation)
	uc.logger.Info("payment.replayed",
		"operation", operation,
		"payment_id", t.ID,
		"order_id", t.OrderID,
		"status", t.Status,
		"correlation_id", correlationID,
	)
}

// ListByOrder returns the ledger rows of an order newest first.
func (uc *PaymentUseCase) ListByOrder(ctx context.Context, orderID string) ([]Transaction, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return nil, apperr.InvalidRequest("orderId must be a UUID")
	}
	return uc.repo.ListByOrder(ctx, orderID)
}
