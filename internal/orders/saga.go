package orders

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
	"github.com/matheusmosca/order-fulfilment-saga/internal/clients"
	"github.com/matheusmosca/order-fulfilment-saga/internal/idempotency"
	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

const (
	dependencyInventory = "inventory"
	dependencyPayment   = "payment"

	detailCompleted = "completed"
)

// StepError is a classified failure of one saga step after its retries.
type StepError struct {
	Step string
	Err  *apperr.Error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("saga step %s failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// sagaRun tracks what one execution of the saga has completed so far.
type sagaRun struct {
	order         *Order
	actor         Actor
	correlationID string
	reserved      bool
	paid          bool
	paymentID     string
}

func dependencyOf(step string) string {
	switch step {
	case StepInventoryReserve, StepInventoryRelease:
		return dependencyInventory
	case StepPaymentPay, StepPaymentRefund:
		return dependencyPayment
	default:
		return ""
	}
}

// classifyStepError maps a step failure to the workflow taxonomy.
func classifyStepError(step string, err error) *apperr.Error {
	if appErr, ok := apperr.As(err); ok {
		return appErr
	}

	dependency := dependencyOf(step)

	var statusErr *clients.StatusError
	switch {
	case errors.Is(err, resilience.ErrChaosFailure):
		return apperr.Wrap(http.StatusInternalServerError, apperr.CodeChaosFailure, "Injected failure by CHAOS_MODE", err)
	case errors.Is(err, resilience.ErrCircuitOpen):
		return apperr.Wrap(http.StatusServiceUnavailable, apperr.CodeCircuitOpen,
			fmt.Sprintf("%s-service circuit is OPEN", dependency), err)
	case errors.Is(err, clients.ErrPaymentDeclined):
		return apperr.Wrap(http.StatusBadGateway, apperr.CodePaymentDeclined, "Payment provider rejected transaction", err)
	case errors.Is(err, clients.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return apperr.Wrap(http.StatusGatewayTimeout, apperr.CodeDownstreamTimeout, "Downstream request timeout", err)
	case errors.As(err, &statusErr):
		if statusErr.StatusCode == http.StatusConflict {
			return apperr.Wrap(http.StatusBadRequest, apperr.CodeOutOfStock, statusErr.Message, err)
		}
		code := apperr.CodeInventoryServiceError
		if dependency == dependencyPayment {
			code = apperr.CodePaymentServiceError
		}
		return apperr.Wrap(http.StatusBadGateway, code, statusErr.Message, err)
	default:
		return apperr.Wrap(http.StatusBadGateway, apperr.CodeSagaStepFailed, fmt.Sprintf("%s failed", step), err)
	}
}

// runStep executes action under the retry policy. Every attempt is recorded
// in the step ledger; chaos is applied inside each attempt.
func (uc *OrderUseCase) runStep(ctx context.Context, run *sagaRun, step string, compensation bool, action func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, strings.ToLower(step))
	defer span.End()
	span.SetAttributes(
		attribute.String("order_id", run.order.ID),
		attribute.String("saga_step", step),
		attribute.Bool("compensation", compensation),
	)

	retryCount := 0
	err := uc.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		if err := uc.chaos.Inject(ctx); err != nil {
			uc.logger.Warn("order.chaos.failure",
				"order_id", run.order.ID,
				"step", step,
				"attempt", attempt,
				"correlation_id", run.correlationID,
			)
			return err
		}
		return action(ctx)
	}, func(attempt int, err error, exhausted bool) {
		status, count, detail := StepSuccess, attempt-1, detailCompleted
		if err != nil {
			status, count, detail = StepRetryFailed, attempt, classifyStepError(step, err).Message
			if exhausted {
				status = StepFailed
			}
		}
		retryCount = count

		uc.appendStep(ctx, NewSagaStep(run.order.ID, step, status, count, compensation, detail, run.correlationID, uc.now()))
		uc.metrics.StepAttempt(ctx, step, status)

		if err != nil && !exhausted {
			uc.logger.Warn("order.saga.retry",
				"order_id", run.order.ID,
				"step", step,
				"attempt", attempt,
				"max_attempts", uc.retry.Attempts(),
				"compensation", compensation,
				"correlation_id", run.correlationID,
				"error", err,
			)
		}
	})
	span.SetAttributes(attribute.Int("retry_count", retryCount))

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StepError{Step: step, Err: classifyStepError(step, err)}
	}
	return nil
}

func (uc *OrderUseCase) appendStep(ctx context.Context, step *SagaStep) {
	if err := uc.repo.AppendSagaStep(ctx, step); err != nil {
		uc.logger.Error("order.saga.step_not_recorded",
			"order_id", step.OrderID,
			"step", step.StepName,
			"correlation_id", step.CorrelationID,
			"error", err,
		)
	}
}

func (uc *OrderUseCase) reserveInventory(ctx context.Context, run *sagaRun) error {
	return uc.runStep(ctx, run, StepInventoryReserve, false, func(ctx context.Context) error {
		return uc.inventory.Reserve(ctx, uc.inventoryRequest(run, "reserve"))
	})
}

func (uc *OrderUseCase) releaseInventory(ctx context.Context, run *sagaRun) error {
	return uc.runStep(ctx, run, StepInventoryRelease, true, func(ctx context.Context) error {
		return uc.inventory.Release(ctx, uc.inventoryRequest(run, "release"))
	})
}

func (uc *OrderUseCase) inventoryRequest(run *sagaRun, operation string) clients.InventoryRequest {
	return clients.InventoryRequest{
		OrderID:        run.order.ID,
		ProductID:      run.order.ProductID,
		Quantity:       run.order.Quantity,
		IdempotencyKey: idempotency.DeriveKey(run.order.IdempotencyKey, dependencyInventory, operation),
		CorrelationID:  run.correlationID,
	}
}

func (uc *OrderUseCase) capturePayment(ctx context.Context, run *sagaRun) error {
	return uc.runStep(ctx, run, StepPaymentPay, false, func(ctx context.Context) error {
		result, err := uc.payments.Pay(ctx, clients.PayRequest{
			OrderID:        run.order.ID,
			UserID:         run.order.UserID,
			Amount:         run.order.TotalAmount,
			Currency:       Currency,
			IdempotencyKey: idempotency.DeriveKey(run.order.IdempotencyKey, dependencyPayment, "pay"),
			CorrelationID:  run.correlationID,
		})
		if err != nil {
			return err
		}
		run.paymentID = result.PaymentID
		return nil
	})
}

func (uc *OrderUseCase) refundPayment(ctx context.Context, run *sagaRun) error {
	return uc.runStep(ctx, run, StepPaymentRefund, true, func(ctx context.Context) error {
		_, err := uc.payments.Refund(ctx, clients.RefundRequest{
			OrderID:        run.order.ID,
			PaymentID:      run.paymentID,
			Amount:         run.order.TotalAmount,
			Currency:       Currency,
			IdempotencyKey: idempotency.DeriveKey(run.order.IdempotencyKey, dependencyPayment, "refund"),
			CorrelationID:  run.correlationID,
		})
		return err
	})
}

// compensate undoes the completed steps in reverse order. Each action is
// attempted even when an earlier one failed.
func (uc *OrderUseCase) compensate(ctx context.Context, run *sagaRun) []CompensationResult {
	var results []CompensationResult
	if run.paid {
		results = append(results, CompensationResult{Step: StepPaymentRefund, Err: uc.refundPayment(ctx, run)})
	}
	if run.reserved {
		results = append(results, CompensationResult{Step: StepInventoryRelease, Err: uc.releaseInventory(ctx, run)})
	}
	return results
}

// advance moves the order to status to and stores it, guarded on the status
// this run last saw. The in-memory order is rolled back when the write fails.
func (uc *OrderUseCase) advance(ctx context.Context, run *sagaRun, to string, step *SagaStep, eventType string) (*OutboxEvent, error) {
	order := run.order
	previous := *order
	if err := order.Transition(to, uc.now()); err != nil {
		return nil, err
	}

	var event *OutboxEvent
	if eventType != "" {
		var err error
		if event, err = NewOutboxEvent(eventType, order, run.actor.UserID, run.correlationID, uc.now()); err != nil {
			*order = previous
			return nil, err
		}
	}
	if err := uc.repo.SaveTransition(ctx, order, previous.Status, step, event); err != nil {
		*order = previous
		return nil, err
	}
	return event, nil
}

// cancelledMidway re-reads the order once a step has finished and reports
// whether it was cancelled in the meantime. On true the run carries the
// stored order from then on.
func (uc *OrderUseCase) cancelledMidway(ctx context.Context, run *sagaRun) bool {
	stored, err := uc.repo.GetOrder(ctx, run.order.ID)
	if err != nil {
		uc.logger.Warn("order.saga.reload_failed",
			"order_id", run.order.ID,
			"correlation_id", run.correlationID,
			"error", err,
		)
		return false
	}
	if stored.Status != StatusCancelled {
		return false
	}
	*run.order = *stored
	return true
}

// abandon undoes what this run completed after a cancellation overtook it.
// The cancellation already stored the terminal status and its event.
func (uc *OrderUseCase) abandon(ctx context.Context, run *sagaRun) error {
	for _, result := range uc.compensate(ctx, run) {
		if result.Failed() {
			uc.logger.Error("order.compensation.failed",
				"order_id", run.order.ID,
				"step", result.Step,
				"correlation_id", run.correlationID,
				"error", result.Err,
			)
		}
	}
	uc.logger.Warn("order.saga.abandoned",
		"order_id", run.order.ID,
		"reserved", run.reserved,
		"paid", run.paid,
		"correlation_id", run.correlationID,
	)
	return nil
}

// halt ends the saga after err. A write lost to a cancellation unwinds the
// run instead of failing the order.
func (uc *OrderUseCase) halt(ctx context.Context, run *sagaRun, err error) error {
	if errors.Is(err, ErrOrderChanged) && uc.cancelledMidway(ctx, run) {
		return uc.abandon(ctx, run)
	}
	return uc.failSaga(ctx, run, err)
}

// execute drives a freshly created order to CONFIRMED, or compensates and
// marks it FAILED. A cancellation seen between steps stops it early.
func (uc *OrderUseCase) execute(ctx context.Context, run *sagaRun) error {
	order := run.order

	if err := uc.reserveInventory(ctx, run); err != nil {
		return uc.halt(ctx, run, err)
	}
	run.reserved = true
	if uc.cancelledMidway(ctx, run) {
		return uc.abandon(ctx, run)
	}

	// 1. estoque reservado
	if _, err := uc.advance(ctx, run, StatusInventoryReserved, nil, ""); err != nil {
		return uc.halt(ctx, run, err)
	}

	// 2. pronto para pagamento
	pending := NewSagaStep(order.ID, StepPaymentPending, StepSuccess, 0, false, "Ready to process payment", run.correlationID, uc.now())
	if _, err := uc.advance(ctx, run, StatusPaymentPending, pending, ""); err != nil {
		return uc.halt(ctx, run, err)
	}

	if err := uc.capturePayment(ctx, run); err != nil {
		return uc.halt(ctx, run, err)
	}
	run.paid = true
	if uc.cancelledMidway(ctx, run) {
		return uc.abandon(ctx, run)
	}

	// 3. confirmação
	confirmed := NewSagaStep(order.ID, StepOrderConfirmed, StepSuccess, 0, false, "Order confirmed", run.correlationID, uc.now())
	event, err := uc.advance(ctx, run, StatusConfirmed, confirmed, EventOrderConfirmed)
	if err != nil {
		return uc.halt(ctx, run, err)
	}

	uc.publish(ctx, event)
	uc.metrics.SagaOutcome(ctx, StatusConfirmed)
	return nil
}

// failSaga compensates, marks the order FAILED with an ORDER_FAILED event and
// returns the classified cause.
func (uc *OrderUseCase) failSaga(ctx context.Context, run *sagaRun, cause error) error {
	classified := classifySagaError(cause)
	order := run.order

	for _, result := range uc.compensate(ctx, run) {
		if result.Failed() {
			uc.logger.Error("order.compensation.failed",
				"order_id", order.ID,
				"step", result.Step,
				"correlation_id", run.correlationID,
				"error", result.Err,
			)
		}
	}

	from := order.Status
	if err := order.Fail(classified.Message, uc.now()); err != nil {
		uc.logger.Error("order.saga.failed", "order_id", order.ID, "correlation_id", run.correlationID, "error", err)
		return classified
	}

	event, err := NewOutboxEvent(EventOrderFailed, order, run.actor.UserID, run.correlationID, uc.now())
	if err == nil {
		err = uc.repo.SaveTransition(ctx, order, from, nil, event)
	}
	if err != nil {
		uc.logger.Error("order.saga.failed",
			"order_id", order.ID,
			"correlation_id", run.correlationID,
			"error", err,
		)
		return classified
	}

	uc.logger.Warn("order.saga.failed",
		"order_id", order.ID,
		"code", classified.Code,
		"reason", classified.Message,
		"correlation_id", run.correlationID,
	)
	uc.publish(ctx, event)
	uc.metrics.SagaOutcome(ctx, StatusFailed)
	return classified
}

// classifySagaError keeps classified step errors and maps anything else that
// reached the saga boundary to SAGA_FAILED.
func classifySagaError(err error) *apperr.Error {
	if appErr, ok := apperr.As(err); ok {
		return appErr
	}
	return apperr.Wrap(http.StatusBadGateway, apperr.CodeSagaFailed, "Order saga failed", err)
}
