// Package apperr holds the workflow error taxonomy shared by the services.
// Every error that reaches an HTTP boundary carries a status, a
// machine-readable code and a human message.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeInvalidRequest            = "INVALID_REQUEST"
	CodeMissingIdempotencyKey     = "MISSING_IDEMPOTENCY_KEY"
	CodeInvalidIdempotencyKey     = "INVALID_IDEMPOTENCY_KEY"
	CodeUnauthorized              = "UNAUTHORIZED"
	CodeForbidden                 = "FORBIDDEN"
	CodeIdempotencyConflict       = "IDEMPOTENCY_CONFLICT"
	CodeOrderNotFound             = "ORDER_NOT_FOUND"
	CodeProductNotFound           = "PRODUCT_NOT_FOUND"
	CodePaymentNotFound           = "PAYMENT_NOT_FOUND"
	CodeOrderAlreadyFailed        = "ORDER_ALREADY_FAILED"
	CodeOrderStateChanged         = "ORDER_STATE_CHANGED"
	CodeOutOfStock                = "OUT_OF_STOCK"
	CodeInvalidProductPrice       = "INVALID_PRODUCT_PRICE"
	CodeBadProductResponse        = "BAD_PRODUCT_RESPONSE"
	CodeProductServiceError       = "PRODUCT_SERVICE_ERROR"
	CodeProductServiceUnavailable = "PRODUCT_SERVICE_UNAVAILABLE"
	CodeInventoryServiceError     = "INVENTORY_SERVICE_ERROR"
	CodePaymentServiceError       = "PAYMENT_SERVICE_ERROR"
	CodePaymentDeclined           = "PAYMENT_DECLINED"
	CodeSagaStepFailed            = "SAGA_STEP_FAILED"
	CodeSagaFailed                = "SAGA_FAILED"
	CodePaymentRefundFailed       = "PAYMENT_REFUND_FAILED"
	CodeInventoryReleaseFailed    = "INVENTORY_RELEASE_FAILED"
	CodeDownstreamTimeout         = "DOWNSTREAM_TIMEOUT"
	CodeCircuitOpen               = "CIRCUIT_OPEN"
	CodeChaosFailure              = "CHAOS_FAILURE"
	CodeInternal                  = "INTERNAL_ERROR"
)

// Error is a classified workflow error.
type Error struct {
	Status  int
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with an explicit status.
func New(status int, code, message string) *Error {
	return &Error{Status: status, Code: code, Message: message}
}

// Wrap creates an error that keeps cause reachable through errors.Is/As.
func Wrap(status int, code, message string, cause error) *Error {
	return &Error{Status: status, Code: code, Message: message, Err: cause}
}

func Validation(code, message string) *Error {
	return New(http.StatusBadRequest, code, message)
}

func InvalidRequest(message string) *Error {
	return New(http.StatusBadRequest, CodeInvalidRequest, message)
}

func Unauthorized(message string) *Error {
	return New(http.StatusUnauthorized, CodeUnauthorized, message)
}

func Forbidden(message string) *Error {
	return New(http.StatusForbidden, CodeForbidden, message)
}

func Conflict(code, message string) *Error {
	return New(http.StatusConflict, code, message)
}

func NotFound(code, message string) *Error {
	return New(http.StatusNotFound, code, message)
}

func BadGateway(code, message string) *Error {
	return New(http.StatusBadGateway, code, message)
}

func Timeout(code, message string) *Error {
	return New(http.StatusGatewayTimeout, code, message)
}

func Unavailable(code, message string) *Error {
	return New(http.StatusServiceUnavailable, code, message)
}

func Internal(code, message string) *Error {
	return New(http.StatusInternalServerError, code, message)
}

// As returns the classified error in err's chain, if any.
func As(err error) (*Error, bool) {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HTTPStatus maps err to the status a handler should answer with.
func HTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}
	if appErr, ok := As(err); ok {
		return appErr.Status
	}
	return http.StatusInternalServerError
}

// CodeOf returns the machine-readable code of err.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Code
	}
	return CodeInternal
}

// MessageOf returns the human message of err, hiding unclassified details.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	if appErr, ok := As(err); ok {
		return appErr.Message
	}
	return "Internal server error"
}
