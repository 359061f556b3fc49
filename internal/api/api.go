// Package api holds the gin middleware and response helpers shared by the
// orders and payments HTTP surfaces.
package api

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
)

const (
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderUserID         = "X-User-Id"
	HeaderUserRole       = "X-User-Role"
	HeaderIdempotencyKey = "Idempotency-Key"

	correlationKey = "correlation_id"
)

// MaxCorrelationIDLength is the longest correlation id kept as sent. Longer
// ones are replaced with a generated id.
const MaxCorrelationIDLength = 128

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error         ErrorDetail `json:"error"`
	CorrelationID string      `json:"correlationId,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Correlation reads X-Correlation-Id, generating one when absent or too long,
// and echoes it on the response.
func Correlation() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := NormalizeCorrelationID(c.GetHeader(HeaderCorrelationID))
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(correlationKey, id)
		c.Header(HeaderCorrelationID, id)
		c.Next()
	}
}

// NormalizeCorrelationID trims id and drops it when it exceeds
// MaxCorrelationIDLength.
func NormalizeCorrelationID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) > MaxCorrelationIDLength {
		return ""
	}
	return id
}

// CorrelationID returns the id stored by Correlation.
func CorrelationID(c *gin.Context) string {
	return c.GetString(correlationKey)
}

// AccessLog logs one line per request.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("http.request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
			"correlation_id", CorrelationID(c),
		)
	}
}

// WriteError renders err with its classified status. Unclassified errors
// become 500 INTERNAL_ERROR without leaking their text.
func WriteError(c *gin.Context, err error) {
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), ErrorBody{
		Error: ErrorDetail{
			Code:    apperr.CodeOf(err),
			Message: apperr.MessageOf(err),
		},
		CorrelationID: CorrelationID(c),
	})
}

// Identity returns the authenticated user id and role set by the gateway.
func Identity(c *gin.Context) (userID, role string, err error) {
	userID = strings.TrimSpace(c.GetHeader(HeaderUserID))
	role = strings.TrimSpace(c.GetHeader(HeaderUserRole))

	if userID == "" || role == "" {
		return "", "", apperr.Unauthorized("Missing authenticated user headers")
	}
	if _, perr := uuid.Parse(userID); perr != nil {
		return "", "", apperr.Unauthorized("Invalid X-User-Id header")
	}
	return userID, role, nil
}

// Health answers liveness probes.
func Health(service string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": service})
	}
}
