package payments

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/order-fulfilment-saga/internal/api"
	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
)

// UseCase is what the HTTP layer needs from the ledger.
type UseCase interface {
	Pay(ctx context.Context, cmd PayCommand) (*Response, error)
	Refund(ctx context.Context, cmd RefundCommand) (*Response, error)
	ListByOrder(ctx context.Context, orderID string) ([]Transaction, error)
}

type PayRequest struct {
	OrderID        string          `json:"orderId" binding:"required"`
	UserID         string          `json:"userId" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" binding:"required"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type RefundRequest struct {
	OrderID        string          `json:"orderId" binding:"required"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency" binding:"required"`
	PaymentID      string          `json:"paymentId"`
	IdempotencyKey string          `json:"idempotencyKey"`
}

type Handler struct {
	useCase UseCase
}

func NewHandler(useCase UseCase) *Handler {
	return &Handler{useCase: useCase}
}

func (h *Handler) Register(r gin.IRouter) {
	r.POST("/payments/pay", h.Pay)
	r.POST("/payments/refund", h.Refund)
	r.GET("/payments/order/:orderId", h.ListByOrder)
	r.GET("/payments/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// idempotencyKey prefers the header over the body field.
func idempotencyKey(c *gin.Context, body string) string {
	if key := strings.TrimSpace(c.GetHeader(api.HeaderIdempotencyKey)); key != "" {
		return key
	}
	return body
}

func (h *Handler) Pay(c *gin.Context) {
	var req PayRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.WriteError(c, apperr.InvalidRequest("Invalid request body: orderId, userId, amount and currency are required"))
		return
	}

	resp, err := h.useCase.Pay(c.Request.Context(), PayCommand{
		OrderID:        req.OrderID,
		UserID:         req.UserID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		CorrelationID:  api.CorrelationID(c),
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) Refund(c *gin.Context) {
	var req RefundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.WriteError(c, apperr.InvalidRequest("Invalid request body: orderId, amount and currency are required"))
		return
	}

	resp, err := h.useCase.Refund(c.Request.Context(), RefundCommand{
		OrderID:        req.OrderID,
		PaymentID:      req.PaymentID,
		Amount:         req.Amount,
		Currency:       req.Currency,
		IdempotencyKey: idempotencyKey(c, req.IdempotencyKey),
		CorrelationID:  api.CorrelationID(c),
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) ListByOrder(c *gin.Context) {
	transactions, err := h.useCase.ListByOrder(c.Request.Context(), c.Param("orderId"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, transactions)
}
