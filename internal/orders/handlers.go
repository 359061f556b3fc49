package orders

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/matheusmosca/order-fulfilment-saga/internal/api"
	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
)

// UseCase is what the HTTP layer needs from the orchestrator.
type UseCase interface {
	CreateOrder(ctx context.Context, cmd CreateOrderCommand) (*CreateOrderResult, error)
	CancelOrder(ctx context.Context, cmd CancelOrderCommand) (*Order, error)
	ListOrders(ctx context.Context, actor Actor, userID string) ([]Order, error)
	GetSagaSteps(ctx context.Context, actor Actor, orderID string) ([]SagaStep, error)
	GetPendingOutbox(ctx context.Context, actor Actor, limit int) ([]OutboxEvent, error)
}

// CreateOrderRequest is the body of POST /orders.
type CreateOrderRequest struct {
	ProductID string `json:"productId" binding:"required,uuid"`
	Quantity  int    `json:"quantity"`
}

// Handler exposes the orders HTTP surface.
type Handler struct {
	useCase UseCase
}

func NewHandler(useCase UseCase) *Handler {
	return &Handler{useCase: useCase}
}

// Register mounts the routes on r.
func (h *Handler) Register(r gin.IRouter) {
	r.POST("/orders", h.CreateOrder)
	r.GET("/orders", h.ListOrders)
	r.GET("/orders/outbox/pending", h.PendingOutbox)
	r.GET("/orders/:id/saga", h.SagaSteps)
	r.PATCH("/orders/:id/cancel", h.CancelOrder)
}

func actorFrom(c *gin.Context) (Actor, error) {
	userID, role, err := api.Identity(c)
	if err != nil {
		return Actor{}, err
	}
	return Actor{UserID: userID, Role: role}, nil
}

func (h *Handler) CreateOrder(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	var req CreateOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.WriteError(c, apperr.InvalidRequest("Invalid request body: productId must be a UUID and quantity an integer"))
		return
	}

	result, err := h.useCase.CreateOrder(c.Request.Context(), CreateOrderCommand{
		Actor:          actor,
		IdempotencyKey: c.GetHeader(api.HeaderIdempotencyKey),
		CorrelationID:  api.CorrelationID(c),
		ProductID:      req.ProductID,
		Quantity:       req.Quantity,
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, result)
}

func (h *Handler) ListOrders(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	orders, err := h.useCase.ListOrders(c.Request.Context(), actor, c.Query("userId"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, orders)
}

func (h *Handler) SagaSteps(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	steps, err := h.useCase.GetSagaSteps(c.Request.Context(), actor, c.Param("id"))
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, steps)
}

func (h *Handler) CancelOrder(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	order, err := h.useCase.CancelOrder(c.Request.Context(), CancelOrderCommand{
		Actor:         actor,
		OrderID:       c.Param("id"),
		CorrelationID: api.CorrelationID(c),
	})
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) PendingOutbox(c *gin.Context) {
	actor, err := actorFrom(c)
	if err != nil {
		api.WriteError(c, err)
		return
	}

	limit := DefaultOutboxLimit
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			api.WriteError(c, apperr.InvalidRequest("limit must be an integer"))
			return
		}
		limit = parsed
	}

	events, err := h.useCase.GetPendingOutbox(c.Request.Context(), actor, limit)
	if err != nil {
		api.WriteError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}
