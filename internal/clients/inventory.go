package clients

import (
	"context"
	"net/http"

	"github.com/go-resty/resty/v2"

	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

const inventoryService = "inventory-service"

// InventoryRequest reserves or releases stock for one order.
type InventoryRequest struct {
	OrderID        string
	ProductID      string
	Quantity       int
	IdempotencyKey string
	CorrelationID  string
}

type inventoryPayload struct {
	OrderID   string `json:"orderId"`
	ProductID string `json:"productId"`
	Quantity  int    `json:"quantity"`
}

// InventoryClient calls the inventory service through its circuit breaker.
type InventoryClient struct {
	client  *resty.Client
	breaker *resilience.Breaker
}

func NewInventoryClient(cfg Config, breaker *resilience.Breaker) *InventoryClient {
	return &InventoryClient{
		client:  newRestyClient(cfg),
		breaker: breaker,
	}
}

// Reserve holds stock for the order. A 409 answer means out of stock.
func (c *InventoryClient) Reserve(ctx context.Context, req InventoryRequest) error {
	return c.post(ctx, "/inventory/reserve", req)
}

// Release returns previously reserved stock.
func (c *InventoryClient) Release(ctx context.Context, req InventoryRequest) error {
	return c.post(ctx, "/inventory/release", req)
}

func (c *InventoryClient) post(ctx context.Context, path string, req InventoryRequest) error {
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		_, err := send(
			newRequest(ctx, c.client, req.CorrelationID, req.IdempotencyKey).SetBody(inventoryPayload{
				OrderID:   req.OrderID,
				ProductID: req.ProductID,
				Quantity:  req.Quantity,
			}),
			inventoryService, http.MethodPost, path,
		)
		return err
	})
}
