package clients

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

const productService = "product-service"

// Product is the pricing view of a catalog product.
type Product struct {
	ID    string              `json:"id"`
	Name  string              `json:"name,omitempty"`
	Price decimal.NullDecimal `json:"price"`
}

// ProductClient looks up current unit prices.
type ProductClient struct {
	client  *resty.Client
	breaker *resilience.Breaker
}

// NewProductClient creates a product client. 404 answers are not breaker failures.
func NewProductClient(cfg Config, breaker *resilience.Breaker) *ProductClient {
	return &ProductClient{
		client:  newRestyClient(cfg),
		breaker: breaker,
	}
}

// GetProduct returns the product with its quoted price. Errors are already
// classified for the HTTP boundary.
func (c *ProductClient) GetProduct(ctx context.Context, productID, correlationID string) (*Product, error) {
	var product Product
	notFound := false

	err := c.breaker.Execute(ctx, func(ctx context.Context) error {
		resp, err := send(
			newRequest(ctx, c.client, correlationID, "").SetPathParam("id", productID),
			productService, http.MethodGet, "/products/{id}",
		)
		if err != nil {
			var statusErr *StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
				notFound = true
				return nil
			}
			return err
		}
		return decodeJSON(resp, &product)
	})

	switch {
	case err == nil && notFound:
		return nil, apperr.NotFound(apperr.CodeProductNotFound, "Product not found")
	case err == nil:
		return &product, nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return nil, apperr.Wrap(http.StatusServiceUnavailable, apperr.CodeCircuitOpen, err.Error(), err)
	case errors.Is(err, ErrUnavailable):
		return nil, apperr.Wrap(http.StatusBadGateway, apperr.CodeProductServiceUnavailable, "Product service unavailable", err)
	case errors.Is(err, errBadBody):
		return nil, apperr.Wrap(http.StatusBadGateway, apperr.CodeBadProductResponse, "Invalid response from product-service", err)
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return nil, apperr.Wrap(http.StatusBadGateway, apperr.CodeProductServiceError, statusErr.Message, err)
	}
	return nil, apperr.Wrap(http.StatusBadGateway, apperr.CodeProductServiceError, "Product-service returned error", err)
}
