package clients

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
	"github.com/matheusmosca/order-fulfilment-saga/internal/resilience"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestProductClientGetProduct(t *testing.T) {
	// Arrange
	var gotCorrelation, gotPath string
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotCorrelation = r.Header.Get(HeaderCorrelationID)
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"p-1","name":"Keyboard","price":10.00}`))
	})
	client := NewProductClient(Config{BaseURL: srv.URL + "/"}, nil)

	// Act
	product, err := client.GetProduct(context.Background(), "p-1", "corr-1")

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "/products/p-1", gotPath)
	assert.Equal(t, "corr-1", gotCorrelation)
	assert.True(t, product.Price.Valid)
	assert.True(t, product.Price.Decimal.Equal(decimal.NewFromInt(10)))
}

func TestProductClientClassifiesFailures(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantCode   string
	}{
		{"not found", http.StatusNotFound, `{"error":{"code":"NOT_FOUND","message":"nope"}}`, 404, apperr.CodeProductNotFound},
		{"server error", http.StatusInternalServerError, `{"message":"db down"}`, 502, apperr.CodeProductServiceError},
		{"bad body", http.StatusOK, `not-json`, 502, apperr.CodeBadProductResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			client := NewProductClient(Config{BaseURL: srv.URL}, nil)

			_, err := client.GetProduct(context.Background(), "p-1", "corr-1")

			assert.Equal(t, tt.wantStatus, apperr.HTTPStatus(err))
			assert.Equal(t, tt.wantCode, apperr.CodeOf(err))
		})
	}
}

func TestProductClientUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	client := NewProductClient(Config{BaseURL: url, Timeout: time.Second}, nil)

	_, err := client.GetProduct(context.Background(), "p-1", "corr-1")

	assert.Equal(t, apperr.CodeProductServiceUnavailable, apperr.CodeOf(err))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestProductClientNotFoundDoesNotTripBreaker(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: productService, FailureThreshold: 1, OpenDuration: time.Minute})
	client := NewProductClient(Config{BaseURL: srv.URL}, breaker)

	for i := 0; i < 3; i++ {
		_, err := client.GetProduct(context.Background(), "p-1", "corr-1")
		assert.Equal(t, apperr.CodeProductNotFound, apperr.CodeOf(err))
	}
	assert.False(t, breaker.IsOpen())
}

func TestInventoryClientSendsHeadersAndBody(t *testing.T) {
	// Arrange
	var gotKey, gotCorrelation string
	var body map[string]any
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/inventory/reserve", r.URL.Path)
		gotKey = r.Header.Get(HeaderIdempotencyKey)
		gotCorrelation = r.Header.Get(HeaderCorrelationID)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"RESERVED"}`))
	})
	client := NewInventoryClient(Config{BaseURL: srv.URL}, nil)

	// Act
	err := client.Reserve(context.Background(), InventoryRequest{
		OrderID:        "o-1",
		ProductID:      "p-1",
		Quantity:       2,
		IdempotencyKey: "key-1:inventory:reserve",
		CorrelationID:  "corr-1",
	})

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "key-1:inventory:reserve", gotKey)
	assert.Equal(t, "corr-1", gotCorrelation)
	assert.Equal(t, "o-1", body["orderId"])
	assert.Equal(t, "p-1", body["productId"])
	assert.EqualValues(t, 2, body["quantity"])
}

func TestInventoryClientOutOfStock(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"OUT_OF_STOCK","message":"insufficient stock"}}`))
	})
	client := NewInventoryClient(Config{BaseURL: srv.URL}, nil)

	err := client.Reserve(context.Background(), InventoryRequest{OrderID: "o-1"})

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusConflict, statusErr.StatusCode)
	assert.Equal(t, "OUT_OF_STOCK", statusErr.Code)
	assert.Equal(t, "insufficient stock", statusErr.Message)
}

func TestInventoryClientBreakerStopsNetworkCalls(t *testing.T) {
	// Arrange
	var hits atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	breaker := resilience.NewBreaker(resilience.BreakerConfig{Name: inventoryService, FailureThreshold: 3, OpenDuration: time.Minute})
	client := NewInventoryClient(Config{BaseURL: srv.URL}, breaker)

	// Act
	for i := 0; i < 3; i++ {
		require.Error(t, client.Release(context.Background(), InventoryRequest{OrderID: "o-1"}))
	}
	err := client.Release(context.Background(), InventoryRequest{OrderID: "o-1"})

	// Assert
	assert.ErrorIs(t, err, resilience.ErrCircuitOpen)
	assert.Equal(t, int32(3), hits.Load())
}

func TestPaymentClientPay(t *testing.T) {
	var body map[string]any
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/pay", r.URL.Path)
		assert.Equal(t, "key-1:payment:pay", r.Header.Get(HeaderIdempotencyKey))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"paymentId":"pay-row","orderId":"o-1","status":"PAID","providerRef":"pay-abc","idempotentReplay":false}`))
	})
	client := NewPaymentClient(Config{BaseURL: srv.URL}, nil)

	result, err := client.Pay(context.Background(), PayRequest{
		OrderID:        "o-1",
		UserID:         "u-1",
		Amount:         decimal.RequireFromString("20.00"),
		Currency:       "USD",
		IdempotencyKey: "key-1:payment:pay",
		CorrelationID:  "corr-1",
	})

	require.NoError(t, err)
	assert.Equal(t, "PAID", result.Status)
	assert.Equal(t, "pay-abc", result.ProviderRef)
	assert.Equal(t, "USD", body["currency"])
	assert.Equal(t, "u-1", body["userId"])
}

func TestPaymentClientDeclines(t *testing.T) {
	t.Run("provider decline", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
			_, _ = w.Write([]byte(`{"error":{"code":"PAYMENT_DECLINED","message":"Payment provider rejected transaction"}}`))
		})
		client := NewPaymentClient(Config{BaseURL: srv.URL}, nil)

		_, err := client.Pay(context.Background(), PayRequest{OrderID: "o-1"})

		assert.ErrorIs(t, err, ErrPaymentDeclined)
		assert.Contains(t, err.Error(), "Payment provider rejected transaction")
	})

	t.Run("replayed failed row", func(t *testing.T) {
		srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(`{"paymentId":"row-1","orderId":"o-1","status":"FAILED","idempotentReplay":true}`))
		})
		client := NewPaymentClient(Config{BaseURL: srv.URL}, nil)

		_, err := client.Pay(context.Background(), PayRequest{OrderID: "o-1"})

		assert.ErrorIs(t, err, ErrPaymentDeclined)
	})
}

func TestPaymentClientRefund(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/refund", r.URL.Path)
		assert.Equal(t, "key-1:payment:refund", r.Header.Get(HeaderIdempotencyKey))
		_, _ = w.Write([]byte(`{"paymentId":"row-2","orderId":"o-1","status":"REFUNDED","providerRef":"refund-abc"}`))
	})
	client := NewPaymentClient(Config{BaseURL: srv.URL}, nil)

	result, err := client.Refund(context.Background(), RefundRequest{
		OrderID:        "o-1",
		Amount:         decimal.NewFromInt(20),
		Currency:       "USD",
		IdempotencyKey: "key-1:payment:refund",
	})

	require.NoError(t, err)
	assert.Equal(t, "REFUNDED", result.Status)
}

func TestStatusErrorMessageFallbacks(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"empty", ``, "Downstream request failed"},
		{"plain text", `upstream exploded`, "upstream exploded"},
		{"string error", `{"error":"insufficient stock"}`, "insufficient stock"},
		{"top-level message", `{"message":"try later"}`, "try later"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newServer(t, func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(tt.body))
			})
			client := NewInventoryClient(Config{BaseURL: srv.URL}, nil)

			err := client.Reserve(context.Background(), InventoryRequest{})

			var statusErr *StatusError
			require.True(t, errors.As(err, &statusErr))
			assert.Equal(t, tt.want, statusErr.Message)
		})
	}
}
