// Package clients wraps the downstream HTTP dependencies of the order saga.
package clients

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

const (
	HeaderCorrelationID  = "X-Correlation-Id"
	HeaderIdempotencyKey = "Idempotency-Key"

	DefaultTimeout = 5 * time.Second
)

var (
	// ErrUnavailable wraps transport failures: refused connections, resets and timeouts.
	ErrUnavailable = errors.New("downstream unavailable")
	// ErrPaymentDeclined marks a PAY the provider did not accept.
	ErrPaymentDeclined = errors.New("payment declined")

	errBadBody = errors.New("unreadable response body")
)

// StatusError is a non-2xx answer from a dependency.
type StatusError struct {
	Service    string
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned %d: %s", e.Service, e.StatusCode, e.Message)
}

// Config configures one downstream client.
type Config struct {
	BaseURL   string
	Timeout   time.Duration
	Transport http.RoundTripper
}

func newRestyClient(cfg Config) *resty.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(timeout).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")
	if cfg.Transport != nil {
		client.SetTransport(cfg.Transport)
	}
	return client
}

func newRequest(ctx context.Context, client *resty.Client, correlationID, idempotencyKey string) *resty.Request {
	req := client.R().SetContext(ctx).SetHeader(HeaderCorrelationID, correlationID)
	if idempotencyKey != "" {
		req.SetHeader(HeaderIdempotencyKey, idempotencyKey)
	}
	return req
}

// send executes req and turns transport failures and non-2xx answers into errors.
func send(req *resty.Request, service, method, path string) (*resty.Response, error) {
	resp, err := req.Execute(method, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s %s: %v", ErrUnavailable, service, method, path, err)
	}
	if resp.IsError() {
		return resp, newStatusError(service, resp)
	}
	return resp, nil
}

func decodeJSON(resp *resty.Response, out any) error {
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: %v", errBadBody, err)
	}
	return nil
}

type errorBody struct {
	Error   json.RawMessage `json:"error"`
	Message string          `json:"message"`
}

type errorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func newStatusError(service string, resp *resty.Response) *StatusError {
	statusErr := &StatusError{
		Service:    service,
		StatusCode: resp.StatusCode(),
		Message:    "Downstream request failed",
	}

	raw := strings.TrimSpace(resp.String())
	if raw == "" {
		return statusErr
	}

	var body errorBody
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
		statusErr.Message = raw
		return statusErr
	}

	if len(body.Error) > 0 {
		var detail errorDetail
		if err := json.Unmarshal(body.Error, &detail); err == nil && detail.Message != "" {
			statusErr.Code = detail.Code
			statusErr.Message = detail.Message
			return statusErr
		}
		var text string
		if err := json.Unmarshal(body.Error, &text); err == nil && text != "" {
			statusErr.Message = text
			return statusErr
		}
	}
	if body.Message != "" {
		statusErr.Message = body.Message
		return statusErr
	}

	statusErr.Message = raw
	return statusErr
}
