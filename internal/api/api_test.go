package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matheusmosca/order-fulfilment-saga/internal/apperr"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newRouter(logger *slog.Logger, handler gin.HandlerFunc) *gin.Engine {
	r := gin.New()
	r.Use(Correlation())
	if logger != nil {
		r.Use(AccessLog(logger))
	}
	r.GET("/test", handler)
	return r
}

func TestCorrelationEchoesHeader(t *testing.T) {
	var seen string
	r := newRouter(nil, func(c *gin.Context) {
		seen = CorrelationID(c)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set(HeaderCorrelationID, "corr-1")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "corr-1", seen)
	assert.Equal(t, "corr-1", w.Header().Get(HeaderCorrelationID))
}

func TestCorrelationGeneratesID(t *testing.T) {
	r := newRouter(nil, func(c *gin.Context) { c.Status(http.StatusNoContent) })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Len(t, w.Header().Get(HeaderCorrelationID), 36)
}

func TestCorrelationReplacesOversizedID(t *testing.T) {
	tests := []struct {
		name   string
		header string
		keep   bool
	}{
		{"at the limit", strings.Repeat("c", MaxCorrelationIDLength), true},
		{"over the limit", strings.Repeat("c", 200), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var seen string
			r := newRouter(nil, func(c *gin.Context) {
				seen = CorrelationID(c)
				c.Status(http.StatusNoContent)
			})
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(HeaderCorrelationID, tt.header)
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			assert.Equal(t, seen, w.Header().Get(HeaderCorrelationID))
			if tt.keep {
				assert.Equal(t, tt.header, seen)
			} else {
				assert.Len(t, seen, 36)
			}
		})
	}
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
		wantMsg    string
	}{
		{"classified", apperr.Conflict(apperr.CodeIdempotencyConflict, "key reused"), http.StatusConflict, apperr.CodeIdempotencyConflict, "key reused"},
		{"wrapped", errors.Join(errors.New("ctx"), apperr.Forbidden("nope")), http.StatusForbidden, apperr.CodeForbidden, "nope"},
		{"unclassified", errors.New("pq: connection reset"), http.StatusInternalServerError, apperr.CodeInternal, "Internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRouter(nil, func(c *gin.Context) { WriteError(c, tt.err) })
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.Header.Set(HeaderCorrelationID, "corr-9")
			w := httptest.NewRecorder()

			r.ServeHTTP(w, req)

			var body ErrorBody
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantCode, body.Error.Code)
			assert.Equal(t, tt.wantMsg, body.Error.Message)
			assert.Equal(t, "corr-9", body.CorrelationID)
		})
	}
}

func TestIdentity(t *testing.T) {
	tests := []struct {
		name    string
		userID  string
		role    string
		wantErr bool
	}{
		{"valid", "6f1c2a9e-8a63-4a8b-9d55-8d0f1f1f0a01", "CUSTOMER", false},
		{"missing user", "", "CUSTOMER", true},
		{"missing role", "6f1c2a9e-8a63-4a8b-9d55-8d0f1f1f0a01", "", true},
		{"not a uuid", "user-1", "CUSTOMER", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/test", nil)
			c.Request.Header.Set(HeaderUserID, tt.userID)
			c.Request.Header.Set(HeaderUserRole, tt.role)

			userID, role, err := Identity(c)

			if tt.wantErr {
				assert.Equal(t, http.StatusUnauthorized, apperr.HTTPStatus(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.userID, userID)
			assert.Equal(t, tt.role, role)
		})
	}
}

func TestAccessLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	r := newRouter(logger, func(c *gin.Context) { c.Status(http.StatusAccepted) })

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/test", nil))

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "http.request", entry["msg"])
	assert.Equal(t, "/test", entry["path"])
	assert.EqualValues(t, http.StatusAccepted, entry["status"])
}

func TestHealth(t *testing.T) {
	r := newRouter(nil, Health("orders-service"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))

	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","service":"orders-service"}`, w.Body.String())
}
