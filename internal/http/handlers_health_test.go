package httpx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthHandler(t *testing.T) {
	storeDown := func(context.Context) error { return errors.New("connection refused") }
	storeUp := func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			return errors.New("ping without deadline")
		}
		return nil
	}

	tests := []struct {
		name   string
		method string
		ping   func(context.Context) error
		code   int
		body   string
	}{
		{name: "no store check", method: http.MethodGet, code: http.StatusOK, body: `{"status":"ok"}`},
		{name: "store reachable", method: http.MethodGet, ping: storeUp, code: http.StatusOK, body: `{"status":"ok","store":"ok"}`},
		{name: "store unreachable", method: http.MethodGet, ping: storeDown, code: http.StatusServiceUnavailable, body: `{"status":"unavailable","store":"unreachable"}`},
		{name: "head reachable", method: http.MethodHead, ping: storeUp, code: http.StatusOK},
		{name: "head unreachable", method: http.MethodHead, ping: storeDown, code: http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(tt.ping, nil).ServeHTTP(rec, httptest.NewRequest(tt.method, "/healthz", nil))

			require.Equal(t, tt.code, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.body == "" {
				assert.Zero(t, rec.Body.Len())
				return
			}
			assert.JSONEq(t, tt.body, rec.Body.String())
		})
	}
}
