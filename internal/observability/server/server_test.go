package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "arpgbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthzReportsState(t *testing.T) {
	t.Parallel()

	healthy := true
	s := New(Config{}, func(context.Context) (any, bool) {
		return map[string]any{"status": "ok", "cycles": 3}, healthy
	}, logx.Nop())
	h := s.Handler(Config{})

	rec := get(t, h, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","cycles":3}`, rec.Body.String())

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, get(t, h, "/healthz", nil).Code)
}

func TestTokenGuardsEveryRoute(t *testing.T) {
	t.Parallel()

	h := New(Config{}, nil, logx.Nop()).Handler(Config{Token: "s3cret", Metrics: true})

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/healthz", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/metrics", map[string]string{"Authorization": "Bearer nope"}).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/healthz?token=s3cret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/metrics", map[string]string{"Authorization": "Bearer s3cret"}).Code)
}

func TestOptionalRoutes(t *testing.T) {
	t.Parallel()

	s := New(Config{}, nil, logx.Nop())
	off := s.Handler(Config{})
	assert.Equal(t, http.StatusNotFound, get(t, off, "/metrics", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, off, "/debug/pprof/", nil).Code)

	on := s.Handler(Config{Metrics: true, Pprof: true})
	rec := get(t, on, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
	assert.Equal(t, http.StatusOK, get(t, on, "/debug/pprof/", nil).Code)
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()

	assert.True(t, isLoopbackAddr("127.0.0.1:6060"))
	assert.True(t, isLoopbackAddr("localhost:6060"))
	assert.True(t, isLoopbackAddr("[::1]:6060"))
	assert.False(t, isLoopbackAddr(":6060"))
	assert.False(t, isLoopbackAddr("0.0.0.0:6060"))
}
