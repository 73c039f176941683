package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/internal/handler"
	"github.com/mir00r/registry-gateway/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainOrder(t *testing.T) {
	t.Parallel()

	var order []string
	mark := func(name string) Middleware {
		return func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				order = append(order, name)
				next.ServeHTTP(w, r)
			})
		}
	}
	h := Chain(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	}), mark("outer"), mark("inner"))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}

func TestLoggingMiddlewareRequestID(t *testing.T) {
	t.Parallel()

	var seen string
	h := LoggingMiddleware(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = domain.RequestIDFrom(r.Context())
		w.WriteHeader(http.StatusAccepted)
	}))

	t.Run("generated", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
		assert.NotEmpty(t, seen)
		assert.Equal(t, seen, rec.Header().Get(domain.RequestIDHeader))
	})

	t.Run("propagated", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(domain.RequestIDHeader, "abc-123")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, "abc-123", seen)
		assert.Equal(t, "abc-123", rec.Header().Get(domain.RequestIDHeader))
	})
}

func TestRecoveryMiddleware(t *testing.T) {
	t.Parallel()

	h := RecoveryMiddleware(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	var resp handler.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, lberrors.ErrCodeInternalError, resp.Code)

	abort := RecoveryMiddleware(logger.Discard())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic(http.ErrAbortHandler)
	}))
	assert.PanicsWithValue(t, http.ErrAbortHandler, func() {
		abort.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	})
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	h := SecurityHeadersMiddleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 0.001, BurstSize: 2}, nil)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	call := func(remote string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = remote
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusNoContent, call("10.0.0.1:1001").Code, "ports do not split a client")

	rec := call("10.0.0.1:1002")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	var resp handler.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, lberrors.ErrCodeRateLimitExceeded, resp.Code)

	assert.Equal(t, http.StatusNoContent, call("10.0.0.2:1000").Code, "clients have separate buckets")
	assert.Equal(t, 2, rl.GetStats()["active_clients"])
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	t.Parallel()

	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(domain.RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, nil)
	rl.now = func() time.Time { return now }

	rl.getLimiter("a")
	now = now.Add(4 * time.Minute)
	rl.getLimiter("b")
	now = now.Add(2 * time.Minute)

	assert.Equal(t, 1, rl.evictIdle())
	assert.Equal(t, 1, rl.GetStats()["active_clients"])

	rl.Start()
	rl.Start()
	rl.Stop()
	rl.Stop()
}

func TestRateLimiterIgnoresSpoofedForwardedFor(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(domain.RateLimitConfig{Enabled: true, RequestsPerSecond: 1, BurstSize: 1}, nil)
	h := rl.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	allowed := 0
	for i := 0; i < 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = "203.0.113.9:40000"
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("198.51.100.%d", i))
		req.Header.Set("X-Real-IP", fmt.Sprintf("192.0.2.%d", i))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code == http.StatusNoContent {
			allowed++
		}
	}

	assert.LessOrEqual(t, allowed, 2, "forwarding headers from an untrusted peer must not open new buckets")
	assert.Equal(t, 1, rl.GetStats()["active_clients"])
}

func TestClientIP(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(domain.RateLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         1,
		TrustedProxies:    []string{"10.0.0.0/8", "192.0.2.50", "not-an-address"},
	}, nil)
	require.Len(t, rl.trusted, 2, "malformed entries are skipped")

	tests := []struct {
		name   string
		header map[string]string
		remote string
		want   string
	}{
		{"remote addr", nil, "192.0.2.1:5555", "192.0.2.1"},
		{"untrusted peer ignores forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "198.51.100.7:1", "198.51.100.7"},
		{"untrusted peer ignores real ip", map[string]string{"X-Real-IP": "203.0.113.9"}, "198.51.100.7:1", "198.51.100.7"},
		{"trusted peer forwarded for", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "10.0.0.1:1", "203.0.113.9"},
		{"spoofed leftmost hop", map[string]string{"X-Forwarded-For": "1.2.3.4, 203.0.113.9, 10.0.0.2"}, "10.0.0.1:1", "203.0.113.9"},
		{"trusted single address", map[string]string{"X-Forwarded-For": "203.0.113.9"}, "192.0.2.50:1", "203.0.113.9"},
		{"all hops trusted", map[string]string{"X-Forwarded-For": "10.1.1.1, 10.0.0.2"}, "10.0.0.1:1", "10.1.1.1"},
		{"garbage hop stops the walk", map[string]string{"X-Forwarded-For": "203.0.113.9, junk"}, "10.0.0.1:1", "10.0.0.1"},
		{"trusted peer real ip", map[string]string{"X-Real-IP": "198.51.100.2"}, "10.0.0.1:1", "198.51.100.2"},
		{"bare remote", nil, "pipe", "pipe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.header {
				req.Header.Set(k, v)
			}
			assert.Equal(t, tt.want, rl.clientIP(req))
		})
	}
}
