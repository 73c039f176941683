package domain

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// RequestIDHeader carries the request id between gateway, client and downstream
const RequestIDHeader = "X-Request-ID"

type requestContextKey struct{}

// RequestContext contains request-specific information
type RequestContext struct {
	RequestID  string
	RemoteAddr string
	UserAgent  string
	Method     string
	Path       string
	StartTime  time.Time
}

// NewRequestContext creates a RequestContext from an HTTP request. An incoming
// X-Request-ID is kept so traces survive hops through the gateway.
func NewRequestContext(r *http.Request) *RequestContext {
	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	return &RequestContext{
		RequestID:  id,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
		Method:     r.Method,
		Path:       r.URL.Path,
		StartTime:  time.Now(),
	}
}

// WithRequestContext stores rc in ctx
func WithRequestContext(ctx context.Context, rc *RequestContext) context.Context {
	return context.WithValue(ctx, requestContextKey{}, rc)
}

// RequestContextFrom returns the RequestContext stored in ctx, if any
func RequestContextFrom(ctx context.Context) (*RequestContext, bool) {
	rc, ok := ctx.Value(requestContextKey{}).(*RequestContext)
	return rc, ok && rc != nil
}

// RequestIDFrom returns the request id stored in ctx or an empty string
func RequestIDFrom(ctx context.Context) string {
	if rc, ok := RequestContextFrom(ctx); ok {
		return rc.RequestID
	}
	return ""
}
