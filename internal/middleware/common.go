package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mir00r/registry-gateway/internal/domain"
	lberrors "github.com/mir00r/registry-gateway/internal/errors"
	"github.com/mir00r/registry-gateway/internal/handler"
	"github.com/mir00r/registry-gateway/pkg/logger"
)

// Middleware wraps an http.Handler
type Middleware func(http.Handler) http.Handler

// Chain applies middlewares so that the first one listed runs outermost
func Chain(h http.Handler, middlewares ...Middleware) http.Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

// LoggingMiddleware provides structured request logging. It attaches a
// RequestContext to the request and echoes the request id to the client.
func LoggingMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestCtx, ok := domain.RequestContextFrom(r.Context())
			if !ok {
				requestCtx = domain.NewRequestContext(r)
				r = r.WithContext(domain.WithRequestContext(r.Context(), requestCtx))
			}
			w.Header().Set(domain.RequestIDHeader, requestCtx.RequestID)

			wrappedWriter := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			requestLogger := log.RequestLogger(
				requestCtx.RequestID,
				requestCtx.Method,
				requestCtx.Path,
				requestCtx.RemoteAddr,
			)
			requestLogger.Debug("Request started")

			next.ServeHTTP(wrappedWriter, r)

			entry := requestLogger.WithFields(map[string]interface{}{
				"status_code":   wrappedWriter.statusCode,
				"duration_ms":   time.Since(requestCtx.StartTime).Milliseconds(),
				"response_size": wrappedWriter.size,
			})
			switch {
			case wrappedWriter.statusCode >= 500:
				entry.Error("Request completed with error")
			case wrappedWriter.statusCode >= 400:
				entry.Warn("Request completed with warning")
			default:
				entry.Info("Request completed")
			}
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture response details
type responseWriter struct {
	http.ResponseWriter
	statusCode  int
	size        int64
	wroteHeader bool
}

// WriteHeader captures the status code
func (rw *responseWriter) WriteHeader(code int) {
	if !rw.wroteHeader {
		rw.statusCode = code
		rw.wroteHeader = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the response size
func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.wroteHeader = true
	size, err := rw.ResponseWriter.Write(b)
	rw.size += int64(size)
	return size, err
}

// Unwrap exposes the underlying writer to http.ResponseController
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// RecoveryMiddleware turns handler panics into a 500. http.ErrAbortHandler
// is re-raised so the server can abort the connection.
func RecoveryMiddleware(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				rec := recover()
				if rec == nil {
					return
				}
				if rec == http.ErrAbortHandler {
					panic(rec)
				}

				log.WithFields(map[string]interface{}{
					"request_id": domain.RequestIDFrom(r.Context()),
					"path":       r.URL.Path,
					"method":     r.Method,
					"panic":      fmt.Sprint(rec),
				}).Error("Panic recovered in request handler")

				err := lberrors.NewError(lberrors.ErrCodeInternalError, "recovery", "internal server error")
				handler.WriteErrorResponse(w, r, err, nil)
			}()

			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeadersMiddleware adds headers every JSON API response should carry
func SecurityHeadersMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			w.Header().Set("X-Frame-Options", "DENY")
			w.Header().Set("Referrer-Policy", "no-referrer")
			next.ServeHTTP(w, r)
		})
	}
}
