package errors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestServiceErrorMatchesSentinelByCode(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("resolve: %w", NewUnknownServiceError("menu"))

	assert.True(t, errors.Is(err, ErrUnknownService))
	assert.False(t, errors.Is(err, ErrEmptyRoute))
	assert.Equal(t, ErrCodeUnknownService, GetErrorCode(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want int
	}{
		{"instance not found", NewInstanceNotFoundError("menu", "a"), http.StatusNotFound},
		{"unknown service", NewUnknownServiceError("menu"), http.StatusNotFound},
		{"empty route", NewEmptyRouteError("menu"), http.StatusServiceUnavailable},
		{"short circuited", NewShortCircuitedError("menu", "open"), http.StatusServiceUnavailable},
		{"invalid request", NewInvalidRequestError("port", "out of range"), http.StatusBadRequest},
		{"rate limited", NewRateLimitError("10.0.0.1"), http.StatusTooManyRequests},
		{"transport", WrapError(errors.New("refused"), ErrCodeUpstreamTransport, "gateway", "dial"), http.StatusBadGateway},
		{"timeout", WrapError(errors.New("deadline"), ErrCodeUpstreamTimeout, "gateway", "slow"), http.StatusGatewayTimeout},
		{"plain error", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, GetHTTPStatusCode(tt.err))
		})
	}
}

func TestRetryableDistinguishesEmptyFromUnknown(t *testing.T) {
	t.Parallel()

	assert.True(t, IsRetryable(NewEmptyRouteError("menu")))
	assert.False(t, IsRetryable(NewUnknownServiceError("menu")))
	assert.False(t, IsRetryable(errors.New("plain")))
}

func TestWrapErrorKeepsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection refused")
	err := WrapError(cause, ErrCodeRegistryUnavailable, "discovery", "snapshot failed")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "connection refused", err.Details)
	assert.Nil(t, WrapError(nil, ErrCodeInternalError, "x", "y"))
}
