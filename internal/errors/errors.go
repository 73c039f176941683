package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode represents a specific error type for better error handling
type ErrorCode string

const (
	// Registry errors
	ErrCodeInstanceNotFound    ErrorCode = "INSTANCE_NOT_FOUND"
	ErrCodeRegistryUnavailable ErrorCode = "REGISTRY_UNAVAILABLE"

	// Routing errors
	ErrCodeUnknownService ErrorCode = "UNKNOWN_SERVICE"
	ErrCodeEmptyRoute     ErrorCode = "EMPTY_ROUTE"

	// Downstream errors
	ErrCodeUpstreamTransport ErrorCode = "UPSTREAM_TRANSPORT"
	ErrCodeUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrCodeShortCircuited    ErrorCode = "SHORT_CIRCUITED"

	// Request processing errors
	ErrCodeInvalidRequest    ErrorCode = "INVALID_REQUEST"
	ErrCodeRateLimitExceeded ErrorCode = "RATE_LIMIT_EXCEEDED"

	// Internal errors
	ErrCodeConfigLoad    ErrorCode = "CONFIG_LOAD_FAILED"
	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// Sentinels for errors.Is. Matching is by code only.
var (
	ErrInstanceNotFound    = &ServiceError{Code: ErrCodeInstanceNotFound}
	ErrRegistryUnavailable = &ServiceError{Code: ErrCodeRegistryUnavailable}
	ErrUnknownService      = &ServiceError{Code: ErrCodeUnknownService}
	ErrEmptyRoute          = &ServiceError{Code: ErrCodeEmptyRoute}
	ErrUpstreamTransport   = &ServiceError{Code: ErrCodeUpstreamTransport}
	ErrUpstreamTimeout     = &ServiceError{Code: ErrCodeUpstreamTimeout}
	ErrShortCircuited      = &ServiceError{Code: ErrCodeShortCircuited}
	ErrInvalidRequest      = &ServiceError{Code: ErrCodeInvalidRequest}
)

// ServiceError represents a structured error with context
type ServiceError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *ServiceError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
}

// Unwrap returns the underlying error
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is checks if this error matches the target error code
func (e *ServiceError) Is(target error) bool {
	if t, ok := target.(*ServiceError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *ServiceError) WithMetadata(key string, value interface{}) *ServiceError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// IsRetryable returns true if the error might be resolved by retrying later
func (e *ServiceError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeEmptyRoute, ErrCodeUpstreamTimeout, ErrCodeRegistryUnavailable:
		return true
	default:
		return false
	}
}

// HTTPStatusCode returns the appropriate HTTP status code for this error
func (e *ServiceError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeInvalidRequest:
		return http.StatusBadRequest
	case ErrCodeInstanceNotFound, ErrCodeUnknownService:
		return http.StatusNotFound
	case ErrCodeRateLimitExceeded:
		return http.StatusTooManyRequests
	case ErrCodeEmptyRoute, ErrCodeShortCircuited:
		return http.StatusServiceUnavailable
	case ErrCodeUpstreamTransport, ErrCodeRegistryUnavailable:
		return http.StatusBadGateway
	case ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new ServiceError
func NewError(code ErrorCode, component, message string) *ServiceError {
	return &ServiceError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with ServiceError structure
func WrapError(err error, code ErrorCode, component, message string) *ServiceError {
	if err == nil {
		return nil
	}

	return &ServiceError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     err,
		Details:   err.Error(),
	}
}

// NewInstanceNotFoundError is returned by heartbeat, status and deregister
// calls for an instance that is absent or whose lease has lapsed
func NewInstanceNotFoundError(service, instanceID string) *ServiceError {
	return NewError(
		ErrCodeInstanceNotFound,
		"registry",
		fmt.Sprintf("instance %s/%s is not registered", service, instanceID),
	).WithMetadata("service", service).WithMetadata("instance_id", instanceID)
}

// NewUnknownServiceError is returned when a service name was never registered
func NewUnknownServiceError(service string) *ServiceError {
	return NewError(
		ErrCodeUnknownService,
		"route_table",
		fmt.Sprintf("unknown service %q", service),
	).WithMetadata("service", service)
}

// NewEmptyRouteError is returned when a known service has no routable instances
func NewEmptyRouteError(service string) *ServiceError {
	return NewError(
		ErrCodeEmptyRoute,
		"route_table",
		fmt.Sprintf("no healthy instances for service %q", service),
	).WithMetadata("service", service)
}

// NewShortCircuitedError is returned when the route's breaker rejects a call
func NewShortCircuitedError(route, state string) *ServiceError {
	return NewError(
		ErrCodeShortCircuited,
		"circuit_breaker",
		fmt.Sprintf("circuit breaker is %s for route %s", state, route),
	).WithMetadata("route", route)
}

// NewInvalidRequestError reports a validation failure on a field
func NewInvalidRequestError(field, reason string) *ServiceError {
	return NewError(
		ErrCodeInvalidRequest,
		"registry_api",
		fmt.Sprintf("invalid %s: %s", field, reason),
	).WithMetadata("field", field)
}

// NewRateLimitError creates an error for rate limiting
func NewRateLimitError(clientIP string) *ServiceError {
	return NewError(
		ErrCodeRateLimitExceeded,
		"rate_limiter",
		fmt.Sprintf("rate limit exceeded for client %s", clientIP),
	).WithMetadata("client_ip", clientIP)
}

// IsServiceError checks if an error is a ServiceError
func IsServiceError(err error) bool {
	var svcErr *ServiceError
	return errors.As(err, &svcErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.Code
	}
	return ErrCodeInternalError
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.IsRetryable()
	}
	return false
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var svcErr *ServiceError
	if errors.As(err, &svcErr) {
		return svcErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
