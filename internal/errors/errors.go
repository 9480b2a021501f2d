package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorCode identifies the kind of failure a request or startup step ran into
type ErrorCode string

const (
	// Startup errors
	ErrCodeConfigInvalid ErrorCode = "CONFIG_INVALID"

	// Per-request errors
	ErrCodeUnknownDomain       ErrorCode = "UNKNOWN_DOMAIN"
	ErrCodeRateLimited         ErrorCode = "RATE_LIMITED"
	ErrCodeAuthFailed          ErrorCode = "AUTH_FAILED"
	ErrCodeNoHealthyNode       ErrorCode = "NO_HEALTHY_NODE"
	ErrCodeUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrCodeUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"

	ErrCodeInternalError ErrorCode = "INTERNAL_ERROR"
)

// ProxyError represents a structured error with context
type ProxyError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	RequestID string                 `json:"request_id,omitempty"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Cause     error                  `json:"-"`
}

// Error implements the error interface
func (e *ProxyError) Error() string {
	msg := fmt.Sprintf("[%s] %s: %s", e.Code, e.Component, e.Message)
	if e.RequestID != "" {
		msg = fmt.Sprintf("[%s]%s", e.RequestID, msg)
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error
func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Is matches on error code, so sentinel values built with NewError work with errors.Is
func (e *ProxyError) Is(target error) bool {
	if t, ok := target.(*ProxyError); ok {
		return e.Code == t.Code
	}
	return false
}

// WithMetadata adds metadata to the error
func (e *ProxyError) WithMetadata(key string, value interface{}) *ProxyError {
	if e.Metadata == nil {
		e.Metadata = make(map[string]interface{})
	}
	e.Metadata[key] = value
	return e
}

// WithRequestID adds request ID to the error
func (e *ProxyError) WithRequestID(requestID string) *ProxyError {
	e.RequestID = requestID
	return e
}

// HTTPStatusCode returns the client-facing status for this error
func (e *ProxyError) HTTPStatusCode() int {
	switch e.Code {
	case ErrCodeUnknownDomain:
		return http.StatusNotFound
	case ErrCodeRateLimited:
		return http.StatusTooManyRequests
	case ErrCodeAuthFailed:
		return http.StatusUnauthorized
	case ErrCodeNoHealthyNode, ErrCodeUpstreamUnavailable:
		return http.StatusBadGateway
	case ErrCodeUpstreamTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new ProxyError
func NewError(code ErrorCode, component, message string) *ProxyError {
	return &ProxyError{
		Code:      code,
		Component: component,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// WrapError wraps an existing error with ProxyError structure
func WrapError(err error, code ErrorCode, component, message string) *ProxyError {
	if err == nil {
		return nil
	}
	e := NewError(code, component, message)
	e.Cause = err
	e.Details = err.Error()
	return e
}

func withCause(e *ProxyError, cause error) *ProxyError {
	if cause != nil {
		e.Cause = cause
		e.Details = cause.Error()
	}
	return e
}

// Sentinels for errors.Is comparisons
var (
	ErrConfigInvalid       = NewError(ErrCodeConfigInvalid, "", "")
	ErrUnknownDomain       = NewError(ErrCodeUnknownDomain, "", "")
	ErrRateLimited         = NewError(ErrCodeRateLimited, "", "")
	ErrAuthFailed          = NewError(ErrCodeAuthFailed, "", "")
	ErrNoHealthyNode       = NewError(ErrCodeNoHealthyNode, "", "")
	ErrUpstreamUnavailable = NewError(ErrCodeUpstreamUnavailable, "", "")
	ErrUpstreamTimeout     = NewError(ErrCodeUpstreamTimeout, "", "")
)

// NewConfigError creates a fatal startup configuration error
func NewConfigError(format string, args ...interface{}) *ProxyError {
	return NewError(ErrCodeConfigInvalid, "config", fmt.Sprintf(format, args...))
}

// NewUnknownDomainError creates an error for a host with no configured domain
func NewUnknownDomainError(host string) *ProxyError {
	return NewError(
		ErrCodeUnknownDomain,
		"router",
		fmt.Sprintf("no domain configured for host %q", host),
	).WithMetadata("host", host)
}

// NewRateLimitError creates an error for a request denied by admission control
func NewRateLimitError(limit int64, window time.Duration) *ProxyError {
	return NewError(
		ErrCodeRateLimited,
		"rate_limiter",
		fmt.Sprintf("rate limit of %d requests per %s exceeded", limit, window),
	).WithMetadata("limit", limit).WithMetadata("window", window.String())
}

// NewAuthError creates an authentication error
func NewAuthError(reason string) *ProxyError {
	return NewError(
		ErrCodeAuthFailed,
		"auth",
		fmt.Sprintf("authentication failed: %s", reason),
	).WithMetadata("reason", reason)
}

// NewNoHealthyNodeError creates an error when a pool has nothing left to select
func NewNoHealthyNodeError(pool string) *ProxyError {
	return NewError(
		ErrCodeNoHealthyNode,
		"selector",
		fmt.Sprintf("no healthy node in pool %q", pool),
	).WithMetadata("pool", pool)
}

// NewUpstreamUnavailableError creates an error for an exhausted retry budget
func NewUpstreamUnavailableError(node string, attempts int, cause error) *ProxyError {
	return withCause(NewError(
		ErrCodeUpstreamUnavailable,
		"forwarder",
		fmt.Sprintf("upstream unavailable after %d attempt(s), last node %s", attempts, node),
	), cause).WithMetadata("node", node).WithMetadata("attempts", attempts)
}

// NewUpstreamTimeoutError creates an error for an exceeded request deadline
func NewUpstreamTimeoutError(node string, timeout time.Duration, cause error) *ProxyError {
	return withCause(NewError(
		ErrCodeUpstreamTimeout,
		"forwarder",
		fmt.Sprintf("request deadline of %s exceeded", timeout),
	), cause).WithMetadata("node", node)
}

// IsProxyError checks if an error is a ProxyError
func IsProxyError(err error) bool {
	var pErr *ProxyError
	return errors.As(err, &pErr)
}

// GetErrorCode extracts the error code from an error
func GetErrorCode(err error) ErrorCode {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.Code
	}
	return ErrCodeInternalError
}

// GetHTTPStatusCode gets the appropriate HTTP status code for an error
func GetHTTPStatusCode(err error) int {
	var pErr *ProxyError
	if errors.As(err, &pErr) {
		return pErr.HTTPStatusCode()
	}
	return http.StatusInternalServerError
}
