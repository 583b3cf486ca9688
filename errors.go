package resilience

import (
	"context"
	"errors"
	"fmt"

	pkgerrors "github.com/JohnPlummer/jp-go-errors"
	"github.com/sony/gobreaker/v2"
)

// ErrUnknownRetryPolicy is returned when an execution references a retry
// policy name that has not been registered.
var ErrUnknownRetryPolicy = errors.New("unknown retry policy")

// ErrUnknownFallbackStrategy is returned when an execution references a
// fallback strategy name that has not been registered.
var ErrUnknownFallbackStrategy = errors.New("unknown fallback strategy")

// ErrorClassifier determines whether an error should trigger a retry.
// Implement this interface to customize retry behavior for your specific error types.
type ErrorClassifier interface {
	// IsRetryable returns true if the error represents a transient failure
	// that should be retried.
	IsRetryable(err error) bool
}

// ErrorClassifierFunc adapts a plain predicate to the ErrorClassifier interface.
type ErrorClassifierFunc func(err error) bool

// IsRetryable implements ErrorClassifier.
func (f ErrorClassifierFunc) IsRetryable(err error) bool { return f(err) }

// FallbackExhaustedError reports that every fallback resolution path failed.
// It wraps the original operation error unchanged, so errors.Is and errors.As
// continue to match it, and attaches the attempt count for context.
type FallbackExhaustedError struct {
	// Operation is the operation name the execution was keyed by.
	Operation string

	// Attempts is how many times the operation was attempted before the
	// fallback layer took over.
	Attempts int

	// Err is the original operation error.
	Err error
}

// Error implements the error interface.
func (e *FallbackExhaustedError) Error() string {
	return fmt.Sprintf("fallback exhausted for %q after %d attempt(s): %v", e.Operation, e.Attempts, e.Err)
}

// Unwrap returns the original operation error.
func (e *FallbackExhaustedError) Unwrap() error {
	return e.Err
}

// HTTPStatusClassifier provides HTTP status code-based error classification.
// It treats certain status codes as retryable transient failures.
type HTTPStatusClassifier struct {
	// RetryableStatuses lists HTTP status codes that should trigger retries.
	// Defaults to 429, 500, 502, 503, 504 if nil.
	RetryableStatuses []int
}

// HTTPError represents an error with an associated HTTP status code.
// Many HTTP client libraries provide errors that implement this interface.
type HTTPError interface {
	error
	StatusCode() int
}

// NewHTTPStatusClassifier creates a new HTTPStatusClassifier with default status code mappings.
// Retryable: 429 (rate limit), 500, 502, 503, 504 (server errors)
func NewHTTPStatusClassifier() *HTTPStatusClassifier {
	return &HTTPStatusClassifier{
		RetryableStatuses: []int{429, 500, 502, 503, 504},
	}
}

// IsRetryable implements ErrorClassifier for HTTP status codes.
func (c *HTTPStatusClassifier) IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	// Context errors are NOT retryable - if the parent context is exceeded or
	// canceled, retrying with the same context will fail immediately. Check
	// these FIRST, as context.DeadlineExceeded may be considered a timeout by
	// other error checkers.
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}

	// Check for jp-go-errors sentinel errors
	if errors.Is(err, pkgerrors.ErrRateLimited) {
		return true
	}
	if pkgerrors.IsTimeout(err) {
		return true
	}

	statusCode := extractStatusCode(err)
	if statusCode == 0 {
		// Unknown errors might be retryable (network issues, etc.)
		return true
	}

	return containsStatus(c.getRetryableStatuses(), statusCode)
}

// getRetryableStatuses returns the configured retryable statuses or defaults.
func (c *HTTPStatusClassifier) getRetryableStatuses() []int {
	if c.RetryableStatuses != nil {
		return c.RetryableStatuses
	}
	return []int{429, 500, 502, 503, 504}
}

// extractStatusCode attempts to extract an HTTP status code from various error types.
func extractStatusCode(err error) int {
	var httpErr HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode()
	}
	return 0
}

// containsStatus checks if a status code is in the list.
func containsStatus(statuses []int, status int) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

// DefaultErrorClassifier provides reasonable defaults for most use cases.
// It treats 5xx errors, 429 (rate limit), network errors, and timeouts as retryable.
func DefaultErrorClassifier() ErrorClassifier {
	return NewHTTPStatusClassifier()
}

// StatusCodeError wraps an error with an HTTP status code.
// Use this when you need to add status code information to an existing error.
type StatusCodeError struct {
	Err  error
	Code int
}

// Error implements the error interface.
func (e *StatusCodeError) Error() string {
	return e.Err.Error()
}

// Unwrap implements error unwrapping for errors.Is and errors.As.
func (e *StatusCodeError) Unwrap() error {
	return e.Err
}

// StatusCode returns the HTTP status code.
// This implements the HTTPError interface.
func (e *StatusCodeError) StatusCode() int {
	return e.Code
}

// NewStatusCodeError creates a new StatusCodeError.
// This is useful when wrapping errors from systems that don't provide status codes.
//
// Example:
//
//	err := doRequest()
//	if err != nil {
//	    return resilience.NewStatusCodeError(http.StatusServiceUnavailable, err)
//	}
func NewStatusCodeError(statusCode int, err error) error {
	return &StatusCodeError{
		Code: statusCode,
		Err:  err,
	}
}

// isCircuitRejection reports whether the error is a circuit breaker rejection,
// meaning the guarded operation was never invoked for this call.
func isCircuitRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// wrapCircuitRejection wraps a gobreaker rejection with a jperrors circuit
// breaker error carrying the current counts:
//   - gobreaker.ErrOpenState becomes an open-state circuit breaker error
//   - gobreaker.ErrTooManyRequests becomes a half-open rejection
func wrapCircuitRejection(err error, operationName string, counts gobreaker.Counts) error {
	state := "open"
	message := "request rejected"
	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		state = "half-open"
		message = "too many requests in half-open state"
	}

	return pkgerrors.NewCircuitBreakerError(
		message,
		operationName,
		state,
		pkgerrors.WithCause(err),
		pkgerrors.WithCounts(pkgerrors.CircuitCounts{
			Requests:             counts.Requests,
			TotalSuccesses:       counts.TotalSuccesses,
			TotalFailures:        counts.TotalFailures,
			ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
			ConsecutiveFailures:  counts.ConsecutiveFailures,
		}),
	)
}
