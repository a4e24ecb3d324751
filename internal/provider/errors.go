package provider

import (
	"errors"
	"fmt"
)

// ErrorType categorizes upstream failures.
type ErrorType string

const (
	ErrorTypeAuth      ErrorType = "authentication"
	ErrorTypeNotFound  ErrorType = "not_found"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeUnknown   ErrorType = "unknown"
)

// Error is a structured upstream failure. RetryAt is only set for
// rate-limit errors and holds the provider-reported reset time in epoch
// milliseconds (zero when the provider did not report one).
type Error struct {
	Type     ErrorType
	Message  string
	Resource string
	RetryAt  int64
	Cause    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("provider: %s error for %s: %s", e.Type, e.Resource, e.Message)
	}
	return fmt.Sprintf("provider: %s error: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// IsNotFound reports whether err represents a missing upstream resource,
// which callers treat as an empty result rather than a failure.
func IsNotFound(err error) bool {
	var providerErr *Error
	return errors.As(err, &providerErr) && providerErr.Type == ErrorTypeNotFound
}

// RetryAt extracts the rate-limit reset time (epoch milliseconds) from err.
// The second return is false when err is not a rate-limit condition.
func RetryAt(err error) (int64, bool) {
	var providerErr *Error
	if errors.As(err, &providerErr) && providerErr.Type == ErrorTypeRateLimit {
		return providerErr.RetryAt, true
	}
	return 0, false
}
