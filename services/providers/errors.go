package providers

import (
	"context"
	"errors"
	"net"
)

// Error represents a failure reported by or while reaching a provider
type Error struct {
	// Provider that generated the error
	Provider string

	// Code is a short machine-readable code
	Code string

	// Message is the human-readable message
	Message string

	// StatusCode is the upstream HTTP status, when applicable
	StatusCode int

	// Retryable indicates whether the call may be retried
	Retryable bool

	// Timeout indicates the upstream call exceeded its deadline
	Timeout bool

	// Cause is the underlying error
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Provider + ": " + e.Message + ": " + e.Cause.Error()
	}
	return e.Provider + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a provider error
func NewError(provider, code, message string, statusCode int, retryable bool, cause error) *Error {
	return &Error{
		Provider:   provider,
		Code:       code,
		Message:    message,
		StatusCode: statusCode,
		Retryable:  retryable,
		Cause:      cause,
	}
}

// NewTimeoutError creates a provider error marking a deadline overrun
func NewTimeoutError(provider string, cause error) *Error {
	return &Error{
		Provider:  provider,
		Code:      "TIMEOUT",
		Message:   "request deadline exceeded",
		Retryable: true,
		Timeout:   true,
		Cause:     cause,
	}
}

// IsTimeout reports whether err is a timeout, either marked on a
// provider Error or detected on the underlying transport error.
func IsTimeout(err error) bool {
	var provErr *Error
	if errors.As(err, &provErr) && provErr.Timeout {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// IsRetryable reports whether the call that produced err may be retried
func IsRetryable(err error) bool {
	var provErr *Error
	if errors.As(err, &provErr) {
		return provErr.Retryable
	}
	return false
}
