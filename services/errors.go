package services

import (
	"errors"
	"fmt"
	"time"
)

// ErrorType represents the type/category of error
type ErrorType string

const (
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypePolicyViolation ErrorType = "policy_violation"
	ErrorTypeBudget          ErrorType = "budget_exceeded"
	ErrorTypeCircuitOpen     ErrorType = "circuit_open"
	ErrorTypeProvider        ErrorType = "provider_error"
	ErrorTypeProviderTimeout ErrorType = "provider_timeout"
	ErrorTypeAuditIntegrity  ErrorType = "audit_integrity"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeInternal        ErrorType = "internal"
)

// DomainError represents a structured error with additional context
type DomainError struct {
	Type    ErrorType
	Message string
	Err     error
	Details map[string]interface{}
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Type, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap implements errors.Unwrap
func (e *DomainError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is; two domain errors match when their types match
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// WithDetail adds a detail to the error
func (e *DomainError) WithDetail(key string, value interface{}) *DomainError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// NewDomainError creates a new domain error
func NewDomainError(errType ErrorType, message string, err error) *DomainError {
	return &DomainError{
		Type:    errType,
		Message: message,
		Err:     err,
		Details: make(map[string]interface{}),
	}
}

// Sentinel errors for errors.Is matching

var (
	ErrInvalidRequest = NewDomainError(ErrorTypeValidation, "invalid request", nil)

	ErrPolicyViolation = NewDomainError(ErrorTypePolicyViolation, "request denied by policy", nil)

	ErrBudgetExceeded = NewDomainError(ErrorTypeBudget, "budget exceeded", nil)
	ErrBudgetNotFound = NewDomainError(ErrorTypeNotFound, "no budget configured for scope", nil)

	ErrCircuitOpen     = NewDomainError(ErrorTypeCircuitOpen, "provider temporarily unavailable", nil)
	ErrProviderFailure = NewDomainError(ErrorTypeProvider, "provider request failed", nil)
	ErrProviderTimeout = NewDomainError(ErrorTypeProviderTimeout, "provider request timed out", nil)

	ErrAuditIntegrity = NewDomainError(ErrorTypeAuditIntegrity, "audit chain integrity violation", nil)

	ErrReservationNotFound = NewDomainError(ErrorTypeNotFound, "reservation not found", nil)

	ErrInternal = NewDomainError(ErrorTypeInternal, "internal error", nil)
)

// NewValidationError creates a validation error with field details
func NewValidationError(message string, details map[string]interface{}) *DomainError {
	return &DomainError{
		Type:    ErrorTypeValidation,
		Message: message,
		Details: details,
	}
}

// NewPolicyViolationError creates a policy violation error carrying the
// full violation list for caller self-diagnosis
func NewPolicyViolationError(message string, details map[string]interface{}) *DomainError {
	return &DomainError{
		Type:    ErrorTypePolicyViolation,
		Message: message,
		Details: details,
	}
}

// NewBudgetExceededError creates a budget error with remaining/required
// amounts so callers can render actionable detail
func NewBudgetExceededError(message string, remaining, required float64) *DomainError {
	return &DomainError{
		Type:    ErrorTypeBudget,
		Message: message,
		Details: map[string]interface{}{
			"remaining": remaining,
			"required":  required,
		},
	}
}

// NewCircuitOpenError creates a circuit-open error with a retry hint
// derived from the breaker's reset timeout
func NewCircuitOpenError(provider string, retryAfter time.Duration) *DomainError {
	return &DomainError{
		Type:    ErrorTypeCircuitOpen,
		Message: "provider temporarily unavailable",
		Details: map[string]interface{}{
			"provider":    provider,
			"retry_after": retryAfter.String(),
		},
	}
}

// IsDomainType reports whether err is a DomainError of the given type
func IsDomainType(err error, errType ErrorType) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return de.Type == errType
}
