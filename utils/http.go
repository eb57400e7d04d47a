package utils

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/govplane/govplane/services"
)

// ErrorResponse represents a structured error response
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// SuccessResponse represents a generic success response
type SuccessResponse struct {
	Data interface{} `json:"data,omitempty"`
}

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if data == nil {
		return nil
	}

	return json.NewEncoder(w).Encode(data)
}

// WriteOK writes a 200 OK response with optional data
func WriteOK(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, SuccessResponse{Data: data})
}

// WriteBadRequest writes a 400 Bad Request response with error details
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]interface{}) error {
	return WriteJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   "bad_request",
		Message: message,
		Details: details,
	})
}

// WriteUnauthorized writes a 401 Unauthorized response
func WriteUnauthorized(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Authentication required"
	}
	return WriteJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: message,
	})
}

// WriteForbidden writes a 403 Forbidden response
func WriteForbidden(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Access forbidden"
	}
	return WriteJSON(w, http.StatusForbidden, ErrorResponse{
		Error:   "forbidden",
		Message: message,
	})
}

// WriteNotFound writes a 404 Not Found response
func WriteNotFound(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Resource not found"
	}
	return WriteJSON(w, http.StatusNotFound, ErrorResponse{
		Error:   "not_found",
		Message: message,
	})
}

// WriteInternalServerError writes a 500 Internal Server Error response
func WriteInternalServerError(w http.ResponseWriter, message string) error {
	if message == "" {
		message = "Internal server error"
	}
	return WriteJSON(w, http.StatusInternalServerError, ErrorResponse{
		Error:   "internal_error",
		Message: message,
	})
}

// WriteDomainError maps a governance error to its HTTP representation.
// Anything that is not a DomainError is reported as internal without
// leaking the underlying message.
func WriteDomainError(w http.ResponseWriter, err error) error {
	var de *services.DomainError
	if !errors.As(err, &de) {
		return WriteInternalServerError(w, "")
	}

	status := domainStatus(de.Type)
	if de.Type == services.ErrorTypeCircuitOpen {
		if raw, ok := de.Details["retry_after"].(string); ok {
			if retryAfter, err := time.ParseDuration(raw); err == nil && retryAfter > 0 {
				w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
			}
		}
	}

	return WriteJSON(w, status, ErrorResponse{
		Error:   string(de.Type),
		Message: de.Message,
		Details: de.Details,
	})
}

func domainStatus(t services.ErrorType) int {
	switch t {
	case services.ErrorTypeValidation:
		return http.StatusBadRequest
	case services.ErrorTypePolicyViolation:
		return http.StatusForbidden
	case services.ErrorTypeBudget:
		return http.StatusPaymentRequired
	case services.ErrorTypeCircuitOpen:
		return http.StatusServiceUnavailable
	case services.ErrorTypeProvider:
		return http.StatusBadGateway
	case services.ErrorTypeProviderTimeout:
		return http.StatusGatewayTimeout
	case services.ErrorTypeNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
