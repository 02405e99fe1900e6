// Package errors provides standardized error handling across the HTTP and
// SSE surfaces, with semantic codes mapped to transport status.
package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents semantic error codes for consistent error handling.
type ErrorCode string

const (
	// ErrorCodeConfig marks settings missing or invalid; the operation is refused
	ErrorCodeConfig ErrorCode = "CONFIG_ERROR"
	// ErrorCodeTransient marks a network hiccup or rate limit worth retrying
	ErrorCodeTransient ErrorCode = "TRANSIENT_ERROR"
	// ErrorCodeUpstream marks a deterministic failure from the LLM or embedder
	ErrorCodeUpstream ErrorCode = "UPSTREAM_ERROR"
	// ErrorCodeConflict marks a single-flight rejection
	ErrorCodeConflict ErrorCode = "CONFLICT"
	// ErrorCodeCancelled marks a terminal but non-error stop
	ErrorCodeCancelled ErrorCode = "CANCELLED"
	// ErrorCodeInvariant marks an internal bug
	ErrorCodeInvariant ErrorCode = "INVARIANT_VIOLATION"
	// ErrorCodeValidation marks a malformed request
	ErrorCodeValidation ErrorCode = "VALIDATION_ERROR"
	// ErrorCodeNotFound marks a missing resource
	ErrorCodeNotFound ErrorCode = "NOT_FOUND"
	// ErrorCodeUnauthorized marks a missing or wrong bearer token
	ErrorCodeUnauthorized ErrorCode = "UNAUTHORIZED"
)

// StandardError is the unified error structure surfaced on the wire.
type StandardError struct {
	Code    ErrorCode   `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	cause   error
}

// Error implements the Go error interface.
func (e *StandardError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.cause)
	}
	return e.Message
}

// Unwrap exposes the wrapped cause.
func (e *StandardError) Unwrap() error { return e.cause }

// New creates a standardized error.
func New(code ErrorCode, message string) *StandardError {
	return &StandardError{Code: code, Message: message}
}

// Wrap creates a standardized error around a cause.
func Wrap(code ErrorCode, message string, cause error) *StandardError {
	return &StandardError{Code: code, Message: message, cause: cause}
}

// Config creates a ConfigError.
func Config(message string) *StandardError { return New(ErrorCodeConfig, message) }

// Transient wraps a retryable failure.
func Transient(message string, cause error) *StandardError {
	return Wrap(ErrorCodeTransient, message, cause)
}

// Upstream wraps a deterministic upstream failure.
func Upstream(message string, cause error) *StandardError {
	return Wrap(ErrorCodeUpstream, message, cause)
}

// Conflict creates a single-flight rejection.
func Conflict(message string) *StandardError { return New(ErrorCodeConflict, message) }

// Invariant wraps an internal consistency violation.
func Invariant(message string, cause error) *StandardError {
	return Wrap(ErrorCodeInvariant, message, cause)
}

// Validation creates a request validation error.
func Validation(message string) *StandardError { return New(ErrorCodeValidation, message) }

// NotFound creates a missing-resource error.
func NotFound(message string) *StandardError { return New(ErrorCodeNotFound, message) }

// CodeOf extracts the semantic code from any error, defaulting to
// INVARIANT_VIOLATION for unclassified errors.
func CodeOf(err error) ErrorCode {
	var se *StandardError
	if errors.As(err, &se) {
		return se.Code
	}
	return ErrorCodeInvariant
}

// IsTransient reports whether the error is worth retrying.
func IsTransient(err error) bool { return CodeOf(err) == ErrorCodeTransient }

// IsConflict reports whether the error is a single-flight rejection.
func IsConflict(err error) bool { return CodeOf(err) == ErrorCodeConflict }

// ToHTTPStatus maps the error code to an HTTP status.
func (e *StandardError) ToHTTPStatus() int {
	switch e.Code {
	case ErrorCodeValidation, ErrorCodeConfig:
		return http.StatusBadRequest
	case ErrorCodeUnauthorized:
		return http.StatusUnauthorized
	case ErrorCodeNotFound:
		return http.StatusNotFound
	case ErrorCodeConflict:
		return http.StatusConflict
	case ErrorCodeTransient:
		return http.StatusServiceUnavailable
	case ErrorCodeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes the error as a JSON response.
func (e *StandardError) WriteHTTP(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.ToHTTPStatus())
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": e})
}

// WriteError translates any error to an HTTP response, wrapping unclassified
// errors as internal.
func WriteError(w http.ResponseWriter, err error) {
	var se *StandardError
	if !errors.As(err, &se) {
		se = Wrap(ErrorCodeInvariant, "internal error", err)
	}
	se.WriteHTTP(w)
}
