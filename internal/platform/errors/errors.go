// Package errors provides structured API errors and their JSON envelope.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorType is the machine-readable rejection category sent to clients as errorType.
type ErrorType string

const (
	TypeMissingRequired ErrorType = "MISSING_REQUIRED"
	TypeInvalidFormat   ErrorType = "INVALID_FORMAT"
	TypeRateLimit       ErrorType = "RATE_LIMIT"
	TypeMaxParticipants ErrorType = "MAX_PARTICIPANTS"
	TypeNotFound        ErrorType = "NOT_FOUND"
	TypeServerBusy      ErrorType = "SERVER_BUSY"
	// TypeInternal is never produced by a handler on purpose (HTTP 500).
	TypeInternal ErrorType = "INTERNAL_ERROR"
)

var defaultMessages = map[ErrorType]string{
	TypeMissingRequired: "Please fill in all required fields",
	TypeInvalidFormat:   "Please check that the input format is correct",
	TypeRateLimit:       "Submitting too often, please wait a few seconds and try again",
	TypeMaxParticipants: "The participant limit has been reached",
	TypeNotFound:        "Participant does not exist",
	TypeServerBusy:      "The system is busy, please try again later",
	TypeInternal:        "Internal server error",
}

// Error is a structured error with type, message, client-facing details and
// log-only context.
type Error struct {
	Type    ErrorType
	Message string
	Details []string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns 400 for every typed rejection and 500 otherwise.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeMissingRequired, TypeInvalidFormat, TypeRateLimit, TypeMaxParticipants, TypeNotFound, TypeServerBusy:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// New creates an error of the given type with its default message.
func New(t ErrorType, details ...string) *Error {
	message, ok := defaultMessages[t]
	if !ok {
		message = defaultMessages[TypeInternal]
	}
	return &Error{
		Type:    t,
		Message: message,
		Details: details,
		Context: make(map[string]any),
	}
}

// Wrap creates an error of the given type that keeps cause for logging.
func Wrap(t ErrorType, cause error, details ...string) *Error {
	err := New(t, details...)
	err.Cause = cause
	return err
}

// InternalError creates a new internal error (HTTP 500).
func InternalError(message string, cause error) *Error {
	return &Error{
		Type:    TypeInternal,
		Message: message,
		Cause:   cause,
		Context: make(map[string]any),
	}
}

// WithField adds a log context field (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the failure envelope sent to clients.
type ErrorResponse struct {
	Success   bool      `json:"success"`
	Message   string    `json:"message"`
	ErrorType ErrorType `json:"errorType"`
	Details   []string  `json:"details"`
	Timestamp int64     `json:"timestamp"`
}

// ToResponse converts an Error to its envelope stamped with now.
func (e *Error) ToResponse(now time.Time) ErrorResponse {
	return ErrorResponse{
		Success:   false,
		Message:   e.Message,
		ErrorType: e.Type,
		Details:   e.Details,
		Timestamp: now.UnixMilli(),
	}
}

// AsStructuredError converts any error into a structured Error.
// If err already wraps an *Error, that is returned unchanged.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError(defaultMessages[TypeInternal], err)
}
