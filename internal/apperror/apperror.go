// Package apperror provides a typed application error used across every
// component of the pipeline, so callers can branch on error kind instead of
// string-matching messages.
package apperror

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError for HTTP status mapping and retry policy.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeTimeout    ErrorType = "timeout"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeDatabase   ErrorType = "database"
	ErrorTypeNetwork    ErrorType = "network"
	ErrorTypeCancelled  ErrorType = "cancelled"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeUnavailable ErrorType = "unavailable"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeCancelled:  http.StatusRequestTimeout,
	ErrorTypeInternal:   http.StatusInternalServerError,
	ErrorTypeUnavailable: http.StatusServiceUnavailable,
}

// AppError is a structured error carrying an error kind, an HTTP status,
// optional free-form details, and an optional wrapped cause.
type AppError struct {
	Type       ErrorType
	Message    string
	StatusCode int
	Details    string
	Cause      error
}

// New creates an AppError of the given type with no cause.
func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodeFor(t),
	}
}

// Newf creates an AppError with a formatted message.
func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

// Wrap creates an AppError that wraps an underlying cause.
func Wrap(cause error, t ErrorType, message string) *AppError {
	err := New(t, message)
	err.Cause = cause
	return err
}

// Wrapf creates an AppError wrapping cause with a formatted message.
func Wrapf(cause error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(cause, t, fmt.Sprintf(format, args...))
}

func statusCodeFor(t ErrorType) int {
	if code, ok := statusCodes[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap exposes the wrapped cause to errors.Is/errors.As.
func (e *AppError) Unwrap() error {
	return e.Cause
}

// WithDetails sets free-form details on the error in place and returns it.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// WithDetailsf sets formatted details on the error in place and returns it.
func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// Is reports whether target is an *AppError with the same Type, so callers
// can use errors.Is(err, apperror.New(apperror.ErrorTypeConflict, "")).
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Type == t.Type
}

// Retryable reports whether the error kind is worth retrying with backoff.
func (e *AppError) Retryable() bool {
	switch e.Type {
	case ErrorTypeDatabase, ErrorTypeNetwork, ErrorTypeTimeout, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

func Validation(msg string) *AppError { return New(ErrorTypeValidation, msg) }
func NotFound(msg string) *AppError   { return New(ErrorTypeNotFound, msg) }
func Conflict(msg string) *AppError   { return New(ErrorTypeConflict, msg) }
func Internal(msg string) *AppError   { return New(ErrorTypeInternal, msg) }
func Cancelled(msg string) *AppError  { return New(ErrorTypeCancelled, msg) }
