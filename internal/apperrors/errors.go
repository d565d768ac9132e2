// Package apperrors implements the error taxonomy every component in the
// run lifecycle engine surfaces to its caller: validation, transient,
// permanent, auth, logic, fatal.
package apperrors

import (
	"fmt"
	"net/http"
)

// ErrorType classifies an AppError. The worker and deferred queues switch on
// this to decide run/task state transitions.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeTransient  ErrorType = "transient"
	ErrorTypePermanent  ErrorType = "permanent"
	ErrorTypeAuth       ErrorType = "auth"
	ErrorTypeLogic      ErrorType = "logic"
	ErrorTypeFatal      ErrorType = "fatal"

	// Additional HTTP-mappable kinds used by the (out-of-core) admin surface
	// and carried for completeness of the ambient error taxonomy.
	ErrorTypeNotFound  ErrorType = "not_found"
	ErrorTypeConflict  ErrorType = "conflict"
	ErrorTypeTimeout   ErrorType = "timeout"
	ErrorTypeRateLimit ErrorType = "rate_limit"
	ErrorTypeDatabase  ErrorType = "database"
	ErrorTypeNetwork   ErrorType = "network"
	ErrorTypeInternal  ErrorType = "internal"
)

var statusCodes = map[ErrorType]int{
	ErrorTypeValidation: http.StatusBadRequest,
	ErrorTypeTransient:  http.StatusServiceUnavailable,
	ErrorTypePermanent:  http.StatusBadGateway,
	ErrorTypeAuth:       http.StatusUnauthorized,
	ErrorTypeLogic:      http.StatusUnprocessableEntity,
	ErrorTypeFatal:      http.StatusInternalServerError,
	ErrorTypeNotFound:   http.StatusNotFound,
	ErrorTypeConflict:   http.StatusConflict,
	ErrorTypeTimeout:    http.StatusRequestTimeout,
	ErrorTypeRateLimit:  http.StatusTooManyRequests,
	ErrorTypeDatabase:   http.StatusInternalServerError,
	ErrorTypeNetwork:    http.StatusInternalServerError,
	ErrorTypeInternal:   http.StatusInternalServerError,
}

// RunFailedSummary carries the structured diagnostic payload of a
// logic-kind error, letting the worker fail a run with a summary rather
// than a bare message.
type RunFailedSummary struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
}

// AppError is the concrete error type every component returns.
type AppError struct {
	Type       ErrorType
	Message    string
	Details    string
	StatusCode int
	Cause      error
	Summary    *RunFailedSummary
}

func New(t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodeFor(t),
	}
}

func Newf(t ErrorType, format string, args ...any) *AppError {
	return New(t, fmt.Sprintf(format, args...))
}

func Wrap(err error, t ErrorType, message string) *AppError {
	return &AppError{
		Type:       t,
		Message:    message,
		StatusCode: statusCodeFor(t),
		Cause:      err,
	}
}

func Wrapf(err error, t ErrorType, format string, args ...any) *AppError {
	return Wrap(err, t, fmt.Sprintf(format, args...))
}

func statusCodeFor(t ErrorType) int {
	if code, ok := statusCodes[t]; ok {
		return code
	}
	return http.StatusInternalServerError
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Type, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *AppError) Unwrap() error { return e.Cause }

func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithDetailsf(format string, args ...any) *AppError {
	e.Details = fmt.Sprintf(format, args...)
	return e
}

// WithSummary attaches a RunFailedSummary, so a failed run can carry
// structured diagnostics alongside its error code.
func (e *AppError) WithSummary(code, message string, fields map[string]any) *AppError {
	e.Summary = &RunFailedSummary{Code: code, Message: message, Fields: fields}
	return e
}

// Predefined constructors for the common error kinds.

func NewValidationError(message string) *AppError { return New(ErrorTypeValidation, message) }

func NewDatabaseError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeDatabase, "database operation failed: %s", operation)
}

func NewNotFoundError(resource string) *AppError {
	return Newf(ErrorTypeNotFound, "%s not found", resource)
}

func NewAuthError(message string) *AppError { return New(ErrorTypeAuth, message) }

func NewTimeoutError(operation string) *AppError {
	return Newf(ErrorTypeTimeout, "operation timed out: %s", operation)
}

func NewTransientError(operation string, cause error) *AppError {
	return Wrapf(cause, ErrorTypeTransient, "transient failure: %s", operation)
}

func NewPermanentError(message string) *AppError { return New(ErrorTypePermanent, message) }

func NewFatalError(cause error) *AppError {
	return Wrap(cause, ErrorTypeFatal, "fatal error")
}

// RunFailed builds a logic-kind AppError carrying a structured summary in
// one call — the common path the worker uses on a failed run builder.
func RunFailed(code, message string, fields map[string]any) *AppError {
	return New(ErrorTypeLogic, message).WithSummary(code, message, fields)
}

// IsType reports whether err is an *AppError of type t.
func IsType(err error, t ErrorType) bool {
	ae, ok := err.(*AppError)
	if !ok {
		return false
	}
	return ae.Type == t
}

// As extracts an *AppError from err, following the standard unwrap chain
// semantics used by errors.As-style helpers.
func As(err error) (*AppError, bool) {
	for err != nil {
		if ae, ok := err.(*AppError); ok {
			return ae, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return nil, false
		}
		err = u.Unwrap()
	}
	return nil, false
}
