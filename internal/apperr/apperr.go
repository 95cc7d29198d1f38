// Package apperr defines the error taxonomy shared by the orchestrator's
// services and its HTTP surface.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrRuntime           = errors.New("runtime error")
	ErrUnavailable       = errors.New("unavailable")
	ErrValidation        = errors.New("validation error")
	ErrUnauthorized      = errors.New("unauthorized")
)

// Error carries a taxonomy kind together with a human message, a recovery hint
// and the underlying cause.
type Error struct {
	Kind    error
	Op      string
	Message string
	Hint    string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	switch {
	case e.Message != "":
		b.WriteString(e.Message)
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// New builds an Error of the given kind.
func New(kind error, op, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message}
}

// Wrap builds an Error of the given kind around cause.
func Wrap(kind error, op string, cause error, message string) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: cause}
}

// WithHint attaches a recovery hint.
func (e *Error) WithHint(format string, args ...any) *Error {
	e.Hint = fmt.Sprintf(format, args...)
	return e
}

// NotFound is shorthand for New(ErrNotFound, ...).
func NotFound(op, message string) *Error { return New(ErrNotFound, op, message) }

// Conflict is shorthand for New(ErrConflict, ...).
func Conflict(op, message string) *Error { return New(ErrConflict, op, message) }

// Validation is shorthand for New(ErrValidation, ...).
func Validation(op, message string) *Error { return New(ErrValidation, op, message) }

// Runtime wraps an engine failure.
func Runtime(op string, cause error, message string) *Error {
	return Wrap(ErrRuntime, op, cause, message)
}

// Code returns the machine readable reason for err.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrValidation):
		return "validation_error"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrRuntime):
		return "runtime_error"
	default:
		return "internal_error"
	}
}

// HTTPStatus maps err onto a response status code.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnavailable), errors.Is(err, ErrResourceExhausted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Hint returns the first recovery hint found in err's chain.
func Hint(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Hint
	}
	return ""
}

// Message returns the human message of err without the operation prefix.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Message != "" {
		return e.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
