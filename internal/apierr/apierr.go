// Package apierr defines the error kinds from which the HTTP API builds its
// responses. Operator, store, and network failures are wrapped in one of
// these kinds as they cross a component boundary so that the HTTP layer
// never has to guess at an appropriate status code.
package apierr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

// Kind identifies the class of failure, which in turn determines the HTTP
// status code the API layer uses to report it.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindConflict
	KindOperator
	KindUnavailable
)

// Error is a typed application error carrying an HTTP-facing detail string.
type Error struct {
	Kind   Kind
	Detail string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.Detail, e.cause)
	}
	return e.Detail
}

func (e *Error) Unwrap() error { return e.cause }

// Status returns the HTTP status code that corresponds to the error kind.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusUnprocessableEntity
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusBadRequest
	case KindOperator:
		return http.StatusBadRequest
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newErr(k Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: k, Detail: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...interface{}) *Error {
	return newErr(KindValidation, format, args...)
}

func NotFound(format string, args ...interface{}) *Error {
	return newErr(KindNotFound, format, args...)
}

func Conflict(format string, args ...interface{}) *Error {
	return newErr(KindConflict, format, args...)
}

func Unavailable(format string, args ...interface{}) *Error {
	return newErr(KindUnavailable, format, args...)
}

// Operator wraps cause (a subprocess, QMP, filesystem, or spawn failure)
// into an operator error carrying a short diagnostic.
func Operator(cause error, format string, args ...interface{}) *Error {
	return &Error{
		Kind:   KindOperator,
		Detail: fmt.Sprintf(format, args...),
		cause:  errors.WithStack(cause),
	}
}

// As reports whether err is (or wraps) an *Error, returning it if so.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
