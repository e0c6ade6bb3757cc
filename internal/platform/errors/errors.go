// Package errors provides the typed application errors returned by every
// layer of the workflow service. Each error carries a category code that the
// transport layer maps to an HTTP or gRPC status, plus a user-facing message
// that is surfaced verbatim.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code categorises an application error.
type Code string

const (
	ErrCodeBadRequest Code = "BAD_REQUEST"
	ErrCodeForbidden  Code = "FORBIDDEN"
	ErrCodeNotFound   Code = "NOT_FOUND"
	// ErrCodeUnroutable means a required approval step resolved to nobody.
	ErrCodeUnroutable Code = "UNROUTABLE"
	// ErrCodeConflict means a concurrent writer changed the row first.
	ErrCodeConflict Code = "CONFLICT"
	ErrCodeInternal Code = "INTERNAL"
)

// Error is the application error type.
type Error struct {
	Code    Code
	Message string
	Field   string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// NotFound reports a missing resource.
func NotFound(resource, id string) *Error {
	return &Error{Code: ErrCodeNotFound, Message: fmt.Sprintf("%s not found: %s", resource, id)}
}

// InvalidInput reports a validation failure on one input field.
func InvalidInput(field, message string) *Error {
	return &Error{Code: ErrCodeBadRequest, Field: field, Message: message}
}

// BadRequest reports a business-rule rejection.
func BadRequest(message string) *Error {
	return New(ErrCodeBadRequest, message)
}

// Forbidden reports an authority failure.
func Forbidden(message string) *Error {
	return New(ErrCodeForbidden, message)
}

// Unroutable reports an approval step without any resolvable approver.
func Unroutable(message string) *Error {
	return New(ErrCodeUnroutable, message)
}

// CodeOf returns the code of err, or ErrCodeInternal for foreign errors.
func CodeOf(err error) Code {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// Is reports whether err is an application error with the given code.
func Is(err error, code Code) bool {
	if err == nil {
		return false
	}
	return CodeOf(err) == code
}

// MessageOf returns the user-facing message of err.
func MessageOf(err error) string {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Message
	}
	return "internal error"
}

// HTTPStatus maps a code to an HTTP status.
func HTTPStatus(code Code) int {
	switch code {
	case ErrCodeBadRequest:
		return http.StatusBadRequest
	case ErrCodeForbidden:
		return http.StatusForbidden
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodeUnroutable:
		return http.StatusUnprocessableEntity
	case ErrCodeConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// GRPCCode maps a code to a gRPC status code.
func GRPCCode(code Code) codes.Code {
	switch code {
	case ErrCodeBadRequest:
		return codes.InvalidArgument
	case ErrCodeForbidden:
		return codes.PermissionDenied
	case ErrCodeNotFound:
		return codes.NotFound
	case ErrCodeUnroutable:
		return codes.FailedPrecondition
	case ErrCodeConflict:
		return codes.Aborted
	default:
		return codes.Internal
	}
}
