// Package apperrors defines the error taxonomy shared by every ContextMesh
// service. Leaf operations return typed errors, adapters translate provider
// failures into these kinds, and the HTTP layer maps kinds to status codes.
package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error with a wire code that is stable across services
type Kind string

const (
	KindInvalidArgument    Kind = "InvalidArgument"
	KindUnauthenticated    Kind = "Unauthenticated"
	KindPermissionDenied   Kind = "PermissionDenied"
	KindNotFound           Kind = "NotFound"
	KindConflict           Kind = "Conflict"
	KindQuotaExceeded      Kind = "QuotaExceeded"
	KindRateLimited        Kind = "RateLimited"
	KindFailedPrecondition Kind = "FailedPrecondition"
	KindUnavailable        Kind = "Unavailable"
	KindInternal           Kind = "Internal"
)

// Error is a classified error carrying a stable kind and optional details
type Error struct {
	Kind    Kind
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause
func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a detail entry and returns the error for chaining
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates an error of the given kind
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates an error of the given kind with a formatted message
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause yields nil.
func Wrap(kind Kind, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, cause: cause}
}

// Convenience constructors for the common kinds

func InvalidArgument(message string) *Error { return New(KindInvalidArgument, message) }
func Unauthenticated(message string) *Error { return New(KindUnauthenticated, message) }
func PermissionDenied(message string) *Error {
	return New(KindPermissionDenied, message)
}
func NotFound(message string) *Error           { return New(KindNotFound, message) }
func Conflict(message string) *Error           { return New(KindConflict, message) }
func QuotaExceeded(message string) *Error      { return New(KindQuotaExceeded, message) }
func RateLimited(message string) *Error        { return New(KindRateLimited, message) }
func FailedPrecondition(message string) *Error { return New(KindFailedPrecondition, message) }
func Unavailable(message string) *Error        { return New(KindUnavailable, message) }
func Internal(message string) *Error           { return New(KindInternal, message) }

// KindOf extracts the kind from an error chain, defaulting to Internal
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether the error chain contains the given kind
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// DetailsOf extracts details from an error chain, or nil
func DetailsOf(err error) map[string]interface{} {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Details
	}
	return nil
}

// HTTPStatus maps an error kind to its HTTP status code
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindQuotaExceeded:
		return http.StatusRequestEntityTooLarge
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindFailedPrecondition:
		return http.StatusPreconditionFailed
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsRetryable reports whether an operation that failed with this error may
// be retried. Validation, auth, quota, and conflict failures never are.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindInternal:
		return true
	default:
		return false
	}
}
