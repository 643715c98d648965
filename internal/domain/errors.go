package domain

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so callers can decide between retrying,
// surfacing, or degrading gracefully.
type ErrorKind string

const (
	KindTransient      ErrorKind = "transient"
	KindBadRequest     ErrorKind = "bad_request"
	KindUnauthorized   ErrorKind = "unauthorized"
	KindNotFound       ErrorKind = "not_found"
	KindConflict       ErrorKind = "conflict"
	KindVenueReject    ErrorKind = "venue_reject"
	KindInternal       ErrorKind = "internal"
	KindNoMarketData   ErrorKind = "no_market_data"
	KindNotImplemented ErrorKind = "not_implemented"
)

// Error is a kinded error. It wraps an underlying cause and carries a stable
// machine-readable code for the API edge.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches two kinded errors by kind, so callers can write
// errors.Is(err, domain.ErrKind(domain.KindTransient)).
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind && (t.Msg == "" || t.Msg == e.Msg)
	}
	return false
}

// NewError creates a kinded error without a cause.
func NewError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError creates a kinded error wrapping a cause.
func WrapError(kind ErrorKind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Errorf creates a kinded error with a formatted message.
func Errorf(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// ErrKind returns a bare sentinel for errors.Is kind matching.
func ErrKind(kind ErrorKind) error {
	return &Error{Kind: kind}
}

// KindOf extracts the kind of an error, defaulting to KindInternal for
// errors that were never classified.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Retryable reports whether an error is safe to retry. Only transient
// failures qualify; everything else is surfaced immediately.
func Retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// HTTPStatus maps an error kind to the status code the API edge should use.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindBadRequest:
		return 400
	case KindUnauthorized:
		return 401
	case KindNotFound:
		return 404
	case KindConflict:
		return 409
	case KindVenueReject:
		return 422
	case KindNotImplemented:
		return 501
	case KindTransient:
		return 503
	default:
		return 500
	}
}
