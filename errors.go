package slotswap

import (
	"errors"
	"fmt"
)

// Kind is the stable, machine-readable class of an error.
type Kind string

const (
	KindNotFound        Kind = "NOT_FOUND"
	KindForbidden       Kind = "FORBIDDEN"
	KindConflict        Kind = "CONFLICT"
	KindInvalidArgument Kind = "INVALID_ARGUMENT"
	KindInternal        Kind = "INTERNAL"
)

var (
	// ErrNotFound matches any error of KindNotFound with errors.Is.
	ErrNotFound = &Error{Kind: KindNotFound, Message: "not found"}
	// ErrForbidden matches any error of KindForbidden with errors.Is.
	ErrForbidden = &Error{Kind: KindForbidden, Message: "forbidden"}
	// ErrConflict matches any error of KindConflict with errors.Is.
	ErrConflict = &Error{Kind: KindConflict, Message: "conflict"}
	// ErrInvalidArgument matches any error of KindInvalidArgument with errors.Is.
	ErrInvalidArgument = &Error{Kind: KindInvalidArgument, Message: "invalid argument"}
	// ErrInternal matches any error of KindInternal with errors.Is.
	ErrInternal = &Error{Kind: KindInternal, Message: "internal error"}
)

// Error is returned by every Coordinator operation.
// Message is safe to show to the caller; Cause is kept for logs only.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the underlying cause for error chain traversal.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by kind.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf returns the kind of err, or KindInternal for errors not produced by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func notFound(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

func forbidden(format string, args ...any) *Error {
	return &Error{Kind: KindForbidden, Message: fmt.Sprintf(format, args...)}
}

func conflict(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

func invalidArgument(format string, args ...any) *Error {
	return &Error{Kind: KindInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

// internal hides a store failure behind a generic message.
func internal(cause error) *Error {
	return &Error{Kind: KindInternal, Message: "internal error", Cause: cause}
}
