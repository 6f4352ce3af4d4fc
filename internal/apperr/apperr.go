// Package apperr defines the error taxonomy shared by the dispatch core and
// its transports. Every error surfaced to a caller resolves to one Kind with a
// stable string code.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error. The string value is the stable code sent to clients.
type Kind string

const (
	KindValidation        Kind = "validation_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindNoDriverAvailable Kind = "no_driver_available"
	KindInvalidTransition Kind = "invalid_transition"
	KindInvalidCode       Kind = "invalid_code"
	KindCodeLocked        Kind = "code_locked"
	KindAuth              Kind = "auth_error"
	KindInternal          Kind = "internal_error"
)

// Error is a classified error with an optional wrapped cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is an *Error of the same kind, so sentinels
// below can be used with errors.Is regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrNotFound          = &Error{Kind: KindNotFound, Message: "not found"}
	ErrConflict          = &Error{Kind: KindConflict, Message: "conflict"}
	ErrNoDriverAvailable = &Error{Kind: KindNoDriverAvailable, Message: "no driver available"}
	ErrInvalidTransition = &Error{Kind: KindInvalidTransition, Message: "invalid transition"}
	ErrInvalidCode       = &Error{Kind: KindInvalidCode, Message: "invalid code"}
	ErrCodeLocked        = &Error{Kind: KindCodeLocked, Message: "too many invalid code attempts"}
	ErrAuth              = &Error{Kind: KindAuth, Message: "not permitted"}
)

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, format, args...)
}

func InvalidTransition(format string, args ...any) *Error {
	return New(KindInvalidTransition, format, args...)
}

func Auth(format string, args ...any) *Error {
	return New(KindAuth, format, args...)
}

// Internal wraps an infrastructure failure.
func Internal(err error, format string, args ...any) *Error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindInternal
// for unclassified errors.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Message returns a client-safe message. Unclassified errors never leak their text.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
