package incidents

import (
	"errors"
	"fmt"
)

// Kind is the stable error category surfaced to callers.
type Kind string

const (
	KindValidation          Kind = "ValidationError"
	KindNotFound            Kind = "NotFound"
	KindForbidden           Kind = "Forbidden"
	KindConflict            Kind = "Conflict"
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
)

type Error struct {
	Kind Kind
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

// Is matches any *Error of the same kind, so errors.Is(err, ErrNotFound) works
// regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Msg == ""
}

var (
	ErrValidation          = &Error{Kind: KindValidation}
	ErrNotFound            = &Error{Kind: KindNotFound}
	ErrForbidden           = &Error{Kind: KindForbidden}
	ErrConflict            = &Error{Kind: KindConflict}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
)

func validationf(format string, args ...any) error {
	return &Error{Kind: KindValidation, Msg: fmt.Sprintf(format, args...)}
}

func notFound(id string) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf("incident %s not found", id)}
}

func forbidden(msg string) error {
	return &Error{Kind: KindForbidden, Msg: msg}
}

// upstream wraps a store failure. Errors that already carry a kind pass through.
func upstream(err error, msg string) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindUpstreamUnavailable, Msg: msg, Err: err}
}

// KindOf returns the kind of err, or UpstreamUnavailable for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUpstreamUnavailable
}

// Message returns the user-facing message without wrapped internals.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return string(e.Kind)
	}
	return "internal error"
}
