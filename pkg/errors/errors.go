// Package errors defines the typed error taxonomy shared by the daemon and
// the relay. Every error that crosses a component boundary is classified
// into one of these kinds before it reaches a caller; kind-specific
// constructors wrap gravitational/trace so each error carries a stack
// trace for diagnostics without leaking secret material into messages.
package errors

import (
	"errors"

	"github.com/gravitational/trace"
)

// Kind classifies an error the way callers across the tunnel need to react
// to it: by HTTP-ish status, by retry policy, or by user-facing prompt.
type Kind string

const (
	InvalidArgument   Kind = "invalid_argument"
	Unauthenticated   Kind = "unauthenticated"
	PermissionDenied  Kind = "permission_denied"
	NotFound          Kind = "not_found"
	AlreadyExists     Kind = "already_exists"
	FailedPrecondition Kind = "failed_precondition"
	Unavailable       Kind = "unavailable"
	DeadlineExceeded  Kind = "deadline_exceeded"
	Cancelled         Kind = "cancelled"
	Internal          Kind = "internal"
)

// Error is the classified error type. Message is safe to surface to a
// caller; Cause (if present) is the underlying wrapped error and is only
// logged, never serialised onto the wire.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.cause }

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

func NewInvalidArgument(msg string) *Error   { return new_(InvalidArgument, msg, nil) }
func NewUnauthenticated(msg string) *Error   { return new_(Unauthenticated, msg, nil) }
func NewPermissionDenied(msg string) *Error  { return new_(PermissionDenied, msg, nil) }
func NewNotFound(msg string) *Error          { return new_(NotFound, msg, nil) }
func NewAlreadyExists(msg string) *Error     { return new_(AlreadyExists, msg, nil) }
func NewFailedPrecondition(msg string) *Error { return new_(FailedPrecondition, msg, nil) }
func NewUnavailable(msg string) *Error       { return new_(Unavailable, msg, nil) }
func NewDeadlineExceeded(msg string) *Error  { return new_(DeadlineExceeded, msg, nil) }
func NewCancelled(msg string) *Error         { return new_(Cancelled, msg, nil) }

// Wrap classifies an opaque underlying error (e.g. a database driver
// failure) as Internal, recording a trace.Wrap'd cause for diagnostics.
// Callers that already know the right kind should use the specific
// constructors above instead.
func Wrap(cause error, msg string) *Error {
	return new_(Internal, msg, trace.Wrap(cause))
}

// WrapKind classifies an opaque underlying error under a known kind.
func WrapKind(kind Kind, cause error, msg string) *Error {
	return new_(kind, msg, trace.Wrap(cause))
}

// As reports whether err (or any error it wraps) is an *Error and, if so,
// returns it.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf returns the Kind of err, defaulting to Internal for errors that
// were never classified.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
