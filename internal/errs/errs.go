// Package errs defines the closed error taxonomy shared by the backend
// facade and the cache engine. Every error the core surfaces to a caller
// is one of these kinds, so the FUSE layer can map them onto a small set
// of errno values without inspecting message text.
package errs

import (
	"errors"
	"fmt"
)

// Kind identifies which bucket of the closed taxonomy an error belongs to.
type Kind int

const (
	// KindNotFound means the requested object does not exist on the backend.
	KindNotFound Kind = iota
	// KindAccessDenied covers authentication and permission failures.
	KindAccessDenied
	// KindAuthenticationFailed is a specialization of AccessDenied.
	KindAuthenticationFailed
	// KindTwoFactorRequired is a specialization of AccessDenied.
	KindTwoFactorRequired
	// KindReadOnly means a write was attempted against a read-only file or mount.
	KindReadOnly
	// KindUnsupported means the operation is not valid on this filesystem.
	KindUnsupported
	// KindWriteType means a write violated the file's write-mode rules (APPEND/NONE).
	KindWriteType
	// KindConflict means the target name already exists.
	KindConflict
	// KindTransport covers network, subprocess, and decode failures.
	KindTransport
	// KindInvalid covers malformed JSON, bad sizes, and similar caller errors.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindAccessDenied:
		return "AccessDenied"
	case KindAuthenticationFailed:
		return "AuthenticationFailed"
	case KindTwoFactorRequired:
		return "TwoFactorRequired"
	case KindReadOnly:
		return "ReadOnly"
	case KindUnsupported:
		return "Unsupported"
	case KindWriteType:
		return "WriteType"
	case KindConflict:
		return "Conflict"
	case KindTransport:
		return "Transport"
	case KindInvalid:
		return "Invalid"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type for every Kind in the taxonomy.
type Error struct {
	Kind    Kind
	Message string
	Err     error // optional wrapped cause, e.g. a transport error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind.String()
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, errs.New(KindNotFound, "")) match any NotFound error
// regardless of message, by comparing Kind alone; the target's message and
// cause are ignored.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// New constructs an *Error of the given kind with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error of the given kind, wrapping an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// NotFound, AccessDenied, ... are convenience constructors mirroring the
// taxonomy in spec.md §7.
func NotFound(msg string) *Error             { return New(KindNotFound, msg) }
func AccessDenied(msg string) *Error         { return New(KindAccessDenied, msg) }
func AuthenticationFailed(msg string) *Error { return New(KindAuthenticationFailed, msg) }
func TwoFactorRequired(msg string) *Error    { return New(KindTwoFactorRequired, msg) }
func ReadOnly(msg string) *Error             { return New(KindReadOnly, msg) }
func Unsupported(msg string) *Error          { return New(KindUnsupported, msg) }
func WriteType(msg string) *Error            { return New(KindWriteType, msg) }
func Conflict(msg string) *Error             { return New(KindConflict, msg) }
func Transport(msg string, cause error) *Error {
	return Wrap(KindTransport, msg, cause)
}
func Invalid(msg string) *Error { return New(KindInvalid, msg) }

// KindOf returns the Kind of err if it (or something it wraps) is an *Error,
// and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}
