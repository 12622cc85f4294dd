// Package errkind classifies pipeline errors into the small set of kinds the
// orchestrator reacts to: retry, log-and-continue, or abort the stage.
package errkind

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// Unknown covers errors that were not raised through this package.
	Unknown Kind = iota
	// DeadlineExceeded means the caller's deadline passed; retryable at the
	// outer loop, never recorded in the ledger.
	DeadlineExceeded
	// Transport covers network/timeout failures; retried per-unit up to a
	// worker-supplied limit.
	Transport
	// Decode covers CSV/binary/gzip/tar decode failures; terminal for the
	// affected entry, the stage continues with the rest.
	Decode
	// Persistence covers store failures; terminal for the enclosing
	// transaction.
	Persistence
	// Bug covers violated invariants (missing required CSV table, a
	// ledger state created ab initio that must only ever be promoted).
	Bug
	// Message is a free-form error, used by the git side-channel.
	Message
)

func (k Kind) String() string {
	switch k {
	case DeadlineExceeded:
		return "deadline_exceeded"
	case Transport:
		return "transport"
	case Decode:
		return "decode"
	case Persistence:
		return "persistence"
	case Bug:
		return "bug"
	case Message:
		return "message"
	default:
		return "unknown"
	}
}

// Error wraps a cause with its Kind.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New wraps cause with kind. A nil cause still produces a non-nil *Error
// carrying just the kind, useful for sentinel-style comparisons.
func New(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Cause: cause}
}

// Newf formats a message and wraps it as kind.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Cause: fmt.Errorf(format, args...)}
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}

	return false
}

// KindOf returns the kind of err, or Unknown if err was not raised through
// this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}

	return Unknown
}
