// Package engineerr defines the engine's error taxonomy: every failure that
// crosses a strategy -> scheduler -> CLI boundary is wrapped into one of a
// small set of Kinds so the scheduler can apply keep-going policy and the
// CLI can choose an exit code without re-parsing error strings.
package engineerr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// User errors are actionable by the user: bad flags, missing inputs, a
	// tool exiting non-zero. The build aborts, deferred under --keep_going.
	User Kind = iota
	// Environment errors are transient (I/O, network, host resource
	// exhaustion). Retryable at strategy discretion.
	Environment
	// Internal errors are invariant violations (duplicate output producer,
	// cache poisoning). Always fatal, regardless of --keep_going.
	Internal
	// Interrupted marks cooperative cancellation.
	Interrupted
)

func (k Kind) String() string {
	switch k {
	case User:
		return "User"
	case Environment:
		return "Environment"
	case Internal:
		return "Internal"
	case Interrupted:
		return "Interrupted"
	default:
		return "Unknown"
	}
}

// Error wraps a cause with a Kind and, for Internal errors, the invariant
// that was violated.
type Error struct {
	Kind      Kind
	Invariant string // only meaningful when Kind == Internal
	Cause     error
}

func (e *Error) Error() string {
	if e.Invariant != "" {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Invariant, e.Cause)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// Wrap tags cause with kind, preserving the error chain via %w so that
// errors.Is/errors.As still see through to the original cause.
func Wrap(kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: cause}
}

// Wrapf is Wrap with an additional formatted message prepended to cause.
func Wrapf(kind Kind, cause error, format string, args ...any) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Cause: fmt.Errorf(format+": %w", append(args, cause)...)}
}

// Invariant constructs an Internal error naming the invariant that broke.
func Invariant(name string, cause error) error {
	return &Error{Kind: Internal, Invariant: name, Cause: cause}
}

// Interrupt is the sentinel cause used when a cooperative cancellation
// reaches a suspension point (ResourceManager.acquire, worker borrow, a DAG
// dependency wait). Strategies and the scheduler check for it with Is.
var Interrupt = &Error{Kind: Interrupted, Cause: errors.New("build interrupted")}

// KindOf extracts the Kind of err, defaulting to Environment for errors that
// were never classified (a defensive default: unclassified failures are
// assumed transient rather than silently treated as user-actionable).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Environment
}

// IsInterrupted reports whether err is, or wraps, the Interrupted sentinel.
func IsInterrupted(err error) bool {
	return KindOf(err) == Interrupted
}
