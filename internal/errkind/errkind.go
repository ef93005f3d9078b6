// Package errkind declares the error categories the debug session can
// fail with and a Kind-tagged wrapper so callers (the protocol
// adapter, the session controller) can discriminate them with
// errors.As without the core leaking its internal error types.
package errkind

import "github.com/pkg/errors"

// Kind discriminates the session's error categories.
type Kind string

const (
	InvalidArgument Kind = "invalid-argument"
	NotAttached     Kind = "not-attached"
	EvalInProgress  Kind = "eval-in-progress"
	ProcessStopped  Kind = "process-stopped"
	ProcessRunning  Kind = "process-running"
	RuntimeError    Kind = "runtime-error"
	SymbolMissing   Kind = "symbol-missing"
	ResolveFailure  Kind = "resolve-failure"
	Cancelled       Kind = "cancelled"
	Timeout         Kind = "timeout"
	AlreadyInit     Kind = "already-initialized"
)

// Error carries a Kind alongside the wrapped cause so callers can
// discriminate with errors.As(err, &errkind.Error{}) and still print a
// human-readable message via Error().
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds a Kind error from a plain message.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap attaches a Kind to an existing error, mirroring errors.Wrap's
// signature so call sites read the same way as the rest of the
// codebase.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrap(err, msg)}
}

// Wrapf is the formatted form of Wrap.
func Wrapf(kind Kind, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: errors.Wrapf(err, format, args...)}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
