// Package corerr classifies the error taxonomy shared by the shard
// runtime, the txn engine and the compute controller: which errors are
// retried internally, which are surfaced to the caller, and which halt
// the process.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by its recovery policy.
type Kind int

const (
	// KindInvalidUsage marks a caller mistake: surfaced, never retried.
	KindInvalidUsage Kind = iota
	// KindDeterminate marks an external operation that is known to have
	// failed (e.g. Blob key not found, stale Consensus CaS).
	KindDeterminate
	// KindIndeterminate marks an external operation whose outcome is
	// unknown; callers must retry idempotently.
	KindIndeterminate
	// KindFrontier marks a since/upper violation.
	KindFrontier
	// KindProtocol marks a protocol violation from a remote peer (e.g. a
	// replica frontier regression); logged and the peer is marked failed.
	KindProtocol
	// KindFatal marks an unrecoverable condition that should halt the
	// process cleanly so an orchestrator can restart it.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindInvalidUsage:
		return "invalid-usage"
	case KindDeterminate:
		return "determinate"
	case KindIndeterminate:
		return "indeterminate"
	case KindFrontier:
		return "frontier-violation"
	case KindProtocol:
		return "protocol-violation"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error is a classified error. Cause, when present, is preserved for
// errors.Is/As via Unwrap.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether target has the same Kind, letting callers write
// errors.Is(err, corerr.Frontier("")) style kind checks.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

func new_(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// InvalidUsage builds a KindInvalidUsage error.
func InvalidUsage(msg string) *Error { return new_(KindInvalidUsage, msg, nil) }

// InvalidUsagef builds a KindInvalidUsage error wrapping cause.
func InvalidUsagef(cause error, format string, args ...any) *Error {
	return new_(KindInvalidUsage, fmt.Sprintf(format, args...), cause)
}

// Determinate builds a KindDeterminate error.
func Determinate(msg string, cause error) *Error { return new_(KindDeterminate, msg, cause) }

// Indeterminate builds a KindIndeterminate error.
func Indeterminate(msg string, cause error) *Error { return new_(KindIndeterminate, msg, cause) }

// Frontier builds a KindFrontier error.
func Frontier(msg string) *Error { return new_(KindFrontier, msg, nil) }

// Protocol builds a KindProtocol error.
func Protocol(msg string) *Error { return new_(KindProtocol, msg, nil) }

// Fatal builds a KindFatal error.
func Fatal(msg string, cause error) *Error { return new_(KindFatal, msg, cause) }

// KindOf extracts the Kind from err, if it (or something it wraps) is a
// *Error. The zero value and ok=false are returned otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return 0, false
}

// ShouldHalt inspects an external error and decides whether the process
// should halt (clean exit for orchestrator restart) rather than bubble
// the error to a caller or panic. Only KindFatal errors halt; everything
// else is surfaced or retried by its caller.
func ShouldHalt(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindFatal
}

// Retryable reports whether the CaS-loop/reconnect machinery should
// retry err internally rather than surface it.
func Retryable(err error) bool {
	kind, ok := KindOf(err)
	return ok && kind == KindIndeterminate
}
