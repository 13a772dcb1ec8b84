// Package errs implements the control plane's error taxonomy: a small
// set of kinds (not type names) that every subsystem maps its failures
// onto, plus a stable string code for anything that crosses the
// command-execution port to a remote client.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error for propagation/retry policy purposes.
type Kind string

const (
	// Invalid means the caller gave bad input; do not retry.
	Invalid Kind = "invalid"
	// NotFound means the referenced entity does not exist.
	NotFound Kind = "not_found"
	// Conflict means the entity exists but is in the wrong state for
	// the requested operation.
	Conflict Kind = "conflict"
	// Transient means an I/O or timing failure; retry with backoff.
	Transient Kind = "transient"
	// Exhausted means a capacity limit was hit; shed load.
	Exhausted Kind = "exhausted"
	// Fatal means an invariant was broken; abort the offending item,
	// not the whole subsystem.
	Fatal Kind = "fatal"
)

// Stable string codes surfaced on the command-execution port and the
// gateway's command_error frames.
const (
	CodeInvalidType      = "InvalidType"
	CodeSpawnError       = "SpawnError"
	CodeResourceError    = "ResourceError"
	CodeAgentUnavailable = "AgentUnavailable"
	CodeNotFound         = "NotFound"
	CodeInUse            = "InUse"
	CodeQueueFull        = "QueueFull"
	CodeCycle            = "Cycle"
	CodeTerminal         = "Terminal"
	CodeLimitViolation   = "LimitViolation"
	CodeInvalidPolicy    = "InvalidPolicy"
	CodeStorageError     = "StorageError"
	CodeUnauthenticated  = "Unauthenticated"
)

// Error is the control plane's typed error: a Kind for propagation
// policy, a stable Code for wire exposure, and a human Msg.
type Error struct {
	Kind Kind
	Code string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// Newf builds an Error with a formatted message.
func Newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error around an existing cause.
func Wrap(kind Kind, code string, err error, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg, Err: err}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, else Fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Fatal
}

// CodeOf returns the stable Code of err if it is (or wraps) an *Error,
// else an empty string.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func NotFoundf(format string, args ...any) *Error {
	return Newf(NotFound, CodeNotFound, format, args...)
}

func Invalidf(code, format string, args ...any) *Error {
	return Newf(Invalid, code, format, args...)
}

func Conflictf(code, format string, args ...any) *Error {
	return Newf(Conflict, code, format, args...)
}

func Exhaustedf(code, format string, args ...any) *Error {
	return Newf(Exhausted, code, format, args...)
}

func Transientf(code, format string, args ...any) *Error {
	return Newf(Transient, code, format, args...)
}
