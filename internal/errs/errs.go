// Package errs defines the typed error vocabulary shared across the
// supervisors and stores. Every failure surfaced to a caller carries one
// Kind plus a human-readable message; no sensitive value is ever placed in
// the message (see internal/platform for redaction).
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies a failure. Callers branch on Kind via Is/As, never on
// message text.
type Kind string

const (
	InvalidConfig     Kind = "invalid_config"
	IngressConflict   Kind = "ingress_conflict"
	AlreadyActive     Kind = "already_active"
	NotActive         Kind = "not_active"
	EncoderLaunch     Kind = "encoder_launch"
	EncoderRuntime    Kind = "encoder_runtime"
	AuthFailed        Kind = "auth_failed"
	Malformed         Kind = "malformed"
	Io                Kind = "io"
	Timeout           Kind = "timeout"
	DownloadCancelled Kind = "download_cancelled"
	PermissionDenied  Kind = "permission_denied"
	Internal          Kind = "internal"
)

// Error is the concrete error type carrying a Kind, the operation that
// failed, an optional wrapped cause, and (for EncoderRuntime) the
// subprocess's exit code and a redacted stderr tail.
type Error struct {
	Kind       Kind
	Op         string
	Err        error
	ExitCode   int
	StderrTail []string
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a plain Error of the given Kind.
func New(kind Kind, op string, cause error) error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// NewEncoderRuntime builds an EncoderRuntime error carrying the exit code and
// the last stderr lines (already redacted by the caller).
func NewEncoderRuntime(op string, exitCode int, stderrTail []string, cause error) error {
	return &Error{Kind: EncoderRuntime, Op: op, Err: cause, ExitCode: exitCode, StderrTail: stderrTail}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error, and false
// otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err is (or wraps) an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
