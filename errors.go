package microvm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/blacktop/go-microvm/internal/diag"
	"github.com/blacktop/go-microvm/internal/hv"
	"github.com/blacktop/go-microvm/internal/mem"
	"github.com/blacktop/go-microvm/internal/wire"
)

// ErrorKind classifies every error returned by a Sandbox.
type ErrorKind string

const (
	// KindSetup covers sandbox creation and lifecycle misuse.
	KindSetup ErrorKind = "setup"
	// KindProtocol is a malformed or oversized record crossing the boundary.
	KindProtocol ErrorKind = "protocol"
	// KindGuest is an error the guest reported. The sandbox stays usable.
	KindGuest ErrorKind = "guest"
	// KindFault is a crash of the guest. The sandbox is poisoned.
	KindFault ErrorKind = "fault"
	// KindCancelled is a call stopped by timeout, context or Kill.
	KindCancelled ErrorKind = "cancelled"
	// KindDiagnostics is a failure to collect or write diagnostics.
	KindDiagnostics ErrorKind = "diagnostics"
)

// Error is the structured error type returned by this package.
type Error struct {
	Kind   ErrorKind
	Op     string
	Code   wire.ErrorCode
	Detail string
	// DumpPath is the crash dump written for this error, if any.
	DumpPath string
	// Outcome is the diagnostic record of the failed call, if one was
	// captured.
	Outcome *diag.OutcomeRecord
	Cause   error
}

func (e *Error) Error() string {
	var b strings.Builder

	b.WriteString("microvm: [")
	b.WriteString(string(e.Kind))
	b.WriteString("]")
	if e.Op != "" {
		b.WriteByte(' ')
		b.WriteString(e.Op)
	}
	if e.Kind == KindGuest && e.Code != wire.NoError {
		b.WriteString(": ")
		b.WriteString(e.Code.String())
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.DumpPath != "" {
		b.WriteString(" (dump: ")
		b.WriteString(e.DumpPath)
		b.WriteByte(')')
	}
	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches another *Error by kind, so errors.Is(err, &Error{Kind: KindFault})
// works.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Kind == t.Kind
	}
	return false
}

func newError(kind ErrorKind, op string, cause error, format string, args ...any) *Error {
	e := &Error{Kind: kind, Op: op, Cause: cause}
	if format != "" {
		e.Detail = fmt.Sprintf(format, args...)
	}
	return e
}

// Conditions reported as the Cause of an *Error.
var (
	ErrHypervisorUnavailable = hv.ErrHypervisorUnavailable
	ErrPermissionDenied      = hv.ErrPermissionDenied
	ErrOutOfMemory           = mem.ErrOutOfMemory
	ErrSnapshotMismatch      = mem.ErrSnapshotMismatch
	ErrBufferTooSmall        = wire.ErrBufferTooSmall
	ErrProtocol              = wire.ErrProtocol

	// ErrSandboxBusy is returned when a call is already in flight.
	ErrSandboxBusy = errors.New("microvm: sandbox busy")
	// ErrSandboxPoisoned is returned after a fault, until the sandbox is
	// closed.
	ErrSandboxPoisoned = errors.New("microvm: sandbox poisoned by a guest fault")
	// ErrSandboxClosed is returned after Close.
	ErrSandboxClosed = errors.New("microvm: sandbox closed")
	// ErrHostFunctionNotFound is returned when the guest calls an
	// unregistered host function.
	ErrHostFunctionNotFound = errors.New("microvm: host function not found")
	// ErrCancelled is the cause of every KindCancelled error.
	ErrCancelled = errors.New("microvm: call cancelled")
	// ErrKilled is the cancellation cause used by InterruptHandle.Kill.
	ErrKilled = errors.New("microvm: killed")
)

// KindOf returns the kind of err, or "" when err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether the same call may succeed when retried on
// this sandbox: cancellations and guest errors leave it usable, as does a
// busy sandbox once the other call returns.
func IsRetryable(err error) bool {
	if errors.Is(err, ErrSandboxBusy) {
		return true
	}
	switch KindOf(err) {
	case KindCancelled, KindGuest:
		return true
	}
	return false
}

// GuestErrorCode returns the guest error code carried by err.
func GuestErrorCode(err error) (wire.ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindGuest {
		return e.Code, true
	}
	return wire.NoError, false
}
