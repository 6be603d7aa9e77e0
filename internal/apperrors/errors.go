// Package apperrors implements the error taxonomy shared by every
// subsystem of the collaboration client runtime.
//
// Every error that crosses a component boundary (broker to manager,
// workspace to core operation, facade to caller) is an *AppError: a
// stable machine-readable Kind plus a human-readable message and
// optional details, in the shape used throughout this codebase's
// reference material for surfaced application errors.
package apperrors

import (
	"errors"
	"fmt"
	"runtime"
)

// Kind is the top-level error taxonomy from the error handling design.
type Kind string

const (
	KindDecode      Kind = "DECODE"
	KindProtocol    Kind = "PROTOCOL"
	KindTransport   Kind = "TRANSPORT"
	KindAuth        Kind = "AUTH"
	KindSemantic    Kind = "SEMANTIC"
	KindCancelled   Kind = "CANCELLED"
	KindInterrupted Kind = "INTERRUPTED"
	KindTimeout     Kind = "TIMEOUT"
	KindInternal    Kind = "INTERNAL"
)

// Code is a machine-readable sub-classification within a Kind, mirroring
// the reference's UPPER_SNAKE_CASE error codes.
type Code string

const (
	CodeBadSecurityCreds Code = "BAD_SECURITY_CREDS"
	CodePwdRequired      Code = "PWD_REQUIRED"
	CodeBanned           Code = "BANNED"
	CodeAccountLocked    Code = "ACCOUNT_LOCKED"
	CodeOOS              Code = "OOS"
	CodeBadKwsID         Code = "BAD_KWS_ID"
	CodeBadEmailID       Code = "BAD_EMAIL_ID"
	CodeDeletedKws       Code = "DELETED_KWS"
	CodeUpgradeRequired  Code = "UPGRADE_REQUIRED"
	CodeInvalidConfig    Code = "INVALID_CONFIG"
	CodeMisc             Code = "MISC_ERROR"
	CodeCannotGetTicket  Code = "CANNOT_GET_TICKET"
	CodeVersionMismatch  Code = "VERSION_MISMATCH"
	CodeTunnelFailed     Code = "TUNNEL_START_FAILED"
)

// AppError is the single error type passed across subsystem boundaries.
type AppError struct {
	Kind    Kind
	Code    Code
	Message string
	Details string
	cause   error
	stack   []uintptr
}

func (e *AppError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("%s/%s: %s - %s", e.Kind, e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s/%s: %s", e.Kind, e.Code, e.Message)
}

func (e *AppError) Unwrap() error { return e.cause }

// Is supports errors.Is comparisons by Kind+Code, ignoring message/details.
func (e *AppError) Is(target error) bool {
	var t *AppError
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind && e.Code == t.Code
}

func captureStack() []uintptr {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(3, pcs)
	return pcs[:n]
}

// New creates an AppError with no wrapped cause.
func New(kind Kind, code Code, message string) *AppError {
	e := &AppError{Kind: kind, Code: code, Message: message}
	if kind == KindInternal {
		e.stack = captureStack()
	}
	return e
}

// Wrap creates an AppError around an existing error, recording a stack
// trace when the Kind is Internal (mirrors the fatal-error propagation
// policy in the error handling design: Internal errors must carry
// enough context for the out-of-process reporter).
func Wrap(kind Kind, code Code, message string, cause error) *AppError {
	e := New(kind, code, message)
	e.cause = cause
	return e
}

// WithDetails attaches a details string and returns the same error for chaining.
func (e *AppError) WithDetails(details string) *AppError {
	e.Details = details
	return e
}

// Stack renders the captured call stack, if any (Internal errors only).
func (e *AppError) Stack() string {
	if len(e.stack) == 0 {
		return ""
	}
	frames := runtime.CallersFrames(e.stack)
	out := ""
	for {
		frame, more := frames.Next()
		out += fmt.Sprintf("%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return out
}

// OfKind reports whether err is an *AppError of the given Kind.
func OfKind(err error, kind Kind) bool {
	var ae *AppError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Kind == kind
}

// Sentinel errors for common terminal conditions, used by the core
// operation framework and the coordinator's listener dispatch rules.
var (
	ErrCancelled   = New(KindCancelled, "", "operation cancelled")
	ErrInterrupted = New(KindInterrupted, "", "interrupted by state change")
	ErrTimeout     = New(KindTimeout, "", "operation timed out")
)
