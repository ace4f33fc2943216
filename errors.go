// Package echost implements the embedded-controller side of a Host Command
// protocol: a transport-agnostic request/response dispatcher that validates
// framed requests, looks them up in a static handler registry, invokes the
// handler, and returns a framed response.
package echost

import (
	"errors"
	"fmt"
)

// Error is this module's structured Go-side error type — distinct from
// wire.Status, which is the protocol-level result code that rides in a
// response header and never leaves the wire. Error is for failures in
// setting the system up (a transport that never comes ready, a
// misconfigured dispatcher) that have no response to carry them.
//
// Error carries an operation name, an error code, a human-readable message,
// an optional wrapped cause, and a Backend field naming which transport
// backend failed, if any. It supports errors.Is/As through Unwrap and Is.
type Error struct {
	Op      string    // Operation that failed (e.g., "Init", "Run")
	Backend string    // Transport backend name, empty if not applicable
	Code    ErrorCode // High-level error category
	Msg     string    // Human-readable message
	Inner   error     // Wrapped error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	switch {
	case e.Op != "" && e.Backend != "":
		return fmt.Sprintf("echost: %s (op=%s backend=%s)", msg, e.Op, e.Backend)
	case e.Op != "":
		return fmt.Sprintf("echost: %s (op=%s)", msg, e.Op)
	default:
		return fmt.Sprintf("echost: %s", msg)
	}
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is by comparing error codes.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// ErrorCode represents high-level error categories for this module's own
// Go-side errors. It is deliberately a much smaller table than wire.Status:
// it only covers failures of the dispatcher/transport plumbing itself, not
// anything a handler can return.
type ErrorCode string

const (
	ErrCodeDeviceNotReady   ErrorCode = "device not ready"
	ErrCodeInvalidConfig    ErrorCode = "invalid configuration"
	ErrCodeRegistryConflict ErrorCode = "duplicate handler registration"
	ErrCodeTransportClosed  ErrorCode = "transport closed"
	ErrCodeIOError          ErrorCode = "I/O error"
)

// NewError creates a new structured error.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewBackendError creates a new structured error naming the transport
// backend that failed.
func NewBackendError(op, backend string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Backend: backend, Code: code, Msg: msg}
}

// WrapError wraps an existing error with echost context, preserving an
// inner *Error's code and backend if inner is already one of ours.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok {
		return &Error{Op: op, Backend: ie.Backend, Code: ie.Code, Msg: ie.Msg, Inner: ie.Inner}
	}
	return &Error{Op: op, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err (or any error it wraps) carries the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
