// Package selfdbg implements the public surface of a self-debugging
// controller: an in-process debugger that attaches to its own host
// process, catches debug exceptions raised by sibling threads, and
// mediates inspection and mutation of their execution state.
package selfdbg

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-selfdbg/internal/native"
)

// Error is a structured controller error with context: an operation name,
// a classifying code, a message, and an optional wrapped cause, plus
// ThreadID/Address fields since most failures here name a thread or an
// address.
type Error struct {
	Op       string
	Code     ErrorCode
	ThreadID native.ThreadID
	Address  native.Address
	Msg      string
	Inner    error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.ThreadID != 0 {
		parts = append(parts, fmt.Sprintf("thread=%d", e.ThreadID))
	}
	if e.Address != 0 {
		parts = append(parts, fmt.Sprintf("address=%#x", e.Address))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if len(parts) > 0 {
		// Report the most specific context field that is set.
		return fmt.Sprintf("selfdbg: %s (%s)", msg, parts[len(parts)-1])
	}
	return fmt.Sprintf("selfdbg: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/errors.As support.
func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is comparison against a bare ErrorCode as well as
// another *Error with the same code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if code, ok := target.(ErrorCode); ok {
		return e.Code == code
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// ErrorCode classifies a controller failure.
type ErrorCode string

const (
	ErrCodeKernel            ErrorCode = "kernel_error"
	ErrCodePosix             ErrorCode = "posix_error"
	ErrCodeInvalidBreakpoint ErrorCode = "invalid_breakpoint"
	ErrCodeInvalidAllocation ErrorCode = "invalid_allocation"
	ErrCodeInvalidPacket     ErrorCode = "invalid_packet"
	ErrCodeInvalidChecksum   ErrorCode = "invalid_checksum"
	ErrCodeParseError        ErrorCode = "parse_error"
)

func (c ErrorCode) Error() string { return string(c) }

// NewError creates a structured Error with the given operation and code.
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewThreadError creates an Error naming the thread involved.
func NewThreadError(op string, tid native.ThreadID, code ErrorCode, msg string) *Error {
	return &Error{Op: op, ThreadID: tid, Code: code, Msg: msg}
}

// NewAddressError creates an Error naming the address involved.
func NewAddressError(op string, addr native.Address, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Address: addr, Code: code, Msg: msg}
}

// WrapError wraps inner with controller context. If inner is already an
// *Error, the result keeps its code, thread, address, message and cause and
// only takes the new op; inner itself is not kept as the cause. Any other
// error is classified with code and kept as the cause.
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if existing, ok := inner.(*Error); ok {
		return &Error{
			Op:       op,
			Code:     existing.Code,
			ThreadID: existing.ThreadID,
			Address:  existing.Address,
			Msg:      existing.Msg,
			Inner:    existing.Inner,
		}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}
