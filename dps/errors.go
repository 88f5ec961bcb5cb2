// Copyright 2026 The DPSX Authors
// SPDX-License-Identifier: Apache-2.0

package dps

import (
	"errors"
	"fmt"
)

// Code classifies a session error. A Code is itself an error, so
// callers match with errors.Is:
//
//	if errors.Is(err, dps.DeadContext) { ... }
type Code uint8

const (
	// ProtocolError is a malformed or truncated record from the peer.
	// The record is dropped and the connection stays usable.
	ProtocolError Code = iota + 1
	// EncodingCheck is an incompatible program and name encoding
	// combination, rejected before anything is sent.
	EncodingCheck
	// InvalidAccess is an operation that needs ownership of the
	// remote context, attempted through an attached one.
	InvalidAccess
	// DeadContext is an operation on a context the peer reported dead,
	// or one destroyed while it was being waited on.
	DeadContext
	// ResultTagCheck is a result object whose tag names no slot.
	ResultTagCheck
	// ResultTypeCheck is a result object that does not fit its slot.
	ResultTypeCheck
	// ClosedConnection is a transport failure. It is fatal to the
	// session.
	ClosedConnection
	// RecursiveWait is a second wait on a context already being
	// waited on.
	RecursiveWait
	// RemoteError is an error the interpreter reported for a context.
	RemoteError
	// Fatal is a broken internal invariant. It is fatal to the
	// session.
	Fatal
)

var codeNames = map[Code]string{
	ProtocolError:    "protocol error",
	EncodingCheck:    "encoding check",
	InvalidAccess:    "invalid access",
	DeadContext:      "dead context",
	ResultTagCheck:   "result tag check",
	ResultTypeCheck:  "result type check",
	ClosedConnection: "closed connection",
	RecursiveWait:    "recursive wait",
	RemoteError:      "remote error",
	Fatal:            "fatal error",
}

func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return "dps: " + name
	}
	return fmt.Sprintf("dps: error code %d", uint8(c))
}

// IsFatal reports whether errors of this code poison the session.
func (c Code) IsFatal() bool { return c == ClosedConnection || c == Fatal }

// Error is a classified error about one context. Context is zero for
// session-wide errors.
type Error struct {
	Code    Code
	Context ContextID
	Err     error
}

func (e *Error) Error() string {
	var prefix string
	if e.Context != 0 {
		prefix = fmt.Sprintf("context %d: ", e.Context)
	}
	if e.Err == nil {
		return prefix + e.Code.Error()
	}
	return fmt.Sprintf("%s%s: %v", prefix, e.Code.Error(), e.Err)
}

// Unwrap exposes both the code and the cause to errors.Is and
// errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Code}
	}
	return []error{e.Code, e.Err}
}

func newError(code Code, id ContextID, format string, args ...any) *Error {
	return &Error{Code: code, Context: id, Err: fmt.Errorf(format, args...)}
}

func wrapError(code Code, id ContextID, err error) *Error {
	return &Error{Code: code, Context: id, Err: err}
}

// CodeOf returns the code of the first classified error in err's
// chain, or zero.
func CodeOf(err error) Code {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Code
	}
	var code Code
	if errors.As(err, &code) {
		return code
	}
	return 0
}
