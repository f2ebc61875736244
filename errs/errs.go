// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package errs defines the closed set of error kinds surfaced to
// clients across the completion backend, and a typed error that
// carries a kind alongside an internal cause. Handlers at every
// boundary (socket protocol, WebSocket frames, persistence workers)
// map internal failures onto one of these kinds before the error
// crosses out of the process; no stack trace or internal detail ever
// reaches a client.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a client-visible error classification. The zero value is
// never used as a real kind — every returned *Error has one of the
// named constants.
type Kind string

const (
	Unauthenticated Kind = "unauthenticated"
	Forbidden       Kind = "forbidden"
	RateLimited     Kind = "rate-limited"
	InvalidRequest  Kind = "invalid-request"
	Busy            Kind = "busy"
	Timeout         Kind = "timeout"
	Internal        Kind = "internal"
)

// Error is the error type passed across every internal boundary that
// eventually surfaces to a client. Kind is always one of the Kind
// constants above; Message is safe to show verbatim; Cause, if set,
// is logged but never serialized onto the wire.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New constructs an *Error with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that attributes a client-visible kind and
// message to an internal cause. Use this at the boundary where an
// internal error (a Redis timeout, a SQLite constraint violation) is
// translated into something safe to tell the client.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind of err if it is (or wraps) an *Error,
// otherwise returns Internal — the safe default for an unclassified
// failure.
func KindOf(err error) Kind {
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return Internal
}
