// Package orbiterr defines the error taxonomy shared by every OrbitMesh
// component. Callers should use errors.Is/errors.As rather than string
// matching. Errors with a known category carry one of the Codes below;
// CodeOf reports Internal for an error that carries none.
package orbiterr

import (
	"errors"
	"fmt"
)

// Code identifies the category of failure. Codes are language-neutral tags,
// not Go types, so they translate cleanly onto gRPC status codes and HTTP
// status codes at the transport boundary.
type Code string

const (
	NotFound         Code = "not_found"
	InvalidArgument  Code = "invalid_argument"
	Conflict         Code = "conflict"
	Unauthorized     Code = "unauthorized"
	ResourceExhausted Code = "resource_exhausted"
	Unavailable      Code = "unavailable"
	Timeout          Code = "timeout"
	Internal         Code = "internal"
)

// Error wraps an underlying cause with a Code and a human-readable message.
// Use errors.Is(err, orbiterr.NotFound) is not valid — Code is not an error.
// Use orbiterr.Is(err, orbiterr.NotFound) instead, or call CodeOf(err).
type Error struct {
	code    Code
	message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error { return e.cause }

// Code returns the error's category.
func (e *Error) Code() Code { return e.code }

// New constructs an *Error with no wrapped cause.
func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap constructs an *Error that wraps cause with the given code and message.
// If cause is nil, Wrap returns nil.
func Wrap(code Code, message string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{code: code, message: message, cause: cause}
}

// Is reports whether err (or any error it wraps) carries the given Code.
func Is(err error, code Code) bool {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.code == code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to Internal if err does not
// carry one. Used at transport boundaries (gRPC status, HTTP status) to
// translate an arbitrary error into a response code.
func CodeOf(err error) Code {
	var oe *Error
	if errors.As(err, &oe) {
		return oe.code
	}
	return Internal
}

// Retryable reports whether the propagation policy in the spec calls for
// local recovery with backoff (Unavailable, Timeout) as opposed to surfacing
// the error to the caller without retry (InvalidArgument, Conflict, NotFound,
// Unauthorized, ResourceExhausted, Internal).
func Retryable(err error) bool {
	switch CodeOf(err) {
	case Unavailable, Timeout:
		return true
	default:
		return false
	}
}
