// Package errs defines the error taxonomy used across the framework in
// place of thrown exceptions. Every error the lifecycle, refresh, and cache
// engines raise is classified into one of a small number of kinds so that
// callers can branch on Is* predicates instead of string matching.
package errs

import "fmt"

// Kind classifies an Error. See spec §7 for the propagation policy attached
// to each kind.
type Kind int

const (
	// InternalErr indicates a failure the framework can tolerate (e.g. a log
	// or cache write failure) — it must never fail the caller by itself.
	InternalErr Kind = iota

	// BundleFailure indicates an invalid lifecycle transition, an activator
	// error, a resolve failure, or a cache failure during install/update.
	BundleFailure

	// StateErr indicates an operation attempted on a bundle in a state that
	// forbids it (e.g. uninstalled, or starting while starting/stopping).
	StateErr

	// ArgumentErr indicates a caller-supplied argument violates a
	// precondition (negative timeout, non-positive start level).
	ArgumentErr

	// SecurityErr indicates a permission provider denied an operation.
	SecurityErr
)

func (k Kind) String() string {
	switch k {
	case InternalErr:
		return "internal"
	case BundleFailure:
		return "bundle-failure"
	case StateErr:
		return "state"
	case ArgumentErr:
		return "argument"
	case SecurityErr:
		return "security"
	default:
		return "unknown"
	}
}

// Error is the error type returned by the framework's packages.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s error: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s error: %s", e.Kind, e.Message)
}

// Unwrap allows errors.Is/errors.As to see through to the cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether err classifies as kind.
func Is(err error, kind Kind) bool {
	if e, ok := err.(*Error); ok {
		return e.Kind == kind
	}
	return false
}

// IsBundleFailure reports whether err is a BundleFailure.
func IsBundleFailure(err error) bool { return Is(err, BundleFailure) }

// IsStateError reports whether err is a StateErr.
func IsStateError(err error) bool { return Is(err, StateErr) }

// IsArgumentError reports whether err is an ArgumentErr.
func IsArgumentError(err error) bool { return Is(err, ArgumentErr) }

// IsSecurityError reports whether err is a SecurityErr.
func IsSecurityError(err error) bool { return Is(err, SecurityErr) }

// IsInternalError reports whether err is an InternalErr.
func IsInternalError(err error) bool { return Is(err, InternalErr) }

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// BundleFailuref builds a BundleFailure.
func BundleFailuref(format string, args ...interface{}) *Error {
	return newf(BundleFailure, format, args...)
}

// StateErrorf builds a StateErr.
func StateErrorf(format string, args ...interface{}) *Error {
	return newf(StateErr, format, args...)
}

// ArgumentErrorf builds an ArgumentErr.
func ArgumentErrorf(format string, args ...interface{}) *Error {
	return newf(ArgumentErr, format, args...)
}

// SecurityErrorf builds a SecurityErr.
func SecurityErrorf(format string, args ...interface{}) *Error {
	return newf(SecurityErr, format, args...)
}

// InternalErrorf builds an InternalErr.
func InternalErrorf(format string, args ...interface{}) *Error {
	return newf(InternalErr, format, args...)
}

// Wrap attaches cause to a new Error of kind with the given message.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	e := newf(kind, format, args...)
	e.Cause = cause
	return e
}
