// Package errors declares the root errors used to classify settlement
// failures.
//
// Every error returned by the engine wraps exactly one root error. Callers
// test the category with kind.Is(err) or the standard library errors.Is, and
// the service layer maps categories onto transport codes.
package errors

import (
	stderrors "errors"
	"fmt"
	"reflect"

	"github.com/pkg/errors"
)

var (
	// ErrIntegrity is returned when evidence fails the digest comparison.
	// It is terminal for the submission it belongs to.
	ErrIntegrity = Register(2, "integrity check failed")

	// ErrConfiguration is returned for invalid waterfall terms, contributor
	// shares or missing ledger provisioning. No state transition happens.
	ErrConfiguration = Register(3, "configuration error")

	// ErrTransient is returned for timeouts and connectivity failures of an
	// external collaborator. The failed step is safe to retry.
	ErrTransient = Register(4, "transient failure")

	// ErrInvalidState is returned when an operation is not allowed from the
	// current state of a settlement.
	ErrInvalidState = Register(5, "invalid state")

	// ErrInvalidInput stands for general input problems.
	ErrInvalidInput = Register(6, "invalid input")

	// ErrNotFound is returned when requested data does not exist.
	ErrNotFound = Register(7, "not found")

	// ErrUnauthorized is returned when the acting identity may not perform
	// the operation.
	ErrUnauthorized = Register(8, "unauthorized")

	// ErrConflict is returned when a record was modified concurrently.
	ErrConflict = Register(9, "concurrent modification")

	// ErrDuplicate is returned when a unique key is already taken.
	ErrDuplicate = Register(10, "duplicate")

	// ErrCrossAsset is returned when arithmetic mixes two asset codes.
	ErrCrossAsset = Register(11, "cross asset arithmetic")

	// ErrInsufficientBalance is returned by a value transfer ledger when the
	// source cannot cover the amount.
	ErrInsufficientBalance = Register(12, "insufficient balance")

	// ErrNotProvisioned is returned when a destination cannot hold the asset.
	ErrNotProvisioned = Register(13, "destination not provisioned")

	// ErrPayloadTooLarge is returned when an audit payload exceeds the
	// ledger bound.
	ErrPayloadTooLarge = Register(14, "payload too large")

	// ErrSignature is returned when a signing identity is unknown or its
	// signature is rejected.
	ErrSignature = Register(15, "signature error")

	// ErrQuotaExceeded is returned when the document store refuses content.
	ErrQuotaExceeded = Register(16, "quota exceeded")

	// ErrPanic is only set when we recover from a panic.
	ErrPanic = Register(111222, "panic")
)

// Register returns an error instance that should be used as the base for
// creating error instances during runtime. Attempt to reuse an error code
// results in panic.
//
// Use this function only during a program startup phase.
func Register(code uint32, description string) *Error {
	if e, ok := usedCodes[code]; ok {
		panic(fmt.Sprintf("error with code %d is already registered: %q", code, e.desc))
	}
	err := &Error{
		code: code,
		desc: description,
	}
	usedCodes[err.code] = err
	return err
}

// usedCodes keeps track of used codes to ensure their uniqueness.
var usedCodes = map[uint32]*Error{
	1: nil, // Code 1 is reserved for errors not wrapping any root error.
}

// Error represents a root error.
type Error struct {
	code uint32
	desc string
}

func (e Error) Error() string {
	return e.desc
}

// Code returns the registered code of this root error.
func (e Error) Code() uint32 {
	return e.code
}

// New returns a new error wrapping this root error.
func (e *Error) New(description string) error {
	return Wrap(e, description)
}

// Newf is New with formatting capabilities.
func (e *Error) Newf(description string, args ...interface{}) error {
	return e.New(fmt.Sprintf(description, args...))
}

// Is checks if given error instance is of this kind. This involves
// unwrapping given error using the Cause or Unwrap method if available.
func (kind *Error) Is(err error) bool {
	// Reflect usage is necessary to correctly compare with
	// a nil implementation of an error.
	if kind == nil {
		if err == nil {
			return true
		}
		return reflect.ValueOf(err).IsNil()
	}

	for {
		if e, ok := err.(*Error); ok && e == kind {
			return true
		}
		switch c := err.(type) {
		case causer:
			err = c.Cause()
		case interface{ Unwrap() error }:
			err = c.Unwrap()
		default:
			return false
		}
		if err == nil {
			return false
		}
	}
}

// Wrap extends given error with an additional information.
//
// If err is nil, this returns nil, avoiding the need for an if statement when
// wrapping an error returned at the end of a function.
func Wrap(err error, description string) error {
	if err == nil {
		return nil
	}

	// Attach the stacktrace only once, at the most inner wrap.
	if stackTrace(err) == nil {
		err = errors.WithStack(err)
	}

	return &wrappedError{
		parent: err,
		msg:    description,
	}
}

// Wrapf extends given error with an additional formatted information.
func Wrapf(err error, format string, args ...interface{}) error {
	return Wrap(err, fmt.Sprintf(format, args...))
}

// Classify returns err unchanged when it already wraps a registered root
// error, otherwise it wraps it with fallback.
func Classify(err error, fallback *Error) error {
	if err == nil {
		return nil
	}
	if Root(err) != nil {
		return err
	}
	return Wrap(fallback, err.Error())
}

// Root returns the registered root error wrapped by err, or nil.
func Root(err error) *Error {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e
		}
		switch c := err.(type) {
		case causer:
			err = c.Cause()
		case interface{ Unwrap() error }:
			err = c.Unwrap()
		default:
			return nil
		}
	}
	return nil
}

// IsRetryable reports whether the failed step may be retried without
// duplicating side effects.
func IsRetryable(err error) bool {
	return ErrTransient.Is(err) || ErrConflict.Is(err)
}

// Recover captures a panic and stops its propagation. Call it using defer.
func Recover(err *error) {
	if r := recover(); r != nil {
		*err = Wrapf(ErrPanic, "%v", r)
	}
}

type wrappedError struct {
	msg    string
	parent error
}

func (e *wrappedError) Error() string {
	return fmt.Sprintf("%s: %s", e.msg, e.parent.Error())
}

func (e *wrappedError) Cause() error {
	return e.parent
}

// Unwrap lets the standard library errors.Is and errors.As walk the chain.
func (e *wrappedError) Unwrap() error {
	return e.parent
}

// causer is implemented by errors that support wrapping, including the ones
// created by github.com/pkg/errors.
type causer interface {
	Cause() error
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

func stackTrace(err error) errors.StackTrace {
	var st stackTracer
	if stderrors.As(err, &st) {
		return st.StackTrace()
	}
	return nil
}
