// Package errors provides kind-tagged error handling for the risk engine.
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// Standard error functions
var (
	Is     = errors.Is
	As     = errors.As
	Join   = errors.Join
	Unwrap = errors.Unwrap
)

// Fault kinds. Every error surfaced by an engine contract carries one of
// these so callers can branch on failure class instead of string matching.
const (
	KindData               = "DataError"
	KindValidation         = "ValidationError"
	KindEscalationConflict = "EscalationConflict"
	KindBreakerFault       = "BreakerFault"
	KindUnknown            = "Unknown"
)

// Predefined taxonomy values. Compare with errors.Is; derive specifics with
// Explain, which copies.
var (
	Data               = NewWithKind(KindData)
	Validation         = NewWithKind(KindValidation)
	EscalationConflict = NewWithKind(KindEscalationConflict)
	BreakerFault       = NewWithKind(KindBreakerFault)
)

// Volatility contract errors. All are DataError kind: history problems
// degrade confidence, they never classify as validation failures.
var (
	ErrInsufficientData      = &Error{Kind: KindData, Message: "insufficient price history"}
	ErrStaleSource           = &Error{Kind: KindData, Message: "price source stale"}
	ErrAllSourcesUnavailable = &Error{Kind: KindData, Message: "all price sources unavailable"}
)

// Error is a kind-tagged error with an optional cause chain.
type Error struct {
	// Kind is the fault class, one of the Kind* constants.
	Kind string `json:"kind"`
	// Message is the human readable description of what went wrong.
	Message string `json:"message"`

	trace []byte
	cause error
}

var _ error = (*Error)(nil)

func New(message string) *Error {
	return &Error{Kind: KindUnknown, Message: message}
}

func NewWithKind(kind string) *Error {
	return &Error{Kind: kind}
}

func Wrap(err error) *Error {
	return &Error{Kind: KindUnknown, cause: err}
}

// Error implements error
func (e *Error) Error() string {
	str := fmt.Sprintf("[%s] ", e.Kind)
	if e.Message != "" {
		str += e.Message
	}
	if e.cause != nil {
		str += fmt.Sprintf(" (%s)", e.cause)
	}
	if len(e.trace) > 0 {
		str += fmt.Sprintf("\n\nTrace: %s", string(e.trace))
	}
	return str
}

// Reason returns a copy of the error with kind set to the given value
func (e *Error) Reason(kind string) *Error {
	err := *e
	err.Kind = kind
	return &err
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Wrap returns a copy of the error with the cause set
func (e *Error) Wrap(cause error) *Error {
	err := *e
	err.cause = cause
	return &err
}

// Explain makes a copy of the error with the given message
func (e *Error) Explain(message string, args ...any) *Error {
	err := *e
	err.Message = fmt.Sprintf(message, args...)
	return &err
}

// Trace sets the error stack trace
func (e *Error) Trace() *Error {
	stack := make([]byte, 2048)
	n := runtime.Stack(stack, false)
	e.trace = stack[:n]
	return e
}

// Is implements the interface needed by errors.Is: two *Error values match
// when their kinds match, so errors.Is(err, errors.Data) classifies faults.
func (e *Error) Is(target error) bool {
	if e == nil {
		return target == nil
	}
	if other, ok := target.(*Error); ok {
		if other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message) {
			return true
		}
	}
	if e.cause != nil {
		return Is(e.cause, target)
	}
	return false
}

// KindOf reports the fault kind of err, walking the cause chain; non-tagged
// errors report KindUnknown.
func KindOf(err error) string {
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
