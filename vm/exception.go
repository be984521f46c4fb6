package vm

import (
	"errors"
	"fmt"
)

// ---------------------------------------------------------------------------
// Exception values
// ---------------------------------------------------------------------------

// Exception kinds raised by the runtime itself.
const (
	ExcError         = "Error"
	ExcDivideByZero  = "DivideByZero"
	ExcOverflow      = "Overflow"
	ExcTypeError     = "TypeError"
	ExcHostError     = "HostError"
	ExcMissingField  = "MissingField"
	ExcNilReference  = "NilReference"
	ExcStackOverflow = "StackOverflow"
	ExcCancelled     = "Cancelled"
	ExcUndefinedHost = "UndefinedHost"
)

// ErrCancelled is the cause of every Cancelled exception.
var ErrCancelled = errors.New("tern: execution cancelled")

// Exception is the payload of runtime-raised exceptions. Programs may
// throw any Value; catch filters match Exception kinds only.
type Exception struct {
	Kind    string
	Message string
	Payload Value
	Cause   error
}

// NewException creates an exception of the given kind.
func NewException(kind, format string, args ...any) *Exception {
	return &Exception{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func (e *Exception) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

func (e *Exception) Unwrap() error { return e.Cause }

// ExceptionOf returns the *Exception held by v, if any.
func ExceptionOf(v Value) (*Exception, bool) {
	e, ok := v.Ref().(*Exception)
	return e, ok
}

// filterMatches reports whether a catch filter accepts the thrown value.
// The empty filter accepts everything, cancellation included.
func filterMatches(filter string, thrown Value) bool {
	if filter == "" {
		return true
	}
	e, ok := ExceptionOf(thrown)
	return ok && e.Kind == filter
}

// ThrownError is returned to the host when an exception escapes a program.
type ThrownError struct {
	Value Value
}

func (e *ThrownError) Error() string {
	if exc, ok := ExceptionOf(e.Value); ok {
		return "uncaught exception: " + exc.Error()
	}
	return "uncaught exception: " + e.Value.String()
}

// Unwrap exposes the thrown *Exception so errors.Is and errors.As see its
// cause chain.
func (e *ThrownError) Unwrap() error {
	if exc, ok := ExceptionOf(e.Value); ok {
		return exc
	}
	return nil
}

func cancelledException(cause error) *Exception {
	err := ErrCancelled
	if cause != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, cause)
	}
	return &Exception{Kind: ExcCancelled, Message: "execution cancelled", Cause: err}
}
