// Package orcherr defines the core's closed error taxonomy. Business-rule
// errors are surfaced to callers unmodified; External errors are recovered
// by the owning component (logged as an event, entity reverted) and never
// propagate verbatim.
package orcherr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is one of the seven error categories the core exposes. It is a closed
// enum: external callers map each Kind to a transport-layer code themselves.
type Kind string

const (
	NotFound               Kind = "not_found"
	Conflict               Kind = "conflict"
	DependenciesUnresolved Kind = "dependencies_unresolved"
	BudgetExceeded         Kind = "budget_exceeded"
	Validation             Kind = "validation"
	Concurrency            Kind = "concurrency"
	External               Kind = "external"
)

// Error is the core's structured error type. Details carries Kind-specific
// payload (e.g. offending dependency ids, budget caps vs. spend).
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithDetail attaches a key/value to the error's Details map.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// New builds an Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: errors.WithStack(cause)}
}

// Is reports whether err is an *Error of the given kind (walking Unwrap).
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// Convenience constructors used throughout the component packages.

func NotFoundf(format string, args ...any) *Error {
	return New(NotFound, fmt.Sprintf(format, args...))
}

func Conflictf(format string, args ...any) *Error {
	return New(Conflict, fmt.Sprintf(format, args...))
}

func Validationf(format string, args ...any) *Error {
	return New(Validation, fmt.Sprintf(format, args...))
}

func Concurrencyf(format string, args ...any) *Error {
	return New(Concurrency, fmt.Sprintf(format, args...))
}
