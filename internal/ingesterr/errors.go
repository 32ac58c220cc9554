// Package ingesterr defines the closed set of error kinds the ingest
// pipeline can surface, so callers can branch on failure class with
// errors.Is instead of string matching.
package ingesterr

import "fmt"

// Kind is one of the error categories the ingest pipeline distinguishes.
type Kind int

const (
	Protocol Kind = iota
	Transport
	Database
	Capacity
	NotFound
	Config
	Internal
)

func (k Kind) String() string {
	switch k {
	case Protocol:
		return "protocol"
	case Transport:
		return "transport"
	case Database:
		return "database"
	case Capacity:
		return "capacity"
	case NotFound:
		return "not_found"
	case Config:
		return "config"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind, preserving the original
// error for errors.Unwrap/errors.Is/errors.As.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, ingesterr.Of(ingesterr.NotFound)) works without
// exposing the wrapped cause.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil
}

// Of returns a sentinel used only for errors.Is comparisons against a Kind.
func Of(k Kind) error { return &Error{Kind: k} }

// New wraps err with the given Kind and operation name.
func New(k Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Op: op, Err: err}
}
