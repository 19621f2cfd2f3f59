// Package kerrors defines the error kinds shared across kbot's components
// and their propagation policy.
package kerrors

import "fmt"

// Kind classifies an error for propagation-policy purposes. Callers should
// branch on Kind via errors.As(err, &kindErr), never on string matching.
type Kind string

const (
	KindValidation Kind = "validation"
	KindNotFound   Kind = "not_found"
	KindIO         Kind = "io"
	KindStorage    Kind = "storage"
	KindRouting    Kind = "routing"
	KindTimeout    Kind = "timeout"
	KindShutdown   Kind = "shutdown"
)

// Error is a typed error carrying a Kind and an optional field name, for a
// structured {field, expectedType, actualType} shape on Validation errors.
type Error struct {
	Kind         Kind
	Op           string // operation that failed, e.g. "appendTurn"
	Field        string
	ExpectedType string
	ActualType   string
	Err          error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Field != "" {
		msg += fmt.Sprintf(" (field=%s)", e.Field)
	}
	if e.ExpectedType != "" || e.ActualType != "" {
		msg += fmt.Sprintf(" (expected=%s actual=%s)", e.ExpectedType, e.ActualType)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, kerrors.ErrNotFound) style checks against a bare
// Kind sentinel (one with an empty Op, such as the Err* values below).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == ""
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func Validation(op, field, expectedType, actualType string) *Error {
	return &Error{Kind: KindValidation, Op: op, Field: field, ExpectedType: expectedType, ActualType: actualType}
}

func NotFound(op string) *Error {
	return &Error{Kind: KindNotFound, Op: op}
}

func IO(op string, err error) *Error {
	return &Error{Kind: KindIO, Op: op, Err: err}
}

func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err}
}

// UnknownAgent is the Routing-kind error for the session router's
// unknown-agent-id case.
func UnknownAgent(agentID string) *Error {
	return &Error{Kind: KindRouting, Op: "resolveSession", Field: "agentId", Err: fmt.Errorf("unknown agent %q", agentID)}
}

func Timeout(op string) *Error {
	return &Error{Kind: KindTimeout, Op: op}
}

// Sentinels for errors.Is comparisons.
var (
	ErrNotFound   = &Error{Kind: KindNotFound}
	ErrValidation = &Error{Kind: KindValidation}
	ErrIO         = &Error{Kind: KindIO}
	ErrStorage    = &Error{Kind: KindStorage}
	ErrRouting    = &Error{Kind: KindRouting}
	ErrTimeout    = &Error{Kind: KindTimeout}
)
