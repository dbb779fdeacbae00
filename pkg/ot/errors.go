package ot

import "fmt"

// ErrorKind classifies the ways an Operation can fail to build, decode, or
// apply. Callers should use errors.As to recover a *Error and switch on
// Kind rather than matching error strings.
type ErrorKind int

const (
	// InvalidArgument is returned when a builder call receives an argument
	// that cannot be represented, such as a negative Retain/Delete length.
	InvalidArgument ErrorKind = iota
	// InvalidEncoding is returned when FromJSON is given a wire value that
	// is not a component: anything other than a nonzero integer or a
	// nonempty string.
	InvalidEncoding
	// LengthMismatch is returned when an operation's baseLength does not
	// match the length of the document it is applied to, or when Compose/
	// Transform are given operations whose lengths are not compatible.
	LengthMismatch
	// InvariantViolation is returned when applying an operation's
	// components would walk past the bounds of the document, which can
	// only happen if baseLength and the component lengths disagree.
	InvariantViolation
)

func (k ErrorKind) String() string {
	switch k {
	case InvalidArgument:
		return "invalid_argument"
	case InvalidEncoding:
		return "invalid_encoding"
	case LengthMismatch:
		return "length_mismatch"
	case InvariantViolation:
		return "invariant_violation"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by pkg/ot.
type Error struct {
	Kind ErrorKind
	Msg  string
}

func (e *Error) Error() string {
	return fmt.Sprintf("ot: %s: %s", e.Kind, e.Msg)
}

func newError(kind ErrorKind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Sentinel errors preserved for callers that only need to recognize a
// specific failure mode without inspecting Kind.
var (
	// ErrInvalidBaseLength is returned by ApplyToDocument when an
	// operation's baseLength does not match the document length.
	ErrInvalidBaseLength = &Error{Kind: LengthMismatch, Msg: "operation base length does not match document length"}
)
