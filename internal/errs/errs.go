// Package errs declares the error kinds surfaced by the dedup index core.
//
// The kinds mirror the treatment table from the index design: some are
// benign and swallowed by callers, others are fatal to a lifecycle phase.
// A Kind is carried inside a plain Go error built by New or Newf so callers can keep
// using errors.Is/errors.As instead of comparing sentinel values directly.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error returned by the index core.
type Kind int

const (
	// Success is never actually wrapped into an error value; it exists so
	// Kind has a recognisable zero-adjacent "no error" member for switches.
	Success Kind = iota
	Overflow
	DuplicateName
	NotSavedCleanly
	CorruptComponent
	CorruptData
	NoIndex
	OOM
	ShuttingDown
	BadState
	InvalidArgument
)

func (k Kind) String() string {
	switch k {
	case Success:
		return "SUCCESS"
	case Overflow:
		return "OVERFLOW"
	case DuplicateName:
		return "DUPLICATE_NAME"
	case NotSavedCleanly:
		return "NOT_SAVED_CLEANLY"
	case CorruptComponent:
		return "CORRUPT_COMPONENT"
	case CorruptData:
		return "CORRUPT_DATA"
	case NoIndex:
		return "NO_INDEX"
	case OOM:
		return "OOM"
	case ShuttingDown:
		return "SHUTTING_DOWN"
	case BadState:
		return "BAD_STATE"
	case InvalidArgument:
		return "INVALID_ARGUMENT"
	default:
		return "UNKNOWN"
	}
}

// kindError pairs a Kind with a human-readable message so fmt.Errorf("%w")
// chains still resolve to the right Kind via errors.As.
type kindError struct {
	kind Kind
	msg  string
}

func (e *kindError) Error() string { return fmt.Sprintf("%s: %s", e.kind, e.msg) }

// New creates an error carrying the given Kind.
func New(k Kind, msg string) error {
	return &kindError{kind: k, msg: msg}
}

// Newf is New with fmt.Sprintf-style formatting.
func Newf(k Kind, format string, args ...any) error {
	return &kindError{kind: k, msg: fmt.Sprintf(format, args...)}
}

// Is reports whether err carries the given Kind, unwrapping as needed.
func Is(err error, k Kind) bool {
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind == k
	}
	return false
}

// KindOf extracts the Kind carried by err, or Success if err is nil, or
// InvalidArgument if err does not carry a recognised Kind (defensive
// default for errors that escaped from a collaborator outside this core).
func KindOf(err error) Kind {
	if err == nil {
		return Success
	}
	var ke *kindError
	if errors.As(err, &ke) {
		return ke.kind
	}
	return InvalidArgument
}

// Benign reports whether the error kind is one that callers are expected to
// swallow and continue (OVERFLOW, DUPLICATE_NAME).
func Benign(err error) bool {
	k := KindOf(err)
	return k == Overflow || k == DuplicateName
}
