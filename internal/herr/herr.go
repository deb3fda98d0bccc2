// Package herr defines the error taxonomy shared by the hypervisor core: the
// page-table pool, the address-space translation layer, the VCPU trap layer
// and the virtual interrupt controller all fail with one of these kinds so a
// caller can recover with a single type switch instead of inspecting package-
// specific sentinels.
package herr

import (
	"errors"
	"fmt"
)

// Kind is the taxonomy of failures the hypervisor core surfaces to its
// callers. Each is recoverable in a different way; see the doc comment on the
// sentinel below for the recovery contract.
type Kind uint8

const (
	// OutOfMemory is returned when a pool's free list is exhausted. The
	// caller may retry once more tables are freed, or fail upward.
	OutOfMemory Kind = iota + 1

	// Invalid marks a bad size, bad stage, or unaligned address: a bug in
	// the caller. Reject and log; do not attempt partial recovery.
	Invalid

	// NotFound is returned by GetPage on an unmapped range. This is the
	// expected result of fault-driven population and is not itself an
	// error condition for the caller.
	NotFound

	// Conflict is returned when MapPage is asked to install a mapping
	// that overlaps an existing one. The caller must unmap first.
	Conflict

	// Unimplemented marks a split direction or fault class the core does
	// not (yet) handle. It propagates as a guest-visible fault rather
	// than a hypervisor bug.
	Unimplemented
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "out of memory"
	case Invalid:
		return "invalid"
	case NotFound:
		return "not found"
	case Conflict:
		return "conflict"
	case Unimplemented:
		return "unimplemented"
	default:
		return "unknown error kind"
	}
}

// Error is the concrete error value returned across package boundaries. Op
// names the failing operation (e.g. "mem: map_page") and Kind classifies the
// failure so callers can recover programmatically with errors.As.
type Error struct {
	Op   string
	Kind Kind
	Err  error // Optional wrapped cause.
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
	}

	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the same Kind, so callers can write
// errors.Is(err, herr.NotFound) without needing an *Error value in hand.
func (e *Error) Is(target error) bool {
	if k, ok := target.(Kind); ok {
		return e.Kind == k
	}

	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}

	return false
}

// Kind implements the errors.Is protocol against a bare Kind value, e.g.
// errors.Is(err, herr.NotFound).
func (k Kind) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}

	return other.Kind == k
}

func (k Kind) Error() string { return k.String() }

// New constructs an *Error for the given operation and kind.
func New(op string, kind Kind) *Error {
	return &Error{Op: op, Kind: kind}
}

// Wrap constructs an *Error that records an underlying cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Fatal panics for host-level programmer errors that must halt the offending
// code path rather than let them corrupt shared state: injecting an
// exception into a non-running VCPU, freeing a root table, addressing a
// register that does not exist, and the like.
func Fatal(op, reason string) {
	panic(fmt.Sprintf("%s: fatal: %s", op, reason))
}
