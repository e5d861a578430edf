// Package werr defines the closed error-kind set and the partial-result
// plumbing used throughout win32mem: an Op/Address/Err struct wrapped
// with %w so errors.Is and errors.As both work.
package werr

import (
	"errors"
	"fmt"
)

// Kind is the closed set of error categories the core can produce.
type Kind int

const (
	_ Kind = iota
	KindInitialization
	KindConnector
	KindInvalidArchitecture
	KindOutOfBounds
	KindNotPresent
	KindPartial
	KindModuleInfo
	KindEncoding
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindInitialization:
		return "initialization"
	case KindConnector:
		return "connector"
	case KindInvalidArchitecture:
		return "invalid architecture"
	case KindOutOfBounds:
		return "out of bounds"
	case KindNotPresent:
		return "not present"
	case KindPartial:
		return "partial"
	case KindModuleInfo:
		return "module info"
	case KindEncoding:
		return "encoding"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by every operation in this
// module. It always names the failing operation and the offending address,
// and never formats a stack trace.
type Error struct {
	Op      string
	Address uint64
	Kind    Kind
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: addr=0x%x: %s: %v", e.Op, e.Address, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: addr=0x%x: %s", e.Op, e.Address, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error for op/address/kind, optionally wrapping cause.
func New(op string, address uint64, kind Kind, cause error) *Error {
	return &Error{Op: op, Address: address, Kind: kind, Err: cause}
}

// Sentinel errors for use with errors.Is when the caller only cares about
// the category, not the address.
var (
	ErrNotPresent           = errors.New("page table entry not present")
	ErrOutOfBounds          = errors.New("value out of bounds for target pointer width")
	ErrModuleInfo           = errors.New("module not found")
	ErrInvalidArchitecture  = errors.New("invalid architecture for this operation")
	ErrDTBNotFound          = errors.New("unable to find dtb in low stub")
	ErrOffsetsMissing       = errors.New("no offsets registered for this build/architecture")
)

// Fragment describes a contiguous piece of a translation or read request:
// either a slice of bytes that was successfully produced, or an address
// range that failed along with the reason.
type Fragment struct {
	// Offset is the byte offset of this fragment within the original
	// request (e.g. within the buffer passed to a virtual read).
	Offset int
	Length int
	Err    error
}

// PartialResult is returned by every translation and virtual-read
// operation. Callers always get the successful prefix; Failed describes
// what did not come through, in request order. A nil Failed slice means
// the operation fully succeeded.
type PartialResult[T any] struct {
	Value  T
	Failed []Fragment
}

// Ok reports whether the result has no failed fragments.
func (p PartialResult[T]) Ok() bool { return len(p.Failed) == 0 }

// AsError returns a single error summarizing the partial failures, or nil
// if the result is Ok. It is meant for callers that want "did this fully
// succeed, yes/no" without walking Failed themselves.
func (p PartialResult[T]) AsError(op string) error {
	if p.Ok() {
		return nil
	}
	return New(op, 0, KindPartial, fmt.Errorf("%d unresolved fragment(s), first at offset %d: %w",
		len(p.Failed), p.Failed[0].Offset, p.Failed[0].Err))
}
