package vm

import (
	"errors"
	"fmt"
)

// Sentinel errors for encoding violations. Checked codec entry points return
// an *EncodingError that unwraps to exactly one of these.
var (
	ErrMisaligned       = errors.New("address misaligned")
	ErrOutOfRange       = errors.New("address outside encoding range")
	ErrInvalidNarrowRef = errors.New("narrow reference out of range")
)

// EncodingError reports which codec invariant a value broke.
type EncodingError struct {
	Kind  error // one of ErrMisaligned, ErrOutOfRange, ErrInvalidNarrowRef
	Addr  Address
	Ref   NarrowRef
	Base  Address
	Shift uint
}

func (e *EncodingError) Error() string {
	switch e.Kind {
	case ErrMisaligned:
		return fmt.Sprintf("%v: %s not aligned to %d bytes", e.Kind, e.Addr, alignmentFor(e.Shift))
	case ErrInvalidNarrowRef:
		return fmt.Sprintf("%v: %d (base %s, shift %d)", e.Kind, e.Ref, e.Base, e.Shift)
	default:
		return fmt.Sprintf("%v: %s (base %s, shift %d)", e.Kind, e.Addr, e.Base, e.Shift)
	}
}

func (e *EncodingError) Unwrap() error {
	return e.Kind
}

// StateError is the panic value raised when a header accessor is used
// against the wrong layout, locking discipline, or lifecycle state.
// HeaderLayout raises it only when diagnostics are enabled; HeaderWord has
// no mode and always checks SetForwardExpanded.
type StateError struct {
	Op     string
	Header HeaderWord
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s (header %s)", e.Op, e.Reason, e.Header)
}

// stateViolation panics with a StateError.
func stateViolation(op string, h HeaderWord, format string, args ...any) {
	panic(&StateError{Op: op, Header: h, Reason: fmt.Sprintf(format, args...)})
}
