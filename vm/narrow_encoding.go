package vm

import (
	"fmt"
)

// Address is a full-width address of a runtime entity (type descriptor,
// object, monitor, lock record). Zero is the null address.
type Address uint64

// String formats the address as hex.
func (a Address) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// IsNull reports whether a is the null address.
func (a Address) IsNull() bool {
	return a == 0
}

// NarrowRef is the compressed form of a type descriptor address:
// (address - base) >> shift. Zero means "no reference".
type NarrowRef uint32

// IsNull reports whether r is the reserved "no reference" value.
func (r NarrowRef) IsNull() bool {
	return r == 0
}

// Codec limits
const (
	// MaxNarrowBits is the widest narrow reference the codec produces.
	MaxNarrowBits = 22

	// MaxNarrowShift is the largest supported encoding shift.
	MaxNarrowShift = 10

	// minLogAlignment: descriptors are always at least 8-byte aligned.
	minLogAlignment = 3
)

// alignmentFor returns the required descriptor alignment for a shift.
func alignmentFor(shift uint) uint64 {
	if shift < minLogAlignment {
		return 1 << minLogAlignment
	}
	return 1 << shift
}

// ---------------------------------------------------------------------------
// Pure arithmetic
// ---------------------------------------------------------------------------

// EncodeNarrow compresses a relative to base and shift. The null address
// maps to the null reference. No validation is done; see
// NarrowEncoding.Encode for the checked form.
func EncodeNarrow(a Address, base Address, shift uint) NarrowRef {
	if a.IsNull() {
		return 0
	}
	return NarrowRef(uint64(a-base) >> shift)
}

// DecodeNarrow expands r relative to base and shift. The null reference
// maps to the null address.
func DecodeNarrow(r NarrowRef, base Address, shift uint) Address {
	if r.IsNull() {
		return 0
	}
	return base + Address(uint64(r)<<shift)
}

// ---------------------------------------------------------------------------
// NarrowEncoding
// ---------------------------------------------------------------------------

// NarrowEncoding holds the process-wide base/shift pair together with the
// valid id range. It is immutable once constructed; narrow references
// produced under one encoding are meaningless under another.
type NarrowEncoding struct {
	base  Address
	shift uint
	bits  uint

	lowest  NarrowRef
	highest NarrowRef

	diagnostics bool
}

// EncodingOption customizes a NarrowEncoding at construction.
type EncodingOption func(*NarrowEncoding) error

// WithDescriptorRange restricts valid ids to descriptors living in
// [start, start+size). By default every id in [1, 2^bits) is valid.
func WithDescriptorRange(start Address, size uint64) EncodingOption {
	return func(e *NarrowEncoding) error {
		if size == 0 {
			return fmt.Errorf("descriptor range at %s is empty", start)
		}
		end := start + Address(size)
		if start < e.base || end > e.End() || end < start {
			return fmt.Errorf("descriptor range [%s, %s) outside encoding range [%s, %s)",
				start, end, e.base, e.End())
		}
		lo := NarrowRef(uint64(start-e.base) >> e.shift)
		if uint64(start-e.base)&(uint64(1)<<e.shift-1) != 0 {
			lo++
		}
		if lo < 1 {
			lo = 1
		}
		hi := NarrowRef(uint64(end-e.base-1) >> e.shift)
		if hi < lo {
			return fmt.Errorf("descriptor range [%s, %s) holds no encodable address", start, end)
		}
		e.lowest, e.highest = lo, hi
		return nil
	}
}

// WithEncodingDiagnostics makes the unchecked entry points validate their
// input and panic on violations.
func WithEncodingDiagnostics(on bool) EncodingOption {
	return func(e *NarrowEncoding) error {
		e.diagnostics = on
		return nil
	}
}

// NewNarrowEncoding creates an encoding over the window
// [base, base + 2^(bits+shift)).
func NewNarrowEncoding(base Address, shift, bits uint, opts ...EncodingOption) (*NarrowEncoding, error) {
	if bits == 0 || bits > MaxNarrowBits {
		return nil, fmt.Errorf("narrow reference width %d outside [1, %d]", bits, MaxNarrowBits)
	}
	if shift > MaxNarrowShift {
		return nil, fmt.Errorf("encoding shift %d exceeds %d", shift, MaxNarrowShift)
	}
	if uint64(base)%alignmentFor(shift) != 0 {
		return nil, fmt.Errorf("encoding base %s not aligned to %d bytes", base, alignmentFor(shift))
	}
	span := uint64(1) << (bits + shift)
	if uint64(base)+span < uint64(base) {
		return nil, fmt.Errorf("encoding range at %s wraps the address space", base)
	}

	e := &NarrowEncoding{
		base:    base,
		shift:   shift,
		bits:    bits,
		lowest:  1,
		highest: NarrowRef(uint64(1)<<bits - 1),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// ComputeNarrowEncoding picks the smallest shift that lets bits-wide
// references address a descriptor range of rangeSize bytes starting at
// rangeStart. The first granule of the range is reserved so that no
// descriptor encodes to the null reference.
func ComputeNarrowEncoding(rangeStart Address, rangeSize uint64, bits uint, opts ...EncodingOption) (*NarrowEncoding, error) {
	if bits == 0 || bits > MaxNarrowBits {
		return nil, fmt.Errorf("narrow reference width %d outside [1, %d]", bits, MaxNarrowBits)
	}
	for shift := uint(0); shift <= MaxNarrowShift; shift++ {
		if rangeSize > uint64(1)<<(bits+shift) {
			continue
		}
		if uint64(rangeStart)%alignmentFor(shift) != 0 {
			return nil, fmt.Errorf("range start %s not aligned to %d bytes for shift %d",
				rangeStart, alignmentFor(shift), shift)
		}
		all := append([]EncodingOption{WithDescriptorRange(rangeStart, rangeSize)}, opts...)
		return NewNarrowEncoding(rangeStart, shift, bits, all...)
	}
	return nil, fmt.Errorf("range of %d bytes not addressable with %d-bit references", rangeSize, bits)
}

// Base returns the encoding base.
func (e *NarrowEncoding) Base() Address { return e.base }

// Shift returns the encoding shift.
func (e *NarrowEncoding) Shift() uint { return e.shift }

// Bits returns the narrow reference width.
func (e *NarrowEncoding) Bits() uint { return e.bits }

// Alignment returns the alignment every encodable address must have.
func (e *NarrowEncoding) Alignment() uint64 { return alignmentFor(e.shift) }

// NumRefs returns 2^bits, the number of distinct narrow reference values.
func (e *NarrowEncoding) NumRefs() int { return 1 << e.bits }

// End returns the exclusive end of the encoding window.
func (e *NarrowEncoding) End() Address {
	return e.base + Address(uint64(1)<<(e.bits+e.shift))
}

// LowestValidID returns the smallest id a real descriptor can have.
func (e *NarrowEncoding) LowestValidID() NarrowRef { return e.lowest }

// HighestValidID returns the largest id a real descriptor can have.
func (e *NarrowEncoding) HighestValidID() NarrowRef { return e.highest }

// Diagnostics reports whether unchecked paths validate their input.
func (e *NarrowEncoding) Diagnostics() bool { return e.diagnostics }

func (e *NarrowEncoding) String() string {
	return fmt.Sprintf("narrow encoding base=%s shift=%d bits=%d ids=[%d, %d]",
		e.base, e.shift, e.bits, e.lowest, e.highest)
}

// CheckAddress validates that a non-null a is aligned and lies inside the
// window and the valid descriptor range.
func (e *NarrowEncoding) CheckAddress(a Address) error {
	if uint64(a)%e.Alignment() != 0 {
		return &EncodingError{Kind: ErrMisaligned, Addr: a, Base: e.base, Shift: e.shift}
	}
	if a < e.base || a >= e.End() {
		return &EncodingError{Kind: ErrOutOfRange, Addr: a, Base: e.base, Shift: e.shift}
	}
	r := EncodeNarrow(a, e.base, e.shift)
	if r < e.lowest || r > e.highest {
		return &EncodingError{Kind: ErrOutOfRange, Addr: a, Base: e.base, Shift: e.shift}
	}
	return nil
}

// CheckNarrowRef validates that a non-null r has no stray high bits, lies
// in [LowestValidID, HighestValidID] and decodes to an aligned address.
// Below shift 3 only every (8 >> shift)-th id names a descriptor.
func (e *NarrowEncoding) CheckNarrowRef(r NarrowRef) error {
	if uint64(r)>>e.bits != 0 || r < e.lowest || r > e.highest {
		return &EncodingError{Kind: ErrInvalidNarrowRef, Ref: r, Base: e.base, Shift: e.shift}
	}
	if a := DecodeNarrow(r, e.base, e.shift); uint64(a)%e.Alignment() != 0 {
		return &EncodingError{Kind: ErrMisaligned, Addr: a, Ref: r, Base: e.base, Shift: e.shift}
	}
	return nil
}

// Encode is the checked encoder. The null address yields the null
// reference.
func (e *NarrowEncoding) Encode(a Address) (NarrowRef, error) {
	if a.IsNull() {
		return 0, nil
	}
	if err := e.CheckAddress(a); err != nil {
		return 0, err
	}
	return EncodeNarrow(a, e.base, e.shift), nil
}

// Decode is the checked decoder. The null reference yields the null
// address.
func (e *NarrowEncoding) Decode(r NarrowRef) (Address, error) {
	if r.IsNull() {
		return 0, nil
	}
	if err := e.CheckNarrowRef(r); err != nil {
		return 0, err
	}
	return DecodeNarrow(r, e.base, e.shift), nil
}

// EncodeUnchecked encodes an address the caller already knows is valid.
// With diagnostics on, an invalid address panics with its *EncodingError.
func (e *NarrowEncoding) EncodeUnchecked(a Address) NarrowRef {
	if e.diagnostics && !a.IsNull() {
		if err := e.CheckAddress(a); err != nil {
			panic(err)
		}
		r := EncodeNarrow(a, e.base, e.shift)
		if DecodeNarrow(r, e.base, e.shift) != a {
			panic(fmt.Sprintf("NarrowEncoding.EncodeUnchecked: %s does not round-trip", a))
		}
		return r
	}
	return EncodeNarrow(a, e.base, e.shift)
}

// DecodeUnchecked decodes a reference the caller already knows is valid.
// With diagnostics on, an invalid reference panics with its *EncodingError.
func (e *NarrowEncoding) DecodeUnchecked(r NarrowRef) Address {
	if e.diagnostics && !r.IsNull() {
		if err := e.CheckNarrowRef(r); err != nil {
			panic(err)
		}
	}
	return DecodeNarrow(r, e.base, e.shift)
}
