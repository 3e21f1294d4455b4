package vm

import (
	"fmt"
)

// TypeLUTEntry is the packed summary of a type descriptor held in the
// type lookup cache.
//
// Bit layout (most significant first):
//
//	bits 29-31  kind (7 = invalid)
//	bit  28     baseline
//
// Instance kinds:
//
//	bit  27     instance info present
//	bits 20-26  instance size in words
//	bits  7-13  first oop map block offset (words)
//	bits  0-6   first oop map block count
//
// Array kinds:
//
//	bits 10-13  element type
//	bits  2-9   header size in bytes
//	bits  0-1   log2 element size
//
// Entry layout is part of the snapshot format and must not change.
type TypeLUTEntry uint32

// InvalidTypeLUTEntry marks slots no descriptor was registered at.
const InvalidTypeLUTEntry TypeLUTEntry = 0xFFFFFFFF

const (
	lutKindShift     = 29
	lutKindMask      = 0x7
	lutBaselineBit   = 1 << 28
	lutHasInfoBit    = 1 << 27
	lutSizeShift     = 20
	lutSizeMask      = 0x7F
	lutOmbOffShift   = 7
	lutOmbOffMask    = 0x7F
	lutOmbCountMask  = 0x7F
	lutElemShift     = 10
	lutElemMask      = 0xF
	lutHeaderShift   = 2
	lutHeaderMask    = 0xFF
	lutLog2ElemMask  = 0x3
	maxInlineSizeWds = lutSizeMask
)

// BuildTypeLUTEntry summarizes td. Instance kinds only carry their layout
// inline when it fits; otherwise readers fall back to the descriptor.
func BuildTypeLUTEntry(td TypeDescriptor) TypeLUTEntry {
	kind := td.Kind()
	if !kind.Valid() {
		panic(fmt.Sprintf("BuildTypeLUTEntry: %s has invalid kind %d", td.Name(), kind))
	}
	e := uint32(kind) << lutKindShift
	if td.Baseline() {
		e |= lutBaselineBit
	}
	if kind.IsArray() {
		al := td.ArrayLayout()
		e |= uint32(al.Element)&lutElemMask<<lutElemShift |
			uint32(al.HeaderBytes)&lutHeaderMask<<lutHeaderShift |
			uint32(al.Log2ElementSize())&lutLog2ElemMask
		return TypeLUTEntry(e)
	}
	if info, ok := packInstanceInfo(kind, td.InstanceLayout()); ok {
		e |= lutHasInfoBit | info
	}
	return TypeLUTEntry(e)
}

// packInstanceInfo packs an instance layout if the kind has no hidden
// per-instance fields, the size fits, and there is at most one oop map
// block.
func packInstanceInfo(kind TypeKind, il InstanceLayout) (uint32, bool) {
	if kind != KindInstance && kind != KindInstanceRef {
		return 0, false
	}
	if il.SizeWords <= 0 || il.SizeWords > maxInlineSizeWds || len(il.OopMaps) > 1 {
		return 0, false
	}
	info := uint32(il.SizeWords) << lutSizeShift
	if len(il.OopMaps) == 1 {
		b := il.OopMaps[0]
		if b.Offset > lutOmbOffMask || b.Count > lutOmbCountMask {
			return 0, false
		}
		info |= uint32(b.Offset)<<lutOmbOffShift | uint32(b.Count)
	}
	return info, true
}

// IsValid reports whether e was produced by a registration.
func (e TypeLUTEntry) IsValid() bool { return e != InvalidTypeLUTEntry }

// Kind returns the structural kind. Only meaningful for valid entries.
func (e TypeLUTEntry) Kind() TypeKind {
	return TypeKind(uint32(e) >> lutKindShift & lutKindMask)
}

// IsInstance reports whether e describes an instance kind.
func (e TypeLUTEntry) IsInstance() bool { return e.IsValid() && e.Kind().IsInstance() }

// IsArray reports whether e describes an array kind.
func (e TypeLUTEntry) IsArray() bool { return e.IsValid() && e.Kind().IsArray() }

// Baseline reports whether the type is in the always-resident set.
func (e TypeLUTEntry) Baseline() bool { return e.IsValid() && uint32(e)&lutBaselineBit != 0 }

// CarriesInstanceInfo reports whether the instance layout can be read from
// the entry instead of the descriptor.
func (e TypeLUTEntry) CarriesInstanceInfo() bool {
	return e.IsInstance() && uint32(e)&lutHasInfoBit != 0
}

// InstanceSizeWords returns the inline instance size, or 0 if the entry
// carries no instance info.
func (e TypeLUTEntry) InstanceSizeWords() int {
	if !e.CarriesInstanceInfo() {
		return 0
	}
	return int(uint32(e) >> lutSizeShift & lutSizeMask)
}

// OopMapBlock returns the inline oop map block, if any.
func (e TypeLUTEntry) OopMapBlock() (OopMapBlock, bool) {
	if !e.CarriesInstanceInfo() {
		return OopMapBlock{}, false
	}
	b := OopMapBlock{
		Offset: int(uint32(e) >> lutOmbOffShift & lutOmbOffMask),
		Count:  int(uint32(e) & lutOmbCountMask),
	}
	return b, b.Count > 0
}

// ArrayElementType returns the element type of an array entry.
func (e TypeLUTEntry) ArrayElementType() ElementType {
	if !e.IsArray() {
		return ElemNone
	}
	return ElementType(uint32(e) >> lutElemShift & lutElemMask)
}

// ArrayHeaderBytes returns the array header size of an array entry.
func (e TypeLUTEntry) ArrayHeaderBytes() int {
	if !e.IsArray() {
		return 0
	}
	return int(uint32(e) >> lutHeaderShift & lutHeaderMask)
}

// ArrayLog2ElementSize returns log2 of the element size of an array entry.
func (e TypeLUTEntry) ArrayLog2ElementSize() uint {
	if !e.IsArray() {
		return 0
	}
	return uint(uint32(e) & lutLog2ElemMask)
}

// VerifyAgainst checks that e summarizes td.
func (e TypeLUTEntry) VerifyAgainst(td TypeDescriptor) error {
	if !e.IsValid() {
		return fmt.Errorf("entry for %s is invalid", td.Name())
	}
	if e.Kind() != td.Kind() {
		return fmt.Errorf("entry for %s has kind %s, descriptor has %s", td.Name(), e.Kind(), td.Kind())
	}
	if e.Baseline() != td.Baseline() {
		return fmt.Errorf("entry for %s has baseline=%t, descriptor has %t", td.Name(), e.Baseline(), td.Baseline())
	}
	if e.CarriesInstanceInfo() {
		il := td.InstanceLayout()
		if e.InstanceSizeWords() != il.SizeWords {
			return fmt.Errorf("entry for %s has size %d words, descriptor has %d", td.Name(), e.InstanceSizeWords(), il.SizeWords)
		}
		b, ok := e.OopMapBlock()
		switch {
		case ok != (len(il.OopMaps) == 1 && il.OopMaps[0].Count > 0):
			return fmt.Errorf("entry for %s disagrees on oop maps", td.Name())
		case ok && b != il.OopMaps[0]:
			return fmt.Errorf("entry for %s has oop map %+v, descriptor has %+v", td.Name(), b, il.OopMaps[0])
		}
	}
	if e.IsArray() {
		al := td.ArrayLayout()
		if e.ArrayElementType() != al.Element || e.ArrayHeaderBytes() != al.HeaderBytes&lutHeaderMask {
			return fmt.Errorf("entry for %s disagrees on array layout", td.Name())
		}
	}
	return nil
}

func (e TypeLUTEntry) String() string {
	if !e.IsValid() {
		return "invalid"
	}
	s := fmt.Sprintf("%s baseline=%t", e.Kind().ShortName(), e.Baseline())
	switch {
	case e.CarriesInstanceInfo():
		b, _ := e.OopMapBlock()
		s += fmt.Sprintf(" size=%d omb=%d+%d", e.InstanceSizeWords(), b.Offset, b.Count)
	case e.IsInstance():
		s += " noinfo"
	case e.IsArray():
		s += fmt.Sprintf(" elem=%d hdr=%d", e.ArrayElementType(), e.ArrayHeaderBytes())
	}
	return s
}
