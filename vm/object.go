package vm

import (
	"fmt"
	"sync/atomic"
)

// WordSize is the size of a heap word in bytes.
const WordSize = 8

// Object is a heap object as the header layer sees it: a header word
// that is only ever changed with atomic operations, the object's type,
// its slots, and the hidden identity hash slot objects gain when the
// collector expands them.
type Object struct {
	addr Address
	mark atomic.Uint64

	// class is the full-width type reference. With compact headers the
	// narrow reference in the header is authoritative and class only
	// mirrors it for objects whose header is displaced.
	class *Class

	slots []uint64

	expanded   bool
	hiddenHash uint32
}

// Address returns the object's current address.
func (obj *Object) Address() Address { return obj.addr }

// Mark loads the header word.
func (obj *Object) Mark() HeaderWord {
	return HeaderWord(obj.mark.Load())
}

// SetMark stores the header word. Only valid when no other thread can
// race on this object's header.
func (obj *Object) SetMark(h HeaderWord) {
	obj.mark.Store(uint64(h))
}

// CompareAndSwapMark installs h if the header is still old.
func (obj *Object) CompareAndSwapMark(old, h HeaderWord) bool {
	return obj.mark.CompareAndSwap(uint64(old), uint64(h))
}

// Class returns the full-width type reference.
func (obj *Object) Class() *Class { return obj.class }

// NumSlots returns the number of payload slots.
func (obj *Object) NumSlots() int { return len(obj.slots) }

// GetSlot returns the slot at index.
// Panics if index is out of range.
func (obj *Object) GetSlot(index int) uint64 {
	if index < 0 || index >= len(obj.slots) {
		panic("Object.GetSlot: index out of range")
	}
	return obj.slots[index]
}

// SetSlot sets the slot at index.
// Panics if index is out of range.
func (obj *Object) SetSlot(index int, v uint64) {
	if index < 0 || index >= len(obj.slots) {
		panic("Object.SetSlot: index out of range")
	}
	obj.slots[index] = v
}

// Expanded reports whether the object carries the hidden hash slot.
func (obj *Object) Expanded() bool { return obj.expanded }

// HiddenHash returns the identity hash installed in the hidden slot.
func (obj *Object) HiddenHash() uint32 { return obj.hiddenHash }

// SizeWords returns the object's footprint: header, type word unless the
// type lives in the header, slots, and the hidden hash slot if present.
func (obj *Object) SizeWords(compact bool) int {
	return objectSizeWords(compact, len(obj.slots), obj.expanded)
}

func objectSizeWords(compact bool, slots int, expanded bool) int {
	n := 1 + slots
	if !compact {
		n++
	}
	if expanded {
		n++
	}
	return n
}

func (obj *Object) String() string {
	name := "?"
	if obj.class != nil {
		name = obj.class.Name()
	}
	return fmt.Sprintf("%s@%s", name, obj.addr)
}
