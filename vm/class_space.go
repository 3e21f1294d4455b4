package vm

import (
	"errors"
	"fmt"

	"github.com/sasha-s/go-deadlock"
)

// ErrClassSpaceExhausted is returned when no room is left for a descriptor.
var ErrClassSpaceExhausted = errors.New("class space exhausted")

// DescriptorBytes is the space reserved per type descriptor.
const DescriptorBytes = 512

// ClassSpace hands out descriptor addresses and resolves addresses and
// narrow references back to descriptors. With an encoding, descriptors are
// placed inside its valid id range; the first granule of the window is
// never handed out, so no descriptor encodes to the null reference.
type ClassSpace struct {
	enc       *NarrowEncoding
	alignment uint64

	mu     deadlock.RWMutex
	next   Address
	end    Address
	byAddr map[Address]*Class
	order  []*Class
}

// NewClassSpace creates a class space covering the valid id range of enc.
func NewClassSpace(enc *NarrowEncoding) *ClassSpace {
	start := DecodeNarrow(enc.LowestValidID(), enc.Base(), enc.Shift())
	end := DecodeNarrow(enc.HighestValidID(), enc.Base(), enc.Shift()) + Address(enc.Alignment())
	return newClassSpace(enc, start, end, enc.Alignment())
}

// NewUncompressedClassSpace creates a class space over [start, start+size)
// for runs without narrow references.
func NewUncompressedClassSpace(start Address, size uint64) *ClassSpace {
	return newClassSpace(nil, start+Address(1<<minLogAlignment), start+Address(size), 1<<minLogAlignment)
}

func newClassSpace(enc *NarrowEncoding, start, end Address, alignment uint64) *ClassSpace {
	return &ClassSpace{
		enc:       enc,
		alignment: alignment,
		next:      alignUp(start, alignment),
		end:       end,
		byAddr:    make(map[Address]*Class),
	}
}

func alignUp(a Address, alignment uint64) Address {
	return Address((uint64(a) + alignment - 1) &^ (alignment - 1))
}

// Encoding returns the narrow encoding, or nil for an uncompressed space.
func (cs *ClassSpace) Encoding() *NarrowEncoding { return cs.enc }

// Len returns the number of defined classes.
func (cs *ClassSpace) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.order)
}

// Classes returns all defined classes in definition order.
func (cs *ClassSpace) Classes() []*Class {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]*Class, len(cs.order))
	copy(out, cs.order)
	return out
}

func (cs *ClassSpace) define(c *Class) (*Class, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	size := alignUp(DescriptorBytes, cs.alignment)
	if cs.next+size > cs.end || cs.next+size < cs.next {
		return nil, fmt.Errorf("define %s: %w", c.name, ErrClassSpaceExhausted)
	}
	c.addr = cs.next
	if cs.enc != nil {
		if _, err := cs.enc.Encode(c.addr); err != nil {
			return nil, fmt.Errorf("define %s: %w", c.name, err)
		}
	}
	cs.next += size
	cs.byAddr[c.addr] = c
	cs.order = append(cs.order, c)
	return c, nil
}

// DefineInstance allocates a descriptor for an instance kind.
func (cs *ClassSpace) DefineInstance(name string, kind TypeKind, layout InstanceLayout, baseline bool) (*Class, error) {
	if !kind.IsInstance() {
		return nil, fmt.Errorf("define %s: %s is not an instance kind", name, kind)
	}
	for _, b := range layout.OopMaps {
		if b.Offset < 0 || b.Count < 0 || b.Offset+b.Count > layout.SizeWords {
			return nil, fmt.Errorf("define %s: oop map block %+v outside %d-word instance", name, b, layout.SizeWords)
		}
	}
	return cs.define(&Class{name: name, kind: kind, baseline: baseline, instance: layout})
}

// DefineArray allocates a descriptor for an array kind.
func (cs *ClassSpace) DefineArray(name string, elem ElementType, headerBytes int, baseline bool) (*Class, error) {
	if elem == ElemNone {
		return nil, fmt.Errorf("define %s: array needs an element type", name)
	}
	kind := KindTypeArray
	if elem == ElemObject {
		kind = KindObjArray
	}
	return cs.define(&Class{
		name:     name,
		kind:     kind,
		baseline: baseline,
		array:    ArrayLayout{Element: elem, HeaderBytes: headerBytes},
	})
}

// ClassAtAddress resolves a descriptor address. Returns nil if nothing was
// defined there.
func (cs *ClassSpace) ClassAtAddress(a Address) *Class {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.byAddr[a]
}

// ClassAt resolves a narrow reference. Returns nil if the reference is
// invalid or nothing was defined there.
func (cs *ClassSpace) ClassAt(r NarrowRef) *Class {
	if cs.enc == nil || r.IsNull() {
		return nil
	}
	a, err := cs.enc.Decode(r)
	if err != nil {
		return nil
	}
	return cs.ClassAtAddress(a)
}
