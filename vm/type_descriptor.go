package vm

import (
	"fmt"
)

// TypeDescriptor is the view of full type metadata the lookup cache and
// the object model consume.
type TypeDescriptor interface {
	Name() string
	Kind() TypeKind
	Address() Address

	// Baseline reports whether the type belongs to the always-resident set
	// loaded at startup.
	Baseline() bool

	// InstanceLayout is meaningful for instance kinds only.
	InstanceLayout() InstanceLayout

	// ArrayLayout is meaningful for array kinds only.
	ArrayLayout() ArrayLayout
}

// OopMapBlock is a run of Count reference slots starting Offset words into
// an instance.
type OopMapBlock struct {
	Offset int
	Count  int
}

// InstanceLayout describes the fixed shape of instances of a type.
type InstanceLayout struct {
	SizeWords int
	OopMaps   []OopMapBlock
}

// ElementType is the element type of a primitive array.
type ElementType uint8

const (
	ElemNone ElementType = iota
	ElemBoolean
	ElemChar
	ElemFloat
	ElemDouble
	ElemByte
	ElemShort
	ElemInt
	ElemLong
	ElemObject
)

// Log2Size returns log2 of the element size in bytes.
func (t ElementType) Log2Size() uint {
	switch t {
	case ElemBoolean, ElemByte:
		return 0
	case ElemChar, ElemShort:
		return 1
	case ElemFloat, ElemInt:
		return 2
	default:
		return 3
	}
}

// ArrayLayout describes the shape of arrays of a type.
type ArrayLayout struct {
	Element     ElementType
	HeaderBytes int
}

// Log2ElementSize returns log2 of the element size in bytes.
func (a ArrayLayout) Log2ElementSize() uint { return a.Element.Log2Size() }

// ---------------------------------------------------------------------------
// Class
// ---------------------------------------------------------------------------

// Class is the concrete TypeDescriptor allocated in a ClassSpace.
type Class struct {
	name     string
	kind     TypeKind
	addr     Address
	baseline bool
	instance InstanceLayout
	array    ArrayLayout
}

// Name returns the class name.
func (c *Class) Name() string { return c.name }

// Kind returns the structural kind.
func (c *Class) Kind() TypeKind { return c.kind }

// Address returns where the descriptor lives in class space.
func (c *Class) Address() Address { return c.addr }

// Baseline reports membership in the always-resident set.
func (c *Class) Baseline() bool { return c.baseline }

// InstanceLayout returns the instance shape.
func (c *Class) InstanceLayout() InstanceLayout { return c.instance }

// ArrayLayout returns the array shape.
func (c *Class) ArrayLayout() ArrayLayout { return c.array }

func (c *Class) String() string {
	return fmt.Sprintf("%s(%s @ %s)", c.name, c.kind.ShortName(), c.addr)
}
