package vm

import (
	"fmt"
)

// TypeKind is the structural layout family of a type descriptor.
type TypeKind uint8

const (
	KindInstance            TypeKind = iota // plain instance
	KindInstanceRef                         // instance carrying a weak/soft/phantom referent
	KindInstanceMirror                      // type mirror / boxed-primitive instance
	KindInstanceClassLoader                 // class loader instance
	KindInstanceStackChunk                  // captured stack frames
	KindTypeArray                           // array of primitives
	KindObjArray                            // array of references

	numTypeKinds = iota
)

var typeKindNames = [numTypeKinds]struct{ long, short string }{
	KindInstance:            {"Instance", "IK"},
	KindInstanceRef:         {"InstanceRef", "IRK"},
	KindInstanceMirror:      {"InstanceMirror", "IMK"},
	KindInstanceClassLoader: {"InstanceClassLoader", "ICLK"},
	KindInstanceStackChunk:  {"InstanceStackChunk", "ISCK"},
	KindTypeArray:           {"TypeArray", "TAK"},
	KindObjArray:            {"ObjArray", "OAK"},
}

func (k TypeKind) String() string {
	if k.Valid() {
		return typeKindNames[k].long
	}
	return fmt.Sprintf("TypeKind(%d)", uint8(k))
}

// ShortName returns the abbreviation used in statistics reports.
func (k TypeKind) ShortName() string {
	if k.Valid() {
		return typeKindNames[k].short
	}
	return "?"
}

// Valid reports whether k is one of the defined kinds.
func (k TypeKind) Valid() bool { return k < numTypeKinds }

// IsInstance reports whether k describes non-array objects.
func (k TypeKind) IsInstance() bool { return k <= KindInstanceStackChunk }

// IsArray reports whether k describes arrays.
func (k TypeKind) IsArray() bool { return k == KindTypeArray || k == KindObjArray }

// AllTypeKinds returns every defined kind in declaration order.
func AllTypeKinds() []TypeKind {
	kinds := make([]TypeKind, numTypeKinds)
	for i := range kinds {
		kinds[i] = TypeKind(i)
	}
	return kinds
}
