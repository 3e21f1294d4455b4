package vm

import (
	"fmt"

	"github.com/tliron/commonlog"
)

var runtimeLog = commonlog.GetLogger("oops.runtime")

// Runtime wires the object model together for one configuration: the
// narrow encoding, the header layout, the class space, the optional type
// lookup cache and the heap.
type Runtime struct {
	Options  Options
	Encoding *NarrowEncoding // nil without compressed class pointers
	Layout   *HeaderLayout
	Classes  *ClassSpace
	LUT      *TypeLUT // nil unless Options.UseTypeLUT
	Heap     *Heap
}

// NewRuntime validates opts and builds a runtime from them.
func NewRuntime(opts Options) (*Runtime, error) {
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid options: %w", err)
	}
	rt := &Runtime{Options: opts}

	if opts.CompressedClassPointers {
		enc, err := ComputeNarrowEncoding(opts.ClassSpaceBase, opts.ClassSpaceSize, opts.NarrowBits,
			WithEncodingDiagnostics(opts.Diagnostics))
		if err != nil {
			return nil, fmt.Errorf("narrow encoding: %w", err)
		}
		rt.Encoding = enc
		rt.Classes = NewClassSpace(enc)
	} else {
		rt.Classes = NewUncompressedClassSpace(opts.ClassSpaceBase, opts.ClassSpaceSize)
	}

	layout, err := NewHeaderLayout(opts, rt.Encoding)
	if err != nil {
		return nil, fmt.Errorf("header layout: %w", err)
	}
	rt.Layout = layout

	if opts.UseTypeLUT {
		rt.LUT = NewTypeLUT(rt.Encoding,
			WithLUTDiagnostics(opts.Diagnostics),
			WithLUTStats(opts.TypeLUTStats))
	}

	rt.Heap = NewHeap(layout, rt.Classes, opts.HeapBase, opts.HeapSize, opts.InflationSpinLimit)

	runtimeLog.Infof("runtime up: compact=%t locking=%s monitor-table=%t lut=%t",
		opts.CompactHeaders, opts.Locking, opts.ObjectMonitorTable, opts.UseTypeLUT)
	if rt.Encoding != nil {
		runtimeLog.Infof("narrow encoding: %s", rt.Encoding)
	}
	return rt, nil
}

func (rt *Runtime) publish(c *Class) (*Class, error) {
	if rt.LUT == nil {
		return c, nil
	}
	if _, err := rt.LUT.Register(c); err != nil {
		return nil, err
	}
	return c, nil
}

// DefineInstance defines an instance type and publishes it to the lookup
// cache.
func (rt *Runtime) DefineInstance(name string, kind TypeKind, layout InstanceLayout) (*Class, error) {
	c, err := rt.Classes.DefineInstance(name, kind, layout, false)
	if err != nil {
		return nil, err
	}
	return rt.publish(c)
}

// DefineArray defines an array type and publishes it to the lookup cache.
func (rt *Runtime) DefineArray(name string, elem ElementType, headerBytes int) (*Class, error) {
	c, err := rt.Classes.DefineArray(name, elem, headerBytes, false)
	if err != nil {
		return nil, err
	}
	return rt.publish(c)
}

// Allocate creates an object of class c. Instance types get as many slots
// as their layout names; length is the element count for arrays.
func (rt *Runtime) Allocate(c *Class, length int) (*Object, error) {
	if c.Kind().IsInstance() {
		return rt.Heap.Allocate(c, c.InstanceLayout().SizeWords)
	}
	return rt.Heap.Allocate(c, length)
}

// NarrowRefOf returns the narrow reference of obj's type: read from the
// header in the compact layout, encoded from the descriptor otherwise.
func (rt *Runtime) NarrowRefOf(obj *Object) (NarrowRef, error) {
	if rt.Encoding == nil {
		return 0, fmt.Errorf("%s: compressed class pointers are off", obj)
	}
	if rt.Layout.Compact() {
		return rt.Heap.HeaderNarrowRef(obj)
	}
	return rt.Encoding.EncodeUnchecked(obj.Class().Address()), nil
}

func (rt *Runtime) lookup(obj *Object) (TypeLUTEntry, error) {
	if rt.LUT == nil {
		return InvalidTypeLUTEntry, nil
	}
	r, err := rt.NarrowRefOf(obj)
	if err != nil {
		return InvalidTypeLUTEntry, err
	}
	return rt.LUT.Lookup(r), nil
}

// KindOf returns the structural kind of obj's type, answered by the
// lookup cache when it holds an entry.
func (rt *Runtime) KindOf(obj *Object) (TypeKind, error) {
	e, err := rt.lookup(obj)
	if err != nil {
		return 0, err
	}
	if e.IsValid() {
		return e.Kind(), nil
	}
	c, err := rt.Heap.ClassOf(obj)
	if err != nil {
		return 0, err
	}
	return c.Kind(), nil
}

// InstanceSizeWords returns the payload size of an instance object. The
// lookup cache answers for types whose entry carries instance info; all
// others fall back to the descriptor.
func (rt *Runtime) InstanceSizeWords(obj *Object) (int, error) {
	e, err := rt.lookup(obj)
	if err != nil {
		return 0, err
	}
	if e.IsValid() && e.CarriesInstanceInfo() {
		return e.InstanceSizeWords(), nil
	}
	c, err := rt.Heap.ClassOf(obj)
	if err != nil {
		return 0, err
	}
	if !c.Kind().IsInstance() {
		return 0, fmt.Errorf("%s: %s is not an instance type", obj, c)
	}
	return c.InstanceLayout().SizeWords, nil
}

// OopMapOf returns the reference-slot block of an instance object, if it
// has one.
func (rt *Runtime) OopMapOf(obj *Object) (OopMapBlock, bool, error) {
	e, err := rt.lookup(obj)
	if err != nil {
		return OopMapBlock{}, false, err
	}
	if e.IsValid() && e.CarriesInstanceInfo() {
		b, ok := e.OopMapBlock()
		return b, ok, nil
	}
	c, err := rt.Heap.ClassOf(obj)
	if err != nil {
		return OopMapBlock{}, false, err
	}
	maps := c.InstanceLayout().OopMaps
	if len(maps) == 0 {
		return OopMapBlock{}, false, nil
	}
	return maps[0], true, nil
}

// IdentityHash returns obj's identity hash.
func (rt *Runtime) IdentityHash(obj *Object) (uint32, error) {
	return rt.Heap.IdentityHash(obj)
}
