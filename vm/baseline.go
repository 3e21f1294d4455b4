package vm

import "fmt"

type baselineType struct {
	name     string
	kind     TypeKind
	instance InstanceLayout
	elem     ElementType
}

var baselineTypes = []baselineType{
	{name: "Object", kind: KindInstance, instance: InstanceLayout{SizeWords: 0}},
	{name: "String", kind: KindInstance, instance: InstanceLayout{SizeWords: 2, OopMaps: []OopMapBlock{{Offset: 0, Count: 1}}}},
	{name: "Integer", kind: KindInstance, instance: InstanceLayout{SizeWords: 1}},
	{name: "Long", kind: KindInstance, instance: InstanceLayout{SizeWords: 1}},
	{name: "Thread", kind: KindInstance, instance: InstanceLayout{SizeWords: 12, OopMaps: []OopMapBlock{{Offset: 0, Count: 6}}}},
	{name: "WeakReference", kind: KindInstanceRef, instance: InstanceLayout{SizeWords: 4, OopMaps: []OopMapBlock{{Offset: 0, Count: 4}}}},
	{name: "Class", kind: KindInstanceMirror, instance: InstanceLayout{SizeWords: 16, OopMaps: []OopMapBlock{{Offset: 0, Count: 10}}}},
	{name: "ClassLoader", kind: KindInstanceClassLoader, instance: InstanceLayout{SizeWords: 8, OopMaps: []OopMapBlock{{Offset: 0, Count: 8}}}},
	{name: "StackChunk", kind: KindInstanceStackChunk, instance: InstanceLayout{SizeWords: 6, OopMaps: []OopMapBlock{{Offset: 0, Count: 2}}}},
	{name: "boolean[]", kind: KindTypeArray, elem: ElemBoolean},
	{name: "byte[]", kind: KindTypeArray, elem: ElemByte},
	{name: "char[]", kind: KindTypeArray, elem: ElemChar},
	{name: "int[]", kind: KindTypeArray, elem: ElemInt},
	{name: "long[]", kind: KindTypeArray, elem: ElemLong},
	{name: "double[]", kind: KindTypeArray, elem: ElemDouble},
	{name: "Object[]", kind: KindObjArray, elem: ElemObject},
}

// baselineArrayHeaderBytes is the array header size used for baseline
// arrays: 8 bytes of header word, 4 of length, plus 4 of narrow type
// reference in the classic layout.
func (rt *Runtime) baselineArrayHeaderBytes() int {
	if rt.Layout.Compact() {
		return 12
	}
	return 16
}

// DefineBaselineTypes defines the always-resident types every runtime
// starts with and publishes them to the lookup cache, flagged as baseline.
func DefineBaselineTypes(rt *Runtime) ([]*Class, error) {
	out := make([]*Class, 0, len(baselineTypes))
	for _, bt := range baselineTypes {
		var (
			c   *Class
			err error
		)
		if bt.kind.IsInstance() {
			c, err = rt.Classes.DefineInstance(bt.name, bt.kind, bt.instance, true)
		} else {
			c, err = rt.Classes.DefineArray(bt.name, bt.elem, rt.baselineArrayHeaderBytes(), true)
		}
		if err != nil {
			return nil, fmt.Errorf("baseline types: %w", err)
		}
		if c, err = rt.publish(c); err != nil {
			return nil, fmt.Errorf("baseline types: %w", err)
		}
		out = append(out, c)
	}
	runtimeLog.Debugf("defined %d baseline types", len(out))
	return out, nil
}
