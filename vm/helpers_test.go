package vm

import (
	"math/rand/v2"
	"testing"
)

// expectPanic runs fn and returns the value it panicked with. The test
// fails if fn returns normally.
func expectPanic(t *testing.T, fn func()) (v any) {
	t.Helper()
	defer func() {
		v = recover()
		if v == nil {
			t.Errorf("Expected a panic")
		}
	}()
	fn()
	return nil
}

// expectStateError runs fn and checks that it panicked with a *StateError.
func expectStateError(t *testing.T, fn func()) *StateError {
	t.Helper()
	v := expectPanic(t, fn)
	se, ok := v.(*StateError)
	if !ok {
		t.Errorf("Expected *StateError panic, got %T: %v", v, v)
	}
	return se
}

// sampleHeaders returns a deterministic spread of header words covering
// every lock/self-forward combination.
func sampleHeaders() []HeaderWord {
	rng := rand.New(rand.NewPCG(1, 2))
	out := []HeaderWord{1, 0x7F, 0xFFFF_FFFF_FFFF_FFFF, 0x8000_0000_0000_0001}
	for low := uint64(0); low < 8; low++ {
		for i := 0; i < 16; i++ {
			out = append(out, HeaderWord(rng.Uint64()&^7|low))
		}
	}
	return out
}

// testOptions returns a small configuration suitable for unit tests.
func testOptions(compact bool, locking LockingMode) Options {
	opts := DefaultOptions()
	opts.CompactHeaders = compact
	opts.Locking = locking
	opts.NarrowBits = 12
	opts.ClassSpaceSize = 1 << 20
	opts.HeapSize = 1 << 20
	opts.Diagnostics = true
	opts.TypeLUTStats = true
	opts.InflationSpinLimit = 8
	return opts
}

func newTestRuntime(t *testing.T, opts Options) *Runtime {
	t.Helper()
	rt, err := NewRuntime(opts)
	if err != nil {
		t.Fatalf("NewRuntime failed: %v", err)
	}
	return rt
}

func defineTestClass(t *testing.T, rt *Runtime, name string, slots int) *Class {
	t.Helper()
	c, err := rt.DefineInstance(name, KindInstance, InstanceLayout{SizeWords: slots})
	if err != nil {
		t.Fatalf("DefineInstance(%s) failed: %v", name, err)
	}
	return c
}

func allocate(t *testing.T, rt *Runtime, c *Class) *Object {
	t.Helper()
	obj, err := rt.Allocate(c, 0)
	if err != nil {
		t.Fatalf("Allocate(%s) failed: %v", c.Name(), err)
	}
	return obj
}
