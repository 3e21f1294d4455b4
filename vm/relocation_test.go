package vm

import (
	"errors"
	"sync"
	"testing"
)

func TestEvacuate(t *testing.T) {
	rt := newTestRuntime(t, testOptions(true, LockingLightweight))
	c := defineTestClass(t, rt, "Point", 2)
	obj := allocate(t, rt, c)
	obj.SetSlot(0, 7)
	h := rt.Heap

	to, err := h.Evacuate(obj)
	if err != nil {
		t.Fatalf("Evacuate failed: %v", err)
	}
	if to == obj || to.Address() == obj.Address() {
		t.Fatal("Expected a copy at a new address")
	}
	m := obj.Mark()
	if m.State() != StateForwarded || m.DecodePointer() != to.Address() {
		t.Errorf("Expected forward to %s, got %s", to.Address(), rt.Layout.Describe(m))
	}
	if h.Forwardee(obj) != to {
		t.Error("Expected Forwardee to resolve the copy")
	}
	if h.Forwardee(to) != nil {
		t.Error("Expected the copy not to be forwarded")
	}
	if to.Mark().Age() != 1 {
		t.Errorf("Expected age 1 on the copy, got %d", to.Mark().Age())
	}
	if to.GetSlot(0) != 7 {
		t.Errorf("Expected slot 0 to be copied, got %d", to.GetSlot(0))
	}
	if got, err := h.ClassOf(obj); err != nil || got != c {
		t.Errorf("Expected ClassOf through the forward to give %s, got %v, %v", c, got, err)
	}

	// Evacuating a forwarded object returns the existing copy.
	again, err := h.Evacuate(obj)
	if err != nil || again != to {
		t.Errorf("Expected the existing copy, got %v, %v", again, err)
	}

	if dropped := h.FinishEvacuation(); dropped != 1 {
		t.Errorf("Expected 1 dropped original, got %d", dropped)
	}
	if h.ObjectAt(obj.Address()) != nil {
		t.Error("Expected the original to be gone")
	}
	if h.ObjectAt(to.Address()) != to {
		t.Error("Expected the copy to be registered")
	}
}

func TestEvacuateInPlace(t *testing.T) {
	rt := newTestRuntime(t, testOptions(true, LockingLightweight))
	c := defineTestClass(t, rt, "Point", 2)
	obj := allocate(t, rt, c)
	h := rt.Heap

	if _, err := rt.IdentityHash(obj); err != nil {
		t.Fatalf("IdentityHash failed: %v", err)
	}
	before := obj.Mark()

	if err := h.EvacuateInPlace(obj); err != nil {
		t.Fatalf("EvacuateInPlace failed: %v", err)
	}
	m := obj.Mark()
	if !m.IsSelfForwarded() || !m.IsMarked() {
		t.Errorf("Expected self-forwarded, got %s", m.State())
	}
	if h.Forwardee(obj) != obj {
		t.Error("Expected a self-forwarded object to forward to itself")
	}
	if got, err := h.ClassOf(obj); err != nil || got != c {
		t.Errorf("Expected %s while self-forwarded, got %v, %v", c, got, err)
	}
	if err := h.EvacuateInPlace(obj); err != nil {
		t.Errorf("Expected repeated EvacuateInPlace to be a no-op, got %v", err)
	}

	if dropped := h.FinishEvacuation(); dropped != 0 {
		t.Errorf("Expected nothing dropped, got %d", dropped)
	}
	m = obj.Mark()
	if m.IsMarked() {
		t.Fatalf("Expected the self-forward to be cleared, got %s", m.State())
	}
	if m.Age() != before.Age()+1 {
		t.Errorf("Expected age %d, got %d", before.Age()+1, m.Age())
	}
	if m.SetAge(0) != before.SetAge(0) {
		t.Errorf("Expected other fields kept: %s vs %s", rt.Layout.Describe(m), rt.Layout.Describe(before))
	}
}

func TestEvacuateWithMonitor(t *testing.T) {
	rt := newTestRuntime(t, testOptions(false, LockingLegacy))
	obj := allocate(t, rt, defineTestClass(t, rt, "Point", 2))
	h := rt.Heap

	mon, err := h.Inflate(obj, 3)
	if err != nil {
		t.Fatalf("Inflate failed: %v", err)
	}
	to, err := h.Evacuate(obj)
	if err != nil {
		t.Fatalf("Evacuate failed: %v", err)
	}
	if to.Mark() != rt.Layout.EncodeMonitor(mon.Address()) {
		t.Errorf("Expected the copy to keep the monitor header, got %s", to.Mark())
	}
	if mon.Object() != to {
		t.Error("Expected the monitor to follow the copy")
	}
	if h.MonitorOf(to) != mon {
		t.Error("Expected the copy to resolve its monitor")
	}
}

func TestEvacuateHashedThroughMonitor(t *testing.T) {
	rt := newTestRuntime(t, testOptions(true, LockingLightweight))
	obj := allocate(t, rt, defineTestClass(t, rt, "Point", 2))
	h := rt.Heap
	l := rt.Layout

	mon, err := h.Inflate(obj, 1)
	if err != nil {
		t.Fatalf("Inflate failed: %v", err)
	}
	hash, err := h.IdentityHash(obj)
	if err != nil {
		t.Fatalf("IdentityHash failed: %v", err)
	}
	to, err := h.Evacuate(obj)
	if err != nil {
		t.Fatalf("Evacuate failed: %v", err)
	}
	if !obj.Mark().IsForwardExpanded() {
		t.Errorf("Expected forward-expanded, got %s", obj.Mark().State())
	}
	if l.HashState(mon.Header()) != HashHashedExpanded {
		t.Errorf("Expected the displaced header to be expanded, got %s", l.Describe(mon.Header()))
	}
	got, err := h.IdentityHash(to)
	if err != nil || got != hash {
		t.Errorf("Expected hash %#x on the copy, got %#x, %v", hash, got, err)
	}
}

func TestConcurrentEvacuation(t *testing.T) {
	rt := newTestRuntime(t, testOptions(true, LockingLightweight))
	obj := allocate(t, rt, defineTestClass(t, rt, "Point", 2))
	if _, err := rt.IdentityHash(obj); err != nil {
		t.Fatalf("IdentityHash failed: %v", err)
	}
	before := rt.Heap.Used()

	const workers = 16
	copies := make([]*Object, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			to, err := rt.Heap.Evacuate(obj)
			if err != nil {
				t.Errorf("Evacuate failed: %v", err)
			}
			copies[w] = to
		}(w)
	}
	wg.Wait()

	for w := 1; w < workers; w++ {
		if copies[w] != copies[0] {
			t.Fatalf("Worker %d saw a different copy", w)
		}
	}
	live := 0
	for _, o := range rt.Heap.Objects() {
		if !o.Mark().IsMarked() {
			live++
		}
	}
	if live != 1 {
		t.Errorf("Expected exactly one live copy, got %d", live)
	}
	want := before + uint64(copies[0].SizeWords(true)*WordSize)
	if used := rt.Heap.Used(); used != want {
		t.Errorf("Expected %d bytes used after racing copies, got %d", want, used)
	}
}

func TestEvacuateHeapExhausted(t *testing.T) {
	opts := testOptions(true, LockingLightweight)
	opts.HeapSize = 4 * WordSize
	rt := newTestRuntime(t, opts)
	obj := allocate(t, rt, defineTestClass(t, rt, "Point", 2))

	if _, err := rt.Heap.Evacuate(obj); !errors.Is(err, ErrHeapExhausted) {
		t.Errorf("Expected ErrHeapExhausted, got %v", err)
	}
	if obj.Mark().IsMarked() {
		t.Error("A failed evacuation must leave the header alone")
	}
}

func TestCompactSlidesObjects(t *testing.T) {
	rt := newTestRuntime(t, testOptions(true, LockingLightweight))
	c := defineTestClass(t, rt, "Point", 2)
	h := rt.Heap
	l := rt.Layout

	a := allocate(t, rt, c)
	b := allocate(t, rt, c)
	d := allocate(t, rt, c)
	hash, err := h.IdentityHash(b)
	if err != nil {
		t.Fatalf("IdentityHash failed: %v", err)
	}
	if ok, err := h.FastLock(d); !ok || err != nil {
		t.Fatalf("FastLock failed: %t, %v", ok, err)
	}
	lockedMark := d.Mark()
	a.SetMark(a.Mark().SetAge(5))

	// Leave a hole at the bottom of the heap.
	if _, err := h.Evacuate(a); err != nil {
		t.Fatalf("Evacuate failed: %v", err)
	}
	h.FinishEvacuation()

	moved, err := h.Compact()
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if moved != 3 {
		t.Errorf("Expected 3 moved objects, got %d", moved)
	}

	objs := h.Objects()
	if len(objs) != 3 {
		t.Fatalf("Expected 3 live objects, got %d", len(objs))
	}
	next := h.start
	for _, o := range objs {
		if o.Address() != next {
			t.Errorf("Expected %s at %s, got %s", o, next, o.Address())
		}
		next += Address(o.SizeWords(true) * WordSize)
	}
	if h.Used() != uint64(next-h.start) {
		t.Errorf("Expected %d bytes used, got %d", next-h.start, h.Used())
	}

	// b slid to the bottom, got its hash installed and stays hashed.
	nb := objs[0]
	if l.HashState(nb.Mark()) != HashHashedExpanded || !nb.Expanded() {
		t.Errorf("Expected hashed-expanded, got %s", l.Describe(nb.Mark()))
	}
	if got, err := h.IdentityHash(nb); err != nil || got != hash {
		t.Errorf("Expected hash %#x after compaction, got %#x, %v", hash, got, err)
	}

	// d was locked, so its header was preserved.
	nd := objs[1]
	if nd.Mark() != lockedMark {
		t.Errorf("Expected preserved header %s, got %s", l.Describe(lockedMark), l.Describe(nd.Mark()))
	}

	// The evacuated copy of a had its header rebuilt from the prototype.
	na := objs[2]
	if na.Mark() != l.PrototypeFor(l.NarrowRef(na.Mark())) {
		t.Errorf("Expected a prototype header, got %s", l.Describe(na.Mark()))
	}
	if got, err := h.ClassOf(na); err != nil || got != c {
		t.Errorf("Expected %s, got %v, %v", c, got, err)
	}
}

func TestCompactClassicPreservesHashAndMonitor(t *testing.T) {
	rt := newTestRuntime(t, testOptions(false, LockingLegacy))
	c := defineTestClass(t, rt, "Point", 1)
	h := rt.Heap
	l := rt.Layout

	plain := allocate(t, rt, c)
	plain.SetMark(plain.Mark().SetAge(9))
	hashed := allocate(t, rt, c)
	locked := allocate(t, rt, c)

	hash, err := h.IdentityHash(hashed)
	if err != nil {
		t.Fatalf("IdentityHash failed: %v", err)
	}
	mon, err := h.Inflate(locked, 4)
	if err != nil {
		t.Fatalf("Inflate failed: %v", err)
	}

	if _, err := h.Compact(); err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	objs := h.Objects()
	if len(objs) != 3 {
		t.Fatalf("Expected 3 objects, got %d", len(objs))
	}
	if objs[0].Mark() != l.Prototype() {
		t.Errorf("Expected the unhashed header rebuilt, got %s", l.Describe(objs[0].Mark()))
	}
	if l.Hash(objs[1].Mark()) != hash {
		t.Errorf("Expected hash %#x preserved, got %s", hash, l.Describe(objs[1].Mark()))
	}
	if h.MonitorOf(objs[2]) != mon || mon.Object() != objs[2] {
		t.Error("Expected the monitor to follow its object")
	}
}

func TestCompactRejectsForwarded(t *testing.T) {
	rt := newTestRuntime(t, testOptions(true, LockingLightweight))
	obj := allocate(t, rt, defineTestClass(t, rt, "Point", 2))
	if _, err := rt.Heap.Evacuate(obj); err != nil {
		t.Fatalf("Evacuate failed: %v", err)
	}
	if _, err := rt.Heap.Compact(); !errors.Is(err, ErrForwarded) {
		t.Errorf("Expected ErrForwarded, got %v", err)
	}
}

func TestPreservedMarks(t *testing.T) {
	var pm PreservedMarks
	a, b := &Object{addr: 0x10}, &Object{addr: 0x20}
	pm.Push(a, 0x100)
	pm.Push(b, 0x200)
	if pm.Len() != 2 {
		t.Fatalf("Expected 2, got %d", pm.Len())
	}
	got := pm.Drain()
	if len(got) != 2 || got[0].Object != b || got[1].Mark != 0x100 {
		t.Errorf("Unexpected drain order: %+v", got)
	}
	if pm.Len() != 0 {
		t.Errorf("Expected an empty stack after Drain, got %d", pm.Len())
	}
}
