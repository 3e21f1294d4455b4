package vm

import (
	"strings"
	"testing"
)

func newTestLayout(t *testing.T, compact bool, locking LockingMode, table, diagnostics bool) *HeaderLayout {
	t.Helper()
	enc, err := NewNarrowEncoding(0x8_0000_0000, 9, CompactNarrowBits)
	if err != nil {
		t.Fatalf("NewNarrowEncoding failed: %v", err)
	}
	opts := Options{
		CompressedClassPointers: true,
		CompactHeaders:          compact,
		Locking:                 locking,
		ObjectMonitorTable:      table,
		Diagnostics:             diagnostics,
	}
	l, err := NewHeaderLayout(opts, enc)
	if err != nil {
		t.Fatalf("NewHeaderLayout failed: %v", err)
	}
	return l
}

func TestHeaderLayoutCompactPrototype(t *testing.T) {
	l := newTestLayout(t, true, LockingLightweight, false, true)
	h := l.PrototypeFor(1234)

	if !h.IsUnlocked() {
		t.Errorf("Expected unlocked, got %s", h.State())
	}
	if l.NarrowRef(h) != 1234 {
		t.Errorf("Expected narrow ref 1234, got %d", l.NarrowRef(h))
	}
	if l.HashState(h) != HashNever {
		t.Errorf("Expected never-hashed, got %s", l.HashState(h))
	}
	if h.Age() != 0 {
		t.Errorf("Expected age 0, got %d", h.Age())
	}

	aged := h.SetAge(MaxAge).SetFastLocked()
	if l.NarrowRef(aged) != 1234 || l.HashState(aged) != HashNever {
		t.Errorf("Lock and age changes disturbed the compact fields: %s", l.Describe(aged))
	}
}

func TestHeaderLayoutNarrowRefIsolation(t *testing.T) {
	l := newTestLayout(t, true, LockingLightweight, false, false)
	for _, h := range sampleHeaders() {
		got := l.SetNarrowRef(h, 77)
		if diff := uint64(got^h) &^ narrowRefMaskInPlace; diff != 0 {
			t.Errorf("SetNarrowRef(%s) changed bits %#x", h, diff)
		}
		if l.NarrowRef(got) != 77 {
			t.Errorf("Expected 77, got %d", l.NarrowRef(got))
		}
		ctrl := l.CopyHashCtrlFrom(h, HeaderWord(0b11<<hashCtrlShift))
		if diff := uint64(ctrl^h) &^ hashCtrlMaskInPlace; diff != 0 {
			t.Errorf("CopyHashCtrlFrom(%s) changed bits %#x", h, diff)
		}
	}
}

func TestHeaderLayoutClassicHash(t *testing.T) {
	l := newTestLayout(t, false, LockingLegacy, false, true)
	for _, h := range sampleHeaders() {
		got := l.CopySetHash(h, 0x1234_5678)
		if diff := uint64(got^h) &^ hashMaskInPlace; diff != 0 {
			t.Errorf("CopySetHash(%s) changed bits %#x", h, diff)
		}
		if l.Hash(got) != 0x1234_5678 {
			t.Errorf("Expected hash 0x12345678, got %#x", l.Hash(got))
		}
		if l.HasNoHash(got) {
			t.Error("Expected a hash to be present")
		}
	}
}

func TestHashLifecycleTransitions(t *testing.T) {
	l := newTestLayout(t, true, LockingLightweight, false, true)
	states := []HashState{HashNever, HashHashedNotExpanded, HashNotHashedExpanded, HashHashedExpanded}
	setters := map[HashState]func(HeaderWord) HeaderWord{
		HashHashedNotExpanded: l.SetHashedNotExpanded,
		HashNotHashedExpanded: l.SetNotHashedExpanded,
		HashHashedExpanded:    l.SetHashedExpanded,
	}

	for _, from := range states {
		h := l.PrototypeFor(5)
		h = HeaderWord(uint64(h)&^hashCtrlMaskInPlace | uint64(from)<<hashCtrlShift)
		for to, set := range setters {
			switch {
			case from == to:
				if got := set(h); got != h {
					t.Errorf("%s -> %s: expected no-op, got %s", from, to, l.Describe(got))
				}
			case ValidHashTransition(from, to):
				got := set(h)
				if l.HashState(got) != to {
					t.Errorf("%s -> %s: landed in %s", from, to, l.HashState(got))
				}
				if l.NarrowRef(got) != 5 || !got.IsUnlocked() {
					t.Errorf("%s -> %s disturbed other fields: %s", from, to, l.Describe(got))
				}
			default:
				expectStateError(t, func() { set(h) })
			}
		}
	}
}

func TestHashLifecycleMonotonicity(t *testing.T) {
	l := newTestLayout(t, true, LockingLightweight, false, true)
	setters := []func(HeaderWord) HeaderWord{l.SetHashedNotExpanded, l.SetNotHashedExpanded, l.SetHashedExpanded}

	// Explore every state reachable from never-hashed through legal steps,
	// remembering whether hashed-not-expanded was passed on the way.
	type node struct {
		h          HeaderWord
		sawHashed  bool
		pathLength int
	}
	seen := map[HashState]bool{}
	queue := []node{{h: l.PrototypeFor(9)}}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		s := l.HashState(n.h)
		if s == HashHashedExpanded && !n.sawHashed {
			t.Errorf("Reached hashed-expanded without hashed-not-expanded")
		}
		if seen[s] || n.pathLength > 4 {
			continue
		}
		seen[s] = true
		for _, set := range setters {
			next, ok := tryTransition(set, n.h)
			if !ok {
				continue
			}
			queue = append(queue, node{
				h:          next,
				sawHashed:  n.sawHashed || l.HashState(next) == HashHashedNotExpanded,
				pathLength: n.pathLength + 1,
			})
		}
	}
	if len(seen) != 4 {
		t.Errorf("Expected all four states reachable, got %v", seen)
	}
}

func tryTransition(set func(HeaderWord) HeaderWord, h HeaderWord) (out HeaderWord, ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return set(h), true
}

func TestHashLifecycleUncheckedWithoutDiagnostics(t *testing.T) {
	l := newTestLayout(t, true, LockingLightweight, false, false)
	h := l.SetHashedExpanded(l.PrototypeFor(3))
	if l.HashState(h) != HashHashedExpanded {
		t.Errorf("Expected unchecked transition to apply, got %s", l.HashState(h))
	}
}

func TestHeaderLayoutModeViolations(t *testing.T) {
	classic := newTestLayout(t, false, LockingLegacy, false, true)
	compact := newTestLayout(t, true, LockingLightweight, false, true)
	table := newTestLayout(t, true, LockingLightweight, true, true)
	h := HeaderWord(unlockedValue)

	tests := []struct {
		name string
		fn   func()
	}{
		{"HashState on classic", func() { classic.HashState(h) }},
		{"NarrowRef on classic", func() { classic.NarrowRef(h) }},
		{"SetHashedNotExpanded on classic", func() { classic.SetHashedNotExpanded(h) }},
		{"Hash on compact", func() { compact.Hash(h) }},
		{"CopySetHash on compact", func() { compact.CopySetHash(h, 1) }},
		{"IsFastLocked under legacy", func() { classic.IsFastLocked(h) }},
		{"EncodeLocker under lightweight", func() { compact.EncodeLocker(0x1000) }},
		{"HasLocker under lightweight", func() { compact.HasLocker(h) }},
		{"Locker of unlocked", func() { classic.Locker(h) }},
		{"Monitor of unlocked", func() { compact.Monitor(h) }},
		{"Monitor with side table", func() { table.Monitor(h.SetHasMonitor()) }},
		{"EncodeMonitor with side table", func() { table.EncodeMonitor(0x1000) }},
		{"EncodeMonitor misaligned", func() { compact.EncodeMonitor(0x1001) }},
		{"SetNarrowRef out of range", func() { compact.SetNarrowRef(h, 1<<CompactNarrowBits) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStateError(t, tt.fn)
		})
	}
}

func TestHeaderLayoutLockerAndMonitor(t *testing.T) {
	legacy := newTestLayout(t, false, LockingLegacy, false, true)
	h := legacy.EncodeLocker(0x7000_1230)
	if !h.IsLocked() || !legacy.HasLocker(h) {
		t.Errorf("Expected stack-locked header, got %s", legacy.Describe(h))
	}
	if legacy.Locker(h) != 0x7000_1230 {
		t.Errorf("Expected locker 0x70001230, got %s", legacy.Locker(h))
	}

	m := legacy.EncodeMonitor(0x7000_0040)
	if !m.HasMonitor() {
		t.Errorf("Expected monitor state, got %s", m.State())
	}
	if legacy.Monitor(m) != 0x7000_0040 {
		t.Errorf("Expected monitor 0x70000040, got %s", legacy.Monitor(m))
	}

	lw := newTestLayout(t, false, LockingLightweight, false, true)
	if !lw.IsFastLocked(HeaderWord(unlockedValue).SetFastLocked()) {
		t.Error("Expected a fast-locked header")
	}
	if lw.State(0) != StateLocked {
		t.Errorf("Expected the zero word to be fast-locked under lightweight locking, got %s", lw.State(0))
	}
	if legacy.State(0) != StateInflating {
		t.Errorf("Expected the zero word to be inflating under legacy locking, got %s", legacy.State(0))
	}
}

func TestHeaderLayoutMustBePreserved(t *testing.T) {
	classic := newTestLayout(t, false, LockingLegacy, false, true)
	compact := newTestLayout(t, true, LockingLightweight, false, true)

	tests := []struct {
		name string
		l    *HeaderLayout
		h    HeaderWord
		want bool
	}{
		{"classic prototype", classic, classic.Prototype(), false},
		{"classic aged", classic, classic.Prototype().SetAge(4), false},
		{"classic hashed", classic, classic.CopySetHash(classic.Prototype(), 42), true},
		{"classic stack-locked", classic, classic.EncodeLocker(0x1000), true},
		{"classic monitor", classic, classic.EncodeMonitor(0x1000), true},
		{"compact prototype", compact, compact.PrototypeFor(3), false},
		{"compact hashed", compact, compact.SetHashedNotExpanded(compact.PrototypeFor(3)), false},
		{"compact fast-locked", compact, compact.PrototypeFor(3).SetFastLocked(), true},
		{"compact monitor", compact, compact.EncodeMonitor(0x1000), true},
	}
	for _, tt := range tests {
		if got := tt.l.MustBePreserved(tt.h); got != tt.want {
			t.Errorf("%s: expected %t, got %t", tt.name, tt.want, got)
		}
	}
}

func TestHeaderLayoutDisplacedMarkHelper(t *testing.T) {
	legacy := newTestLayout(t, false, LockingLegacy, false, true)
	lw := newTestLayout(t, true, LockingLightweight, false, true)
	table := newTestLayout(t, true, LockingLightweight, true, true)

	locked := HeaderWord(0x1000)
	monitor := HeaderWord(0x1000 | monitorValue)
	if !legacy.HasDisplacedMarkHelper(locked) || !legacy.HasDisplacedMarkHelper(monitor) {
		t.Error("Expected legacy locks and monitors to displace the header")
	}
	if lw.HasDisplacedMarkHelper(locked) {
		t.Error("Expected fast-locked headers to stay in place")
	}
	if !lw.HasDisplacedMarkHelper(monitor) {
		t.Error("Expected monitor headers to be displaced")
	}
	if table.HasDisplacedMarkHelper(monitor) {
		t.Error("Expected monitor headers to stay in place with a side table")
	}
	if legacy.HasDisplacedMarkHelper(HeaderWord(unlockedValue)) {
		t.Error("Expected unlocked headers to stay in place")
	}
}

func TestNewHeaderLayoutRejects(t *testing.T) {
	if _, err := NewHeaderLayout(Options{CompactHeaders: true}, nil); err == nil {
		t.Error("Expected compact headers without an encoding to be rejected")
	}
	wide, err := NewNarrowEncoding(0x8_0000_0000, 3, 20)
	if err != nil {
		t.Fatalf("NewNarrowEncoding failed: %v", err)
	}
	if _, err := NewHeaderLayout(Options{CompactHeaders: true}, wide); err == nil {
		t.Error("Expected a 20-bit encoding to be rejected for compact headers")
	}
}

func TestHeaderLayoutDescribe(t *testing.T) {
	compact := newTestLayout(t, true, LockingLightweight, false, true)
	s := compact.Describe(compact.SetHashedNotExpanded(compact.PrototypeFor(12)))
	for _, want := range []string{"unlocked", "hashed-not-expanded", "type=12"} {
		if !strings.Contains(s, want) {
			t.Errorf("Expected %q in %q", want, s)
		}
	}
	classic := newTestLayout(t, false, LockingLegacy, false, true)
	if s := classic.Describe(classic.EncodeLocker(0x2000)); !strings.Contains(s, "locker=0x2000") {
		t.Errorf("Expected locker in %q", s)
	}
}
