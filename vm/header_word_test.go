package vm

import (
	"strings"
	"testing"
)

func TestHeaderWordStateDecode(t *testing.T) {
	tests := []struct {
		h    HeaderWord
		want LockState
	}{
		{0, StateInflating},
		{0b000 | 1<<20, StateLocked},
		{0b001, StateUnlocked},
		{0b010, StateMonitor},
		{0b011, StateForwarded},
		{0b100, StateSelfForwarded},
		{0b101, StateSelfForwarded},
		{0b110, StateSelfForwarded},
		{0b111, StateForwardExpanded},
	}
	for _, tt := range tests {
		if got := tt.h.State(); got != tt.want {
			t.Errorf("%#x: expected %s, got %s", uint64(tt.h), tt.want, got)
		}
	}
}

func TestHeaderWordLockStateExclusivity(t *testing.T) {
	for _, h := range sampleHeaders() {
		n := 0
		for _, p := range []bool{h.IsUnlocked(), h.IsLocked(), h.HasMonitor(), h.IsMarked()} {
			if p {
				n++
			}
		}
		if n != 1 {
			t.Errorf("%s: expected exactly one lock predicate, got %d", h, n)
		}
		if h.IsBeingInflated() {
			t.Errorf("%s: non-zero word reports inflating", h)
		}
	}

	h := Inflating()
	if !h.IsBeingInflated() {
		t.Error("Expected the zero word to be the inflating marker")
	}
	if h.IsUnlocked() || h.IsLocked() || h.HasMonitor() || h.IsMarked() {
		t.Error("Expected the inflating marker to match no other lock predicate")
	}
}

func TestHeaderWordAgeScenario(t *testing.T) {
	l, err := NewHeaderLayout(Options{Locking: LockingLegacy, Diagnostics: true}, nil)
	if err != nil {
		t.Fatalf("NewHeaderLayout failed: %v", err)
	}
	h := l.Prototype()
	if !h.IsUnlocked() {
		t.Error("Expected prototype to be unlocked")
	}
	if !l.HasNoHash(h) {
		t.Error("Expected prototype to have no hash")
	}
	if h.Age() != 0 {
		t.Errorf("Expected age 0, got %d", h.Age())
	}

	h = h.SetAge(5)
	for i := 0; i < 6; i++ {
		h = h.IncrAge()
	}
	if h.Age() != 15 {
		t.Errorf("Expected age 15, got %d", h.Age())
	}
	if !h.IsUnlocked() || !l.HasNoHash(h) {
		t.Errorf("Aging disturbed other fields: %s", l.Describe(h))
	}
}

func TestHeaderWordAgeSaturates(t *testing.T) {
	for k := uint(0); k < 8; k++ {
		h := HeaderWord(unlockedValue)
		for i := uint(0); i < MaxAge+k; i++ {
			h = h.IncrAge()
		}
		if h.Age() != MaxAge {
			t.Errorf("k=%d: expected age %d, got %d", k, MaxAge, h.Age())
		}
	}
}

func TestHeaderWordSetAgeRejectsOverflow(t *testing.T) {
	expectPanic(t, func() { HeaderWord(1).SetAge(MaxAge + 1) })
}

func TestHeaderWordBitIsolation(t *testing.T) {
	mutators := []struct {
		name string
		mask uint64
		fn   func(HeaderWord) HeaderWord
	}{
		{"SetAge(0)", ageMaskInPlace, func(h HeaderWord) HeaderWord { return h.SetAge(0) }},
		{"SetAge(9)", ageMaskInPlace, func(h HeaderWord) HeaderWord { return h.SetAge(9) }},
		{"IncrAge", ageMaskInPlace, HeaderWord.IncrAge},
		{"SetUnlocked", lockMaskInPlace, HeaderWord.SetUnlocked},
		{"SetFastLocked", lockMaskInPlace, HeaderWord.SetFastLocked},
		{"SetHasMonitor", lockMaskInPlace, HeaderWord.SetHasMonitor},
		{"SetMarked", lockMaskInPlace, HeaderWord.SetMarked},
		{"SetUnmarked", lockMaskInPlace, HeaderWord.SetUnmarked},
		{"ClearLockBits", lockMaskInPlace | selfFwdMaskInPlace, HeaderWord.ClearLockBits},
		{"SetSelfForwarded", selfFwdMaskInPlace, HeaderWord.SetSelfForwarded},
		{"UnsetSelfForwarded", selfFwdMaskInPlace, HeaderWord.UnsetSelfForwarded},
	}

	for _, m := range mutators {
		for _, h := range sampleHeaders() {
			got := m.fn(h)
			if diff := uint64(got^h) &^ m.mask; diff != 0 {
				t.Errorf("%s(%s) changed bits %#x outside its field", m.name, h, diff)
			}
		}
	}

	for _, h := range sampleHeaders() {
		got := h.SetAge(7)
		if got.LockBits() != h.LockBits() || got.IsSelfForwarded() != h.IsSelfForwarded() {
			t.Errorf("SetAge(%s) changed the lock state: %s", h, got)
		}
	}
}

func TestHeaderWordForwarding(t *testing.T) {
	for _, a := range []Address{0x1000, 0x7FFF_FFF8, 0x1_0000_0040} {
		h := EncodePointerAsMark(a)
		if h.State() != StateForwarded {
			t.Errorf("Expected forwarded, got %s", h.State())
		}
		if h.DecodePointer() != a {
			t.Errorf("Expected %s, got %s", a, h.DecodePointer())
		}

		x := h.SetForwardExpanded()
		if !x.IsForwardExpanded() || !x.IsMarked() {
			t.Errorf("Expected forward-expanded, got %s", x.State())
		}
		if x.DecodePointer() != a {
			t.Errorf("Forward-expanded lost its target: %s", x.DecodePointer())
		}
	}

	expectPanic(t, func() { EncodePointerAsMark(0x1004) })
}

func TestHeaderWordForwardExpandedPrecondition(t *testing.T) {
	for _, h := range []HeaderWord{
		HeaderWord(unlockedValue),
		HeaderWord(0x1000),
		HeaderWord(0x1000 | monitorValue),
		EncodePointerAsMark(0x1000).SetSelfForwarded(),
		HeaderWord(unlockedValue).SetSelfForwarded(),
		EncodePointerAsMark(0x1000).SetForwardExpanded(),
	} {
		se := expectStateError(t, func() { h.SetForwardExpanded() })
		if se != nil && se.Header != h {
			t.Errorf("Expected error to carry %s, got %s", h, se.Header)
		}
	}
}

func TestHeaderWordSelfForward(t *testing.T) {
	h := HeaderWord(unlockedValue).SetAge(3)
	sf := h.SetSelfForwarded()
	if !sf.IsSelfForwarded() || !sf.IsMarked() {
		t.Errorf("Expected self-forwarded, got %s", sf.State())
	}
	if sf.UnsetSelfForwarded() != h {
		t.Errorf("Expected %s back, got %s", h, sf.UnsetSelfForwarded())
	}
}

func TestHeaderWordString(t *testing.T) {
	s := EncodePointerAsMark(0x1000).String()
	if !strings.Contains(s, "forwarded") {
		t.Errorf("Expected state name in %q", s)
	}
	if got := LockState(42).String(); got != "LockState(42)" {
		t.Errorf("Expected LockState(42), got %q", got)
	}
}
