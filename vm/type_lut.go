package vm

import (
	"fmt"
	"sync/atomic"

	"github.com/tliron/commonlog"
)

var lutLog = commonlog.GetLogger("oops.lut")

// TypeLUT is the direct-mapped type lookup cache: one packed entry per
// possible narrow reference, so common type queries can be answered
// without touching the full descriptor.
//
// The table is sized once and never grows. Each slot is written once, at
// registration, before any reader can hold the narrow reference that
// indexes it; slots are accessed atomically so that publication through
// the runtime's own type publication is enough.
type TypeLUT struct {
	enc         *NarrowEncoding
	entries     []atomic.Uint32
	diagnostics bool
	stats       *LUTStats
}

// LUTOption customizes a TypeLUT.
type LUTOption func(*TypeLUT)

// WithLUTDiagnostics enables read-back verification on registration.
func WithLUTDiagnostics(on bool) LUTOption {
	return func(t *TypeLUT) { t.diagnostics = on }
}

// WithLUTStats enables registration and lookup classification counters.
func WithLUTStats(on bool) LUTOption {
	return func(t *TypeLUT) {
		if on {
			t.stats = &LUTStats{}
		} else {
			t.stats = nil
		}
	}
}

// NewTypeLUT allocates a table with one slot per narrow reference of enc,
// every slot holding InvalidTypeLUTEntry.
func NewTypeLUT(enc *NarrowEncoding, opts ...LUTOption) *TypeLUT {
	t := &TypeLUT{
		enc:     enc,
		entries: make([]atomic.Uint32, enc.NumRefs()),
	}
	for _, opt := range opts {
		opt(t)
	}
	for i := range t.entries {
		t.entries[i].Store(uint32(InvalidTypeLUTEntry))
	}
	lutLog.Debugf("type lookup cache: %d entries (%d KiB), %s",
		len(t.entries), len(t.entries)*4/1024, enc)
	return t
}

// Len returns the number of slots.
func (t *TypeLUT) Len() int { return len(t.entries) }

// Encoding returns the narrow encoding the table is keyed by.
func (t *TypeLUT) Encoding() *NarrowEncoding { return t.enc }

// Stats returns the live counters, or nil when instrumentation is off.
func (t *TypeLUT) Stats() *LUTStats { return t.stats }

// Register summarizes td and stores the entry at td's narrow reference.
// Registering the same descriptor again is allowed only if it produces the
// identical entry; with diagnostics on, a differing entry panics.
func (t *TypeLUT) Register(td TypeDescriptor) (NarrowRef, error) {
	r, err := t.enc.Encode(td.Address())
	if err != nil {
		return 0, fmt.Errorf("register %s: %w", td.Name(), err)
	}
	if r.IsNull() {
		return 0, fmt.Errorf("register %s: descriptor has no address", td.Name())
	}
	e := BuildTypeLUTEntry(td)
	fresh := t.store("TypeLUT.Register", r, e)

	if t.diagnostics {
		if got := t.At(r); got != e {
			panic(fmt.Sprintf("TypeLUT.Register: read back %s at %d, stored %s", got, r, e))
		}
		if err := e.VerifyAgainst(td); err != nil {
			panic(fmt.Sprintf("TypeLUT.Register: %v", err))
		}
	}
	if fresh && t.stats != nil {
		t.stats.registered[td.Kind()].Add(1)
	}
	return r, nil
}

// Install stores a prebuilt entry, as when restoring a snapshot. The same
// write-once rule as Register applies.
func (t *TypeLUT) Install(r NarrowRef, e TypeLUTEntry) error {
	if err := t.enc.CheckNarrowRef(r); err != nil {
		return fmt.Errorf("install at %d: %w", r, err)
	}
	if !e.IsValid() || !e.Kind().Valid() {
		return fmt.Errorf("install at %d: entry %#x is not a valid entry", r, uint32(e))
	}
	if t.store("TypeLUT.Install", r, e) && t.stats != nil {
		t.stats.registered[e.Kind()].Add(1)
	}
	return nil
}

// store writes e at r and reports whether the slot was empty before.
func (t *TypeLUT) store(op string, r NarrowRef, e TypeLUTEntry) bool {
	slot := t.slot(op, r)
	if t.diagnostics {
		if old := TypeLUTEntry(slot.Load()); old.IsValid() && old != e {
			panic(fmt.Sprintf("%s: slot %d already holds %s, refusing %s", op, r, old, e))
		}
	}
	return !TypeLUTEntry(slot.Swap(uint32(e))).IsValid()
}

func (t *TypeLUT) slot(op string, r NarrowRef) *atomic.Uint32 {
	if uint64(r) >= uint64(len(t.entries)) {
		panic(fmt.Sprintf("%s: narrow reference %d out of bounds (%d entries)", op, r, len(t.entries)))
	}
	return &t.entries[r]
}

// At returns the entry at r without counting the access.
func (t *TypeLUT) At(r NarrowRef) TypeLUTEntry {
	return TypeLUTEntry(t.slot("TypeLUT.At", r).Load())
}

// Lookup returns the entry at r, or InvalidTypeLUTEntry if nothing was
// registered there. A reference beyond the table panics: the codec cannot
// have produced it.
func (t *TypeLUT) Lookup(r NarrowRef) TypeLUTEntry {
	e := TypeLUTEntry(t.slot("TypeLUT.Lookup", r).Load())
	if t.stats != nil {
		t.stats.recordLookup(e)
	}
	return e
}

// ForEach calls fn for every registered slot in ascending order until fn
// returns false.
func (t *TypeLUT) ForEach(fn func(r NarrowRef, e TypeLUTEntry) bool) {
	for i := range t.entries {
		e := TypeLUTEntry(t.entries[i].Load())
		if !e.IsValid() {
			continue
		}
		if !fn(NarrowRef(i), e) {
			return
		}
	}
}

// NumRegistered counts the registered slots.
func (t *TypeLUT) NumRegistered() int {
	n := 0
	t.ForEach(func(NarrowRef, TypeLUTEntry) bool {
		n++
		return true
	})
	return n
}
