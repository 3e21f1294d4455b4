package vm

import (
	"fmt"
	"strings"
)

// HashState is the identity hash lifecycle tracked by the hash-control bits
// of a compact header.
type HashState uint8

const (
	HashNever             HashState = 0b00 // never hashed
	HashHashedNotExpanded HashState = 0b01 // hashed, value recomputed from the address
	HashNotHashedExpanded HashState = 0b10 // storage pre-expanded by a scratch copy, not hashed
	HashHashedExpanded    HashState = 0b11 // hashed, value installed in the hidden slot
)

func (s HashState) String() string {
	switch s {
	case HashNever:
		return "never-hashed"
	case HashHashedNotExpanded:
		return "hashed-not-expanded"
	case HashNotHashedExpanded:
		return "not-hashed-expanded"
	case HashHashedExpanded:
		return "hashed-expanded"
	}
	return fmt.Sprintf("HashState(%d)", uint8(s))
}

// IsHashed reports whether an identity hash has been handed out.
func (s HashState) IsHashed() bool { return s&HashHashedNotExpanded != 0 }

// IsExpanded reports whether the object carries the extra hash slot.
func (s HashState) IsExpanded() bool { return s&HashNotHashedExpanded != 0 }

// ValidHashTransition reports whether moving from one hash state to another
// is a legal lifecycle step.
func ValidHashTransition(from, to HashState) bool {
	switch {
	case from == HashNever && to == HashHashedNotExpanded:
		return true
	case from == HashHashedNotExpanded && to == HashHashedExpanded:
		return true
	case from == HashNever && to == HashNotHashedExpanded:
		return true
	}
	return false
}

// HeaderLayout binds header accessors to the process configuration: which
// upper layout is active, which locking discipline is in use, and whether
// monitors live in a side table. With diagnostics on, every accessor checks
// that it is used under the right configuration and in the right state and
// panics with a *StateError otherwise.
type HeaderLayout struct {
	compact      bool
	locking      LockingMode
	monitorTable bool
	diagnostics  bool
	enc          *NarrowEncoding
}

// NewHeaderLayout creates the layout for opts. enc may be nil unless
// compact headers are enabled.
func NewHeaderLayout(opts Options, enc *NarrowEncoding) (*HeaderLayout, error) {
	if opts.CompactHeaders {
		if enc == nil {
			return nil, fmt.Errorf("compact headers need a narrow encoding")
		}
		if enc.Bits() > CompactNarrowBits {
			return nil, fmt.Errorf("narrow encoding is %d bits wide, compact headers hold %d",
				enc.Bits(), CompactNarrowBits)
		}
	}
	return &HeaderLayout{
		compact:      opts.CompactHeaders,
		locking:      opts.Locking,
		monitorTable: opts.ObjectMonitorTable,
		diagnostics:  opts.Diagnostics,
		enc:          enc,
	}, nil
}

// Compact reports whether the compact layout is active.
func (l *HeaderLayout) Compact() bool { return l.compact }

// Locking returns the locking discipline.
func (l *HeaderLayout) Locking() LockingMode { return l.locking }

// MonitorTable reports whether monitors are kept in a side table.
func (l *HeaderLayout) MonitorTable() bool { return l.monitorTable }

// Diagnostics reports whether accessors validate their preconditions.
func (l *HeaderLayout) Diagnostics() bool { return l.diagnostics }

func (l *HeaderLayout) requireCompact(op string, h HeaderWord) {
	if l.diagnostics && !l.compact {
		stateViolation(op, h, "only valid with compact headers")
	}
}

func (l *HeaderLayout) requireClassic(op string, h HeaderWord) {
	if l.diagnostics && l.compact {
		stateViolation(op, h, "not valid with compact headers")
	}
}

func (l *HeaderLayout) requireLocking(op string, h HeaderWord, m LockingMode) {
	if l.diagnostics && l.locking != m {
		stateViolation(op, h, "only valid with %s locking, running %s", m, l.locking)
	}
}

// Prototype returns the header every new object starts with: unlocked,
// age 0, no hash.
func (l *HeaderLayout) Prototype() HeaderWord {
	return HeaderWord(unlockedValue)
}

// PrototypeFor returns the prototype header for an instance of the type
// with narrow reference r. In the classic layout the type is not part of
// the header and r is ignored.
func (l *HeaderLayout) PrototypeFor(r NarrowRef) HeaderWord {
	if !l.compact {
		return l.Prototype()
	}
	return l.SetNarrowRef(l.Prototype(), r)
}

// ---------------------------------------------------------------------------
// Classic hash
// ---------------------------------------------------------------------------

// Hash returns the identity hash stored in a classic header.
func (l *HeaderLayout) Hash(h HeaderWord) uint32 {
	l.requireClassic("HeaderLayout.Hash", h)
	return uint32(uint64(h) >> hashShift & hashMask)
}

// CopySetHash returns h with its hash field replaced by hash.
func (l *HeaderLayout) CopySetHash(h HeaderWord, hash uint32) HeaderWord {
	l.requireClassic("HeaderLayout.CopySetHash", h)
	return HeaderWord(uint64(h)&^hashMaskInPlace | (uint64(hash)&hashMask)<<hashShift)
}

// HasNoHash reports whether no identity hash has been assigned.
func (l *HeaderLayout) HasNoHash(h HeaderWord) bool {
	if l.compact {
		return !l.HashState(h).IsHashed()
	}
	return l.Hash(h) == 0
}

// ---------------------------------------------------------------------------
// Compact hash lifecycle
// ---------------------------------------------------------------------------

// HashState decodes the hash-control bits.
func (l *HeaderLayout) HashState(h HeaderWord) HashState {
	l.requireCompact("HeaderLayout.HashState", h)
	return HashState(uint64(h) >> hashCtrlShift & hashCtrlMask)
}

func (l *HeaderLayout) setHashState(op string, h HeaderWord, to HashState) HeaderWord {
	l.requireCompact(op, h)
	from := HashState(uint64(h) >> hashCtrlShift & hashCtrlMask)
	if from == to {
		return h
	}
	if l.diagnostics && !ValidHashTransition(from, to) {
		stateViolation(op, h, "illegal hash transition %s -> %s", from, to)
	}
	return HeaderWord(uint64(h)&^hashCtrlMaskInPlace | uint64(to)<<hashCtrlShift)
}

// SetHashedNotExpanded records the first identity hash request.
func (l *HeaderLayout) SetHashedNotExpanded(h HeaderWord) HeaderWord {
	return l.setHashState("HeaderLayout.SetHashedNotExpanded", h, HashHashedNotExpanded)
}

// SetHashedExpanded records that the collector installed the hash value in
// the hidden slot while relocating a hashed object.
func (l *HeaderLayout) SetHashedExpanded(h HeaderWord) HeaderWord {
	return l.setHashState("HeaderLayout.SetHashedExpanded", h, HashHashedExpanded)
}

// SetNotHashedExpanded marks a never-hashed scratch copy as pre-expanded.
func (l *HeaderLayout) SetNotHashedExpanded(h HeaderWord) HeaderWord {
	return l.setHashState("HeaderLayout.SetNotHashedExpanded", h, HashNotHashedExpanded)
}

// CopyHashCtrlFrom copies the hash-control bits of m into h. In the
// classic layout h is returned unchanged.
func (l *HeaderLayout) CopyHashCtrlFrom(h, m HeaderWord) HeaderWord {
	if !l.compact {
		return h
	}
	return HeaderWord(uint64(h)&^hashCtrlMaskInPlace | uint64(m)&hashCtrlMaskInPlace)
}

// ---------------------------------------------------------------------------
// Embedded narrow reference
// ---------------------------------------------------------------------------

// NarrowRef extracts the type reference embedded in a compact header.
func (l *HeaderLayout) NarrowRef(h HeaderWord) NarrowRef {
	l.requireCompact("HeaderLayout.NarrowRef", h)
	r := NarrowRef(uint64(h) >> narrowRefShift & narrowRefMask)
	if l.diagnostics && !r.IsNull() {
		if err := l.enc.CheckNarrowRef(r); err != nil {
			stateViolation("HeaderLayout.NarrowRef", h, "embedded reference invalid: %v", err)
		}
	}
	return r
}

// SetNarrowRef embeds r in a compact header.
func (l *HeaderLayout) SetNarrowRef(h HeaderWord, r NarrowRef) HeaderWord {
	l.requireCompact("HeaderLayout.SetNarrowRef", h)
	if l.diagnostics {
		if uint64(r)&^narrowRefMask != 0 {
			stateViolation("HeaderLayout.SetNarrowRef", h, "narrow reference %d wider than %d bits", r, CompactNarrowBits)
		}
		if !r.IsNull() {
			if err := l.enc.CheckNarrowRef(r); err != nil {
				stateViolation("HeaderLayout.SetNarrowRef", h, "%v", err)
			}
		}
	}
	return HeaderWord(uint64(h)&^narrowRefMaskInPlace | (uint64(r)&narrowRefMask)<<narrowRefShift)
}

// ---------------------------------------------------------------------------
// Preservation
// ---------------------------------------------------------------------------

// MustBePreserved reports whether the collector has to save h before
// overwriting it with a forwarding pointer. In the compact layout the hash
// state is reconstructed separately, so only the lock state matters.
func (l *HeaderLayout) MustBePreserved(h HeaderWord) bool {
	if l.compact {
		return !h.IsUnlocked()
	}
	return !h.IsUnlocked() || !l.HasNoHash(h)
}

// ---------------------------------------------------------------------------
// Locking
// ---------------------------------------------------------------------------

// HasLocker reports whether h holds the address of a stack lock record.
func (l *HeaderLayout) HasLocker(h HeaderWord) bool {
	l.requireLocking("HeaderLayout.HasLocker", h, LockingLegacy)
	return h.State() == StateLocked
}

// Locker returns the stack lock record address held in h.
func (l *HeaderLayout) Locker(h HeaderWord) Address {
	if l.diagnostics && !l.HasLocker(h) {
		stateViolation("HeaderLayout.Locker", h, "not stack-locked")
	}
	return Address(h)
}

// EncodeLocker builds a stack-locked header from a lock record address.
func (l *HeaderLayout) EncodeLocker(a Address) HeaderWord {
	h := HeaderWord(a)
	l.requireLocking("HeaderLayout.EncodeLocker", h, LockingLegacy)
	if l.diagnostics && (a.IsNull() || uint64(a)&lockMaskInPlace != 0) {
		stateViolation("HeaderLayout.EncodeLocker", h, "lock record %s not word aligned", a)
	}
	return h
}

// IsFastLocked reports whether h is fast-locked.
func (l *HeaderLayout) IsFastLocked(h HeaderWord) bool {
	l.requireLocking("HeaderLayout.IsFastLocked", h, LockingLightweight)
	return l.State(h) == StateLocked
}

// State decodes h under the configured locking discipline. Lightweight
// locking never publishes the Inflating marker, so there the zero word is
// a fast-locked header whose other fields are all zero.
func (l *HeaderLayout) State(h HeaderWord) LockState {
	if h == 0 && l.locking == LockingLightweight {
		return StateLocked
	}
	return h.State()
}

// Monitor returns the address of the monitor h points at.
func (l *HeaderLayout) Monitor(h HeaderWord) Address {
	if l.diagnostics {
		if !h.HasMonitor() {
			stateViolation("HeaderLayout.Monitor", h, "no monitor")
		}
		if l.monitorTable {
			stateViolation("HeaderLayout.Monitor", h, "monitors live in the side table")
		}
	}
	// xor checks the tag bit once more: a non-monitor word decodes to a
	// misaligned address.
	return Address(uint64(h) ^ monitorValue)
}

// EncodeMonitor builds a monitor header from a monitor address.
func (l *HeaderLayout) EncodeMonitor(a Address) HeaderWord {
	h := HeaderWord(uint64(a) | monitorValue)
	if l.diagnostics {
		if l.monitorTable {
			stateViolation("HeaderLayout.EncodeMonitor", h, "monitors live in the side table")
		}
		if uint64(a)&lockMaskInPlace != 0 {
			stateViolation("HeaderLayout.EncodeMonitor", h, "monitor %s not word aligned", a)
		}
	}
	return h
}

// HasDisplacedMarkHelper reports whether the real header of an object in
// state h lives elsewhere (in a lock record or a monitor).
func (l *HeaderLayout) HasDisplacedMarkHelper(h HeaderWord) bool {
	if l.locking == LockingLightweight {
		return !l.monitorTable && h.HasMonitor()
	}
	return h.HasMonitor() || h.IsLocked()
}

// ---------------------------------------------------------------------------
// Debugging
// ---------------------------------------------------------------------------

// Describe renders h with the fields of the active layout.
func (l *HeaderLayout) Describe(h HeaderWord) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%#016x %s", uint64(h), l.State(h))
	switch l.State(h) {
	case StateInflating:
		return sb.String()
	case StateForwarded, StateForwardExpanded:
		fmt.Fprintf(&sb, " -> %s", h.DecodePointer())
		return sb.String()
	case StateMonitor:
		if !l.monitorTable {
			fmt.Fprintf(&sb, " monitor=%s", Address(uint64(h)^monitorValue))
			return sb.String()
		}
	case StateLocked:
		if l.locking == LockingLegacy {
			fmt.Fprintf(&sb, " locker=%s", Address(h))
			return sb.String()
		}
	}
	fmt.Fprintf(&sb, " age=%d", h.Age())
	if l.compact {
		hs := HashState(uint64(h) >> hashCtrlShift & hashCtrlMask)
		r := NarrowRef(uint64(h) >> narrowRefShift & narrowRefMask)
		fmt.Fprintf(&sb, " hash=%s type=%d", hs, r)
	} else {
		fmt.Fprintf(&sb, " hash=%#x", uint64(h)>>hashShift&hashMask)
	}
	return sb.String()
}
