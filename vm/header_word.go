package vm

import (
	"fmt"
)

// HeaderWord is the packed per-object header.
//
// Bit layout (least significant first):
//
//	bits  0-1   lock          00 locked, 01 unlocked, 10 monitor, 11 marked
//	bit   2     self-forward  set when the object was relocated in place
//	bits  3-6   age           generational age, saturating at MaxAge
//	bits  7-10  (unused gap)
//
// Classic layout (compact headers off):
//
//	bits 11-41  hash          identity hash, 0 = no hash assigned
//
// Compact layout (compact headers on):
//
//	bits 11-12  hash control  see HashState
//	bits 13-31  narrow ref    narrow reference to the object's type
//
// The literal zero word is the Inflating marker.
//
// All methods on HeaderWord are layout-independent. Accessors whose
// meaning depends on the configured layout or locking discipline live on
// HeaderLayout.
type HeaderWord uint64

// Field widths
const (
	lockBits      = 2
	selfFwdBits   = 1
	ageBits       = 4
	unusedGapBits = 4
	hashBits      = 31
	hashCtrlBits  = 2

	// CompactNarrowBits is the width of the narrow reference embedded in a
	// compact header.
	CompactNarrowBits = 19
)

// Field positions
const (
	lockShift      = 0
	selfFwdShift   = lockShift + lockBits
	ageShift       = selfFwdShift + selfFwdBits
	hashShift      = ageShift + ageBits + unusedGapBits
	hashCtrlShift  = ageShift + ageBits + unusedGapBits
	narrowRefShift = hashCtrlShift + hashCtrlBits
)

// Masks
const (
	lockMask             uint64 = 1<<lockBits - 1
	lockMaskInPlace             = lockMask << lockShift
	selfFwdMask          uint64 = 1<<selfFwdBits - 1
	selfFwdMaskInPlace          = selfFwdMask << selfFwdShift
	ageMask              uint64 = 1<<ageBits - 1
	ageMaskInPlace              = ageMask << ageShift
	hashMask             uint64 = 1<<hashBits - 1
	hashMaskInPlace             = hashMask << hashShift
	hashCtrlMask         uint64 = 1<<hashCtrlBits - 1
	hashCtrlMaskInPlace         = hashCtrlMask << hashCtrlShift
	hashedBitInPlace     uint64 = 1 << hashCtrlShift
	expandedBitInPlace   uint64 = 2 << hashCtrlShift
	narrowRefMask        uint64 = 1<<CompactNarrowBits - 1
	narrowRefMaskInPlace        = narrowRefMask << narrowRefShift
)

// Lock field values
const (
	lockedValue          uint64 = 0
	unlockedValue        uint64 = 1
	monitorValue         uint64 = 2
	markedValue          uint64 = 3
	forwardExpandedValue uint64 = 0b111
)

// MaxAge is the largest value the age field holds.
const MaxAge = uint(ageMask)

// MaxHash is the largest identity hash storable in a classic header.
const MaxHash = uint32(hashMask)

// ---------------------------------------------------------------------------
// Lock / forwarding state
// ---------------------------------------------------------------------------

// LockState is the decoded meaning of the lock and self-forward bits.
// Every header word decodes to exactly one LockState.
type LockState uint8

const (
	StateInflating       LockState = iota // all-zero word, lock upgrade in progress
	StateLocked                           // stack-locked or fast-locked
	StateUnlocked                         // neutral header
	StateMonitor                          // inflated lock
	StateForwarded                        // relocated, remaining bits are the target address
	StateSelfForwarded                    // relocated in place
	StateForwardExpanded                  // forwarded, target header was hash-expanded
)

var lockStateNames = [...]string{
	StateInflating:       "inflating",
	StateLocked:          "locked",
	StateUnlocked:        "unlocked",
	StateMonitor:         "monitor",
	StateForwarded:       "forwarded",
	StateSelfForwarded:   "self-forwarded",
	StateForwardExpanded: "forward-expanded",
}

func (s LockState) String() string {
	if int(s) < len(lockStateNames) {
		return lockStateNames[s]
	}
	return fmt.Sprintf("LockState(%d)", uint8(s))
}

// State decodes the header's lock/forwarding state.
func (h HeaderWord) State() LockState {
	if h == 0 {
		return StateInflating
	}
	switch uint64(h) & (lockMaskInPlace | selfFwdMaskInPlace) {
	case lockedValue:
		return StateLocked
	case unlockedValue:
		return StateUnlocked
	case monitorValue:
		return StateMonitor
	case markedValue:
		return StateForwarded
	case forwardExpandedValue:
		return StateForwardExpanded
	default: // 0b100, 0b101, 0b110
		return StateSelfForwarded
	}
}

// Inflating returns the distinguished busy marker used while a lock is
// being upgraded to a monitor. Readers that observe it must retry.
func Inflating() HeaderWord { return 0 }

// UnusedMark is stored into a lock record to indicate that the lock is
// held through a monitor.
func UnusedMark() HeaderWord { return HeaderWord(markedValue) }

// Value returns the raw word.
func (h HeaderWord) Value() uint64 { return uint64(h) }

// LockBits returns the raw two-bit lock field.
func (h HeaderWord) LockBits() uint64 { return uint64(h) & lockMaskInPlace }

// IsBeingInflated reports whether h is the Inflating marker.
func (h HeaderWord) IsBeingInflated() bool { return h == 0 }

// IsUnlocked reports whether h is a neutral header.
func (h HeaderWord) IsUnlocked() bool { return h.State() == StateUnlocked }

// IsLocked reports whether h is stack-locked or fast-locked.
func (h HeaderWord) IsLocked() bool { return h.State() == StateLocked }

// HasMonitor reports whether h refers to an inflated monitor.
func (h HeaderWord) HasMonitor() bool { return h.State() == StateMonitor }

// IsMarked reports whether h is in any forwarding state.
func (h HeaderWord) IsMarked() bool {
	switch h.State() {
	case StateForwarded, StateSelfForwarded, StateForwardExpanded:
		return true
	}
	return false
}

// IsForwarded is IsMarked under its collector name.
func (h HeaderWord) IsForwarded() bool { return h.IsMarked() }

// IsSelfForwarded reports whether the object was relocated in place.
func (h HeaderWord) IsSelfForwarded() bool { return h.State() == StateSelfForwarded }

// IsForwardExpanded reports whether h is forwarded with an expanded target.
func (h HeaderWord) IsForwardExpanded() bool { return h.State() == StateForwardExpanded }

// ---------------------------------------------------------------------------
// Lock mutators
// ---------------------------------------------------------------------------

// SetUnlocked sets the unlocked bit.
func (h HeaderWord) SetUnlocked() HeaderWord {
	return HeaderWord(uint64(h) | unlockedValue)
}

// SetFastLocked clears the lock bits.
func (h HeaderWord) SetFastLocked() HeaderWord {
	return HeaderWord(uint64(h) &^ lockMaskInPlace)
}

// SetHasMonitor replaces the lock bits with the monitor value, keeping
// every other bit.
func (h HeaderWord) SetHasMonitor() HeaderWord {
	return HeaderWord(uint64(h)&^lockMaskInPlace | monitorValue)
}

// SetMarked replaces the lock bits with the marked value.
func (h HeaderWord) SetMarked() HeaderWord {
	return HeaderWord(uint64(h)&^lockMaskInPlace | markedValue)
}

// SetUnmarked replaces the lock bits with the unlocked value.
func (h HeaderWord) SetUnmarked() HeaderWord {
	return HeaderWord(uint64(h)&^lockMaskInPlace | unlockedValue)
}

// ClearLockBits clears the lock and self-forward bits.
func (h HeaderWord) ClearLockBits() HeaderWord {
	return HeaderWord(uint64(h) &^ (lockMaskInPlace | selfFwdMaskInPlace))
}

// ---------------------------------------------------------------------------
// Forwarding
// ---------------------------------------------------------------------------

// EncodePointerAsMark builds a forwarding header pointing at a.
// a must be 8-byte aligned.
func EncodePointerAsMark(a Address) HeaderWord {
	if uint64(a)&(lockMaskInPlace|selfFwdMaskInPlace) != 0 {
		panic(fmt.Sprintf("EncodePointerAsMark: %s is not 8-byte aligned", a))
	}
	return HeaderWord(a).SetMarked()
}

// DecodePointer recovers the address stored in a forwarding header.
func (h HeaderWord) DecodePointer() Address {
	return Address(h.ClearLockBits())
}

// SetSelfForwarded sets the self-forward bit, keeping the rest of the header.
func (h HeaderWord) SetSelfForwarded() HeaderWord {
	return HeaderWord(uint64(h) | selfFwdMaskInPlace)
}

// UnsetSelfForwarded clears the self-forward bit.
func (h HeaderWord) UnsetSelfForwarded() HeaderWord {
	return HeaderWord(uint64(h) &^ selfFwdMaskInPlace)
}

// SetForwardExpanded records that the forwarding target of a plain
// forwarded header received an expanded hash slot. h must be plain
// forwarded; any other state panics.
func (h HeaderWord) SetForwardExpanded() HeaderWord {
	if h.State() != StateForwarded {
		stateViolation("HeaderWord.SetForwardExpanded", h, "must be plain-forwarded, is %s", h.State())
	}
	return HeaderWord(uint64(h) | forwardExpandedValue)
}

// ---------------------------------------------------------------------------
// Age
// ---------------------------------------------------------------------------

// Age returns the generational age.
func (h HeaderWord) Age() uint {
	return uint(uint64(h)>>ageShift) & uint(ageMask)
}

// SetAge replaces the age field. Panics if v exceeds MaxAge.
func (h HeaderWord) SetAge(v uint) HeaderWord {
	if v > MaxAge {
		panic(fmt.Sprintf("HeaderWord.SetAge: age %d overflows %d-bit field", v, ageBits))
	}
	return HeaderWord(uint64(h)&^ageMaskInPlace | uint64(v)<<ageShift)
}

// IncrAge increments the age, saturating at MaxAge.
func (h HeaderWord) IncrAge() HeaderWord {
	if h.Age() == MaxAge {
		return h
	}
	return h.SetAge(h.Age() + 1)
}

// ---------------------------------------------------------------------------
// Debugging
// ---------------------------------------------------------------------------

func (h HeaderWord) String() string {
	return fmt.Sprintf("%#016x(%s age=%d)", uint64(h), h.State(), h.Age())
}
