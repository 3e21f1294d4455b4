package vm

import (
	"fmt"
)

// LockingMode selects how the locked header state is interpreted.
type LockingMode uint8

const (
	LockingLegacy      LockingMode = iota // header holds the address of a stack lock record
	LockingLightweight                    // header bits stay in place, lock bits cleared
)

func (m LockingMode) String() string {
	switch m {
	case LockingLegacy:
		return "legacy"
	case LockingLightweight:
		return "lightweight"
	}
	return fmt.Sprintf("LockingMode(%d)", uint8(m))
}

// ParseLockingMode maps a configuration string to a LockingMode.
func ParseLockingMode(s string) (LockingMode, error) {
	switch s {
	case "legacy", "stack":
		return LockingLegacy, nil
	case "lightweight", "fast", "":
		return LockingLightweight, nil
	}
	return 0, fmt.Errorf("unknown locking mode %q", s)
}

// Options is the process-wide object model configuration. It is fixed
// once the runtime starts.
type Options struct {
	// CompressedClassPointers enables narrow type references.
	CompressedClassPointers bool

	// CompactHeaders selects the compact header layout, which embeds the
	// narrow type reference and tracks hashing with hash-control bits.
	CompactHeaders bool

	// Locking selects the interpretation of the locked state.
	Locking LockingMode

	// ObjectMonitorTable keeps monitors in a side table instead of
	// encoding their address in the header.
	ObjectMonitorTable bool

	// UseTypeLUT enables the type lookup cache.
	UseTypeLUT bool

	// TypeLUTStats enables per-lookup classification counters.
	TypeLUTStats bool

	// Diagnostics enables invariant checks on every accessor.
	Diagnostics bool

	// NarrowBits is the narrow reference width.
	NarrowBits uint

	// ClassSpaceBase and ClassSpaceSize describe the range type
	// descriptors are allocated in. Base and shift are derived from it.
	ClassSpaceBase Address
	ClassSpaceSize uint64

	// HeapBase and HeapSize describe the simulated object heap.
	HeapBase Address
	HeapSize uint64

	// InflationSpinLimit bounds how often a reader retries after observing
	// the Inflating marker.
	InflationSpinLimit int
}

// DefaultOptions returns the configuration used when nothing else is set.
func DefaultOptions() Options {
	return Options{
		CompressedClassPointers: true,
		CompactHeaders:          true,
		Locking:                 LockingLightweight,
		UseTypeLUT:              true,
		NarrowBits:              CompactNarrowBits,
		ClassSpaceBase:          0x8_0000_0000,
		ClassSpaceSize:          64 << 20,
		HeapBase:                0x1_0000_0000,
		HeapSize:                256 << 20,
		InflationSpinLimit:      1000,
	}
}

// Validate checks option combinations that cannot work together.
func (o Options) Validate() error {
	if o.CompactHeaders && !o.CompressedClassPointers {
		return fmt.Errorf("compact headers require compressed class pointers")
	}
	if o.UseTypeLUT && !o.CompressedClassPointers {
		return fmt.Errorf("type lookup cache requires compressed class pointers")
	}
	if o.CompressedClassPointers {
		if o.NarrowBits == 0 || o.NarrowBits > MaxNarrowBits {
			return fmt.Errorf("narrow bits %d outside [1, %d]", o.NarrowBits, MaxNarrowBits)
		}
		if o.CompactHeaders && o.NarrowBits > CompactNarrowBits {
			return fmt.Errorf("compact headers hold at most %d narrow bits, got %d", CompactNarrowBits, o.NarrowBits)
		}
		if o.ClassSpaceSize == 0 {
			return fmt.Errorf("class space size must be positive")
		}
	}
	if o.CompactHeaders && o.Locking != LockingLightweight {
		return fmt.Errorf("compact headers require lightweight locking")
	}
	if o.ObjectMonitorTable && o.Locking != LockingLightweight {
		return fmt.Errorf("object monitor table requires lightweight locking")
	}
	if o.HeapSize == 0 {
		return fmt.Errorf("heap size must be positive")
	}
	if o.InflationSpinLimit < 0 {
		return fmt.Errorf("inflation spin limit %d is negative", o.InflationSpinLimit)
	}
	return nil
}
