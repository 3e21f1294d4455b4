package vm

import (
	"errors"
	"fmt"
	"math/rand"
)

// ErrScratchNotHashable is returned when an identity hash is requested for
// a pre-expanded scratch copy. Scratch copies never enter the hashed
// states.
var ErrScratchNotHashable = errors.New("scratch copy cannot be hashed")

// IdentityHash returns obj's identity hash, assigning one on first use.
//
// Classic headers store a random hash in the header (or in the displaced
// header of a locked object). Compact headers only flip the hash-control
// bits; until the collector expands the object, the hash is derived from
// the object's address.
func (h *Heap) IdentityHash(obj *Object) (uint32, error) {
	if h.layout.Compact() {
		return h.compactHash(obj)
	}
	return h.classicHash(obj)
}

func newRandomHash() uint32 {
	for {
		if v := rand.Uint32() & MaxHash; v != 0 {
			return v
		}
	}
}

// addressHash derives a non-zero hash from an address with the splitmix64
// finalizer.
func addressHash(a Address) uint32 {
	z := uint64(a)
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	z ^= z >> 31
	if v := uint32(z) & MaxHash; v != 0 {
		return v
	}
	return 1
}

func (h *Heap) classicHash(obj *Object) (uint32, error) {
	l := h.layout
	for {
		m, err := h.stableMark(obj)
		if err != nil {
			return 0, err
		}
		switch {
		case m.IsMarked():
			return 0, fmt.Errorf("identity hash %s: %w", obj, ErrForwarded)

		case m.HasMonitor() && !l.MonitorTable():
			mon := h.MonitorOf(obj)
			if mon == nil {
				continue
			}
			hdr := mon.updateHeader(func(d HeaderWord) HeaderWord {
				if l.HasNoHash(d) {
					d = l.CopySetHash(d, newRandomHash())
				}
				return d
			})
			return l.Hash(hdr), nil

		case m.IsLocked() && l.Locking() == LockingLegacy:
			// The real header sits in a lock record owned by another
			// frame; move it into a monitor where it can be updated.
			if _, err := h.Inflate(obj, 0); err != nil {
				return 0, err
			}

		default:
			if hash := l.Hash(m); hash != 0 {
				return hash, nil
			}
			hash := newRandomHash()
			if obj.CompareAndSwapMark(m, l.CopySetHash(m, hash)) {
				return hash, nil
			}
		}
	}
}

func (h *Heap) hashForState(obj *Object, s HashState) (uint32, error) {
	switch s {
	case HashHashedNotExpanded:
		return addressHash(obj.addr), nil
	case HashHashedExpanded:
		return obj.hiddenHash, nil
	case HashNotHashedExpanded:
		return 0, fmt.Errorf("identity hash %s: %w", obj, ErrScratchNotHashable)
	}
	return 0, fmt.Errorf("identity hash %s: object was never hashed", obj)
}

func (h *Heap) compactHash(obj *Object) (uint32, error) {
	l := h.layout
	for {
		m, err := h.stableMark(obj)
		if err != nil {
			return 0, err
		}
		if m.IsMarked() {
			return 0, fmt.Errorf("identity hash %s: %w", obj, ErrForwarded)
		}
		if m.HasMonitor() && !l.MonitorTable() {
			mon := h.MonitorOf(obj)
			if mon == nil {
				continue
			}
			hdr := mon.updateHeader(func(d HeaderWord) HeaderWord {
				if l.HashState(d) == HashNever {
					d = l.SetHashedNotExpanded(d)
				}
				return d
			})
			return h.hashForState(obj, l.HashState(hdr))
		}

		s := l.HashState(m)
		if s != HashNever {
			return h.hashForState(obj, s)
		}
		if obj.CompareAndSwapMark(m, l.SetHashedNotExpanded(m)) {
			return h.hashForState(obj, HashHashedNotExpanded)
		}
	}
}
