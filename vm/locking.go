package vm

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrWrongLockingMode is returned by lock operations of the discipline
// that is not configured.
var ErrWrongLockingMode = errors.New("operation not available in this locking mode")

// NewLockRecord allocates a stack lock record for legacy locking.
func (h *Heap) NewLockRecord() *LockRecord {
	return h.lockRecords.alloc()
}

// ReleaseLockRecord frees a lock record that no longer holds a lock.
func (h *Heap) ReleaseLockRecord(rec *LockRecord) {
	h.lockRecords.free(rec)
}

// StackLock tries to stack-lock an unlocked object through rec. It
// reports false if the object is not unlocked or another thread won the
// race; the caller decides whether to retry or inflate.
func (h *Heap) StackLock(obj *Object, rec *LockRecord) (bool, error) {
	if h.layout.Locking() != LockingLegacy {
		return false, fmt.Errorf("stack lock %s: %w", obj, ErrWrongLockingMode)
	}
	m, err := h.stableMark(obj)
	if err != nil {
		return false, err
	}
	if !m.IsUnlocked() {
		return false, nil
	}
	rec.setDisplaced(m)
	return obj.CompareAndSwapMark(m, h.layout.EncodeLocker(rec.addr)), nil
}

// StackUnlock releases a stack lock taken through rec by restoring the
// displaced header. It reports false if the lock was inflated meanwhile.
func (h *Heap) StackUnlock(obj *Object, rec *LockRecord) (bool, error) {
	if h.layout.Locking() != LockingLegacy {
		return false, fmt.Errorf("stack unlock %s: %w", obj, ErrWrongLockingMode)
	}
	locked := h.layout.EncodeLocker(rec.addr)
	return obj.CompareAndSwapMark(locked, rec.Displaced()), nil
}

// FastLock tries to fast-lock an unlocked object.
func (h *Heap) FastLock(obj *Object) (bool, error) {
	if h.layout.Locking() != LockingLightweight {
		return false, fmt.Errorf("fast lock %s: %w", obj, ErrWrongLockingMode)
	}
	m := obj.Mark()
	if !m.IsUnlocked() {
		return false, nil
	}
	return obj.CompareAndSwapMark(m, m.SetFastLocked()), nil
}

// FastUnlock releases a fast lock.
func (h *Heap) FastUnlock(obj *Object) (bool, error) {
	if h.layout.Locking() != LockingLightweight {
		return false, fmt.Errorf("fast unlock %s: %w", obj, ErrWrongLockingMode)
	}
	m := obj.Mark()
	if !h.layout.IsFastLocked(m) {
		return false, nil
	}
	return obj.CompareAndSwapMark(m, m.SetUnlocked()), nil
}

func (h *Heap) monitorMark(mon *Monitor, m HeaderWord) HeaderWord {
	if h.layout.MonitorTable() {
		return m.SetHasMonitor()
	}
	return h.layout.EncodeMonitor(mon.addr)
}

// MonitorOf returns the monitor obj's header refers to, or nil.
func (h *Heap) MonitorOf(obj *Object) *Monitor {
	m := obj.Mark()
	if !m.HasMonitor() {
		return nil
	}
	if h.layout.MonitorTable() {
		return h.monitors.ForObject(obj)
	}
	return h.monitors.byAddress(h.layout.Monitor(m))
}

// Inflate upgrades obj's lock to a monitor and returns it. An object that
// already has a monitor returns the existing one. Under legacy locking a
// stack-locked header is first replaced by the Inflating marker so that
// concurrent readers wait instead of reading a half-built state.
func (h *Heap) Inflate(obj *Object, owner int64) (*Monitor, error) {
	for spins := 0; ; {
		m := obj.Mark()
		switch h.layout.State(m) {
		case StateMonitor:
			if mon := h.MonitorOf(obj); mon != nil {
				return mon, nil
			}
			if !h.layout.MonitorTable() {
				return nil, fmt.Errorf("inflate %s: header %s names an unknown monitor", obj, m)
			}
			// The winning inflater has not bound its monitor yet.
			if spins >= h.spinLimit {
				return nil, fmt.Errorf("inflate %s: %w", obj, ErrInflationInProgress)
			}
			spins++
			runtime.Gosched()

		case StateInflating:
			if spins >= h.spinLimit {
				return nil, fmt.Errorf("inflate %s: %w", obj, ErrInflationInProgress)
			}
			spins++
			runtime.Gosched()

		case StateForwarded, StateSelfForwarded, StateForwardExpanded:
			return nil, fmt.Errorf("inflate %s: %w", obj, ErrForwarded)

		case StateLocked:
			if h.layout.Locking() == LockingLegacy {
				if !obj.CompareAndSwapMark(m, Inflating()) {
					continue
				}
				rec := h.lockRecords.at(h.layout.Locker(m))
				if rec == nil {
					obj.SetMark(m)
					return nil, fmt.Errorf("inflate %s: header %s names an unknown lock record", obj, m)
				}
				mon := h.monitors.create(obj, rec.Displaced(), owner)
				h.monitors.bind(mon)
				rec.setDisplaced(UnusedMark())
				obj.SetMark(h.layout.EncodeMonitor(mon.addr))
				return mon, nil
			}
			mon := h.monitors.create(obj, m.SetUnlocked(), owner)
			if obj.CompareAndSwapMark(m, h.monitorMark(mon, m)) {
				h.monitors.bind(mon)
				return mon, nil
			}
			h.monitors.remove(mon)

		case StateUnlocked:
			mon := h.monitors.create(obj, m, owner)
			if obj.CompareAndSwapMark(m, h.monitorMark(mon, m)) {
				h.monitors.bind(mon)
				return mon, nil
			}
			h.monitors.remove(mon)
		}
	}
}

// Deflate detaches obj's monitor and restores its header. It reports false
// if obj has no monitor or the header changed concurrently.
func (h *Heap) Deflate(obj *Object) (bool, error) {
	m := obj.Mark()
	mon := h.MonitorOf(obj)
	if mon == nil {
		return false, nil
	}
	restore := m.SetUnmarked()
	if !h.layout.MonitorTable() {
		restore = mon.Header()
	}
	if !obj.CompareAndSwapMark(m, restore) {
		return false, nil
	}
	h.monitors.remove(mon)
	return true, nil
}
