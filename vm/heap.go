package vm

import (
	"errors"
	"fmt"
	"runtime"
	"sort"

	"github.com/sasha-s/go-deadlock"
)

// Heap errors
var (
	ErrHeapExhausted       = errors.New("heap exhausted")
	ErrInflationInProgress = errors.New("lock inflation still in progress")
	ErrForwarded           = errors.New("object is being relocated")
)

// Heap is a simulated object heap: it assigns addresses to objects and
// resolves the addresses stored in header words (forwarding targets,
// monitors, lock records) back to their owners. It is the collaborator
// that drives header transitions for locking, hashing and relocation.
type Heap struct {
	layout    *HeaderLayout
	classes   *ClassSpace
	spinLimit int

	mu      deadlock.RWMutex
	start   Address
	next    Address
	end     Address
	wasted  uint64 // bytes of copies dropped after a lost forwarding race
	objects map[Address]*Object

	monitors    *MonitorTable
	lockRecords *lockRecordSpace
	preserved   PreservedMarks
}

// NewHeap creates a heap over [start, start+size).
func NewHeap(layout *HeaderLayout, classes *ClassSpace, start Address, size uint64, spinLimit int) *Heap {
	start = alignUp(start, WordSize)
	return &Heap{
		layout:      layout,
		classes:     classes,
		spinLimit:   spinLimit,
		start:       start,
		next:        start,
		end:         start + Address(size),
		objects:     make(map[Address]*Object),
		monitors:    newMonitorTable(layout.MonitorTable()),
		lockRecords: newLockRecordSpace(),
	}
}

// Layout returns the header layout the heap uses.
func (h *Heap) Layout() *HeaderLayout { return h.layout }

// Monitors returns the monitor table.
func (h *Heap) Monitors() *MonitorTable { return h.monitors }

// reserve bumps the allocation pointer. Caller holds h.mu.
func (h *Heap) reserve(words int) (Address, error) {
	bytes := Address(words * WordSize)
	if h.next+bytes > h.end || h.next+bytes < h.next {
		return 0, ErrHeapExhausted
	}
	a := h.next
	h.next += bytes
	return a, nil
}

// unreserve gives back a reservation. Only the most recent one can be
// returned to the bump pointer; older ones stay reserved but stop counting
// as used until the next compaction. Caller holds h.mu.
func (h *Heap) unreserve(a Address, words int) {
	bytes := Address(words * WordSize)
	if a+bytes == h.next {
		h.next = a
		return
	}
	h.wasted += uint64(bytes)
}

func (h *Heap) narrowRefOf(c *Class) (NarrowRef, error) {
	enc := h.classes.Encoding()
	if enc == nil {
		return 0, nil
	}
	return enc.Encode(c.Address())
}

// Allocate creates an object of class c with numSlots payload slots and
// the prototype header.
func (h *Heap) Allocate(c *Class, numSlots int) (*Object, error) {
	if numSlots < 0 {
		return nil, fmt.Errorf("allocate %s: negative slot count %d", c.Name(), numSlots)
	}
	r, err := h.narrowRefOf(c)
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", c.Name(), err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	a, err := h.reserve(objectSizeWords(h.layout.Compact(), numSlots, false))
	if err != nil {
		return nil, fmt.Errorf("allocate %s: %w", c.Name(), err)
	}
	obj := &Object{addr: a, class: c, slots: make([]uint64, numSlots)}
	obj.SetMark(h.layout.PrototypeFor(r))
	h.objects[a] = obj
	return obj, nil
}

// ObjectAt resolves an address to the object living there.
func (h *Heap) ObjectAt(a Address) *Object {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.objects[a]
}

// Objects returns all objects in address order.
func (h *Heap) Objects() []*Object {
	h.mu.RLock()
	out := make([]*Object, 0, len(h.objects))
	for _, obj := range h.objects {
		out = append(out, obj)
	}
	h.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].addr < out[j].addr })
	return out
}

// Used returns the number of bytes handed out.
func (h *Heap) Used() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return uint64(h.next-h.start) - h.wasted
}

// stableMark loads obj's header, waiting out a concurrent inflation for at
// most the configured number of spins.
func (h *Heap) stableMark(obj *Object) (HeaderWord, error) {
	for spins := 0; ; spins++ {
		m := obj.Mark()
		if h.layout.State(m) != StateInflating {
			return m, nil
		}
		if spins >= h.spinLimit {
			return m, fmt.Errorf("%s: %w", obj, ErrInflationInProgress)
		}
		runtime.Gosched()
	}
}

// displacedHeader returns the header that holds obj's hash, age and type
// bits: the mark itself, or the copy kept by a lock record or monitor.
func (h *Heap) displacedHeader(obj *Object) (HeaderWord, error) {
	m, err := h.stableMark(obj)
	if err != nil {
		return 0, err
	}
	if !h.layout.HasDisplacedMarkHelper(m) {
		return m, nil
	}
	if m.HasMonitor() {
		mon := h.monitors.byAddress(h.layout.Monitor(m))
		if mon == nil {
			return 0, fmt.Errorf("%s: header %s names an unknown monitor", obj, m)
		}
		return mon.Header(), nil
	}
	rec := h.lockRecords.at(h.layout.Locker(m))
	if rec == nil {
		return 0, fmt.Errorf("%s: header %s names an unknown lock record", obj, m)
	}
	return rec.Displaced(), nil
}

// HeaderNarrowRef returns the narrow type reference carried by obj's
// (possibly displaced) compact header without touching the descriptor. A
// forwarded object answers with its forwardee's header.
func (h *Heap) HeaderNarrowRef(obj *Object) (NarrowRef, error) {
	if !h.layout.Compact() {
		return 0, fmt.Errorf("%s: classic headers carry no type reference", obj)
	}
	m, err := h.displacedHeader(obj)
	if err != nil {
		return 0, err
	}
	if m.IsSelfForwarded() {
		m = m.UnsetSelfForwarded()
	} else if m.IsMarked() {
		if fwd := h.Forwardee(obj); fwd != nil && fwd != obj {
			return h.HeaderNarrowRef(fwd)
		}
		return h.narrowRefOf(obj.class)
	}
	return h.layout.NarrowRef(m), nil
}

// ClassOf returns obj's type. With compact headers the type is decoded
// from the narrow reference in the (possibly displaced) header.
func (h *Heap) ClassOf(obj *Object) (*Class, error) {
	if !h.layout.Compact() {
		return obj.class, nil
	}
	r, err := h.HeaderNarrowRef(obj)
	if err != nil {
		return nil, err
	}
	c := h.classes.ClassAt(r)
	if c == nil {
		return nil, fmt.Errorf("%s: narrow reference %d names no class", obj, r)
	}
	return c, nil
}
