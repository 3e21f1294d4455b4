package vm

import (
	"errors"
	"fmt"
)

// ErrNotScratchable is returned when a scratch copy is requested for an
// object that has already been hashed or for a classic header layout.
var ErrNotScratchable = errors.New("object cannot be duplicated as a scratch copy")

// Forwardee returns where obj was relocated to: the target of a plain
// forward, obj itself for a self-forward, nil if obj is not forwarded.
func (h *Heap) Forwardee(obj *Object) *Object {
	m := obj.Mark()
	switch m.State() {
	case StateForwarded, StateForwardExpanded:
		return h.ObjectAt(m.DecodePointer())
	case StateSelfForwarded:
		return obj
	}
	return nil
}

// needsExpansion reports whether relocating an object whose real header
// is real must give the copy a hidden hash slot.
func (h *Heap) needsExpansion(real HeaderWord) bool {
	return h.layout.Compact() && !real.IsMarked() && h.layout.HashState(real) == HashHashedNotExpanded
}

func copyObject(obj *Object, to Address, expand bool) *Object {
	cp := &Object{
		addr:       to,
		class:      obj.class,
		slots:      append([]uint64(nil), obj.slots...),
		expanded:   obj.expanded || expand,
		hiddenHash: obj.hiddenHash,
	}
	if expand {
		cp.hiddenHash = addressHash(obj.addr)
	}
	return cp
}

// Evacuate copies obj to a fresh address and installs a forwarding header
// in the original. Racing evacuations of the same object agree on a single
// copy: the loser returns the winner's copy. A compact-header object that
// was hashed but not yet expanded gets its hash installed in the copy's
// hidden slot, the copy is stamped hashed-expanded and the forwarding
// header is stamped forward-expanded.
func (h *Heap) Evacuate(obj *Object) (*Object, error) {
	l := h.layout
	for {
		m, err := h.stableMark(obj)
		if err != nil {
			return nil, err
		}
		if m.IsMarked() {
			return h.Forwardee(obj), nil
		}
		real, err := h.displacedHeader(obj)
		if err != nil {
			return nil, err
		}
		displaced := real != m
		expand := h.needsExpansion(real)

		words := objectSizeWords(l.Compact(), len(obj.slots), obj.expanded || expand)
		h.mu.Lock()
		a, err := h.reserve(words)
		if err != nil {
			h.mu.Unlock()
			return nil, fmt.Errorf("evacuate %s: %w", obj, err)
		}
		to := copyObject(obj, a, expand)
		h.objects[a] = to
		h.mu.Unlock()

		mark := m
		if !displaced {
			mark = mark.IncrAge()
			if expand {
				mark = l.SetHashedExpanded(mark)
			}
		}
		to.SetMark(mark)

		fwd := EncodePointerAsMark(a)
		if expand {
			fwd = fwd.SetForwardExpanded()
		}
		if !obj.CompareAndSwapMark(m, fwd) {
			h.mu.Lock()
			delete(h.objects, a)
			h.unreserve(a, words)
			h.mu.Unlock()
			continue
		}
		if displaced && expand {
			if mon := h.monitors.ForObject(obj); mon != nil {
				mon.updateHeader(l.SetHashedExpanded)
			}
		}
		h.monitors.rebind(obj, to)
		return to, nil
	}
}

// EvacuateInPlace marks obj as relocated in place by setting the
// self-forward bit. The rest of the header is kept.
func (h *Heap) EvacuateInPlace(obj *Object) error {
	for {
		m, err := h.stableMark(obj)
		if err != nil {
			return err
		}
		if m.IsMarked() {
			return nil
		}
		if obj.CompareAndSwapMark(m, m.SetSelfForwarded()) {
			return nil
		}
	}
}

// FinishEvacuation ends an evacuation pause: self-forwarded objects get
// their header back with the age incremented and forwarded originals are
// dropped. It returns the number of dropped originals.
func (h *Heap) FinishEvacuation() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for a, obj := range h.objects {
		m := obj.Mark()
		switch m.State() {
		case StateSelfForwarded:
			restored := m.UnsetSelfForwarded()
			if !h.layout.HasDisplacedMarkHelper(restored) {
				restored = restored.IncrAge()
			}
			obj.SetMark(restored)
		case StateForwarded, StateForwardExpanded:
			delete(h.objects, a)
			dropped++
		}
	}
	return dropped
}

// ScratchCopy duplicates a never-hashed compact-header object into a
// pre-expanded copy in the not-hashed-expanded state.
func (h *Heap) ScratchCopy(obj *Object) (*Object, error) {
	l := h.layout
	if !l.Compact() {
		return nil, fmt.Errorf("scratch copy %s: %w", obj, ErrNotScratchable)
	}
	real, err := h.displacedHeader(obj)
	if err != nil {
		return nil, err
	}
	if real.IsMarked() || l.HashState(real) != HashNever {
		return nil, fmt.Errorf("scratch copy %s in state %s: %w", obj, l.Describe(real), ErrNotScratchable)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	a, err := h.reserve(objectSizeWords(true, len(obj.slots), true))
	if err != nil {
		return nil, fmt.Errorf("scratch copy %s: %w", obj, err)
	}
	cp := copyObject(obj, a, false)
	cp.expanded = true
	cp.SetMark(l.SetNotHashedExpanded(l.PrototypeFor(l.NarrowRef(real))))
	h.objects[a] = cp
	return cp, nil
}

// Compact slides all live objects to the bottom of the heap. It must run
// while no other thread touches the heap.
//
// Headers the layout says must be preserved are saved before being
// overwritten with forwarding pointers and restored onto the copies; all
// others are rebuilt from the prototype. It returns the number of
// objects moved.
func (h *Heap) Compact() (int, error) {
	l := h.layout
	objs := h.Objects()

	type move struct {
		from, to *Object
	}
	moves := make([]move, 0, len(objs))
	copies := make(map[*Object]*Object, len(objs))
	next := h.start

	for _, obj := range objs {
		m := obj.Mark()
		switch {
		case h.layout.State(m) == StateInflating:
			return 0, fmt.Errorf("compact %s: %w", obj, ErrInflationInProgress)
		case m.IsMarked():
			return 0, fmt.Errorf("compact %s: %w", obj, ErrForwarded)
		}
		real, err := h.displacedHeader(obj)
		if err != nil {
			return 0, fmt.Errorf("compact: %w", err)
		}
		if l.MustBePreserved(m) {
			h.preserved.Push(obj, m)
		}
		expand := h.needsExpansion(real)
		if expand && real != m {
			if mon := h.monitors.ForObject(obj); mon != nil {
				mon.updateHeader(l.SetHashedExpanded)
			}
		}
		words := objectSizeWords(l.Compact(), len(obj.slots), obj.expanded || expand)
		to := copyObject(obj, next, expand)

		rebuilt := l.Prototype()
		if l.Compact() {
			rebuilt = l.CopyHashCtrlFrom(l.PrototypeFor(l.NarrowRef(real)), real)
			if expand {
				rebuilt = l.SetHashedExpanded(rebuilt)
			}
		}
		to.SetMark(rebuilt)

		fwd := EncodePointerAsMark(next)
		if expand {
			fwd = fwd.SetForwardExpanded()
		}
		obj.SetMark(fwd)
		moves = append(moves, move{from: obj, to: to})
		copies[obj] = to
		next += Address(words * WordSize)
	}

	for _, pm := range h.preserved.Drain() {
		to := copies[pm.Object]
		restored := pm.Mark
		if l.Compact() && !l.HasDisplacedMarkHelper(restored) && l.HashState(restored) == HashHashedNotExpanded {
			restored = l.SetHashedExpanded(restored)
		}
		to.SetMark(restored)
	}

	h.mu.Lock()
	h.objects = make(map[Address]*Object, len(moves))
	for _, mv := range moves {
		h.objects[mv.to.addr] = mv.to
	}
	h.next = next
	h.wasted = 0
	h.mu.Unlock()

	for _, mv := range moves {
		h.monitors.rebind(mv.from, mv.to)
	}
	return len(moves), nil
}
