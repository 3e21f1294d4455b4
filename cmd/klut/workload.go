package main

import (
	"fmt"
	"math/rand/v2"

	"github.com/chazu/maggie-oops/vm"
)

// workloadConfig sizes a synthetic run.
type workloadConfig struct {
	Types     int    // user types defined on top of the baseline set
	Objects   int    // objects allocated
	Lookups   int    // type queries issued
	HashEvery int    // every n-th object gets an identity hash
	LockEvery int    // every n-th object is locked, unlocked and inflated
	Seed      uint64 // drives every random choice
}

func defaultWorkload() workloadConfig {
	return workloadConfig{
		Types:     64,
		Objects:   4096,
		Lookups:   1_000_000,
		HashEvery: 3,
		LockEvery: 16,
		Seed:      1,
	}
}

// workloadResult summarizes what a run did.
type workloadResult struct {
	Types       int
	Objects     int
	Lookups     int
	Hashed      int
	Locked      int
	Inflated    int
	Evacuated   int
	Dropped     int
	Compacted   int
	UsedBefore  uint64
	UsedAfter   uint64
	HashChecked int
}

type workload struct {
	cfg     workloadConfig
	rt      *vm.Runtime
	rng     *rand.Rand
	classes []*vm.Class
	objects []*vm.Object
	hashes  map[int]uint32 // object index -> identity hash
	res     workloadResult
}

func runWorkload(rt *vm.Runtime, cfg workloadConfig) (workloadResult, error) {
	w := &workload{
		cfg:    cfg,
		rt:     rt,
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		hashes: make(map[int]uint32),
	}
	steps := []struct {
		name string
		fn   func() error
	}{
		{"define types", w.defineTypes},
		{"allocate", w.allocate},
		{"hash", w.hash},
		{"lock", w.lock},
		{"lookup", w.lookup},
		{"evacuate", w.evacuate},
		{"compact", w.compact},
		{"verify hashes", w.verifyHashes},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			return w.res, fmt.Errorf("%s: %w", s.name, err)
		}
		log.Debugf("workload step %q done", s.name)
	}
	return w.res, nil
}

func (w *workload) defineTypes() error {
	baseline, err := vm.DefineBaselineTypes(w.rt)
	if err != nil {
		return err
	}
	w.classes = append(w.classes, baseline...)

	for i := 0; i < w.cfg.Types; i++ {
		var (
			c   *vm.Class
			err error
		)
		name := fmt.Sprintf("App%d", i)
		switch i % 8 {
		case 7:
			c, err = w.rt.DefineArray(name+"[]", vm.ElemObject, len(name)+16)
		case 6:
			// Too large for an inline cache entry.
			c, err = w.rt.DefineInstance(name, vm.KindInstance, vm.InstanceLayout{SizeWords: 200})
		case 5:
			c, err = w.rt.DefineInstance(name, vm.KindInstanceMirror, vm.InstanceLayout{SizeWords: 16})
		default:
			size := 1 + w.rng.IntN(24)
			layout := vm.InstanceLayout{SizeWords: size}
			if refs := w.rng.IntN(size + 1); refs > 0 {
				layout.OopMaps = []vm.OopMapBlock{{Offset: 0, Count: refs}}
			}
			c, err = w.rt.DefineInstance(name, vm.KindInstance, layout)
		}
		if err != nil {
			return err
		}
		w.classes = append(w.classes, c)
	}
	w.res.Types = len(w.classes)
	return nil
}

func (w *workload) allocate() error {
	for i := 0; i < w.cfg.Objects; i++ {
		c := w.classes[w.rng.IntN(len(w.classes))]
		obj, err := w.rt.Allocate(c, w.rng.IntN(8))
		if err != nil {
			return err
		}
		w.objects = append(w.objects, obj)
	}
	w.res.Objects = len(w.objects)
	w.res.UsedBefore = w.rt.Heap.Used()
	return nil
}

func (w *workload) hash() error {
	if w.cfg.HashEvery <= 0 {
		return nil
	}
	for i := 0; i < len(w.objects); i += w.cfg.HashEvery {
		h, err := w.rt.IdentityHash(w.objects[i])
		if err != nil {
			return err
		}
		w.hashes[i] = h
	}
	w.res.Hashed = len(w.hashes)
	return nil
}

// lock takes and releases a lock on every n-th object in the configured
// mode, then inflates it so its header points at a monitor.
func (w *workload) lock() error {
	if w.cfg.LockEvery <= 0 {
		return nil
	}
	h := w.rt.Heap
	for i := 0; i < len(w.objects); i += w.cfg.LockEvery {
		obj := w.objects[i]
		if w.rt.Options.Locking == vm.LockingLegacy {
			rec := h.NewLockRecord()
			if ok, err := h.StackLock(obj, rec); err != nil || !ok {
				return fmt.Errorf("stack lock %s: %t, %v", obj, ok, err)
			}
			if ok, err := h.StackUnlock(obj, rec); err != nil || !ok {
				return fmt.Errorf("stack unlock %s: %t, %v", obj, ok, err)
			}
			h.ReleaseLockRecord(rec)
		} else {
			if ok, err := h.FastLock(obj); err != nil || !ok {
				return fmt.Errorf("fast lock %s: %t, %v", obj, ok, err)
			}
			if ok, err := h.FastUnlock(obj); err != nil || !ok {
				return fmt.Errorf("fast unlock %s: %t, %v", obj, ok, err)
			}
		}
		w.res.Locked++

		if _, err := h.Inflate(obj, int64(i)); err != nil {
			return err
		}
		w.res.Inflated++
	}
	return nil
}

func (w *workload) lookup() error {
	for i := 0; i < w.cfg.Lookups; i++ {
		obj := w.objects[w.rng.IntN(len(w.objects))]
		kind, err := w.rt.KindOf(obj)
		if err != nil {
			return err
		}
		if kind.IsInstance() {
			if _, err := w.rt.InstanceSizeWords(obj); err != nil {
				return err
			}
		}
	}
	w.res.Lookups = w.cfg.Lookups
	return nil
}

// evacuate moves every other object, leaving holes for compact to close.
func (w *workload) evacuate() error {
	h := w.rt.Heap
	for i := 0; i < len(w.objects); i += 2 {
		to, err := h.Evacuate(w.objects[i])
		if err != nil {
			return err
		}
		w.objects[i] = to
		w.res.Evacuated++
	}
	w.res.Dropped = h.FinishEvacuation()
	return nil
}

func (w *workload) compact() error {
	h := w.rt.Heap
	n, err := h.Compact()
	if err != nil {
		return err
	}
	for i, obj := range w.objects {
		to := h.Forwardee(obj)
		if to == nil {
			return fmt.Errorf("%s was not moved", obj)
		}
		w.objects[i] = to
	}
	w.res.Compacted = n
	w.res.UsedAfter = h.Used()
	return nil
}

func (w *workload) verifyHashes() error {
	for i, want := range w.hashes {
		got, err := w.rt.IdentityHash(w.objects[i])
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("%s: identity hash changed from %#x to %#x", w.objects[i], want, got)
		}
		w.res.HashChecked++
	}
	return nil
}
