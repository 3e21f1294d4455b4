package vm

import (
	"github.com/sasha-s/go-deadlock"
)

// PreservedMark pairs an object with the header it had before the
// collector overwrote it with a forwarding pointer.
type PreservedMark struct {
	Object *Object
	Mark   HeaderWord
}

// PreservedMarks collects headers that cannot be reconstructed from the
// prototype after relocation (see HeaderLayout.MustBePreserved).
type PreservedMarks struct {
	mu    deadlock.Mutex
	stack []PreservedMark
}

// Push records obj's original header.
func (pm *PreservedMarks) Push(obj *Object, m HeaderWord) {
	pm.mu.Lock()
	pm.stack = append(pm.stack, PreservedMark{Object: obj, Mark: m})
	pm.mu.Unlock()
}

// Len returns the number of preserved headers.
func (pm *PreservedMarks) Len() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.stack)
}

// Drain removes and returns all preserved headers, most recent first.
func (pm *PreservedMarks) Drain() []PreservedMark {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	out := make([]PreservedMark, len(pm.stack))
	for i, p := range pm.stack {
		out[len(out)-1-i] = p
	}
	pm.stack = pm.stack[:0]
	return out
}
