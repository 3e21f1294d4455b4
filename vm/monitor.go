package vm

import (
	"sync/atomic"

	"github.com/sasha-s/go-deadlock"
)

// Synthetic address ranges for out-of-line synchronization records.
const (
	monitorSpaceStart    Address = 0x7000_0000_0000
	lockRecordSpaceStart Address = 0x7800_0000_0000
	monitorBytes                 = 64
	lockRecordBytes              = 16
)

// Monitor is an inflated lock. It keeps the object's real header while
// the object's header word points at the monitor.
type Monitor struct {
	addr Address

	mu     deadlock.Mutex
	object *Object
	header HeaderWord
	owner  int64
}

// Address returns the monitor's address.
func (mon *Monitor) Address() Address { return mon.addr }

// Object returns the object the monitor is bound to.
func (mon *Monitor) Object() *Object {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.object
}

// Header returns the displaced header.
func (mon *Monitor) Header() HeaderWord {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.header
}

// SetHeader replaces the displaced header.
func (mon *Monitor) SetHeader(h HeaderWord) {
	mon.mu.Lock()
	mon.header = h
	mon.mu.Unlock()
}

// updateHeader applies fn to the displaced header atomically with respect
// to other header updates through the monitor.
func (mon *Monitor) updateHeader(fn func(HeaderWord) HeaderWord) HeaderWord {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	mon.header = fn(mon.header)
	return mon.header
}

// Owner returns the id of the thread that inflated the lock.
func (mon *Monitor) Owner() int64 {
	mon.mu.Lock()
	defer mon.mu.Unlock()
	return mon.owner
}

// MonitorTable owns all monitors. In side-table mode monitors are found by
// object; otherwise by the address encoded in the header.
type MonitorTable struct {
	sideTable bool

	mu       deadlock.Mutex
	next     Address
	byAddr   map[Address]*Monitor
	byObject map[*Object]*Monitor
}

func newMonitorTable(sideTable bool) *MonitorTable {
	return &MonitorTable{
		sideTable: sideTable,
		next:      monitorSpaceStart,
		byAddr:    make(map[Address]*Monitor),
		byObject:  make(map[*Object]*Monitor),
	}
}

// Len returns the number of live monitors.
func (t *MonitorTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byAddr)
}

// create allocates a monitor for obj. It is not found by object until
// bind is called, which the inflater does once its header update won.
func (t *MonitorTable) create(obj *Object, header HeaderWord, owner int64) *Monitor {
	t.mu.Lock()
	defer t.mu.Unlock()
	mon := &Monitor{addr: t.next, object: obj, header: header, owner: owner}
	t.next += monitorBytes
	t.byAddr[mon.addr] = mon
	return mon
}

func (t *MonitorTable) bind(mon *Monitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mon.mu.Lock()
	t.byObject[mon.object] = mon
	mon.mu.Unlock()
}

func (t *MonitorTable) byAddress(a Address) *Monitor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byAddr[a]
}

// ForObject returns the monitor bound to obj, if any.
func (t *MonitorTable) ForObject(obj *Object) *Monitor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.byObject[obj]
}

func (t *MonitorTable) remove(mon *Monitor) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byAddr, mon.addr)
	mon.mu.Lock()
	if t.byObject[mon.object] == mon {
		delete(t.byObject, mon.object)
	}
	mon.mu.Unlock()
}

// rebind moves a monitor to the relocated copy of its object.
func (t *MonitorTable) rebind(from, to *Object) {
	t.mu.Lock()
	defer t.mu.Unlock()
	mon := t.byObject[from]
	if mon == nil {
		return
	}
	delete(t.byObject, from)
	t.byObject[to] = mon
	mon.mu.Lock()
	mon.object = to
	mon.mu.Unlock()
}

// ---------------------------------------------------------------------------
// Lock records
// ---------------------------------------------------------------------------

// LockRecord is a stack lock record: it holds the object's header while
// the header word holds the record's address.
type LockRecord struct {
	addr      Address
	displaced atomic.Uint64
}

// Address returns the record's address.
func (rec *LockRecord) Address() Address { return rec.addr }

// Displaced returns the header saved in the record.
func (rec *LockRecord) Displaced() HeaderWord { return HeaderWord(rec.displaced.Load()) }

func (rec *LockRecord) setDisplaced(h HeaderWord) { rec.displaced.Store(uint64(h)) }

type lockRecordSpace struct {
	mu     deadlock.Mutex
	next   Address
	byAddr map[Address]*LockRecord
}

func newLockRecordSpace() *lockRecordSpace {
	return &lockRecordSpace{next: lockRecordSpaceStart, byAddr: make(map[Address]*LockRecord)}
}

func (s *lockRecordSpace) alloc() *LockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := &LockRecord{addr: s.next}
	s.next += lockRecordBytes
	s.byAddr[rec.addr] = rec
	return rec
}

func (s *lockRecordSpace) at(a Address) *LockRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byAddr[a]
}

func (s *lockRecordSpace) free(rec *LockRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.byAddr, rec.addr)
}
