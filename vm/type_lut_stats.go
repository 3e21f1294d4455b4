package vm

import (
	"fmt"
	"io"
	"sync/atomic"

	"github.com/dustin/go-humanize"
)

// LUTStats counts registrations and classifies lookups of a TypeLUT.
type LUTStats struct {
	registered [numTypeKinds]atomic.Uint64
	hits       [numTypeKinds]atomic.Uint64

	noInfoMirror atomic.Uint64
	noInfoLoader atomic.Uint64
	noInfoOther  atomic.Uint64

	hitsBaseline atomic.Uint64
	invalid      atomic.Uint64
}

func (s *LUTStats) recordLookup(e TypeLUTEntry) {
	if !e.IsValid() {
		s.invalid.Add(1)
		return
	}
	kind := e.Kind()
	s.hits[kind].Add(1)
	if kind.IsInstance() && !e.CarriesInstanceInfo() {
		switch kind {
		case KindInstanceMirror:
			s.noInfoMirror.Add(1)
		case KindInstanceClassLoader:
			s.noInfoLoader.Add(1)
		default:
			s.noInfoOther.Add(1)
		}
	}
	if e.Baseline() {
		s.hitsBaseline.Add(1)
	}
}

// Counters returns a point-in-time copy of the counters.
func (s *LUTStats) Counters() LUTCounters {
	var c LUTCounters
	for k := range c.Registered {
		c.Registered[k] = s.registered[k].Load()
		c.Hits[k] = s.hits[k].Load()
	}
	c.NoInfoMirror = s.noInfoMirror.Load()
	c.NoInfoLoader = s.noInfoLoader.Load()
	c.NoInfoOther = s.noInfoOther.Load()
	c.HitsBaseline = s.hitsBaseline.Load()
	c.InvalidLookups = s.invalid.Load()
	return c
}

// PrintStatistics writes the report for the current counters to w.
func (s *LUTStats) PrintStatistics(w io.Writer) error {
	return s.Counters().WriteReport(w)
}

// LUTCounters is a plain copy of LUTStats, indexed by TypeKind.
type LUTCounters struct {
	Registered [numTypeKinds]uint64
	Hits       [numTypeKinds]uint64

	NoInfoMirror uint64
	NoInfoLoader uint64
	NoInfoOther  uint64

	HitsBaseline   uint64
	InvalidLookups uint64
}

// TotalRegistered sums registrations over all kinds.
func (c LUTCounters) TotalRegistered() uint64 {
	var n uint64
	for _, v := range c.Registered {
		n += v
	}
	return n
}

// TotalHits sums lookups of valid entries over all kinds.
func (c LUTCounters) TotalHits() uint64 {
	var n uint64
	for _, v := range c.Hits {
		n += v
	}
	return n
}

// ArrayHits counts lookups of array kinds.
func (c LUTCounters) ArrayHits() uint64 {
	return c.Hits[KindTypeArray] + c.Hits[KindObjArray]
}

// InstanceHits counts lookups of instance kinds.
func (c LUTCounters) InstanceHits() uint64 {
	return c.TotalHits() - c.ArrayHits()
}

// NoInfoHits counts instance lookups that had to fall back to the
// descriptor for layout information.
func (c LUTCounters) NoInfoHits() uint64 {
	return c.NoInfoMirror + c.NoInfoLoader + c.NoInfoOther
}

func percentOf(x, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(x) * 100 / float64(total)
}

func fmtCount(n uint64) string {
	return humanize.Comma(int64(n))
}

// WriteReport writes a human-readable statistics report.
func (c LUTCounters) WriteReport(w io.Writer) error {
	ew := &errWriter{w: w}
	ew.printf("Type lookup cache stats:\n")
	for _, k := range AllTypeKinds() {
		ew.printf("   %-22s registered %10s   hits %14s\n",
			k.ShortName()+":", fmtCount(c.Registered[k]), fmtCount(c.Hits[k]))
	}
	hits := c.TotalHits()
	ik, ak := c.InstanceHits(), c.ArrayHits()
	ew.printf("   %-22s %s (%.1f%%)\n", "IK hits total:", fmtCount(ik), percentOf(ik, hits))
	ew.printf("   %-22s %s (%.1f%%)\n", "AK hits total:", fmtCount(ak), percentOf(ak, hits))
	ew.printf("   IK details missing in %.2f%% of all IK hits (IMK: %.2f%%, ICLK: %.2f%%, other: %.2f%%)\n",
		percentOf(c.NoInfoHits(), ik),
		percentOf(c.NoInfoMirror, ik),
		percentOf(c.NoInfoLoader, ik),
		percentOf(c.NoInfoOther, ik))
	ew.printf("   %-22s %s (%.1f%%)\n", "Hits of baseline types:", fmtCount(c.HitsBaseline), percentOf(c.HitsBaseline, hits))
	ew.printf("   %-22s %s\n", "Invalid lookups:", fmtCount(c.InvalidLookups))
	return ew.err
}

// errWriter remembers the first write error so a report can be written
// without checking every line.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}
	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
