// Package manifest handles oops.toml runtime configuration.
package manifest

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"

	"github.com/chazu/maggie-oops/vm"
)

// FileName is the configuration file looked for by FindAndLoad.
const FileName = "oops.toml"

// Manifest represents an oops.toml configuration.
type Manifest struct {
	Project     Project `toml:"project"`
	Diagnostics bool    `toml:"diagnostics"`
	Headers     Headers `toml:"headers"`
	Locking     Locking `toml:"locking"`
	LUT         LUT     `toml:"lut"`
	ClassSpace  Region  `toml:"class-space"`
	Heap        Region  `toml:"heap"`
	Output      Output  `toml:"output"`

	// Dir is the directory containing the oops.toml file (set at load time).
	Dir string `toml:"-"`
}

// Project contains run metadata.
type Project struct {
	Name string `toml:"name"`
}

// Headers selects the header layout.
type Headers struct {
	CompressedClassPointers bool `toml:"compressed-class-pointers"`
	Compact                 bool `toml:"compact"`
	NarrowBits              uint `toml:"narrow-bits"`
}

// Locking configures lock state interpretation and inflation.
type Locking struct {
	Mode               string `toml:"mode"`
	MonitorTable       bool   `toml:"monitor-table"`
	InflationSpinLimit int    `toml:"inflation-spin-limit"`
}

// LUT configures the type lookup cache.
type LUT struct {
	Enabled bool `toml:"enabled"`
	Stats   bool `toml:"stats"`
}

// Region is an address range. Size accepts humanized byte counts such as
// "64 MiB".
type Region struct {
	Base uint64 `toml:"base"`
	Size string `toml:"size"`
}

// Output configures where a run leaves its artifacts. Relative paths are
// resolved against the manifest directory.
type Output struct {
	StatsDB  string `toml:"stats-db"`
	Snapshot string `toml:"snapshot"`
}

// Default returns the manifest equivalent of vm.DefaultOptions.
func Default() *Manifest {
	o := vm.DefaultOptions()
	return &Manifest{
		Project:     Project{Name: "oops"},
		Diagnostics: o.Diagnostics,
		Headers: Headers{
			CompressedClassPointers: o.CompressedClassPointers,
			Compact:                 o.CompactHeaders,
			NarrowBits:              o.NarrowBits,
		},
		Locking: Locking{
			Mode:               o.Locking.String(),
			MonitorTable:       o.ObjectMonitorTable,
			InflationSpinLimit: o.InflationSpinLimit,
		},
		LUT: LUT{Enabled: o.UseTypeLUT, Stats: o.TypeLUTStats},
		ClassSpace: Region{
			Base: uint64(o.ClassSpaceBase),
			Size: humanize.IBytes(o.ClassSpaceSize),
		},
		Heap: Region{
			Base: uint64(o.HeapBase),
			Size: humanize.IBytes(o.HeapSize),
		},
	}
}

// Load parses an oops.toml file from the given directory. Keys absent
// from the file keep their Default values; unknown keys are an error.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, FileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read %s: %w", path, err)
	}

	m := Default()
	md, err := toml.Decode(string(data), m)
	if err != nil {
		return nil, fmt.Errorf("parse error in %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		sort.Strings(keys)
		return nil, fmt.Errorf("%s: unknown keys %s", path, strings.Join(keys, ", "))
	}

	m.Dir, err = filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve path %s: %w", dir, err)
	}
	return m, nil
}

// FindAndLoad walks up from startDir to find an oops.toml file,
// then loads and returns the manifest. Returns nil if no manifest is found.
func FindAndLoad(startDir string) (*Manifest, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return nil, err
	}

	for {
		path := filepath.Join(dir, FileName)
		if _, err := os.Stat(path); err == nil {
			return Load(dir)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached root
			return nil, nil
		}
		dir = parent
	}
}

// Write encodes m as TOML to path.
func Write(path string, m *Manifest) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("cannot create %s: %w", path, err)
	}
	enc := toml.NewEncoder(f)
	enc.Indent = ""
	if err := enc.Encode(m); err != nil {
		f.Close()
		return fmt.Errorf("cannot encode %s: %w", path, err)
	}
	return f.Close()
}

func parseSize(what, s string) (uint64, error) {
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, fmt.Errorf("%s size %q: %w", what, s, err)
	}
	return n, nil
}

// Options converts the manifest into validated runtime options.
func (m *Manifest) Options() (vm.Options, error) {
	mode, err := vm.ParseLockingMode(m.Locking.Mode)
	if err != nil {
		return vm.Options{}, err
	}
	classSize, err := parseSize("class-space", m.ClassSpace.Size)
	if err != nil {
		return vm.Options{}, err
	}
	heapSize, err := parseSize("heap", m.Heap.Size)
	if err != nil {
		return vm.Options{}, err
	}

	o := vm.Options{
		CompressedClassPointers: m.Headers.CompressedClassPointers,
		CompactHeaders:          m.Headers.Compact,
		Locking:                 mode,
		ObjectMonitorTable:      m.Locking.MonitorTable,
		UseTypeLUT:              m.LUT.Enabled,
		TypeLUTStats:            m.LUT.Stats,
		Diagnostics:             m.Diagnostics,
		NarrowBits:              m.Headers.NarrowBits,
		ClassSpaceBase:          vm.Address(m.ClassSpace.Base),
		ClassSpaceSize:          classSize,
		HeapBase:                vm.Address(m.Heap.Base),
		HeapSize:                heapSize,
		InflationSpinLimit:      m.Locking.InflationSpinLimit,
	}
	if err := o.Validate(); err != nil {
		return vm.Options{}, fmt.Errorf("%s: %w", FileName, err)
	}
	return o, nil
}

// ResolvePath returns p relative to the manifest directory, or "" if p is
// empty.
func (m *Manifest) ResolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(m.Dir, p)
}
