// klut brings up the object model under a configuration, runs a synthetic
// allocation, lookup, hashing and relocation workload against it and
// reports how the type lookup cache was used.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"

	"github.com/chazu/maggie-oops/manifest"
	"github.com/chazu/maggie-oops/statsdb"
	"github.com/chazu/maggie-oops/vm"
	"github.com/chazu/maggie-oops/vm/snapshot"

	_ "github.com/tliron/commonlog/simple"
)

var log = commonlog.GetLogger("oops.klut")

func main() {
	verbose := flag.Int("v", 0, "Log verbosity (0 = errors only, 1 = info, 2 = debug)")
	configDir := flag.String("c", ".", "Directory to search upwards from for oops.toml")
	dbPath := flag.String("db", "", "SQLite statistics store (overrides output.stats-db)")
	snapshotPath := flag.String("snapshot", "", "Write the populated lookup cache here (overrides output.snapshot)")
	restorePath := flag.String("restore", "", "Prefill the lookup cache from this snapshot")
	listRuns := flag.Bool("list", false, "List recorded runs in the statistics store and exit")
	dumpConfig := flag.String("dump-config", "", "Write the effective configuration as TOML to this path and exit")
	legacy := flag.Bool("legacy", false, "Use classic headers with legacy stack locking")
	objects := flag.Int("objects", 0, "Objects to allocate (0 = default)")
	lookups := flag.Int("lookups", 0, "Type queries to issue (0 = default)")
	seed := flag.Uint64("seed", 1, "Workload random seed")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: klut [options]\n\n")
		fmt.Fprintf(os.Stderr, "Runs an object model workload and reports type lookup cache statistics.\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  klut                         # Defaults, or ./oops.toml if present\n")
		fmt.Fprintf(os.Stderr, "  klut -legacy -v 1            # Classic headers, stack locking\n")
		fmt.Fprintf(os.Stderr, "  klut -db runs.db             # Record this run\n")
		fmt.Fprintf(os.Stderr, "  klut -db runs.db -list       # Show recorded runs\n")
		fmt.Fprintf(os.Stderr, "  klut -snapshot lut.cbor      # Archive the populated cache\n")
	}
	flag.Parse()

	commonlog.Configure(*verbose, nil)

	m, err := manifest.FindAndLoad(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if m == nil {
		m = manifest.Default()
		m.Dir = *configDir
	} else {
		log.Infof("using %s/%s", m.Dir, manifest.FileName)
	}
	if *legacy {
		m.Headers.Compact = false
		m.Locking.Mode = vm.LockingLegacy.String()
		m.Locking.MonitorTable = false
	}
	m.LUT.Stats = true
	if *dbPath != "" {
		m.Output.StatsDB = *dbPath
	}
	if *snapshotPath != "" {
		m.Output.Snapshot = *snapshotPath
	}

	if *dumpConfig != "" {
		if err := manifest.Write(*dumpConfig, m); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	ctx := context.Background()
	if *listRuns {
		if err := printRuns(ctx, os.Stdout, m.ResolvePath(m.Output.StatsDB)); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := defaultWorkload()
	cfg.Seed = *seed
	if *objects > 0 {
		cfg.Objects = *objects
	}
	if *lookups > 0 {
		cfg.Lookups = *lookups
	}

	if err := run(ctx, os.Stdout, m, cfg, *restorePath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// run executes one workload under m and writes the report to w.
func run(ctx context.Context, w io.Writer, m *manifest.Manifest, cfg workloadConfig, restorePath string) error {
	opts, err := m.Options()
	if err != nil {
		return err
	}
	rt, err := vm.NewRuntime(opts)
	if err != nil {
		return err
	}

	if restorePath != "" {
		if rt.LUT == nil {
			return fmt.Errorf("cannot restore %s: the type lookup cache is off", restorePath)
		}
		a, err := snapshot.ReadFile(restorePath)
		if err != nil {
			return err
		}
		n, err := snapshot.Restore(a, rt.LUT)
		if err != nil {
			return err
		}
		log.Infof("restored %d entries from %s", n, restorePath)
	}

	started := time.Now()
	res, err := runWorkload(rt, cfg)
	if err != nil {
		return err
	}
	elapsed := time.Since(started)

	writeSummary(w, rt, res, elapsed)
	if rt.LUT != nil && rt.LUT.Stats() != nil {
		fmt.Fprintln(w)
		if err := rt.LUT.Stats().PrintStatistics(w); err != nil {
			return err
		}
	}

	if p := m.ResolvePath(m.Output.Snapshot); p != "" && rt.LUT != nil {
		a, err := snapshot.WriteFile(p, rt.LUT)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nsnapshot: %d entries written to %s\n", len(a.Entries), p)
	}

	if p := m.ResolvePath(m.Output.StatsDB); p != "" && rt.LUT != nil && rt.LUT.Stats() != nil {
		db, err := statsdb.Open(p)
		if err != nil {
			return err
		}
		defer db.Close()
		id, err := db.Record(ctx, statsdb.Run{
			Name:     m.Project.Name,
			Config:   describeOptions(opts),
			Started:  started,
			Counters: rt.LUT.Stats().Counters(),
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "\nrecorded run %s in %s\n", id, p)
	}
	return nil
}

func describeOptions(o vm.Options) string {
	return fmt.Sprintf("ccp=%t compact=%t locking=%s monitor-table=%t narrow-bits=%d",
		o.CompressedClassPointers, o.CompactHeaders, o.Locking, o.ObjectMonitorTable, o.NarrowBits)
}

func writeSummary(w io.Writer, rt *vm.Runtime, res workloadResult, elapsed time.Duration) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "configuration:\t%s\n", describeOptions(rt.Options))
	if rt.Encoding != nil {
		fmt.Fprintf(tw, "narrow encoding:\t%s\n", rt.Encoding)
	}
	fmt.Fprintf(tw, "types:\t%s\n", humanize.Comma(int64(res.Types)))
	fmt.Fprintf(tw, "objects:\t%s\n", humanize.Comma(int64(res.Objects)))
	fmt.Fprintf(tw, "lookups:\t%s\n", humanize.Comma(int64(res.Lookups)))
	fmt.Fprintf(tw, "hashed:\t%s (%s verified after relocation)\n",
		humanize.Comma(int64(res.Hashed)), humanize.Comma(int64(res.HashChecked)))
	fmt.Fprintf(tw, "locked / inflated:\t%s / %s\n",
		humanize.Comma(int64(res.Locked)), humanize.Comma(int64(res.Inflated)))
	fmt.Fprintf(tw, "evacuated / dropped:\t%s / %s\n",
		humanize.Comma(int64(res.Evacuated)), humanize.Comma(int64(res.Dropped)))
	fmt.Fprintf(tw, "compacted:\t%s\n", humanize.Comma(int64(res.Compacted)))
	fmt.Fprintf(tw, "heap used:\t%s before, %s after\n",
		humanize.IBytes(res.UsedBefore), humanize.IBytes(res.UsedAfter))
	fmt.Fprintf(tw, "monitors:\t%s\n", humanize.Comma(int64(rt.Heap.Monitors().Len())))
	fmt.Fprintf(tw, "elapsed:\t%s\n", elapsed.Round(time.Microsecond))
	tw.Flush()
}

func printRuns(ctx context.Context, w io.Writer, path string) error {
	if path == "" {
		return fmt.Errorf("no statistics store configured (use -db or output.stats-db)")
	}
	db, err := statsdb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	runs, err := db.List(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID\tNAME\tSTARTED\tHITS\n")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ID, r.Name, humanize.Time(r.Started), humanize.Comma(int64(r.Hits)))
	}
	return tw.Flush()
}
