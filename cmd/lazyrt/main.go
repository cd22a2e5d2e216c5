// lazyrt CLI - runs the built-in runtime demos and inspects their output
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/tliron/commonlog"

	"github.com/chazu/lazyrt/demo"
	"github.com/chazu/lazyrt/manifest"
	"github.com/chazu/lazyrt/tracedb"
	"github.com/chazu/lazyrt/vm"
	"github.com/chazu/lazyrt/vm/snapshot"

	_ "github.com/tliron/commonlog/simple"
)

func main() {
	verbose := flag.Int("v", -1, "Log verbosity (0 quiet .. 4 debug); overrides lazyrt.toml")
	configDir := flag.String("C", ".", "Directory to search upwards for lazyrt.toml")
	snapPath := flag.String("snapshot", "", "Write a CBOR diagnostics snapshot to this file after the run")
	tracePath := flag.String("trace", "", "Record GC cycles and thread exits in this SQLite database")
	timeout := flag.Duration("timeout", time.Minute, "Abort the run after this long")
	showDiag := flag.Bool("diag", false, "Print runtime diagnostics after the run")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: lazyrt [options] <demo>\n")
		fmt.Fprintf(os.Stderr, "       lazyrt list\n")
		fmt.Fprintf(os.Stderr, "       lazyrt inspect <snapshot>\n")
		fmt.Fprintf(os.Stderr, "       lazyrt trace <db> [runtime-id]\n")
		fmt.Fprintf(os.Stderr, "       lazyrt init [dir]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  lazyrt bank -diag                  # Run the STM bank, print diagnostics\n")
		fmt.Fprintf(os.Stderr, "  lazyrt -snapshot rt.snap deadlock  # Run and snapshot the runtime\n")
		fmt.Fprintf(os.Stderr, "  lazyrt inspect rt.snap             # Decode a snapshot\n")
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "list":
		listDemos()
	case "inspect":
		if len(args) != 2 {
			flag.Usage()
			os.Exit(2)
		}
		err = inspect(args[1])
	case "trace":
		if len(args) < 2 || len(args) > 3 {
			flag.Usage()
			os.Exit(2)
		}
		err = showTrace(args[1], args[2:])
	case "init":
		dir := "."
		if len(args) > 1 {
			dir = args[1]
		}
		err = manifest.Write(dir, manifest.Default())
	default:
		err = runDemo(args[0], runConfig{
			verbose:   *verbose,
			configDir: *configDir,
			snapshot:  *snapPath,
			trace:     *tracePath,
			timeout:   *timeout,
			diag:      *showDiag,
		})
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type runConfig struct {
	verbose   int
	configDir string
	snapshot  string
	trace     string
	timeout   time.Duration
	diag      bool
}

func runDemo(name string, cfg runConfig) error {
	d, ok := demo.Lookup(name)
	if !ok {
		return fmt.Errorf("unknown demo %q (try 'lazyrt list')", name)
	}

	m, err := manifest.FindAndLoad(cfg.configDir)
	if err != nil {
		return err
	}
	if m == nil {
		m = manifest.Default()
	}

	verbosity := m.Log.Verbosity
	if cfg.verbose >= 0 {
		verbosity = cfg.verbose
	}
	var logFile *string
	if m.Log.File != "" {
		path := m.Path(m.Log.File)
		logFile = &path
	}
	commonlog.Configure(verbosity, logFile)
	log := commonlog.GetLogger("lazyrt.cli")

	rt := vm.New(m.Options())
	log.Infof("runtime %s: running %s", rt.ID(), d.Name)

	tracePath := cfg.trace
	if tracePath == "" {
		tracePath = m.Path(m.Trace.DB)
	}
	if tracePath != "" {
		db, err := tracedb.Open(tracePath)
		if err != nil {
			return err
		}
		defer db.Close()
		rec, err := db.Recorder(rt.ID().String(), d.Name)
		if err != nil {
			return err
		}
		rt.SetObserver(rec)
		defer func() {
			if err := db.Err(); err != nil {
				log.Errorf("trace database: %v", err)
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.timeout)
	defer cancel()

	start := time.Now()
	report, runErr := d.Run(ctx, rt)
	elapsed := time.Since(start)

	if cfg.snapshot != "" {
		if err := snapshot.WriteFile(cfg.snapshot, rt); err != nil {
			return err
		}
		log.Infof("snapshot written to %s", cfg.snapshot)
	}
	if cfg.diag {
		printDiagnostics(rt.Diagnostics())
	}

	if runErr != nil {
		var uncaught *vm.UncaughtError
		if errors.As(runErr, &uncaught) {
			return fmt.Errorf("%s: %w", d.Name, uncaught)
		}
		return fmt.Errorf("%s: %w", d.Name, runErr)
	}
	fmt.Printf("%s: %s (%v)\n", d.Name, report, elapsed.Round(time.Microsecond))
	return nil
}

func listDemos() {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, d := range demo.All() {
		fmt.Fprintf(w, "%s\t%s\n", d.Name, d.Description)
	}
	w.Flush()
}

func printDiagnostics(d vm.Diagnostics) {
	fmt.Printf("runtime   %s\n", d.RuntimeID)
	fmt.Printf("threads   %d live, %d ready, %d blocked, %d delayed\n", len(d.Threads), d.Ready, d.Blocked, d.Delayed)
	fmt.Printf("heap      %d live / %d slots, %d allocated\n", d.HeapLive, d.HeapSlots, d.Allocated)
	fmt.Printf("gc        %d cycles, last swept %d, %d finalizers pending, %d CAFs\n",
		d.GCCycles, d.LastStats.Swept, d.Finalizers, d.CAFs)

	kinds := make([]string, 0, len(d.Kinds))
	for k := range d.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Printf("  %-12s %d\n", k, d.Kinds[k])
	}
	if len(d.Threads) > 0 {
		printThreads(d.Threads)
	}
}

func printThreads(threads []vm.ThreadInfo) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tLABEL\tSTATUS\tMASK\tBLOCKED ON\tDEPTH")
	for _, t := range threads {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n", t.ID, t.Label, t.Status, t.Mask, t.BlockedOn, t.StackDepth)
	}
	w.Flush()
}

func inspect(path string) error {
	s, err := snapshot.ReadFile(path)
	if err != nil {
		return err
	}
	fmt.Printf("snapshot  v%d taken %s\n", s.Version, s.TakenAt().Format(time.RFC3339Nano))
	fmt.Printf("runtime   %s\n", s.RuntimeID)
	fmt.Printf("threads   %d live, %d ready, %d blocked, %d delayed\n", len(s.Threads), s.Ready, s.Blocked, s.Delayed)
	fmt.Printf("heap      %d live / %d slots, %d allocated\n", s.Heap.Live, s.Heap.Slots, s.Heap.Allocated)
	fmt.Printf("gc        %d cycles, last marked %d swept %d (%v)\n",
		s.GC.Cycles, s.GC.Marked, s.GC.Swept, time.Duration(s.GC.Duration))
	for _, k := range s.Heap.Kinds {
		fmt.Printf("  %-12s %d\n", k.Kind, k.Count)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, t := range s.Threads {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n", t.ID, t.Label, t.Status, t.Mask, t.BlockedOn)
	}
	return w.Flush()
}

func showTrace(path string, rest []string) error {
	db, err := tracedb.Open(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if len(rest) == 0 {
		runs, err := db.Runs()
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, r := range runs {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r.RuntimeID, r.Started.Format(time.RFC3339), r.Label)
		}
		return w.Flush()
	}

	run, err := db.Run(rest[0])
	if err != nil {
		return err
	}
	fmt.Printf("run %s (%s) started %s\n", run.RuntimeID, run.Label, run.Started.Format(time.RFC3339))
	cycles, err := db.GCCycles(run.RuntimeID)
	if err != nil {
		return err
	}
	for _, c := range cycles {
		fmt.Printf("  gc %-4d marked %-6d swept %-6d live %-6d finalizers %d deadlocked %d (%v)\n",
			c.Cycle, c.Marked, c.Swept, c.Live, c.Finalizers, c.Deadlocked, c.Duration)
	}
	exits, err := db.ThreadExits(run.RuntimeID)
	if err != nil {
		return err
	}
	for _, e := range exits {
		line := fmt.Sprintf("  thread %-4d %-12s %s", e.ThreadID, e.Label, e.Status)
		if e.Error != "" {
			line += ": " + e.Error
		}
		fmt.Println(line)
	}
	return nil
}
