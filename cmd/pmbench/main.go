// Command pmbench replays YCSB-style workload files against a pmhash table
// and reports throughput and tail latency per worker.
//
//	pmbench -pool /mnt/pmem/table -warm load.txt -run run.txt -threads 8 -batch 20000
//
// Workload files hold one "INSERT|READ|UPDATE|DELETE <key>" per line. The
// warm file is loaded by a single goroutine; the run file is dealt to the
// workers round-robin. Inserts and updates store the key as its own value.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llxisdsh/pmhash"
)

var errUsage = errors.New("usage")

type options struct {
	pool    string
	open    bool
	warm    string
	run     string
	threads int
	batch   int
	poolCap int
	bits    int
	json    bool
	db      string
	verify  bool
	verbose bool
}

func parseFlags(args []string, stderr io.Writer) (*options, error) {
	o := &options{}
	fs := flag.NewFlagSet("pmbench", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.pool, "pool", "", "pool file; empty runs on a volatile heap pool")
	fs.BoolVar(&o.open, "open", false, "open an existing pool file instead of creating one")
	fs.StringVar(&o.warm, "warm", "", "warm-up workload file")
	fs.StringVar(&o.run, "run", "", "measured workload file")
	fs.IntVar(&o.threads, "threads", 1, "worker goroutines")
	fs.IntVar(&o.batch, "batch", 20000, "ops per latency sample")
	fs.IntVar(&o.poolCap, "segments", 4, "pre-allocated segment pool capacity")
	fs.IntVar(&o.bits, "bucket-bits", 0, "log2 of buckets per segment; 0 keeps the table default")
	fs.BoolVar(&o.json, "json", false, "print the report and log records as JSON")
	fs.StringVar(&o.db, "db", "", "append the run to this sqlite database")
	fs.BoolVar(&o.verify, "verify", false, "verify the table after the run")
	fs.BoolVar(&o.verbose, "v", false, "log splits and doublings")
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("%w: %w", errUsage, err)
	}
	switch {
	case fs.NArg() > 0:
		return nil, fmt.Errorf("%w: unexpected argument %q", errUsage, fs.Arg(0))
	case o.run == "":
		return nil, fmt.Errorf("%w: -run is required", errUsage)
	case o.threads < 1:
		return nil, fmt.Errorf("%w: -threads must be positive", errUsage)
	case o.batch < 1:
		return nil, fmt.Errorf("%w: -batch must be positive", errUsage)
	case o.open && o.pool == "":
		return nil, fmt.Errorf("%w: -open needs -pool", errUsage)
	}
	return o, nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	switch {
	case err == nil:
	case errors.Is(err, flag.ErrHelp):
		os.Exit(2)
	case errors.Is(err, errUsage):
		fmt.Fprintln(os.Stderr, "pmbench:", err)
		os.Exit(2)
	default:
		fmt.Fprintln(os.Stderr, "pmbench:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	o, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if o.verbose {
		level = slog.LevelDebug
	}
	log := pmhash.NewLogger(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level}))
	if o.json {
		log = pmhash.NewJSONLogger(stderr, level)
	}

	var warm []op
	if o.warm != "" {
		if warm, err = loadWorkload(o.warm); err != nil {
			return err
		}
	}
	ops, err := loadWorkload(o.run)
	if err != nil {
		return err
	}

	t, err := openTable(o, log)
	if err != nil {
		return err
	}
	defer t.Close()

	rep := &Report{
		Pool:    o.pool,
		Threads: o.threads,
		Batch:   o.batch,
		WarmOps: len(warm),
		RunOps:  len(ops),
	}
	if o.open {
		rep.Recovery = newRecoveryInfo(t.Recovery())
	}

	log.Info("warming up", "ops", len(warm))
	for _, w := range warm {
		if err := apply(t, w); err != nil {
			return fmt.Errorf("warm up: %w", err)
		}
	}
	t.ResetStats()

	log.Info("starts running", "ops", len(ops), "threads", o.threads)
	started := time.Now()
	perThread, err := runWorkers(ctx, t, partition(ops, o.threads), o.batch)
	if err != nil {
		return err
	}
	elapsed := time.Since(started)

	rep.PerThread = perThread
	rep.ElapsedNs = elapsed.Nanoseconds()
	if elapsed > 0 {
		rep.Throughput = float64(len(ops)) / elapsed.Seconds()
	}
	rep.Depth = t.Depth()
	rep.Directory = t.DirectorySize()
	rep.Stats = t.Stats()

	if o.verify {
		v, err := t.Verify()
		if err != nil {
			t.Debug()
			return fmt.Errorf("check failed: %w", err)
		}
		rep.Verify = &v
	}

	if o.json {
		if err := writeJSON(stdout, rep); err != nil {
			return err
		}
	} else {
		writeText(stdout, rep)
	}
	if o.db != "" {
		if err := saveRun(o.db, started, rep); err != nil {
			return fmt.Errorf("save run to %s: %w", o.db, err)
		}
	}
	return nil
}

func openTable(o *options, log *pmhash.Logger) (*pmhash.Table, error) {
	opts := []func(*pmhash.Config){
		pmhash.WithLogger(log),
		pmhash.WithSegmentPool(o.poolCap, 2),
	}
	if o.bits > 0 {
		opts = append(opts, pmhash.WithBucketBits(o.bits))
	}
	switch {
	case o.pool == "":
		return pmhash.New(opts...)
	case o.open:
		return pmhash.Open(o.pool, opts...)
	default:
		if err := os.Remove(o.pool); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		return pmhash.Create(o.pool, opts...)
	}
}

func runWorkers(ctx context.Context, t *pmhash.Table, parts [][]op, batch int) ([]threadReport, error) {
	out := make([]threadReport, len(parts))
	g, ctx := errgroup.WithContext(ctx)
	for i, part := range parts {
		g.Go(func() error {
			s := newSampler(i, batch)
			for n, o := range part {
				if n%batch == 0 && ctx.Err() != nil {
					return ctx.Err()
				}
				start := time.Now()
				if err := apply(t, o); err != nil {
					return fmt.Errorf("thread %d: %s %q: %w", i, o.kind, o.key, err)
				}
				s.observe(time.Since(start))
			}
			out[i] = s.report()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func apply(t *pmhash.Table, o op) error {
	switch o.kind {
	case opInsert, opUpdate:
		return t.Put(o.key, o.key)
	case opRead:
		t.Get(o.key)
		return nil
	case opDelete:
		return t.Remove(o.key)
	default:
		return fmt.Errorf("unknown operation %d", o.kind)
	}
}
