package main

import (
	"database/sql"
	"fmt"
	"io"
	"slices"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"

	"github.com/llxisdsh/pmhash"
)

// batchSample summarizes one sampling batch of a worker.
type batchSample struct {
	Ops        int     `json:"ops"`
	Throughput float64 `json:"throughput"`
	AvgNs      float64 `json:"avg_ns"`
	P90Ns      int64   `json:"p90_ns"`
	P99Ns      int64   `json:"p99_ns"`
	P999Ns     int64   `json:"p999_ns"`
}

type threadReport struct {
	Thread  int           `json:"thread"`
	Ops     int           `json:"ops"`
	Batches []batchSample `json:"batches"`
}

// Report is the result of one benchmark run.
type Report struct {
	Pool       string         `json:"pool,omitempty"`
	Threads    int            `json:"threads"`
	Batch      int            `json:"batch"`
	WarmOps    int            `json:"warm_ops"`
	RunOps     int            `json:"run_ops"`
	ElapsedNs  int64          `json:"elapsed_ns"`
	Throughput float64        `json:"throughput"`
	Depth      uint8          `json:"depth"`
	Directory  int            `json:"directory"`
	Stats      pmhash.Stats   `json:"stats"`
	Recovery   *recoveryInfo  `json:"recovery,omitempty"`
	Verify     *pmhash.Report `json:"verify,omitempty"`
	PerThread  []threadReport `json:"per_thread"`
}

type recoveryInfo struct {
	Depth         uint8    `json:"depth"`
	Segments      int      `json:"segments"`
	Replayed      int      `json:"replayed"`
	ResumedSplits int      `json:"resumed_splits"`
	Resumed       []uint32 `json:"resumed,omitempty"`
}

func newRecoveryInfo(r pmhash.Recovery) *recoveryInfo {
	info := &recoveryInfo{
		Depth:         r.Depth,
		Segments:      r.Segments,
		Replayed:      r.Replayed,
		ResumedSplits: r.ResumedSplits,
	}
	if r.Resumed != nil {
		info.Resumed = r.Resumed.ToArray()
	}
	return info
}

// sampler collects per-op latencies of one worker and closes a batch
// every n observations.
type sampler struct {
	n       int
	lat     []int64
	elapsed time.Duration
	out     threadReport
}

func newSampler(thread, n int) *sampler {
	return &sampler{n: n, lat: make([]int64, 0, n), out: threadReport{Thread: thread}}
}

func (s *sampler) observe(d time.Duration) {
	s.lat = append(s.lat, d.Nanoseconds())
	s.elapsed += d
	s.out.Ops++
	if len(s.lat) == s.n {
		s.flush()
	}
}

// flush closes the current batch. A partial batch is kept.
func (s *sampler) flush() {
	if len(s.lat) == 0 {
		return
	}
	s.out.Batches = append(s.out.Batches, summarize(s.lat, s.elapsed))
	s.lat = s.lat[:0]
	s.elapsed = 0
}

func (s *sampler) report() threadReport {
	s.flush()
	return s.out
}

// summarize sorts lat in place.
func summarize(lat []int64, elapsed time.Duration) batchSample {
	var sum int64
	for _, v := range lat {
		sum += v
	}
	slices.Sort(lat)
	b := batchSample{
		Ops:    len(lat),
		AvgNs:  float64(sum) / float64(len(lat)),
		P90Ns:  percentile(lat, 0.90),
		P99Ns:  percentile(lat, 0.99),
		P999Ns: percentile(lat, 0.999),
	}
	if elapsed > 0 {
		b.Throughput = float64(len(lat)) / elapsed.Seconds()
	}
	return b
}

// percentile expects sorted input.
func percentile(sorted []int64, q float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*q)]
}

func writeJSON(w io.Writer, r *Report) error {
	b, err := sonnet.Marshal(r)
	if err != nil {
		return err
	}
	_, err = w.Write(append(b, '\n'))
	return err
}

func writeText(w io.Writer, r *Report) {
	fmt.Fprintf(w, "ops %d in %v, throughput %.0f ops/s\n",
		r.RunOps, time.Duration(r.ElapsedNs), r.Throughput)
	fmt.Fprintf(w, "depth %d, directory %d, splits simple %d traditional %d complex %d, make buddy %d, pool misses %d\n",
		r.Depth, r.Directory, r.Stats.SimpleSplits, r.Stats.TraditionalSplits,
		r.Stats.ComplexSplits, r.Stats.MakeBuddy, r.Stats.PoolMisses)
	for _, t := range r.PerThread {
		fmt.Fprintf(w, "thread %d:", t.Thread)
		for _, b := range t.Batches {
			fmt.Fprintf(w, " %.0f/s p99=%v", b.Throughput, time.Duration(b.P99Ns))
		}
		fmt.Fprintln(w)
	}
	if r.Verify != nil {
		fmt.Fprintf(w, "check passed: %d entries in %d segments\n", r.Verify.Entries, r.Verify.Segments)
	}
}

const runsSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id                 INTEGER PRIMARY KEY AUTOINCREMENT,
	started_at         INTEGER NOT NULL,
	pool               TEXT NOT NULL,
	threads            INTEGER NOT NULL,
	batch              INTEGER NOT NULL,
	run_ops            INTEGER NOT NULL,
	elapsed_ns         INTEGER NOT NULL,
	throughput         REAL NOT NULL,
	depth              INTEGER NOT NULL,
	simple_splits      INTEGER NOT NULL,
	traditional_splits INTEGER NOT NULL,
	complex_splits     INTEGER NOT NULL,
	report             TEXT NOT NULL
);`

// saveRun appends r to the runs table of the sqlite database at path.
func saveRun(path string, started time.Time, r *Report) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(runsSchema); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	payload, err := sonnet.Marshal(r)
	if err != nil {
		return err
	}
	_, err = db.Exec(`INSERT INTO runs (started_at, pool, threads, batch, run_ops, elapsed_ns,
		throughput, depth, simple_splits, traditional_splits, complex_splits, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		started.Unix(), r.Pool, r.Threads, r.Batch, r.RunOps, r.ElapsedNs,
		r.Throughput, int(r.Depth), int64(r.Stats.SimpleSplits),
		int64(r.Stats.TraditionalSplits), int64(r.Stats.ComplexSplits), string(payload))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}
