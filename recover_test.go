//go:build unix

package pmhash

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

func TestReopenFileTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "table")
	opts := []func(*Config){
		WithBucketBits(3),
		WithChunkSize(pmem.MinChunkSize),
	}
	tbl, err := Create(path, opts...)
	if err != nil {
		t.Fatal(err)
	}
	const n = 5000
	for i := range n {
		mustPut(t, tbl, []byte(fmt.Sprintf("file-%d", i)), []byte(fmt.Sprint(i)))
	}
	depth := tbl.Depth()
	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}

	re, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer re.Close()
	if re.Depth() != depth {
		t.Fatalf("depth %d after reopen, want %d", re.Depth(), depth)
	}
	rec := re.Recovery()
	if rec.ResumedSplits != 0 || rec.Replayed != 0 || rec.Depth != depth {
		t.Fatalf("clean reopen reported %+v", rec)
	}
	for i := range n {
		mustGet(t, re, []byte(fmt.Sprintf("file-%d", i)), []byte(fmt.Sprint(i)))
	}
	if r := mustVerify(t, re); r.Entries != n || r.Segments != rec.Segments {
		t.Fatalf("report %+v, recovery %+v", r, rec)
	}
	// the reopened table keeps growing
	for i := n; i < 2*n; i++ {
		mustPut(t, re, []byte(fmt.Sprintf("file-%d", i)), nil)
	}
	mustVerify(t, re)
}

func TestOpenRejectsForeignPools(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty")
	pool, err := pmem.Create(empty, pmem.WithChunkSize(pmem.MinChunkSize))
	if err != nil {
		t.Fatal(err)
	}
	if err := pool.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(empty); !errors.Is(err, ErrNoTable) {
		t.Fatalf("Open of a pool without a table: %v", err)
	}

	path := filepath.Join(dir, "table")
	tbl, err := Create(path, WithBucketBits(2), WithChunkSize(pmem.MinChunkSize))
	if err != nil {
		t.Fatal(err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := Open(path, WithBucketBits(5)); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("Open with other geometry: %v", err)
	}
	if _, err := Create(path); err == nil {
		t.Fatalf("Create over an existing table succeeded")
	}
}

type crashSignal struct{}

// crashRun inserts keys into a fresh shadowed table until the n-th persist
// panics, then reopens the persisted image. It returns the reopened table
// and the keys whose Put had returned.
func crashRun(t *testing.T, n int64, keys int, opts ...func(*Config)) (*Table, [][]byte) {
	t.Helper()
	var persists atomic.Int64
	var armed atomic.Bool
	arena, err := pmem.NewHeap(
		pmem.WithChunkSize(pmem.MinChunkSize),
		pmem.WithShadow(),
		pmem.WithPersistHook(func(pmem.Ptr, int) {
			if armed.Load() && persists.Add(1) == n {
				panic(crashSignal{})
			}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := newConfig(opts)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := newTable(arena, cfg)
	if err != nil {
		t.Fatal(err)
	}

	var acked [][]byte
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(crashSignal); !ok {
					panic(r)
				}
			}
		}()
		armed.Store(true)
		for i := range keys {
			k := []byte(fmt.Sprintf("crash-%d", i))
			if err := tbl.Put(k, k); err != nil {
				t.Fatalf("Put: %v", err)
			}
			acked = append(acked, k)
		}
	}()
	armed.Store(false)

	image, err := arena.Crash()
	if err != nil {
		t.Fatal(err)
	}
	cfg, err = newConfig(opts)
	if err != nil {
		t.Fatal(err)
	}
	re, err := openTable(image, cfg)
	if err != nil {
		t.Fatalf("crash after %d persists: open: %v", n, err)
	}
	return re, acked
}

func TestCrashKeepsAcknowledgedPuts(t *testing.T) {
	opts := []func(*Config){
		WithBucketBits(1),
		WithSegmentPool(0, 0),
		WithSweepWorkers(1),
		WithChunkSize(pmem.MinChunkSize),
	}
	step := int64(5)
	if testing.Short() {
		step = 31
	}
	resumed := 0
	for n := int64(1); n < 2000; n += step {
		re, acked := crashRun(t, n, 150, opts...)
		for _, k := range acked {
			v, ok := re.Get(k)
			if !ok || string(v) != string(k) {
				t.Fatalf("crash after %d persists: acknowledged key %q = %q, %v", n, k, v, ok)
			}
		}
		if _, err := re.Verify(); err != nil {
			t.Fatalf("crash after %d persists: %v", n, err)
		}
		resumed += re.Recovery().ResumedSplits

		// the recovered table accepts the rest of the workload
		for i := len(acked); i < 150; i++ {
			k := []byte(fmt.Sprintf("crash-%d", i))
			mustPut(t, re, k, k)
		}
		if r := mustVerify(t, re); r.Entries != 150 {
			t.Fatalf("crash after %d persists: %d entries after completing the workload", n, r.Entries)
		}
		_ = re.Close()
	}
	if resumed == 0 {
		t.Fatalf("no crash point interrupted a split")
	}
}

func TestCrashDuringDoublingResumes(t *testing.T) {
	opts := []func(*Config){
		WithBucketBits(1),
		WithSegmentPool(0, 0),
		WithSweepWorkers(1),
		WithChunkSize(pmem.MinChunkSize),
		WithHasher(idHash),
	}
	// count the persists of a clean run; the eleventh even key forces the
	// first directory doubling
	var persists atomic.Int64
	arena, err := pmem.NewHeap(pmem.WithChunkSize(pmem.MinChunkSize),
		pmem.WithPersistHook(func(pmem.Ptr, int) { persists.Add(1) }))
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := newConfig(opts)
	if err != nil {
		t.Fatal(err)
	}
	tbl, err := newTable(arena, cfg)
	if err != nil {
		t.Fatal(err)
	}
	start := persists.Load()
	for k := uint64(1); k <= 10; k++ {
		mustPut(t, tbl, idKey(2*k), nil)
	}
	before := persists.Load() - start
	mustPut(t, tbl, idKey(22), nil)
	if tbl.Depth() != 2 {
		t.Fatalf("depth = %d", tbl.Depth())
	}
	during := persists.Load() - start

	// crash at every persist of the doubling Put
	for n := before + 1; n <= during; n++ {
		re := crashDoubling(t, n, opts)
		_ = re.Close()
	}
}

// crashDoubling replays the doubling workload of TestCrashDuringDoublingResumes
// with a crash at persist n and checks the reopened table.
func crashDoubling(t *testing.T, n int64, opts []func(*Config)) *Table {
	t.Helper()
	var persists atomic.Int64
	var armed atomic.Bool
	arena, err := pmem.NewHeap(
		pmem.WithChunkSize(pmem.MinChunkSize),
		pmem.WithShadow(),
		pmem.WithPersistHook(func(pmem.Ptr, int) {
			if armed.Load() && persists.Add(1) == n {
				panic(crashSignal{})
			}
		}),
	)
	if err != nil {
		t.Fatal(err)
	}
	cfg, _ := newConfig(opts)
	tbl, err := newTable(arena, cfg)
	if err != nil {
		t.Fatal(err)
	}
	acked := 0
	func() {
		defer func() {
			if r := recover(); r != nil {
				if _, ok := r.(crashSignal); !ok {
					panic(r)
				}
			}
		}()
		armed.Store(true)
		for k := uint64(1); k <= 11; k++ {
			mustPut(t, tbl, idKey(2*k), nil)
			acked++
		}
	}()
	image, err := arena.Crash()
	if err != nil {
		t.Fatal(err)
	}
	cfg, _ = newConfig(opts)
	re, err := openTable(image, cfg)
	if err != nil {
		t.Fatalf("crash at persist %d: %v", n, err)
	}
	for k := 1; k <= acked; k++ {
		if _, ok := re.Get(idKey(2 * uint64(k))); !ok {
			t.Fatalf("crash at persist %d: key %d lost", n, 2*k)
		}
	}
	if r := mustVerify(t, re); r.Entries < acked {
		t.Fatalf("crash at persist %d: %d entries, %d acknowledged", n, r.Entries, acked)
	}
	if re.Recovery().ResumedSplits > 0 && re.Depth() != 2 {
		t.Fatalf("crash at persist %d: resumed doubling left depth %d", n, re.Depth())
	}
	return re
}
