package pmhash

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/llxisdsh/pb"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

const (
	tableMagic   = 0x706d686173680001 // "pmhash", format 1
	tableVersion = 1
)

// root object words
const (
	rootMagic = iota
	rootVersion
	rootDepth
	rootBucketBits
	rootSlots
	rootMetaDir
	rootWords
)

// Table is a crash-consistent concurrent extendible hash table stored in a
// pmem pool.
//
// Put, Get and Remove are safe for concurrent use. Keys and values are
// opaque byte strings; the slices returned by Get alias pool memory and
// must not be modified. Close must not race with other methods.
type Table struct {
	_ noCopy

	pool     pmem.Pool
	ownsPool bool
	root     pmem.Ptr
	rootW    []uint64

	cfg        *Config
	log        *Logger
	bucketBits uint8
	maxRecord  int

	depth    atomic.Uint32
	dir      *directory
	segments pb.MapOf[uint64, *segment] // arena: segment number -> handle
	coord    *doublingCoordinator
	segPool  *segmentPool
	stats    statsCollector
	recovery Recovery

	closed atomic.Bool
	failed atomic.Pointer[error]
}

// New creates an empty table in a volatile pool. It is mostly useful for
// tests and benchmarks; nothing survives the process.
func New(opts ...func(*Config)) (*Table, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	pool, err := pmem.NewHeap(pmem.WithChunkSize(cfg.chunkSize))
	if err != nil {
		return nil, err
	}
	t, err := newTable(pool, cfg)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	t.ownsPool = true
	return t, nil
}

// Create creates a table in a new pool file at path.
func Create(path string, opts ...func(*Config)) (*Table, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	pool, err := pmem.Create(path, pmem.WithChunkSize(cfg.chunkSize))
	if err != nil {
		return nil, fmt.Errorf("pmhash: create %s: %w", path, err)
	}
	t, err := newTable(pool, cfg)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	t.ownsPool = true
	return t, nil
}

// Open attaches the table stored in the pool file at path, finishing any
// split a crash interrupted. See Recovery for what was repaired.
func Open(path string, opts ...func(*Config)) (*Table, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, err
	}
	pool, err := pmem.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("pmhash: open %s: %w", path, err)
	}
	t, err := openTable(pool, cfg)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	t.ownsPool = true
	return t, nil
}

func newTableShell(pool pmem.Pool, cfg *Config) *Table {
	t := &Table{
		pool:       pool,
		cfg:        cfg,
		log:        cfg.logger,
		bucketBits: uint8(cfg.bucketBits),
		maxRecord:  pool.Stats().ChunkSize,
		coord:      newDoublingCoordinator(parallelism() * 4),
	}
	t.segPool = newSegmentPool(cfg.poolCapacity, t.allocSegment, t.log)
	return t
}

// newTable formats a depth-1 table with seed segments 0 and 1 in pool.
func newTable(pool pmem.Pool, cfg *Config) (*Table, error) {
	t := newTableShell(pool, cfg)
	root, err := pool.Alloc(rootWords * 8)
	if err != nil {
		return nil, err
	}
	dir, err := newDirectory(pool)
	if err != nil {
		return nil, err
	}
	t.root, t.rootW, t.dir = root, pool.Words(root, rootWords), dir

	for no := range uint64(2) {
		seg, err := t.allocSegment()
		if err != nil {
			return nil, err
		}
		seg.assign(no, segmentQuiescent)
		for i := range seg.numBuckets() {
			atomic.StoreUint64(&seg.bucket(i).words[0], uint64(makeMeta(1, false, 0, false)))
		}
		seg.persistAll()
		t.segments.Store(no, seg)
		if err := dir.addSegment(seg, no); err != nil {
			return nil, err
		}
	}

	w := t.rootW
	atomic.StoreUint64(&w[rootMagic], tableMagic)
	atomic.StoreUint64(&w[rootVersion], tableVersion)
	atomic.StoreUint64(&w[rootDepth], 1)
	atomic.StoreUint64(&w[rootBucketBits], uint64(t.bucketBits))
	atomic.StoreUint64(&w[rootSlots], slotsPerBucket)
	atomic.StoreUint64(&w[rootMetaDir], uint64(dir.meta))
	pool.Persist(root, rootWords*8)
	pool.SetRoot(root)
	t.depth.Store(1)

	t.segPool.start(cfg.poolWorkers)
	return t, pool.Err()
}

func (t *Table) allocSegment() (*segment, error) {
	return allocSegment(t.pool, t.bucketBits)
}

func (t *Table) setDepthPersist(d uint8) {
	atomic.StoreUint64(&t.rootW[rootDepth], uint64(d))
	t.pool.Persist(t.root.Add(rootDepth*8), 8)
	t.depth.Store(uint32(d))
}

// Depth returns the global depth of the directory.
func (t *Table) Depth() uint8 {
	return uint8(t.depth.Load())
}

// DirectorySize returns the number of directory selectors, 2^Depth.
func (t *Table) DirectorySize() int {
	return 1 << t.Depth()
}

// Stats returns a snapshot of the split counters.
func (t *Table) Stats() Stats {
	s := t.stats.snapshot()
	s.PoolMisses = t.segPool.misses.Load()
	return s
}

// ResetStats returns the split counters and zeroes them.
func (t *Table) ResetStats() Stats {
	s := t.stats.drain()
	s.PoolMisses = t.segPool.misses.Swap(0)
	return s
}

// Recovery reports what Open repaired. It is zero for New and Create.
func (t *Table) Recovery() Recovery {
	return t.recovery
}

// fail makes the table unusable after a split could not complete. The
// interrupted split stays marked in the pool and Open finishes it.
func (t *Table) fail(op string, err error) error {
	t.failed.CompareAndSwap(nil, &err)
	t.log.LogFailure(op, err)
	return err
}

func (t *Table) usable() error {
	if t.closed.Load() {
		return ErrClosed
	}
	if e := t.failed.Load(); e != nil {
		return *e
	}
	return nil
}

// resolve finds the bucket that owns h, following at most one ancestor.
func (t *Table) resolve(h HashValue, idx int) bucket {
	seg := t.dir.segment(h.SegmentBits(uint8(t.depth.Load())))
	b := seg.bucket(idx)
	if anc, ok := b.loadMeta().ancestor(); ok {
		if owner, ok := t.segments.Load(anc); ok {
			return owner.bucket(idx)
		}
	}
	return b
}

// Get returns the value stored under key.
func (t *Table) Get(key []byte) ([]byte, bool) {
	if t.usable() != nil {
		return nil, false
	}
	h := t.hash(key)
	idx := h.BucketBits(t.bucketBits)
	var spins int
	for {
		v, st := t.resolve(h, idx).get(key, h)
		switch st {
		case statusOK:
			return v, true
		case statusFailed:
			return nil, false
		}
		if t.usable() != nil {
			return nil, false
		}
		delay(&spins)
	}
}

// Put stores value under key, replacing any previous value. When Put
// returns nil the entry is durable.
func (t *Table) Put(key, value []byte) error {
	if err := t.usable(); err != nil {
		return err
	}
	if err := checkRecord(key, value, t.maxRecord); err != nil {
		return err
	}
	h := t.hash(key)
	idx := h.BucketBits(t.bucketBits)
	stripe := int(uint64(h) >> 32)
	var spins int
	for {
		if !t.coord.enter(stripe) {
			continue
		}
		b := t.resolve(h, idx)
		if !b.lock.TryLock() {
			t.coord.exit(stripe)
			t.stats.retry()
			delay(&spins)
			continue
		}
		st, err := b.put(key, value, h)
		if err == nil && st == statusSplitRequired {
			err = t.split(b)
		}
		b.lock.Unlock()
		t.coord.exit(stripe)

		if err != nil {
			return err
		}
		switch st {
		case statusOK:
			return nil
		case statusSplitRequired:
			spins = 0
		default:
			t.stats.retry()
			delay(&spins)
		}
		if err := t.usable(); err != nil {
			return err
		}
	}
}

// Remove deletes key. Deletion is not implemented yet: Remove reports
// success and leaves the entry in place.
//
// TODO: clear the slot fingerprint under the bucket lock; Put already
// reclaims zero fingerprints.
func (t *Table) Remove(key []byte) error {
	return t.usable()
}

// Close stops the segment pool workers and, for tables created by New,
// Create or Open, closes the pool.
func (t *Table) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.segPool.close()
	if t.ownsPool {
		err = errors.Join(err, t.pool.Close())
	}
	return err
}
