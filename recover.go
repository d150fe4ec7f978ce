package pmhash

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

// Recovery describes what Open found and repaired.
type Recovery struct {
	Depth    uint8
	Segments int
	// Replayed is the number of undo records the pool rolled back.
	Replayed int
	// ResumedSplits is the number of splits a crash had interrupted and
	// Open finished.
	ResumedSplits int
	// Resumed holds segment<<bucketBits | bucket for every resumed split.
	Resumed *roaring.Bitmap
}

// openTable attaches the table rooted in pool and finishes interrupted
// splits. The pool has already rolled back any interrupted transaction.
func openTable(pool pmem.Pool, cfg *Config) (*Table, error) {
	root := pool.Root()
	if root.IsNil() {
		return nil, ErrNoTable
	}
	w := pool.Words(root, rootWords)
	if w[rootMagic] != tableMagic || w[rootVersion] != tableVersion {
		return nil, fmt.Errorf("%w: root magic %#x version %d", ErrCorrupted, w[rootMagic], w[rootVersion])
	}
	bits, depth := w[rootBucketBits], w[rootDepth]
	if bits < minBucketBits || bits > maxBucketBits || w[rootSlots] != slotsPerBucket {
		return nil, fmt.Errorf("%w: geometry %d bucket bits, %d slots", ErrCorrupted, bits, w[rootSlots])
	}
	if depth < 1 || depth > maxDepth {
		return nil, fmt.Errorf("%w: depth %d", ErrCorrupted, depth)
	}
	if cfg.bucketBitsSet && uint64(cfg.bucketBits) != bits {
		return nil, fmt.Errorf("%w: table has %d bucket bits, %d requested",
			ErrInvalidConfig, bits, cfg.bucketBits)
	}
	cfg.bucketBits = int(bits)

	t := newTableShell(pool, cfg)
	t.root, t.rootW = root, w
	t.dir = loadDirectory(pool, pmem.Ptr(w[rootMetaDir]))
	t.depth.Store(uint32(depth))
	if err := t.loadSegments(uint8(depth)); err != nil {
		return nil, err
	}

	t.segPool.start(cfg.poolWorkers)
	rec, err := t.resumeSplits()
	if err != nil {
		_ = t.segPool.close()
		return nil, err
	}
	rec.Replayed = pool.Stats().Replayed
	rec.Depth = t.Depth()
	rec.Segments = t.segments.Size()
	t.recovery = rec
	t.log.LogRecovery(rec)
	return t, pool.Err()
}

// loadSegments rebuilds the directory mirror and the segment registry.
// Selectors of the next depth are loaded too: a doubling the crash
// interrupted may already have installed its buddy there.
func (t *Table) loadSegments(depth uint8) error {
	handles := make(map[pmem.Ptr]*segment)
	handle := func(p pmem.Ptr) *segment {
		if s, ok := handles[p]; ok {
			return s
		}
		s := attachSegment(t.pool, p, t.bucketBits)
		handles[p] = s
		return s
	}
	limit := uint64(1) << depth
	scan := limit
	if depth < maxDepth {
		scan <<= 1
	}
	for p := range scan {
		if t.dir.load(p, handle).IsNil() {
			if p < limit {
				return fmt.Errorf("%w: selector %d has no segment", ErrCorrupted, p)
			}
			continue
		}
		if s := t.dir.segment(p); s.no == p {
			t.segments.Store(p, s)
		}
	}
	return nil
}

// resumeSplits finishes every split whose source bucket is still marked.
// Open runs it before the table is shared, so nothing else holds locks.
func (t *Table) resumeSplits() (Recovery, error) {
	var pending []bucket
	t.segments.Range(func(_ uint64, s *segment) bool {
		for i := range s.numBuckets() {
			if b := s.bucket(i); b.loadMeta().splitting() {
				pending = append(pending, b)
			}
		}
		return true
	})
	slices.SortFunc(pending, func(a, b bucket) int {
		if c := cmp.Compare(a.seg.no, b.seg.no); c != 0 {
			return c
		}
		return cmp.Compare(a.idx, b.idx)
	})

	rec := Recovery{Resumed: roaring.New()}
	for _, x := range pending {
		depth := t.Depth()
		local := x.loadMeta().depth() - 1
		if local > depth {
			return rec, fmt.Errorf("%w: bucket %d of segment %d splits past depth %d",
				ErrCorrupted, x.idx, x.seg.no, depth)
		}
		if local < depth {
			y, _, err := t.splitInto(x, local, depth, segmentQuiescent)
			if err != nil {
				return rec, err
			}
			x.clearSplitPersist()
			y.lock.Unlock()
		} else {
			y, err := t.doubleInto(x, depth)
			if err != nil {
				return rec, err
			}
			t.setDepthPersist(depth + 1)
			x.clearSplitPersist()
			y.lock.Unlock()
		}
		rec.ResumedSplits++
		rec.Resumed.Add(uint32(x.seg.no<<t.bucketBits) | uint32(x.idx))
	}
	return rec, nil
}
