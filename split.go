package pmhash

import (
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// split makes room in the full bucket x, which the caller holds locked.
// Whatever the outcome, the caller retries its insert afterwards.
func (t *Table) split(x bucket) error {
	local := x.loadMeta().depth()
	if local < uint8(t.depth.Load()) {
		return t.traditionalSplit(x, local)
	}
	return t.complexSplit(x, local)
}

func (t *Table) traditionalSplit(x bucket, local uint8) error {
	start := time.Now()
	depth := uint8(t.depth.Load())
	x.updateSplitMetaPersist()
	y, kind, err := t.splitInto(x, local, depth, segmentQuiescent)
	if err != nil {
		return t.fail("split", err)
	}
	x.clearSplitPersist()
	y.lock.Unlock()

	took := time.Since(start)
	t.stats.recordSplit(kind, took)
	t.log.LogSplit(kind.String(), x.seg.no, x.idx, local+1, took)
	return nil
}

func (t *Table) complexSplit(x bucket, depth uint8) error {
	if depth >= maxDepth {
		return fmt.Errorf("%w: bucket %d of segment %d is full at depth %d",
			ErrDirectoryFull, x.idx, x.seg.no, depth)
	}
	if !t.coord.request() {
		// someone else is doubling; the retried Put waits for it
		return nil
	}
	t.coord.drain()
	defer t.coord.release()

	start := time.Now()
	x.updateSplitMetaPersist()
	y, err := t.doubleInto(x, depth)
	if err != nil {
		return t.fail("doubling", err)
	}
	t.setDepthPersist(depth + 1)
	x.clearSplitPersist()
	y.lock.Unlock()

	took := time.Since(start)
	t.stats.recordSplit(splitComplex, took)
	t.log.LogSplit(splitComplex.String(), x.seg.no, x.idx, depth+1, took)
	t.log.LogDoubling(depth+1, took)
	return nil
}

// doubleInto extends the directory to depth+1 and splits x, whose local
// depth was depth, into its new buddy. Only the doubler runs it, after the
// coordinator drained every other writer. It returns the buddy bucket
// locked; the caller raises the depth and then unlocks.
func (t *Table) doubleInto(x bucket, depth uint8) (bucket, error) {
	if err := t.dir.doublingLink(depth, depth+1); err != nil {
		return bucket{}, err
	}
	y, _, err := t.splitInto(x, depth, depth+1, segmentInitializing)
	if err != nil {
		return bucket{}, err
	}
	y.seg.setStatusPersist(segmentQuiescent)
	return y, nil
}

// splitInto moves the entries of x, whose split meta is already durable,
// into its buddy at local depth local+1 and redirects every selector of
// the buddy's class to it. A missing buddy segment is materialized with
// status st. The buddy bucket is returned locked.
//
// Every step is idempotent so that Open can run it again for a split the
// crash interrupted.
func (t *Table) splitInto(x bucket, local, depth uint8, st segmentStatus) (bucket, splitKind, error) {
	root := x.seg.no & depthMask(local)
	buddyNo := root | 1<<local

	kind := splitSimple
	t.dir.lockSlot(buddyNo)
	bs := t.dir.segment(buddyNo)
	if bs.no != buddyNo {
		nb, err := t.materialize(bs, buddyNo, -1, 0, st)
		if err != nil {
			t.dir.unlockSlot(buddyNo)
			return bucket{}, kind, err
		}
		bs, kind = nb, splitTraditional
	}
	t.dir.unlockSlot(buddyNo)

	y := bs.bucket(x.idx)
	y.lock.Lock()
	x.migrate(y, root, depthMask(local+1))
	y.setMetaPersist(makeMeta(local+1, false, 0, false))
	if err := t.sweep(x.idx, buddyNo, local+1, depth); err != nil {
		y.lock.Unlock()
		return bucket{}, kind, err
	}
	return y, kind, nil
}

// materialize gives selector no its own segment. Every bucket resolves
// exactly like the same bucket of src, the segment aliased so far, except
// bucket idx which redirects to anc. Chains therefore stay one hop long.
// The caller holds the slot lock of no.
func (t *Table) materialize(src *segment, no uint64, idx int, anc uint64, st segmentStatus) (*segment, error) {
	start := time.Now()
	seg, err := t.segPool.get()
	if err != nil {
		return nil, err
	}
	seg.assign(no, st)
	for i := range seg.numBuckets() {
		m := src.bucket(i).loadMeta()
		a, ok := m.ancestor()
		if !ok {
			a = src.no
		}
		if i == idx {
			a = anc
		}
		atomic.StoreUint64(&seg.bucket(i).words[0], uint64(makeMeta(m.depth(), false, a, true)))
	}
	seg.persistAll()

	t.segments.Store(no, seg)
	if err := t.dir.addSegment(seg, no); err != nil {
		t.segments.Delete(no)
		return nil, err
	}
	t.stats.recordMakeBuddy(time.Since(start))
	return seg, nil
}

// sweep redirects bucket idx of every selector p = buddy + k*2^local,
// k >= 1, p < 2^depth, to buddy. Before the split those buckets resolved
// to the buddy's root; the entries they select now live in the buddy.
func (t *Table) sweep(idx int, buddy uint64, local, depth uint8) error {
	step, limit := uint64(1)<<local, uint64(1)<<depth
	if buddy+step >= limit {
		return nil
	}
	n := int((limit - 1 - buddy) / step)
	visit := func(from, to int) error {
		for k := from; k < to; k++ {
			if err := t.sweepSelector(buddy+uint64(k+1)*step, idx, buddy); err != nil {
				return err
			}
		}
		return nil
	}

	chunkSz, chunks := calcParallelism(n, t.cfg.sweepThreshold, t.cfg.sweepWorkers)
	if chunks == 1 {
		return visit(0, n)
	}
	var g errgroup.Group
	for c := range chunks {
		from, to := c*chunkSz, min((c+1)*chunkSz, n)
		if from >= to {
			break
		}
		g.Go(func() error { return visit(from, to) })
	}
	return g.Wait()
}

func (t *Table) sweepSelector(p uint64, idx int, buddy uint64) error {
	t.dir.lockSlotShared(p)
	seg := t.dir.segment(p)
	if seg.no != p {
		// still an alias: upgrade and check again
		t.dir.unlockSlotShared(p)
		t.dir.lockSlot(p)
		seg = t.dir.segment(p)
		if seg.no != p {
			_, err := t.materialize(seg, p, idx, buddy, segmentQuiescent)
			t.dir.unlockSlot(p)
			return err
		}
		t.dir.unlockSlot(p)
	} else {
		t.dir.unlockSlotShared(p)
	}

	b := seg.bucket(idx)
	b.lock.Lock()
	b.setMetaPersist(makeMeta(b.loadMeta().depth(), false, buddy, true))
	b.lock.Unlock()
	return nil
}
