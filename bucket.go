package pmhash

import (
	"bytes"
	"sync/atomic"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

// bucketMeta is the packed meta word of a bucket:
//
//	bits  0-7   local depth
//	bit   8     split in progress
//	bit   9     has ancestor
//	bits 16-63  ancestor segment number
type bucketMeta uint64

const (
	metaDepthMask   = 0xff
	metaSplitBit    = 1 << 8
	metaAncestorBit = 1 << 9
	metaAncShift    = 16
)

func makeMeta(depth uint8, split bool, ancestor uint64, hasAncestor bool) bucketMeta {
	m := bucketMeta(depth)
	if split {
		m |= metaSplitBit
	}
	if hasAncestor {
		m |= metaAncestorBit | bucketMeta(ancestor<<metaAncShift)
	}
	return m
}

func (m bucketMeta) depth() uint8 { return uint8(m & metaDepthMask) }

func (m bucketMeta) splitting() bool { return m&metaSplitBit != 0 }

func (m bucketMeta) ancestor() (uint64, bool) {
	if m&metaAncestorBit == 0 {
		return 0, false
	}
	return uint64(m) >> metaAncShift, true
}

func (m bucketMeta) mask() uint64 { return depthMask(m.depth()) }

// bucket is a view of one persistent bucket and its lock.
type bucket struct {
	seg   *segment
	idx   int
	words *[bucketWords]uint64
	lock  *rwLock
}

func (b bucket) fp(i int) *uint64   { return &b.words[1+i] }
func (b bucket) pair(i int) *uint64 { return &b.words[1+slotsPerBucket+i] }

func (b bucket) loadMeta() bucketMeta {
	return bucketMeta(atomic.LoadUint64(&b.words[0]))
}

// persistWord flushes word w of the bucket.
func (b bucket) persistWord(w int) {
	base := segmentHeaderWords + b.idx*bucketWords
	b.seg.pool.Persist(b.seg.ptr.Add((base+w)*8), 8)
}

func (b bucket) persist() {
	base := segmentHeaderWords + b.idx*bucketWords
	b.seg.pool.Persist(b.seg.ptr.Add(base*8), bucketWords*8)
}

func (b bucket) setMetaPersist(m bucketMeta) {
	atomic.StoreUint64(&b.words[0], uint64(m))
	b.persistWord(0)
}

// updateSplitMetaPersist raises the local depth and marks the split. Once
// this is durable, recovery will finish the split.
func (b bucket) updateSplitMetaPersist() {
	m := b.loadMeta()
	b.setMetaPersist(makeMeta(m.depth()+1, true, 0, false))
}

func (b bucket) clearSplitPersist() {
	m := b.loadMeta()
	b.setMetaPersist(makeMeta(m.depth(), false, 0, false))
}

func (b bucket) fpPersist(i int, v uint64) {
	atomic.StoreUint64(b.fp(i), v)
	b.persistWord(1 + i)
}

func (b bucket) pairPersist(i int, v uint64) {
	atomic.StoreUint64(b.pair(i), v)
	b.persistWord(1 + slotsPerBucket + i)
}

// get looks key up without locking. Any concurrent change of the meta word
// during the scan turns the result into statusRetry.
func (b bucket) get(key []byte, h HashValue) ([]byte, status) {
	m := b.loadMeta()
	if m.splitting() {
		return nil, statusRetry
	}
	if _, ok := m.ancestor(); ok {
		return nil, statusRetry
	}
	if b.seg.no&m.mask() != uint64(h)&m.mask() {
		return nil, statusRetry
	}
	pool := b.seg.pool
	var value []byte
	st := statusFailed
	for i := range slotsPerBucket {
		if atomic.LoadUint64(b.fp(i)) != uint64(h) {
			continue
		}
		p := pmem.Ptr(atomic.LoadUint64(b.pair(i)))
		if p.IsNil() {
			continue
		}
		k, v := readRecord(pool, p)
		if bytes.Equal(k, key) {
			value, st = v, statusOK
			break
		}
	}
	if b.loadMeta() != m {
		return nil, statusRetry
	}
	return value, st
}

// put inserts or updates key. The caller holds the bucket lock.
func (b bucket) put(key, value []byte, h HashValue) (status, error) {
	m := b.loadMeta()
	if _, ok := m.ancestor(); ok {
		return statusFlattenRequired, nil
	}
	mask := m.mask()
	enc := b.seg.no & mask
	if uint64(h)&mask != enc || m.splitting() {
		return statusRetry, nil
	}

	pool := b.seg.pool
	target, reclaim := -1, false
	for i := range slotsPerBucket {
		fp := atomic.LoadUint64(b.fp(i))
		if fp == 0 {
			if target < 0 || reclaim {
				target, reclaim = i, false
			}
			continue
		}
		if fp&mask != enc {
			// left behind by a split of this bucket
			if target < 0 {
				target, reclaim = i, true
			}
			continue
		}
		if fp != uint64(h) {
			continue
		}
		p := pmem.Ptr(atomic.LoadUint64(b.pair(i)))
		if p.IsNil() {
			continue
		}
		k, v := readRecord(pool, p)
		if !bytes.Equal(k, key) {
			continue
		}
		if bytes.Equal(v, value) {
			return statusOK, nil
		}
		np, err := writeRecord(pool, key, value)
		if err != nil {
			return statusFailed, err
		}
		b.pairPersist(i, uint64(np))
		return statusOK, nil
	}
	if target < 0 {
		return statusSplitRequired, nil
	}

	np, err := writeRecord(pool, key, value)
	if err != nil {
		return statusFailed, err
	}
	if reclaim {
		b.fpPersist(target, 0)
	}
	b.pairPersist(target, uint64(np))
	b.fpPersist(target, uint64(h))
	return statusOK, nil
}

// migrate moves every entry whose fingerprint selects the buddy under the
// new mask to the same slot of buddy. Stale slots stay behind to be
// reclaimed. Both buckets are locked. Running it again after a crash moves
// only what the first run left behind.
func (b bucket) migrate(buddy bucket, enc, mask uint64) int {
	buddyEnc := enc | (mask>>1 + 1)
	moved := 0
	for i := range slotsPerBucket {
		fp := atomic.LoadUint64(b.fp(i))
		if fp == 0 || fp&mask != buddyEnc {
			continue
		}
		p := atomic.LoadUint64(b.pair(i))
		if p != 0 {
			buddy.pairPersist(i, p)
			buddy.fpPersist(i, fp)
		}
		b.fpPersist(i, 0)
		atomic.StoreUint64(b.pair(i), 0)
		moved++
	}
	return moved
}

// entries counts the live slots matching enc under mask.
func (b bucket) entries(enc, mask uint64) int {
	n := 0
	for i := range slotsPerBucket {
		fp := atomic.LoadUint64(b.fp(i))
		if fp != 0 && fp&mask == enc && atomic.LoadUint64(b.pair(i)) != 0 {
			n++
		}
	}
	return n
}
