package pmhash

import (
	"bytes"
	"fmt"
	"sync/atomic"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

// Report summarizes a Verify walk.
type Report struct {
	Depth     uint8
	Selectors int
	// Segments is the number of selectors backed by their own segment.
	Segments int
	// Buckets is the number of owning buckets reachable from the directory.
	Buckets int
	Entries int
	// MaxHops is the longest redirect chain met, at most 1.
	MaxHops int
}

// Verify walks every selector and bucket and checks that each resolves in
// at most one hop to an owning bucket whose segment number agrees with the
// selector on its local depth. It also checks every live slot against the
// hash of its key and for duplicate keys. Verify must not run concurrently
// with Put.
func (t *Table) Verify() (Report, error) {
	if err := t.usable(); err != nil {
		return Report{}, err
	}
	depth := t.Depth()
	r := Report{Depth: depth, Selectors: 1 << depth}
	var materialized roaring.Bitmap

	for p := range uint64(1) << depth {
		seg := t.dir.segment(p)
		if seg == nil {
			return r, fmt.Errorf("%w: selector %d is empty", ErrCorrupted, p)
		}
		home := seg.no == p
		if home {
			materialized.Add(uint32(p))
			if reg, ok := t.segments.Load(p); !ok || reg != seg {
				return r, fmt.Errorf("%w: segment %d is not registered", ErrCorrupted, p)
			}
		} else if seg.no >= p {
			return r, fmt.Errorf("%w: selector %d aliases segment %d", ErrCorrupted, p, seg.no)
		}

		for idx := range seg.numBuckets() {
			owner, hops, err := t.verifyResolve(seg, idx)
			if err != nil {
				return r, fmt.Errorf("selector %d bucket %d: %w", p, idx, err)
			}
			r.MaxHops = max(r.MaxHops, hops)

			m := owner.loadMeta()
			l := m.depth()
			switch {
			case m.splitting():
				return r, fmt.Errorf("%w: segment %d bucket %d is mid-split", ErrCorrupted, owner.seg.no, idx)
			case l > depth:
				return r, fmt.Errorf("%w: segment %d bucket %d has local depth %d > %d",
					ErrCorrupted, owner.seg.no, idx, l, depth)
			case owner.seg.no>>l != 0 || owner.seg.no&depthMask(l) != p&depthMask(l):
				return r, fmt.Errorf("%w: selector %d bucket %d resolves to segment %d at local depth %d",
					ErrCorrupted, p, idx, owner.seg.no, l)
			}
			if home && hops == 0 {
				n, err := t.verifyEntries(owner)
				if err != nil {
					return r, err
				}
				r.Buckets++
				r.Entries += n
			}
		}
	}
	r.Segments = int(materialized.GetCardinality())
	return r, nil
}

func (t *Table) verifyResolve(seg *segment, idx int) (bucket, int, error) {
	b := seg.bucket(idx)
	anc, ok := b.loadMeta().ancestor()
	if !ok {
		return b, 0, nil
	}
	owner, ok := t.segments.Load(anc)
	if !ok {
		return b, 1, fmt.Errorf("%w: ancestor %d is not a segment", ErrCorrupted, anc)
	}
	ob := owner.bucket(idx)
	if _, ok := ob.loadMeta().ancestor(); ok {
		return b, 2, fmt.Errorf("%w: redirect chain through segment %d is longer than one hop",
			ErrCorrupted, anc)
	}
	return ob, 1, nil
}

// verifyEntries checks the live slots of an owning bucket and counts them.
func (t *Table) verifyEntries(b bucket) (int, error) {
	m := b.loadMeta()
	enc, mask := b.seg.no&m.mask(), m.mask()
	var keys [slotsPerBucket][]byte
	n := 0
	for i := range slotsPerBucket {
		fp := atomic.LoadUint64(b.fp(i))
		if fp == 0 || fp&mask != enc {
			continue
		}
		p := pmem.Ptr(atomic.LoadUint64(b.pair(i)))
		if p.IsNil() {
			return 0, fmt.Errorf("%w: segment %d bucket %d slot %d has no record",
				ErrCorrupted, b.seg.no, b.idx, i)
		}
		k, _ := readRecord(t.pool, p)
		if h := t.hash(k); uint64(h) != fp || h.BucketBits(t.bucketBits) != b.idx {
			return 0, fmt.Errorf("%w: segment %d bucket %d slot %d holds a foreign key",
				ErrCorrupted, b.seg.no, b.idx, i)
		}
		for j := range n {
			if bytes.Equal(keys[j], k) {
				return 0, fmt.Errorf("%w: segment %d bucket %d stores %q twice",
					ErrCorrupted, b.seg.no, b.idx, k)
			}
		}
		keys[n] = k
		n++
	}
	return n, nil
}

// Debug logs one record per materialized segment at debug level.
func (t *Table) Debug() {
	var nos roaring.Bitmap
	t.segments.Range(func(no uint64, _ *segment) bool {
		nos.Add(uint32(no))
		return true
	})
	t.log.Debug("table", "depth", t.Depth(), "segments", nos.GetCardinality(), "stats", t.Stats())
	it := nos.Iterator()
	for it.HasNext() {
		seg, ok := t.segments.Load(uint64(it.Next()))
		if !ok {
			continue
		}
		owned, entries := 0, 0
		for i := range seg.numBuckets() {
			b := seg.bucket(i)
			m := b.loadMeta()
			if _, ok := m.ancestor(); ok {
				continue
			}
			owned++
			entries += b.entries(seg.no&m.mask(), m.mask())
		}
		t.log.WithSegment(seg.no).Debug("segment",
			"status", seg.status().String(),
			"owned_buckets", owned,
			"entries", entries,
		)
	}
}
