package pmhash

import (
	"sync/atomic"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

const (
	slotsPerBucket = 10
	// bucketWords is meta, then fingerprints, then pairs.
	bucketWords = 1 + 2*slotsPerBucket

	segNoWord          = 0
	segStatusWord      = 1
	segmentHeaderWords = 2
)

type segmentStatus uint64

const (
	segmentQuiescent segmentStatus = iota
	// segmentInitializing marks the buddy of a directory doubling that has
	// not finished yet.
	segmentInitializing
)

func (s segmentStatus) String() string {
	if s == segmentInitializing {
		return "initializing"
	}
	return "quiescent"
}

func segmentBytes(bucketBits uint8) int {
	return 8 * (segmentHeaderWords + (1<<bucketBits)*bucketWords)
}

// segment is the volatile handle of a persistent segment. The number is
// written once, before the handle is registered or installed, and never
// changes afterwards.
type segment struct {
	ptr   pmem.Ptr
	words []uint64
	no    uint64
	locks []rwLock
	pool  pmem.Pool
}

// allocSegment allocates a zeroed segment. A zero segment is quiescent and
// numbered 0 until assign is called.
func allocSegment(pool pmem.Pool, bucketBits uint8) (*segment, error) {
	size := segmentBytes(bucketBits)
	p, err := pool.Alloc(size)
	if err != nil {
		return nil, err
	}
	return attachSegment(pool, p, bucketBits), nil
}

func attachSegment(pool pmem.Pool, p pmem.Ptr, bucketBits uint8) *segment {
	words := pool.Words(p, segmentBytes(bucketBits)/8)
	return &segment{
		ptr:   p,
		words: words,
		no:    atomic.LoadUint64(&words[segNoWord]),
		locks: make([]rwLock, 1<<bucketBits),
		pool:  pool,
	}
}

// assign sets the segment number. The caller persists the segment.
func (s *segment) assign(no uint64, st segmentStatus) {
	s.no = no
	atomic.StoreUint64(&s.words[segNoWord], no)
	atomic.StoreUint64(&s.words[segStatusWord], uint64(st))
}

func (s *segment) status() segmentStatus {
	return segmentStatus(atomic.LoadUint64(&s.words[segStatusWord]))
}

func (s *segment) setStatusPersist(st segmentStatus) {
	atomic.StoreUint64(&s.words[segStatusWord], uint64(st))
	s.pool.Persist(s.ptr.Add(segStatusWord*8), 8)
}

func (s *segment) numBuckets() int {
	return len(s.locks)
}

func (s *segment) bucket(i int) bucket {
	base := segmentHeaderWords + i*bucketWords
	return bucket{
		seg:   s,
		idx:   i,
		words: (*[bucketWords]uint64)(s.words[base : base+bucketWords]),
		lock:  &s.locks[i],
	}
}

func (s *segment) persistAll() {
	s.pool.Persist(s.ptr, len(s.words)*8)
}
