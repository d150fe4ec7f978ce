package pmhash

// HashValue is the 64-bit hash of a key. It is never 0: an empty slot is
// marked by a zero fingerprint, so a key hashing to 0 is remapped to 1.
//
// The low bits select the segment, the bits just under the top 16 select the
// bucket inside the segment. The two never overlap below maxDepth.
type HashValue uint64

// bucketShift is the position above the bucket index bits.
const bucketShift = 48

// NewHashValue wraps a raw hash, remapping 0 to 1.
func NewHashValue(raw uint64) HashValue {
	if raw == 0 {
		return 1
	}
	return HashValue(raw)
}

// SegmentBits returns the directory selector at the given depth.
func (h HashValue) SegmentBits(depth uint8) uint64 {
	return uint64(h) & depthMask(depth)
}

// BucketBits returns the bucket index inside a segment of 2^bits buckets.
func (h HashValue) BucketBits(bits uint8) int {
	return int((uint64(h) >> (bucketShift - uint(bits))) & (1<<bits - 1))
}

// depthMask returns 2^depth - 1.
func depthMask(depth uint8) uint64 {
	return 1<<depth - 1
}

func (t *Table) hash(key []byte) HashValue {
	return NewHashValue(t.cfg.hasher(key))
}
