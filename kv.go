package pmhash

import (
	"math"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

// A key/value record is laid out as
//
//	word 0: key length (low 32 bits) | value length (high 32 bits)
//	key bytes, then value bytes, padded to 8 bytes
//
// Records are immutable once a slot points at them.

const recordHeader = 8

func recordSize(key, value []byte) int {
	return recordHeader + len(key) + len(value)
}

// writeRecord allocates, fills and persists a record. The record is not
// reachable until the caller stores its pointer in a slot.
func writeRecord(pool pmem.Pool, key, value []byte) (pmem.Ptr, error) {
	size := recordSize(key, value)
	p, err := pool.Alloc(size)
	if err != nil {
		return pmem.Nil, err
	}
	pool.Words(p, 1)[0] = uint64(len(key)) | uint64(len(value))<<32
	buf := pool.Bytes(p.Add(recordHeader), len(key)+len(value))
	copy(buf, key)
	copy(buf[len(key):], value)
	pool.Persist(p, size)
	return p, nil
}

// readRecord returns views of a record's key and value. The slices alias
// pool memory.
func readRecord(pool pmem.Pool, p pmem.Ptr) (key, value []byte) {
	hdr := pool.Words(p, 1)[0]
	klen, vlen := int(uint32(hdr)), int(hdr>>32)
	buf := pool.Bytes(p.Add(recordHeader), klen+vlen)
	return buf[:klen:klen], buf[klen:]
}

func checkRecord(key, value []byte, chunkSize int) error {
	if uint64(len(key)) > math.MaxUint32 || uint64(len(value)) > math.MaxUint32 ||
		recordSize(key, value) > chunkSize {
		return ErrTooLarge
	}
	return nil
}
