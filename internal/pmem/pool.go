// Package pmem provides the persistent-memory capability used by the hash
// table: a chunked arena that hands out zeroed, 8-byte aligned blocks, an
// explicit persist barrier, and small undo-logged transactions.
//
// # Backings
//
// An Arena is either volatile (NewHeap) or backed by a file that is mapped
// chunk by chunk (Create, OpenFile). For the file backing, Persist is an
// msync of the covering pages. For the heap backing Persist is free, unless
// a shadow image is enabled; then every persisted range is copied into the
// shadow and Crash rebuilds an arena from exactly what had been persisted.
//
// # Addressing
//
// Memory is addressed by Ptr, a byte offset from the start of the pool.
// Ptr 0 is the pool header and is never returned by Alloc, so it doubles as
// the nil pointer. An allocation never straddles two chunks, which lets
// Words and Bytes return plain slices over a single chunk.
//
// # Concurrency
//
// Alloc, Persist, Words and Bytes are safe for concurrent use. Update
// serializes transactions. Reads and writes of the returned memory are the
// caller's business; the table accesses shared words with sync/atomic.
package pmem

import (
	"errors"
)

// Ptr is a byte offset into a pool. The zero Ptr is nil.
type Ptr uint64

// Nil is the null pool pointer.
const Nil Ptr = 0

// IsNil reports whether p is the null pointer.
func (p Ptr) IsNil() bool { return p == Nil }

// Add returns p advanced by off bytes.
func (p Ptr) Add(off int) Ptr { return p + Ptr(off) }

var (
	// ErrPoolExhausted is returned when the pool cannot grow any further.
	ErrPoolExhausted = errors.New("pmem: pool exhausted")
	// ErrTooLarge is returned for an allocation larger than one chunk.
	ErrTooLarge = errors.New("pmem: allocation larger than chunk size")
	// ErrTxTooLarge is returned when a transaction overflows the undo log.
	ErrTxTooLarge = errors.New("pmem: transaction exceeds undo log capacity")
	// ErrCorrupted is returned when a pool header fails validation.
	ErrCorrupted = errors.New("pmem: corrupted pool header")
	// ErrClosed is returned when the pool has been closed.
	ErrClosed = errors.New("pmem: pool closed")
	// ErrNoShadow is returned by Crash on an arena without a shadow image.
	ErrNoShadow = errors.New("pmem: arena has no shadow image")
)

// Pool is the persistent allocation and ordering capability.
type Pool interface {
	// Alloc returns a zeroed block of at least size bytes, 8-byte aligned.
	// The allocation itself is durable before Alloc returns.
	Alloc(size int) (Ptr, error)
	// Words returns n 64-bit words starting at p.
	Words(p Ptr, n int) []uint64
	// Bytes returns n bytes starting at p.
	Bytes(p Ptr, n int) []byte
	// Persist flushes [p, p+size) to the durable medium.
	Persist(p Ptr, size int)
	// Update runs fn as an all-or-nothing transaction.
	Update(fn func(tx *Tx) error) error
	// Root returns the root object pointer, or Nil.
	Root() Ptr
	// SetRoot durably records the root object pointer.
	SetRoot(p Ptr)
	// Err returns the first persistence failure, if any.
	Err() error
	// Stats returns allocation and flush counters.
	Stats() Stats
	// Close releases the pool.
	Close() error
}

// Stats reports arena usage.
type Stats struct {
	Chunks         int
	ChunkSize      int
	UsedBytes      uint64
	Allocs         uint64
	AllocatedBytes uint64
	Persists       uint64
	Transactions   uint64
	// Replayed is the number of undo records rolled back when the pool was
	// opened.
	Replayed int
}
