package pmem

import (
	"fmt"
	"math/bits"
	"sync"
	"sync/atomic"
	"unsafe"
)

const (
	// DefaultChunkSize is the default chunk size (8 MiB).
	DefaultChunkSize = 8 << 20
	// MinChunkSize is the smallest accepted chunk size (1 MiB). A chunk must
	// hold at least one directory shard.
	MinChunkSize = 1 << 20
	// MaxChunks bounds the number of chunks of one pool.
	MaxChunks = 1 << 16

	poolMagic   = 0x314c4f4f504d4850 // "PHMPOOL1"
	poolVersion = 1

	headerWords = 16
	undoEntries = 64
	undoWords   = 1 + 2*undoEntries
)

// header word indexes
const (
	hdrMagic = iota
	hdrVersion
	hdrChunkShift
	hdrUsed
	hdrRoot
	hdrUndo
)

type chunk struct {
	words []uint64
	raw   []byte // mapping, nil for heap chunks
}

// backing supplies chunk memory and flushes it.
type backing interface {
	newChunk(index, size int) (*chunk, error)
	flush(index int, c *chunk, lo, hi int) error
	close() error
}

// Option configures an Arena.
type Option func(*options)

type options struct {
	chunkSize int
	shadow    bool
	hook      func(p Ptr, size int)
}

// WithChunkSize sets the chunk size. It is rounded up to a power of two and
// to at least MinChunkSize. It only applies when a pool is created.
func WithChunkSize(size int) Option {
	return func(o *options) {
		o.chunkSize = size
	}
}

// WithShadow keeps a shadow image of every persisted range so that Crash can
// rebuild the arena as it would look after a power failure. Heap only.
func WithShadow() Option {
	return func(o *options) {
		o.shadow = true
	}
}

// WithPersistHook registers fn to run after every Persist. Tests use it to
// count flushes or to stop a writer at a chosen point.
func WithPersistHook(fn func(p Ptr, size int)) Option {
	return func(o *options) {
		o.hook = fn
	}
}

func newOptions(opts []Option) *options {
	o := &options{chunkSize: DefaultChunkSize}
	for _, opt := range opts {
		opt(o)
	}
	if o.chunkSize < MinChunkSize {
		o.chunkSize = MinChunkSize
	}
	o.chunkSize = 1 << bits.Len(uint(o.chunkSize-1))
	return o
}

// Arena is a chunked persistent arena. See the package documentation.
type Arena struct {
	chunkShift uint
	chunkSize  int

	chunks atomic.Pointer[[]*chunk]

	mu   sync.Mutex // guards used and chunk growth
	used uint64

	txMu sync.Mutex

	be   backing
	hook func(p Ptr, size int)

	errMu sync.Mutex
	err   error

	closed       atomic.Bool
	allocs       atomic.Uint64
	allocBytes   atomic.Uint64
	persists     atomic.Uint64
	transactions atomic.Uint64
	replayed     int
}

func newArena(be backing, o *options) *Arena {
	a := &Arena{
		chunkShift: uint(bits.TrailingZeros(uint(o.chunkSize))),
		chunkSize:  o.chunkSize,
		be:         be,
		hook:       o.hook,
	}
	empty := make([]*chunk, 0, 4)
	a.chunks.Store(&empty)
	return a
}

// format lays out a fresh pool: header, then the undo log.
func (a *Arena) format() error {
	if err := a.growLocked(0); err != nil {
		return err
	}
	hdr := a.header()
	hdr[hdrMagic] = poolMagic
	hdr[hdrVersion] = poolVersion
	hdr[hdrChunkShift] = uint64(a.chunkShift)
	a.used = headerWords * 8
	hdr[hdrUsed] = a.used
	a.Persist(0, headerWords*8)

	undo, err := a.Alloc(undoWords * 8)
	if err != nil {
		return err
	}
	atomic.StoreUint64(&hdr[hdrUndo], uint64(undo))
	a.Persist(Ptr(hdrUndo*8), 8)
	return a.Err()
}

// attach validates the header of existing chunk 0, maps the remaining chunks
// and rolls back any interrupted transaction.
func (a *Arena) attach(chunks int) error {
	for i := range chunks {
		if err := a.growLocked(i); err != nil {
			return err
		}
	}
	hdr := a.header()
	if hdr[hdrMagic] != poolMagic {
		return fmt.Errorf("%w: bad magic %#x", ErrCorrupted, hdr[hdrMagic])
	}
	if hdr[hdrVersion] != poolVersion {
		return fmt.Errorf("%w: unsupported version %d", ErrCorrupted, hdr[hdrVersion])
	}
	if uint(hdr[hdrChunkShift]) != a.chunkShift {
		return fmt.Errorf("%w: chunk shift %d, want %d", ErrCorrupted, hdr[hdrChunkShift], a.chunkShift)
	}
	a.used = hdr[hdrUsed]
	if a.used < headerWords*8 {
		return fmt.Errorf("%w: used %d", ErrCorrupted, a.used)
	}
	// chunks that were allocated from but never flushed are still zero
	if err := a.growLocked(a.chunkOf(a.used - 1)); err != nil {
		return err
	}
	if hdr[hdrUndo] == 0 {
		return fmt.Errorf("%w: missing undo log", ErrCorrupted)
	}
	a.replayed = a.replay()
	return a.Err()
}

func (a *Arena) header() []uint64 {
	return (*a.chunks.Load())[0].words[:headerWords]
}

func (a *Arena) chunkOf(off uint64) int {
	return int(off >> a.chunkShift)
}

// growLocked makes chunk index available. The caller holds mu, or owns the
// arena exclusively.
func (a *Arena) growLocked(index int) error {
	cur := *a.chunks.Load()
	if index < len(cur) {
		return nil
	}
	if index >= MaxChunks {
		return ErrPoolExhausted
	}
	next := make([]*chunk, len(cur), index+1)
	copy(next, cur)
	for i := len(cur); i <= index; i++ {
		c, err := a.be.newChunk(i, a.chunkSize)
		if err != nil {
			return fmt.Errorf("pmem: map chunk %d: %w", i, err)
		}
		next = append(next, c)
	}
	a.chunks.Store(&next)
	return nil
}

// Alloc implements Pool. Memory is never reused, so a fresh block is zero.
func (a *Arena) Alloc(size int) (Ptr, error) {
	if a.closed.Load() {
		return Nil, ErrClosed
	}
	if size <= 0 {
		size = 8
	}
	n := uint64(size+7) &^ 7
	if n > uint64(a.chunkSize) {
		return Nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, size)
	}

	a.mu.Lock()
	off := a.used
	if a.chunkOf(off) != a.chunkOf(off+n-1) {
		off = uint64(a.chunkOf(off)+1) << a.chunkShift
	}
	if err := a.growLocked(a.chunkOf(off)); err != nil {
		a.mu.Unlock()
		return Nil, err
	}
	a.used = off + n
	atomic.StoreUint64(&a.header()[hdrUsed], a.used)
	a.mu.Unlock()

	a.Persist(Ptr(hdrUsed*8), 8)
	a.allocs.Add(1)
	a.allocBytes.Add(n)
	return Ptr(off), nil
}

func (a *Arena) locate(p Ptr) (int, *chunk, int) {
	ci := a.chunkOf(uint64(p))
	c := (*a.chunks.Load())[ci]
	return ci, c, int(uint64(p)&uint64(a.chunkSize-1)) >> 3
}

// Words implements Pool.
func (a *Arena) Words(p Ptr, n int) []uint64 {
	_, c, w := a.locate(p)
	return c.words[w : w+n : w+n]
}

// Bytes implements Pool.
func (a *Arena) Bytes(p Ptr, n int) []byte {
	if n == 0 {
		return nil
	}
	_, c, w := a.locate(p)
	base := unsafe.Pointer(&c.words[w])
	return unsafe.Slice((*byte)(base), n)[:n:n]
}

// Persist implements Pool.
func (a *Arena) Persist(p Ptr, size int) {
	if size <= 0 {
		return
	}
	ci, c, lo := a.locate(p)
	hi := lo + (int(uint64(p)&7)+size+7)>>3
	if err := a.be.flush(ci, c, lo, hi); err != nil {
		a.setErr(fmt.Errorf("pmem: persist %#x+%d: %w", uint64(p), size, err))
	}
	a.persists.Add(1)
	if a.hook != nil {
		a.hook(p, size)
	}
}

// Root implements Pool.
func (a *Arena) Root() Ptr {
	return Ptr(atomic.LoadUint64(&a.header()[hdrRoot]))
}

// SetRoot implements Pool.
func (a *Arena) SetRoot(p Ptr) {
	atomic.StoreUint64(&a.header()[hdrRoot], uint64(p))
	a.Persist(Ptr(hdrRoot*8), 8)
}

func (a *Arena) setErr(err error) {
	a.errMu.Lock()
	if a.err == nil {
		a.err = err
	}
	a.errMu.Unlock()
}

// Err implements Pool.
func (a *Arena) Err() error {
	a.errMu.Lock()
	defer a.errMu.Unlock()
	return a.err
}

// Stats implements Pool.
func (a *Arena) Stats() Stats {
	a.mu.Lock()
	used := a.used
	a.mu.Unlock()
	return Stats{
		Chunks:         len(*a.chunks.Load()),
		ChunkSize:      a.chunkSize,
		UsedBytes:      used,
		Allocs:         a.allocs.Load(),
		AllocatedBytes: a.allocBytes.Load(),
		Persists:       a.persists.Load(),
		Transactions:   a.transactions.Load(),
		Replayed:       a.replayed,
	}
}

// Close implements Pool. Memory returned by Words or Bytes must not be used
// afterwards.
func (a *Arena) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := a.be.close(); err != nil {
		return err
	}
	return a.Err()
}
