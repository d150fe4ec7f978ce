package pmem

import (
	"sync"
	"sync/atomic"
)

type heapBacking struct {
	shadow *shadowImage
}

// shadowImage holds the persisted state of a heap arena.
type shadowImage struct {
	mu     sync.Mutex
	chunks [][]uint64
}

// NewHeap creates a volatile arena. With WithShadow it also records every
// persisted range so that Crash can replay a power failure.
func NewHeap(opts ...Option) (*Arena, error) {
	o := newOptions(opts)
	be := &heapBacking{}
	if o.shadow {
		be.shadow = &shadowImage{}
	}
	a := newArena(be, o)
	if err := a.format(); err != nil {
		return nil, err
	}
	return a, nil
}

func (h *heapBacking) newChunk(_, size int) (*chunk, error) {
	return &chunk{words: make([]uint64, size/8)}, nil
}

func (h *heapBacking) flush(index int, c *chunk, lo, hi int) error {
	if h.shadow == nil {
		return nil
	}
	s := h.shadow
	s.mu.Lock()
	for len(s.chunks) <= index {
		s.chunks = append(s.chunks, make([]uint64, len(c.words)))
	}
	dst := s.chunks[index]
	for i := lo; i < hi; i++ {
		dst[i] = atomic.LoadUint64(&c.words[i])
	}
	s.mu.Unlock()
	return nil
}

func (h *heapBacking) close() error { return nil }

// Crash builds a new heap arena holding only what a had persisted, as if
// the machine lost power at this instant, and opens it: an interrupted
// transaction is rolled back. The new arena keeps a shadow image too, and
// takes the given options for its persist hook.
//
// a itself is left untouched; writers still running on it are unaffected.
func (a *Arena) Crash(opts ...Option) (*Arena, error) {
	h, ok := a.be.(*heapBacking)
	if !ok || h.shadow == nil {
		return nil, ErrNoShadow
	}
	o := newOptions(opts)
	o.chunkSize = a.chunkSize

	h.shadow.mu.Lock()
	image := make([][]uint64, len(h.shadow.chunks))
	for i, c := range h.shadow.chunks {
		image[i] = append([]uint64(nil), c...)
	}
	h.shadow.mu.Unlock()

	be := &heapBacking{shadow: &shadowImage{}}
	for _, c := range image {
		be.shadow.chunks = append(be.shadow.chunks, append([]uint64(nil), c...))
	}
	restored := &imageBacking{heapBacking: be, image: image}
	b := newArena(restored, o)
	if err := b.attach(len(image)); err != nil {
		return nil, err
	}
	return b, nil
}

// imageBacking serves the first chunks of a crashed arena from a saved
// image and falls back to fresh heap chunks after that.
type imageBacking struct {
	*heapBacking
	image [][]uint64
}

func (b *imageBacking) newChunk(index, size int) (*chunk, error) {
	if index < len(b.image) {
		return &chunk{words: b.image[index]}, nil
	}
	return b.heapBacking.newChunk(index, size)
}
