package pmhash

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// segmentPool keeps zeroed segments ready so that a split rarely pays for
// a segment allocation on its critical path. Pooled segments that are still
// unused at a crash are leaked.
type segmentPool struct {
	mu    ticketLock
	ring  []*segment
	head  int
	count int

	alloc func() (*segment, error)
	wake  chan struct{}

	cancel context.CancelFunc
	g      *errgroup.Group

	misses  atomic.Uint64
	limiter *rate.Limiter
	log     *Logger
}

func newSegmentPool(capacity int, alloc func() (*segment, error), log *Logger) *segmentPool {
	return &segmentPool{
		ring:    make([]*segment, capacity),
		alloc:   alloc,
		wake:    make(chan struct{}, 1),
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		log:     log,
	}
}

// start launches the refill workers. A pool without capacity has none.
func (p *segmentPool) start(workers int) {
	if len(p.ring) == 0 || workers == 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	p.cancel, p.g = cancel, g
	for range workers {
		g.Go(func() error { return p.refill(ctx) })
	}
	p.signal()
}

func (p *segmentPool) refill(ctx context.Context) error {
	var spare *segment
	for {
		for p.hasSpace() {
			if spare == nil {
				s, err := p.alloc()
				if err != nil {
					p.log.Warn("segment pool refill stopped", "error", err)
					return nil
				}
				spare = s
			}
			if !p.push(spare) {
				break
			}
			spare = nil
			if ctx.Err() != nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return nil
		case <-p.wake:
		}
	}
}

func (p *segmentPool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *segmentPool) hasSpace() bool {
	p.mu.Lock()
	ok := p.count < len(p.ring)
	p.mu.Unlock()
	return ok
}

func (p *segmentPool) len() int {
	p.mu.Lock()
	n := p.count
	p.mu.Unlock()
	return n
}

func (p *segmentPool) push(s *segment) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.count == len(p.ring) {
		return false
	}
	p.ring[(p.head+p.count)%len(p.ring)] = s
	p.count++
	return true
}

func (p *segmentPool) pop() (*segment, bool) {
	p.mu.Lock()
	if p.count == 0 {
		p.mu.Unlock()
		return nil, false
	}
	s := p.ring[p.head]
	p.ring[p.head] = nil
	p.head = (p.head + 1) % len(p.ring)
	p.count--
	p.mu.Unlock()
	p.signal()
	return s, true
}

// get returns a pooled segment, or allocates one on the caller's goroutine
// when the pool is empty.
func (p *segmentPool) get() (*segment, error) {
	if len(p.ring) > 0 {
		if s, ok := p.pop(); ok {
			return s, nil
		}
		n := p.misses.Add(1)
		if p.limiter.Allow() {
			p.log.LogPoolMiss(len(p.ring), n)
		}
	}
	return p.alloc()
}

// close stops the refill workers and waits for them.
func (p *segmentPool) close() error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	return p.g.Wait()
}
