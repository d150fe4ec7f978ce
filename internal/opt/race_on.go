//go:build race

package opt

import (
	"sync"
)

const Race_ = true

// Sema is a counting semaphore. Under the race detector it is built on
// sync.Cond so that Acquire/Release establish happens-before edges the
// detector can see.
type Sema struct {
	mu   sync.Mutex
	cond sync.Cond
	n    uint32
}

func (s *Sema) Acquire() {
	s.mu.Lock()
	if s.cond.L == nil {
		s.cond.L = &s.mu
	}
	for s.n == 0 {
		s.cond.Wait()
	}
	s.n--
	s.mu.Unlock()
}

func (s *Sema) Release() {
	s.mu.Lock()
	if s.cond.L == nil {
		s.cond.L = &s.mu
	}
	s.n++
	s.mu.Unlock()
	s.cond.Signal()
}
