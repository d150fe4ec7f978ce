package pmhash

import (
	"sync/atomic"

	"github.com/llxisdsh/pmhash/internal/opt"
)

// epoch is a monotonically increasing counter with "wait until at least n"
// semantics. The table uses one to count completed directory doublings:
// writers that find a doubling in progress sleep until the count moves past
// the value they observed, instead of spinning on the coordinator state.
//
// Waiters sit in a FIFO list and only the ones whose target has been reached
// are woken, so a doubling does not stampede every parked writer at once
// unless all of them were waiting for it.
type epoch struct {
	_       noCopy
	state   atomic.Uint64
	waiters atomic.Int32
	mu      ticketLock
	head    *epochWaiter
	tail    *epochWaiter
}

type epochWaiter struct {
	target uint32
	sema   opt.Sema
	next   *epochWaiter // guarded by epoch.mu
}

// Current returns the current value.
func (e *epoch) Current() uint32 {
	return uint32(e.state.Load())
}

// Add advances the counter by delta, wakes satisfied waiters and returns the
// new value.
func (e *epoch) Add(delta uint32) uint32 {
	if delta == 0 {
		return e.Current()
	}
	v := uint32(e.state.Add(uint64(delta)))
	if e.waiters.Load() == 0 {
		return v
	}

	e.mu.Lock()
	var prev *epochWaiter
	for w := e.head; w != nil; {
		next := w.next
		if w.target <= v {
			if prev == nil {
				e.head = next
			} else {
				prev.next = next
			}
			if w == e.tail {
				e.tail = prev
			}
			e.waiters.Add(-1)
			w.sema.Release()
		} else {
			prev = w
		}
		w = next
	}
	e.mu.Unlock()
	return v
}

// WaitAtLeast blocks until the counter reaches target.
func (e *epoch) WaitAtLeast(target uint32) {
	if e.Current() >= target {
		return
	}

	e.mu.Lock()
	// registered before the re-check so that a concurrent Add either sees
	// this waiter or is seen by the re-check
	e.waiters.Add(1)
	if e.Current() >= target {
		e.waiters.Add(-1)
		e.mu.Unlock()
		return
	}
	w := &epochWaiter{target: target}
	if e.tail == nil {
		e.head = w
	} else {
		e.tail.next = w
	}
	e.tail = w
	e.mu.Unlock()

	w.sema.Acquire()
}
