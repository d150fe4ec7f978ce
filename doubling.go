package pmhash

import (
	"sync/atomic"

	"github.com/llxisdsh/pmhash/internal/opt"
)

type coordState uint32

const (
	coordIdle coordState = iota
	coordRequested
	coordDoubling
)

func (s coordState) String() string {
	switch s {
	case coordIdle:
		return "idle"
	case coordRequested:
		return "doubling-requested"
	case coordDoubling:
		return "doubling"
	default:
		return "unknown"
	}
}

// doublingCoordinator admits writers while no directory doubling runs.
//
//	Idle --request--> Requested --drain--> Doubling --release--> Idle
//
// Writers register on cache-line striped counters. A writer that finds the
// state past Idle backs out and parks on done, which counts finished
// doublings, so the doubler drains to itself in bounded time. Readers never
// touch the coordinator.
type doublingCoordinator struct {
	_       noCopy
	state   atomic.Uint32
	stripes []opt.CounterStripe_
	mask    int
	done    epoch
}

func newDoublingCoordinator(stripes int) *doublingCoordinator {
	n := nextPowOf2(stripes)
	return &doublingCoordinator{
		stripes: make([]opt.CounterStripe_, n),
		mask:    n - 1,
	}
}

func (c *doublingCoordinator) current() coordState {
	return coordState(c.state.Load())
}

// enter registers a writer on stripe. It returns false, once the running
// doubling has finished, if the writer had to back out.
func (c *doublingCoordinator) enter(stripe int) bool {
	gen := c.done.Current()
	s := &c.stripes[stripe&c.mask].C
	s.Add(1)
	if c.current() == coordIdle {
		return true
	}
	s.Add(-1)
	c.done.WaitAtLeast(gen + 1)
	return false
}

func (c *doublingCoordinator) exit(stripe int) {
	c.stripes[stripe&c.mask].C.Add(-1)
}

// request makes the caller the single doubler. It fails if another
// doubling is already requested or running.
func (c *doublingCoordinator) request() bool {
	return c.state.CompareAndSwap(uint32(coordIdle), uint32(coordRequested))
}

// drain waits until the registered writers are down to the caller itself,
// then moves to Doubling.
func (c *doublingCoordinator) drain() {
	var spins int
	for c.writers() != 1 {
		delay(&spins)
	}
	c.state.Store(uint32(coordDoubling))
}

// release returns to Idle and wakes the parked writers.
func (c *doublingCoordinator) release() {
	c.state.Store(uint32(coordIdle))
	c.done.Add(1)
}

func (c *doublingCoordinator) writers() int64 {
	var n int64
	for i := range c.stripes {
		n += c.stripes[i].C.Load()
	}
	return n
}

// doublings returns the number of finished doublings.
func (c *doublingCoordinator) doublings() uint32 {
	return c.done.Current()
}
