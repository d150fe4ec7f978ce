package pmhash

import (
	"sync/atomic"
)

// ticketLock is a fair FIFO spin lock. Goroutines acquire it in the order
// they called Lock, so a burst of splits popping the segment pool cannot
// starve the refill workers pushing into it.
//
// Keep critical sections to a few field updates: a waiter that is descheduled
// while holding a ticket stalls everyone behind it.
type ticketLock struct {
	_       noCopy
	next    atomic.Uint32
	serving atomic.Uint32
}

// Lock blocks until the caller's ticket is served.
func (m *ticketLock) Lock() {
	my := m.next.Add(1) - 1
	var spins int
	for m.serving.Load() != my {
		delay(&spins)
	}
}

// Unlock serves the next ticket.
func (m *ticketLock) Unlock() {
	m.serving.Add(1)
}
