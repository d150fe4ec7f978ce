package pmhash

import (
	"sync/atomic"
)

// rwLock is a spin-based reader-writer lock backed by a uintptr. It guards a
// single bucket or a single directory slot, so the zero value must be a free
// lock: tables allocate these in arrays of thousands.
//
// Writers set bit 0 first, which blocks new readers, then wait for the
// reader count (bits 2+) to drain.
type rwLock uintptr

const (
	rwWriteMask = 1
	rwReadShift = 2
	rwReadUnit  = 1 << rwReadShift
	rwFreeState = 2 // initialized, no writer, no readers
)

// Lock acquires the write lock, spinning until it is free.
//
//go:nosplit
func (l *rwLock) Lock() {
	var spins int
	for {
		s := atomic.LoadUintptr((*uintptr)(l))
		if s&rwWriteMask == 0 {
			if atomic.CompareAndSwapUintptr((*uintptr)(l), s, s|rwWriteMask) {
				for {
					if atomic.LoadUintptr((*uintptr)(l))>>rwReadShift == 0 {
						return
					}
					delay(&spins)
				}
			}
		}
		delay(&spins)
	}
}

// TryLock acquires the write lock only if there is neither a writer nor a
// reader. It never waits.
//
//go:nosplit
func (l *rwLock) TryLock() bool {
	s := atomic.LoadUintptr((*uintptr)(l))
	if s&rwWriteMask != 0 || s>>rwReadShift != 0 {
		return false
	}
	return atomic.CompareAndSwapUintptr((*uintptr)(l), s, s|rwWriteMask)
}

// Unlock releases the write lock.
//
//go:nosplit
func (l *rwLock) Unlock() {
	atomic.StoreUintptr((*uintptr)(l), rwFreeState)
}

// RLock acquires a read lock.
//
//go:nosplit
func (l *rwLock) RLock() {
	var spins int
	for {
		s := atomic.LoadUintptr((*uintptr)(l))
		if s&rwWriteMask == 0 {
			if atomic.CompareAndSwapUintptr((*uintptr)(l), s, s+rwReadUnit) {
				return
			}
		}
		delay(&spins)
	}
}

// RUnlock releases a read lock.
//
//go:nosplit
func (l *rwLock) RUnlock() {
	atomic.AddUintptr((*uintptr)(l), ^uintptr(rwReadUnit-1))
}

// Locked reports whether a writer holds or is acquiring the lock.
//
//go:nosplit
func (l *rwLock) Locked() bool {
	return atomic.LoadUintptr((*uintptr)(l))&rwWriteMask != 0
}
