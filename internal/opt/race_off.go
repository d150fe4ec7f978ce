//go:build !race

package opt

import (
	_ "unsafe" // for linkname
)

// Race_ reports whether the race detector is on. Stress tests shrink
// their iteration counts under it.
const Race_ = false

// Sema parks one goroutine until another releases it. A Release that
// arrives first is remembered. The zero value has no pending releases.
//
// Without the race detector it is the runtime semaphore behind
// sync.WaitGroup, so parking costs no allocation.
type Sema uint32

// Acquire blocks until a release is pending and consumes it.
func (s *Sema) Acquire() { runtime_semacquire((*uint32)(s)) }

// Release adds a pending release, waking one parked Acquire if any.
func (s *Sema) Release() { runtime_semrelease((*uint32)(s), false, 0) }

//go:linkname runtime_semacquire sync.runtime_Semacquire
func runtime_semacquire(addr *uint32)

//go:linkname runtime_semrelease sync.runtime_Semrelease
func runtime_semrelease(addr *uint32, handoff bool, skipframes int)
