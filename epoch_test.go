package pmhash

import (
	"sync"
	"testing"
	"time"
)

func TestEpoch_WaitAndAdd(t *testing.T) {
	var e epoch
	done := make(chan struct{})
	go func() {
		e.WaitAtLeast(1)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	if e.Current() != 0 {
		t.Fatalf("unexpected current before Add: %d", e.Current())
	}
	e.Add(1)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("WaitAtLeast did not return after Add")
	}
	if e.Current() != 1 {
		t.Fatalf("current = %d, want 1", e.Current())
	}
}

func TestEpoch_WakesOnlySatisfiedWaiters(t *testing.T) {
	var e epoch
	const waiters = 10
	var early, late sync.WaitGroup
	early.Add(waiters)
	late.Add(waiters)
	for i := range 2 * waiters {
		go func() {
			if i%2 == 0 {
				e.WaitAtLeast(1)
				early.Done()
			} else {
				e.WaitAtLeast(3)
				late.Done()
			}
		}()
	}
	for e.waiters.Load() != 2*waiters {
		time.Sleep(time.Millisecond)
	}
	e.Add(1)
	early.Wait()
	if n := e.waiters.Load(); n != waiters {
		t.Fatalf("waiters = %d after first Add, want %d", n, waiters)
	}
	e.Add(2)
	late.Wait()
	if e.Current() != 3 {
		t.Fatalf("current = %d, want 3", e.Current())
	}
}

func TestEpoch_AlreadyReached(t *testing.T) {
	var e epoch
	e.Add(5)
	e.WaitAtLeast(3)
	if got := e.Add(0); got != 5 {
		t.Fatalf("Add(0) = %d, want 5", got)
	}
}
