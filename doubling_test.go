package pmhash

import (
	"testing"
	"time"
)

func TestCoordinatorStateMachine(t *testing.T) {
	c := newDoublingCoordinator(4)
	if c.current() != coordIdle {
		t.Fatalf("state = %v, want idle", c.current())
	}
	if !c.enter(0) {
		t.Fatalf("enter on an idle coordinator failed")
	}
	if !c.request() {
		t.Fatalf("request on an idle coordinator failed")
	}
	if c.request() {
		t.Fatalf("second request succeeded")
	}
	if c.current() != coordRequested {
		t.Fatalf("state = %v, want doubling-requested", c.current())
	}

	entered := make(chan bool, 1)
	go func() {
		ok := c.enter(1)
		if ok {
			c.exit(1)
		}
		entered <- ok
	}()
	for c.done.waiters.Load() == 0 {
		time.Sleep(time.Millisecond)
	}

	c.drain()
	if c.current() != coordDoubling {
		t.Fatalf("state = %v, want doubling", c.current())
	}
	select {
	case <-entered:
		t.Fatalf("a writer got in during the doubling")
	default:
	}

	c.release()
	if ok := <-entered; ok {
		t.Fatalf("parked writer reported a successful enter")
	}
	if c.current() != coordIdle || c.doublings() != 1 {
		t.Fatalf("state = %v after %d doublings", c.current(), c.doublings())
	}
	c.exit(0)
	if n := c.writers(); n != 0 {
		t.Fatalf("%d writers left", n)
	}
}

func TestCoordinatorStripes(t *testing.T) {
	c := newDoublingCoordinator(3)
	if len(c.stripes) != 4 {
		t.Fatalf("%d stripes, want 4", len(c.stripes))
	}
	for s := range 16 {
		c.enter(s)
	}
	if n := c.writers(); n != 16 {
		t.Fatalf("writers = %d, want 16", n)
	}
	for s := range 16 {
		c.exit(s)
	}
	if n := c.writers(); n != 0 {
		t.Fatalf("writers = %d, want 0", n)
	}
}

func TestCoordinatorStateString(t *testing.T) {
	for s, want := range map[coordState]string{
		coordIdle:      "idle",
		coordRequested: "doubling-requested",
		coordDoubling:  "doubling",
		coordState(9):  "unknown",
	} {
		if s.String() != want {
			t.Fatalf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
