package pmhash

import (
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func countingAlloc(n *atomic.Int64, fail error) func() (*segment, error) {
	return func() (*segment, error) {
		if fail != nil {
			return nil, fail
		}
		return &segment{no: uint64(n.Add(1))}, nil
	}
}

func waitLen(t *testing.T, p *segmentPool, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for p.len() != want {
		if time.Now().After(deadline) {
			t.Fatalf("pool holds %d segments, want %d", p.len(), want)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestSegmentPoolRefill(t *testing.T) {
	var n atomic.Int64
	p := newSegmentPool(4, countingAlloc(&n, nil), NoopLogger())
	p.start(2)
	defer p.close()

	waitLen(t, p, 4)
	s, err := p.get()
	if err != nil || s == nil {
		t.Fatalf("get: %v", err)
	}
	waitLen(t, p, 4)
	if p.misses.Load() != 0 {
		t.Fatalf("misses = %d", p.misses.Load())
	}
	if err := p.close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestSegmentPoolFIFO(t *testing.T) {
	var n atomic.Int64
	p := newSegmentPool(3, countingAlloc(&n, nil), NoopLogger())
	for i := range uint64(4) {
		ok := p.push(&segment{no: i})
		if ok != (i < 3) {
			t.Fatalf("push %d = %v", i, ok)
		}
	}
	for i := range uint64(3) {
		s, ok := p.pop()
		if !ok || s.no != i {
			t.Fatalf("pop = %v, %v, want segment %d", s, ok, i)
		}
	}
	if _, ok := p.pop(); ok {
		t.Fatalf("pop from an empty pool succeeded")
	}
}

func TestSegmentPoolMissFallsBack(t *testing.T) {
	var n atomic.Int64
	p := newSegmentPool(2, countingAlloc(&n, nil), NoopLogger())
	// no workers: every get misses
	for range 3 {
		if _, err := p.get(); err != nil {
			t.Fatal(err)
		}
	}
	if p.misses.Load() != 3 || n.Load() != 3 {
		t.Fatalf("misses = %d, allocs = %d", p.misses.Load(), n.Load())
	}

	disabled := newSegmentPool(0, countingAlloc(&n, nil), NoopLogger())
	disabled.start(4)
	if _, err := disabled.get(); err != nil {
		t.Fatal(err)
	}
	if disabled.misses.Load() != 0 {
		t.Fatalf("a disabled pool counted a miss")
	}
	if err := disabled.close(); err != nil {
		t.Fatal(err)
	}
}

func TestSegmentPoolAllocFailure(t *testing.T) {
	boom := errors.New("boom")
	p := newSegmentPool(2, countingAlloc(nil, boom), NoopLogger())
	p.start(1)
	if _, err := p.get(); !errors.Is(err, boom) {
		t.Fatalf("get: %v", err)
	}
	if err := p.close(); err != nil {
		t.Fatalf("close after a failed refill: %v", err)
	}
}

func TestTableUsesSegmentPool(t *testing.T) {
	tbl := newTestTable(t, WithBucketBits(2), WithSegmentPool(8, 2))
	for i := range 2000 {
		mustPut(t, tbl, idKey(uint64(i)*0x9e3779b97f4a7c15), nil)
	}
	s := tbl.Stats()
	if s.MakeBuddy == 0 {
		t.Fatalf("no segment was materialized: %+v", s)
	}
	mustVerify(t, tbl)
}
