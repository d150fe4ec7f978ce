package pmhash

import (
	"sync/atomic"
	"time"
)

type splitKind uint8

const (
	// splitSimple: the buddy selector was already backed by its own segment.
	splitSimple splitKind = iota
	// splitTraditional: a buddy segment had to be materialized.
	splitTraditional
	// splitComplex: the directory was doubled.
	splitComplex
)

func (k splitKind) String() string {
	switch k {
	case splitSimple:
		return "simple"
	case splitTraditional:
		return "traditional"
	case splitComplex:
		return "complex"
	default:
		return "unknown"
	}
}

// Stats is a snapshot of the table's split counters.
type Stats struct {
	SimpleSplits      uint64
	TraditionalSplits uint64
	ComplexSplits     uint64

	SimpleSplitTime      time.Duration
	TraditionalSplitTime time.Duration
	ComplexSplitTime     time.Duration

	// MakeBuddy counts segments materialized by splits and sweeps.
	MakeBuddy     uint64
	MakeBuddyTime time.Duration

	// PoolMisses counts segment requests the pool could not serve.
	PoolMisses uint64
	// Retries counts Put attempts that had to start over.
	Retries uint64
}

// Splits returns the total number of splits of any kind.
func (s Stats) Splits() uint64 {
	return s.SimpleSplits + s.TraditionalSplits + s.ComplexSplits
}

type statsCollector struct {
	splits    [3]atomic.Uint64
	splitTime [3]atomic.Int64
	makeBuddy atomic.Uint64
	buddyTime atomic.Int64
	retries   atomic.Uint64
}

func (c *statsCollector) recordSplit(kind splitKind, took time.Duration) {
	c.splits[kind].Add(1)
	c.splitTime[kind].Add(int64(took))
}

func (c *statsCollector) recordMakeBuddy(took time.Duration) {
	c.makeBuddy.Add(1)
	c.buddyTime.Add(int64(took))
}

func (c *statsCollector) retry() {
	c.retries.Add(1)
}

func (c *statsCollector) snapshot() Stats {
	return Stats{
		SimpleSplits:         c.splits[splitSimple].Load(),
		TraditionalSplits:    c.splits[splitTraditional].Load(),
		ComplexSplits:        c.splits[splitComplex].Load(),
		SimpleSplitTime:      time.Duration(c.splitTime[splitSimple].Load()),
		TraditionalSplitTime: time.Duration(c.splitTime[splitTraditional].Load()),
		ComplexSplitTime:     time.Duration(c.splitTime[splitComplex].Load()),
		MakeBuddy:            c.makeBuddy.Load(),
		MakeBuddyTime:        time.Duration(c.buddyTime.Load()),
		Retries:              c.retries.Load(),
	}
}

// drain returns the counters and resets them. Counters bumped concurrently
// land in either this snapshot or the next one, never both.
func (c *statsCollector) drain() Stats {
	return Stats{
		SimpleSplits:         c.splits[splitSimple].Swap(0),
		TraditionalSplits:    c.splits[splitTraditional].Swap(0),
		ComplexSplits:        c.splits[splitComplex].Swap(0),
		SimpleSplitTime:      time.Duration(c.splitTime[splitSimple].Swap(0)),
		TraditionalSplitTime: time.Duration(c.splitTime[splitTraditional].Swap(0)),
		ComplexSplitTime:     time.Duration(c.splitTime[splitComplex].Swap(0)),
		MakeBuddy:            c.makeBuddy.Swap(0),
		MakeBuddyTime:        time.Duration(c.buddyTime.Swap(0)),
		Retries:              c.retries.Swap(0),
	}
}
