package pmhash

import (
	"errors"
)

var (
	// ErrClosed is returned when a closed table is used.
	ErrClosed = errors.New("pmhash: table closed")
	// ErrDirectoryFull is returned when a split would need a directory deeper
	// than maxDepth.
	ErrDirectoryFull = errors.New("pmhash: directory depth limit reached")
	// ErrCorrupted is returned when a pool does not hold a valid table.
	ErrCorrupted = errors.New("pmhash: corrupted table")
	// ErrNoTable is returned when opening a pool that has no table root.
	ErrNoTable = errors.New("pmhash: pool holds no table")
	// ErrInvalidConfig is returned for out-of-range options.
	ErrInvalidConfig = errors.New("pmhash: invalid configuration")
	// ErrTooLarge is returned when a key/value record does not fit in one
	// pool chunk.
	ErrTooLarge = errors.New("pmhash: key or value too large")
)

// status is the outcome of a bucket operation. It never leaves the package:
// the retry loops in Put and Get absorb everything except OK and Failed.
type status uint8

const (
	statusOK status = iota
	statusFailed
	statusSplitRequired
	// statusFlattenRequired means the bucket still redirects to an ancestor.
	// Flattening is not implemented; callers treat it as statusRetry.
	statusFlattenRequired
	statusRetry
)

func (s status) String() string {
	switch s {
	case statusOK:
		return "ok"
	case statusFailed:
		return "failed"
	case statusSplitRequired:
		return "split-required"
	case statusFlattenRequired:
		return "flatten-required"
	case statusRetry:
		return "retry"
	default:
		return "unknown"
	}
}
