package pmhash

import (
	"fmt"
	"runtime"

	"github.com/cespare/xxhash/v2"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

const (
	// defaultBucketBits gives 1024 buckets per segment.
	defaultBucketBits = 10
	minBucketBits     = 1
	maxBucketBits     = 10

	defaultPoolCapacity = 4
	defaultPoolWorkers  = 1

	// defaultSweepThreshold is the number of selectors a single goroutine
	// sweeps before the work is spread over an errgroup.
	defaultSweepThreshold = 256
)

// HashFunc hashes a key. The result is remapped so that it is never 0.
type HashFunc func(key []byte) uint64

// Config holds the options of a table. It is built from the With* options
// passed to New, Create and Open.
type Config struct {
	// bucketBits is log2 of the number of buckets per segment. It is part of
	// the persistent geometry; Open adopts the stored value and rejects an
	// explicit mismatch.
	bucketBits    int
	bucketBitsSet bool

	// poolCapacity is the number of pre-allocated segments kept ready for
	// splits; 0 disables the pool and every split allocates synchronously.
	poolCapacity int
	// poolWorkers is the number of background goroutines refilling the pool.
	poolWorkers int

	// sweepWorkers bounds the goroutines one sweep may use.
	sweepWorkers   int
	sweepThreshold int

	// chunkSize is the pmem chunk size for pools created by the table.
	chunkSize int

	hasher HashFunc
	logger *Logger
}

// WithBucketBits sets log2 of the number of buckets per segment (1..10).
func WithBucketBits(bits int) func(*Config) {
	return func(c *Config) {
		c.bucketBits = bits
		c.bucketBitsSet = true
	}
}

// WithSegmentPool configures the pre-allocated segment pool. A capacity of
// 0 disables it.
func WithSegmentPool(capacity, workers int) func(*Config) {
	return func(c *Config) {
		c.poolCapacity = capacity
		c.poolWorkers = workers
	}
}

// WithSweepWorkers bounds the parallelism of one sweep. 1 sweeps inline.
func WithSweepWorkers(n int) func(*Config) {
	return func(c *Config) {
		c.sweepWorkers = n
	}
}

// WithChunkSize sets the chunk size of pools created by New and Create.
// Open takes the chunk size from the file.
func WithChunkSize(size int) func(*Config) {
	return func(c *Config) {
		c.chunkSize = size
	}
}

// WithHasher replaces the default xxhash key hash. The same function must be
// used every time a persistent table is opened.
func WithHasher(fn HashFunc) func(*Config) {
	return func(c *Config) {
		c.hasher = fn
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *Logger) func(*Config) {
	return func(c *Config) {
		c.logger = l
	}
}

func newConfig(opts []func(*Config)) (*Config, error) {
	c := &Config{
		bucketBits:     defaultBucketBits,
		poolCapacity:   defaultPoolCapacity,
		poolWorkers:    defaultPoolWorkers,
		sweepWorkers:   runtime.GOMAXPROCS(0),
		sweepThreshold: defaultSweepThreshold,
		chunkSize:      pmem.DefaultChunkSize,
	}
	for _, o := range opts {
		o(c)
	}
	if c.bucketBits < minBucketBits || c.bucketBits > maxBucketBits {
		return nil, fmt.Errorf("%w: bucket bits %d not in [%d, %d]",
			ErrInvalidConfig, c.bucketBits, minBucketBits, maxBucketBits)
	}
	if c.poolCapacity < 0 || c.poolWorkers < 0 ||
		(c.poolCapacity > 0 && c.poolWorkers == 0) {
		return nil, fmt.Errorf("%w: segment pool capacity %d with %d workers",
			ErrInvalidConfig, c.poolCapacity, c.poolWorkers)
	}
	if c.sweepWorkers < 1 {
		return nil, fmt.Errorf("%w: sweep workers %d", ErrInvalidConfig, c.sweepWorkers)
	}
	if c.chunkSize < pmem.MinChunkSize || c.chunkSize&(c.chunkSize-1) != 0 {
		return nil, fmt.Errorf("%w: chunk size %d", ErrInvalidConfig, c.chunkSize)
	}
	if c.hasher == nil {
		c.hasher = xxhash.Sum64
	}
	if c.logger == nil {
		c.logger = NoopLogger()
	}
	return c, nil
}
