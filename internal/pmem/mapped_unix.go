//go:build unix

package pmem

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type fileBacking struct {
	f        *os.File
	maps     [][]byte // guarded by the arena's growth lock
	pageSize int
}

// Create creates a new file-backed pool at path. The file must not exist.
func Create(path string, opts ...Option) (*Arena, error) {
	o := newOptions(opts)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}
	be := &fileBacking{f: f, pageSize: os.Getpagesize()}
	a := newArena(be, o)
	if err := a.format(); err != nil {
		_ = be.close()
		return nil, err
	}
	return a, nil
}

// OpenFile maps an existing pool file and rolls back any interrupted
// transaction. The chunk size is taken from the file header.
func OpenFile(path string, opts ...Option) (*Arena, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	var hdr [headerWords * 8]byte
	if _, err := f.ReadAt(hdr[:], 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: read header: %v", ErrCorrupted, err)
	}
	words := (*[headerWords]uint64)(unsafe.Pointer(&hdr[0]))
	if words[hdrMagic] != poolMagic {
		f.Close()
		return nil, fmt.Errorf("%w: bad magic %#x", ErrCorrupted, words[hdrMagic])
	}
	shift := words[hdrChunkShift]
	if shift < 20 || shift > 40 {
		f.Close()
		return nil, fmt.Errorf("%w: chunk shift %d", ErrCorrupted, shift)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	o := newOptions(opts)
	o.chunkSize = 1 << shift
	chunks := int(fi.Size() >> shift)
	if chunks == 0 {
		f.Close()
		return nil, fmt.Errorf("%w: file shorter than one chunk", ErrCorrupted)
	}
	be := &fileBacking{f: f, pageSize: os.Getpagesize()}
	a := newArena(be, o)
	if err := a.attach(chunks); err != nil {
		_ = be.close()
		return nil, err
	}
	return a, nil
}

func (b *fileBacking) newChunk(index, size int) (*chunk, error) {
	end := int64(index+1) * int64(size)
	fi, err := b.f.Stat()
	if err != nil {
		return nil, err
	}
	if fi.Size() < end {
		if err := b.f.Truncate(end); err != nil {
			return nil, err
		}
	}
	raw, err := unix.Mmap(int(b.f.Fd()), int64(index)*int64(size), size,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// bucket probes land anywhere in a chunk
	_ = unix.Madvise(raw, unix.MADV_RANDOM)
	b.maps = append(b.maps, raw)
	words := unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), size/8)
	return &chunk{words: words, raw: raw}, nil
}

func (b *fileBacking) flush(_ int, c *chunk, lo, hi int) error {
	start := (lo * 8) &^ (b.pageSize - 1)
	end := min((hi*8+b.pageSize-1)&^(b.pageSize-1), len(c.raw))
	return unix.Msync(c.raw[start:end], unix.MS_SYNC)
}

func (b *fileBacking) close() error {
	var errs []error
	for _, m := range b.maps {
		if err := unix.Munmap(m); err != nil {
			errs = append(errs, err)
		}
	}
	b.maps = nil
	if err := b.f.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
