package pmhash

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/llxisdsh/pmhash/internal/pmem"
)

const (
	metaDirSize = 16
	subDirBits  = 16
	subDirSize  = 1 << subDirBits
	subDirMask  = subDirSize - 1
	// maxDepth is the deepest directory the meta/sub layout can address.
	maxDepth = 20
)

// subDirectory is one persistent array of segment pointers plus its
// volatile mirror. The mirror is what lookups read; the persistent words
// are only read back by Open.
type subDirectory struct {
	ptr   pmem.Ptr
	words []uint64
	segs  [subDirSize]atomic.Pointer[segment]
	locks [subDirSize]rwLock
}

// directory maps a selector to its segment. Selectors below 2^depth are
// never nil.
type directory struct {
	pool  pmem.Pool
	meta  pmem.Ptr
	words []uint64
	subs  [metaDirSize]atomic.Pointer[subDirectory]
	mu    sync.Mutex // sub-directory allocation
}

func newDirectory(pool pmem.Pool) (*directory, error) {
	p, err := pool.Alloc(metaDirSize * 8)
	if err != nil {
		return nil, err
	}
	return &directory{
		pool:  pool,
		meta:  p,
		words: pool.Words(p, metaDirSize),
	}, nil
}

// loadDirectory attaches the persistent directory at meta. Mirrors start
// empty; Open fills them.
func loadDirectory(pool pmem.Pool, meta pmem.Ptr) *directory {
	d := &directory{
		pool:  pool,
		meta:  meta,
		words: pool.Words(meta, metaDirSize),
	}
	for i := range metaDirSize {
		if w := atomic.LoadUint64(&d.words[i]); w != 0 {
			sp := pmem.Ptr(w)
			d.subs[i].Store(&subDirectory{ptr: sp, words: pool.Words(sp, subDirSize)})
		}
	}
	return d
}

func (d *directory) sub(p uint64) *subDirectory {
	return d.subs[p>>subDirBits].Load()
}

// segment returns the segment installed at selector p.
func (d *directory) segment(p uint64) *segment {
	s := d.sub(p)
	if s == nil {
		return nil
	}
	return s.segs[p&subDirMask].Load()
}

func (d *directory) lockSlot(p uint64)         { d.sub(p).locks[p&subDirMask].Lock() }
func (d *directory) unlockSlot(p uint64)       { d.sub(p).locks[p&subDirMask].Unlock() }
func (d *directory) lockSlotShared(p uint64)   { d.sub(p).locks[p&subDirMask].RLock() }
func (d *directory) unlockSlotShared(p uint64) { d.sub(p).locks[p&subDirMask].RUnlock() }

// ensureSub returns the sub-directory covering p, allocating it first if
// needed. The meta word is flipped only after the zeroed array is durable.
func (d *directory) ensureSub(p uint64) (*subDirectory, error) {
	i := p >> subDirBits
	if i >= metaDirSize {
		return nil, fmt.Errorf("%w: selector %d", ErrDirectoryFull, p)
	}
	if s := d.subs[i].Load(); s != nil {
		return s, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if s := d.subs[i].Load(); s != nil {
		return s, nil
	}
	sp, err := d.pool.Alloc(subDirSize * 8)
	if err != nil {
		return nil, err
	}
	atomic.StoreUint64(&d.words[i], uint64(sp))
	d.pool.Persist(d.meta.Add(int(i)*8), 8)
	s := &subDirectory{ptr: sp, words: d.pool.Words(sp, subDirSize)}
	d.subs[i].Store(s)
	return s, nil
}

// addSegment durably installs seg at selector p, then publishes it. The
// segment body must already be persisted. The caller holds the slot lock,
// or is the only writer.
func (d *directory) addSegment(seg *segment, p uint64) error {
	sub, err := d.ensureSub(p)
	if err != nil {
		return err
	}
	err = d.pool.Update(func(tx *pmem.Tx) error {
		if err := tx.Store(seg.ptr.Add(segNoWord*8), seg.no); err != nil {
			return err
		}
		if err := tx.Store(seg.ptr.Add(segStatusWord*8), uint64(seg.status())); err != nil {
			return err
		}
		return tx.Store(sub.ptr.Add(int(p&subDirMask)*8), uint64(seg.ptr))
	})
	if err != nil {
		return err
	}
	sub.segs[p&subDirMask].Store(seg)
	return nil
}

// doublingLink makes selectors [2^prev, 2^next) alias their lower-half
// twins. A slot already holding its own segment is left alone; only a
// doubling resumed by Open can leave one there.
func (d *directory) doublingLink(prev, next uint8) error {
	lo, hi := uint64(1)<<prev, uint64(1)<<next
	for p := lo; p < hi; p += subDirSize {
		if _, err := d.ensureSub(p); err != nil {
			return err
		}
	}
	for p := lo; p < hi; {
		sub := d.sub(p)
		first := p & subDirMask
		end := min(hi, (p|subDirMask)+1)
		for ; p < end; p++ {
			slot := &sub.segs[p&subDirMask]
			if cur := slot.Load(); cur != nil && cur.no == p {
				continue
			}
			s := d.segment(p - lo)
			slot.Store(s)
			atomic.StoreUint64(&sub.words[p&subDirMask], uint64(s.ptr))
		}
		last := (p - 1) & subDirMask
		d.pool.Persist(sub.ptr.Add(int(first)*8), int(last-first+1)*8)
	}
	return nil
}

// load fills the mirror of selector p from the persistent word. It returns
// the raw pointer, or Nil if the slot or its sub-directory is empty.
func (d *directory) load(p uint64, handle func(pmem.Ptr) *segment) pmem.Ptr {
	sub := d.sub(p)
	if sub == nil {
		return pmem.Nil
	}
	w := pmem.Ptr(atomic.LoadUint64(&sub.words[p&subDirMask]))
	if w.IsNil() {
		return pmem.Nil
	}
	sub.segs[p&subDirMask].Store(handle(w))
	return w
}
