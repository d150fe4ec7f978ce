package pmem

import (
	"sync/atomic"
)

// Tx is an undo-logged transaction. Every Store first durably records the
// old value of the word, so a crash before commit rolls the word back when
// the pool is reopened.
type Tx struct {
	a     *Arena
	log   []uint64
	n     int
	dirty []Ptr
}

// Update implements Pool. If fn returns an error, every Store made by fn is
// rolled back and the error is returned.
func (a *Arena) Update(fn func(tx *Tx) error) error {
	if a.closed.Load() {
		return ErrClosed
	}
	a.txMu.Lock()
	defer a.txMu.Unlock()

	tx := &Tx{a: a, log: a.undoLog()}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	tx.commit()
	a.transactions.Add(1)
	return a.Err()
}

func (a *Arena) undoLog() []uint64 {
	return a.Words(Ptr(atomic.LoadUint64(&a.header()[hdrUndo])), undoWords)
}

// Store sets the word at p to v inside the transaction.
func (tx *Tx) Store(p Ptr, v uint64) error {
	if tx.n == undoEntries {
		return ErrTxTooLarge
	}
	w := &tx.a.Words(p, 1)[0]
	e := 1 + 2*tx.n
	atomic.StoreUint64(&tx.log[e], uint64(p))
	atomic.StoreUint64(&tx.log[e+1], atomic.LoadUint64(w))
	tx.persistLog(e, 2)
	tx.n++
	atomic.StoreUint64(&tx.log[0], uint64(tx.n))
	tx.persistLog(0, 1)

	atomic.StoreUint64(w, v)
	tx.dirty = append(tx.dirty, p)
	return nil
}

func (tx *Tx) persistLog(word, n int) {
	base := Ptr(atomic.LoadUint64(&tx.a.header()[hdrUndo]))
	tx.a.Persist(base.Add(word*8), n*8)
}

func (tx *Tx) commit() {
	for _, p := range tx.dirty {
		tx.a.Persist(p, 8)
	}
	if tx.n > 0 {
		atomic.StoreUint64(&tx.log[0], 0)
		tx.persistLog(0, 1)
	}
}

func (tx *Tx) rollback() {
	undo(tx.a, tx.log, tx.n)
}

// replay rolls back a transaction interrupted by a crash and returns the
// number of undone stores.
func (a *Arena) replay() int {
	log := a.undoLog()
	n := int(atomic.LoadUint64(&log[0]))
	if n == 0 {
		return 0
	}
	if n > undoEntries {
		a.setErr(ErrCorrupted)
		return 0
	}
	undo(a, log, n)
	return n
}

func undo(a *Arena, log []uint64, n int) {
	for i := n - 1; i >= 0; i-- {
		p := Ptr(atomic.LoadUint64(&log[1+2*i]))
		old := atomic.LoadUint64(&log[2+2*i])
		atomic.StoreUint64(&a.Words(p, 1)[0], old)
		a.Persist(p, 8)
	}
	if n > 0 {
		atomic.StoreUint64(&log[0], 0)
		a.Persist(Ptr(atomic.LoadUint64(&a.header()[hdrUndo])), 8)
	}
}
