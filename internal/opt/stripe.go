package opt

import (
	"sync/atomic"
	"unsafe"
)

// CounterStripe_ is one cache-line padded slot of a striped counter.
type CounterStripe_ struct {
	C atomic.Int64
	_ [(CacheLineSize_ - unsafe.Sizeof(atomic.Int64{})%CacheLineSize_) % CacheLineSize_]byte
}
