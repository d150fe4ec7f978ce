package opt

import (
	"unsafe"

	"golang.org/x/sys/cpu"
)

// CacheLineSize_ is the padding unit used to keep hot counters on separate
// cache lines.
const CacheLineSize_ = unsafe.Sizeof(cpu.CacheLinePad{})
