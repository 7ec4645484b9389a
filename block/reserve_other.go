//go:build !(linux || darwin)

package block

import (
	"unsafe"

	"github.com/vkngwrapper/immix/memutils"
)

// reservation holds the Go heap buffer backing a block on platforms without anonymous mmap.
// The Go collector does not move heap objects, so the aligned window stays put while the
// buffer is referenced.
type reservation struct {
	backing []byte
}

func reserveAligned(size int) (unsafe.Pointer, reservation, error) {
	backing := make([]byte, size*2)
	base := unsafe.Pointer(unsafe.SliceData(backing))
	shift := memutils.AlignUp(int(uintptr(base)), uint(size)) - int(uintptr(base))

	return unsafe.Add(base, shift), reservation{backing: backing}, nil
}

func (r *reservation) release(ptr unsafe.Pointer, size int) error {
	r.backing = nil
	return nil
}
