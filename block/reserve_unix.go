//go:build linux || darwin

package block

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

type reservation struct{}

// reserveAligned maps size bytes of anonymous memory aligned to size. Blocks no larger than a page
// are aligned by the kernel already. Larger blocks over-reserve twice the size and unmap the
// unaligned head and tail.
func reserveAligned(size int) (unsafe.Pointer, reservation, error) {
	if size <= unix.Getpagesize() {
		ptr, err := mapAnonymous(uintptr(size))
		return ptr, reservation{}, err
	}

	length := uintptr(size) * 2
	base, err := mapAnonymous(length)
	if err != nil {
		return nil, reservation{}, err
	}

	mask := uintptr(size) - 1
	head := ((uintptr(base) + mask) &^ mask) - uintptr(base)
	tail := length - head - uintptr(size)
	aligned := unsafe.Add(base, head)

	if head > 0 {
		err = unix.MunmapPtr(base, head)
		if err != nil {
			_ = unix.MunmapPtr(base, length)
			return nil, reservation{}, errors.Wrap(err, "failed to trim block head")
		}
	}

	if tail > 0 {
		err = unix.MunmapPtr(unsafe.Add(aligned, size), tail)
		if err != nil {
			_ = unix.MunmapPtr(aligned, uintptr(size)+tail)
			return nil, reservation{}, errors.Wrap(err, "failed to trim block tail")
		}
	}

	return aligned, reservation{}, nil
}

func mapAnonymous(length uintptr) (unsafe.Pointer, error) {
	return unix.MmapPtr(-1, 0, nil, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
}

func (r reservation) release(ptr unsafe.Pointer, size int) error {
	return unix.MunmapPtr(ptr, uintptr(size))
}
