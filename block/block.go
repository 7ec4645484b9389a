package block

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/memutils"
)

// Block is a region of memory reserved from the operating system. It is exactly Size() bytes long and
// its base address is aligned to Size(), so the block owning any interior pointer can be found by
// masking off the low bits of the pointer. Blocks built by FromBytes may not be aligned.
//
// A Block must be released with Release exactly once. Release marks the block as consumed, so
// releasing it again reports ErrReleased rather than handing the region back to the operating
// system twice.
type Block struct {
	ptr         unsafe.Pointer
	size        int
	reservation reservation
	borrowed    bool
}

// New reserves a block of size bytes, aligned to size. size must be a power of two: if it is not,
// the returned error is marked as ErrBadRequest. If the operating system cannot provide the
// memory, the returned error is marked as ErrOutOfMemory.
func New(size int) (*Block, error) {
	if size <= 0 {
		return nil, errors.Wrapf(ErrBadRequest, "size is %d", size)
	}

	err := memutils.CheckPow2(size, "size")
	if err != nil {
		return nil, errors.Mark(err, ErrBadRequest)
	}

	ptr, res, err := reserveAligned(size)
	if err != nil {
		return nil, errors.WithSecondaryError(errors.Wrapf(ErrOutOfMemory, "failed to reserve a %d byte block", size), err)
	}

	return &Block{
		ptr:         ptr,
		size:        size,
		reservation: res,
	}, nil
}

// FromBytes wraps memory owned by the caller as a Block, for BlockSource implementations that
// carve blocks out of their own reservations. len(mem) must be a power of two. The alignment of
// mem is not checked: see IsSelfAligned. Release consumes the Block but leaves the memory to the
// caller, who must keep it valid until then.
func FromBytes(mem []byte) (*Block, error) {
	size := len(mem)
	if size == 0 {
		return nil, errors.Wrap(ErrBadRequest, "memory is empty")
	}

	err := memutils.CheckPow2(size, "len(mem)")
	if err != nil {
		return nil, errors.Mark(err, ErrBadRequest)
	}

	return &Block{
		ptr:      unsafe.Pointer(unsafe.SliceData(mem)),
		size:     size,
		borrowed: true,
	}, nil
}

// Addr returns the base address of the block. The block retains ownership of the memory.
func (b *Block) Addr() unsafe.Pointer { return b.ptr }

// Size returns the size of the block in bytes, which is also its alignment
func (b *Block) Size() int { return b.size }

// IsSelfAligned reports whether the block's base address is a multiple of its size. Blocks from
// New always are.
func (b *Block) IsSelfAligned() bool {
	return memutils.IsAligned(uintptr(b.ptr), uintptr(b.size))
}

// IsReleased returns true once Release has been called
func (b *Block) IsReleased() bool { return b.ptr == nil }

// Bytes returns the block's memory as a byte slice, or nil if the block has been released. The
// slice must not be used after Release.
func (b *Block) Bytes() []byte {
	if b.ptr == nil {
		return nil
	}

	return unsafe.Slice((*byte)(b.ptr), b.size)
}

// Contains reports whether p points into this block
func (b *Block) Contains(p unsafe.Pointer) bool {
	if b.ptr == nil {
		return false
	}

	base := uintptr(b.ptr)
	addr := uintptr(p)
	return addr >= base && addr < base+uintptr(b.size)
}

// Offset returns the offset of p from the base of the block. p must point into this block.
func (b *Block) Offset(p unsafe.Pointer) int {
	return int(uintptr(p) - uintptr(b.ptr))
}

// Release returns the block to the operating system, or to its owner if it came from FromBytes. The block is consumed even if the operating
// system reports an error, and every later call returns ErrReleased.
func (b *Block) Release() error {
	if b.ptr == nil {
		return errors.WithStack(ErrReleased)
	}

	ptr := b.ptr
	b.ptr = nil

	if b.borrowed {
		return nil
	}

	err := b.reservation.release(ptr, b.size)
	if err != nil {
		return errors.Wrapf(err, "failed to release a %d byte block", b.size)
	}

	return nil
}
