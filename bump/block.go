package bump

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/block"
	"github.com/vkngwrapper/immix/memutils"
	"github.com/vkngwrapper/immix/metadata"
)

// State describes where a BumpBlock is in its allocation lifecycle
type State uint32

const (
	// StateFresh is a newly-wrapped block: the whole block is one hole
	StateFresh State = iota
	// StateBumping is a block with allocations made from its current hole and space left in it
	StateBumping
	// StateHoleExhausted is a block whose current hole is used up and ends before the end of the
	// block. NextHole must be called to find out whether there is another one.
	StateHoleExhausted
	// StateBlockExhausted is a block with no hole between the cursor and the end of the block.
	// It can be allocated from again only after a collection and a call to Recycle.
	StateBlockExhausted
	// StateRecycled is a block that has been reset to its first hole after a collection and
	// has not been allocated from since
	StateRecycled
)

var stateMapping = map[State]string{
	StateFresh:          "Fresh",
	StateBumping:        "Bumping",
	StateHoleExhausted:  "HoleExhausted",
	StateBlockExhausted: "BlockExhausted",
	StateRecycled:       "Recycled",
}

func (s State) String() string {
	return stateMapping[s]
}

// BumpBlock hands out memory from a single block by bumping a cursor through the block's holes.
// It owns its block.Block and metadata.BlockMeta exclusively.
//
// A BumpBlock is not synchronized: it must be used by one allocating context at a time, and its
// metadata must not be marked while it is being allocated from.
type BumpBlock struct {
	cursor int
	limit  int
	state  State

	block *block.Block
	meta  *metadata.BlockMeta

	allocCount   int
	allocBytes   int
	allocSizeMin int
	allocSizeMax int
	guards       []int
}

// New reserves a block from the operating system with the provided geometry and wraps it
func New(geometry block.Geometry) (*BumpBlock, error) {
	err := geometry.Validate()
	if err != nil {
		return nil, err
	}

	raw, err := block.New(geometry.BlockSize)
	if err != nil {
		return nil, err
	}

	return Wrap(raw, geometry)
}

// Wrap takes ownership of raw and pairs it with fresh, unmarked metadata. The whole block is
// available for allocation. The block's size must match the geometry, and its base address must
// be aligned to its size.
func Wrap(raw *block.Block, geometry block.Geometry) (*BumpBlock, error) {
	if raw == nil || raw.IsReleased() {
		return nil, errors.Wrap(block.ErrReleased, "cannot wrap a released block")
	}

	if raw.Size() != geometry.BlockSize {
		return nil, errors.Wrapf(block.ErrBadRequest, "block is %d bytes, but the geometry calls for %d", raw.Size(), geometry.BlockSize)
	}

	if !raw.IsSelfAligned() {
		return nil, errors.Wrapf(block.ErrBadRequest, "block at %p is not aligned to its size of %d bytes", raw.Addr(), raw.Size())
	}

	b := &BumpBlock{}
	b.Init(raw, metadata.NewBlockMeta(geometry))
	return b, nil
}

// Init prepares an uninitialized BumpBlock to allocate from raw, using meta as its mark state.
// The block is considered fresh regardless of meta's marks: call Recycle to honor them.
func (b *BumpBlock) Init(raw *block.Block, meta *metadata.BlockMeta) {
	if b.block != nil {
		panic("attempting to initialize a bump block that is already in use")
	}

	b.block = raw
	b.meta = meta
	b.cursor = 0
	b.limit = raw.Size()
	b.state = StateFresh
	b.resetCounters()
}

// Block returns the underlying raw block
func (b *BumpBlock) Block() *block.Block { return b.block }

// Meta returns the block's mark state
func (b *BumpBlock) Meta() *metadata.BlockMeta { return b.meta }

// Cursor returns the offset of the next byte to be allocated
func (b *BumpBlock) Cursor() int { return b.cursor }

// Limit returns the offset of the end of the current hole
func (b *BumpBlock) Limit() int { return b.limit }

// HoleRemaining returns the number of bytes left in the current hole
func (b *BumpBlock) HoleRemaining() int { return b.limit - b.cursor }

// State returns the block's current lifecycle state
func (b *BumpBlock) State() State { return b.state }

// InnerAlloc bumps size bytes out of the current hole and returns their address. The caller is
// responsible for writing no more than size bytes there.
//
// If the allocation does not fit in the current hole, InnerAlloc returns false and the cursor does
// not move. That is not an error: the caller should call NextHole and try again, and consider the
// block exhausted once NextHole returns false.
func (b *BumpBlock) InnerAlloc(size int) (unsafe.Pointer, bool) {
	if size <= 0 {
		return nil, false
	}

	// Compared as a remainder so that huge sizes cannot overflow the cursor
	if size > b.limit-b.cursor-memutils.DebugMargin {
		if b.cursor == b.limit && b.state != StateBlockExhausted {
			b.state = b.exhaustedState()
		}
		return nil, false
	}

	offset := b.cursor
	b.cursor += size + memutils.DebugMargin
	b.recordAllocation(offset, size)

	if b.cursor == b.limit {
		b.state = b.exhaustedState()
	} else {
		b.state = StateBumping
	}

	return unsafe.Add(b.block.Addr(), offset), true
}

// exhaustedState is the state of a block whose cursor has reached its limit. A hole that runs to
// the end of the block has no hole after it.
func (b *BumpBlock) exhaustedState() State {
	if b.limit == b.block.Size() {
		return StateBlockExhausted
	}
	return StateHoleExhausted
}

// Alloc bumps size bytes out of the block, moving on to later holes as the current one runs out.
// It returns false once no hole between the cursor and the end of the block can fit the
// allocation.
func (b *BumpBlock) Alloc(size int) (unsafe.Pointer, bool) {
	for {
		ptr, ok := b.InnerAlloc(size)
		if ok {
			return ptr, true
		}

		if size <= 0 || !b.NextHole() {
			return nil, false
		}
	}
}

// NextHole moves the cursor and limit to the next hole at or after the end of the current one, and
// returns true if there was one. If there was not, the block is exhausted until it is recycled.
func (b *BumpBlock) NextHole() bool {
	if b.state == StateBlockExhausted {
		return false
	}

	cursor, limit, ok := b.meta.FindNextAvailableHole(b.limit)
	if !ok {
		b.cursor = b.block.Size()
		b.limit = b.block.Size()
		b.state = StateBlockExhausted
		memutils.DebugValidate(b)
		return false
	}

	b.cursor = cursor
	b.limit = limit
	b.state = StateBumping
	memutils.DebugValidate(b)
	return true
}

// Recycle resets the block to the first hole in its metadata. It should be called after a
// collection has rewritten the marks and before allocating from the block again. It returns
// false, leaving the block exhausted, if every line is marked or reserved.
func (b *BumpBlock) Recycle() bool {
	b.resetCounters()

	cursor, limit, ok := b.meta.FindNextAvailableHole(0)
	if !ok {
		b.cursor = b.block.Size()
		b.limit = b.block.Size()
		b.state = StateBlockExhausted
		memutils.DebugValidate(b)
		return false
	}

	b.cursor = cursor
	b.limit = limit
	b.state = StateRecycled
	memutils.DebugValidate(b)
	return true
}

// Reset discards the metadata's marks and makes the whole block available again, as if it had just
// been wrapped. It is used to reuse a block in which nothing survived a collection.
func (b *BumpBlock) Reset() {
	b.meta.Clear()
	b.resetCounters()
	b.cursor = 0
	b.limit = b.block.Size()
	b.state = StateFresh
	memutils.DebugValidate(b)
}

// Destroy releases the underlying block to the operating system. The BumpBlock must not be used
// afterward.
func (b *BumpBlock) Destroy() error {
	if b.block == nil {
		panic("attempting to destroy a bump block that was never initialized")
	}

	err := b.block.Release()
	b.meta = nil
	b.guards = nil
	return err
}

// Write stores object at dest. dest must have been returned by InnerAlloc or Alloc on a block that
// has not been recycled since, with a size at least unsafe.Sizeof(object). Block memory is not
// scanned by the Go garbage collector, so T must not contain Go pointers.
func Write[T any](dest unsafe.Pointer, object T) {
	*(*T)(dest) = object
}

// AddStatistics sums this block's statistics into stats: the block itself, its marked lines, and the
// allocations made since it was last recycled
func (b *BumpBlock) AddStatistics(stats *memutils.Statistics) {
	b.meta.AddStatistics(stats)
	stats.AllocationCount += b.allocCount
	stats.AllocationBytes += b.allocBytes
}

// AddDetailedStatistics sums this block's detailed statistics into stats
func (b *BumpBlock) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	b.meta.AddDetailedStatistics(stats)
	stats.AddAllocationRange(b.allocCount, b.allocBytes, b.allocSizeMin, b.allocSizeMax)
}

// Validate performs internal consistency checks on the block and its metadata
func (b *BumpBlock) Validate() error {
	if b.block == nil || b.block.IsReleased() {
		return errors.New("no valid memory for this bump block")
	}

	if b.meta == nil {
		return errors.New("this bump block has no metadata")
	}

	if b.meta.Geometry().BlockSize != b.block.Size() {
		return errors.Errorf("metadata describes a %d byte block, but the block is %d bytes", b.meta.Geometry().BlockSize, b.block.Size())
	}

	if b.cursor < 0 || b.cursor > b.limit || b.limit > b.block.Size() {
		return errors.Errorf("cursor %d and limit %d are out of bounds for a %d byte block", b.cursor, b.limit, b.block.Size())
	}

	return b.meta.Validate()
}

// CheckCorruption verifies the debug margin written after each allocation since the block was last
// recycled. Margins are only written when built with the debug_immix build tag; otherwise this
// always succeeds.
func (b *BumpBlock) CheckCorruption() error {
	for _, offset := range b.guards {
		if !memutils.ValidateMagicValue(b.block.Addr(), offset) {
			return errors.Newf("memory corruption detected after the allocation ending at offset %d", offset)
		}
	}

	return nil
}

func (b *BumpBlock) String() string {
	return fmt.Sprintf("BumpBlock{cursor: %d, limit: %d, state: %s}", b.cursor, b.limit, b.state)
}

func (b *BumpBlock) recordAllocation(offset, size int) {
	b.allocCount++
	b.allocBytes += size

	if b.allocSizeMin == 0 || size < b.allocSizeMin {
		b.allocSizeMin = size
	}

	if size > b.allocSizeMax {
		b.allocSizeMax = size
	}

	if memutils.DebugMargin > 0 {
		memutils.WriteMagicValue(b.block.Addr(), offset+size)
		b.guards = append(b.guards, offset+size)
	}
}

func (b *BumpBlock) resetCounters() {
	b.allocCount = 0
	b.allocBytes = 0
	b.allocSizeMin = 0
	b.allocSizeMax = 0
	b.guards = b.guards[:0]
}
