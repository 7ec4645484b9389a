package heap

import (
	"context"
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/vkngwrapper/immix/block"
	"github.com/vkngwrapper/immix/bump"
	"github.com/vkngwrapper/immix/internal/utils"
	"github.com/vkngwrapper/immix/memutils"
	"golang.org/x/exp/slog"
)

// allocationAlignment is the alignment of every address returned from the allocator
const allocationAlignment uint = 8

var (
	// ErrAllocationTooLarge is returned for allocations that cannot fit in a single block
	ErrAllocationTooLarge = errors.New("allocation is larger than a block")

	// ErrDestroyed is returned when using an allocator after Destroy
	ErrDestroyed = errors.New("allocator has been destroyed")
)

type heapBlock struct {
	id   int
	bump *bump.BumpBlock
}

// SweepResult reports where Sweep sent each block
type SweepResult struct {
	// Recycled is the number of blocks with live lines and at least one hole
	Recycled int
	// Full is the number of blocks whose lines are all marked or reserved
	Full int
	// Free is the number of blocks with nothing live that were kept for reuse
	Free int
	// Released is the number of blocks with nothing live that were returned to the BlockSource
	Released int
}

// Allocator is a typed allocation front end over a set of bump blocks. Small objects are bumped
// out of a head block, hole by hole. Objects larger than a line that do not fit the head's current
// hole go to an overflow block rather than abandoning the rest of the hole. When the head is
// exhausted it is parked until the next sweep and replaced by a recycled block, a free block, or a
// new block from the BlockSource, in that order.
//
// Unless created with AllocatorCreateExternallySynchronized, every method takes a single
// allocator-wide lock. The caller must still ensure that marking (MarkObject, ClearMarks) and
// Sweep happen at a safepoint with respect to the code writing objects into allocated memory.
type Allocator struct {
	logger        *slog.Logger
	geometry      block.Geometry
	source        BlockSource
	createFlags   CreateFlags
	maxFreeBlocks int

	mutex       utils.OptionalRWMutex
	head        *heapBlock
	overflow    *heapBlock
	recycled    []*heapBlock
	full        []*heapBlock
	free        []*heapBlock
	registry    *swiss.Map[uintptr, *heapBlock]
	nextBlockId int
	destroyed   bool
}

// Geometry returns the block and line sizes used by this allocator
func (a *Allocator) Geometry() block.Geometry { return a.geometry }

// Flags returns the flags the allocator was created with
func (a *Allocator) Flags() CreateFlags { return a.createFlags }

// Alloc copies object into allocator-owned memory and returns a pointer to the copy. T must not
// contain Go pointers: block memory is not scanned by the Go garbage collector.
func Alloc[T any](a *Allocator, object T) (*T, error) {
	var zero T
	size := int(unsafe.Sizeof(zero))
	if size == 0 {
		size = 1
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	ptr, err := a.allocate(size)
	if err != nil {
		return nil, err
	}

	bump.Write(ptr, object)
	return (*T)(ptr), nil
}

// AllocBytes allocates size bytes and returns their address, aligned to 8 bytes. The memory is not
// zeroed if the block it came from has been recycled.
func (a *Allocator) AllocBytes(size int) (unsafe.Pointer, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocate(size)
}

func (a *Allocator) allocate(size int) (unsafe.Pointer, error) {
	if a.destroyed {
		return nil, errors.WithStack(ErrDestroyed)
	}
	if size <= 0 {
		return nil, errors.Newf("allocation size must be greater than 0, but was %d", size)
	}
	requested := size
	if size <= a.geometry.BlockSize {
		size = memutils.AlignUp(size, allocationAlignment)
	}
	if size > a.geometry.BlockSize-memutils.DebugMargin {
		return nil, errors.Wrapf(ErrAllocationTooLarge, "requested %d bytes from %d byte blocks", requested, a.geometry.BlockSize)
	}

	for {
		if a.head == nil {
			head, err := a.nextHeadBlock()
			if err != nil {
				return nil, err
			}
			a.head = head
		}

		ptr, ok := a.head.bump.InnerAlloc(size)
		if ok {
			return ptr, nil
		}

		if size > a.geometry.LineSize && a.head.bump.HoleRemaining() > a.geometry.LineSize {
			return a.allocateOverflow(size)
		}

		if a.head.bump.NextHole() {
			continue
		}

		a.full = append(a.full, a.head)
		a.head = nil
	}
}

func (a *Allocator) allocateOverflow(size int) (unsafe.Pointer, error) {
	for {
		if a.overflow == nil {
			overflow, err := a.nextFreeBlock()
			if err != nil {
				return nil, err
			}
			a.overflow = overflow
		}

		ptr, ok := a.overflow.bump.Alloc(size)
		if ok {
			return ptr, nil
		}

		a.full = append(a.full, a.overflow)
		a.overflow = nil
	}
}

func (a *Allocator) nextHeadBlock() (*heapBlock, error) {
	count := len(a.recycled)
	if count > 0 {
		b := a.recycled[count-1]
		a.recycled[count-1] = nil
		a.recycled = a.recycled[:count-1]
		return b, nil
	}

	return a.nextFreeBlock()
}

// nextFreeBlock returns a block with nothing live in it, reusing one kept by Sweep if possible
func (a *Allocator) nextFreeBlock() (*heapBlock, error) {
	count := len(a.free)
	if count > 0 {
		b := a.free[count-1]
		a.free[count-1] = nil
		a.free = a.free[:count-1]
		return b, nil
	}

	return a.createBlock()
}

func (a *Allocator) createBlock() (*heapBlock, error) {
	raw, err := a.source.AcquireBlock(a.geometry.BlockSize)
	if err != nil {
		return nil, err
	}

	bumpBlock, err := bump.Wrap(raw, a.geometry)
	if err != nil {
		releaseErr := a.source.ReleaseBlock(raw)
		if releaseErr != nil {
			a.logger.Error("error attempting to release block after failing to wrap it", slog.Any("error", releaseErr))
		}
		return nil, err
	}

	b := &heapBlock{id: a.nextBlockId, bump: bumpBlock}
	a.nextBlockId++
	a.registry.Put(uintptr(raw.Addr()), b)

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::createBlock",
		slog.Int("Id", b.id),
		slog.String("Addr", fmt.Sprintf("%p", raw.Addr())),
		slog.Int("BlockCount", a.registry.Count()),
	)

	return b, nil
}

func (a *Allocator) releaseBlock(b *heapBlock) error {
	raw := b.bump.Block()
	a.registry.Delete(uintptr(raw.Addr()))

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::releaseBlock",
		slog.Int("Id", b.id),
		slog.String("Addr", fmt.Sprintf("%p", raw.Addr())),
	)

	return a.source.ReleaseBlock(raw)
}

// BlockOf returns the block containing p, if p points into memory owned by this allocator. Blocks
// are aligned to their size, so the lookup is a mask and a map access.
func (a *Allocator) BlockOf(p unsafe.Pointer) (*bump.BumpBlock, bool) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	b, ok := a.blockOf(p)
	if !ok {
		return nil, false
	}
	return b.bump, true
}

func (a *Allocator) blockOf(p unsafe.Pointer) (*heapBlock, bool) {
	base := uintptr(p) &^ uintptr(a.geometry.BlockSize-1)
	return a.registry.Get(base)
}

// BlockCount returns the number of blocks currently held by the allocator, including free blocks
func (a *Allocator) BlockCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	return a.registry.Count()
}

// ClearMarks unmarks every line of every block, in preparation for a new mark phase
func (a *Allocator) ClearMarks() {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.registry.Iter(func(_ uintptr, b *heapBlock) bool {
		b.bump.Meta().Clear()
		return false
	})
}

// MarkObject marks the lines covered by the size bytes at p as live. p must point into a block
// owned by this allocator.
func (a *Allocator) MarkObject(p unsafe.Pointer, size int) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	b, ok := a.blockOf(p)
	if !ok {
		return errors.Newf("address %p does not belong to this allocator", p)
	}

	offset := b.bump.Block().Offset(p)
	if size > a.geometry.BlockSize-offset {
		return errors.Newf("object of %d bytes at offset %d overruns its %d byte block", size, offset, a.geometry.BlockSize)
	}

	b.bump.Meta().MarkRegion(offset, size)
	return nil
}

// Sweep sorts every block according to the marks left by the most recent mark phase. Blocks with
// no marked lines are kept as free blocks, up to CreateOptions.MaxFreeBlocks, or released. Blocks
// with marked lines are recycled to their first hole, or parked as full if they have none. The
// head and overflow blocks are swept as well, so allocation afterward starts from a recycled block.
//
// If releasing blocks fails, Sweep still sorts every block and returns the combined errors.
func (a *Allocator) Sweep() (SweepResult, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var result SweepResult
	if a.destroyed {
		return result, errors.WithStack(ErrDestroyed)
	}

	candidates := make([]*heapBlock, 0, len(a.recycled)+len(a.full)+2)
	if a.head != nil {
		candidates = append(candidates, a.head)
	}
	if a.overflow != nil {
		candidates = append(candidates, a.overflow)
	}
	candidates = append(candidates, a.recycled...)
	candidates = append(candidates, a.full...)

	a.head = nil
	a.overflow = nil
	a.recycled = a.recycled[:0]
	a.full = a.full[:0]

	var sweepErr error
	for _, b := range candidates {
		meta := b.bump.Meta()

		if !meta.BlockMarked() {
			if len(a.free) < a.maxFreeBlocks {
				b.bump.Reset()
				a.free = append(a.free, b)
				result.Free++
				continue
			}

			err := a.releaseBlock(b)
			if err != nil {
				a.logger.LogAttrs(context.Background(), slog.LevelError, "failed to release block during sweep",
					slog.Int("Id", b.id),
					slog.Any("error", err))
				sweepErr = errors.CombineErrors(sweepErr, err)
			}
			result.Released++
			continue
		}

		if b.bump.Recycle() {
			a.recycled = append(a.recycled, b)
			result.Recycled++
		} else {
			a.full = append(a.full, b)
			result.Full++
		}
		memutils.DebugValidate(b.bump)
	}

	a.logger.LogAttrs(context.Background(), slog.LevelDebug, "Allocator::Sweep",
		slog.Int("Recycled", result.Recycled),
		slog.Int("Full", result.Full),
		slog.Int("Free", result.Free),
		slog.Int("Released", result.Released),
		slog.Int("BlockCount", a.registry.Count()),
	)

	return result, sweepErr
}

// AddStatistics sums the statistics of every block into stats
func (a *Allocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.registry.Iter(func(_ uintptr, b *heapBlock) bool {
		b.bump.AddStatistics(stats)
		return false
	})
}

// AddDetailedStatistics sums the detailed statistics of every block into stats
func (a *Allocator) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	a.registry.Iter(func(_ uintptr, b *heapBlock) bool {
		b.bump.AddDetailedStatistics(stats)
		return false
	})
}

// PrintDetailedMap writes a json object describing every block, keyed by block id
func (a *Allocator) PrintDetailedMap(writer *jwriter.Writer) {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	objState := writer.Object()
	defer objState.End()

	for _, b := range a.orderedBlocks() {
		blockObj := objState.Name(fmt.Sprintf("%d", b.id)).Object()

		blockObj.Name("Role").String(a.roleOf(b))
		blockObj.Name("State").String(b.bump.State().String())
		blockObj.Name("Cursor").Int(b.bump.Cursor())
		blockObj.Name("Limit").Int(b.bump.Limit())
		b.bump.Meta().BlockJsonData(blockObj)

		blockObj.End()
	}
}

// orderedBlocks returns every block sorted by id
func (a *Allocator) orderedBlocks() []*heapBlock {
	blocks := make([]*heapBlock, a.nextBlockId)
	a.registry.Iter(func(_ uintptr, b *heapBlock) bool {
		blocks[b.id] = b
		return false
	})

	ordered := blocks[:0]
	for _, b := range blocks {
		if b != nil {
			ordered = append(ordered, b)
		}
	}

	return ordered
}

func (a *Allocator) roleOf(b *heapBlock) string {
	switch {
	case b == a.head:
		return "Head"
	case b == a.overflow:
		return "Overflow"
	}

	for _, free := range a.free {
		if free == b {
			return "Free"
		}
	}
	for _, recycled := range a.recycled {
		if recycled == b {
			return "Recycled"
		}
	}

	return "Full"
}

// Validate performs internal consistency checks on every block and on the allocator's block lists
func (a *Allocator) Validate() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	listed := 0
	if a.head != nil {
		listed++
	}
	if a.overflow != nil {
		listed++
	}
	listed += len(a.recycled) + len(a.full) + len(a.free)

	if listed != a.registry.Count() {
		return errors.Newf("allocator lists %d blocks, but %d are registered", listed, a.registry.Count())
	}

	var err error
	a.registry.Iter(func(base uintptr, b *heapBlock) bool {
		if uintptr(b.bump.Block().Addr()) != base {
			err = errors.Newf("block %d is registered at %#x, but its address is %p", b.id, base, b.bump.Block().Addr())
			return true
		}

		err = b.bump.Validate()
		if err != nil {
			err = errors.Wrapf(err, "block %d", b.id)
			return true
		}
		return false
	})

	return err
}

// CheckCorruption verifies the debug margins of every block. It always succeeds unless built with
// the debug_immix build tag.
func (a *Allocator) CheckCorruption() error {
	a.mutex.RLock()
	defer a.mutex.RUnlock()

	var err error
	a.registry.Iter(func(_ uintptr, b *heapBlock) bool {
		err = b.bump.CheckCorruption()
		if err != nil {
			err = errors.Wrapf(err, "block %d", b.id)
			return true
		}
		return false
	})

	return err
}

// Destroy releases every block back to the BlockSource. Memory handed out by the allocator must
// not be used afterward.
func (a *Allocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.destroyed {
		return errors.WithStack(ErrDestroyed)
	}

	var destroyErr error
	for _, b := range a.orderedBlocks() {
		err := a.releaseBlock(b)
		if err != nil {
			destroyErr = errors.CombineErrors(destroyErr, errors.Wrapf(err, "block %d", b.id))
		}
	}

	a.head = nil
	a.overflow = nil
	a.recycled = nil
	a.full = nil
	a.free = nil
	a.destroyed = true

	return destroyErr
}
