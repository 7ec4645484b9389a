package heap

import (
	"io"
	"strings"
	"sync"

	"github.com/dolthub/swiss"
	"github.com/vkngwrapper/immix/block"
	"github.com/vkngwrapper/immix/internal/utils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific allocator behaviors to activate or deactivate
type CreateFlags int32

const (
	// AllocatorCreateExternallySynchronized ensures that this allocator will not be synchronized
	// internally. The consumer must guarantee it is used from only one goroutine at a time or is
	// synchronized by some other mechanism, but performance may improve because the internal mutex
	// is not used.
	AllocatorCreateExternallySynchronized CreateFlags = 1 << iota
)

var createFlagsMapping = map[CreateFlags]string{
	AllocatorCreateExternallySynchronized: "AllocatorCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	var names []string
	for flag, name := range createFlagsMapping {
		if f&flag != 0 {
			names = append(names, name)
		}
	}

	return strings.Join(names, "|")
}

const (
	// defaultMaxFreeBlocks is the number of entirely-free blocks kept for reuse after a sweep when
	// CreateOptions.MaxFreeBlocks is 0
	defaultMaxFreeBlocks int = 8
)

// CreateOptions contains optional settings when creating an allocator. It is valid to leave all
// the fields blank.
type CreateOptions struct {
	// Flags indicates specific allocator behaviors to activate or deactivate
	Flags CreateFlags
	// BlockSize is the size of every block, in bytes. It must be a power of two. Defaults to
	// block.BlockSize.
	BlockSize int
	// LineSize is the granularity at which block liveness is tracked, in bytes. It must be a
	// power of two no larger than BlockSize. Defaults to block.LineSize.
	LineSize int
	// MaxFreeBlocks is the number of blocks with nothing live in them that Sweep keeps for later
	// allocations instead of releasing. Defaults to 8. Use a negative value to release all of them.
	MaxFreeBlocks int
	// BlockSource provides blocks to the allocator. Defaults to reserving blocks from the
	// operating system.
	BlockSource BlockSource
}

// New creates a new Allocator. logger receives block lifecycle events at debug level and
// failures at error level. A nil logger discards them.
func New(logger *slog.Logger, options CreateOptions) (*Allocator, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard))
	}

	geometry := block.DefaultGeometry
	if options.BlockSize != 0 {
		geometry.BlockSize = options.BlockSize
	}
	if options.LineSize != 0 {
		geometry.LineSize = options.LineSize
	}

	err := geometry.Validate()
	if err != nil {
		return nil, err
	}

	source := options.BlockSource
	if source == nil {
		source = systemSource{}
	}

	maxFreeBlocks := options.MaxFreeBlocks
	if maxFreeBlocks == 0 {
		maxFreeBlocks = defaultMaxFreeBlocks
	} else if maxFreeBlocks < 0 {
		maxFreeBlocks = 0
	}

	allocator := &Allocator{
		logger:        logger,
		geometry:      geometry,
		source:        source,
		createFlags:   options.Flags,
		maxFreeBlocks: maxFreeBlocks,
		registry:      swiss.NewMap[uintptr, *heapBlock](42),
		mutex: utils.OptionalRWMutex{
			UseMutex: options.Flags&AllocatorCreateExternallySynchronized == 0,
			Mutex:    sync.RWMutex{},
		},
	}

	logger.Debug("Allocator::New",
		slog.Int("BlockSize", geometry.BlockSize),
		slog.Int("LineSize", geometry.LineSize),
		slog.Int("MaxFreeBlocks", maxFreeBlocks),
		slog.String("Flags", options.Flags.String()),
	)

	return allocator, nil
}
