package heap

import "github.com/vkngwrapper/immix/block"

//go:generate mockgen -source source.go -destination ./mocks/source.go -package mock_heap

// BlockSource is where an Allocator gets its blocks from and returns them to. The default source
// reserves them from the operating system with block.New.
type BlockSource interface {
	// AcquireBlock returns a block of exactly size bytes aligned to size, or an error marked as
	// block.ErrOutOfMemory if none is available
	AcquireBlock(size int) (*block.Block, error)
	// ReleaseBlock returns a block previously obtained from AcquireBlock
	ReleaseBlock(b *block.Block) error
}

type systemSource struct{}

func (systemSource) AcquireBlock(size int) (*block.Block, error) {
	return block.New(size)
}

func (systemSource) ReleaseBlock(b *block.Block) error {
	return b.Release()
}
