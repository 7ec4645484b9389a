package block

import (
	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/immix/memutils"
)

const (
	// BlockSizeBits is log2 of the default block size. 32KiB is the block size the Immix paper
	// found to work best.
	BlockSizeBits = 15
	BlockSize     = 1 << BlockSizeBits
	LineSizeBits  = 7
	LineSize      = 1 << LineSizeBits
	LineCount     = BlockSize / LineSize
)

// Geometry fixes the block and line sizes used by every block of one allocator. Both sizes are powers
// of two, and a block is always aligned to its own size.
type Geometry struct {
	BlockSize int
	LineSize  int
}

// DefaultGeometry is the 32KiB block, 128 byte line geometry
var DefaultGeometry = Geometry{BlockSize: BlockSize, LineSize: LineSize}

// NewGeometry builds a Geometry, returning an error marked as ErrBadRequest if either size is not
// a power of two or if a line would be larger than a block
func NewGeometry(blockSize, lineSize int) (Geometry, error) {
	geometry := Geometry{BlockSize: blockSize, LineSize: lineSize}
	err := geometry.Validate()
	if err != nil {
		return Geometry{}, err
	}

	return geometry, nil
}

// Validate returns an error marked as ErrBadRequest if this geometry cannot describe a block
func (g Geometry) Validate() error {
	if g.BlockSize <= 0 || g.LineSize <= 0 {
		return errors.Wrapf(ErrBadRequest, "block size %d and line size %d must be positive", g.BlockSize, g.LineSize)
	}

	err := memutils.CheckPow2(g.BlockSize, "block size")
	if err != nil {
		return errors.Mark(err, ErrBadRequest)
	}

	err = memutils.CheckPow2(g.LineSize, "line size")
	if err != nil {
		return errors.Mark(err, ErrBadRequest)
	}

	if g.LineSize > g.BlockSize {
		return errors.Wrapf(ErrBadRequest, "line size %d is larger than block size %d", g.LineSize, g.BlockSize)
	}

	return nil
}

// LineCount is the number of lines in one block
func (g Geometry) LineCount() int { return g.BlockSize / g.LineSize }

// LineOf returns the index of the line containing the byte at offset
func (g Geometry) LineOf(offset int) int { return offset / g.LineSize }

// LineOffset returns the byte offset of the first byte of line
func (g Geometry) LineOffset(line int) int { return line * g.LineSize }
