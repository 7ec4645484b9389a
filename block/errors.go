package block

import "github.com/cockroachdb/errors"

var (
	// ErrBadRequest is returned when a block or line size, which doubles as the block's alignment, is not
	// a power of two
	ErrBadRequest = errors.New("bad block request")

	// ErrOutOfMemory is returned when the operating system could not provide a block. The error
	// reported by the operating system is attached as a secondary error.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrReleased is returned when releasing a block that has already been returned to the
	// operating system
	ErrReleased = errors.New("block has already been released")
)
