//go:build debug_immix

package bump_test

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/immix/block"
	"github.com/vkngwrapper/immix/memutils"
)

func TestCheckCorruptionDetectsOverrun(t *testing.T) {
	b := newBlock(t, block.BlockSize)

	first, ok := b.InnerAlloc(24)
	require.True(t, ok)
	second, ok := b.InnerAlloc(40)
	require.True(t, ok)
	require.Equal(t, 24+memutils.DebugMargin, b.Block().Offset(second)-b.Block().Offset(first))
	require.NoError(t, b.CheckCorruption())

	// One byte past the 24 granted bytes lands in the margin
	*(*byte)(unsafe.Add(first, 24)) = 0
	require.Error(t, b.CheckCorruption())
}

func TestCheckCorruptionForgetsRecycledAllocations(t *testing.T) {
	b := newBlock(t, 4*128)

	ptr, ok := b.InnerAlloc(8)
	require.True(t, ok)
	*(*byte)(unsafe.Add(ptr, 8)) = 0
	require.Error(t, b.CheckCorruption())

	b.Reset()
	require.NoError(t, b.CheckCorruption())
}
