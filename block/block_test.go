package block_test

import (
	"testing"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/immix/block"
	"github.com/vkngwrapper/immix/memutils"
)

func TestNewBlockIsSelfAligned(t *testing.T) {
	for _, size := range []int{128, 512, 4096, block.BlockSize, 1 << 20} {
		b, err := block.New(size)
		require.NoError(t, err)

		require.Equal(t, size, b.Size())
		require.Zero(t, uintptr(b.Addr())%uintptr(size), "block of size %d is not self-aligned", size)

		require.NoError(t, b.Release())
	}
}

func TestNewBlockBadRequest(t *testing.T) {
	for _, size := range []int{0, -8, 3, 1000, block.BlockSize + 1} {
		b, err := block.New(size)
		require.Nil(t, b)
		require.Error(t, err)
		require.True(t, errors.Is(err, block.ErrBadRequest), "size %d: %+v", size, err)
		require.False(t, errors.Is(err, block.ErrOutOfMemory))
	}

	_, err := block.New(24)
	require.True(t, errors.Is(err, memutils.PowerOfTwoError))
}

func TestBlockMemoryIsWritable(t *testing.T) {
	b, err := block.New(block.BlockSize)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, b.Release())
	}()

	data := b.Bytes()
	require.Len(t, data, block.BlockSize)

	for i := range data {
		data[i] = byte(i)
	}

	require.Equal(t, byte(0), data[0])
	last := block.BlockSize - 1
	require.Equal(t, byte(last), data[last])
	require.Equal(t, unsafe.Pointer(&data[0]), b.Addr())
}

func TestBlockContains(t *testing.T) {
	b, err := block.New(4096)
	require.NoError(t, err)

	base := b.Addr()
	require.True(t, b.Contains(base))
	require.True(t, b.Contains(unsafe.Add(base, 4095)))
	require.False(t, b.Contains(unsafe.Add(base, 4096)))
	require.Equal(t, 100, b.Offset(unsafe.Add(base, 100)))

	require.NoError(t, b.Release())
	require.False(t, b.Contains(base))
}

func TestBlockReleaseOnce(t *testing.T) {
	b, err := block.New(block.BlockSize)
	require.NoError(t, err)
	require.False(t, b.IsReleased())

	require.NoError(t, b.Release())
	require.True(t, b.IsReleased())
	require.Nil(t, b.Bytes())
	require.True(t, b.Addr() == nil)

	err = b.Release()
	require.Error(t, err)
	require.True(t, errors.Is(err, block.ErrReleased))
}

func TestFromBytes(t *testing.T) {
	backing, err := block.New(4096)
	require.NoError(t, err)
	defer func() {
		require.NoError(t, backing.Release())
	}()

	aligned, err := block.FromBytes(backing.Bytes()[2048:])
	require.NoError(t, err)
	require.Equal(t, 2048, aligned.Size())
	require.Equal(t, unsafe.Add(backing.Addr(), 2048), aligned.Addr())
	require.True(t, aligned.IsSelfAligned())

	misaligned, err := block.FromBytes(backing.Bytes()[1024:3072])
	require.NoError(t, err)
	require.False(t, misaligned.IsSelfAligned())

	// Releasing a borrowed block leaves the memory to its owner
	require.NoError(t, misaligned.Release())
	require.True(t, misaligned.IsReleased())
	require.True(t, errors.Is(misaligned.Release(), block.ErrReleased))
	backing.Bytes()[1024] = 1

	_, err = block.FromBytes(backing.Bytes()[:3000])
	require.True(t, errors.Is(err, block.ErrBadRequest))
	_, err = block.FromBytes(nil)
	require.True(t, errors.Is(err, block.ErrBadRequest))
}
