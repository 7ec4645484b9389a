package metadata_test

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/immix/block"
	"github.com/vkngwrapper/immix/memutils"
	"github.com/vkngwrapper/immix/metadata"
)

type hole struct {
	Cursor int
	Limit  int
}

func newMeta(t *testing.T, blockSize int, marked ...int) *metadata.BlockMeta {
	geometry, err := block.NewGeometry(blockSize, 128)
	require.NoError(t, err)

	meta := metadata.NewBlockMeta(geometry)
	for _, line := range marked {
		meta.MarkLine(line)
	}

	return meta
}

func collectHoles(t *testing.T, meta *metadata.BlockMeta) []hole {
	var holes []hole
	err := meta.VisitHoles(func(cursor, limit int) error {
		holes = append(holes, hole{Cursor: cursor, Limit: limit})
		return nil
	})
	require.NoError(t, err)

	return holes
}

func TestFindHoleUnmarkedBlock(t *testing.T) {
	meta := metadata.NewBlockMeta(block.DefaultGeometry)

	cursor, limit, ok := meta.FindNextAvailableHole(0)
	require.True(t, ok)
	require.Equal(t, 0, cursor)
	require.Equal(t, block.BlockSize, limit)

	_, _, ok = meta.FindNextAvailableHole(limit)
	require.False(t, ok)
}

func TestFindHoleFullyMarkedBlock(t *testing.T) {
	meta := metadata.NewBlockMeta(block.DefaultGeometry)
	for line := 0; line < meta.LineCount(); line++ {
		meta.MarkLine(line)
	}

	_, _, ok := meta.FindNextAvailableHole(0)
	require.False(t, ok)
	require.Empty(t, collectHoles(t, meta))
}

func TestFindHoleToyBlock(t *testing.T) {
	meta := newMeta(t, 512, 1)

	cursor, limit, ok := meta.FindNextAvailableHole(0)
	require.True(t, ok)
	require.Equal(t, 0, cursor)
	require.Equal(t, 128, limit)

	// Line 2 follows a marked line and is reserved
	cursor, limit, ok = meta.FindNextAvailableHole(limit)
	require.True(t, ok)
	require.Equal(t, 384, cursor)
	require.Equal(t, 512, limit)

	_, _, ok = meta.FindNextAvailableHole(limit)
	require.False(t, ok)
}

func TestFindHoleEnumeratesInOrder(t *testing.T) {
	meta := newMeta(t, 16*128, 3, 4, 9)

	require.Equal(t, []hole{
		{Cursor: 0, Limit: 3 * 128},
		{Cursor: 6 * 128, Limit: 9 * 128},
		{Cursor: 11 * 128, Limit: 16 * 128},
	}, collectHoles(t, meta))
}

func TestFindHoleSkipsSingleLineGaps(t *testing.T) {
	// Line 2 is the only unmarked line in its run, so it is reserved and yields no hole
	meta := newMeta(t, 8*128, 0, 1, 3, 4)

	require.Equal(t, []hole{
		{Cursor: 6 * 128, Limit: 8 * 128},
	}, collectHoles(t, meta))
}

func TestFindHoleMarkedFirstLine(t *testing.T) {
	meta := newMeta(t, 4*128, 0)

	cursor, limit, ok := meta.FindNextAvailableHole(0)
	require.True(t, ok)
	require.Equal(t, 2*128, cursor)
	require.Equal(t, 4*128, limit)
}

func TestFindHoleLastLineOnly(t *testing.T) {
	// Line 3 is reserved, so the run of one unmarked line at the end yields nothing
	meta := newMeta(t, 4*128, 0, 1, 2)

	_, _, ok := meta.FindNextAvailableHole(0)
	require.False(t, ok)
}

func TestFindHoleStartingMidLine(t *testing.T) {
	meta := newMeta(t, 8*128, 4)

	// Starting inside line 1, which is unmarked and not line 0, reserves line 1
	cursor, limit, ok := meta.FindNextAvailableHole(128 + 17)
	require.True(t, ok)
	require.Equal(t, 2*128, cursor)
	require.Equal(t, 4*128, limit)
}

func TestFindHoleNegativeStart(t *testing.T) {
	meta := newMeta(t, 8*128, 4)

	cursor, limit, ok := meta.FindNextAvailableHole(-300)
	require.True(t, ok)
	require.Equal(t, 0, cursor)
	require.Equal(t, 4*128, limit)
}

func TestMarkRegion(t *testing.T) {
	meta := newMeta(t, 8*128)
	require.False(t, meta.BlockMarked())

	meta.MarkRegion(120, 16)
	require.True(t, meta.BlockMarked())
	require.True(t, meta.IsLineMarked(0))
	require.True(t, meta.IsLineMarked(1))
	require.False(t, meta.IsLineMarked(2))
	require.Equal(t, 2, meta.MarkedLineCount())

	meta.MarkRegion(7*128, 1000)
	require.True(t, meta.IsLineMarked(7))
	require.Equal(t, 3, meta.MarkedLineCount())

	meta.MarkRegion(512, 0)
	require.False(t, meta.IsLineMarked(4))

	require.NoError(t, meta.Validate())

	meta.Clear()
	require.False(t, meta.BlockMarked())
	require.Zero(t, meta.MarkedLineCount())
	require.NoError(t, meta.Validate())
}

func TestValidateBlockMark(t *testing.T) {
	meta := newMeta(t, 4*128)
	meta.SetBlockMark(true)
	require.Error(t, meta.Validate())

	meta.SetBlockMark(false)
	require.NoError(t, meta.Validate())
}

func TestVisitHolesStopsOnError(t *testing.T) {
	meta := newMeta(t, 16*128, 3, 4, 9)
	stop := errors.New("stop")

	var visited int
	err := meta.VisitHoles(func(cursor, limit int) error {
		visited++
		return stop
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 1, visited)
}

func TestDetailedStatistics(t *testing.T) {
	meta := newMeta(t, 16*128, 3, 4, 9)

	var stats memutils.DetailedStatistics
	stats.Clear()
	meta.AddDetailedStatistics(&stats)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      16 * 128,
			MarkedLineCount: 3,
		},
		HoleCount:         3,
		HoleBytes:         11 * 128,
		HoleSizeMin:       3 * 128,
		HoleSizeMax:       5 * 128,
		AllocationSizeMin: math.MaxInt,
		AllocationSizeMax: 0,
	}, stats)
}

func TestBlockJsonData(t *testing.T) {
	meta := newMeta(t, 512, 1)

	writer := jwriter.NewWriter()
	obj := writer.Object()
	meta.BlockJsonData(obj)
	obj.End()
	require.NoError(t, writer.Error())

	var out struct {
		TotalBytes  int
		LineSize    int
		Marked      bool
		MarkedLines int
		Holes       []struct {
			Offset int
			Size   int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &out))

	require.Equal(t, 512, out.TotalBytes)
	require.Equal(t, 128, out.LineSize)
	require.True(t, out.Marked)
	require.Equal(t, 1, out.MarkedLines)
	require.Len(t, out.Holes, 2)
	require.Equal(t, 0, out.Holes[0].Offset)
	require.Equal(t, 128, out.Holes[0].Size)
	require.Equal(t, 384, out.Holes[1].Offset)
	require.Equal(t, 128, out.Holes[1].Size)
}
