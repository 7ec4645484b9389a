package metadata

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/pkg/errors"
	"github.com/vkngwrapper/immix/block"
	"github.com/vkngwrapper/immix/memutils"
)

// BlockMeta is the mark state of a single block: one flag per line, and one flag for the block as
// a whole. The mark phase of a collector sets flags for every line touched by a reachable object,
// and the allocator reads them back through FindNextAvailableHole to find runs of lines that can be
// reused. The allocation path never writes marks.
//
// BlockMeta is not synchronized. Marks must not be written while an allocator is reading them.
type BlockMeta struct {
	geometry  block.Geometry
	lineMark  []bool
	blockMark bool
}

// NewBlockMeta creates metadata with every line unmarked for a block of the provided geometry
func NewBlockMeta(geometry block.Geometry) *BlockMeta {
	memutils.DebugCheckPow2(geometry.BlockSize, "geometry.BlockSize")
	memutils.DebugCheckPow2(geometry.LineSize, "geometry.LineSize")

	return &BlockMeta{
		geometry: geometry,
		lineMark: make([]bool, geometry.LineCount()),
	}
}

// Geometry returns the geometry this metadata was created with
func (m *BlockMeta) Geometry() block.Geometry { return m.geometry }

// LineCount returns the number of lines tracked
func (m *BlockMeta) LineCount() int { return len(m.lineMark) }

// BlockMarked returns true if the block has any marked lines. If this is false after a mark phase,
// nothing in the block is live and the block can be released or reused from scratch.
func (m *BlockMeta) BlockMarked() bool { return m.blockMark }

// SetBlockMark sets the block-level mark
func (m *BlockMeta) SetBlockMark(marked bool) { m.blockMark = marked }

// IsLineMarked returns the mark of a single line
func (m *BlockMeta) IsLineMarked(line int) bool { return m.lineMark[line] }

// MarkLine marks a single line and the block
func (m *BlockMeta) MarkLine(line int) {
	m.lineMark[line] = true
	m.blockMark = true
}

// MarkRegion marks every line overlapped by the size bytes starting at offset, as well as the
// block. Nothing is marked when size is not positive.
func (m *BlockMeta) MarkRegion(offset, size int) {
	if size <= 0 {
		return
	}

	first := m.geometry.LineOf(offset)
	last := m.geometry.LineOf(offset + size - 1)
	if last >= len(m.lineMark) {
		last = len(m.lineMark) - 1
	}

	for line := first; line <= last; line++ {
		m.lineMark[line] = true
	}
	m.blockMark = true
}

// Clear unmarks every line and the block, in preparation for a new mark phase
func (m *BlockMeta) Clear() {
	for i := range m.lineMark {
		m.lineMark[i] = false
	}
	m.blockMark = false
}

// MarkedLineCount returns the number of marked lines
func (m *BlockMeta) MarkedLineCount() int {
	var count int
	for _, marked := range m.lineMark {
		if marked {
			count++
		}
	}

	return count
}

// FindNextAvailableHole scans forward from the line containing startingAt and returns the byte
// offsets of the first hole it finds: a run of unmarked lines that allocation can bump through.
// ok is false if there is no hole between startingAt and the end of the block.
//
// Marking is conservative: an object may spill over the end of the last line it marked. So the
// first unmarked line after a marked one is treated as if it were marked, and a hole starts at the
// line after it. Line 0 has no preceding line and is never skipped. A negative startingAt scans
// from the start of the block.
func (m *BlockMeta) FindNextAvailableHole(startingAt int) (cursor, limit int, ok bool) {
	lineCount := len(m.lineMark)
	startingLine := 0
	if startingAt > 0 {
		startingLine = m.geometry.LineOf(startingAt)
	}

	var count, stop int
	start := -1

	for line := startingLine; line < lineCount; line++ {
		marked := m.lineMark[line]

		if !marked {
			count++

			if count == 1 && line > 0 {
				continue
			}

			if start < 0 {
				start = line
			}
			stop = line + 1
		}

		// A run ends at a marked line or at the end of the block
		if count > 0 && (marked || stop >= lineCount) && start >= 0 {
			return m.geometry.LineOffset(start), m.geometry.LineOffset(stop), true
		}

		if marked {
			count = 0
			start = -1
		}
	}

	return 0, 0, false
}

// VisitHoles calls visit once for each hole in the block, in increasing order of offset. If visit
// returns an error, iteration stops and the error is returned.
func (m *BlockMeta) VisitHoles(visit func(cursor, limit int) error) error {
	offset := 0
	for {
		cursor, limit, ok := m.FindNextAvailableHole(offset)
		if !ok {
			return nil
		}

		err := visit(cursor, limit)
		if err != nil {
			return err
		}

		offset = limit
	}
}

// Validate performs internal consistency checks on the metadata
func (m *BlockMeta) Validate() error {
	if err := m.geometry.Validate(); err != nil {
		return err
	}

	if len(m.lineMark) != m.geometry.LineCount() {
		return errors.Errorf("metadata tracks %d lines, but the block has %d lines", len(m.lineMark), m.geometry.LineCount())
	}

	markedLines := m.MarkedLineCount()
	if markedLines > 0 && !m.blockMark {
		return errors.Errorf("%d lines are marked, but the block is not marked", markedLines)
	}
	if markedLines == 0 && m.blockMark {
		return errors.New("the block is marked, but none of its lines are marked")
	}

	previousLimit := 0
	return m.VisitHoles(func(cursor, limit int) error {
		if cursor < previousLimit {
			return errors.Errorf("hole at offset %d overlaps the previous hole ending at %d", cursor, previousLimit)
		}
		if limit <= cursor || limit > m.geometry.BlockSize {
			return errors.Errorf("hole [%d, %d) is out of bounds for a %d byte block", cursor, limit, m.geometry.BlockSize)
		}
		previousLimit = limit
		return nil
	})
}

// AddStatistics sums this block's mark statistics into stats
func (m *BlockMeta) AddStatistics(stats *memutils.Statistics) {
	stats.BlockCount++
	stats.BlockBytes += m.geometry.BlockSize
	stats.MarkedLineCount += m.MarkedLineCount()
}

// AddDetailedStatistics sums this block's mark statistics, along with the size of each hole, into
// stats
func (m *BlockMeta) AddDetailedStatistics(stats *memutils.DetailedStatistics) {
	m.AddStatistics(&stats.Statistics)

	_ = m.VisitHoles(func(cursor, limit int) error {
		stats.AddHole(limit - cursor)
		return nil
	})
}

// BlockJsonData populates a json object with information about this block's marks and holes
func (m *BlockMeta) BlockJsonData(json jwriter.ObjectState) {
	json.Name("TotalBytes").Int(m.geometry.BlockSize)
	json.Name("LineSize").Int(m.geometry.LineSize)
	json.Name("Marked").Bool(m.blockMark)
	json.Name("MarkedLines").Int(m.MarkedLineCount())

	holes := json.Name("Holes").Array()
	defer holes.End()

	_ = m.VisitHoles(func(cursor, limit int) error {
		obj := holes.Object()
		defer obj.End()

		obj.Name("Offset").Int(cursor)
		obj.Name("Size").Int(limit - cursor)
		return nil
	})
}
