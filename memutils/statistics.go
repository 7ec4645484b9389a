package memutils

import "math"

// Statistics is a running total of block usage. Blocks, metadata and allocators all know how to
// add their own numbers to a Statistics object, so a caller can sum over any set of them.
type Statistics struct {
	BlockCount      int
	BlockBytes      int
	MarkedLineCount int
	AllocationCount int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.BlockCount = 0
	s.BlockBytes = 0
	s.MarkedLineCount = 0
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.BlockCount += other.BlockCount
	s.BlockBytes += other.BlockBytes
	s.MarkedLineCount += other.MarkedLineCount
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// DetailedStatistics extends Statistics with the shape of the free space: the number of holes
// and the range of their sizes, as well as the range of allocation sizes.
type DetailedStatistics struct {
	Statistics
	HoleCount         int
	HoleBytes         int
	HoleSizeMin       int
	HoleSizeMax       int
	AllocationSizeMin int
	AllocationSizeMax int
}

func (s *DetailedStatistics) Clear() {
	s.Statistics.Clear()
	s.HoleCount = 0
	s.HoleBytes = 0
	s.HoleSizeMin = math.MaxInt
	s.HoleSizeMax = 0
	s.AllocationSizeMin = math.MaxInt
	s.AllocationSizeMax = 0
}

func (s *DetailedStatistics) AddHole(size int) {
	s.HoleCount++
	s.HoleBytes += size

	if size < s.HoleSizeMin {
		s.HoleSizeMin = size
	}

	if size > s.HoleSizeMax {
		s.HoleSizeMax = size
	}
}

// AddAllocationRange folds in a batch of count allocations totalling bytes whose sizes fell
// between minSize and maxSize. It is a no-op when count is 0.
func (s *DetailedStatistics) AddAllocationRange(count, bytes, minSize, maxSize int) {
	if count == 0 {
		return
	}

	s.AllocationCount += count
	s.AllocationBytes += bytes

	if minSize < s.AllocationSizeMin {
		s.AllocationSizeMin = minSize
	}

	if maxSize > s.AllocationSizeMax {
		s.AllocationSizeMax = maxSize
	}
}

func (s *DetailedStatistics) AddDetailedStatistics(other *DetailedStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.HoleCount += other.HoleCount
	s.HoleBytes += other.HoleBytes

	if other.HoleSizeMin < s.HoleSizeMin {
		s.HoleSizeMin = other.HoleSizeMin
	}

	if other.HoleSizeMax > s.HoleSizeMax {
		s.HoleSizeMax = other.HoleSizeMax
	}

	if other.AllocationSizeMin < s.AllocationSizeMin {
		s.AllocationSizeMin = other.AllocationSizeMin
	}

	if other.AllocationSizeMax > s.AllocationSizeMax {
		s.AllocationSizeMax = other.AllocationSizeMax
	}
}
