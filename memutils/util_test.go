package memutils_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/drmbuf/memutils"
)

func TestAlignmentPadding(t *testing.T) {
	require.Equal(t, uint64(0), memutils.AlignmentPadding(100, 0))
	require.Equal(t, uint64(0), memutils.AlignmentPadding(96, 16))
	require.Equal(t, uint64(12), memutils.AlignmentPadding(100, 16))
	require.Equal(t, uint64(2), memutils.AlignmentPadding(100, 3))
}

func TestAddNoWrap(t *testing.T) {
	sum, ok := memutils.AddNoWrap(math.MaxUint64-5, 5)
	require.True(t, ok)
	require.Equal(t, uint64(math.MaxUint64), sum)

	_, ok = memutils.AddNoWrap(math.MaxUint64-5, 6)
	require.False(t, ok)
}

func TestCheckPow2(t *testing.T) {
	require.NoError(t, memutils.CheckPow2(uint64(1)<<32, "size"))
	require.NoError(t, memutils.CheckPow2(uint32(64), "alignment"))
	require.ErrorIs(t, memutils.CheckPow2(12, "alignment"), memutils.PowerOfTwoError)
}

func TestDetailedStatistics(t *testing.T) {
	var stats memutils.DetailedStatistics
	stats.Clear()
	stats.AddAllocation(100)
	stats.AddAllocation(20)
	stats.AddUnusedRange(50)

	var other memutils.DetailedStatistics
	other.Clear()
	other.AddUnusedRange(5)
	other.BlockCount = 1
	other.BlockBytes = 5

	stats.AddDetailedStatistics(&other)

	require.Equal(t, memutils.DetailedStatistics{
		Statistics: memutils.Statistics{
			BlockCount:      1,
			BlockBytes:      5,
			AllocationCount: 2,
			AllocationBytes: 120,
		},
		UnusedRangeCount:   2,
		AllocationSizeMin:  20,
		AllocationSizeMax:  100,
		UnusedRangeSizeMin: 5,
		UnusedRangeSizeMax: 50,
	}, stats)
}
