package blobstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func usage(live ...int64) []SegmentUsage {
	segs := make([]SegmentUsage, 0, len(live))
	for i, l := range live {
		segs = append(segs, SegmentUsage{
			ID:       uint32(i + 1),
			Position: i,
			Used:     100,
			Live:     l,
			Sealed:   true,
			Eligible: true,
		})
	}
	return segs
}

func TestDefaultPolicy_PicksBestRun(t *testing.T) {
	stats := CompactionStats{
		SegmentCapacity:      100,
		Segments:             usage(100, 30, 30, 30, 100),
		MinSegmentsToReclaim: 1,
	}
	assert.Equal(t, []uint32{2, 3, 4}, DefaultPolicy{}.SelectCandidates(stats))
}

func TestDefaultPolicy_OldestFirst(t *testing.T) {
	segs := usage(50, 50, 100, 50, 50)
	segs[2].Eligible = false
	stats := CompactionStats{
		SegmentCapacity:      100,
		Segments:             segs,
		MinSegmentsToReclaim: 1,
	}
	assert.Equal(t, []uint32{1, 2}, DefaultPolicy{}.SelectCandidates(stats))
}

func TestDefaultPolicy_MinReclaim(t *testing.T) {
	stats := CompactionStats{
		SegmentCapacity:      100,
		Segments:             usage(50, 50, 100),
		MinSegmentsToReclaim: 2,
	}
	assert.Empty(t, DefaultPolicy{}.SelectCandidates(stats))

	stats.MinSegmentsToReclaim = 1
	assert.Equal(t, []uint32{1, 2}, DefaultPolicy{}.SelectCandidates(stats))
}

func TestDefaultPolicy_SkipsIneligible(t *testing.T) {
	segs := usage(0, 0, 0)
	segs[1].Eligible = false
	stats := CompactionStats{SegmentCapacity: 100, Segments: segs, MinSegmentsToReclaim: 1}
	assert.Equal(t, []uint32{1}, DefaultPolicy{}.SelectCandidates(stats))
}

func TestMostGarbagePolicy(t *testing.T) {
	stats := CompactionStats{
		SegmentCapacity: 100,
		Segments:        usage(90, 10, 100, 50),
	}
	assert.Equal(t, []uint32{2, 4, 1}, MostGarbagePolicy{}.SelectCandidates(stats))
}

func TestGroupRuns(t *testing.T) {
	segs := usage(0, 0, 0, 0, 0, 0)
	segs[5].Eligible = false

	runs := groupRuns(segs, []uint32{5, 1, 2, 4, 6, 2, 42})
	assert.Equal(t, [][]uint32{{1, 2}, {4, 5}}, runs)
	assert.Empty(t, groupRuns(segs, nil))
}

func TestNewCompactionPolicy(t *testing.T) {
	policy, err := NewCompactionPolicy("default")
	require.NoError(t, err)
	assert.IsType(t, DefaultPolicy{}, policy)

	policy, err = NewCompactionPolicy("most-garbage")
	require.NoError(t, err)
	assert.IsType(t, MostGarbagePolicy{}, policy)

	_, err = NewCompactionPolicy("unknown")
	assert.ErrorIs(t, err, ErrUnknownPolicy)

	RegisterCompactionPolicy("never", func() CompactionPolicy { return neverPolicy{} })
	policy, err = NewCompactionPolicy("never")
	require.NoError(t, err)
	assert.IsType(t, neverPolicy{}, policy)
}

type neverPolicy struct{}

func (neverPolicy) SelectCandidates(CompactionStats) []uint32 { return nil }

func TestStore_WithCompactionPolicy(t *testing.T) {
	s := compactionConfigStore(t, t.TempDir(), WithCompactionPolicy(neverPolicy{}))
	defer s.Close()
	fillWithGarbage(t, s)

	before := s.log.Order()
	require.NoError(t, s.TriggerCompaction(testContext(t)))
	assert.Equal(t, before, s.log.Order())
}
