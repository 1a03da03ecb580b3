package blobstore

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// SegmentUsage describes one log segment to a compaction policy.
type SegmentUsage struct {
	ID       uint32 `json:"id"`
	Position int    `json:"position"`
	Used     int64  `json:"used"`
	Live     int64  `json:"live"`
	Sealed   bool   `json:"sealed"`

	// Eligible segments may be compacted: sealed and fully covered by the
	// persisted index.
	Eligible bool `json:"eligible"`
}

// CompactionStats is the input of a compaction policy.
type CompactionStats struct {
	SegmentCapacity        int64
	Segments               []SegmentUsage // log order
	UsedCapacityPercentage float64
	MinSegmentsToReclaim   int
	SinceLastCompaction    time.Duration
}

// CompactionPolicy picks the segments to compact. It returns segment ids,
// the manager drops ineligible ones and groups the rest into contiguous runs.
type CompactionPolicy interface {
	SelectCandidates(stats CompactionStats) []uint32
}

type CompactionPolicyFactory func() CompactionPolicy

var (
	policyMu        sync.RWMutex
	policyFactories = map[string]CompactionPolicyFactory{
		"default":      func() CompactionPolicy { return DefaultPolicy{} },
		"most-garbage": func() CompactionPolicy { return MostGarbagePolicy{} },
	}
)

// RegisterCompactionPolicy makes a policy selectable by name from the config.
func RegisterCompactionPolicy(name string, factory CompactionPolicyFactory) {
	policyMu.Lock()
	defer policyMu.Unlock()
	policyFactories[name] = factory
}

func NewCompactionPolicy(name string) (CompactionPolicy, error) {
	policyMu.RLock()
	factory, ok := policyFactories[name]
	policyMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPolicy, name)
	}
	return factory(), nil
}

// DefaultPolicy picks the contiguous run of eligible segments that frees the
// most segments once its live data is packed. Ties go to the run copying
// the fewest bytes, then to the oldest one.
type DefaultPolicy struct{}

func (DefaultPolicy) SelectCandidates(stats CompactionStats) []uint32 {
	capacity := stats.SegmentCapacity
	if capacity <= 0 {
		return nil
	}
	minReclaim := max(stats.MinSegmentsToReclaim, 1)

	segs := stats.Segments
	bestStart, bestLen, bestReclaim := -1, 0, 0
	var bestLive int64
	for i := range segs {
		var live int64
		for j := i; j < len(segs) && segs[j].Eligible; j++ {
			if j > i && segs[j].Position != segs[j-1].Position+1 {
				break
			}
			live += segs[j].Live
			needed := int((live + capacity - 1) / capacity)
			reclaim := j - i + 1 - needed
			if reclaim > bestReclaim || (reclaim == bestReclaim && reclaim > 0 && live < bestLive) {
				bestStart, bestLen, bestReclaim, bestLive = i, j-i+1, reclaim, live
			}
		}
	}
	if bestStart < 0 || bestReclaim < minReclaim {
		return nil
	}

	ids := make([]uint32, 0, bestLen)
	for _, seg := range segs[bestStart : bestStart+bestLen] {
		ids = append(ids, seg.ID)
	}
	return ids
}

// MostGarbagePolicy picks every eligible segment holding garbage, most
// garbage first. It frees bytes even when no whole segment can be reclaimed.
type MostGarbagePolicy struct{}

func (MostGarbagePolicy) SelectCandidates(stats CompactionStats) []uint32 {
	var picked []SegmentUsage
	for _, seg := range stats.Segments {
		if seg.Eligible && seg.Live < seg.Used {
			picked = append(picked, seg)
		}
	}
	sort.SliceStable(picked, func(i, j int) bool {
		return picked[i].Used-picked[i].Live > picked[j].Used-picked[j].Live
	})

	ids := make([]uint32, 0, len(picked))
	for _, seg := range picked {
		ids = append(ids, seg.ID)
	}
	return ids
}
