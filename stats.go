package blobstore

import (
	"time"
)

// StatsHeader identifies a stats snapshot.
type StatsHeader struct {
	Description string    `json:"description"`
	StoreID     string    `json:"store_id"`
	Timestamp   time.Time `json:"timestamp"`
}

type StoreStats struct {
	Header StatsHeader `json:"header"`

	Segments        []SegmentUsage `json:"segments"`
	UsedBytes       int64          `json:"used_bytes"`
	LiveBytes       int64          `json:"live_bytes"`
	SegmentCapacity int64          `json:"segment_capacity"`

	IndexSegments   int    `json:"index_segments"`
	IndexMemBytes   int    `json:"index_mem_bytes"`
	BloomRejections uint64 `json:"bloom_rejections"`
	JournalEntries  int    `json:"journal_entries"`
	LastSeq         uint64 `json:"last_seq"`

	CompactionState      string `json:"compaction_state"`
	CompactionEnabled    bool   `json:"compaction_enabled"`
	CompactionGeneration uint64 `json:"compaction_generation"`
	HardDeleteEnabled    bool   `json:"hard_delete_enabled"`
	HardDeleteCheckpoint uint64 `json:"hard_delete_checkpoint"`
}

// Stats returns a point-in-time view of the store.
func (s *Store) Stats() (*StoreStats, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}

	s.manifestMu.Lock()
	storeID := s.manifest.StoreID
	generation := s.manifest.Generation
	s.manifestMu.Unlock()

	stats := &StoreStats{
		Header: StatsHeader{
			Description: "blobstore statistics",
			StoreID:     storeID,
			Timestamp:   s.now(),
		},
		Segments:             s.segmentUsage(),
		SegmentCapacity:      s.log.SegmentCapacity(),
		IndexSegments:        len(s.index.Sealed()) + 1,
		IndexMemBytes:        s.index.MemBytes(),
		BloomRejections:      s.index.BloomRejections(),
		JournalEntries:       s.journal.Len(),
		LastSeq:              s.seq.Load(),
		CompactionState:      s.compaction.State().String(),
		CompactionEnabled:    s.compaction.Enabled(),
		CompactionGeneration: generation,
		HardDeleteEnabled:    s.hardDeleter.Enabled(),
		HardDeleteCheckpoint: s.hardDeleter.Checkpoint(),
	}
	for _, seg := range stats.Segments {
		stats.UsedBytes += seg.Used
		stats.LiveBytes += seg.Live
	}
	return stats, nil
}
