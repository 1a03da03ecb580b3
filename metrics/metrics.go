// Package metrics exposes the engine counters of a store to prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	OperationDuration *prometheus.HistogramVec
	Operations        *prometheus.CounterVec
	SegmentReads      prometheus.Counter
	JournalHits       prometheus.Counter
	BloomRejections   prometheus.CounterFunc

	CompactionCycles   *prometheus.CounterVec
	CompactionCopied   prometheus.Counter
	CompactionRetired  prometheus.Counter
	CompactionSkipped  prometheus.Counter
	HardDeletedRecords prometheus.Counter
	HardDeletedBytes   prometheus.Counter
	FlushFailures      prometheus.Counter

	LiveSegments prometheus.Gauge
}

// New registers the store collectors on reg. bloomRejections is sampled on scrape.
func New(reg prometheus.Registerer, bloomRejections func() float64) *Metrics {
	m := &Metrics{
		OperationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blobstore_operation_duration_seconds",
			Help:    "how long a foreground store operation takes",
			Buckets: prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"operation"}),
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobstore_operation_count",
			Help: "number of foreground operations by result",
		}, []string{"operation", "result"}),
		SegmentReads: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_segment_read_count",
			Help: "number of reads that reached a segment file",
		}),
		JournalHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_journal_hit_count",
			Help: "number of reads resolved by the journal",
		}),
		BloomRejections: prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "blobstore_bloom_rejection_count",
			Help: "number of sealed index segments skipped by their bloom filter",
		}, bloomRejections),
		CompactionCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "blobstore_compaction_cycle_count",
			Help: "number of compaction cycles by outcome",
		}, []string{"outcome"}),
		CompactionCopied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_compaction_copied_bytes",
			Help: "bytes copied into compaction output segments",
		}),
		CompactionRetired: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_compaction_retired_segment_count",
			Help: "number of segments retired by compaction",
		}),
		CompactionSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_compaction_corrupt_record_count",
			Help: "corrupt records skipped during compaction scans",
		}),
		HardDeletedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_hard_deleted_record_count",
			Help: "number of records scrubbed by the hard deleter",
		}),
		HardDeletedBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_hard_deleted_bytes",
			Help: "bytes rewritten by the hard deleter",
		}),
		FlushFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "blobstore_flush_failure_count",
			Help: "flush attempts that failed and were retried",
		}),
		LiveSegments: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "blobstore_live_segments",
			Help: "number of segments in the log",
		}),
	}

	reg.MustRegister(
		m.OperationDuration,
		m.Operations,
		m.SegmentReads,
		m.JournalHits,
		m.BloomRejections,
		m.CompactionCycles,
		m.CompactionCopied,
		m.CompactionRetired,
		m.CompactionSkipped,
		m.HardDeletedRecords,
		m.HardDeletedBytes,
		m.FlushFailures,
		m.LiveSegments,
	)
	return m
}
