package blobstore

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/cqkv/blobstore/codec"
	"github.com/cqkv/blobstore/fio"
	"github.com/cqkv/blobstore/index"
	"github.com/cqkv/blobstore/journal"
	"github.com/cqkv/blobstore/metrics"
	"github.com/cqkv/blobstore/model"
	"github.com/cqkv/blobstore/seglog"
	"github.com/cqkv/blobstore/throttle"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Open opens or creates the store in dir. The configuration is validated
// before any file is touched. On an existing store the persisted segment
// capacity wins over the configured one.
func Open(dir string, opts ...Option) (*Store, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.cfg.Validate(); err != nil {
		return nil, err
	}
	if o.policy == nil {
		policy, err := NewCompactionPolicy(o.cfg.CompactionPolicyFactory)
		if err != nil {
			return nil, err
		}
		o.policy = policy
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}
	if o.clock == nil {
		o.clock = defaultOptions().clock
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, wrapIO("open", err)
	}
	fl, err := fio.LockDir(dir)
	if errors.Is(err, fio.ErrLocked) {
		return nil, ErrDirIsUsing
	}
	if err != nil {
		return nil, wrapIO("lock directory", err)
	}

	s := &Store{
		options:  o,
		dir:      dir,
		logger:   o.logger.With(zap.String("dir", dir)),
		flock:    fl,
		throttle: throttle.New(o.cfg.CleanupOperationsBytesPerSec),
		gate:     newGate(),
	}
	if err = s.recover(); err != nil {
		_ = s.closeFiles()
		return nil, err
	}

	s.metrics = metrics.New(o.registerer, func() float64 {
		return float64(s.index.BloomRejections())
	})
	s.metrics.LiveSegments.Set(float64(len(s.log.Order())))

	s.flusher = newFlusher(s)
	s.compaction = newCompactionManager(s, o.policy)
	s.hardDeleter, err = newHardDeleter(s)
	if err != nil {
		_ = s.closeFiles()
		return nil, err
	}
	return s, nil
}

func (s *Store) recover() error {
	cfg := s.options.cfg

	m, err := readManifest(s.dir)
	if errors.Is(err, ErrCorruptManifest) {
		return err
	}
	if err != nil {
		return wrapIO("read manifest", err)
	}
	if m == nil {
		m = &manifest{
			Version:         manifestVersion,
			StoreID:         uuid.NewString(),
			SegmentCapacity: cfg.SegmentSizeInBytes,
			NextSegmentID:   1,
			NextIndexID:     1,
		}
		s.logger.Info("creating store", zap.String("store_id", m.StoreID), zap.Int64("segment_capacity", m.SegmentCapacity))
	} else if m.SegmentCapacity != cfg.SegmentSizeInBytes {
		s.logger.Warn("configured segment size differs from the persisted one, keeping the persisted size",
			zap.Int64("configured", cfg.SegmentSizeInBytes),
			zap.Int64("persisted", m.SegmentCapacity))
	}
	s.manifest = m
	s.logger = s.logger.With(zap.String("store_id", m.StoreID))

	if err = s.removeOrphans(m); err != nil {
		return wrapIO("remove orphans", err)
	}

	if s.zstd, err = codec.NewZstdCompressor(); err != nil {
		return err
	}
	s.indexFiles = index.NewFiles(s.dir, s.zstd)

	s.log, err = seglog.Open(seglog.Options{
		Dir:             s.dir,
		SegmentCapacity: m.SegmentCapacity,
		Codec:           s.options.codec,
		Logger:          s.logger.Named("seglog"),
		ReadProbe:       s.options.readProbe,
	}, m.Segments, m.NextSegmentID)
	if err != nil {
		return wrapIO("open log", err)
	}

	sealed, from := s.loadIndex(m)
	s.index = index.New(index.Options{
		MaxElements:    cfg.IndexMaxNumberOfInmemElements,
		MaxMemoryBytes: cfg.IndexMaxMemorySizeBytes,
		FalsePositive:  cfg.IndexBloomMaxFalsePositiveProbability,
	}, sealed, m.NextIndexID)
	s.persisted = make(map[uint64]struct{}, len(sealed))
	for _, seg := range sealed {
		s.persisted[seg.ID()] = struct{}{}
	}
	s.journal = journal.New(cfg.MaxNumberOfEntriesToReturnFromJournal)
	s.seq.Store(m.LastSeq)

	replayed, err := s.replay(from)
	if err != nil {
		return wrapIO("replay log", err)
	}
	s.logger.Info("store recovered",
		zap.Int("segments", len(s.log.Order())),
		zap.Int("index_segments", len(sealed)),
		zap.Int("replayed", replayed),
		zap.Uint64("seq", s.seq.Load()))

	s.log.SetRolloverHook(s.persistManifest)
	return s.persistManifest()
}

// removeOrphans deletes files the manifest does not reference: outputs of an
// interrupted compaction, index files of an uncommitted flush and temp files.
func (s *Store) removeOrphans(m *manifest) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return err
	}

	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		orphan := false
		switch {
		case strings.HasSuffix(name, fio.TempSuffix):
			orphan = true
		case strings.HasSuffix(name, seglog.SegmentFileSuffix):
			id, err := strconv.ParseUint(strings.TrimSuffix(name, seglog.SegmentFileSuffix), 10, 32)
			orphan = err == nil && !slices.Contains(m.Segments, uint32(id))
		case strings.HasSuffix(name, index.FileSuffix):
			id, err := strconv.ParseUint(strings.TrimSuffix(name, index.FileSuffix), 10, 64)
			orphan = err == nil && !slices.Contains(m.IndexSegments, id)
		}
		if !orphan {
			continue
		}
		if err = os.Remove(filepath.Join(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		s.logger.Info("removed orphan file", zap.String("file", name))
		removed++
	}
	if removed > 0 {
		return fio.SyncDir(s.dir)
	}
	return nil
}

// loadIndex reads the persisted index segments. If any of them is unusable
// the index is rebuilt from the whole log.
func (s *Store) loadIndex(m *manifest) ([]*index.Segment, model.Location) {
	sealed := make([]*index.Segment, 0, len(m.IndexSegments))
	for _, id := range m.IndexSegments {
		seg, err := s.indexFiles.Read(id)
		if err != nil {
			s.logger.Error("index segment unreadable, rebuilding the index from the log",
				zap.Uint64("segment", id), zap.Error(err))
			for _, id := range m.IndexSegments {
				_ = s.indexFiles.Remove(id)
			}
			return nil, model.Location{}
		}
		sealed = append(sealed, seg)
	}
	return sealed, m.IndexEnd
}

// replay indexes every record after from, in log order.
func (s *Store) replay(from model.Location) (int, error) {
	order := s.log.Order()
	start, offset := 0, int64(0)
	if !from.IsZero() {
		if pos := slices.Index(order, from.SegmentID); pos >= 0 {
			start, offset = pos, from.Offset
		} else {
			s.logger.Warn("index end is not a live segment, replaying the whole log", zap.Stringer("index_end", from))
		}
	}

	replayed := 0
	for i := start; i < len(order); i++ {
		if i > start {
			offset = 0
		}
		_, err := s.log.Scan(order[i], offset, func(loc model.Location, record *model.Record, size int64, recErr error) error {
			if recErr != nil {
				s.logger.Warn("skipping corrupt record", zap.Stringer("location", loc), zap.Int64("size", size))
				return nil
			}
			if record.Seq > s.seq.Load() {
				s.seq.Store(record.Seq)
			}
			s.apply(record, loc, size)
			replayed++
			return nil
		})
		if errors.Is(err, seglog.ErrCorruptRecord) {
			s.logger.Warn("segment has an unreadable record, skipping its rest", zap.Uint32("segment", order[i]))
			continue
		}
		if err != nil {
			return replayed, err
		}
	}
	return replayed, nil
}

func (s *Store) persistManifest() error {
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()
	return s.writeManifestLocked(s.log.Order(), s.index.Sealed(), s.manifest.Generation)
}

// writeManifestLocked commits order and the persisted prefix of sealed.
// manifestMu must be held.
func (s *Store) writeManifestLocked(order []uint32, sealed []*index.Segment, generation uint64) error {
	m := &manifest{
		Version:         manifestVersion,
		StoreID:         s.manifest.StoreID,
		SegmentCapacity: s.manifest.SegmentCapacity,
		NextSegmentID:   s.log.NextID(),
		Segments:        order,
		NextIndexID:     s.index.NextID(),
		Generation:      generation,
		LastSeq:         s.seq.Load(),
	}
	for _, seg := range sealed {
		if _, ok := s.persisted[seg.ID()]; !ok {
			break
		}
		m.IndexSegments = append(m.IndexSegments, seg.ID())
		m.IndexEnd = seg.End()
	}
	if err := writeManifest(s.dir, m); err != nil {
		return wrapIO("write manifest", err)
	}
	s.manifest = m
	return nil
}
