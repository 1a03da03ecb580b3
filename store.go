package blobstore

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkv/blobstore/codec"
	"github.com/cqkv/blobstore/index"
	"github.com/cqkv/blobstore/journal"
	"github.com/cqkv/blobstore/metrics"
	"github.com/cqkv/blobstore/model"
	"github.com/cqkv/blobstore/seglog"
	"github.com/cqkv/blobstore/throttle"
	"github.com/gofrs/flock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Store is a single-node persistent blob store: a segmented log, an index
// over it, a journal of recent writes and the background tasks keeping them
// compact and durable.
type Store struct {
	options options
	dir     string
	logger  *zap.Logger
	metrics *metrics.Metrics
	flock   *flock.Flock

	log        *seglog.Log
	index      *index.Index
	indexFiles *index.Files
	journal    *journal.Journal
	zstd       *codec.ZstdCompressor
	throttle   *throttle.Throttler
	gate       *gate

	// writeMu serialises appends so log order, seq order and index order agree
	writeMu sync.Mutex
	seq     atomic.Uint64

	manifestMu sync.Mutex
	manifest   *manifest
	persisted  map[uint64]struct{} // index segments with a file on disk
	synced     model.Location      // log end covered by the last sync

	flusher     *flusher
	compaction  *CompactionManager
	hardDeleter *HardDeleter

	runMu  sync.Mutex
	cancel context.CancelFunc
	group  *errgroup.Group
	closed atomic.Bool
}

// FindToken is the position of a catch-up reader.
type FindToken struct {
	Seq uint64 `json:"seq"`
}

type Entry struct {
	Key   []byte
	Value model.IndexValue
}

func (s *Store) now() time.Time {
	return s.options.clock()
}

func (s *Store) observe(op string, start time.Time, errp *error) {
	result := "ok"
	switch err := *errp; {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrDeleted), errors.Is(err, ErrExpired):
		result = "miss"
	default:
		result = "error"
	}
	s.metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	s.metrics.Operations.WithLabelValues(op, result).Inc()
}

// lookup returns the newest value of key, the journal is consulted first.
func (s *Store) lookup(key []byte) (model.IndexValue, bool) {
	if v, ok := s.journal.Latest(key); ok {
		return v, true
	}
	return s.index.Get(key)
}

// Put stores payload under key, replacing any previous value.
func (s *Store) Put(key, payload []byte, opts ...WriteOption) (loc model.Location, err error) {
	defer s.observe("put", time.Now(), &err)
	if s.closed.Load() {
		return model.Location{}, ErrStoreClosed
	}
	if len(key) == 0 {
		return model.Location{}, ErrEmptyKey
	}
	wo := writeOptions{}
	for _, opt := range opts {
		opt(&wo)
	}

	s.gate.enter()
	defer s.gate.leave()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	record := &model.Record{
		Flags:         model.FlagPut,
		OperationTime: s.now().UnixMilli(),
		ExpiresAt:     expiresAtMillis(wo.expiresAt),
		Key:           key,
		Value:         payload,
	}
	return s.appendRecord(record)
}

// appendRecord writes record with the next sequence number and indexes it.
// writeMu must be held.
func (s *Store) appendRecord(record *model.Record) (model.Location, error) {
	// the index and the journal keep the key
	record.Key = bytes.Clone(record.Key)
	record.Seq = s.seq.Load() + 1
	loc, size, err := s.log.Append(record)
	if err != nil {
		return model.Location{}, translate("append", err)
	}
	s.seq.Store(record.Seq)
	s.apply(record, loc, size)
	return loc, nil
}

// apply folds a record into the index and the journal. It is shared by the
// write path and by replay, which calls it with writeMu unheld before the
// store is published.
func (s *Store) apply(record *model.Record, loc model.Location, size int64) {
	value := model.IndexValue{
		Location:      loc,
		Size:          uint32(size),
		Flags:         record.Flags &^ model.FlagHardDeleted,
		ExpiresAt:     record.ExpiresAt,
		OperationTime: record.OperationTime,
		Seq:           record.Seq,
	}

	switch {
	case record.Flags.IsDelete():
		value.Flags = model.FlagDelete
		if prev, ok := s.lookup(record.Key); ok && !prev.IsDeleted() {
			value.Original = prev.Location
			value.OriginalSize = prev.Size
			value.ExpiresAt = prev.ExpiresAt
		}
	case record.Flags.IsTTLUpdate():
		prev, ok := s.lookup(record.Key)
		if !ok || prev.IsDeleted() {
			return
		}
		prev.ExpiresAt = record.ExpiresAt
		prev.Flags |= model.FlagTTLUpdate
		prev.OperationTime = record.OperationTime
		prev.Seq = record.Seq
		value = prev
	default:
		value.Flags = model.FlagPut
	}

	end := model.Location{SegmentID: loc.SegmentID, Offset: loc.Offset + size}
	if sealed := s.index.Put(record.Key, value, end); sealed != nil {
		s.logger.Debug("index segment sealed", zap.Uint64("segment", sealed.ID()), zap.Int("entries", sealed.Len()))
	}
	s.journal.Record(record.Key, value)
}

// Get returns the live record of key.
func (s *Store) Get(key []byte) (record *model.Record, err error) {
	defer s.observe("get", time.Now(), &err)
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	if len(key) == 0 {
		return nil, ErrEmptyKey
	}

	s.gate.enter()
	defer s.gate.leave()

	value, ok := s.journal.Latest(key)
	if ok {
		s.metrics.JournalHits.Inc()
	} else if value, ok = s.index.Get(key); !ok {
		return nil, ErrNotFound
	}
	if value.IsDeleted() {
		return nil, ErrDeleted
	}
	if model.IsExpired(value.ExpiresAt, s.now()) {
		return nil, ErrExpired
	}

	s.metrics.SegmentReads.Inc()
	record, err = s.log.Read(value.Location)
	if err != nil {
		if errors.Is(err, seglog.ErrCorruptRecord) {
			s.logger.Error("corrupt record", zap.ByteString("key", key), zap.Stringer("location", value.Location))
		}
		return nil, translate("get", err)
	}
	record.ExpiresAt = value.ExpiresAt
	return record, nil
}

// Delete writes a tombstone for key. The payload stays readable on disk until
// the hard deleter scrubs it.
func (s *Store) Delete(key []byte) (err error) {
	defer s.observe("delete", time.Now(), &err)
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	s.gate.enter()
	defer s.gate.leave()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, ok := s.lookup(key)
	if !ok {
		return ErrNotFound
	}
	if prev.IsDeleted() {
		return ErrDeleted
	}

	_, err = s.appendRecord(&model.Record{
		Flags:         model.FlagDelete,
		OperationTime: s.now().UnixMilli(),
		Key:           key,
	})
	return err
}

// UpdateTTL changes the expiration of a live key. A zero time removes it.
func (s *Store) UpdateTTL(key []byte, expiresAt time.Time) (err error) {
	defer s.observe("update_ttl", time.Now(), &err)
	if s.closed.Load() {
		return ErrStoreClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}

	s.gate.enter()
	defer s.gate.leave()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	prev, ok := s.lookup(key)
	switch {
	case !ok:
		return ErrNotFound
	case prev.IsDeleted():
		return ErrDeleted
	case model.IsExpired(prev.ExpiresAt, s.now()):
		return ErrExpired
	}

	_, err = s.appendRecord(&model.Record{
		Flags:         model.FlagTTLUpdate,
		OperationTime: s.now().UnixMilli(),
		ExpiresAt:     expiresAtMillis(expiresAt),
		Key:           key,
	})
	return err
}

// GetEntriesSince returns up to maxCount index entries written after token,
// in write order, and the token to resume from. Recent positions are served
// by the journal, older ones by a walk of the index that yields the latest
// value of each key.
func (s *Store) GetEntriesSince(token FindToken, maxCount int) ([]Entry, FindToken, error) {
	if s.closed.Load() {
		return nil, token, ErrStoreClosed
	}
	if limit := s.journal.Capacity(); maxCount <= 0 || maxCount > limit {
		maxCount = limit
	}
	if token.Seq >= s.seq.Load() {
		return nil, token, nil
	}

	var entries []Entry
	journaled, err := s.journal.EntriesSinceSeq(token.Seq, maxCount)
	switch {
	case err == nil:
		entries = make([]Entry, 0, len(journaled))
		for _, e := range journaled {
			entries = append(entries, Entry{Key: e.Key, Value: e.Value})
		}
	case errors.Is(err, journal.ErrTooOld):
		s.logger.Debug("find token is older than the journal", zap.Uint64("seq", token.Seq))
		for _, e := range s.index.EntriesSince(token.Seq, maxCount) {
			entries = append(entries, Entry{Key: e.Key, Value: e.Value})
		}
	default:
		return nil, token, err
	}

	if n := len(entries); n > 0 {
		token = FindToken{Seq: entries[n-1].Value.Seq}
	}
	return entries, token, nil
}

// EntriesSinceKey returns a cursor over the journal after the latest write of
// key, or ErrTooOld when key is no longer journaled.
func (s *Store) EntriesSinceKey(key []byte) (*journal.Cursor, error) {
	if s.closed.Load() {
		return nil, ErrStoreClosed
	}
	return s.journal.EntriesSince(key)
}

// Start runs the flusher, the compaction manager and the hard deleter until
// Shutdown or until ctx is done.
func (s *Store) Start(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.group, ctx = errgroup.WithContext(ctx)
	s.group.Go(func() error { return s.flusher.run(ctx) })
	s.group.Go(func() error { return s.compaction.run(ctx) })
	s.group.Go(func() error { return s.hardDeleter.run(ctx) })
	s.logger.Info("background tasks started")
	return nil
}

// Shutdown stops the background tasks and waits for them, bounded by ctx.
// In-flight compaction and hard delete work is abandoned at a safe point.
func (s *Store) Shutdown(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return nil
	}

	s.cancel()
	done := make(chan error, 1)
	go func() { done <- s.group.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.cancel, s.group = nil, nil
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	s.logger.Info("background tasks stopped")
	return err
}

func (s *Store) SetCompactionEnabled(enabled bool) {
	s.compaction.SetEnabled(enabled)
}

func (s *Store) SetHardDeleteEnabled(enabled bool) {
	s.hardDeleter.SetEnabled(enabled)
}

// TriggerCompaction runs one compaction cycle now, whether or not periodic
// compaction is enabled.
func (s *Store) TriggerCompaction(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.compaction.Trigger(ctx)
}

// RunHardDelete runs one hard delete cycle now.
func (s *Store) RunHardDelete(ctx context.Context) error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.hardDeleter.RunOnce(ctx)
}

// Flush seals the active index segment and makes everything written so far durable.
func (s *Store) Flush() error {
	if s.closed.Load() {
		return ErrStoreClosed
	}
	return s.flush(true)
}

func (s *Store) CompactionState() CompactionState {
	return s.compaction.State()
}

// Close stops background work, flushes and releases the directory.
func (s *Store) Close() error {
	if s.closed.Load() {
		return nil
	}
	if err := s.Shutdown(context.Background()); err != nil {
		s.logger.Warn("background tasks stopped with error", zap.Error(err))
	}

	err := s.flusher.flushWithRetry(context.Background(), true)
	s.closed.Store(true)
	if closeErr := s.closeFiles(); err == nil {
		err = closeErr
	}
	s.logger.Info("store closed", zap.String("dir", s.dir))
	return err
}

func (s *Store) closeFiles() error {
	var err error
	if s.log != nil {
		err = s.log.Close()
	}
	if s.zstd != nil {
		_ = s.zstd.Close()
	}
	if s.flock != nil {
		if unlockErr := s.flock.Unlock(); err == nil {
			err = unlockErr
		}
	}
	return wrapIO("close", err)
}
