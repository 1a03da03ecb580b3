package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkv/blobstore/fio"
	"github.com/cqkv/blobstore/model"
	"github.com/cqkv/blobstore/seglog"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protowire"
)

const checkpointName = "HARD_DELETE_CHECKPOINT"

// HardDeleter zeroes the payload of deleted records once their tombstone is
// older than the retention period. Tombstones are processed in write order
// and a persisted checkpoint remembers the last one handled.
type HardDeleter struct {
	store      *Store
	logger     *zap.Logger
	enabled    atomic.Bool
	running    sync.Mutex
	checkpoint atomic.Uint64
}

func newHardDeleter(s *Store) (*HardDeleter, error) {
	hd := &HardDeleter{
		store:  s,
		logger: s.logger.Named("hard_delete"),
	}
	hd.enabled.Store(s.options.cfg.EnableHardDelete)

	seq, err := readCheckpoint(hd.path())
	if err != nil {
		return nil, wrapIO("read hard delete checkpoint", err)
	}
	hd.checkpoint.Store(seq)
	return hd, nil
}

func (hd *HardDeleter) path() string {
	return filepath.Join(hd.store.dir, checkpointName)
}

func (hd *HardDeleter) SetEnabled(enabled bool) {
	hd.enabled.Store(enabled)
	hd.logger.Info("hard delete toggled", zap.Bool("enabled", enabled))
}

func (hd *HardDeleter) Enabled() bool {
	return hd.enabled.Load()
}

// Checkpoint is the sequence number of the last tombstone processed.
func (hd *HardDeleter) Checkpoint() uint64 {
	return hd.checkpoint.Load()
}

func (hd *HardDeleter) run(ctx context.Context) error {
	ticker := time.NewTicker(hd.store.options.cfg.HardDeleteInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !hd.enabled.Load() {
			continue
		}
		if err := hd.RunOnce(ctx); err != nil && ctx.Err() == nil {
			hd.logger.Error("hard delete cycle failed", zap.Error(err))
		}
	}
}

type tombstone struct {
	key   []byte
	value model.IndexValue
}

// RunOnce scrubs every tombstone past retention that follows the checkpoint.
func (hd *HardDeleter) RunOnce(ctx context.Context) (err error) {
	hd.running.Lock()
	defer hd.running.Unlock()

	s := hd.store
	from := hd.checkpoint.Load()
	cutoff := s.now().Add(-s.options.cfg.DeletedRetention()).UnixMilli()

	seen := make(map[uint64]struct{})
	var tombstones []tombstone
	s.index.ForEachEntry(func(key []byte, v model.IndexValue) {
		if !v.IsDeleted() || v.Seq <= from {
			return
		}
		if _, ok := seen[v.Seq]; ok {
			return
		}
		seen[v.Seq] = struct{}{}
		tombstones = append(tombstones, tombstone{key: key, value: v})
	})
	sort.Slice(tombstones, func(i, j int) bool {
		return tombstones[i].value.Seq < tombstones[j].value.Seq
	})

	last := from
	var records, bytes int64
	defer func() {
		if last == from {
			return
		}
		if saveErr := writeCheckpoint(hd.path(), last); saveErr != nil && err == nil {
			err = wrapIO("write hard delete checkpoint", saveErr)
			return
		}
		hd.checkpoint.Store(last)
		hd.logger.Debug("hard delete cycle finished",
			zap.Uint64("checkpoint", last),
			zap.Int64("records", records),
			zap.Int64("bytes", bytes))
	}()

	for _, t := range tombstones {
		if err = ctx.Err(); err != nil {
			return err
		}
		if t.value.OperationTime > cutoff {
			break
		}
		if !t.value.Original.IsZero() {
			n, err := hd.scrub(ctx, t)
			switch {
			case err == nil:
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, seglog.ErrNotFound), errors.Is(err, seglog.ErrCorruptRecord):
				hd.logger.Warn("original record not scrubbable, skipping",
					zap.ByteString("key", t.key),
					zap.Stringer("location", t.value.Original),
					zap.Error(err))
			default:
				return wrapIO("scrub", err)
			}
			if n > 0 {
				records++
				bytes += n
				s.metrics.HardDeletedRecords.Inc()
				s.metrics.HardDeletedBytes.Add(float64(n))
			}
		}
		last = t.value.Seq
	}
	return nil
}

func (hd *HardDeleter) scrub(ctx context.Context, t tombstone) (int64, error) {
	s := hd.store
	if err := s.throttle.Wait(ctx, int(t.value.OriginalSize)); err != nil {
		return 0, err
	}
	s.gate.enter()
	defer s.gate.leave()
	if !s.log.IsLive(t.value.Original.SegmentID) {
		return 0, nil
	}
	return s.log.Scrub(t.value.Original, t.key)
}

const (
	checkpointFieldSeq protowire.Number = 1
	checkpointFieldAt  protowire.Number = 2
)

func writeCheckpoint(path string, seq uint64) error {
	var b []byte
	b = protowire.AppendTag(b, checkpointFieldSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, seq)
	b = protowire.AppendTag(b, checkpointFieldAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(time.Now().UnixMilli()))
	return fio.WriteFileAtomic(path, b)
}

func readCheckpoint(path string) (uint64, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}

	var seq uint64
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, fmt.Errorf("hard delete checkpoint: %w", protowire.ParseError(n))
		}
		b = b[n:]
		if num == checkpointFieldSeq && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, fmt.Errorf("hard delete checkpoint: %w", protowire.ParseError(n))
			}
			seq = v
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return 0, fmt.Errorf("hard delete checkpoint: %w", protowire.ParseError(n))
		}
		b = b[n:]
	}
	return seq, nil
}
