package blobstore

import (
	"context"
	"slices"
	"time"

	"github.com/cqkv/blobstore/model"
	backoff "github.com/lestrrat-go/backoff/v2"
	"go.uber.org/zap"
)

// flusher periodically makes the log durable and persists sealed index
// segments, so a restart only replays what was written since the last flush.
type flusher struct {
	store  *Store
	logger *zap.Logger
	policy backoff.Policy
}

func newFlusher(s *Store) *flusher {
	return &flusher{
		store:  s,
		logger: s.logger.Named("flusher"),
		policy: ioBackoff(),
	}
}

func (f *flusher) run(ctx context.Context) error {
	cfg := f.store.options.cfg

	delay := time.NewTimer(cfg.FlushDelay())
	defer delay.Stop()
	select {
	case <-ctx.Done():
		return nil
	case <-delay.C:
	}

	ticker := time.NewTicker(cfg.FlushInterval())
	defer ticker.Stop()
	for {
		if err := f.flushWithRetry(ctx, false); err != nil && ctx.Err() == nil {
			f.logger.Error("flush failed, retrying next period", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// flushWithRetry retries transient failures with exponential backoff.
func (f *flusher) flushWithRetry(ctx context.Context, force bool) error {
	return retryIO(ctx, f.policy, func() error {
		return f.store.flush(force)
	}, func(attempt int, err error) {
		f.store.metrics.FlushFailures.Inc()
		f.logger.Warn("flush attempt failed", zap.Int("attempt", attempt), zap.Error(err))
	})
}

// flush seals the active index segment (always when force, otherwise once it
// is older than the flush interval), syncs the log and persists every sealed
// segment whose records are durable.
func (s *Store) flush(force bool) error {
	// sealing under manifestMu keeps the sealed list stable during a swap
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	if force {
		s.index.Seal()
	} else {
		s.index.SealIfOlder(s.options.cfg.FlushInterval(), time.Now())
	}

	synced, err := s.syncLogLocked()
	if err != nil {
		return err
	}

	order := s.log.Order()
	sealed := s.index.Sealed()
	for _, seg := range sealed {
		if _, ok := s.persisted[seg.ID()]; ok {
			continue
		}
		if !covers(order, synced, seg.End()) {
			break
		}
		if err := s.indexFiles.Write(seg); err != nil {
			return wrapIO("write index segment", err)
		}
		s.persisted[seg.ID()] = struct{}{}
	}
	return s.writeManifestLocked(order, sealed, s.manifest.Generation)
}

// syncLogLocked makes every appended record durable and returns the log end
// it covers. manifestMu must be held.
func (s *Store) syncLogLocked() (model.Location, error) {
	synced := s.log.End()
	if err := s.log.Sync(); err != nil {
		return model.Location{}, wrapIO("sync log", err)
	}
	s.synced = synced
	return synced, nil
}

// covers reports whether end is at or before synced in log order.
func covers(order []uint32, synced, end model.Location) bool {
	sp := slices.Index(order, synced.SegmentID)
	ep := slices.Index(order, end.SegmentID)
	if sp < 0 || ep < 0 {
		return false
	}
	return ep < sp || (ep == sp && end.Offset <= synced.Offset)
}
