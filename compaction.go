package blobstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkv/blobstore/fio"
	"github.com/cqkv/blobstore/index"
	"github.com/cqkv/blobstore/model"
	"github.com/cqkv/blobstore/seglog"
	backoff "github.com/lestrrat-go/backoff/v2"
	"go.uber.org/zap"
)

type CompactionState int32

const (
	CompactionIdle CompactionState = iota
	CompactionChecking
	CompactionCompacting
	CompactionSwapping
)

func (s CompactionState) String() string {
	switch s {
	case CompactionIdle:
		return "idle"
	case CompactionChecking:
		return "checking"
	case CompactionCompacting:
		return "compacting"
	case CompactionSwapping:
		return "swapping"
	}
	return "unknown"
}

// CompactionManager reclaims space held by superseded, deleted and expired
// records by copying the live records of contiguous segment runs into new
// segments and swapping them in place of the run. At most one cycle runs at
// a time.
type CompactionManager struct {
	store   *Store
	policy  CompactionPolicy
	logger  *zap.Logger
	enabled atomic.Bool
	state   atomic.Int32
	running sync.Mutex
	last    atomic.Int64 // unix nanos of the last finished cycle
	retry   backoff.Policy

	flush func(force bool) error

	// hooks around the manifest write of a swap. An error stops the swap and
	// leaves every file where it is.
	beforeCommit func() error
	afterCommit  func() error
	// beforeSwap runs between copying and swapping, writers are not blocked
	beforeSwap func()
}

func newCompactionManager(s *Store, policy CompactionPolicy) *CompactionManager {
	cm := &CompactionManager{
		store:  s,
		policy: policy,
		logger: s.logger.Named("compaction"),
		retry:  ioBackoff(),
		flush:  s.flush,
	}
	cm.enabled.Store(s.options.cfg.EnableCompaction)
	return cm
}

func (cm *CompactionManager) SetEnabled(enabled bool) {
	cm.enabled.Store(enabled)
	cm.logger.Info("compaction toggled", zap.Bool("enabled", enabled))
}

func (cm *CompactionManager) Enabled() bool {
	return cm.enabled.Load()
}

func (cm *CompactionManager) State() CompactionState {
	return CompactionState(cm.state.Load())
}

func (cm *CompactionManager) setState(state CompactionState) {
	cm.state.Store(int32(state))
}

func (cm *CompactionManager) run(ctx context.Context) error {
	ticker := time.NewTicker(cm.store.options.cfg.CompactionCheckFrequency())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if !cm.enabled.Load() {
			continue
		}
		if err := cm.cycle(ctx); err != nil && ctx.Err() == nil && !errors.Is(err, ErrCompactionInProgress) {
			cm.logger.Error("compaction cycle failed", zap.Error(err))
		}
	}
}

// cycle runs Trigger and repeats a cycle that failed on storage I/O with
// backoff instead of waiting for the next check.
func (cm *CompactionManager) cycle(ctx context.Context) error {
	return retryIO(ctx, cm.retry, func() error {
		return cm.Trigger(ctx)
	}, func(attempt int, err error) {
		cm.logger.Warn("compaction cycle failed on I/O, retrying", zap.Int("attempt", attempt), zap.Error(err))
	})
}

// Compact runs a compaction cycle in the background and reports its result
// on the returned channel.
func (s *Store) Compact() <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- s.TriggerCompaction(context.Background())
	}()
	return done
}

// Trigger runs one check, compact and swap cycle.
func (cm *CompactionManager) Trigger(ctx context.Context) (err error) {
	if !cm.running.TryLock() {
		return ErrCompactionInProgress
	}
	defer cm.running.Unlock()

	outcome := "skipped"
	start := time.Now()
	defer func() {
		cm.setState(CompactionIdle)
		cm.last.Store(time.Now().UnixNano())
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			outcome = "aborted"
		case errors.Is(err, ErrSwapTimeout):
			outcome = "swap_timeout"
		default:
			outcome = "failed"
		}
		cm.store.metrics.CompactionCycles.WithLabelValues(outcome).Inc()
		cm.logger.Debug("compaction cycle finished", zap.String("outcome", outcome), zap.Duration("took", time.Since(start)))
	}()

	cm.setState(CompactionChecking)
	runs, err := cm.check(ctx)
	if err != nil || len(runs) == 0 {
		return err
	}

	cm.setState(CompactionCompacting)
	res, err := cm.compact(ctx, runs)
	if err != nil {
		res.discard(cm.logger)
		return err
	}

	cm.setState(CompactionSwapping)
	if cm.beforeSwap != nil {
		cm.beforeSwap()
	}
	if err = cm.swap(ctx, res); err != nil {
		return err
	}
	outcome = "compacted"
	return nil
}

// segmentUsage reports used and live bytes per segment in log order. A
// segment is eligible when it is sealed and lies before the segment the
// persisted index ends in.
func (s *Store) segmentUsage() []SegmentUsage {
	now := s.now()
	live := make(map[uint32]int64)
	s.index.ForEachLatest(func(_ []byte, v model.IndexValue) bool {
		if v.IsDeleted() || !model.IsExpired(v.ExpiresAt, now) {
			live[v.Location.SegmentID] += int64(v.Size)
		}
		return true
	})

	s.manifestMu.Lock()
	indexEnd := s.manifest.IndexEnd
	s.manifestMu.Unlock()

	stats := s.log.Stats()
	boundary := -1
	if !indexEnd.IsZero() {
		for _, st := range stats {
			if st.ID == indexEnd.SegmentID {
				boundary = st.Position
			}
		}
	}

	usage := make([]SegmentUsage, 0, len(stats))
	for _, st := range stats {
		usage = append(usage, SegmentUsage{
			ID:       st.ID,
			Position: st.Position,
			Used:     st.Used,
			Live:     live[st.ID],
			Sealed:   st.Sealed,
			Eligible: st.Sealed && st.Position < boundary,
		})
	}
	return usage
}

func (cm *CompactionManager) check(ctx context.Context) ([][]uint32, error) {
	s := cm.store
	cfg := s.options.cfg

	// everything to be compacted must be covered by persisted index segments
	err := retryIO(ctx, cm.retry, func() error {
		return cm.flush(true)
	}, func(attempt int, err error) {
		cm.logger.Warn("pre-compaction flush failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	})
	if err != nil {
		return nil, err
	}

	usage := s.segmentUsage()
	capacity := float64(cfg.CapacityInBytes)
	if capacity == 0 {
		capacity = float64(len(usage)) * float64(s.log.SegmentCapacity())
	}
	var used int64
	for _, u := range usage {
		used += u.Used
	}
	percentage := 100 * float64(used) / capacity

	if percentage < float64(cfg.MinUsedCapacityToTriggerCompactionInPercentage) {
		cm.logger.Debug("used capacity below compaction threshold", zap.Float64("used_percentage", percentage))
		return nil, nil
	}

	var since time.Duration
	if last := cm.last.Load(); last > 0 {
		since = time.Since(time.Unix(0, last))
	}
	picked := cm.policy.SelectCandidates(CompactionStats{
		SegmentCapacity:        s.log.SegmentCapacity(),
		Segments:               usage,
		UsedCapacityPercentage: percentage,
		MinSegmentsToReclaim:   cfg.MinLogSegmentCountToReclaimToTriggerCompaction,
		SinceLastCompaction:    since,
	})

	runs := groupRuns(usage, picked)
	total := 0
	for _, run := range runs {
		total += len(run)
	}
	if total < cfg.MinLogSegmentCountToReclaimToTriggerCompaction {
		cm.logger.Debug("not enough compaction candidates", zap.Int("candidates", total))
		return nil, nil
	}
	cm.logger.Info("compaction candidates selected",
		zap.Float64("used_percentage", percentage),
		zap.Int("candidates", total),
		zap.Int("runs", len(runs)))
	return runs, nil
}

// groupRuns keeps the eligible picked segments and splits them into runs of
// adjacent segments in log order.
func groupRuns(usage []SegmentUsage, picked []uint32) [][]uint32 {
	byID := make(map[uint32]SegmentUsage, len(usage))
	for _, u := range usage {
		byID[u.ID] = u
	}
	var segs []SegmentUsage
	seen := make(map[uint32]struct{}, len(picked))
	for _, id := range picked {
		u, ok := byID[id]
		if _, dup := seen[id]; !ok || dup || !u.Eligible {
			continue
		}
		seen[id] = struct{}{}
		segs = append(segs, u)
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].Position < segs[j].Position })

	var runs [][]uint32
	for i, u := range segs {
		if i == 0 || u.Position != segs[i-1].Position+1 {
			runs = append(runs, nil)
		}
		runs[len(runs)-1] = append(runs[len(runs)-1], u.ID)
	}
	return runs
}

type compactionResult struct {
	reps       []seglog.Replacement
	outputs    []*seglog.Segment
	candidates map[uint32]struct{}
	relocated  map[model.Location]model.Location
	copied     int64
	dropped    int64
}

func (r *compactionResult) discard(logger *zap.Logger) {
	if r == nil {
		return
	}
	for _, seg := range r.outputs {
		if err := seg.Remove(); err != nil {
			logger.Warn("failed to remove compaction output", zap.Uint32("segment", seg.ID), zap.Error(err))
		}
	}
	r.outputs = nil
}

func (cm *CompactionManager) compact(ctx context.Context, runs [][]uint32) (*compactionResult, error) {
	s := cm.store
	res := &compactionResult{
		candidates: make(map[uint32]struct{}),
		relocated:  make(map[model.Location]model.Location),
	}
	for _, run := range runs {
		for _, id := range run {
			res.candidates[id] = struct{}{}
		}
	}

	now := s.now()
	for _, run := range runs {
		rep := seglog.Replacement{Old: run}
		var out *seglog.Segment

		for _, id := range run {
			if err := ctx.Err(); err != nil {
				return res, err
			}
			seg, ok := s.log.Segment(id)
			if !ok {
				return res, fmt.Errorf("compaction candidate %d is not live", id)
			}
			seg.AdviseSequential()

			_, err := s.log.Scan(id, 0, func(loc model.Location, record *model.Record, size int64, recErr error) error {
				if err := s.throttle.Wait(ctx, int(size)); err != nil {
					return err
				}
				if recErr != nil {
					s.metrics.CompactionSkipped.Inc()
					cm.logger.Warn("skipping corrupt record", zap.Stringer("location", loc), zap.Int64("size", size))
					return nil
				}
				if !cm.keep(loc, record, res.candidates, now) {
					res.dropped += size
					return nil
				}

				if out == nil || out.Remaining() < size {
					if out != nil {
						if err := out.Seal(); err != nil {
							return err
						}
					}
					next, err := s.log.CreateSegment()
					if err != nil {
						return err
					}
					out = next
					res.outputs = append(res.outputs, out)
					rep.New = append(rep.New, out)
				}
				newLoc, _, err := s.log.AppendTo(out, record)
				if err != nil {
					return err
				}
				res.relocated[loc] = newLoc
				res.copied += size
				return nil
			})
			if err != nil {
				if errors.Is(err, seglog.ErrCorruptRecord) {
					return res, fmt.Errorf("segment %d has an unreadable header: %w", id, ErrCorruptRecord)
				}
				if ctx.Err() != nil {
					return res, ctx.Err()
				}
				return res, wrapIO("compact", err)
			}
		}

		if out != nil {
			if err := out.Seal(); err != nil {
				return res, wrapIO("compact", err)
			}
		}
		res.reps = append(res.reps, rep)
	}
	return res, nil
}

// keep decides whether a record of a candidate segment survives. A put whose
// expiration was changed later is copied with the new expiration, which makes
// the ttl-update record itself redundant when both are compacted together.
func (cm *CompactionManager) keep(loc model.Location, record *model.Record, candidates map[uint32]struct{}, now time.Time) bool {
	v, ok := cm.store.lookup(record.Key)
	if !ok {
		return false
	}

	if record.Flags.IsTTLUpdate() {
		if !v.Flags.IsTTLUpdate() || v.IsDeleted() || v.Seq != record.Seq {
			return false
		}
		_, putCompacted := candidates[v.Location.SegmentID]
		return !putCompacted
	}

	if v.Location != loc {
		return false
	}
	if v.IsDeleted() {
		return true
	}
	if model.IsExpired(v.ExpiresAt, now) {
		return false
	}
	record.ExpiresAt = v.ExpiresAt
	return true
}

// relocator rewrites index values after a swap. An entry pointing into a
// compacted segment moves to the copy of its record. Without a copy it is
// dropped, unless it is expired: then it is kept so the key keeps reporting
// expired instead of falling back to an older entry.
type relocator struct {
	res *compactionResult
	now time.Time
}

func (r relocator) touches(v model.IndexValue) bool {
	_, loc := r.res.candidates[v.Location.SegmentID]
	_, orig := r.res.candidates[v.Original.SegmentID]
	return loc || orig
}

func (r relocator) relocate(v *model.IndexValue) bool {
	keep := true
	if _, ok := r.res.candidates[v.Location.SegmentID]; ok {
		if to, ok := r.res.relocated[v.Location]; ok {
			v.Location = to
		} else if !model.IsExpired(v.ExpiresAt, r.now) {
			keep = false
		}
	}
	if _, ok := r.res.candidates[v.Original.SegmentID]; ok {
		if to, ok := r.res.relocated[v.Original]; ok {
			v.Original = to
		} else {
			v.Original = model.Location{}
			v.OriginalSize = 0
		}
	}
	return keep
}

func (cm *CompactionManager) swap(ctx context.Context, res *compactionResult) (err error) {
	s := cm.store
	r := relocator{res: res, now: s.now()}

	rewritten := make(map[uint64]*index.Segment)
	var written []uint64
	keepFiles := false
	defer func() {
		if err == nil || keepFiles {
			return
		}
		res.discard(cm.logger)
		for _, id := range written {
			_ = s.indexFiles.Remove(id)
		}
	}()

	rewrite := func(seg *index.Segment) error {
		if _, done := rewritten[seg.ID()]; done || !seg.Touches(r.touches) {
			return nil
		}
		out := seg.Rewrite(s.index.AllocateID(), s.index.FalsePositive(), func(_ []byte, v *model.IndexValue) bool {
			return r.relocate(v)
		})
		if err := s.indexFiles.Write(out); err != nil {
			return wrapIO("write index segment", err)
		}
		written = append(written, out.ID())
		rewritten[seg.ID()] = out
		return nil
	}
	for _, seg := range s.index.Sealed() {
		if err = rewrite(seg); err != nil {
			return err
		}
	}

	swapCtx, cancel := context.WithTimeout(ctx, s.options.cfg.CompactionSwapTimeout())
	defer cancel()
	if err = s.gate.lock(swapCtx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		cm.logger.Warn("swap lock not acquired in time, discarding compaction output")
		return ErrSwapTimeout
	}
	retired, oldIndex, keepFiles, err := cm.commit(res, r, rewritten, rewrite)
	s.gate.unlock()
	if err != nil {
		return err
	}

	for _, seg := range retired {
		if err := seg.Remove(); err != nil {
			cm.logger.Warn("failed to remove retired segment", zap.Uint32("segment", seg.ID), zap.Error(err))
		}
	}
	for _, id := range oldIndex {
		if err := s.indexFiles.Remove(id); err != nil {
			cm.logger.Warn("failed to remove index segment", zap.Uint64("segment", id), zap.Error(err))
		}
	}
	if err := fio.SyncDir(s.dir); err != nil {
		cm.logger.Warn("failed to sync directory", zap.Error(err))
	}

	s.metrics.CompactionCopied.Add(float64(res.copied))
	s.metrics.CompactionRetired.Add(float64(len(retired)))
	s.metrics.LiveSegments.Set(float64(len(s.log.Order())))
	cm.logger.Info("compaction swapped",
		zap.Int("retired", len(retired)),
		zap.Int("created", len(res.outputs)),
		zap.Int64("copied_bytes", res.copied),
		zap.Int64("dropped_bytes", res.dropped),
		zap.Int("index_segments_rewritten", len(oldIndex)))
	return nil
}

// commit writes the manifest naming the new segments and installs them. It
// runs with the gate held, so no reader or writer is in flight. Once the
// manifest is written the swap is durable and files are kept on any error.
func (cm *CompactionManager) commit(res *compactionResult, r relocator, rewritten map[uint64]*index.Segment, rewrite func(*index.Segment) error) (retired []*seglog.Segment, oldIndex []uint64, keepFiles bool, err error) {
	s := cm.store
	s.manifestMu.Lock()
	defer s.manifestMu.Unlock()

	current := s.index.Sealed()
	for _, seg := range current {
		if err = rewrite(seg); err != nil {
			return nil, nil, false, err
		}
	}
	installed := make([]*index.Segment, 0, len(current))
	for _, seg := range current {
		if out, ok := rewritten[seg.ID()]; ok {
			installed = append(installed, out)
			oldIndex = append(oldIndex, seg.ID())
			continue
		}
		installed = append(installed, seg)
	}

	order, err := s.log.PlanOrder(res.reps)
	if err != nil {
		return nil, nil, false, err
	}

	if cm.beforeCommit != nil {
		if err = cm.beforeCommit(); err != nil {
			return nil, nil, true, err
		}
	}
	// rewritten segments may have been sealed after the last flush
	if _, err = s.syncLogLocked(); err != nil {
		return nil, nil, false, err
	}
	for _, out := range rewritten {
		s.persisted[out.ID()] = struct{}{}
	}
	if err = s.writeManifestLocked(order, installed, s.manifest.Generation+1); err != nil {
		for _, out := range rewritten {
			delete(s.persisted, out.ID())
		}
		return nil, nil, false, err
	}
	if cm.afterCommit != nil {
		if err = cm.afterCommit(); err != nil {
			return nil, nil, true, err
		}
	}

	if retired, err = s.log.Replace(res.reps); err != nil {
		cm.logger.Error("committed swap could not be installed", zap.Error(err))
		return nil, nil, true, err
	}
	err = s.index.Update(func(sealed []*index.Segment, mutateActive func(func([]byte, *model.IndexValue))) ([]*index.Segment, error) {
		if len(sealed) != len(installed) {
			return nil, fmt.Errorf("index changed during swap: %d sealed segments, expected %d", len(sealed), len(installed))
		}
		mutateActive(func(_ []byte, v *model.IndexValue) {
			r.relocate(v)
		})
		return installed, nil
	})
	if err != nil {
		cm.logger.Error("committed swap could not be installed", zap.Error(err))
		return retired, nil, true, err
	}
	s.journal.Relocate(func(_ []byte, v *model.IndexValue) {
		r.relocate(v)
	})
	for _, id := range oldIndex {
		delete(s.persisted, id)
	}
	return retired, oldIndex, false, nil
}
