// Package seglog is the segmented append-only log holding every record of a
// store. Log order is the order of the segment list, which compaction keeps
// stable by installing its output where the replaced segments were.
package seglog

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cqkv/blobstore/codec"
	"github.com/cqkv/blobstore/model"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("seglog: no record at location")
	ErrCorruptRecord = errors.New("seglog: record failed crc or length validation")
	ErrOutOfCapacity = errors.New("seglog: record is larger than a segment")
	ErrDeleted       = errors.New("seglog: record was hard deleted")
)

type Options struct {
	Dir             string
	SegmentCapacity int64
	Codec           codec.Codec
	Logger          *zap.Logger

	// ReadProbe observes every read that reaches a segment file.
	ReadProbe func(model.Location)
}

type Log struct {
	opts Options

	appendMu    sync.Mutex
	rollPending bool
	onRollover  func() error
	headerSize  int64
	codec       codec.Codec
	logger      *zap.Logger

	mu       sync.RWMutex
	segments map[uint32]*Segment
	order    []uint32
	active   *Segment
	nextID   uint32
}

// Open opens the segments listed in order (log order, last one active). The
// tail of the active segment is validated and truncated at the first record
// that fails length or crc checks. An empty order starts a fresh log.
func Open(opts Options, order []uint32, nextID uint32) (*Log, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if nextID == 0 {
		nextID = 1
	}
	l := &Log{
		opts:       opts,
		codec:      opts.Codec,
		headerSize: opts.Codec.HeaderSize(),
		logger:     opts.Logger,
		segments:   make(map[uint32]*Segment, len(order)),
		nextID:     nextID,
	}

	for i, id := range order {
		seg, err := OpenSegment(opts.Dir, id, opts.SegmentCapacity)
		if err != nil {
			l.Close()
			return nil, err
		}
		if id >= l.nextID {
			l.nextID = id + 1
		}
		l.segments[id] = seg
		l.order = append(l.order, id)
		if i < len(order)-1 {
			seg.sealed.Store(true)
		}
	}

	if len(l.order) == 0 {
		seg, err := OpenSegment(opts.Dir, l.nextID, opts.SegmentCapacity)
		if err != nil {
			return nil, err
		}
		l.nextID++
		l.segments[seg.ID] = seg
		l.order = append(l.order, seg.ID)
	}

	l.active = l.segments[l.order[len(l.order)-1]]
	if err := l.recoverTail(l.active); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

// SetRolloverHook registers fn to run after a new active segment is created
// and before anything is written to it.
func (l *Log) SetRolloverHook(fn func() error) {
	l.appendMu.Lock()
	defer l.appendMu.Unlock()
	l.onRollover = fn
}

func (l *Log) recoverTail(seg *Segment) error {
	var valid int64
	_, err := l.scan(seg, 0, func(loc model.Location, _ *model.Record, size int64, recErr error) error {
		if recErr != nil {
			return recErr
		}
		valid = loc.Offset + size
		return nil
	})
	if err != nil && !errors.Is(err, ErrCorruptRecord) {
		return err
	}
	if valid < seg.WriteOffset() {
		l.logger.Warn("truncating invalid tail",
			zap.Uint32("segment", seg.ID),
			zap.Int64("from", valid),
			zap.Int64("size", seg.WriteOffset()))
		return seg.Truncate(valid)
	}
	return nil
}

// Append writes record to the active segment, rolling over to a new segment
// when it does not fit. It returns the record location and its encoded size.
func (l *Log) Append(record *model.Record) (model.Location, int64, error) {
	data, size, err := l.codec.MarshalRecord(record)
	if err != nil {
		return model.Location{}, 0, err
	}
	if size > l.opts.SegmentCapacity {
		return model.Location{}, 0, ErrOutOfCapacity
	}

	l.appendMu.Lock()
	defer l.appendMu.Unlock()

	if l.rollPending {
		if err = l.onRollover(); err != nil {
			return model.Location{}, 0, err
		}
		l.rollPending = false
	}

	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()

	if active.WriteOffset()+size > l.opts.SegmentCapacity {
		if active, err = l.rollover(active); err != nil {
			return model.Location{}, 0, err
		}
	}

	offset, err := active.Append(data)
	if err != nil {
		return model.Location{}, 0, err
	}
	return model.Location{SegmentID: active.ID, Offset: offset}, size, nil
}

func (l *Log) rollover(old *Segment) (*Segment, error) {
	if err := old.Seal(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.mu.Unlock()

	seg, err := OpenSegment(l.opts.Dir, id, l.opts.SegmentCapacity)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.segments[id] = seg
	l.order = append(l.order, id)
	l.active = seg
	l.mu.Unlock()

	l.logger.Debug("segment rollover", zap.Uint32("sealed", old.ID), zap.Uint32("active", id))

	if l.onRollover != nil {
		if err = l.onRollover(); err != nil {
			l.rollPending = true
			return nil, err
		}
	}
	return seg, nil
}

func (l *Log) segment(id uint32) (*Segment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seg, ok := l.segments[id]
	return seg, ok
}

// Segment returns a live segment.
func (l *Log) Segment(id uint32) (*Segment, bool) {
	return l.segment(id)
}

func (l *Log) IsLive(id uint32) bool {
	_, ok := l.segment(id)
	return ok
}

func (l *Log) probe(loc model.Location) {
	if l.opts.ReadProbe != nil {
		l.opts.ReadProbe(loc)
	}
}

func (l *Log) readHeader(seg *Segment, offset int64) (*model.RecordHeader, error) {
	if offset < 0 || offset+l.headerSize > seg.WriteOffset() {
		return nil, ErrNotFound
	}
	buf := make([]byte, l.headerSize)
	if err := seg.ReadAt(buf, offset); err != nil {
		return nil, err
	}
	header := &model.RecordHeader{}
	if err := l.codec.UnmarshalRecordHeader(buf, header); err != nil {
		return nil, ErrCorruptRecord
	}
	return header, nil
}

// ReadHeader returns the header of the record at loc without verifying the crc.
func (l *Log) ReadHeader(loc model.Location) (*model.RecordHeader, error) {
	seg, ok := l.segment(loc.SegmentID)
	if !ok {
		return nil, ErrNotFound
	}
	l.probe(loc)
	return l.readHeader(seg, loc.Offset)
}

// Read returns the record at loc after checking its length and crc.
func (l *Log) Read(loc model.Location) (*model.Record, error) {
	seg, ok := l.segment(loc.SegmentID)
	if !ok {
		return nil, ErrNotFound
	}
	l.probe(loc)
	record, _, err := l.readRecord(seg, loc.Offset)
	if err != nil {
		return nil, err
	}
	if record.Flags.IsHardDeleted() {
		return nil, ErrDeleted
	}
	return record, nil
}

func (l *Log) readRecord(seg *Segment, offset int64) (*model.Record, int64, error) {
	header, err := l.readHeader(seg, offset)
	if err != nil {
		return nil, 0, err
	}
	size := l.headerSize + int64(header.KeySize) + int64(header.ValueSize)
	if offset+size > seg.WriteOffset() {
		return nil, 0, ErrCorruptRecord
	}

	data := make([]byte, size)
	if err = seg.ReadAt(data, offset); err != nil {
		return nil, 0, err
	}
	if l.codec.Checksum(data) != header.Crc {
		return nil, size, ErrCorruptRecord
	}

	record := &model.Record{}
	if err = l.codec.UnmarshalRecord(data[l.headerSize:], header, record); err != nil {
		return nil, size, ErrCorruptRecord
	}
	return record, size, nil
}

// ScanFunc receives each record of a scan. A record failing its crc is passed
// with recErr set to ErrCorruptRecord. Returning an error stops the scan.
type ScanFunc func(loc model.Location, record *model.Record, size int64, recErr error) error

// Scan walks the records of segment id from offset in log order and returns
// the offset where it stopped. A header that cannot be trusted (bad length)
// ends the scan with ErrCorruptRecord.
func (l *Log) Scan(id uint32, from int64, fn ScanFunc) (int64, error) {
	seg, ok := l.segment(id)
	if !ok {
		return from, ErrNotFound
	}
	return l.scan(seg, from, fn)
}

func (l *Log) scan(seg *Segment, from int64, fn ScanFunc) (int64, error) {
	offset := from
	end := seg.WriteOffset()
	for offset < end {
		loc := model.Location{SegmentID: seg.ID, Offset: offset}
		record, size, err := l.readRecord(seg, offset)
		switch {
		case err == nil:
		case errors.Is(err, ErrCorruptRecord) && size > 0:
			if err = fn(loc, nil, size, ErrCorruptRecord); err != nil {
				return offset, err
			}
			offset += size
			continue
		case errors.Is(err, ErrCorruptRecord), errors.Is(err, ErrNotFound), errors.Is(err, io.ErrUnexpectedEOF):
			return offset, ErrCorruptRecord
		default:
			return offset, err
		}
		if err = fn(loc, record, size, nil); err != nil {
			return offset, err
		}
		offset += size
	}
	return offset, nil
}

// Scrub zeroes the payload of the put record of key at loc in place. Flags
// gain FlagHardDeleted and the crc is recomputed, the header keeps its size.
// It returns the number of bytes rewritten, 0 when there was nothing to do.
func (l *Log) Scrub(loc model.Location, key []byte) (int64, error) {
	seg, ok := l.segment(loc.SegmentID)
	if !ok {
		return 0, ErrNotFound
	}
	record, size, err := l.readRecord(seg, loc.Offset)
	if err != nil {
		return 0, err
	}
	if !bytes.Equal(record.Key, key) || !record.Flags.IsPut() {
		return 0, fmt.Errorf("%w: %s does not hold a put of the key", ErrNotFound, loc)
	}
	if record.Flags.IsHardDeleted() {
		return 0, nil
	}

	scrubbed := &model.Record{
		Flags:         record.Flags | model.FlagHardDeleted,
		Seq:           record.Seq,
		OperationTime: record.OperationTime,
		ExpiresAt:     record.ExpiresAt,
		Key:           record.Key,
		Value:         make([]byte, len(record.Value)),
	}
	data, newSize, err := l.codec.MarshalRecord(scrubbed)
	if err != nil {
		return 0, err
	}
	if newSize != size {
		return 0, fmt.Errorf("seglog: scrub of %s changed record size", loc)
	}
	if err = seg.WriteAt(data, loc.Offset); err != nil {
		return 0, err
	}
	if err = seg.Sync(); err != nil {
		return 0, err
	}
	return size, nil
}

// Sync flushes the active segment.
func (l *Log) Sync() error {
	l.mu.RLock()
	active := l.active
	l.mu.RUnlock()
	return active.Sync()
}

// Order returns the live segment ids in log order.
func (l *Log) Order() []uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]uint32(nil), l.order...)
}

func (l *Log) ActiveID() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active.ID
}

func (l *Log) NextID() uint32 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nextID
}

func (l *Log) SegmentCapacity() int64 {
	return l.opts.SegmentCapacity
}

func (l *Log) HeaderSize() int64 {
	return l.headerSize
}

// End is the location right after the last written byte of the log.
func (l *Log) End() model.Location {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return model.Location{SegmentID: l.active.ID, Offset: l.active.WriteOffset()}
}

type SegmentStat struct {
	ID       uint32 `json:"id"`
	Position int    `json:"position"`
	Used     int64  `json:"used"`
	Sealed   bool   `json:"sealed"`
}

func (l *Log) Stats() []SegmentStat {
	l.mu.RLock()
	defer l.mu.RUnlock()
	stats := make([]SegmentStat, 0, len(l.order))
	for i, id := range l.order {
		seg := l.segments[id]
		stats = append(stats, SegmentStat{
			ID:       id,
			Position: i,
			Used:     seg.WriteOffset(),
			Sealed:   seg != l.active,
		})
	}
	return stats
}

// CreateSegment allocates a segment that is not part of the log yet, used as
// compaction output.
func (l *Log) CreateSegment() (*Segment, error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	l.mu.Unlock()
	return OpenSegment(l.opts.Dir, id, l.opts.SegmentCapacity)
}

// AppendTo encodes record into seg, returning the new location and size.
func (l *Log) AppendTo(seg *Segment, record *model.Record) (model.Location, int64, error) {
	data, size, err := l.codec.MarshalRecord(record)
	if err != nil {
		return model.Location{}, 0, err
	}
	offset, err := seg.Append(data)
	if err != nil {
		return model.Location{}, 0, err
	}
	return model.Location{SegmentID: seg.ID, Offset: offset}, size, nil
}

// Replacement swaps a contiguous run of live segments for new ones.
type Replacement struct {
	Old []uint32
	New []*Segment
}

// PlanOrder returns the segment order after applying reps.
func (l *Log) PlanOrder(reps []Replacement) ([]uint32, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return planOrder(l.order, reps)
}

func planOrder(order []uint32, reps []Replacement) ([]uint32, error) {
	position := make(map[uint32]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	starts := make(map[int]Replacement, len(reps))
	skip := make(map[uint32]struct{})
	for _, rep := range reps {
		if len(rep.Old) == 0 {
			continue
		}
		first, ok := position[rep.Old[0]]
		if !ok {
			return nil, fmt.Errorf("seglog: segment %d is not live", rep.Old[0])
		}
		for i, id := range rep.Old {
			if p, ok := position[id]; !ok || p != first+i {
				return nil, fmt.Errorf("seglog: segments %v are not a contiguous run", rep.Old)
			}
			if order[len(order)-1] == id {
				return nil, fmt.Errorf("seglog: active segment %d cannot be replaced", id)
			}
			skip[id] = struct{}{}
		}
		starts[first] = rep
	}

	next := make([]uint32, 0, len(order))
	for i, id := range order {
		if rep, ok := starts[i]; ok {
			for _, seg := range rep.New {
				next = append(next, seg.ID)
			}
		}
		if _, ok := skip[id]; ok {
			continue
		}
		next = append(next, id)
	}
	return next, nil
}

// Replace installs reps and returns the retired segments, which the caller
// removes once the new order is durable.
func (l *Log) Replace(reps []Replacement) ([]*Segment, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next, err := planOrder(l.order, reps)
	if err != nil {
		return nil, err
	}

	var retired []*Segment
	for _, rep := range reps {
		for _, id := range rep.Old {
			retired = append(retired, l.segments[id])
			delete(l.segments, id)
		}
		for _, seg := range rep.New {
			seg.sealed.Store(true)
			l.segments[seg.ID] = seg
		}
	}
	l.order = next
	return retired, nil
}

func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var firstErr error
	for _, seg := range l.segments {
		if err := seg.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := seg.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
