package index

import (
	"bytes"
	"time"

	"github.com/cqkv/blobstore/bloom"
	"github.com/cqkv/blobstore/model"
	"github.com/google/btree"
)

const defaultDegree = 32

// entryOverhead approximates the memory of one tree item besides its key.
const entryOverhead = 96

// Item implement the btree.Item interface
type Item struct {
	key   []byte
	value model.IndexValue
}

func (i *Item) Less(than btree.Item) bool {
	return bytes.Compare(i.key, than.(*Item).key) == -1
}

// Segment is an ordered key -> IndexValue mapping. Only the active segment of
// an Index is mutable; once sealed it carries a bloom filter and never changes.
type Segment struct {
	id       uint64
	tree     *btree.BTree
	filter   *bloom.Filter
	sealed   bool
	memBytes int
	end      model.Location // log position right after the last record covered
	maxSeq   uint64
	openedAt time.Time
}

func NewSegment(id uint64) *Segment {
	return &Segment{
		id:       id,
		tree:     btree.New(defaultDegree),
		openedAt: time.Now(),
	}
}

func (s *Segment) ID() uint64 { return s.id }

func (s *Segment) Len() int { return s.tree.Len() }

func (s *Segment) Sealed() bool { return s.sealed }

func (s *Segment) End() model.Location { return s.end }

func (s *Segment) MaxSeq() uint64 { return s.maxSeq }

func (s *Segment) OpenedAt() time.Time { return s.openedAt }

// MemBytes is the estimated footprint of entries plus the bloom filter.
func (s *Segment) MemBytes() int {
	if s.filter != nil {
		return s.memBytes + s.filter.SizeBytes()
	}
	return s.memBytes
}

func (s *Segment) put(key []byte, value model.IndexValue) {
	old := s.tree.ReplaceOrInsert(&Item{key: key, value: value})
	if old == nil {
		s.memBytes += len(key) + entryOverhead
	}
	if value.Seq > s.maxSeq {
		s.maxSeq = value.Seq
	}
}

// get reports rejected when the bloom filter ruled the key out.
func (s *Segment) get(key []byte) (value model.IndexValue, found bool, rejected bool) {
	if s.filter != nil && !s.filter.MayContain(key) {
		return model.IndexValue{}, false, true
	}
	item := s.tree.Get(&Item{key: key})
	if item == nil {
		return model.IndexValue{}, false, false
	}
	return item.(*Item).value, true, false
}

// Get looks key up in this segment only.
func (s *Segment) Get(key []byte) (model.IndexValue, bool) {
	v, ok, _ := s.get(key)
	return v, ok
}

func (s *Segment) seal(falsePositive float64) {
	filter := bloom.New(s.tree.Len(), falsePositive)
	s.tree.Ascend(func(i btree.Item) bool {
		filter.Add(i.(*Item).key)
		return true
	})
	s.filter = filter
	s.sealed = true
}

// Ascend walks entries in key order until fn returns false.
func (s *Segment) Ascend(fn func(key []byte, value model.IndexValue) bool) {
	s.tree.Ascend(func(i btree.Item) bool {
		item := i.(*Item)
		return fn(item.key, item.value)
	})
}

// mutate rewrites values in place, only valid while the segment is active
// and exclusively locked.
func (s *Segment) mutate(fn func(key []byte, value *model.IndexValue)) {
	s.tree.Ascend(func(i btree.Item) bool {
		item := i.(*Item)
		fn(item.key, &item.value)
		return true
	})
}

// Rewrite builds a sealed copy under id. fn may change a value or drop the
// entry by returning false. The end location is kept.
func (s *Segment) Rewrite(id uint64, falsePositive float64, fn func(key []byte, value *model.IndexValue) bool) *Segment {
	out := NewSegment(id)
	out.end = s.end
	out.openedAt = s.openedAt
	s.tree.Ascend(func(i btree.Item) bool {
		item := i.(*Item)
		v := item.value
		if fn(item.key, &v) {
			out.put(item.key, v)
		}
		return true
	})
	out.seal(falsePositive)
	return out
}

// Touches reports whether fn matches any entry.
func (s *Segment) Touches(fn func(value model.IndexValue) bool) bool {
	var hit bool
	s.tree.Ascend(func(i btree.Item) bool {
		if fn(i.(*Item).value) {
			hit = true
			return false
		}
		return true
	})
	return hit
}
