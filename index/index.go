// Package index resolves keys to the location of their latest record. It is a
// list of segments: one active in-memory segment taking writes and sealed,
// immutable segments consulted newest to oldest behind bloom filters.
package index

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cqkv/blobstore/model"
)

type Options struct {
	MaxElements    int
	MaxMemoryBytes int
	FalsePositive  float64
}

type Entry struct {
	Key   []byte
	Value model.IndexValue
}

type Index struct {
	mu     sync.RWMutex
	opts   Options
	active *Segment
	sealed []*Segment // oldest first
	nextID uint64

	bloomRejections atomic.Uint64
}

// New builds an index over already loaded sealed segments (oldest first).
func New(opts Options, sealed []*Segment, nextID uint64) *Index {
	ix := &Index{
		opts:   opts,
		sealed: sealed,
		nextID: nextID,
	}
	for _, s := range sealed {
		if s.id >= ix.nextID {
			ix.nextID = s.id + 1
		}
	}
	ix.active = ix.newActiveLocked()
	return ix
}

func (ix *Index) newActiveLocked() *Segment {
	s := NewSegment(ix.nextID)
	ix.nextID++
	if n := len(ix.sealed); n > 0 {
		s.end = ix.sealed[n-1].end
	}
	return s
}

// Put records value as the latest state of key. end is the log position right
// after the record. It returns the segment sealed by this put, if any.
func (ix *Index) Put(key []byte, value model.IndexValue, end model.Location) *Segment {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	ix.active.put(key, value)
	ix.active.end = end

	if ix.active.Len() >= ix.opts.MaxElements || ix.active.memBytes >= ix.opts.MaxMemoryBytes {
		return ix.sealLocked()
	}
	return nil
}

// Get returns the newest value of key without touching the disk.
func (ix *Index) Get(key []byte) (model.IndexValue, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	if v, ok, _ := ix.active.get(key); ok {
		return v, true
	}
	for i := len(ix.sealed) - 1; i >= 0; i-- {
		v, ok, rejected := ix.sealed[i].get(key)
		if rejected {
			ix.bloomRejections.Add(1)
			continue
		}
		if ok {
			return v, true
		}
	}
	return model.IndexValue{}, false
}

// Seal closes the active segment if it holds anything.
func (ix *Index) Seal() *Segment {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.active.Len() == 0 {
		return nil
	}
	return ix.sealLocked()
}

// SealIfOlder seals the active segment when it is non-empty and was opened at least age ago.
func (ix *Index) SealIfOlder(age time.Duration, now time.Time) *Segment {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ix.active.Len() == 0 || now.Sub(ix.active.openedAt) < age {
		return nil
	}
	return ix.sealLocked()
}

func (ix *Index) sealLocked() *Segment {
	sealed := ix.active
	sealed.seal(ix.opts.FalsePositive)
	ix.sealed = append(ix.sealed, sealed)
	ix.active = ix.newActiveLocked()
	return sealed
}

// Sealed returns a snapshot of the sealed segments, oldest first.
func (ix *Index) Sealed() []*Segment {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return append([]*Segment(nil), ix.sealed...)
}

func (ix *Index) ActiveLen() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.active.Len()
}

// End is the log position right after the newest indexed record.
func (ix *Index) End() model.Location {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.active.end
}

func (ix *Index) NextID() uint64 {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.nextID
}

// AllocateID reserves an id for a segment built outside the index.
func (ix *Index) AllocateID() uint64 {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	id := ix.nextID
	ix.nextID++
	return id
}

func (ix *Index) BloomRejections() uint64 {
	return ix.bloomRejections.Load()
}

func (ix *Index) FalsePositive() float64 {
	return ix.opts.FalsePositive
}

// MemBytes is the estimated memory of all segments.
func (ix *Index) MemBytes() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	total := ix.active.MemBytes()
	for _, s := range ix.sealed {
		total += s.MemBytes()
	}
	return total
}

// ForEachLatest calls fn once per key with its newest value, until fn returns
// false. Sealed segments are immutable, so only the active one is copied under
// the lock and the walk itself does not block writers.
func (ix *Index) ForEachLatest(fn func(key []byte, value model.IndexValue) bool) {
	ix.mu.RLock()
	sealed := append([]*Segment(nil), ix.sealed...)
	active := make([]Entry, 0, ix.active.Len())
	ix.active.Ascend(func(key []byte, value model.IndexValue) bool {
		active = append(active, Entry{Key: key, Value: value})
		return true
	})
	ix.mu.RUnlock()

	seen := make(map[string]struct{}, len(active))
	for _, e := range active {
		seen[string(e.Key)] = struct{}{}
		if !fn(e.Key, e.Value) {
			return
		}
	}
	for i := len(sealed) - 1; i >= 0; i-- {
		stop := false
		sealed[i].Ascend(func(key []byte, value model.IndexValue) bool {
			if _, ok := seen[string(key)]; ok {
				return true
			}
			seen[string(key)] = struct{}{}
			if !fn(key, value) {
				stop = true
				return false
			}
			return true
		})
		if stop {
			return
		}
	}
}

// EntriesSince returns up to max latest values with a sequence number greater
// than seq, in sequence order.
func (ix *Index) EntriesSince(seq uint64, max int) []Entry {
	var entries []Entry
	ix.ForEachLatest(func(key []byte, value model.IndexValue) bool {
		if value.Seq > seq {
			entries = append(entries, Entry{Key: key, Value: value})
		}
		return true
	})
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Value.Seq < entries[j].Value.Seq
	})
	if len(entries) > max {
		entries = entries[:max]
	}
	return entries
}

// Update runs fn with the index exclusively locked. fn receives the sealed
// list and a way to rewrite values of the active segment, and returns the
// sealed list to install.
func (ix *Index) Update(fn func(sealed []*Segment, mutateActive func(func(key []byte, value *model.IndexValue))) ([]*Segment, error)) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	sealed, err := fn(append([]*Segment(nil), ix.sealed...), ix.active.mutate)
	if err != nil {
		return err
	}
	ix.sealed = sealed
	return nil
}

// ForEachEntry visits every entry of every segment, superseded ones included,
// newest segment first.
func (ix *Index) ForEachEntry(fn func(key []byte, value model.IndexValue)) {
	ix.mu.RLock()
	sealed := append([]*Segment(nil), ix.sealed...)
	active := make([]Entry, 0, ix.active.Len())
	ix.active.Ascend(func(key []byte, value model.IndexValue) bool {
		active = append(active, Entry{Key: key, Value: value})
		return true
	})
	ix.mu.RUnlock()

	for _, e := range active {
		fn(e.Key, e.Value)
	}
	for i := len(sealed) - 1; i >= 0; i-- {
		sealed[i].Ascend(func(key []byte, value model.IndexValue) bool {
			fn(key, value)
			return true
		})
	}
}
