// Package journal keeps the most recent writes of a store in a bounded ring so
// catch-up readers and hot reads avoid walking the index.
package journal

import (
	"errors"
	"sync"

	"github.com/cqkv/blobstore/model"
)

// ErrTooOld means the starting point was evicted and the caller has to fall back to the index.
var ErrTooOld = errors.New("journal: starting point is older than the journal")

type Entry struct {
	Key   []byte
	Value model.IndexValue
}

// Journal is a fixed capacity ring of entries in write order. Positions are
// absolute (they keep growing across evictions) so cursors can detect that
// the ring moved past them.
type Journal struct {
	mu       sync.RWMutex
	ring     []Entry
	capacity uint64
	first    uint64 // absolute position of the oldest entry
	size     uint64
	latest   map[string]uint64
}

func New(capacity int) *Journal {
	if capacity < 1 {
		capacity = 1
	}
	return &Journal{
		ring:     make([]Entry, capacity),
		capacity: uint64(capacity),
		latest:   make(map[string]uint64, capacity),
	}
}

// Record appends an entry, evicting the oldest one when the ring is full.
func (j *Journal) Record(key []byte, value model.IndexValue) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.size == j.capacity {
		oldest := j.ring[j.first%j.capacity]
		if pos, ok := j.latest[string(oldest.Key)]; ok && pos == j.first {
			delete(j.latest, string(oldest.Key))
		}
		j.ring[j.first%j.capacity] = Entry{}
		j.first++
		j.size--
	}

	pos := j.first + j.size
	j.ring[pos%j.capacity] = Entry{Key: key, Value: value}
	j.size++
	j.latest[string(key)] = pos
}

// Latest returns the newest journaled value of key.
func (j *Journal) Latest(key []byte) (model.IndexValue, bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	pos, ok := j.latest[string(key)]
	if !ok {
		return model.IndexValue{}, false
	}
	return j.ring[pos%j.capacity].Value, true
}

// EntriesSince returns a cursor over the entries written after the most recent
// entry of key. ErrTooOld is returned when key is no longer in the journal.
func (j *Journal) EntriesSince(key []byte) (*Cursor, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	pos, ok := j.latest[string(key)]
	if !ok {
		return nil, ErrTooOld
	}
	return &Cursor{
		journal: j,
		start:   pos + 1,
		next:    pos + 1,
		end:     j.first + j.size,
	}, nil
}

// EntriesSinceSeq returns up to max entries whose sequence number is greater
// than seq. ErrTooOld is returned when entries after seq may have been evicted.
func (j *Journal) EntriesSinceSeq(seq uint64, max int) ([]Entry, error) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if j.size == 0 {
		return nil, ErrTooOld
	}
	if oldest := j.ring[j.first%j.capacity].Value.Seq; oldest > seq+1 {
		return nil, ErrTooOld
	}

	entries := make([]Entry, 0, min(max, int(j.size)))
	for pos := j.first; pos < j.first+j.size && len(entries) < max; pos++ {
		e := j.ring[pos%j.capacity]
		if e.Value.Seq > seq {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

// Relocate lets fn rewrite every journaled value in place.
func (j *Journal) Relocate(fn func(key []byte, value *model.IndexValue)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for pos := j.first; pos < j.first+j.size; pos++ {
		e := &j.ring[pos%j.capacity]
		fn(e.Key, &e.Value)
	}
}

func (j *Journal) Len() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return int(j.size)
}

func (j *Journal) Capacity() int {
	return int(j.capacity)
}

// Cursor is a lazy, finite and restartable walk over a journal range.
type Cursor struct {
	journal *Journal
	start   uint64
	next    uint64
	end     uint64
}

// Next returns the next entry, false once the range is exhausted, or ErrTooOld
// if the ring evicted the entry before it was read.
func (c *Cursor) Next() (Entry, bool, error) {
	if c.next >= c.end {
		return Entry{}, false, nil
	}
	j := c.journal
	j.mu.RLock()
	defer j.mu.RUnlock()
	if c.next < j.first {
		return Entry{}, false, ErrTooOld
	}
	e := j.ring[c.next%j.capacity]
	c.next++
	return e, true, nil
}

// Reset rewinds the cursor to its first entry.
func (c *Cursor) Reset() {
	c.next = c.start
}

// Collect drains the cursor.
func (c *Cursor) Collect() ([]Entry, error) {
	var entries []Entry
	for {
		e, ok, err := c.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return entries, nil
		}
		entries = append(entries, e)
	}
}
