package journal

import (
	"fmt"
	"testing"

	"github.com/cqkv/blobstore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func key(i int) []byte {
	return []byte(fmt.Sprintf("key-%d", i))
}

func value(seq uint64) model.IndexValue {
	return model.IndexValue{
		Location: model.Location{SegmentID: 1, Offset: int64(seq) * 100},
		Flags:    model.FlagPut,
		Seq:      seq,
	}
}

func TestJournal_CapacityThree(t *testing.T) {
	j := New(3)
	for i := 1; i <= 5; i++ {
		j.Record(key(i), value(uint64(i)))
	}
	assert.Equal(t, 3, j.Len())

	_, err := j.EntriesSince(key(1))
	assert.ErrorIs(t, err, ErrTooOld)

	cursor, err := j.EntriesSince(key(3))
	require.Nil(t, err)
	entries, err := cursor.Collect()
	require.Nil(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, key(4), entries[0].Key)
	assert.Equal(t, key(5), entries[1].Key)
}

func TestCursor_Restartable(t *testing.T) {
	j := New(4)
	for i := 1; i <= 4; i++ {
		j.Record(key(i), value(uint64(i)))
	}

	cursor, err := j.EntriesSince(key(2))
	require.Nil(t, err)

	first, err := cursor.Collect()
	require.Nil(t, err)
	cursor.Reset()
	second, err := cursor.Collect()
	require.Nil(t, err)
	assert.Equal(t, first, second)
	assert.Len(t, first, 2)

	// the range is fixed when the cursor is created
	j.Record(key(5), value(5))
	cursor.Reset()
	third, err := cursor.Collect()
	require.Nil(t, err)
	assert.Len(t, third, 2)
}

func TestCursor_EvictedWhileReading(t *testing.T) {
	j := New(2)
	j.Record(key(1), value(1))
	j.Record(key(2), value(2))

	cursor, err := j.EntriesSince(key(1))
	require.Nil(t, err)

	j.Record(key(3), value(3))
	j.Record(key(4), value(4))

	_, _, err = cursor.Next()
	assert.ErrorIs(t, err, ErrTooOld)
}

func TestJournal_Latest(t *testing.T) {
	j := New(3)
	j.Record(key(1), value(1))
	j.Record(key(1), value(2))

	v, ok := j.Latest(key(1))
	assert.True(t, ok)
	assert.Equal(t, uint64(2), v.Seq)

	// evicting the older entry of key-1 keeps the newer one reachable
	j.Record(key(2), value(3))
	j.Record(key(3), value(4))
	v, ok = j.Latest(key(1))
	assert.True(t, ok)
	assert.Equal(t, uint64(2), v.Seq)

	j.Record(key(4), value(5))
	_, ok = j.Latest(key(1))
	assert.False(t, ok)
}

func TestJournal_EntriesSinceSeq(t *testing.T) {
	j := New(3)
	_, err := j.EntriesSinceSeq(0, 10)
	assert.ErrorIs(t, err, ErrTooOld)

	for i := 1; i <= 5; i++ {
		j.Record(key(i), value(uint64(i)))
	}

	_, err = j.EntriesSinceSeq(1, 10)
	assert.ErrorIs(t, err, ErrTooOld)

	entries, err := j.EntriesSinceSeq(2, 10)
	require.Nil(t, err)
	assert.Len(t, entries, 3)

	entries, err = j.EntriesSinceSeq(3, 1)
	require.Nil(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(4), entries[0].Value.Seq)

	entries, err = j.EntriesSinceSeq(5, 10)
	require.Nil(t, err)
	assert.Empty(t, entries)
}

func TestJournal_Relocate(t *testing.T) {
	j := New(3)
	j.Record(key(1), value(1))
	j.Relocate(func(_ []byte, v *model.IndexValue) {
		v.Location = model.Location{SegmentID: 9, Offset: 0}
	})
	v, ok := j.Latest(key(1))
	assert.True(t, ok)
	assert.Equal(t, uint32(9), v.Location.SegmentID)
}
