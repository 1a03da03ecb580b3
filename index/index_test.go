package index

import (
	"fmt"
	"testing"
	"time"

	"github.com/cqkv/blobstore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOptions() Options {
	return Options{
		MaxElements:    4,
		MaxMemoryBytes: 1 << 20,
		FalsePositive:  0.01,
	}
}

func val(seg uint32, off int64, seq uint64) model.IndexValue {
	return model.IndexValue{
		Location: model.Location{SegmentID: seg, Offset: off},
		Size:     10,
		Flags:    model.FlagPut,
		Seq:      seq,
	}
}

func TestIndex_PutGet(t *testing.T) {
	ix := New(testOptions(), nil, 1)

	sealed := ix.Put([]byte("a"), val(1, 0, 1), model.Location{SegmentID: 1, Offset: 10})
	assert.Nil(t, sealed)

	v, ok := ix.Get([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, uint64(1), v.Seq)

	ix.Put([]byte("a"), val(1, 10, 2), model.Location{SegmentID: 1, Offset: 20})
	v, ok = ix.Get([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, int64(10), v.Location.Offset)

	_, ok = ix.Get([]byte("missing"))
	assert.False(t, ok)
	assert.Equal(t, model.Location{SegmentID: 1, Offset: 20}, ix.End())
}

func TestIndex_RotationByElements(t *testing.T) {
	ix := New(testOptions(), nil, 1)

	var sealedCount int
	for i := 0; i < 10; i++ {
		if s := ix.Put([]byte(fmt.Sprintf("k%d", i)), val(1, int64(i*10), uint64(i+1)), model.Location{SegmentID: 1, Offset: int64(i*10 + 10)}); s != nil {
			sealedCount++
			assert.True(t, s.Sealed())
			assert.Equal(t, 4, s.Len())
		}
	}
	assert.Equal(t, 2, sealedCount)
	assert.Len(t, ix.Sealed(), 2)
	assert.Equal(t, 2, ix.ActiveLen())

	for i := 0; i < 10; i++ {
		_, ok := ix.Get([]byte(fmt.Sprintf("k%d", i)))
		assert.True(t, ok)
	}
}

func TestIndex_RotationByMemory(t *testing.T) {
	opts := testOptions()
	opts.MaxElements = 1000
	opts.MaxMemoryBytes = 2 * (entryOverhead + 2)
	ix := New(opts, nil, 1)

	assert.Nil(t, ix.Put([]byte("k1"), val(1, 0, 1), model.Location{}))
	assert.NotNil(t, ix.Put([]byte("k2"), val(1, 1, 2), model.Location{}))
}

func TestIndex_NewestWins(t *testing.T) {
	ix := New(testOptions(), nil, 1)
	ix.Put([]byte("k"), val(1, 0, 1), model.Location{})
	ix.Seal()
	ix.Put([]byte("k"), val(2, 0, 2), model.Location{})
	ix.Seal()

	v, ok := ix.Get([]byte("k"))
	assert.True(t, ok)
	assert.Equal(t, uint32(2), v.Location.SegmentID)
}

func TestIndex_BloomRejections(t *testing.T) {
	ix := New(testOptions(), nil, 1)
	for i := 0; i < 4; i++ {
		ix.Put([]byte(fmt.Sprintf("k%d", i)), val(1, int64(i), uint64(i+1)), model.Location{})
	}
	require.Len(t, ix.Sealed(), 1)

	for i := 0; i < 100; i++ {
		_, ok := ix.Get([]byte(fmt.Sprintf("absent-%d", i)))
		assert.False(t, ok)
	}
	assert.Greater(t, ix.BloomRejections(), uint64(80))
}

func TestIndex_SealIfOlder(t *testing.T) {
	ix := New(testOptions(), nil, 1)
	assert.Nil(t, ix.SealIfOlder(0, time.Now()))

	ix.Put([]byte("k"), val(1, 0, 1), model.Location{})
	assert.Nil(t, ix.SealIfOlder(time.Hour, time.Now()))
	assert.NotNil(t, ix.SealIfOlder(time.Hour, time.Now().Add(2*time.Hour)))
}

func TestIndex_EntriesSince(t *testing.T) {
	ix := New(testOptions(), nil, 1)
	for i := 1; i <= 6; i++ {
		ix.Put([]byte(fmt.Sprintf("k%d", i)), val(1, int64(i), uint64(i)), model.Location{})
	}
	// k1 rewritten, its latest seq is 7
	ix.Put([]byte("k1"), val(1, 100, 7), model.Location{})

	entries := ix.EntriesSince(4, 10)
	require.Len(t, entries, 3)
	assert.Equal(t, []byte("k5"), entries[0].Key)
	assert.Equal(t, []byte("k6"), entries[1].Key)
	assert.Equal(t, []byte("k1"), entries[2].Key)

	assert.Len(t, ix.EntriesSince(0, 2), 2)
}

func TestIndex_ForEachLatest(t *testing.T) {
	ix := New(testOptions(), nil, 1)
	ix.Put([]byte("a"), val(1, 0, 1), model.Location{})
	ix.Seal()
	ix.Put([]byte("a"), val(1, 50, 2), model.Location{})
	ix.Put([]byte("b"), val(1, 60, 3), model.Location{})

	seen := map[string]int64{}
	ix.ForEachLatest(func(key []byte, v model.IndexValue) bool {
		seen[string(key)] = v.Location.Offset
		return true
	})
	assert.Equal(t, map[string]int64{"a": 50, "b": 60}, seen)
}

func TestIndex_Update(t *testing.T) {
	ix := New(testOptions(), nil, 1)
	ix.Put([]byte("a"), val(1, 0, 1), model.Location{})
	old := ix.Seal()
	ix.Put([]byte("b"), val(1, 10, 2), model.Location{})

	err := ix.Update(func(sealed []*Segment, mutateActive func(func([]byte, *model.IndexValue))) ([]*Segment, error) {
		mutateActive(func(_ []byte, v *model.IndexValue) {
			v.Location.SegmentID = 7
		})
		replaced := old.Rewrite(ix.nextID, 0.01, func(_ []byte, v *model.IndexValue) bool {
			v.Location.SegmentID = 8
			return true
		})
		return []*Segment{replaced}, nil
	})
	require.Nil(t, err)

	v, ok := ix.Get([]byte("a"))
	assert.True(t, ok)
	assert.Equal(t, uint32(8), v.Location.SegmentID)
	v, ok = ix.Get([]byte("b"))
	assert.True(t, ok)
	assert.Equal(t, uint32(7), v.Location.SegmentID)
}

func TestIndex_ForEachEntry(t *testing.T) {
	ix := New(testOptions(), nil, 1)
	for i := 0; i < 4; i++ {
		ix.Put([]byte("k"), val(1, int64(i*10), uint64(i+1)), model.Location{SegmentID: 1, Offset: int64(i*10 + 10)})
	}
	require.NotNil(t, ix.Seal())
	ix.Put([]byte("k"), val(1, 40, 5), model.Location{SegmentID: 1, Offset: 50})

	var seqs []uint64
	ix.ForEachEntry(func(key []byte, value model.IndexValue) {
		seqs = append(seqs, value.Seq)
	})
	// the active segment only keeps seq 5, the sealed one keeps seq 4
	assert.Equal(t, []uint64{5, 4}, seqs)
}
