package seglog

import (
	"bytes"
	"os"
	"testing"

	"github.com/cqkv/blobstore/codec"
	"github.com/cqkv/blobstore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openLog(t *testing.T, dir string, capacity int64, order []uint32) *Log {
	l, err := Open(Options{
		Dir:             dir,
		SegmentCapacity: capacity,
		Codec:           codec.NewCodecImpl(),
	}, order, 0)
	require.Nil(t, err)
	return l
}

func put(key, value string, seq uint64) *model.Record {
	return &model.Record{
		Flags: model.FlagPut,
		Seq:   seq,
		Key:   []byte(key),
		Value: []byte(value),
	}
}

func TestLog_AppendRead(t *testing.T) {
	l := openLog(t, t.TempDir(), 1024, nil)
	defer l.Close()

	loc, size, err := l.Append(put("key", "value", 1))
	require.Nil(t, err)
	assert.Equal(t, int64(codec.HeaderSize+8), size)
	assert.Equal(t, model.Location{SegmentID: 1, Offset: 0}, loc)

	record, err := l.Read(loc)
	require.Nil(t, err)
	assert.Equal(t, []byte("value"), record.Value)
	assert.Equal(t, model.FlagPut, record.Flags)

	_, err = l.Read(model.Location{SegmentID: 1, Offset: 4096})
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = l.Read(model.Location{SegmentID: 42})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLog_SegmentBoundary(t *testing.T) {
	const capacity = 256
	l := openLog(t, t.TempDir(), capacity, nil)
	defer l.Close()

	key := "k"
	exact := bytes.Repeat([]byte("x"), capacity-codec.HeaderSize-len(key))
	loc, size, err := l.Append(&model.Record{Flags: model.FlagPut, Key: []byte(key), Value: exact})
	require.Nil(t, err)
	assert.Equal(t, int64(capacity), size)

	_, _, err = l.Append(&model.Record{Flags: model.FlagPut, Key: []byte(key), Value: append(exact, 'y')})
	assert.ErrorIs(t, err, ErrOutOfCapacity)

	record, err := l.Read(loc)
	require.Nil(t, err)
	assert.Equal(t, exact, record.Value)
}

func TestLog_Rollover(t *testing.T) {
	l := openLog(t, t.TempDir(), 100, nil)
	defer l.Close()

	var rolled int
	l.SetRolloverHook(func() error {
		rolled++
		return nil
	})

	var locs []model.Location
	for i := 0; i < 6; i++ {
		loc, _, err := l.Append(put("key", "0123456789", uint64(i)))
		require.Nil(t, err)
		locs = append(locs, loc)
	}
	// each record is 50 bytes, two fit a segment
	assert.Equal(t, 2, rolled)
	assert.Equal(t, []uint32{1, 2, 3}, l.Order())
	assert.Equal(t, uint32(3), l.ActiveID())
	for _, loc := range locs {
		_, err := l.Read(loc)
		assert.Nil(t, err)
	}

	seg, ok := l.Segment(1)
	require.True(t, ok)
	assert.True(t, seg.IsSealed())
}

func TestLog_CorruptRecord(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 1024, nil)
	loc, _, err := l.Append(put("key", "value", 1))
	require.Nil(t, err)
	_, _, err = l.Append(put("key2", "value2", 2))
	require.Nil(t, err)

	f, err := os.OpenFile(SegmentFileName(dir, 1), os.O_RDWR, 0644)
	require.Nil(t, err)
	_, err = f.WriteAt([]byte{'X'}, int64(codec.HeaderSize)+3)
	require.Nil(t, err)
	require.Nil(t, f.Close())

	_, err = l.Read(loc)
	assert.ErrorIs(t, err, ErrCorruptRecord)

	var corrupt, good int
	_, err = l.Scan(1, 0, func(_ model.Location, _ *model.Record, _ int64, recErr error) error {
		if recErr != nil {
			corrupt++
		} else {
			good++
		}
		return nil
	})
	assert.Nil(t, err)
	assert.Equal(t, 1, corrupt)
	assert.Equal(t, 1, good)
	require.Nil(t, l.Close())
}

func TestLog_RecoverTail(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 1024, nil)
	_, size, err := l.Append(put("key", "value", 1))
	require.Nil(t, err)
	require.Nil(t, l.Close())

	// a torn write leaves half a header behind
	f, err := os.OpenFile(SegmentFileName(dir, 1), os.O_RDWR, 0644)
	require.Nil(t, err)
	_, err = f.WriteAt([]byte{1, 2, 3, 4, 5, 6, 7}, size)
	require.Nil(t, err)
	require.Nil(t, f.Close())

	l = openLog(t, dir, 1024, []uint32{1})
	defer l.Close()
	assert.Equal(t, model.Location{SegmentID: 1, Offset: size}, l.End())

	loc, _, err := l.Append(put("key2", "value2", 2))
	require.Nil(t, err)
	assert.Equal(t, size, loc.Offset)
}

func TestLog_Scrub(t *testing.T) {
	dir := t.TempDir()
	l := openLog(t, dir, 1024, nil)
	defer l.Close()

	loc, size, err := l.Append(put("key", "secret", 1))
	require.Nil(t, err)

	_, err = l.Scrub(loc, []byte("other"))
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := l.Scrub(loc, []byte("key"))
	require.Nil(t, err)
	assert.Equal(t, size, n)

	_, err = l.Read(loc)
	assert.ErrorIs(t, err, ErrDeleted)

	header, err := l.ReadHeader(loc)
	require.Nil(t, err)
	assert.True(t, header.Flags.IsHardDeleted())
	assert.Equal(t, uint32(6), header.ValueSize)

	raw, err := os.ReadFile(SegmentFileName(dir, 1))
	require.Nil(t, err)
	payload := raw[int64(codec.HeaderSize)+3 : size]
	assert.Equal(t, make([]byte, 6), payload)

	n, err = l.Scrub(loc, []byte("key"))
	assert.Nil(t, err)
	assert.Zero(t, n)
}

func TestLog_ReadProbe(t *testing.T) {
	var reads int
	l, err := Open(Options{
		Dir:             t.TempDir(),
		SegmentCapacity: 1024,
		Codec:           codec.NewCodecImpl(),
		ReadProbe:       func(model.Location) { reads++ },
	}, nil, 0)
	require.Nil(t, err)
	defer l.Close()

	loc, _, err := l.Append(put("key", "value", 1))
	require.Nil(t, err)
	_, err = l.Read(loc)
	require.Nil(t, err)
	assert.Equal(t, 1, reads)
}

func TestLog_Replace(t *testing.T) {
	l := openLog(t, t.TempDir(), 100, nil)
	defer l.Close()

	for i := 0; i < 8; i++ {
		_, _, err := l.Append(put("key", "0123456789", uint64(i)))
		require.Nil(t, err)
	}
	require.Equal(t, []uint32{1, 2, 3, 4}, l.Order())

	out, err := l.CreateSegment()
	require.Nil(t, err)
	loc, _, err := l.AppendTo(out, put("key", "0123456789", 9))
	require.Nil(t, err)
	require.Nil(t, out.Seal())

	_, err = l.PlanOrder([]Replacement{{Old: []uint32{1, 3}, New: []*Segment{out}}})
	assert.NotNil(t, err)
	_, err = l.PlanOrder([]Replacement{{Old: []uint32{4}, New: []*Segment{out}}})
	assert.NotNil(t, err)

	planned, err := l.PlanOrder([]Replacement{{Old: []uint32{1, 2}, New: []*Segment{out}}})
	require.Nil(t, err)
	assert.Equal(t, []uint32{5, 3, 4}, planned)

	retired, err := l.Replace([]Replacement{{Old: []uint32{1, 2}, New: []*Segment{out}}})
	require.Nil(t, err)
	assert.Len(t, retired, 2)
	assert.Equal(t, planned, l.Order())
	assert.False(t, l.IsLive(1))

	_, err = l.Read(loc)
	assert.Nil(t, err)
	for _, seg := range retired {
		assert.Nil(t, seg.Remove())
	}
}
