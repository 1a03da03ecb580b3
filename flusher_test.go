package blobstore

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/cqkv/blobstore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCovers(t *testing.T) {
	order := []uint32{4, 2, 7}
	synced := model.Location{SegmentID: 2, Offset: 100}

	assert.True(t, covers(order, synced, model.Location{SegmentID: 4, Offset: 900}))
	assert.True(t, covers(order, synced, model.Location{SegmentID: 2, Offset: 100}))
	assert.False(t, covers(order, synced, model.Location{SegmentID: 2, Offset: 101}))
	assert.False(t, covers(order, synced, model.Location{SegmentID: 7, Offset: 0}))
	assert.False(t, covers(order, synced, model.Location{SegmentID: 5, Offset: 0}))
}

func TestFlush_PersistsIndex(t *testing.T) {
	dir := t.TempDir()
	s := openStore(t, dir)
	for i := 0; i < 10; i++ {
		_, err := s.Put([]byte(fmt.Sprintf("key-%d", i)), []byte("value"))
		require.NoError(t, err)
	}

	// not old enough to be sealed by a periodic flush
	require.NoError(t, s.flusher.flushWithRetry(testContext(t), false))
	assert.Empty(t, s.manifest.IndexSegments)

	require.NoError(t, s.Flush())
	require.Len(t, s.manifest.IndexSegments, 1)
	assert.Equal(t, s.log.End(), s.manifest.IndexEnd)
	assert.Equal(t, uint64(10), s.manifest.LastSeq)
	assert.FileExists(t, s.indexFiles.Path(s.manifest.IndexSegments[0]))

	idx, err := filepath.Glob(filepath.Join(dir, "*.idx"))
	require.NoError(t, err)
	assert.Len(t, idx, 1)

	// nothing is left to replay after a flush
	crash(s)
	s = openStore(t, dir)
	defer s.Close()
	assert.Equal(t, 0, s.journal.Len())
	_, err = s.Get([]byte("key-3"))
	assert.NoError(t, err)
}

func TestFlush_SealsOldIndexSegment(t *testing.T) {
	cfg := testConfig()
	cfg.DataFlushIntervalSeconds = 1
	s, err := Open(t.TempDir(), WithConfig(cfg))
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("key"), []byte("value"))
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)

	require.NoError(t, s.flusher.flushWithRetry(testContext(t), false))
	assert.Len(t, s.manifest.IndexSegments, 1)
}

// testContext mirrors testing.T.Context (Go 1.24+) for older toolchains:
// the returned context is canceled when the test finishes.
func testContext(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
