package blobstore

import (
	"os"
	"testing"

	"github.com/cqkv/blobstore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManifest_WriteRead(t *testing.T) {
	dir := t.TempDir()

	m, err := readManifest(dir)
	require.NoError(t, err)
	assert.Nil(t, m)

	want := &manifest{
		Version:         manifestVersion,
		StoreID:         "5f0c6a43-1d0e-4b5e-9a7e-0b4c3c1f2a10",
		SegmentCapacity: 1 << 20,
		NextSegmentID:   9,
		Segments:        []uint32{7, 3, 8},
		NextIndexID:     5,
		IndexSegments:   []uint64{2, 4},
		IndexEnd:        model.Location{SegmentID: 8, Offset: 4096},
		Generation:      2,
		LastSeq:         1234,
	}
	require.NoError(t, writeManifest(dir, want))

	got, err := readManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestManifest_Corrupted(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writeManifest(dir, &manifest{Version: manifestVersion, Segments: []uint32{1}}))

	data, err := os.ReadFile(manifestPath(dir))
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(manifestPath(dir), data, 0644))

	_, err = readManifest(dir)
	assert.ErrorIs(t, err, ErrCorruptManifest)

	_, err = Open(dir, WithConfig(testConfig()))
	assert.ErrorIs(t, err, ErrCorruptManifest)
}
