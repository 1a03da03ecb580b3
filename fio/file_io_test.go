package fio

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileIO_Write(t *testing.T) {
	fio, err := NewFileIO(filepath.Join(t.TempDir(), "data"))
	require.Nil(t, err)
	defer fio.Close()

	n, err := fio.Write([]byte("hello"), 0)
	assert.Nil(t, err)
	assert.Equal(t, 5, n)

	n, err = fio.Write([]byte("world"), 5)
	assert.Nil(t, err)
	assert.Equal(t, 5, n)

	size, err := fio.Size()
	assert.Nil(t, err)
	assert.Equal(t, int64(10), size)
}

func TestFileIO_Read(t *testing.T) {
	fio, err := NewFileIO(filepath.Join(t.TempDir(), "data"))
	require.Nil(t, err)
	defer fio.Close()

	_, err = fio.Write([]byte("hello"), 0)
	assert.Nil(t, err)

	// positional writes overwrite in place
	_, err = fio.Write([]byte("J"), 0)
	assert.Nil(t, err)

	buf := make([]byte, 5)
	n, err := fio.Read(buf, 0)
	assert.Nil(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, "Jello", string(buf))
}

func TestFileIO_Truncate(t *testing.T) {
	fio, err := NewFileIO(filepath.Join(t.TempDir(), "data"))
	require.Nil(t, err)
	defer fio.Close()

	_, err = fio.Write([]byte("hello world"), 0)
	assert.Nil(t, err)
	assert.Nil(t, fio.Truncate(5))

	size, err := fio.Size()
	assert.Nil(t, err)
	assert.Equal(t, int64(5), size)
}

func TestFileIO_SyncAndAdvise(t *testing.T) {
	fio, err := NewFileIO(filepath.Join(t.TempDir(), "data"))
	require.Nil(t, err)

	_, err = fio.Write([]byte("aaa"), 0)
	assert.Nil(t, err)
	assert.Nil(t, fio.Sync())
	assert.Nil(t, fio.AdviseSequential())
	assert.Nil(t, fio.Close())
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "MANIFEST")

	require.Nil(t, WriteFileAtomic(path, []byte("v1")))
	require.Nil(t, WriteFileAtomic(path, []byte("v2")))

	data, err := os.ReadFile(path)
	assert.Nil(t, err)
	assert.Equal(t, "v2", string(data))

	_, err = os.Stat(path + TempSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestLockDir(t *testing.T) {
	dir := t.TempDir()
	first, err := LockDir(dir)
	assert.Nil(t, err)
	assert.NotNil(t, first)

	_, err = LockDir(dir)
	assert.ErrorIs(t, err, ErrLocked)

	assert.Nil(t, first.Unlock())
	second, err := LockDir(dir)
	assert.Nil(t, err)
	assert.Nil(t, second.Unlock())
}
