package fio

import "os"

// FileIO is the default implement for IOManager
type FileIO struct {
	fd *os.File
}

// NewFileIO opens file for positional reads and writes.
// O_APPEND is not used, os.File refuses WriteAt on such files.
func NewFileIO(file string) (*FileIO, error) {
	fd, err := os.OpenFile(file, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	return &FileIO{fd: fd}, nil
}

func (fio *FileIO) Read(buf []byte, offset int64) (int, error) {
	return fio.fd.ReadAt(buf, offset)
}

func (fio *FileIO) Write(data []byte, offset int64) (int, error) {
	return fio.fd.WriteAt(data, offset)
}

func (fio *FileIO) Size() (int64, error) {
	info, err := fio.fd.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (fio *FileIO) Truncate(size int64) error {
	return fio.fd.Truncate(size)
}

func (fio *FileIO) Sync() error {
	return datasync(fio.fd)
}

func (fio *FileIO) Close() error {
	return fio.fd.Close()
}

func (fio *FileIO) AdviseSequential() error {
	return adviseSequential(fio.fd)
}
