package seglog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/cqkv/blobstore/fio"
)

const SegmentFileSuffix = ".seg"

var ErrSegmentSealed = errors.New("seglog: segment is sealed")

// Segment is one fixed-capacity append-only file of the log.
type Segment struct {
	ID       uint32
	path     string
	capacity int64
	io       fio.IOManager

	writeOffset atomic.Int64
	sealed      atomic.Bool
}

func SegmentFileName(dir string, id uint32) string {
	return filepath.Join(dir, fmt.Sprintf("%09d", id)+SegmentFileSuffix)
}

// OpenSegment opens or creates the segment file, the write offset is the file size.
func OpenSegment(dir string, id uint32, capacity int64) (*Segment, error) {
	path := SegmentFileName(dir, id)
	ioManager, err := fio.NewFileIO(path)
	if err != nil {
		return nil, err
	}
	size, err := ioManager.Size()
	if err != nil {
		_ = ioManager.Close()
		return nil, err
	}

	s := &Segment{
		ID:       id,
		path:     path,
		capacity: capacity,
		io:       ioManager,
	}
	s.writeOffset.Store(size)
	return s, nil
}

func (s *Segment) Path() string { return s.path }

func (s *Segment) Capacity() int64 { return s.capacity }

func (s *Segment) WriteOffset() int64 { return s.writeOffset.Load() }

func (s *Segment) Remaining() int64 { return s.capacity - s.writeOffset.Load() }

func (s *Segment) IsSealed() bool { return s.sealed.Load() }

// Append writes data at the write offset and returns where it starts.
// Callers serialise appends.
func (s *Segment) Append(data []byte) (int64, error) {
	if s.sealed.Load() {
		return 0, ErrSegmentSealed
	}
	offset := s.writeOffset.Load()
	if offset+int64(len(data)) > s.capacity {
		return 0, fmt.Errorf("seglog: segment %d has %d bytes left, need %d", s.ID, s.capacity-offset, len(data))
	}
	if _, err := s.io.Write(data, offset); err != nil {
		return 0, err
	}
	s.writeOffset.Store(offset + int64(len(data)))
	return offset, nil
}

// ReadAt fills buf from offset, a short read is io.ErrUnexpectedEOF.
func (s *Segment) ReadAt(buf []byte, offset int64) error {
	n, err := s.io.Read(buf, offset)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// WriteAt overwrites already written bytes, used by the scrubber only.
func (s *Segment) WriteAt(data []byte, offset int64) error {
	if offset+int64(len(data)) > s.writeOffset.Load() {
		return fmt.Errorf("seglog: overwrite past the write offset of segment %d", s.ID)
	}
	_, err := s.io.Write(data, offset)
	return err
}

func (s *Segment) Truncate(size int64) error {
	if err := s.io.Truncate(size); err != nil {
		return err
	}
	s.writeOffset.Store(size)
	return nil
}

func (s *Segment) Sync() error {
	return s.io.Sync()
}

// Seal syncs the segment and stops further appends.
func (s *Segment) Seal() error {
	if err := s.io.Sync(); err != nil {
		return err
	}
	s.sealed.Store(true)
	return nil
}

func (s *Segment) AdviseSequential() {
	if adviser, ok := s.io.(fio.SequentialAdviser); ok {
		_ = adviser.AdviseSequential()
	}
}

func (s *Segment) Close() error {
	return s.io.Close()
}

// Remove closes the segment and unlinks its file.
func (s *Segment) Remove() error {
	_ = s.io.Close()
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
