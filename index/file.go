package index

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cqkv/blobstore/bloom"
	"github.com/cqkv/blobstore/codec"
	"github.com/cqkv/blobstore/fio"
	"github.com/cqkv/blobstore/model"
	"github.com/cqkv/blobstore/utils"
	"github.com/viant/bintly"
)

const (
	FileSuffix = ".idx"

	fileVersion    byte = 1
	flagCompressed byte = 1
	fileHeaderSize      = 10 // magic(4) + version(1) + flags(1) + crc(4)
)

var (
	fileMagic = []byte("BSIX")

	ErrCorruptFile = errors.New("index: segment file is corrupted")
)

// segmentFile is the persisted form of a sealed segment.
type segmentFile struct {
	seg *Segment
}

func (f *segmentFile) EncodeBinary(stream *bintly.Writer) error {
	s := f.seg
	stream.Uint64(s.id)
	stream.Uint32(s.end.SegmentID)
	stream.Int64(s.end.Offset)
	stream.Int64(s.openedAt.UnixNano())
	stream.Uint32(s.filter.K())
	stream.Uint64s(s.filter.Bits())
	stream.Int(s.Len())
	s.Ascend(func(key []byte, v model.IndexValue) bool {
		stream.String(string(key))
		stream.Uint32(v.Location.SegmentID)
		stream.Int64(v.Location.Offset)
		stream.Uint32(v.Size)
		stream.Uint8(uint8(v.Flags))
		stream.Int64(v.ExpiresAt)
		stream.Int64(v.OperationTime)
		stream.Uint64(v.Seq)
		stream.Uint32(v.Original.SegmentID)
		stream.Int64(v.Original.Offset)
		stream.Uint32(v.OriginalSize)
		return true
	})
	return nil
}

func (f *segmentFile) DecodeBinary(stream *bintly.Reader) error {
	var (
		id       uint64
		end      model.Location
		openedAt int64
		k        uint32
		bits     []uint64
		count    int
	)
	stream.Uint64(&id)
	stream.Uint32(&end.SegmentID)
	stream.Int64(&end.Offset)
	stream.Int64(&openedAt)
	stream.Uint32(&k)
	stream.Uint64s(&bits)
	stream.Int(&count)

	s := NewSegment(id)
	s.end = end
	s.openedAt = time.Unix(0, openedAt)
	for i := 0; i < count; i++ {
		var (
			key   string
			v     model.IndexValue
			flags uint8
		)
		stream.String(&key)
		stream.Uint32(&v.Location.SegmentID)
		stream.Int64(&v.Location.Offset)
		stream.Uint32(&v.Size)
		stream.Uint8(&flags)
		stream.Int64(&v.ExpiresAt)
		stream.Int64(&v.OperationTime)
		stream.Uint64(&v.Seq)
		stream.Uint32(&v.Original.SegmentID)
		stream.Int64(&v.Original.Offset)
		stream.Uint32(&v.OriginalSize)
		v.Flags = model.Flags(flags)
		s.put([]byte(key), v)
	}
	s.filter = bloom.FromBits(bits, k)
	s.sealed = true
	f.seg = s
	return nil
}

// Files reads and writes sealed segments as independently loadable files
// named by segment id.
type Files struct {
	dir     string
	zstd    *codec.ZstdCompressor
	writers *bintly.Writers
	readers *bintly.Readers
}

func NewFiles(dir string, zstd *codec.ZstdCompressor) *Files {
	return &Files{
		dir:     dir,
		zstd:    zstd,
		writers: bintly.NewWriters(),
		readers: bintly.NewReaders(),
	}
}

func FileName(dir string, id uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%09d", id)+FileSuffix)
}

func (f *Files) Path(id uint64) string {
	return FileName(f.dir, id)
}

// Write persists a sealed segment atomically.
func (f *Files) Write(s *Segment) error {
	if !s.sealed {
		return fmt.Errorf("index: segment %d is not sealed", s.id)
	}

	w := f.writers.Get()
	defer f.writers.Put(w)
	if err := (&segmentFile{seg: s}).EncodeBinary(w); err != nil {
		return err
	}

	payload, compressed := f.zstd.Compress(w.Bytes())
	data := make([]byte, fileHeaderSize, fileHeaderSize+len(payload))
	copy(data[0:4], fileMagic)
	data[4] = fileVersion
	if compressed {
		data[5] = flagCompressed
	}
	binary.BigEndian.PutUint32(data[6:10], utils.GenerateCrc(payload))
	data = append(data, payload...)

	return fio.WriteFileAtomic(f.Path(s.id), data)
}

// Read loads the sealed segment with the given id.
func (f *Files) Read(id uint64) (*Segment, error) {
	data, err := os.ReadFile(f.Path(id))
	if err != nil {
		return nil, err
	}
	if len(data) < fileHeaderSize || string(data[0:4]) != string(fileMagic) || data[4] != fileVersion {
		return nil, fmt.Errorf("%w: bad header in %s", ErrCorruptFile, f.Path(id))
	}
	payload := data[fileHeaderSize:]
	if !utils.CheckCrc(binary.BigEndian.Uint32(data[6:10]), payload) {
		return nil, fmt.Errorf("%w: checksum mismatch in %s", ErrCorruptFile, f.Path(id))
	}
	if data[5]&flagCompressed != 0 {
		if payload, err = f.zstd.Decompress(payload); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
		}
	}

	r := f.readers.Get()
	defer f.readers.Put(r)
	if err = r.FromBytes(payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	file := &segmentFile{}
	if err = file.DecodeBinary(r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptFile, err)
	}
	if file.seg.id != id {
		return nil, fmt.Errorf("%w: %s holds segment %d", ErrCorruptFile, f.Path(id), file.seg.id)
	}
	return file.seg, nil
}

func (f *Files) Remove(id uint64) error {
	err := os.Remove(f.Path(id))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
