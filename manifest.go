package blobstore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cqkv/blobstore/fio"
	"github.com/cqkv/blobstore/model"
	"github.com/cqkv/blobstore/utils"
	"google.golang.org/protobuf/encoding/protowire"
)

const (
	manifestName    = "MANIFEST"
	manifestVersion = 1
)

var manifestMagic = []byte("BSMF")

// manifest is the durable description of a store. Rewriting it is the single
// commit point for rollovers, flushes and compaction swaps.
type manifest struct {
	Version         uint64
	StoreID         string
	SegmentCapacity int64
	NextSegmentID   uint32
	Segments        []uint32 // log order
	NextIndexID     uint64
	IndexSegments   []uint64 // oldest first
	IndexEnd        model.Location
	Generation      uint64
	LastSeq         uint64
}

const (
	fieldVersion protowire.Number = iota + 1
	fieldStoreID
	fieldSegmentCapacity
	fieldNextSegmentID
	fieldSegments
	fieldNextIndexID
	fieldIndexSegments
	fieldIndexEndSegment
	fieldIndexEndOffset
	fieldGeneration
	fieldLastSeq
)

func manifestPath(dir string) string {
	return filepath.Join(dir, manifestName)
}

func (m *manifest) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldVersion, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Version)
	b = protowire.AppendTag(b, fieldStoreID, protowire.BytesType)
	b = protowire.AppendString(b, m.StoreID)
	b = protowire.AppendTag(b, fieldSegmentCapacity, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.SegmentCapacity))
	b = protowire.AppendTag(b, fieldNextSegmentID, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.NextSegmentID))

	var packed []byte
	for _, id := range m.Segments {
		packed = protowire.AppendVarint(packed, uint64(id))
	}
	b = protowire.AppendTag(b, fieldSegments, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = protowire.AppendTag(b, fieldNextIndexID, protowire.VarintType)
	b = protowire.AppendVarint(b, m.NextIndexID)

	packed = packed[:0]
	for _, id := range m.IndexSegments {
		packed = protowire.AppendVarint(packed, id)
	}
	b = protowire.AppendTag(b, fieldIndexSegments, protowire.BytesType)
	b = protowire.AppendBytes(b, packed)

	b = protowire.AppendTag(b, fieldIndexEndSegment, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.IndexEnd.SegmentID))
	b = protowire.AppendTag(b, fieldIndexEndOffset, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.IndexEnd.Offset))
	b = protowire.AppendTag(b, fieldGeneration, protowire.VarintType)
	b = protowire.AppendVarint(b, m.Generation)
	b = protowire.AppendTag(b, fieldLastSeq, protowire.VarintType)
	b = protowire.AppendVarint(b, m.LastSeq)
	return b
}

func consumePacked(b []byte) ([]uint64, error) {
	var out []uint64
	for len(b) > 0 {
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		out = append(out, v)
		b = b[n:]
	}
	return out, nil
}

func (m *manifest) unmarshal(b []byte) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		switch {
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldVersion:
				m.Version = v
			case fieldSegmentCapacity:
				m.SegmentCapacity = int64(v)
			case fieldNextSegmentID:
				m.NextSegmentID = uint32(v)
			case fieldNextIndexID:
				m.NextIndexID = v
			case fieldIndexEndSegment:
				m.IndexEnd.SegmentID = uint32(v)
			case fieldIndexEndOffset:
				m.IndexEnd.Offset = int64(v)
			case fieldGeneration:
				m.Generation = v
			case fieldLastSeq:
				m.LastSeq = v
			}
		case typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
			switch num {
			case fieldStoreID:
				m.StoreID = string(v)
			case fieldSegments:
				ids, err := consumePacked(v)
				if err != nil {
					return err
				}
				m.Segments = make([]uint32, 0, len(ids))
				for _, id := range ids {
					m.Segments = append(m.Segments, uint32(id))
				}
			case fieldIndexSegments:
				ids, err := consumePacked(v)
				if err != nil {
					return err
				}
				m.IndexSegments = ids
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return nil
}

func writeManifest(dir string, m *manifest) error {
	body := m.marshal()
	data := make([]byte, 8, 8+len(body))
	copy(data[0:4], manifestMagic)
	binary.BigEndian.PutUint32(data[4:8], utils.GenerateCrc(body))
	data = append(data, body...)
	return fio.WriteFileAtomic(manifestPath(dir), data)
}

// readManifest returns nil, nil when the store has no manifest yet.
func readManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) < 8 || string(data[0:4]) != string(manifestMagic) {
		return nil, fmt.Errorf("%w: bad header", ErrCorruptManifest)
	}
	body := data[8:]
	if !utils.CheckCrc(binary.BigEndian.Uint32(data[4:8]), body) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptManifest)
	}
	m := &manifest{}
	if err = m.unmarshal(body); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptManifest, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptManifest, m.Version)
	}
	return m, nil
}
