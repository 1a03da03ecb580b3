package codec

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/cqkv/blobstore/model"
	"github.com/cqkv/blobstore/utils"
)

const HeaderSize = 37

var ErrShortRecord = errors.New("codec: record data is shorter than its header claims")

type CodecImpl struct{}

func NewCodecImpl() *CodecImpl {
	return &CodecImpl{}
}

/*
default codec, all integers big endian:
	- header: crc(4) + flags(1) + seq(8) + opTime(8) + expiresAt(8) + keySize(4) + valueSize(4) = 37 bytes
	- record: header + key + value
	crc | flags | seq | opTime | expiresAt | keySize | valueSize | key | value
the crc covers every byte after the crc field. The header is fixed width so a
record can be rewritten in place without moving its neighbours.
*/

func (cl *CodecImpl) HeaderSize() int64 {
	return HeaderSize
}

func (cl *CodecImpl) MarshalRecordHeader(header *model.RecordHeader) ([]byte, error) {
	data := make([]byte, HeaderSize)
	putHeader(data, header)
	return data, nil
}

func putHeader(data []byte, header *model.RecordHeader) {
	binary.BigEndian.PutUint32(data[0:4], header.Crc)
	data[4] = byte(header.Flags)
	binary.BigEndian.PutUint64(data[5:13], header.Seq)
	binary.BigEndian.PutUint64(data[13:21], uint64(header.OperationTime))
	binary.BigEndian.PutUint64(data[21:29], uint64(header.ExpiresAt))
	binary.BigEndian.PutUint32(data[29:33], header.KeySize)
	binary.BigEndian.PutUint32(data[33:37], header.ValueSize)
}

func (cl *CodecImpl) UnmarshalRecordHeader(data []byte, header *model.RecordHeader) error {
	if len(data) < HeaderSize {
		return io.ErrUnexpectedEOF
	}

	header.Crc = binary.BigEndian.Uint32(data[0:4])
	header.Flags = model.Flags(data[4])
	header.Seq = binary.BigEndian.Uint64(data[5:13])
	header.OperationTime = int64(binary.BigEndian.Uint64(data[13:21]))
	header.ExpiresAt = int64(binary.BigEndian.Uint64(data[21:29]))
	header.KeySize = binary.BigEndian.Uint32(data[29:33])
	header.ValueSize = binary.BigEndian.Uint32(data[33:37])
	return nil
}

func (cl *CodecImpl) MarshalRecord(record *model.Record) ([]byte, int64, error) {
	header := record.Header()
	size := HeaderSize + int64(header.KeySize) + int64(header.ValueSize)

	data := make([]byte, size)
	putHeader(data, header)
	copy(data[HeaderSize:], record.Key)
	copy(data[HeaderSize+int64(header.KeySize):], record.Value)

	record.Crc = cl.Checksum(data)
	binary.BigEndian.PutUint32(data[0:4], record.Crc)
	return data, size, nil
}

// UnmarshalRecord expects data to start right after the header.
func (cl *CodecImpl) UnmarshalRecord(data []byte, header *model.RecordHeader, record *model.Record) error {
	kz, vz := int64(header.KeySize), int64(header.ValueSize)
	if int64(len(data)) < kz+vz {
		return ErrShortRecord
	}
	record.Crc = header.Crc
	record.Flags = header.Flags
	record.Seq = header.Seq
	record.OperationTime = header.OperationTime
	record.ExpiresAt = header.ExpiresAt
	record.Key = data[:kz]
	record.Value = data[kz : kz+vz]
	return nil
}

func (cl *CodecImpl) Checksum(data []byte) uint32 {
	if len(data) < 4 {
		return 0
	}
	return utils.GenerateCrc(data[4:])
}
