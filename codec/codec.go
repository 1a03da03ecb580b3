package codec

import "github.com/cqkv/blobstore/model"

type Codec interface {
	// HeaderSize is the fixed size of an encoded record header
	HeaderSize() int64

	MarshalRecordHeader(*model.RecordHeader) ([]byte, error)

	UnmarshalRecordHeader([]byte, *model.RecordHeader) error

	// MarshalRecord return record data (header included) and the data size,
	// the crc of the record is filled in
	MarshalRecord(*model.Record) ([]byte, int64, error)

	// UnmarshalRecord decode the key and value that follow the header
	UnmarshalRecord([]byte, *model.RecordHeader, *model.Record) error

	// Checksum compute the crc of an encoded record
	Checksum(data []byte) uint32
}
