package codec

import (
	"testing"

	"github.com/cqkv/blobstore/model"
	"github.com/stretchr/testify/assert"
)

func newCodecImpl() *CodecImpl {
	return NewCodecImpl()
}

func TestCodecImpl_MarshalRecordHeader(t *testing.T) {
	cl := newCodecImpl()
	header := &model.RecordHeader{
		Crc:       123,
		Flags:     model.FlagDelete,
		Seq:       7,
		KeySize:   1 + 1<<7,
		ValueSize: 2,
	}
	data, err := cl.MarshalRecordHeader(header)
	assert.Nil(t, err)
	assert.Equal(t, HeaderSize, len(data))
	assert.Equal(t, []byte{0, 0, 0, 123}, data[:4])
	assert.Equal(t, byte(model.FlagDelete), data[4])
}

func TestCodecImpl_UnmarshalRecordHeader(t *testing.T) {
	cl := newCodecImpl()
	src := &model.RecordHeader{
		Crc:           99,
		Flags:         model.FlagPut,
		Seq:           42,
		OperationTime: 1700000000000,
		ExpiresAt:     1800000000000,
		KeySize:       3,
		ValueSize:     5,
	}
	data, err := cl.MarshalRecordHeader(src)
	assert.Nil(t, err)

	header := &model.RecordHeader{}
	err = cl.UnmarshalRecordHeader(data, header)
	assert.Nil(t, err)
	assert.Equal(t, *src, *header)

	err = cl.UnmarshalRecordHeader(data[:10], header)
	assert.NotNil(t, err)
}

func TestCodecImpl_MarshalRecord(t *testing.T) {
	cl := newCodecImpl()
	record := &model.Record{
		Flags: model.FlagPut,
		Seq:   1,
		Key:   []byte("key"),
		Value: []byte("value"),
	}
	data, size, err := cl.MarshalRecord(record)
	assert.Nil(t, err)
	assert.Equal(t, int64(HeaderSize+8), size)
	assert.Equal(t, int(size), len(data))
	assert.NotZero(t, record.Crc)
	assert.Equal(t, record.Crc, cl.Checksum(data))

	// flipping a payload byte breaks the checksum
	data[len(data)-1] ^= 0xff
	assert.NotEqual(t, record.Crc, cl.Checksum(data))
}

func TestCodecImpl_UnmarshalRecord(t *testing.T) {
	cl := newCodecImpl()
	src := &model.Record{
		Flags: model.FlagPut,
		Seq:   3,
		Key:   []byte("key"),
		Value: []byte("value"),
	}
	data, _, err := cl.MarshalRecord(src)
	assert.Nil(t, err)

	header := &model.RecordHeader{}
	assert.Nil(t, cl.UnmarshalRecordHeader(data, header))

	record := &model.Record{}
	err = cl.UnmarshalRecord(data[HeaderSize:], header, record)
	assert.Nil(t, err)
	assert.Equal(t, []byte("key"), record.Key)
	assert.Equal(t, []byte("value"), record.Value)
	assert.Equal(t, src.Crc, record.Crc)
	assert.Equal(t, uint64(3), record.Seq)

	err = cl.UnmarshalRecord(data[HeaderSize:HeaderSize+4], header, record)
	assert.ErrorIs(t, err, ErrShortRecord)
}
