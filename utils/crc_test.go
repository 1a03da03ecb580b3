package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCrc(t *testing.T) {
	// CRC-32C check value
	assert.Equal(t, uint32(0xe3069283), GenerateCrc([]byte("123456789")))

	data := []byte("blobstore")
	crc := GenerateCrc(data)
	assert.True(t, CheckCrc(crc, data))
	data[0] ^= 1
	assert.False(t, CheckCrc(crc, data))
}
