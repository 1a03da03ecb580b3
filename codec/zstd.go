package codec

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
)

// minCompressSize is the size under which compression is not worth a frame header.
const minCompressSize = 64

// ZstdCompressor compresses persisted index segments. The encoder and decoder
// are safe for concurrent EncodeAll/DecodeAll calls.
type ZstdCompressor struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func NewZstdCompressor() (*ZstdCompressor, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()
		return nil, fmt.Errorf("failed to create decoder: %w", err)
	}

	return &ZstdCompressor{encoder: encoder, decoder: decoder}, nil
}

// Compress returns the compressed data and whether compression was applied.
// Small or incompressible inputs are returned as is.
func (z *ZstdCompressor) Compress(data []byte) ([]byte, bool) {
	if len(data) < minCompressSize {
		return data, false
	}
	compressed := z.encoder.EncodeAll(data, nil)
	if len(compressed) < len(data) {
		return compressed, true
	}
	return data, false
}

func (z *ZstdCompressor) Decompress(data []byte) ([]byte, error) {
	decompressed, err := z.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("decompression failed: %w", err)
	}
	return decompressed, nil
}

func (z *ZstdCompressor) Close() error {
	z.decoder.Close()
	return z.encoder.Close()
}
