package compression

import (
	"fmt"

	"github.com/golang/snappy"
)

// snappyCompressor writes the raw snappy block format LevelDB uses.
type snappyCompressor struct {
	minReductionPercent uint8
}

func NewSnappyCompressor(minReductionPercent uint8) Compressor {
	return &snappyCompressor{
		minReductionPercent: minReductionPercent,
	}
}

func (c *snappyCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	compressed := snappy.Encode(dst[:cap(dst)], src)
	if !worthIt(c.minReductionPercent, src, compressed) {
		return copyInto(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *snappyCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return DecompressSnappy(dst, src)
}

func (c *snappyCompressor) Type() Type {
	return Snappy
}

// DecompressSnappy decodes a raw snappy block.
func DecompressSnappy(dst, src []byte) ([]byte, error) {
	decompressed, err := snappy.Decode(dst[:cap(dst)], src)
	if err != nil {
		return nil, fmt.Errorf("snappy decompression failed: %w", err)
	}
	return decompressed, nil
}
