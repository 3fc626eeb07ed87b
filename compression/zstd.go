package compression

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// ZstdLevel represents different Zstd compression levels
type ZstdLevel int

const (
	ZstdFastest ZstdLevel = 1
	ZstdDefault ZstdLevel = 3
	ZstdBetter  ZstdLevel = 6
	ZstdBest    ZstdLevel = 9
)

func (l ZstdLevel) encoderLevel() zstd.EncoderLevel {
	switch l {
	case ZstdFastest:
		return zstd.SpeedFastest
	case ZstdBetter:
		return zstd.SpeedBetterCompression
	case ZstdBest:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedDefault
	}
}

// zstdCompressor pools encoders since they are expensive to build.
type zstdCompressor struct {
	minReductionPercent uint8
	encoderPool         sync.Pool
}

// NewZstdCompressor creates a new Zstd compressor with the specified level
func NewZstdCompressor(minReductionPercent uint8, level ZstdLevel) Compressor {
	encoderLevel := level.encoderLevel()
	c := &zstdCompressor{
		minReductionPercent: minReductionPercent,
	}
	c.encoderPool.New = func() any {
		encoder, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(encoderLevel),
			zstd.WithLowerEncoderMem(true),
			zstd.WithWindowSize(1<<20), // blocks are small; 8MB default is waste
		)
		if err != nil {
			// Only reachable with an invalid level or window size.
			panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
		}
		return encoder
	}
	return c
}

func (c *zstdCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	encoder := c.encoderPool.Get().(*zstd.Encoder)
	defer c.encoderPool.Put(encoder)

	compressed := encoder.EncodeAll(src, dst[:0])
	if !worthIt(c.minReductionPercent, src, compressed) {
		return copyInto(dst, src), false, nil
	}
	return compressed, true, nil
}

func (c *zstdCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return DecompressZstd(dst, src)
}

func (c *zstdCompressor) Type() Type {
	return Zstd
}

// A single decoder serves all goroutines; DecodeAll is safe for
// concurrent use.
var (
	decoderOnce sync.Once
	decoder     *zstd.Decoder
	decoderErr  error
)

// DecompressZstd decodes a Zstd block.
func DecompressZstd(dst, src []byte) ([]byte, error) {
	decoderOnce.Do(func() {
		decoder, decoderErr = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	})
	if decoderErr != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", decoderErr)
	}

	decompressed, err := decoder.DecodeAll(src, dst[:0])
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return decompressed, nil
}
