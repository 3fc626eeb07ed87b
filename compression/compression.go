// Package compression holds the block codecs used by table files. The
// Type values double as the compression byte stored in each block
// trailer, so None and Snappy match the LevelDB on-disk values.
package compression

import (
	"errors"
	"fmt"
	"strings"

	"github.com/twlk9/ldb/keys"
)

// Type represents different compression algorithms
type Type uint8

const (
	// None stores blocks without compression
	None Type = iota

	// Snappy is the LevelDB default codec
	Snappy

	// Zstd gives better ratios than Snappy, slightly slower
	Zstd

	// S2 is faster than Snappy with better ratios
	S2
)

// ErrUnknownType is returned for a block trailer naming a codec this
// build does not know.
var ErrUnknownType = errors.New("compression: unknown type")

// String returns the string representation of the compression type
func (t Type) String() string {
	switch t {
	case None:
		return "none"
	case Snappy:
		return "snappy"
	case Zstd:
		return "zstd"
	case S2:
		return "s2"
	default:
		return "unknown"
	}
}

// ParseType is the inverse of Type.String.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "":
		return None, nil
	case "snappy":
		return Snappy, nil
	case "zstd":
		return Zstd, nil
	case "s2":
		return S2, nil
	}
	return None, fmt.Errorf("%w: %q", ErrUnknownType, s)
}

// MarshalText lets a Type appear by name in option files.
func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Config holds compression configuration
type Config struct {
	Type Type `yaml:"type"`

	// MinReductionPercent is the minimum size reduction required to
	// store a block compressed. Blocks that shrink less are stored raw.
	MinReductionPercent uint8 `yaml:"min_reduction_percent"`

	// ZstdLevel is only used when Type is Zstd.
	ZstdLevel ZstdLevel `yaml:"zstd_level"`
}

// DefaultConfig is Snappy, as LevelDB writes it.
func DefaultConfig() Config {
	return SnappyConfig()
}

func SnappyConfig() Config {
	return Config{
		Type:                Snappy,
		MinReductionPercent: 12, // 12.5% minimum reduction, as LevelDB
	}
}

func ZstdFastConfig() Config {
	return Config{
		Type:                Zstd,
		MinReductionPercent: 10,
		ZstdLevel:           ZstdFastest,
	}
}

// ZstdBalancedConfig uses ZstdDefault, which needs ~5.5MB per encoder
// compared to ~136MB for ZstdBest.
func ZstdBalancedConfig() Config {
	return Config{
		Type:                Zstd,
		MinReductionPercent: 8,
		ZstdLevel:           ZstdDefault,
	}
}

// ZstdBestConfig uses significantly more memory than ZstdBalancedConfig.
func ZstdBestConfig() Config {
	return Config{
		Type:                Zstd,
		MinReductionPercent: 5,
		ZstdLevel:           ZstdBest,
	}
}

func NoCompressionConfig() Config {
	return Config{Type: None}
}

func S2DefaultConfig() Config {
	return Config{
		Type:                S2,
		MinReductionPercent: 12,
	}
}

// TieredCompressionConfig picks a codec per level: fast compression for
// the frequently rewritten top levels and strong compression for the
// bottom where most data lives.
type TieredCompressionConfig struct {
	TopCompression    Config `yaml:"top"`
	BottomCompression Config `yaml:"bottom"`

	// Levels 0 to TopLevelCount-1 use TopCompression, the rest
	// BottomCompression.
	TopLevelCount int `yaml:"top_level_count"`
}

// GetConfigForLevel returns the appropriate compression config for a given level
func (tc TieredCompressionConfig) GetConfigForLevel(level int) Config {
	if level < tc.TopLevelCount {
		return tc.TopCompression
	}
	return tc.BottomCompression
}

// UniformConfig uses c on every level.
func UniformConfig(c Config) *TieredCompressionConfig {
	return &TieredCompressionConfig{
		TopCompression:    c,
		BottomCompression: c,
	}
}

// DefaultTieredConfig is S2 on L0-L2 and balanced Zstd on L3+. Tables
// written this way are not readable by stock LevelDB.
func DefaultTieredConfig() *TieredCompressionConfig {
	return &TieredCompressionConfig{
		TopCompression:    S2DefaultConfig(),
		BottomCompression: ZstdBalancedConfig(),
		TopLevelCount:     3,
	}
}

// Compressor interface defines compression operations
type Compressor interface {
	// Compress compresses src into dst. The bool reports whether the
	// result is compressed; false means dst holds a copy of src.
	Compress(dst, src []byte) ([]byte, bool, error)

	Decompress(dst, src []byte) ([]byte, error)

	Type() Type
}

// NewCompressor creates a new compressor based on the configuration
func NewCompressor(config Config) (Compressor, error) {
	switch config.Type {
	case None:
		return noneCompressor{}, nil
	case Snappy:
		return NewSnappyCompressor(config.MinReductionPercent), nil
	case Zstd:
		return NewZstdCompressor(config.MinReductionPercent, config.ZstdLevel), nil
	case S2:
		return NewS2Compressor(config.MinReductionPercent), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, config.Type)
	}
}

type noneCompressor struct{}

func (noneCompressor) Compress(dst, src []byte) ([]byte, bool, error) {
	return copyInto(dst, src), false, nil
}

func (noneCompressor) Decompress(dst, src []byte) ([]byte, error) {
	return copyInto(dst, src), nil
}

func (noneCompressor) Type() Type {
	return None
}

func copyInto(dst, src []byte) []byte {
	if cap(dst) < len(src) {
		dst = make([]byte, len(src))
	} else {
		dst = dst[:len(src)]
	}
	copy(dst, src)
	return dst
}

// worthIt reports whether compressed meets the reduction threshold.
func worthIt(minReductionPercent uint8, src, compressed []byte) bool {
	if minReductionPercent == 0 {
		return len(compressed) < len(src)
	}
	return (len(src)-len(compressed))*100/len(src) >= int(minReductionPercent)
}

// minCompressionSize is the block size below which encoders are skipped.
const minCompressionSize = 1024

// CompressBlock compresses a block with c and returns the trailer type
// to record for it.
func CompressBlock(c Compressor, dst, src []byte) ([]byte, Type, error) {
	if c == nil || c.Type() == None || len(src) < minCompressionSize {
		return copyInto(dst, src), None, nil
	}

	compressed, ok, err := c.Compress(dst, src)
	if err != nil {
		return nil, None, err
	}
	if !ok {
		return compressed, None, nil
	}
	return compressed, c.Type(), nil
}

// DecompressBlock decodes a block according to the type byte from its
// trailer. Undecodable data is reported as corruption.
func DecompressBlock(dst, src []byte, t Type) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch t {
	case None:
		return copyInto(dst, src), nil
	case Snappy:
		out, err = DecompressSnappy(dst, src)
	case Zstd:
		out, err = DecompressZstd(dst, src)
	case S2:
		out, err = DecompressS2(dst, src)
	default:
		return nil, fmt.Errorf("%w: %w: %d", keys.ErrCorruption, ErrUnknownType, t)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", keys.ErrCorruption, err)
	}
	return out, nil
}
