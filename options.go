package ldb

import (
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/twlk9/ldb/bloom"
	"github.com/twlk9/ldb/compression"
	"github.com/twlk9/ldb/keys"
)

const (
	KiB = 1024
	MiB = KiB * 1024
	GiB = MiB * 1024
)

// Default values following LevelDB conventions
var (
	DefaultWriteBufferSize               = 4 * MiB
	DefaultMaxFileSize             int64 = 2 * MiB
	DefaultBaseLevelSize           int64 = 10 * MiB
	DefaultLevelSizeMultiplier           = 10.0
	DefaultMaxLevels                     = 7
	DefaultL0CompactionTrigger           = 4
	DefaultL0SlowdownWritesTrigger       = 8
	DefaultL0StopWritesTrigger           = 12
	DefaultMaxOpenFiles                  = 1000 // Soft limit on file descriptors (used to calculate table cache size)
	DefaultBlockSize                     = 4 * KiB
	DefaultBlockCacheSize          int64 = 8 * MiB
	DefaultBlockRestartInterval          = 16
	DefaultBloomBitsPerKey               = 10
	DefaultMaxManifestFileSize     int64 = 64 * MiB
	DefaultWALSyncInterval               = 500 * time.Millisecond

	// File descriptor management constants
	NumReservedFiles = 10 // Reserve file descriptors for WAL, manifest, LOG, etc.
	MinFileCacheSize = 64 // Minimum number of tables to cache regardless of MaxOpenFiles
)

// maxMemCompactLevel is the deepest level a flushed memtable may be
// pushed to when it overlaps nothing on the way down.
const maxMemCompactLevel = 2

// Options holds configuration options for the database.
// Contains all tunable parameters for database behavior.
type Options struct {
	// Database path
	Path string

	// Comparator orders user keys. Its name is recorded in the MANIFEST
	// and must match on every later open.
	// Default: bytewise ("leveldb.BytewiseComparator")
	Comparator keys.Comparator

	// FilterPolicy builds a filter block for each table, which lets
	// point reads skip data blocks that cannot hold the key. Set to nil
	// to write tables without filters.
	// Default: bloom filter with 10 bits per key
	FilterPolicy bloom.FilterPolicy

	// Write buffer size - size of memtable before flush to L0
	// LevelDB default: 4MB
	WriteBufferSize int

	// MaxFileSize is the size at which compaction output tables are cut.
	// LevelDB default: 2MB
	MaxFileSize int64

	// BaseLevelSize is the byte budget of level 1. Level N holds
	// BaseLevelSize * LevelSizeMultiplier^(N-1).
	// LevelDB default: 10MB
	BaseLevelSize int64

	// Size multiplier between levels (for total level capacity)
	// LevelDB default: 10x
	LevelSizeMultiplier float64

	// Maximum number of levels in the LSM tree
	// LevelDB default: 7 levels (L0 through L6)
	MaxLevels int

	// Number of L0 files that trigger compaction
	// LevelDB default: 4 files
	L0CompactionTrigger int

	// Number of L0 files at which each write is delayed once by 1ms
	// LevelDB default: 8 files
	L0SlowdownWritesTrigger int

	// Number of L0 files that stop writes until compaction catches up
	// LevelDB default: 12 files
	L0StopWritesTrigger int

	// Maximum number of open file descriptors
	// Used to calculate the table cache size by reserving
	// NumReservedFiles for non-table files (WAL, manifest, etc.)
	// LevelDB default: 1000
	MaxOpenFiles int

	// Block size for SSTable blocks
	// LevelDB default: 4KB
	BlockSize int

	// BlockCacheSize is the total capacity of the block cache in bytes.
	// LevelDB default: 8MB
	BlockCacheSize int64

	// Number of keys between restart points in blocks
	// LevelDB default: 16
	BlockRestartInterval int

	// Maximum size of manifest file before a new one is started
	MaxManifestFileSize int64

	// Database creation/existence options
	CreateIfMissing bool
	ErrorIfExists   bool

	// ParanoidChecks verifies every block checksum, fails open on a
	// corrupt log record instead of stopping replay there, and treats
	// corruption found by compaction as fatal.
	ParanoidChecks bool

	// Sync options
	Sync bool // Sync writes to disk immediately

	// WALSyncInterval is the interval between background WAL syncs.
	// Writes made with Sync=false become durable within this interval.
	// Zero disables the background sync.
	WALSyncInterval time.Duration

	// WALBytesPerSync sets the number of bytes to write to a WAL before calling
	// Sync on it in the background. This helps smooth out disk write latencies
	// and avoids cases where the OS writes a lot of buffered data to disk at once.
	// Set to 0 to disable background syncing (default behavior).
	WALBytesPerSync int

	// TieredCompression defines per-level compression strategies.
	//
	// TopLevelCount controls how many levels from the top use TopCompression:
	// - Levels 0 to TopLevelCount-1 use TopCompression
	// - Levels TopLevelCount and above use BottomCompression
	// - Set TopLevelCount=0 for uniform compression across all levels
	//
	// Snappy is the default so tables stay readable by other LevelDB
	// implementations. Zstd and S2 tables are only readable by this one.
	TieredCompression *compression.TieredCompressionConfig

	// InfoLogToFile mirrors the engine log into a LOG file in the
	// database directory. A previous LOG is kept as LOG.old.
	InfoLogToFile bool

	// MetricsRegisterer receives the engine's prometheus collectors. A
	// private registry is used when nil.
	MetricsRegisterer prometheus.Registerer

	// Structured logger
	Logger *slog.Logger
}

// DefaultOptions returns a new Options struct with sensible defaults
// following LevelDB conventions.
func DefaultOptions() *Options {
	return &Options{
		Comparator:              keys.Bytewise,
		FilterPolicy:            bloom.NewPolicy(DefaultBloomBitsPerKey),
		WriteBufferSize:         DefaultWriteBufferSize,
		MaxFileSize:             DefaultMaxFileSize,
		BaseLevelSize:           DefaultBaseLevelSize,
		LevelSizeMultiplier:     DefaultLevelSizeMultiplier,
		MaxLevels:               DefaultMaxLevels,
		L0CompactionTrigger:     DefaultL0CompactionTrigger,
		L0SlowdownWritesTrigger: DefaultL0SlowdownWritesTrigger,
		L0StopWritesTrigger:     DefaultL0StopWritesTrigger,
		MaxOpenFiles:            DefaultMaxOpenFiles,
		BlockSize:               DefaultBlockSize,
		BlockCacheSize:          DefaultBlockCacheSize,
		BlockRestartInterval:    DefaultBlockRestartInterval,
		MaxManifestFileSize:     DefaultMaxManifestFileSize,
		CreateIfMissing:         true,
		ErrorIfExists:           false,
		Sync:                    true,
		WALSyncInterval:         DefaultWALSyncInterval,
		WALBytesPerSync:         0, // Disabled by default
		TieredCompression:       compression.UniformConfig(compression.SnappyConfig()),
		Logger:                  DefaultLogger(),
	}
}

// GetLevelMaxBytes returns the maximum size in bytes for a given level.
// Level 0 is unlimited (managed by file count triggers).
func (o *Options) GetLevelMaxBytes(level int) int64 {
	if level <= 0 || level >= o.MaxLevels {
		return 0
	}
	size := float64(o.BaseLevelSize)
	for i := 2; i <= level; i++ {
		size *= o.LevelSizeMultiplier
	}
	return int64(size)
}

// TargetFileSize returns the size at which compaction output is cut.
// Every level uses the same target.
func (o *Options) TargetFileSize(level int) int64 {
	return o.MaxFileSize
}

// expandedCompactionByteSizeLimit caps the input of a compaction when
// its level-L side is widened.
func (o *Options) expandedCompactionByteSizeLimit() int64 {
	return 25 * o.MaxFileSize
}

// maxGrandParentOverlapBytes is the overlap with level L+2 at which an
// output table is cut, so a later compaction of it stays cheap.
func (o *Options) maxGrandParentOverlapBytes() int64 {
	return 10 * o.MaxFileSize
}

// Validate checks if the options are valid and returns an error if not.
// Catches common configuration mistakes that would prevent database operation.
func (o *Options) Validate() error {
	if o.Path == "" {
		return ErrInvalidPath
	}

	if o.WriteBufferSize <= 0 {
		return ErrInvalidWriteBufferSize
	}

	if o.MaxFileSize <= 0 || o.BaseLevelSize <= 0 {
		return ErrInvalidMaxFileSize
	}

	if o.LevelSizeMultiplier <= 1.0 {
		return ErrInvalidLevelSizeMultiplier
	}

	if o.MaxLevels < maxMemCompactLevel+2 || o.MaxLevels > 20 {
		return ErrInvalidMaxLevels
	}

	if o.L0CompactionTrigger <= 0 {
		return ErrInvalidL0CompactionTrigger
	}

	if o.L0SlowdownWritesTrigger < o.L0CompactionTrigger {
		return ErrInvalidL0SlowdownTrigger
	}

	if o.L0StopWritesTrigger <= o.L0SlowdownWritesTrigger {
		return ErrInvalidL0StopWritesTrigger
	}

	if o.BlockSize <= 0 {
		return ErrInvalidBlockSize
	}

	if o.BlockRestartInterval <= 0 {
		return ErrInvalidBlockRestartInterval
	}

	if o.MaxOpenFiles <= 0 {
		return ErrInvalidMaxOpenFiles
	}

	return nil
}

// Clone creates a copy of the options.
func (o *Options) Clone() *Options {
	if o == nil {
		return DefaultOptions()
	}

	clone := *o
	return &clone
}

// sanitize fills the fields a caller may leave zero.
func (o *Options) sanitize() {
	if o.Comparator == nil {
		o.Comparator = keys.Bytewise
	}
	if o.Logger == nil {
		o.Logger = DefaultLogger()
	}
	if o.TieredCompression == nil {
		o.TieredCompression = compression.UniformConfig(compression.SnappyConfig())
	}
	if o.MaxManifestFileSize <= 0 {
		o.MaxManifestFileSize = DefaultMaxManifestFileSize
	}
}

// FileCacheSize calculates the appropriate table cache size based on max open files.
// Reserves NumReservedFiles for non-table files (WAL, manifest, etc.) and ensures
// a minimum cache size.
func FileCacheSize(maxOpenFiles int) int {
	fileCacheSize := max(maxOpenFiles-NumReservedFiles, MinFileCacheSize)
	return fileCacheSize
}

// GetFileCacheSize returns the calculated table cache size for these options.
func (o *Options) GetFileCacheSize() int {
	return FileCacheSize(o.MaxOpenFiles)
}

// GetCompressionForLevel returns the appropriate compression config for a given level.
func (o *Options) GetCompressionForLevel(level int) compression.Config {
	if o.TieredCompression != nil {
		return o.TieredCompression.GetConfigForLevel(level)
	}
	return compression.SnappyConfig()
}

// Helpful Logger functions
func getLogger(level slog.Level) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
func DefaultLogger() *slog.Logger {
	return getLogger(slog.LevelWarn)
}

func DebugLogger() *slog.Logger {
	return getLogger(slog.LevelDebug)
}
