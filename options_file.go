package ldb

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/twlk9/ldb/bloom"
	"github.com/twlk9/ldb/compression"
)

// fileOptions is the YAML form of Options. Absent keys keep their
// default; only tunables that can be written down appear here.
type fileOptions struct {
	Path                    *string                              `yaml:"path"`
	WriteBufferSize         *int                                 `yaml:"write_buffer_size"`
	MaxFileSize             *int64                               `yaml:"max_file_size"`
	BaseLevelSize           *int64                               `yaml:"base_level_size"`
	LevelSizeMultiplier     *float64                             `yaml:"level_size_multiplier"`
	MaxLevels               *int                                 `yaml:"max_levels"`
	L0CompactionTrigger     *int                                 `yaml:"l0_compaction_trigger"`
	L0SlowdownWritesTrigger *int                                 `yaml:"l0_slowdown_writes_trigger"`
	L0StopWritesTrigger     *int                                 `yaml:"l0_stop_writes_trigger"`
	MaxOpenFiles            *int                                 `yaml:"max_open_files"`
	BlockSize               *int                                 `yaml:"block_size"`
	BlockCacheSize          *int64                               `yaml:"block_cache_size"`
	BlockRestartInterval    *int                                 `yaml:"block_restart_interval"`
	BloomBitsPerKey         *int                                 `yaml:"bloom_bits_per_key"`
	MaxManifestFileSize     *int64                               `yaml:"max_manifest_file_size"`
	CreateIfMissing         *bool                                `yaml:"create_if_missing"`
	ErrorIfExists           *bool                                `yaml:"error_if_exists"`
	ParanoidChecks          *bool                                `yaml:"paranoid_checks"`
	Sync                    *bool                                `yaml:"sync"`
	WALSyncInterval         *string                              `yaml:"wal_sync_interval"`
	WALBytesPerSync         *int                                 `yaml:"wal_bytes_per_sync"`
	Compression             *compression.TieredCompressionConfig `yaml:"compression"`
	InfoLogToFile           *bool                                `yaml:"info_log_to_file"`
	LogLevel                *string                              `yaml:"log_level"`
}

// LoadOptions reads a YAML options file and applies it over
// DefaultOptions. A missing file yields the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := DefaultOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return opts, nil
		}
		return nil, ioError(err)
	}
	if err := ParseOptions(data, opts); err != nil {
		return nil, fmt.Errorf("options file %s: %w", path, err)
	}
	return opts, nil
}

// ParseOptions applies YAML encoded settings to opts.
func ParseOptions(data []byte, opts *Options) error {
	var fo fileOptions
	if err := yaml.Unmarshal(data, &fo); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidArgument, err)
	}

	set(&opts.Path, fo.Path)
	set(&opts.WriteBufferSize, fo.WriteBufferSize)
	set(&opts.MaxFileSize, fo.MaxFileSize)
	set(&opts.BaseLevelSize, fo.BaseLevelSize)
	set(&opts.LevelSizeMultiplier, fo.LevelSizeMultiplier)
	set(&opts.MaxLevels, fo.MaxLevels)
	set(&opts.L0CompactionTrigger, fo.L0CompactionTrigger)
	set(&opts.L0SlowdownWritesTrigger, fo.L0SlowdownWritesTrigger)
	set(&opts.L0StopWritesTrigger, fo.L0StopWritesTrigger)
	set(&opts.MaxOpenFiles, fo.MaxOpenFiles)
	set(&opts.BlockSize, fo.BlockSize)
	set(&opts.BlockCacheSize, fo.BlockCacheSize)
	set(&opts.BlockRestartInterval, fo.BlockRestartInterval)
	set(&opts.MaxManifestFileSize, fo.MaxManifestFileSize)
	set(&opts.CreateIfMissing, fo.CreateIfMissing)
	set(&opts.ErrorIfExists, fo.ErrorIfExists)
	set(&opts.ParanoidChecks, fo.ParanoidChecks)
	set(&opts.Sync, fo.Sync)
	set(&opts.WALBytesPerSync, fo.WALBytesPerSync)
	set(&opts.InfoLogToFile, fo.InfoLogToFile)

	if fo.BloomBitsPerKey != nil {
		if *fo.BloomBitsPerKey <= 0 {
			opts.FilterPolicy = nil
		} else {
			opts.FilterPolicy = bloom.NewPolicy(*fo.BloomBitsPerKey)
		}
	}
	if fo.WALSyncInterval != nil {
		d, err := time.ParseDuration(*fo.WALSyncInterval)
		if err != nil {
			return fmt.Errorf("%w: wal_sync_interval: %w", ErrInvalidArgument, err)
		}
		opts.WALSyncInterval = d
	}
	if fo.Compression != nil {
		opts.TieredCompression = fo.Compression
	}
	if fo.LogLevel != nil {
		var level slog.Level
		if err := level.UnmarshalText([]byte(*fo.LogLevel)); err != nil {
			return fmt.Errorf("%w: log_level: %w", ErrInvalidArgument, err)
		}
		opts.Logger = getLogger(level)
	}
	return nil
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
