package ldb

import (
	"errors"
	"fmt"

	"github.com/twlk9/ldb/keys"
)

// Error definitions for the database. Callers test for them with
// errors.Is; the messages carry the detail.
var (
	// ErrNotFound is returned when a key is not found
	ErrNotFound = errors.New("key not found")

	// ErrCorruption is returned when data corruption is detected
	ErrCorruption = keys.ErrCorruption

	// ErrInvalidArgument is returned for bad keys, options or a
	// comparator that does not match the one the database was built with
	ErrInvalidArgument = keys.ErrInvalidArgument

	// ErrIOError wraps failures from the file system
	ErrIOError = errors.New("I/O error")

	// ErrNotSupported is returned when an operation is not supported
	ErrNotSupported = errors.New("operation not supported")

	// ErrFault is returned when an internal invariant does not hold
	ErrFault = errors.New("internal fault")

	// ErrDBClosed is returned when operating on a closed database
	ErrDBClosed = errors.New("database is closed")

	// ErrDBAlreadyOpen is returned when attempting to open a database that is already locked by another process
	ErrDBAlreadyOpen = errors.New("database is already open by another process")

	// ErrInvalidKey is returned when a key is invalid
	ErrInvalidKey = fmt.Errorf("%w: invalid key", ErrInvalidArgument)

	// ErrInvalidValue is returned when a value is invalid
	ErrInvalidValue = fmt.Errorf("%w: invalid value", ErrInvalidArgument)

	// Configuration validation errors
	ErrInvalidPath                 = fmt.Errorf("%w: invalid database path", ErrInvalidArgument)
	ErrInvalidWriteBufferSize      = fmt.Errorf("%w: invalid write buffer size", ErrInvalidArgument)
	ErrInvalidMaxFileSize          = fmt.Errorf("%w: invalid max file size", ErrInvalidArgument)
	ErrInvalidLevelSizeMultiplier  = fmt.Errorf("%w: invalid level size multiplier", ErrInvalidArgument)
	ErrInvalidMaxLevels            = fmt.Errorf("%w: invalid max levels", ErrInvalidArgument)
	ErrInvalidL0CompactionTrigger  = fmt.Errorf("%w: invalid L0 compaction trigger", ErrInvalidArgument)
	ErrInvalidL0SlowdownTrigger    = fmt.Errorf("%w: invalid L0 slowdown writes trigger", ErrInvalidArgument)
	ErrInvalidL0StopWritesTrigger  = fmt.Errorf("%w: invalid L0 stop writes trigger", ErrInvalidArgument)
	ErrInvalidMaxOpenFiles         = fmt.Errorf("%w: invalid max open files", ErrInvalidArgument)
	ErrInvalidBlockSize            = fmt.Errorf("%w: invalid block size", ErrInvalidArgument)
	ErrInvalidBlockRestartInterval = fmt.Errorf("%w: invalid block restart interval", ErrInvalidArgument)
)

// ioError tags err as an I/O failure unless it already carries one of
// the sentinel kinds.
func ioError(err error) error {
	if err == nil || errors.Is(err, ErrIOError) || errors.Is(err, ErrCorruption) ||
		errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrIOError, err)
}
