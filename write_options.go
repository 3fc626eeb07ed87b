package ldb

// WriteOptions controls the behavior of write operations
type WriteOptions struct {
	// Sync determines whether the operation waits for the write to be
	// durably committed to persistent storage.
	//
	// If Sync is true, the operation will not return until the log
	// record is synced, so it survives process crashes and power
	// failures.
	//
	// If Sync is false, the operation returns as soon as the record
	// is handed to the OS. The background WAL sync makes it durable
	// within Options.WALSyncInterval. A process crash loses nothing;
	// a machine crash may lose the most recent writes.
	Sync bool
}

// DefaultWriteOptions returns the default write options
func DefaultWriteOptions() *WriteOptions {
	return &WriteOptions{
		Sync: true,
	}
}

// Predefined WriteOptions
var (
	// Sync is a predefined WriteOptions that forces sync on every write
	Sync = &WriteOptions{Sync: true}

	// NoSync is a predefined WriteOptions that uses async writes
	NoSync = &WriteOptions{Sync: false}
)

// ReadOptions controls the behavior of read operations
type ReadOptions struct {
	// VerifyChecksums checks the checksum of every block read on behalf
	// of this operation.
	VerifyChecksums bool

	// FillCache adds the blocks read to the block cache. Bulk scans
	// usually turn it off so they do not evict the working set.
	FillCache bool

	// Snapshot reads the state as of the snapshot instead of the
	// latest state.
	Snapshot *Snapshot
}

// DefaultReadOptions returns the default read options
func DefaultReadOptions() *ReadOptions {
	return &ReadOptions{
		FillCache: true,
	}
}
