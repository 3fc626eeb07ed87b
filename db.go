package ldb

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/twlk9/ldb/iterator"
	"github.com/twlk9/ldb/keys"
	"github.com/twlk9/ldb/memtable"
	"github.com/twlk9/ldb/sstable"
	"github.com/twlk9/ldb/wal"
)

// Batches larger than this are never grown by joining other writers.
const (
	maxBatchGroupSize   = 1 * MiB
	smallBatchGroupSize = 128 * KiB
)

// writer is one caller waiting in the write queue.
type writer struct {
	batch *WriteBatch
	sync  bool
	done  bool
	err   error
	cond  *sync.Cond
}

// manualCompaction is a CompactRange request for one level.
type manualCompaction struct {
	level int
	done  bool
	begin keys.EncodedKey // nil means beginning of key range
	end   keys.EncodedKey // nil means end of key range
}

// levelStats accumulates the compaction work that produced a level.
type levelStats struct {
	duration     time.Duration
	bytesRead    int64
	bytesWritten int64
}

func (s *levelStats) add(o levelStats) {
	s.duration += o.duration
	s.bytesRead += o.bytesRead
	s.bytesWritten += o.bytesWritten
}

// DB is the main database instance. It's safe for concurrent use.
type DB struct {
	// The settings I'm running with.
	opts *Options
	// A cached WriteOptions so I don't have to create one for every Put.
	defaultWriteOpts *WriteOptions
	// Where the database files live.
	path      string
	icmp      *keys.InternalComparator
	sessionID string
	logger    *slog.Logger
	metrics   *Metrics

	// Holds the LOCK file for as long as the database is open.
	fileLock Locker
	// The LOG file when Options.InfoLogToFile is set.
	infoLog *os.File

	// The main mutex. Protects the memtables, the log, the VersionSet,
	// the write queue and everything else not marked otherwise.
	mu sync.Mutex
	// Broadcast whenever background work finishes, so stalled writers
	// and CompactRange/Flush callers can recheck their condition.
	bgCond *sync.Cond

	shuttingDown atomic.Bool

	// The current in-memory table. All new writes go here first.
	mem *memtable.MemTable
	// The memtable being flushed, if any.
	imm *memtable.MemTable
	// hasImm lets compaction check for imm without the mutex.
	hasImm atomic.Bool

	// The write-ahead log for mem.
	log           *wal.Writer
	logFileNumber uint64

	// Writers wait here in FIFO order. The head does the work for a
	// whole group.
	writers  []*writer
	tmpBatch *WriteBatch

	snapshots *snapshotList

	// Table files being written by flushes and compactions. They are
	// protected from the obsolete file sweep.
	pendingOutputs map[uint64]struct{}

	manualCompaction *manualCompaction

	// Have we encountered a background error in paranoid mode, or a
	// failed WAL write? Every later write returns it.
	bgErr error

	// Last failure writing imm to a table. The flush is retried, so it
	// does not stop writes; Flush reports it. Cleared when imm changes.
	flushErr error

	stats []levelStats

	versions          *VersionSet
	tableCache        *TableCache
	blockCache        *sstable.BlockCache
	compactionManager *CompactionManager
}

// Open opens the database at opts.Path, creating it if it is missing
// and CreateIfMissing is set. State is recovered from the MANIFEST and
// the write-ahead logs. The options are copied.
func Open(opts *Options) (*DB, error) {
	if opts == nil {
		opts = DefaultOptions()
	}
	opts = opts.Clone()
	opts.sanitize()

	if err := opts.Validate(); err != nil {
		opts.Logger.Error("Options did not validate", "error", err, "path", opts.Path)
		return nil, err
	}

	if _, err := os.Stat(opts.Path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, ioError(err)
		}
		if !opts.CreateIfMissing {
			return nil, fmt.Errorf("%w: %s does not exist (create_if_missing is false)", ErrInvalidArgument, opts.Path)
		}
	}
	if err := os.MkdirAll(opts.Path, 0o755); err != nil {
		opts.Logger.Error("Failed to create database directory", "error", err, "path", opts.Path)
		return nil, ioError(err)
	}

	fileLock, err := newFileLocker(opts.Path)
	if err != nil {
		return nil, ioError(err)
	}
	if err := fileLock.Lock(); err != nil {
		return nil, err
	}

	sessionID := uuid.NewString()
	var infoLog *os.File
	if opts.InfoLogToFile {
		if infoLog, err = openInfoLog(opts.Path); err != nil {
			fileLock.Unlock()
			return nil, err
		}
		opts.Logger = slog.New(newTeeHandler(opts.Logger.Handler(),
			slog.NewTextHandler(infoLog, &slog.HandlerOptions{Level: slog.LevelInfo})))
	}
	opts.Logger = opts.Logger.With("session", sessionID)

	icmp := keys.NewInternalComparator(opts.Comparator)
	blockCache := sstable.NewBlockCache(opts.BlockCacheSize)
	tableCache := NewTableCache(opts.Path, opts, icmp, blockCache, opts.GetFileCacheSize())

	db := &DB{
		opts:             opts,
		defaultWriteOpts: &WriteOptions{Sync: opts.Sync},
		path:             opts.Path,
		icmp:             icmp,
		sessionID:        sessionID,
		logger:           opts.Logger,
		metrics:          NewMetrics(opts.MetricsRegisterer, sessionID),
		fileLock:         fileLock,
		infoLog:          infoLog,
		tmpBatch:         NewWriteBatch(),
		snapshots:        newSnapshotList(),
		pendingOutputs:   make(map[uint64]struct{}),
		stats:            make([]levelStats, opts.MaxLevels),
		versions:         NewVersionSet(opts.Path, opts, icmp, tableCache),
		tableCache:       tableCache,
		blockCache:       blockCache,
	}
	db.bgCond = sync.NewCond(&db.mu)

	db.mu.Lock()
	edit := NewVersionEdit()
	err = db.recover(edit)
	if err == nil && db.mem == nil {
		err = db.newLog()
	}
	if err == nil {
		edit.setPrevLogNumber(0) // No older logs needed after recovery.
		edit.setLogNumber(db.logFileNumber)
		err = db.versions.logAndApply(edit, &db.mu)
	}
	if err != nil {
		db.mu.Unlock()
		db.logger.Error("OPEN_FAILED", "path", db.path, "error", err)
		db.release()
		return nil, err
	}

	db.deleteObsoleteFiles()
	db.compactionManager = NewCompactionManager(db)
	db.maybeScheduleCompaction()
	db.mu.Unlock()

	db.logger.Info("DATABASE_OPENED", "path", db.path, "levels", db.versions.LevelSummary(),
		"last_sequence", db.versions.LastSequence())
	return db, nil
}

// newLog starts a fresh write-ahead log and memtable. Requires mu.
func (db *DB) newLog() error {
	num := db.versions.NewFileNumber()
	lw, err := wal.NewWriter(wal.WALOpts{
		Path:             logFileName(db.path, num),
		BytesPerSync:     db.opts.WALBytesPerSync,
		AutoSyncInterval: db.opts.WALSyncInterval,
	})
	if err != nil {
		db.versions.reuseFileNumber(num)
		return ioError(err)
	}
	db.log = lw
	db.logFileNumber = num
	db.mem = memtable.NewMemtable(db.icmp, db.opts.WriteBufferSize)
	return nil
}

// recover loads the VersionSet, checks that every table it names is
// present and replays the logs newer than the last flush. Tables
// written from the logs are recorded in edit. Requires mu.
func (db *DB) recover(edit *VersionEdit) error {
	if _, err := os.Stat(filepath.Join(db.path, currentFileName)); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return ioError(err)
		}
		if !db.opts.CreateIfMissing {
			return fmt.Errorf("%w: %s does not exist (create_if_missing is false)", ErrInvalidArgument, db.path)
		}
		if err := newDB(db.path, db.opts); err != nil {
			return err
		}
	} else if db.opts.ErrorIfExists {
		return fmt.Errorf("%w: %s exists (error_if_exists is true)", ErrInvalidArgument, db.path)
	}

	vs := db.versions
	if err := vs.recover(); err != nil {
		return err
	}

	entries, err := os.ReadDir(db.path)
	if err != nil {
		return ioError(err)
	}
	expected := make(map[uint64]struct{})
	vs.addLiveFiles(expected)
	var logs []uint64
	for _, e := range entries {
		t, num, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		switch t {
		case tableFile:
			delete(expected, num)
		case logFile:
			if num >= vs.logNumber || num == vs.prevLogNumber {
				logs = append(logs, num)
			}
		}
		vs.markFileNumberUsed(num)
	}
	if len(expected) > 0 {
		var missing uint64
		for num := range expected {
			missing = num
			break
		}
		return fmt.Errorf("%w: %d missing files; e.g.: %s", ErrCorruption, len(expected),
			tableFileName(db.path, missing))
	}

	// Recover in the order in which the logs were generated
	slices.Sort(logs)
	var maxSequence uint64
	for _, num := range logs {
		if err := db.replayLogFile(num, edit, &maxSequence); err != nil {
			return err
		}
	}
	if vs.LastSequence() < maxSequence {
		vs.setLastSequence(maxSequence)
	}
	return nil
}

// replayLogFile applies the batches in log num. Memtables that fill up
// are written to level 0 tables, as is whatever is left at the end.
// Replay stops at the first damaged record unless ParanoidChecks is
// set, in which case the damage fails the open.
func (db *DB) replayLogFile(num uint64, edit *VersionEdit, maxSequence *uint64) error {
	path := logFileName(db.path, num)
	f, err := os.Open(path)
	if err != nil {
		return ioError(err)
	}
	defer f.Close()

	logger := db.logger.With("log", num)
	logger.Info("WAL_REPLAY_STARTED")

	r := wal.NewReader(f, func(dropped int, err error) {
		logger.Warn("WAL_RECORD_DROPPED", "bytes", dropped, "error", err)
	}, true)
	defer r.Close()

	// corrupt decides what damage means for the replay.
	corrupt := func(err error) error {
		err = fmt.Errorf("%w: %s: %w", ErrCorruption, path, err)
		if db.opts.ParanoidChecks {
			return err
		}
		logger.Warn("WAL_REPLAY_STOPPED", "error", err)
		return nil
	}

	var (
		mem     *memtable.MemTable
		batch   WriteBatch
		records int
		result  error
	)
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			logger.Warn("WAL_TRUNCATED_RECORD", "records", records)
			break
		}
		if err != nil {
			result = corrupt(err)
			break
		}
		if err := batch.setContents(rec); err != nil {
			result = corrupt(err)
			break
		}
		if mem == nil {
			mem = memtable.NewMemtable(db.icmp, db.opts.WriteBufferSize)
		}
		if err := batch.insertInto(mem); err != nil {
			result = corrupt(err)
			break
		}
		records++
		if last := batch.Sequence() + uint64(batch.Count()) - 1; batch.Count() > 0 && last > *maxSequence {
			*maxSequence = last
		}

		if mem.ApproximateMemoryUsage() > db.opts.WriteBufferSize {
			err := db.writeLevel0Table(mem, edit, nil)
			mem.Unref()
			mem = nil
			if err != nil {
				return err
			}
		}
	}

	if mem != nil {
		err := db.writeLevel0Table(mem, edit, nil)
		mem.Unref()
		if err != nil {
			return err
		}
	}
	logger.Info("WAL_REPLAY_FINISHED", "records", records, "max_sequence", *maxSequence)
	return result
}

// release frees everything Open set up. Used on a failed open and by
// Close once background work has stopped.
func (db *DB) release() error {
	var errs []error
	if db.log != nil {
		errs = append(errs, ioError(db.log.Close()))
		db.log = nil
	}
	errs = append(errs, db.versions.Close())
	if db.mem != nil {
		db.mem.Unref()
		db.mem = nil
	}
	if db.imm != nil {
		db.imm.Unref()
		db.imm = nil
	}
	errs = append(errs, db.tableCache.Close())
	db.blockCache.Close()
	db.metrics.unregister()
	errs = append(errs, db.fileLock.Unlock())
	if db.infoLog != nil {
		errs = append(errs, db.infoLog.Close())
	}
	return errors.Join(errs...)
}

// Close waits for background work to stop and releases the database.
// Safe to call multiple times.
func (db *DB) Close() error {
	if db.shuttingDown.Swap(true) {
		return nil // Already closed, nothing to do.
	}

	db.mu.Lock()
	db.bgCond.Broadcast()
	for len(db.writers) > 0 {
		db.bgCond.Wait()
	}
	db.mu.Unlock()

	db.compactionManager.Close()

	db.mu.Lock()
	defer db.mu.Unlock()
	db.logger.Info("DATABASE_CLOSED", "path", db.path)
	return db.release()
}

// Put sets the value for key using the database's default sync setting.
func (db *DB) Put(key, value []byte) error {
	return db.PutWithOptions(key, value, nil)
}

// PutWithOptions sets the value for key with specific sync options.
func (db *DB) PutWithOptions(key, value []byte, opts *WriteOptions) error {
	b := NewWriteBatch()
	b.Put(key, value)
	return db.Write(opts, b)
}

// Delete removes key by writing a tombstone. It is not an error if key
// does not exist.
func (db *DB) Delete(key []byte) error {
	return db.DeleteWithOptions(key, nil)
}

// DeleteWithOptions removes key with specific sync options.
func (db *DB) DeleteWithOptions(key []byte, opts *WriteOptions) error {
	b := NewWriteBatch()
	b.Delete(key)
	return db.Write(opts, b)
}

// checkBatch rejects keys and values the engine does not accept.
func checkBatch(b *WriteBatch) error {
	var bad error
	err := b.each(func(kind keys.Kind, key, value []byte) {
		if bad != nil {
			return
		}
		if !keys.IsValidUserKey(key) {
			bad = ErrInvalidKey
		} else if !keys.IsValidValue(value) {
			bad = ErrInvalidValue
		}
	})
	if err != nil {
		return err
	}
	return bad
}

// Write applies batch atomically. Concurrent writers are queued and the
// one at the head of the queue commits a group of batches with a single
// log write. A nil batch only forces the memtable to be flushed.
func (db *DB) Write(opts *WriteOptions, batch *WriteBatch) error {
	if opts == nil {
		opts = db.defaultWriteOpts
	}
	if db.shuttingDown.Load() {
		return ErrDBClosed
	}
	if batch != nil {
		if err := checkBatch(batch); err != nil {
			return err
		}
	}

	w := &writer{batch: batch, sync: opts.Sync, cond: sync.NewCond(&db.mu)}

	db.mu.Lock()
	defer db.mu.Unlock()

	db.writers = append(db.writers, w)
	for !w.done && db.writers[0] != w {
		w.cond.Wait()
	}
	if w.done {
		return w.err
	}

	// May temporarily unlock and wait.
	err := db.makeRoomForWrite(batch == nil)
	lastSequence := db.versions.LastSequence()
	lastWriter := w
	if err == nil && batch != nil {
		var group *WriteBatch
		group, lastWriter = db.buildBatchGroup()
		group.setSequence(lastSequence + 1)
		lastSequence += uint64(group.Count())

		// Add to log and apply to memtable. We can release the lock
		// during this phase since w is currently responsible for logging
		// and protects against concurrent loggers and concurrent writes
		// into mem.
		mem := db.mem
		log := db.log
		db.mu.Unlock()
		err = log.AddRecord(group.Data())
		logErr := err != nil
		if err == nil && w.sync {
			db.metrics.WALSyncs.Inc()
			err = log.Sync()
			logErr = err != nil
		}
		if err == nil {
			err = group.insertInto(mem)
		}
		db.mu.Lock()
		if logErr {
			// The state of the log file is indeterminate: the record we
			// just added may or may not show up when the DB is re-opened.
			// So we force the DB into a mode where all future writes fail.
			err = ioError(err)
			db.recordBackgroundError(err)
		}
		if group == db.tmpBatch {
			db.tmpBatch.Clear()
		}
		db.versions.setLastSequence(lastSequence)
	}

	for {
		ready := db.writers[0]
		db.writers = db.writers[1:]
		if ready != w {
			ready.err = err
			ready.done = true
			ready.cond.Signal()
		}
		if ready == lastWriter {
			break
		}
	}

	// Notify new head of write queue
	if len(db.writers) > 0 {
		db.writers[0].cond.Signal()
	} else if db.shuttingDown.Load() {
		db.bgCond.Broadcast()
	}
	return err
}

// buildBatchGroup merges the batches of the writers at the head of the
// queue. It returns the merged batch and the last writer included.
// Requires mu, with the first writer's batch non-nil.
func (db *DB) buildBatchGroup() (*WriteBatch, *writer) {
	first := db.writers[0]
	result := first.batch
	size := first.batch.ApproximateSize()

	// Allow the group to grow up to a maximum size, but if the original
	// write is small, limit the growth so we do not slow down the small
	// write too much.
	maxSize := maxBatchGroupSize
	if size <= smallBatchGroupSize {
		maxSize = size + smallBatchGroupSize
	}

	lastWriter := first
	for _, w := range db.writers[1:] {
		if w.sync && !first.sync {
			// Do not include a sync write into a batch handled by a non-sync write.
			break
		}
		if w.batch == nil {
			break
		}
		size += w.batch.ApproximateSize()
		if size > maxSize {
			break
		}
		if result == first.batch {
			// Switch to temporary batch instead of disturbing caller's batch
			result = db.tmpBatch
			result.Clear()
			result.Append(first.batch)
		}
		result.Append(w.batch)
		lastWriter = w
	}
	return result, lastWriter
}

// makeRoomForWrite makes sure mem has room for the next write, stalling
// or switching to a new memtable as needed. force switches even when
// mem has room. Requires mu, held by the head of the write queue.
func (db *DB) makeRoomForWrite(force bool) error {
	allowDelay := !force
	for {
		switch {
		case db.shuttingDown.Load():
			return ErrDBClosed
		case db.bgErr != nil:
			return db.bgErr
		case allowDelay && db.versions.NumLevelFiles(0) >= db.opts.L0SlowdownWritesTrigger:
			// We are getting close to hitting a hard limit on the number
			// of L0 files. Rather than delaying a single write by several
			// seconds when we hit the hard limit, start delaying each
			// individual write by 1ms to reduce latency variance. Also,
			// this delay hands over some CPU to the compaction thread in
			// case it is sharing the same core as the writer.
			db.metrics.WriteStalls.WithLabelValues("l0_slowdown").Inc()
			db.mu.Unlock()
			time.Sleep(time.Millisecond)
			allowDelay = false // Do not delay a single write more than once
			db.mu.Lock()
		case !force && db.mem.ApproximateMemoryUsage() <= db.opts.WriteBufferSize:
			// There is room in current memtable
			return nil
		case db.imm != nil:
			if force && db.flushErr != nil {
				return db.flushErr
			}
			// We have filled up the current memtable, but the previous
			// one is still being compacted, so we wait.
			db.logger.Info("WRITE_STALL_MEMTABLE", "memtable_bytes", db.mem.ApproximateMemoryUsage())
			db.metrics.WriteStalls.WithLabelValues("memtable").Inc()
			db.bgCond.Wait()
		case db.versions.NumLevelFiles(0) >= db.opts.L0StopWritesTrigger:
			// There are too many level-0 files.
			db.logger.Info("L0_BACKPRESSURE_WAITING", "l0_files", db.versions.NumLevelFiles(0),
				"trigger", db.opts.L0StopWritesTrigger)
			db.metrics.WriteStalls.WithLabelValues("l0_stop").Inc()
			db.bgCond.Wait()
		default:
			// Attempt to switch to a new memtable and trigger compaction of old
			oldLog := db.log
			oldMem := db.mem
			if err := db.newLog(); err != nil {
				// Avoid chewing through file number space in a tight loop.
				db.recordBackgroundError(err)
				return err
			}
			if err := oldLog.Close(); err != nil {
				// We may have lost some data written to the previous log.
				// Force the DB into a mode where all future writes fail.
				db.recordBackgroundError(ioError(err))
			}
			db.imm = oldMem
			db.hasImm.Store(true)
			db.flushErr = nil
			force = false // Do not force another compaction if have room
			db.logger.Debug("MEMTABLE_SWITCHED", "new_log", db.logFileNumber)
			db.maybeScheduleCompaction()
		}
	}
}

// Get returns the value for key. It returns ErrNotFound if the key is
// absent or deleted.
func (db *DB) Get(key []byte) ([]byte, error) {
	return db.GetWithOptions(key, nil)
}

// GetWithOptions is Get with explicit read options. With a snapshot set
// it reads the state as of that snapshot.
func (db *DB) GetWithOptions(key []byte, ro *ReadOptions) ([]byte, error) {
	if ro == nil {
		ro = DefaultReadOptions()
	}
	if db.shuttingDown.Load() {
		return nil, ErrDBClosed
	}

	db.mu.Lock()
	seq := db.versions.LastSequence()
	if ro.Snapshot != nil {
		seq = ro.Snapshot.seq
	}
	mem := db.mem
	imm := db.imm
	current := db.versions.Current()
	mems := memtable.RefMemTableList(mem, imm)
	current.Ref()
	db.mu.Unlock()

	// Unlock while reading from files and memtables
	lookup := keys.NewLookupKey(key, seq)
	var (
		value     []byte
		err       = ErrNotFound
		found     bool
		haveStats bool
		stats     getStats
	)
	for _, m := range mems {
		v, kind, ok := m.Get(lookup)
		if !ok {
			continue
		}
		found = true
		if kind == keys.KindSet {
			value, err = v, nil
		}
		break
	}
	if !found {
		value, stats, err = current.get(ro, lookup)
		haveStats = true
	}
	if err == nil {
		value = slices.Clone(value)
		if value == nil {
			value = []byte{}
		}
	}

	db.mu.Lock()
	if haveStats && current.updateStats(stats) {
		db.maybeScheduleCompaction()
	}
	memtable.UnRefMemTableList(mems)
	current.Unref()
	db.mu.Unlock()
	return value, err
}

// NewIterator returns an iterator over the database contents as of now,
// or as of ro.Snapshot. The iterator must be closed.
func (db *DB) NewIterator(ro *ReadOptions) *DBIterator {
	if ro == nil {
		ro = DefaultReadOptions()
	}
	if db.shuttingDown.Load() {
		return newDBIterator(db.icmp.User(), iterator.NewEmpty(ErrDBClosed), 0, nil)
	}

	db.mu.Lock()
	seq := db.versions.LastSequence()
	if ro.Snapshot != nil {
		seq = ro.Snapshot.seq
	}
	// Collect together all needed child iterators. The memtable
	// iterators take their own references.
	list := []iterator.Iterator{db.mem.NewIterator()}
	if db.imm != nil {
		list = append(list, db.imm.NewIterator())
	}
	current := db.versions.Current()
	list = current.addIterators(ro, list)
	current.Ref()
	db.mu.Unlock()

	internal := iterator.NewMerging(db.icmp, list...)
	return newDBIterator(db.icmp.User(), internal, seq, current.Unref)
}

// GetSnapshot returns a handle to the current state. Release it with
// ReleaseSnapshot.
func (db *DB) GetSnapshot() *Snapshot {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.snapshots.acquire(db.versions.LastSequence())
}

// ReleaseSnapshot releases a snapshot from GetSnapshot. Releasing twice
// is a no-op.
func (db *DB) ReleaseSnapshot(s *Snapshot) {
	if s == nil {
		return
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	db.snapshots.release(s)
}

// GetApproximateSizes returns the approximate file system space used by
// keys in each range. The sizes only cover data that has been flushed
// to tables. A nil Start is the first key; a nil Limit is past the last.
func (db *DB) GetApproximateSizes(ranges []keys.Range) []uint64 {
	db.mu.Lock()
	v := db.versions.Current()
	v.Ref()
	db.mu.Unlock()

	sizes := make([]uint64, len(ranges))
	for i, r := range ranges {
		var start, limit uint64
		if r.Start != nil {
			start = db.versions.approximateOffsetOf(v, keys.NewEncodedKey(r.Start, keys.MaxSequenceNumber, keys.KindSeek))
		}
		if r.Limit != nil {
			limit = db.versions.approximateOffsetOf(v, keys.NewEncodedKey(r.Limit, keys.MaxSequenceNumber, keys.KindSeek))
		} else {
			for _, files := range v.files {
				limit += uint64(totalFileSize(files))
			}
		}
		if limit >= start {
			sizes[i] = limit - start
		}
	}

	db.mu.Lock()
	v.Unref()
	db.mu.Unlock()
	return sizes
}

// Flush writes the current memtable to a level 0 table and waits for
// the flush to finish.
func (db *DB) Flush() error {
	// nil batch means just wait for earlier writes to be done
	if err := db.Write(nil, nil); err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for db.imm != nil && db.bgErr == nil && db.flushErr == nil && !db.shuttingDown.Load() {
		db.bgCond.Wait()
	}
	if db.imm != nil && db.flushErr != nil {
		return db.flushErr
	}
	if db.shuttingDown.Load() && db.imm != nil {
		return ErrDBClosed
	}
	return db.bgErr
}

// CompactRange compacts the tables holding keys in [begin, end] down
// through every level that has data in the range. nil bounds are
// unbounded, so CompactRange(nil, nil) compacts the whole database.
func (db *DB) CompactRange(begin, end []byte) error {
	if db.shuttingDown.Load() {
		return ErrDBClosed
	}

	maxLevelWithFiles := 1
	db.mu.Lock()
	base := db.versions.Current()
	for level := 1; level < db.opts.MaxLevels; level++ {
		if base.overlapInLevel(level, begin, end) {
			maxLevelWithFiles = level
		}
	}
	db.mu.Unlock()

	if err := db.Flush(); err != nil {
		return err
	}
	for level := 0; level < maxLevelWithFiles; level++ {
		if err := db.compactLevelRange(level, begin, end); err != nil {
			return err
		}
	}
	return nil
}

// compactLevelRange runs manual compactions of level until every file
// in the range has been pushed to level+1.
func (db *DB) compactLevelRange(level int, begin, end []byte) error {
	m := &manualCompaction{level: level}
	if begin != nil {
		m.begin = keys.NewEncodedKey(begin, keys.MaxSequenceNumber, keys.KindSeek)
	}
	if end != nil {
		m.end = keys.NewEncodedKey(end, 0, keys.KindDelete)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for !m.done && !db.shuttingDown.Load() && db.bgErr == nil {
		if db.manualCompaction == nil { // Idle
			db.manualCompaction = m
			db.maybeScheduleCompaction()
		} else { // Running either my compaction or another compaction.
			db.bgCond.Wait()
		}
	}
	if db.manualCompaction == m {
		// Cancel my manual compaction since we aborted early for some reason.
		db.manualCompaction = nil
	}
	if db.bgErr != nil {
		return db.bgErr
	}
	if !m.done {
		return ErrDBClosed
	}
	return nil
}

// recordBackgroundError makes err sticky: every later write fails with
// it. Requires mu.
func (db *DB) recordBackgroundError(err error) {
	db.metrics.BackgroundErrors.Inc()
	if db.bgErr == nil {
		db.logger.Error("BACKGROUND_ERROR", "error", err)
		db.bgErr = err
		db.bgCond.Broadcast()
	}
}

// Destroy removes the database files at path and the directory if it
// ends up empty. The database must not be open.
func Destroy(path string) error {
	entries, err := os.ReadDir(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return ioError(err)
	}

	lock, err := newFileLocker(path)
	if err != nil {
		return ioError(err)
	}
	if err := lock.Lock(); err != nil {
		return err
	}

	var errs []error
	for _, e := range entries {
		t, _, ok := parseFileName(e.Name())
		if !ok || t == lockFile {
			continue
		}
		if err := os.Remove(filepath.Join(path, e.Name())); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, ioError(err))
		}
	}
	errs = append(errs, lock.Unlock())
	os.Remove(filepath.Join(path, lockFileName))
	os.Remove(path) // Ignore error in case dir contains other files
	return errors.Join(errs...)
}
