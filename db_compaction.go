package ldb

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/twlk9/ldb/iterator"
	"github.com/twlk9/ldb/keys"
	"github.com/twlk9/ldb/memtable"
	"github.com/twlk9/ldb/sstable"
)

// How long the worker waits after a failed compaction before trying
// again.
const compactionRetryDelay = time.Second

// CompactionManager runs the database's background work on a single
// goroutine: memtable flushes first, then manual and automatic
// compactions.
type CompactionManager struct {
	db     *DB
	logger *slog.Logger

	// Coordination channels
	wakeupChan chan struct{} // DB signals work needed
	closeChan  chan struct{} // For shutdown

	// State
	closed bool
	mu     sync.Mutex
	wg     sync.WaitGroup // Wait for worker goroutine to finish
}

// NewCompactionManager creates a new compaction manager and starts its worker.
func NewCompactionManager(db *DB) *CompactionManager {
	cm := &CompactionManager{
		db:         db,
		logger:     db.logger,
		wakeupChan: make(chan struct{}, 1), // Buffered to avoid blocking
		closeChan:  make(chan struct{}),
	}

	cm.wg.Add(1)
	go cm.compactionWorker()
	return cm
}

// ScheduleCompaction signals the compaction worker to check for work
func (cm *CompactionManager) ScheduleCompaction() {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.closed {
		return
	}

	// Send non-blocking signal to wake up the compaction worker
	select {
	case cm.wakeupChan <- struct{}{}:
		// Signal sent
	default:
		// Worker already has a pending signal, no need to queue another
	}
}

// compactionWorker runs in a single goroutine and performs compaction work
func (cm *CompactionManager) compactionWorker() {
	defer cm.wg.Done()
	cm.logger.Debug("Compaction worker started")

	for {
		select {
		case <-cm.closeChan:
			cm.logger.Debug("Compaction worker shutting down")
			return

		case <-cm.wakeupChan:
			db := cm.db
			db.mu.Lock()
			err := db.backgroundCall()
			db.mu.Unlock()

			if err != nil {
				// Wait a little bit before retrying in case this is an
				// environmental problem and we do not want to chew up
				// resources for failed compactions for the duration of
				// the problem.
				select {
				case <-cm.closeChan:
					return
				case <-time.After(compactionRetryDelay):
				}
			}
		}
	}
}

// Close stops the worker and waits for the work in progress to end.
func (cm *CompactionManager) Close() {
	cm.mu.Lock()
	if cm.closed {
		cm.mu.Unlock()
		return
	}
	cm.closed = true
	close(cm.closeChan)
	cm.mu.Unlock()

	cm.wg.Wait()
}

// maybeScheduleCompaction wakes the worker if there is anything for it
// to do. Requires mu.
func (db *DB) maybeScheduleCompaction() {
	switch {
	case db.compactionManager == nil:
		// Still opening.
	case db.shuttingDown.Load():
		// DB is being deleted; no more background compactions
	case db.bgErr != nil:
		// Already got an error; no more changes
	case db.imm == nil && db.manualCompaction == nil && !db.versions.needsCompaction():
		// No work to be done
	default:
		db.compactionManager.ScheduleCompaction()
	}
}

// backgroundCall runs one unit of background work and reschedules if
// more is pending. The returned error makes the worker back off before
// its next attempt. Requires mu.
func (db *DB) backgroundCall() error {
	var err error
	if !db.shuttingDown.Load() && db.bgErr == nil {
		err = db.backgroundCompaction()
	}

	// Previous compaction may have produced too many files in a level,
	// so reschedule another compaction if needed.
	db.maybeScheduleCompaction()
	db.bgCond.Broadcast()
	return err
}

// compactMemTable writes imm to a table and installs it. When the table
// cannot be built imm stays in place and the worker retries later. Only
// a failed manifest update is sticky. Requires mu.
func (db *DB) compactMemTable() error {
	edit := NewVersionEdit()
	base := db.versions.Current()
	base.Ref()
	err := db.writeLevel0Table(db.imm, edit, base)
	base.Unref()

	if err != nil {
		if db.shuttingDown.Load() {
			return err
		}
		db.flushErr = err
		db.metrics.Compactions.WithLabelValues("0", "flush_error").Inc()
		db.metrics.BackgroundErrors.Inc()
		db.logger.Error("FLUSH_FAILED", "error", err, "retry_in", compactionRetryDelay)
		return err
	}
	if db.shuttingDown.Load() {
		return fmt.Errorf("%w: deleting DB during memtable compaction", ErrIOError)
	}

	// Replace immutable memtable with the generated Table
	edit.setPrevLogNumber(0)
	edit.setLogNumber(db.logFileNumber) // Earlier logs no longer needed
	if err := db.versions.logAndApply(edit, &db.mu); err != nil {
		db.recordBackgroundError(err)
		return err
	}

	// Commit to the new state
	db.imm.Unref()
	db.imm = nil
	db.hasImm.Store(false)
	db.flushErr = nil
	db.deleteObsoleteFiles()
	return nil
}

// writeLevel0Table builds a table from mem and adds it to edit. With a
// base version the table may be pushed below level 0 when nothing
// overlaps it. Releases mu while the table is written.
func (db *DB) writeLevel0Table(mem *memtable.MemTable, edit *VersionEdit, base *Version) error {
	start := time.Now()
	num := db.versions.NewFileNumber()
	db.pendingOutputs[num] = struct{}{}
	it := mem.NewIterator()
	db.logger.Debug("LEVEL0_TABLE_STARTED", "file", num, "entries", mem.Len())

	db.mu.Unlock()
	meta, err := db.buildTable(it, num)
	db.mu.Lock()

	delete(db.pendingOutputs, num)
	if err != nil {
		db.logger.Error("LEVEL0_TABLE_FAILED", "file", num, "error", err)
		return err
	}

	// Note that if file size is zero, the file has been deleted and
	// should not be added to the manifest.
	level := 0
	if meta != nil {
		if base != nil {
			level = base.pickLevelForMemTableOutput(meta.SmallestKey.UserKey(), meta.LargestKey.UserKey())
		}
		edit.AddFile(level, meta.FileNum, meta.Size, meta.SmallestKey, meta.LargestKey)

		db.stats[level].add(levelStats{duration: time.Since(start), bytesWritten: int64(meta.Size)})
		db.metrics.Flushes.Inc()
		db.metrics.FlushBytes.Add(float64(meta.Size))
		db.logger.Info("LEVEL0_TABLE_CREATED", "file", num, "level", level, "bytes", meta.Size,
			"duration", time.Since(start))
	}
	return nil
}

// buildTable writes the entries of it into table num and checks that
// the result can be opened. It returns nil metadata and removes the file
// when there are no entries. It closes it.
func (db *DB) buildTable(it iterator.Iterator, num uint64) (*FileMetadata, error) {
	defer it.Close()

	it.SeekToFirst()
	if !it.Valid() {
		return nil, it.Error()
	}

	w, err := sstable.NewSSTableWriter(db.tableWriterOpts(num, 0))
	if err != nil {
		return nil, ioError(err)
	}
	for ; it.Valid(); it.Next() {
		if err := w.Add(it.Key(), it.Value()); err != nil {
			w.Abandon()
			return nil, ioError(err)
		}
	}
	if err := it.Error(); err != nil {
		w.Abandon()
		return nil, err
	}
	if err := w.Finish(); err != nil {
		w.Abandon()
		return nil, ioError(err)
	}
	if err := w.Close(); err != nil {
		os.Remove(w.Path())
		return nil, ioError(err)
	}

	meta := newFileMetadata(num, w.FileSize(), cloneKey(w.SmallestKey()), cloneKey(w.LargestKey()))
	if err := db.verifyTable(meta); err != nil {
		os.Remove(w.Path())
		return nil, err
	}
	return meta, nil
}

// verifyTable opens a freshly written table through the table cache.
func (db *DB) verifyTable(meta *FileMetadata) error {
	it := db.tableCache.newIterator(&ReadOptions{}, meta.FileNum, meta.Size)
	err := it.Error()
	if cerr := it.Close(); err == nil {
		err = cerr
	}
	return err
}

func (db *DB) tableWriterOpts(num uint64, level int) sstable.SSTableOpts {
	return sstable.SSTableOpts{
		Path:                 tableFileName(db.path, num),
		Comparator:           db.icmp,
		FilterPolicy:         db.opts.FilterPolicy,
		Compression:          db.opts.GetCompressionForLevel(level),
		Logger:               db.logger,
		BlockSize:            db.opts.BlockSize,
		BlockRestartInterval: db.opts.BlockRestartInterval,
	}
}

// backgroundCompaction does one piece of background work: a memtable
// flush if one is waiting, otherwise the pending manual compaction or
// the best automatic one. Requires mu.
func (db *DB) backgroundCompaction() error {
	if db.imm != nil {
		return db.compactMemTable()
	}

	var (
		c         *Compaction
		manualEnd keys.EncodedKey
	)
	m := db.manualCompaction
	isManual := m != nil
	if isManual {
		c = db.versions.compactRange(m.level, m.begin, m.end)
		m.done = c == nil
		if c != nil {
			manualEnd = cloneKey(c.inputs[0][len(c.inputs[0])-1].LargestKey)
		}
		db.logger.Info("MANUAL_COMPACTION", "level", m.level, "begin", m.begin, "end", m.end,
			"done", m.done)
	} else {
		c = db.versions.pickCompaction()
	}

	var err error
	switch {
	case c == nil:
		// Nothing to do
	case !isManual && c.isTrivialMove():
		// Move file to next level
		f := c.inputs[0][0]
		c.edit.DeleteFile(c.level, f.FileNum)
		c.edit.AddFile(c.level+1, f.FileNum, f.Size, f.SmallestKey, f.LargestKey)
		err = db.versions.logAndApply(c.edit, &db.mu)
		if err == nil {
			db.metrics.Compactions.WithLabelValues(strconv.Itoa(c.level), "trivial_move").Inc()
			db.logger.Info("TRIVIAL_MOVE", "file", f.FileNum, "to_level", c.level+1, "bytes", f.Size,
				"levels", db.versions.LevelSummary())
		}
	default:
		cs := &compactionState{c: c}
		err = db.doCompactionWork(cs)
		db.cleanupCompaction(cs)
		if err == nil {
			db.deleteObsoleteFiles()
		}
	}
	if c != nil {
		c.releaseInputs()
	}

	if err != nil {
		if db.shuttingDown.Load() {
			// Ignore compaction errors found during shutting down
			err = nil
		} else {
			level := 0
			if c != nil {
				level = c.level
			}
			db.metrics.Compactions.WithLabelValues(strconv.Itoa(level), "error").Inc()
			db.metrics.BackgroundErrors.Inc()
			db.logger.Error("COMPACTION_FAILED", "level", level, "error", err)
			if db.opts.ParanoidChecks && errors.Is(err, ErrCorruption) {
				db.recordBackgroundError(err)
			}
		}
	}

	if isManual {
		if err != nil {
			m.done = true
		}
		if !m.done {
			// We only compacted part of the requested range. Update m
			// to the range that is left to be compacted.
			m.begin = manualEnd
		}
		db.manualCompaction = nil
	}
	return err
}

// compactionOutput is one table written by a compaction.
type compactionOutput struct {
	number   uint64
	size     uint64
	smallest keys.EncodedKey
	largest  keys.EncodedKey
}

// compactionState tracks the outputs of a running compaction.
type compactionState struct {
	c *Compaction

	// Sequence numbers < smallestSnapshot are not significant since we
	// will never have to service a snapshot below smallestSnapshot.
	// Therefore if we have seen a sequence number S <= smallestSnapshot,
	// we can drop all entries for the same key with sequence numbers < S.
	smallestSnapshot uint64

	outputs []compactionOutput

	// State kept for output being generated
	builder    *sstable.SSTableWriter
	totalBytes uint64
}

func (cs *compactionState) currentOutput() *compactionOutput {
	return &cs.outputs[len(cs.outputs)-1]
}

// doCompactionWork merges the inputs of cs.c into new tables at the
// next level, dropping entries no snapshot can see. mu is released
// while tables are written.
func (db *DB) doCompactionWork(cs *compactionState) error {
	start := time.Now()
	var immTime time.Duration // Time spent flushing the memtable
	c := cs.c

	db.logger.Info("COMPACTION_STARTED",
		"level", c.level,
		"inputs_level", len(c.inputs[0]),
		"inputs_level_plus_one", len(c.inputs[1]),
		"bytes", totalFileSize(c.inputs[0])+totalFileSize(c.inputs[1]))

	cs.smallestSnapshot = db.snapshots.oldest(db.versions.LastSequence())

	input := db.versions.makeInputIterator(c)

	// Release mutex while we're actually doing the compaction work
	db.mu.Unlock()

	ucmp := db.icmp.User()
	var (
		err                   error
		currentUserKey        []byte
		hasCurrentUserKey     bool
		lastSequenceForKey    = keys.MaxSequenceNumber
		entriesIn, entriesOut int
	)
	for input.SeekToFirst(); input.Valid() && !db.shuttingDown.Load(); input.Next() {
		// Prioritize immutable compaction work
		if db.hasImm.Load() {
			immStart := time.Now()
			db.mu.Lock()
			if db.imm != nil {
				db.compactMemTable()
				// Wake up MakeRoomForWrite() if necessary.
				db.bgCond.Broadcast()
			}
			db.mu.Unlock()
			immTime += time.Since(immStart)
		}

		key := input.Key()
		entriesIn++
		if c.shouldStopBefore(key) && cs.builder != nil {
			if err = db.finishCompactionOutputFile(cs, input); err != nil {
				break
			}
		}

		// Handle key/value, add to state, etc.
		drop := false
		ukey, seq, kind, perr := keys.Parse(key)
		if perr != nil {
			// Do not hide error keys
			currentUserKey = currentUserKey[:0]
			hasCurrentUserKey = false
			lastSequenceForKey = keys.MaxSequenceNumber
		} else {
			if !hasCurrentUserKey || ucmp.Compare(ukey, currentUserKey) != 0 {
				// First occurrence of this user key
				currentUserKey = append(currentUserKey[:0], ukey...)
				hasCurrentUserKey = true
				lastSequenceForKey = keys.MaxSequenceNumber
			}

			if lastSequenceForKey <= cs.smallestSnapshot {
				// Hidden by an newer entry for same user key
				drop = true
			} else if kind == keys.KindDelete && seq <= cs.smallestSnapshot &&
				c.isBaseLevelForKey(ukey) {
				// For this user key:
				// (1) there is no data in higher levels
				// (2) data in lower levels will have larger sequence numbers
				// (3) data in layers that are being compacted here and have
				//     smaller sequence numbers will be dropped in the next
				//     few iterations of this loop (by rule (A) above).
				// Therefore this deletion marker is obsolete and can be dropped.
				drop = true
			}
			lastSequenceForKey = seq
		}

		if drop {
			continue
		}

		// Open output file if necessary
		if cs.builder == nil {
			if err = db.openCompactionOutputFile(cs); err != nil {
				break
			}
		}
		out := cs.currentOutput()
		if cs.builder.NumEntries() == 0 {
			out.smallest = cloneKey(key)
		}
		out.largest = append(out.largest[:0], key...)
		if err = cs.builder.Add(key, input.Value()); err != nil {
			err = ioError(err)
			break
		}
		entriesOut++

		// Close output file if it is big enough
		if int64(cs.builder.EstimatedSize()) >= c.maxOutputFileSize {
			if err = db.finishCompactionOutputFile(cs, input); err != nil {
				break
			}
		}
	}

	if err == nil && db.shuttingDown.Load() {
		err = fmt.Errorf("%w: deleting DB during compaction", ErrIOError)
	}
	if err == nil && cs.builder != nil {
		err = db.finishCompactionOutputFile(cs, input)
	}
	if err == nil {
		err = input.Error()
	}
	if cerr := input.Close(); err == nil {
		err = cerr
	}

	stats := levelStats{duration: time.Since(start) - immTime}
	for which := range 2 {
		stats.bytesRead += totalFileSize(c.inputs[which])
	}
	for _, out := range cs.outputs {
		stats.bytesWritten += int64(out.size)
	}

	db.mu.Lock()
	db.stats[c.level+1].add(stats)

	if err == nil {
		err = db.installCompactionResults(cs)
	}
	if err != nil {
		return err
	}

	db.metrics.Compactions.WithLabelValues(strconv.Itoa(c.level), "ok").Inc()
	db.metrics.CompactionBytesRead.Add(float64(stats.bytesRead))
	db.metrics.CompactionBytesWritten.Add(float64(stats.bytesWritten))
	db.metrics.CompactionDuration.Observe(stats.duration.Seconds())
	db.logger.Info("COMPACTION_FINISHED",
		"level", c.level,
		"entries_in", entriesIn,
		"entries_out", entriesOut,
		"outputs", len(cs.outputs),
		"bytes_read", stats.bytesRead,
		"bytes_written", stats.bytesWritten,
		"duration", stats.duration,
		"levels", db.versions.LevelSummary())
	return nil
}

// openCompactionOutputFile starts a new output table. Called without mu.
func (db *DB) openCompactionOutputFile(cs *compactionState) error {
	db.mu.Lock()
	num := db.versions.NewFileNumber()
	db.pendingOutputs[num] = struct{}{}
	cs.outputs = append(cs.outputs, compactionOutput{number: num})
	db.mu.Unlock()

	w, err := sstable.NewSSTableWriter(db.tableWriterOpts(num, cs.c.level+1))
	if err != nil {
		return ioError(err)
	}
	cs.builder = w
	return nil
}

// finishCompactionOutputFile completes the current output and checks
// that it can be opened. Called without mu.
func (db *DB) finishCompactionOutputFile(cs *compactionState, input iterator.Iterator) error {
	w := cs.builder
	cs.builder = nil
	out := cs.currentOutput()
	entries := w.NumEntries()

	// Check for iterator errors
	if err := input.Error(); err != nil {
		w.Abandon()
		return err
	}
	if err := w.Finish(); err != nil {
		w.Abandon()
		return ioError(err)
	}
	if err := w.Close(); err != nil {
		return ioError(err)
	}
	out.size = w.FileSize()
	cs.totalBytes += out.size

	if entries == 0 {
		return nil
	}
	// Verify that the table is usable
	meta := newFileMetadata(out.number, out.size, out.smallest, out.largest)
	if err := db.verifyTable(meta); err != nil {
		return err
	}
	db.logger.Info("COMPACTION_OUTPUT_FILE_CREATED",
		"file", out.number,
		"level", cs.c.level+1,
		"entries", entries,
		"bytes", out.size)
	return nil
}

// installCompactionResults records the compaction in the MANIFEST.
// Requires mu.
func (db *DB) installCompactionResults(cs *compactionState) error {
	c := cs.c
	// Add compaction outputs
	c.addInputDeletions(c.edit)
	level := c.level
	for _, out := range cs.outputs {
		c.edit.AddFile(level+1, out.number, out.size, out.smallest, out.largest)
	}
	return db.versions.logAndApply(c.edit, &db.mu)
}

// cleanupCompaction abandons an unfinished output and releases the
// output numbers. Requires mu.
func (db *DB) cleanupCompaction(cs *compactionState) {
	if cs.builder != nil {
		// May happen if we get a shutdown call in the middle of compaction
		cs.builder.Abandon()
		cs.builder = nil
	}
	for _, out := range cs.outputs {
		delete(db.pendingOutputs, out.number)
	}
}

// deleteObsoleteFiles removes files that no live version, pending
// output or current log needs. Requires mu.
func (db *DB) deleteObsoleteFiles() {
	if db.bgErr != nil {
		// After a background error, we don't know whether a new version
		// may or may not have been committed, so we cannot safely
		// garbage collect.
		return
	}

	// Make a set of all of the live files
	live := make(map[uint64]struct{}, len(db.pendingOutputs))
	for num := range db.pendingOutputs {
		live[num] = struct{}{}
	}
	db.versions.addLiveFiles(live)

	entries, err := os.ReadDir(db.path)
	if err != nil {
		db.logger.Warn("OBSOLETE_FILE_SCAN_FAILED", "error", err)
		return
	}

	vs := db.versions
	var (
		obsolete []string
		tables   []uint64
	)
	for _, e := range entries {
		t, num, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		keep := true
		switch t {
		case logFile:
			keep = num >= vs.logNumber || num == vs.prevLogNumber
		case descriptorFile:
			// Keep my manifest file, and any newer incarnations'
			// (in case there is a race that allows other incarnations)
			keep = num >= vs.manifestFileNumber
		case tableFile:
			_, keep = live[num]
		case tempFile:
			// Any temp files that are currently being written to must
			// be recorded in pendingOutputs, which is inserted into "live"
			_, keep = live[num]
		}
		if !keep {
			obsolete = append(obsolete, e.Name())
			if t == tableFile {
				tables = append(tables, num)
			}
		}
	}

	for _, num := range tables {
		db.tableCache.evict(num)
	}

	// While deleting all files unblock other threads. All files being
	// deleted have unique names which will not collide with newly
	// created files and are therefore safe to delete while allowing
	// other threads to proceed.
	db.mu.Unlock()
	for _, name := range obsolete {
		if err := os.Remove(filepath.Join(db.path, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			db.logger.Warn("OBSOLETE_FILE_DELETE_FAILED", "file", name, "error", err)
			continue
		}
		db.logger.Debug("OBSOLETE_FILE_DELETED", "file", name)
	}
	db.mu.Lock()
}
