package ldb

import (
	"cmp"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"

	"github.com/twlk9/ldb/keys"
	"github.com/twlk9/ldb/wal"
)

// VersionSet tracks the chain of live Versions, the file number and
// sequence counters, and the MANIFEST they are recorded in. Apart from
// the version list (listMu) everything here is guarded by the DB mutex.
type VersionSet struct {
	dir        string
	opts       *Options
	icmp       *keys.InternalComparator
	tableCache *TableCache
	numLevels  int
	logger     *slog.Logger

	nextFileNumber     uint64
	manifestFileNumber uint64
	lastSequence       uint64
	logNumber          uint64
	prevLogNumber      uint64 // 0 or the log of a memtable being compacted

	// manifestLog is nil until the first logAndApply after open, which
	// writes a fresh MANIFEST starting with a full snapshot.
	manifestLog       *wal.Writer
	manifestLogNumber uint64

	// listMu guards the next/prev links of every Version. Versions are
	// unlinked by Unref, which may run without the DB mutex.
	listMu   sync.Mutex
	versions Version // list head
	current  *Version

	// Per level key at which the next compaction at that level should
	// start. Either empty or a valid internal key.
	compactPointers []keys.EncodedKey
}

// NewVersionSet creates an empty set. recover loads the persisted state.
func NewVersionSet(dir string, opts *Options, icmp *keys.InternalComparator, tableCache *TableCache) *VersionSet {
	vs := &VersionSet{
		dir:             dir,
		opts:            opts,
		icmp:            icmp,
		tableCache:      tableCache,
		numLevels:       opts.MaxLevels,
		logger:          opts.Logger,
		nextFileNumber:  2,
		compactPointers: make([]keys.EncodedKey, opts.MaxLevels),
	}
	vs.versions.next = &vs.versions
	vs.versions.prev = &vs.versions
	vs.appendVersion(newVersion(vs))
	return vs
}

// Current returns the current version. Callers that use it without the
// DB mutex must Ref it first.
func (vs *VersionSet) Current() *Version {
	return vs.current
}

func (vs *VersionSet) appendVersion(v *Version) {
	if vs.current != nil {
		vs.current.Unref()
	}
	vs.current = v
	v.Ref()

	vs.listMu.Lock()
	v.prev = vs.versions.prev
	v.next = &vs.versions
	v.prev.next = v
	v.next.prev = v
	vs.listMu.Unlock()
}

// NewFileNumber allocates a file number.
func (vs *VersionSet) NewFileNumber() uint64 {
	n := vs.nextFileNumber
	vs.nextFileNumber++
	return n
}

// reuseFileNumber hands back a number if it was the last one allocated.
func (vs *VersionSet) reuseFileNumber(n uint64) {
	if vs.nextFileNumber == n+1 {
		vs.nextFileNumber = n
	}
}

// markFileNumberUsed makes sure n is never allocated.
func (vs *VersionSet) markFileNumberUsed(n uint64) {
	if vs.nextFileNumber <= n {
		vs.nextFileNumber = n + 1
	}
}

// LastSequence is the sequence number of the newest applied write.
func (vs *VersionSet) LastSequence() uint64 {
	return vs.lastSequence
}

func (vs *VersionSet) setLastSequence(seq uint64) {
	if seq < vs.lastSequence {
		panic("ldb: last sequence moving backwards")
	}
	vs.lastSequence = seq
}

// NumLevelFiles returns the number of files at level in the current version.
func (vs *VersionSet) NumLevelFiles(level int) int {
	return len(vs.current.files[level])
}

// NumLevelBytes returns the total table size at level in the current version.
func (vs *VersionSet) NumLevelBytes(level int) int64 {
	return totalFileSize(vs.current.files[level])
}

// logAndApply applies edit to the current version, records it in the
// MANIFEST and installs the result as the new current version. mu is
// the DB mutex; it is held on entry and exit but released while the
// MANIFEST is written. On failure the current version is unchanged.
func (vs *VersionSet) logAndApply(edit *VersionEdit, mu *sync.Mutex) error {
	if edit.hasLogNumber {
		if edit.logNumber < vs.logNumber || edit.logNumber >= vs.nextFileNumber {
			return fmt.Errorf("%w: log number %d out of range", ErrFault, edit.logNumber)
		}
	} else {
		edit.setLogNumber(vs.logNumber)
	}
	if !edit.hasPrevLogNumber {
		edit.setPrevLogNumber(vs.prevLogNumber)
	}

	// Start a new MANIFEST when none is open yet or the current one has
	// grown too large.
	var newManifest *wal.Writer
	if vs.manifestLog != nil && vs.manifestLog.Size() >= vs.opts.MaxManifestFileSize {
		vs.manifestFileNumber = vs.NewFileNumber()
	}
	newManifestNumber := vs.manifestFileNumber

	edit.setNextFile(vs.nextFileNumber)
	edit.setLastSequence(vs.lastSequence)

	v := newVersion(vs)
	b := newVersionBuilder(vs, vs.current)
	b.apply(edit)
	if err := b.saveTo(v); err != nil {
		return err
	}
	vs.finalize(v)

	if vs.manifestLog == nil || newManifestNumber != vs.manifestLogNumber {
		w, err := wal.NewWriter(wal.WALOpts{Path: descriptorFileName(vs.dir, newManifestNumber)})
		if err != nil {
			return ioError(err)
		}
		if err := vs.writeSnapshot(w); err != nil {
			w.Close()
			os.Remove(descriptorFileName(vs.dir, newManifestNumber))
			return err
		}
		newManifest = w
	}

	log := vs.manifestLog
	if newManifest != nil {
		log = newManifest
	}
	record := edit.Encode(nil)

	// Write the new record without holding the mutex. Only the
	// background worker or Open call this, so nothing else races on the
	// MANIFEST.
	mu.Unlock()
	err := log.AddRecord(record)
	if err == nil {
		err = log.Sync()
	}
	if err == nil && newManifest != nil {
		err = setCurrentFile(vs.dir, newManifestNumber)
	}
	mu.Lock()

	if err != nil {
		err = ioError(err)
		vs.logger.Error("MANIFEST_WRITE_FAILED", "manifest", newManifestNumber, "error", err)
		if newManifest != nil {
			newManifest.Close()
			os.Remove(descriptorFileName(vs.dir, newManifestNumber))
		} else {
			// The record may be half written. Abandon this MANIFEST and
			// start the next edit in a fresh one.
			vs.manifestLog.Close()
			vs.manifestLog = nil
			vs.manifestFileNumber = vs.NewFileNumber()
		}
		return err
	}

	if newManifest != nil {
		if vs.manifestLog != nil {
			vs.manifestLog.Close()
		}
		vs.manifestLog = newManifest
		vs.manifestLogNumber = newManifestNumber
		vs.logger.Info("MANIFEST_CREATED", "manifest", newManifestNumber)
	}
	vs.appendVersion(v)
	vs.logNumber = edit.logNumber
	vs.prevLogNumber = edit.prevLogNumber
	return nil
}

// finalize computes the best level for the next compaction.
func (vs *VersionSet) finalize(v *Version) {
	bestLevel := -1
	bestScore := -1.0

	for level := 0; level < vs.numLevels-1; level++ {
		var score float64
		if level == 0 {
			// Level 0 is scored by file count; every read merges all of
			// its files.
			score = float64(len(v.files[level])) / float64(vs.opts.L0CompactionTrigger)
		} else {
			score = float64(totalFileSize(v.files[level])) / float64(vs.opts.GetLevelMaxBytes(level))
		}
		if score > bestScore {
			bestLevel = level
			bestScore = score
		}
	}
	v.compactionLevel = bestLevel
	v.compactionScore = bestScore
}

// needsCompaction reports whether the current version has work for the
// background compactor.
func (vs *VersionSet) needsCompaction() bool {
	v := vs.current
	return v.compactionScore >= 1 || v.fileToCompact != nil
}

// addLiveFiles adds every table referenced by any live version.
func (vs *VersionSet) addLiveFiles(live map[uint64]struct{}) {
	vs.listMu.Lock()
	defer vs.listMu.Unlock()
	for v := vs.versions.next; v != &vs.versions; v = v.next {
		for _, files := range v.files {
			for _, f := range files {
				live[f.FileNum] = struct{}{}
			}
		}
	}
}

// approximateOffsetOf returns the approximate byte offset of ikey in
// the whole database as seen by v.
func (vs *VersionSet) approximateOffsetOf(v *Version, ikey keys.EncodedKey) uint64 {
	var result uint64
	for level, files := range v.files {
		for _, f := range files {
			if vs.icmp.Compare(f.LargestKey, ikey) <= 0 {
				// Entire file is before ikey
				result += f.Size
			} else if vs.icmp.Compare(f.SmallestKey, ikey) > 0 {
				// Entire file is after ikey. Files past this one in a
				// sorted level are too.
				if level > 0 {
					break
				}
			} else {
				result += vs.tableCache.approximateOffsetOf(f.FileNum, f.Size, ikey)
			}
		}
	}
	return result
}

// versionBuilder accumulates edits on top of a base version without
// building the intermediate versions.
type versionBuilder struct {
	vs     *VersionSet
	base   *Version
	levels []builderLevel
}

type builderLevel struct {
	deleted map[uint64]struct{}
	added   []*FileMetadata
}

func newVersionBuilder(vs *VersionSet, base *Version) *versionBuilder {
	b := &versionBuilder{vs: vs, base: base, levels: make([]builderLevel, vs.numLevels)}
	for i := range b.levels {
		b.levels[i].deleted = make(map[uint64]struct{})
	}
	return b
}

func (b *versionBuilder) apply(edit *VersionEdit) {
	for _, cp := range edit.compactPointers {
		b.vs.compactPointers[cp.level] = cp.key
	}
	for f := range edit.deletedFiles {
		b.levels[f.level].deleted[f.fileNum] = struct{}{}
	}
	for _, nf := range edit.newFiles {
		lvl := &b.levels[nf.level]
		delete(lvl.deleted, nf.meta.FileNum)
		lvl.added = append(lvl.added, nf.meta)
	}
}

// saveTo writes the merged file lists into v. Level 0 is ordered by
// file number, deeper levels by smallest key.
func (b *versionBuilder) saveTo(v *Version) error {
	icmp := b.vs.icmp
	for level := range b.levels {
		lvl := &b.levels[level]
		files := make([]*FileMetadata, 0, len(b.base.files[level])+len(lvl.added))
		seen := make(map[uint64]struct{}, cap(files))
		// Added files go first so a file re-added by a later edit wins
		// over the base copy.
		for _, f := range slices.Concat(lvl.added, b.base.files[level]) {
			if _, dead := lvl.deleted[f.FileNum]; dead {
				continue
			}
			if _, dup := seen[f.FileNum]; dup {
				continue
			}
			seen[f.FileNum] = struct{}{}
			files = append(files, f)
		}

		if level == 0 {
			slices.SortFunc(files, func(a, b *FileMetadata) int { return cmp.Compare(a.FileNum, b.FileNum) })
		} else {
			slices.SortFunc(files, func(a, b *FileMetadata) int {
				if c := icmp.Compare(a.SmallestKey, b.SmallestKey); c != 0 {
					return c
				}
				return cmp.Compare(a.FileNum, b.FileNum)
			})
			for i := 1; i < len(files); i++ {
				if icmp.Compare(files[i-1].LargestKey, files[i].SmallestKey) >= 0 {
					return fmt.Errorf("%w: overlapping ranges in level %d: %s vs %s",
						ErrCorruption, level, files[i-1], files[i])
				}
			}
		}
		v.files[level] = files
	}
	return nil
}

// LevelSummary returns a one line file count per level.
func (vs *VersionSet) LevelSummary() string {
	counts := make([]any, 0, vs.numLevels)
	format := "files["
	for level := range vs.numLevels {
		if level > 0 {
			format += " "
		}
		format += "%d"
		counts = append(counts, len(vs.current.files[level]))
	}
	return fmt.Sprintf(format+"]", counts...)
}

// Close closes the open MANIFEST.
func (vs *VersionSet) Close() error {
	if vs.manifestLog == nil {
		return nil
	}
	err := vs.manifestLog.Close()
	vs.manifestLog = nil
	if errors.Is(err, wal.ErrClosed) {
		return nil
	}
	return ioError(err)
}
