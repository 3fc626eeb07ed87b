package ldb

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/iterator"
	"github.com/twlk9/ldb/keys"
)

// FileMetadata contains metadata about an SSTable file. It is shared by
// every Version that holds the file and is never modified after it is
// installed, apart from the seek budget.
type FileMetadata struct {
	FileNum     uint64
	Size        uint64
	SmallestKey keys.EncodedKey
	LargestKey  keys.EncodedKey

	// allowedSeeks counts down the reads this file may absorb before it
	// is compacted. One seek costs about as much as compacting 16KiB, so
	// a file gets one seek per 16KiB of data with a floor of 100.
	allowedSeeks atomic.Int64
}

func newFileMetadata(fileNum, size uint64, smallest, largest keys.EncodedKey) *FileMetadata {
	f := &FileMetadata{
		FileNum:     fileNum,
		Size:        size,
		SmallestKey: smallest,
		LargestKey:  largest,
	}
	f.allowedSeeks.Store(max(100, int64(size/(16*KiB))))
	return f
}

func (f *FileMetadata) String() string {
	return fmt.Sprintf("%06d:%d[%s .. %s]", f.FileNum, f.Size, f.SmallestKey, f.LargestKey)
}

func totalFileSize(files []*FileMetadata) int64 {
	var sum int64
	for _, f := range files {
		sum += int64(f.Size)
	}
	return sum
}

// findFile returns the index of the first file in a sorted, disjoint
// level whose largest key is >= ikey, or len(files) if there is none.
func findFile(icmp *keys.InternalComparator, files []*FileMetadata, ikey keys.EncodedKey) int {
	return sort.Search(len(files), func(i int) bool {
		return icmp.Compare(files[i].LargestKey, ikey) >= 0
	})
}

func afterFile(ucmp keys.Comparator, ukey []byte, f *FileMetadata) bool {
	// nil ukey is before every file
	return ukey != nil && ucmp.Compare(ukey, f.LargestKey.UserKey()) > 0
}

func beforeFile(ucmp keys.Comparator, ukey []byte, f *FileMetadata) bool {
	// nil ukey is after every file
	return ukey != nil && ucmp.Compare(ukey, f.SmallestKey.UserKey()) < 0
}

// someFileOverlapsRange reports whether any file overlaps the user key
// range [smallest, largest]. A nil bound is unbounded. disjoint says the
// files are sorted and non-overlapping, which allows a binary search.
func someFileOverlapsRange(icmp *keys.InternalComparator, disjoint bool, files []*FileMetadata, smallest, largest []byte) bool {
	ucmp := icmp.User()
	if !disjoint {
		for _, f := range files {
			if afterFile(ucmp, smallest, f) || beforeFile(ucmp, largest, f) {
				continue
			}
			return true
		}
		return false
	}

	index := 0
	if smallest != nil {
		index = findFile(icmp, files, keys.NewQueryKey(smallest))
	}
	if index >= len(files) {
		return false
	}
	return !beforeFile(ucmp, largest, files[index])
}

// Version is an immutable set of table files per level. Versions form a
// doubly linked list owned by the VersionSet; a Version stays on the
// list, and its files stay on disk, while anything holds a reference.
type Version struct {
	vset       *VersionSet
	next, prev *Version
	refs       atomic.Int32

	// Files at each level (L0, L1, L2, ...)
	files [][]*FileMetadata

	// Next file to compact based on seek stats. Guarded by the DB mutex.
	fileToCompact      *FileMetadata
	fileToCompactLevel int

	// Level that should be compacted next and its score. A score < 1
	// means compaction is not strictly needed. Set by finalize.
	compactionScore float64
	compactionLevel int
}

func newVersion(vset *VersionSet) *Version {
	v := &Version{
		vset:               vset,
		files:              make([][]*FileMetadata, vset.numLevels),
		fileToCompactLevel: -1,
		compactionScore:    -1,
		compactionLevel:    -1,
	}
	v.next, v.prev = v, v
	return v
}

// Ref pins the version and its files.
func (v *Version) Ref() {
	v.refs.Add(1)
}

// Unref drops a reference. The last one unlinks the version from the
// VersionSet, which makes its files eligible for deletion.
func (v *Version) Unref() {
	n := v.refs.Add(-1)
	if n < 0 {
		panic("ldb: Version refcount below zero")
	}
	if n == 0 {
		vs := v.vset
		vs.listMu.Lock()
		v.prev.next = v.next
		v.next.prev = v.prev
		v.next, v.prev = nil, nil
		vs.listMu.Unlock()
	}
}

// NumFiles returns the number of files at level.
func (v *Version) NumFiles(level int) int {
	return len(v.files[level])
}

// Files returns the files at level. The slice must not be modified.
func (v *Version) Files(level int) []*FileMetadata {
	return v.files[level]
}

// getStats carries the file to charge a seek to after a Get.
type getStats struct {
	seekFile      *FileMetadata
	seekFileLevel int
}

// get looks up the newest entry for the user key of lookup that is
// visible at its sequence number. It returns ErrNotFound both for keys
// that were never written and for deleted ones.
func (v *Version) get(ro *ReadOptions, lookup keys.EncodedKey) ([]byte, getStats, error) {
	var stats getStats
	stats.seekFileLevel = -1

	icmp := v.vset.icmp
	ucmp := icmp.User()
	ukey := lookup.UserKey()

	var lastFileRead *FileMetadata
	lastFileReadLevel := -1

	// search checks one file. done is true once the file holds an entry
	// for the key, and seq is that entry's sequence number.
	search := func(level int, f *FileMetadata) (value []byte, seq uint64, done bool, err error) {
		if lastFileRead != nil && stats.seekFile == nil {
			// More than one file was consulted. Charge the first.
			stats.seekFile = lastFileRead
			stats.seekFileLevel = lastFileReadLevel
		}
		lastFileRead = f
		lastFileReadLevel = level

		k, val, err := v.vset.tableCache.get(ro, f.FileNum, f.Size, lookup)
		if err != nil {
			return nil, 0, true, err
		}
		if k == nil {
			return nil, 0, false, nil
		}
		pk, seq, kind, err := keys.Parse(k)
		if err != nil {
			return nil, 0, true, fmt.Errorf("%w: table %06d: %w", ErrCorruption, f.FileNum, err)
		}
		if ucmp.Compare(pk, ukey) != 0 {
			return nil, 0, false, nil
		}
		if kind == keys.KindDelete {
			return nil, seq, true, ErrNotFound
		}
		return val, seq, true, nil
	}

	// Level 0 files may overlap each other. File numbers do not order
	// their data after a Repair, so check every covering file and keep
	// the entry with the highest sequence number.
	var l0 []*FileMetadata
	for _, f := range v.files[0] {
		if ucmp.Compare(ukey, f.SmallestKey.UserKey()) >= 0 && ucmp.Compare(ukey, f.LargestKey.UserKey()) <= 0 {
			l0 = append(l0, f)
		}
	}
	slices.SortFunc(l0, func(a, b *FileMetadata) int { return cmp.Compare(b.FileNum, a.FileNum) })
	var (
		l0Value []byte
		l0Seq   uint64
		l0Err   error
		l0Found bool
	)
	for _, f := range l0 {
		val, seq, done, err := search(0, f)
		if !done {
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, stats, err
		}
		if !l0Found || seq > l0Seq {
			l0Value, l0Seq, l0Err, l0Found = val, seq, err, true
		}
	}
	if l0Found {
		return l0Value, stats, l0Err
	}

	for level := 1; level < len(v.files); level++ {
		files := v.files[level]
		if len(files) == 0 {
			continue
		}
		index := findFile(icmp, files, lookup)
		if index >= len(files) {
			continue
		}
		f := files[index]
		if ucmp.Compare(ukey, f.SmallestKey.UserKey()) < 0 {
			continue
		}
		if val, _, done, err := search(level, f); done {
			return val, stats, err
		}
	}
	return nil, stats, ErrNotFound
}

// updateStats charges a seek to the file in stats. It reports whether
// that exhausted the file's budget so a compaction should be scheduled.
// Requires the DB mutex.
func (v *Version) updateStats(stats getStats) bool {
	f := stats.seekFile
	if f == nil {
		return false
	}
	if f.allowedSeeks.Add(-1) <= 0 && v.fileToCompact == nil {
		v.fileToCompact = f
		v.fileToCompactLevel = stats.seekFileLevel
		return true
	}
	return false
}

// overlapInLevel reports whether any file in level overlaps the user
// key range [smallest, largest].
func (v *Version) overlapInLevel(level int, smallest, largest []byte) bool {
	return someFileOverlapsRange(v.vset.icmp, level > 0, v.files[level], smallest, largest)
}

// pickLevelForMemTableOutput chooses the level for a table flushed from
// a memtable covering [smallest, largest]. A table that overlaps nothing
// is pushed down to at most maxMemCompactLevel, which saves the L0->L1
// compaction, as long as it would not overlap too much of the level
// below its destination.
func (v *Version) pickLevelForMemTableOutput(smallest, largest []byte) int {
	level := 0
	if v.overlapInLevel(0, smallest, largest) {
		return level
	}
	start := keys.NewEncodedKey(smallest, keys.MaxSequenceNumber, keys.KindSeek)
	limit := keys.NewEncodedKey(largest, 0, keys.KindDelete)
	for level < maxMemCompactLevel {
		if v.overlapInLevel(level+1, smallest, largest) {
			break
		}
		if level+2 < len(v.files) {
			overlaps := v.getOverlappingInputs(level+2, start, limit)
			if totalFileSize(overlaps) > v.vset.opts.maxGrandParentOverlapBytes() {
				break
			}
		}
		level++
	}
	return level
}

// getOverlappingInputs returns the files in level that overlap the
// user key range of [begin, end]. nil bounds are unbounded. In level 0
// the range grows to cover every file it touches, since those files may
// overlap each other.
func (v *Version) getOverlappingInputs(level int, begin, end keys.EncodedKey) []*FileMetadata {
	ucmp := v.vset.icmp.User()
	var userBegin, userEnd []byte
	if begin != nil {
		userBegin = begin.UserKey()
	}
	if end != nil {
		userEnd = end.UserKey()
	}

	var inputs []*FileMetadata
	files := v.files[level]
	for i := 0; i < len(files); {
		f := files[i]
		i++
		fileStart := f.SmallestKey.UserKey()
		fileLimit := f.LargestKey.UserKey()
		if begin != nil && ucmp.Compare(fileLimit, userBegin) < 0 {
			continue
		}
		if end != nil && ucmp.Compare(fileStart, userEnd) > 0 {
			continue
		}
		inputs = append(inputs, f)
		if level != 0 {
			continue
		}
		if begin != nil && ucmp.Compare(fileStart, userBegin) < 0 {
			userBegin = fileStart
			inputs = inputs[:0]
			i = 0
		} else if end != nil && ucmp.Compare(fileLimit, userEnd) > 0 {
			userEnd = fileLimit
			inputs = inputs[:0]
			i = 0
		}
	}
	return inputs
}

// addIterators appends iterators covering the whole version: one per
// level 0 file and one concatenating iterator per deeper level.
func (v *Version) addIterators(ro *ReadOptions, iters []iterator.Iterator) []iterator.Iterator {
	tc := v.vset.tableCache
	// Newer level 0 files come first so they win ties in the merge.
	l0 := slices.Clone(v.files[0])
	slices.SortFunc(l0, func(a, b *FileMetadata) int { return cmp.Compare(b.FileNum, a.FileNum) })
	for _, f := range l0 {
		iters = append(iters, tc.newIterator(ro, f.FileNum, f.Size))
	}
	for level := 1; level < len(v.files); level++ {
		if len(v.files[level]) > 0 {
			iters = append(iters, newConcatenatingIterator(v.vset, ro, v.files[level]))
		}
	}
	return iters
}

// String dumps the files per level.
func (v *Version) String() string {
	var sb strings.Builder
	for level, files := range v.files {
		fmt.Fprintf(&sb, "--- level %d ---\n", level)
		for _, f := range files {
			fmt.Fprintf(&sb, " %s\n", f)
		}
	}
	return sb.String()
}

// levelFileIterator walks the files of a sorted level. Key is a file's
// largest key; Value encodes its number and size.
type levelFileIterator struct {
	icmp  *keys.InternalComparator
	files []*FileMetadata
	index int
	value [16]byte
}

func newLevelFileIterator(icmp *keys.InternalComparator, files []*FileMetadata) *levelFileIterator {
	return &levelFileIterator{icmp: icmp, files: files, index: len(files)}
}

func (it *levelFileIterator) Valid() bool {
	return it.index < len(it.files)
}

func (it *levelFileIterator) SeekToFirst() {
	it.index = 0
}

func (it *levelFileIterator) Seek(target keys.EncodedKey) {
	it.index = findFile(it.icmp, it.files, target)
}

func (it *levelFileIterator) Next() {
	it.index++
}

func (it *levelFileIterator) Key() keys.EncodedKey {
	return it.files[it.index].LargestKey
}

func (it *levelFileIterator) Value() []byte {
	f := it.files[it.index]
	coding.PutFixed64(it.value[:8], f.FileNum)
	coding.PutFixed64(it.value[8:], f.Size)
	return it.value[:]
}

func (it *levelFileIterator) Error() error { return nil }
func (it *levelFileIterator) Close() error { return nil }

// newConcatenatingIterator reads the files of a sorted level in order,
// opening each table only when the cursor reaches it.
func newConcatenatingIterator(vs *VersionSet, ro *ReadOptions, files []*FileMetadata) iterator.Iterator {
	return iterator.NewTwoLevel(newLevelFileIterator(vs.icmp, files), func(v []byte) (iterator.Iterator, error) {
		if len(v) != 16 {
			return nil, fmt.Errorf("%w: file reader invoked with unexpected value", ErrCorruption)
		}
		return vs.tableCache.newIterator(ro, coding.Fixed64(v[:8]), coding.Fixed64(v[8:])), nil
	})
}
