package ldb

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/keys"
)

// Tag numbers for the fields of a serialized VersionEdit. They are
// part of the on-disk MANIFEST format. Tag 8 was used for large value
// references by early LevelDB releases and is no longer understood.
const (
	tagComparator     = 1
	tagLogNumber      = 2
	tagNextFileNumber = 3
	tagLastSequence   = 4
	tagCompactPointer = 5
	tagDeletedFile    = 6
	tagNewFile        = 7
	tagPrevLogNumber  = 9
)

type levelFile struct {
	level   int
	fileNum uint64
}

type compactPointer struct {
	level int
	key   keys.EncodedKey
}

type newFileEntry struct {
	level int
	meta  *FileMetadata
}

// VersionEdit is the delta between two Versions. The MANIFEST is a log
// of encoded edits; replaying them in order rebuilds the current state.
type VersionEdit struct {
	comparator     string
	logNumber      uint64
	prevLogNumber  uint64
	nextFileNumber uint64
	lastSequence   uint64

	hasComparator     bool
	hasLogNumber      bool
	hasPrevLogNumber  bool
	hasNextFileNumber bool
	hasLastSequence   bool

	compactPointers []compactPointer
	deletedFiles    map[levelFile]struct{}
	newFiles        []newFileEntry
}

// NewVersionEdit returns an empty edit.
func NewVersionEdit() *VersionEdit {
	return &VersionEdit{}
}

func (e *VersionEdit) clear() {
	*e = VersionEdit{}
}

func (e *VersionEdit) setComparatorName(name string) {
	e.hasComparator = true
	e.comparator = name
}

func (e *VersionEdit) setLogNumber(num uint64) {
	e.hasLogNumber = true
	e.logNumber = num
}

func (e *VersionEdit) setPrevLogNumber(num uint64) {
	e.hasPrevLogNumber = true
	e.prevLogNumber = num
}

func (e *VersionEdit) setNextFile(num uint64) {
	e.hasNextFileNumber = true
	e.nextFileNumber = num
}

func (e *VersionEdit) setLastSequence(seq uint64) {
	e.hasLastSequence = true
	e.lastSequence = seq
}

func (e *VersionEdit) setCompactPointer(level int, key keys.EncodedKey) {
	e.compactPointers = append(e.compactPointers, compactPointer{level: level, key: cloneKey(key)})
}

// AddFile records a new table at level. smallest and largest are the
// first and last internal keys in the table.
func (e *VersionEdit) AddFile(level int, fileNum, size uint64, smallest, largest keys.EncodedKey) {
	e.newFiles = append(e.newFiles, newFileEntry{
		level: level,
		meta:  newFileMetadata(fileNum, size, cloneKey(smallest), cloneKey(largest)),
	})
}

// DeleteFile records that the table fileNum leaves level.
func (e *VersionEdit) DeleteFile(level int, fileNum uint64) {
	if e.deletedFiles == nil {
		e.deletedFiles = make(map[levelFile]struct{})
	}
	e.deletedFiles[levelFile{level: level, fileNum: fileNum}] = struct{}{}
}

// sortedDeletedFiles returns the deletions in (level, number) order so
// encodings are deterministic.
func (e *VersionEdit) sortedDeletedFiles() []levelFile {
	out := make([]levelFile, 0, len(e.deletedFiles))
	for f := range e.deletedFiles {
		out = append(out, f)
	}
	slices.SortFunc(out, func(a, b levelFile) int {
		if c := cmp.Compare(a.level, b.level); c != 0 {
			return c
		}
		return cmp.Compare(a.fileNum, b.fileNum)
	})
	return out
}

// Encode appends the serialized edit to dst.
func (e *VersionEdit) Encode(dst []byte) []byte {
	if e.hasComparator {
		dst = coding.AppendUvarint(dst, tagComparator)
		dst = coding.AppendLengthPrefixed(dst, []byte(e.comparator))
	}
	if e.hasLogNumber {
		dst = coding.AppendUvarint(dst, tagLogNumber)
		dst = coding.AppendUvarint(dst, e.logNumber)
	}
	if e.hasPrevLogNumber {
		dst = coding.AppendUvarint(dst, tagPrevLogNumber)
		dst = coding.AppendUvarint(dst, e.prevLogNumber)
	}
	if e.hasNextFileNumber {
		dst = coding.AppendUvarint(dst, tagNextFileNumber)
		dst = coding.AppendUvarint(dst, e.nextFileNumber)
	}
	if e.hasLastSequence {
		dst = coding.AppendUvarint(dst, tagLastSequence)
		dst = coding.AppendUvarint(dst, e.lastSequence)
	}
	for _, cp := range e.compactPointers {
		dst = coding.AppendUvarint(dst, tagCompactPointer)
		dst = coding.AppendUvarint(dst, uint64(cp.level))
		dst = coding.AppendLengthPrefixed(dst, cp.key)
	}
	for _, f := range e.sortedDeletedFiles() {
		dst = coding.AppendUvarint(dst, tagDeletedFile)
		dst = coding.AppendUvarint(dst, uint64(f.level))
		dst = coding.AppendUvarint(dst, f.fileNum)
	}
	for _, nf := range e.newFiles {
		dst = coding.AppendUvarint(dst, tagNewFile)
		dst = coding.AppendUvarint(dst, uint64(nf.level))
		dst = coding.AppendUvarint(dst, nf.meta.FileNum)
		dst = coding.AppendUvarint(dst, nf.meta.Size)
		dst = coding.AppendLengthPrefixed(dst, nf.meta.SmallestKey)
		dst = coding.AppendLengthPrefixed(dst, nf.meta.LargestKey)
	}
	return dst
}

// editDecoder walks an encoded edit. The first failure sticks.
type editDecoder struct {
	b         []byte
	numLevels int
	err       error
}

func (d *editDecoder) fail(field string) {
	if d.err == nil {
		d.err = fmt.Errorf("%w: VersionEdit: bad %s", ErrCorruption, field)
	}
}

func (d *editDecoder) uvarint(field string) uint64 {
	if d.err != nil {
		return 0
	}
	v, n := coding.Uvarint(d.b)
	if n <= 0 {
		d.fail(field)
		return 0
	}
	d.b = d.b[n:]
	return v
}

func (d *editDecoder) level(field string) int {
	v := d.uvarint(field)
	if d.err == nil && v >= uint64(d.numLevels) {
		d.fail(field)
		return 0
	}
	return int(v)
}

func (d *editDecoder) bytes(field string) []byte {
	if d.err != nil {
		return nil
	}
	s, rest, ok := coding.LengthPrefixed(d.b)
	if !ok {
		d.fail(field)
		return nil
	}
	d.b = rest
	return s
}

func (d *editDecoder) internalKey(field string) keys.EncodedKey {
	s := d.bytes(field)
	if d.err != nil {
		return nil
	}
	if _, _, _, err := keys.Parse(s); err != nil {
		d.fail(field)
		return nil
	}
	return cloneKey(s)
}

// Decode replaces e with the edit encoded in src. Levels at or beyond
// numLevels, unknown tags and truncated fields are corruption.
func (e *VersionEdit) Decode(src []byte, numLevels int) error {
	e.clear()
	d := &editDecoder{b: src, numLevels: numLevels}

	for d.err == nil && len(d.b) > 0 {
		tag := d.uvarint("tag")
		if d.err != nil {
			break
		}
		switch tag {
		case tagComparator:
			name := d.bytes("comparator name")
			if d.err == nil {
				e.setComparatorName(string(name))
			}
		case tagLogNumber:
			if v := d.uvarint("log number"); d.err == nil {
				e.setLogNumber(v)
			}
		case tagPrevLogNumber:
			if v := d.uvarint("previous log number"); d.err == nil {
				e.setPrevLogNumber(v)
			}
		case tagNextFileNumber:
			if v := d.uvarint("next file number"); d.err == nil {
				e.setNextFile(v)
			}
		case tagLastSequence:
			if v := d.uvarint("last sequence number"); d.err == nil {
				e.setLastSequence(v)
			}
		case tagCompactPointer:
			level := d.level("compaction pointer")
			key := d.internalKey("compaction pointer")
			if d.err == nil {
				e.compactPointers = append(e.compactPointers, compactPointer{level: level, key: key})
			}
		case tagDeletedFile:
			level := d.level("deleted file")
			num := d.uvarint("deleted file")
			if d.err == nil {
				e.DeleteFile(level, num)
			}
		case tagNewFile:
			level := d.level("new-file entry")
			num := d.uvarint("new-file entry")
			size := d.uvarint("new-file entry")
			smallest := d.internalKey("new-file entry")
			largest := d.internalKey("new-file entry")
			if d.err == nil {
				e.newFiles = append(e.newFiles, newFileEntry{
					level: level,
					meta:  newFileMetadata(num, size, smallest, largest),
				})
			}
		default:
			d.err = fmt.Errorf("%w: VersionEdit: unknown tag %d", ErrCorruption, tag)
		}
	}
	return d.err
}

// String renders the edit for the manifest dump in ldb-cli.
func (e *VersionEdit) String() string {
	var sb strings.Builder
	sb.WriteString("VersionEdit {")
	if e.hasComparator {
		fmt.Fprintf(&sb, "\n  Comparator: %s", e.comparator)
	}
	if e.hasLogNumber {
		fmt.Fprintf(&sb, "\n  LogNumber: %d", e.logNumber)
	}
	if e.hasPrevLogNumber {
		fmt.Fprintf(&sb, "\n  PrevLogNumber: %d", e.prevLogNumber)
	}
	if e.hasNextFileNumber {
		fmt.Fprintf(&sb, "\n  NextFile: %d", e.nextFileNumber)
	}
	if e.hasLastSequence {
		fmt.Fprintf(&sb, "\n  LastSeq: %d", e.lastSequence)
	}
	for _, cp := range e.compactPointers {
		fmt.Fprintf(&sb, "\n  CompactPointer: %d %s", cp.level, cp.key)
	}
	for _, f := range e.sortedDeletedFiles() {
		fmt.Fprintf(&sb, "\n  RemoveFile: %d %d", f.level, f.fileNum)
	}
	for _, nf := range e.newFiles {
		fmt.Fprintf(&sb, "\n  AddFile: %d %d %d %s .. %s", nf.level, nf.meta.FileNum, nf.meta.Size,
			nf.meta.SmallestKey, nf.meta.LargestKey)
	}
	sb.WriteString("\n}\n")
	return sb.String()
}

func cloneKey(k []byte) keys.EncodedKey {
	if k == nil {
		return nil
	}
	return keys.EncodedKey(append([]byte(nil), k...))
}
