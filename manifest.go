package ldb

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/twlk9/ldb/wal"
)

// newDB writes the MANIFEST of an empty database and points CURRENT at
// it.
func newDB(dir string, opts *Options) error {
	edit := NewVersionEdit()
	edit.setComparatorName(opts.Comparator.Name())
	edit.setLogNumber(0)
	edit.setNextFile(2)
	edit.setLastSequence(0)

	if err := writeManifest(dir, 1, edit); err != nil {
		return err
	}
	opts.Logger.Info("DATABASE_CREATED", "path", dir)
	return nil
}

// writeManifest writes edit as the only record of MANIFEST-num and
// points CURRENT at it.
func writeManifest(dir string, num uint64, edit *VersionEdit) error {
	path := descriptorFileName(dir, num)
	w, err := wal.NewWriter(wal.WALOpts{Path: path})
	if err != nil {
		return ioError(err)
	}
	err = w.AddRecord(edit.Encode(nil))
	if err == nil {
		err = w.Sync()
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = setCurrentFile(dir, num)
	}
	if err != nil {
		os.Remove(path)
		return ioError(err)
	}
	return nil
}

// recover loads the state recorded in the MANIFEST named by CURRENT.
func (vs *VersionSet) recover() error {
	name, err := readCurrentFile(vs.dir)
	if err != nil {
		return err
	}
	path := filepath.Join(vs.dir, name)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: CURRENT points to a non-existent file %s", ErrCorruption, name)
		}
		return ioError(err)
	}
	defer f.Close()

	var (
		haveLogNumber, haveNextFile, haveLastSequence    bool
		logNumber, prevLogNumber, nextFile, lastSequence uint64
	)

	b := newVersionBuilder(vs, vs.current)
	r := wal.NewReader(f, nil, true)
	defer r.Close()

	records := 0
	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// A torn final record was never acknowledged; the edits before
			// it are the whole state.
			vs.logger.Warn("MANIFEST_TRUNCATED_RECORD", "manifest", name, "records", records)
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %s: %w", ErrCorruption, name, err)
		}

		edit := NewVersionEdit()
		if err := edit.Decode(rec, vs.numLevels); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if edit.hasComparator && edit.comparator != vs.icmp.User().Name() {
			return fmt.Errorf("%w: %s does not match existing comparator %s",
				ErrInvalidArgument, vs.icmp.User().Name(), edit.comparator)
		}
		b.apply(edit)

		if edit.hasLogNumber {
			logNumber, haveLogNumber = edit.logNumber, true
		}
		if edit.hasPrevLogNumber {
			prevLogNumber = edit.prevLogNumber
		}
		if edit.hasNextFileNumber {
			nextFile, haveNextFile = edit.nextFileNumber, true
		}
		if edit.hasLastSequence {
			lastSequence, haveLastSequence = edit.lastSequence, true
		}
		records++
	}

	switch {
	case !haveNextFile:
		return fmt.Errorf("%w: no meta-nextfile entry in descriptor", ErrCorruption)
	case !haveLogNumber:
		return fmt.Errorf("%w: no meta-lognumber entry in descriptor", ErrCorruption)
	case !haveLastSequence:
		return fmt.Errorf("%w: no last-sequence-number entry in descriptor", ErrCorruption)
	}

	v := newVersion(vs)
	if err := b.saveTo(v); err != nil {
		return err
	}
	vs.finalize(v)
	vs.appendVersion(v)

	vs.manifestFileNumber = nextFile
	vs.nextFileNumber = nextFile + 1
	vs.lastSequence = lastSequence
	vs.logNumber = logNumber
	vs.prevLogNumber = prevLogNumber
	vs.markFileNumberUsed(prevLogNumber)
	vs.markFileNumberUsed(logNumber)

	vs.logger.Info("MANIFEST_RECOVERED", "manifest", name, "records", records,
		"next_file", vs.nextFileNumber, "last_sequence", lastSequence, "log_number", logNumber)
	return nil
}

// writeSnapshot records the whole current state as the first record of
// a new MANIFEST.
func (vs *VersionSet) writeSnapshot(w *wal.Writer) error {
	edit := NewVersionEdit()
	edit.setComparatorName(vs.icmp.User().Name())

	for level, key := range vs.compactPointers {
		if len(key) > 0 {
			edit.setCompactPointer(level, key)
		}
	}
	for level, files := range vs.current.files {
		for _, f := range files {
			edit.AddFile(level, f.FileNum, f.Size, f.SmallestKey, f.LargestKey)
		}
	}
	return ioError(w.AddRecord(edit.Encode(nil)))
}

// DumpManifest writes every edit in the MANIFEST at path to out.
func DumpManifest(path string, numLevels int, out io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return ioError(err)
	}
	defer f.Close()

	r := wal.NewReader(f, func(dropped int, err error) {
		fmt.Fprintf(out, "corruption: %d bytes dropped: %v\n", dropped, err)
	}, true)
	defer r.Close()

	for {
		rec, err := r.ReadRecord()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		edit := NewVersionEdit()
		if err := edit.Decode(rec, numLevels); err != nil {
			return err
		}
		fmt.Fprint(out, edit.String())
	}
}
