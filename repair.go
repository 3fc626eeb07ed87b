package ldb

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"

	"github.com/twlk9/ldb/keys"
	"github.com/twlk9/ldb/sstable"
	"golang.org/x/sync/errgroup"
)

// tableInfo is what Repair recovers from one table file.
type tableInfo struct {
	meta    *FileMetadata
	maxSeq  uint64
	entries int
	err     error
}

// Repair rebuilds the MANIFEST of the database at opts.Path from the
// table files it finds. Every readable table is placed at level 0 and
// unreadable ones are left out. Logs are kept so the next Open replays
// them. Some data may be lost, so use it only on a database that Open
// refuses.
func Repair(opts *Options) error {
	if opts == nil {
		return fmt.Errorf("%w: nil options", ErrInvalidArgument)
	}
	opts = opts.Clone()
	opts.sanitize()
	if err := opts.Validate(); err != nil {
		return err
	}
	logger := opts.Logger.With("repair", opts.Path)

	lock, err := newFileLocker(opts.Path)
	if err != nil {
		return ioError(err)
	}
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()

	entries, err := os.ReadDir(opts.Path)
	if err != nil {
		return ioError(err)
	}
	var (
		tables    []uint64
		manifests []string
		maxNumber uint64
	)
	for _, e := range entries {
		t, num, ok := parseFileName(e.Name())
		if !ok {
			continue
		}
		maxNumber = max(maxNumber, num)
		switch t {
		case tableFile:
			tables = append(tables, num)
		case descriptorFile:
			manifests = append(manifests, e.Name())
		}
	}
	if len(tables) == 0 && len(manifests) == 0 {
		return fmt.Errorf("%w: %s: repair found no files", ErrIOError, opts.Path)
	}
	slices.Sort(tables)

	icmp := keys.NewInternalComparator(opts.Comparator)
	infos := make([]tableInfo, len(tables))

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for i, num := range tables {
		g.Go(func() error {
			infos[i] = scanTable(opts, icmp, num)
			return nil
		})
	}
	g.Wait()

	edit := NewVersionEdit()
	edit.setComparatorName(opts.Comparator.Name())
	edit.setLogNumber(0)
	var maxSeq uint64
	kept := 0
	for _, info := range infos {
		if info.err != nil {
			logger.Warn("REPAIR_TABLE_SKIPPED", "error", info.err)
			continue
		}
		if info.meta == nil {
			continue
		}
		m := info.meta
		edit.AddFile(0, m.FileNum, m.Size, m.SmallestKey, m.LargestKey)
		maxSeq = max(maxSeq, info.maxSeq)
		kept++
		logger.Info("REPAIR_TABLE_RECOVERED", "file", m.FileNum, "entries", info.entries, "bytes", m.Size)
	}

	manifestNum := maxNumber + 1
	edit.setNextFile(manifestNum + 1)
	edit.setLastSequence(maxSeq)

	if err := writeManifest(opts.Path, manifestNum, edit); err != nil {
		return err
	}
	for _, name := range manifests {
		if err := os.Remove(filepath.Join(opts.Path, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
			logger.Warn("REPAIR_MANIFEST_REMOVE_FAILED", "file", name, "error", err)
		}
	}
	logger.Info("REPAIR_FINISHED", "tables", kept, "skipped", len(tables)-kept, "last_sequence", maxSeq)
	return nil
}

// scanTable reads every entry of table num to find its key range and
// largest sequence number.
func scanTable(opts *Options, icmp *keys.InternalComparator, num uint64) tableInfo {
	path := tableFileName(opts.Path, num)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		path = sstTableFileName(opts.Path, num)
	}
	r, err := sstable.NewSSTableReader(path, sstable.ReaderOpts{
		Comparator:     icmp,
		ParanoidChecks: true,
		Logger:         opts.Logger,
	})
	if err != nil {
		return tableInfo{err: fmt.Errorf("table %d: %w", num, err)}
	}
	defer r.Close()

	var info tableInfo
	var smallest, largest keys.EncodedKey
	it := r.NewIterator(sstable.ReadOptions{VerifyChecksums: true})
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := it.Key()
		_, seq, _, err := keys.Parse(k)
		if err != nil {
			continue
		}
		if smallest == nil {
			smallest = cloneKey(k)
		}
		largest = append(largest[:0], k...)
		info.maxSeq = max(info.maxSeq, seq)
		info.entries++
	}
	err = it.Error()
	it.Close()
	if err != nil {
		return tableInfo{err: fmt.Errorf("table %d: %w", num, err)}
	}
	if info.entries == 0 {
		return info
	}
	info.meta = newFileMetadata(num, uint64(r.Size()), smallest, largest)
	return info
}
