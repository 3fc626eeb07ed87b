package sstable

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"syscall"

	"github.com/twlk9/ldb/bloom"
	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/compression"
	"github.com/twlk9/ldb/keys"
)

// ErrWriterClosed is returned when adding to a finished or closed table.
var ErrWriterClosed = errors.New("sstable: writer is closed")

type SSTableOpts struct {
	Path       string
	Comparator *keys.InternalComparator
	// FilterPolicy, when set, adds a filter block built from user keys.
	FilterPolicy         bloom.FilterPolicy
	Compression          compression.Config
	Logger               *slog.Logger
	BlockSize            int
	BlockRestartInterval int
}

// SSTableWriter writes a table file in one pass. Keys must be added in
// increasing internal key order.
type SSTableWriter struct {
	file   *os.File
	writer *bufio.Writer
	path   string
	logger *slog.Logger
	cmp    *keys.InternalComparator

	dataBlock  *BlockBuilder
	indexBlock *BlockBuilder
	filter     *FilterBlockBuilder
	filterName string
	blockSize  int
	restarts   int

	offset     uint64
	numEntries uint64

	smallestKey keys.EncodedKey
	largestKey  keys.EncodedKey

	// The index entry for a finished data block is written when the next
	// key arrives, so the separator can be shortened against it.
	pendingIndex  bool
	pendingHandle BlockHandle

	compressor  compression.Compressor
	compressBuf []byte

	err      error
	finished bool
	closed   bool
}

// NewSSTableWriter creates the file at opts.Path.
func NewSSTableWriter(opts SSTableOpts) (*SSTableWriter, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.Comparator == nil {
		opts.Comparator = keys.NewInternalComparator(nil)
	}
	if opts.BlockSize <= 0 {
		opts.BlockSize = BlockSize
	}
	if opts.BlockRestartInterval <= 0 {
		opts.BlockRestartInterval = RestartInterval
	}

	compressor, err := compression.NewCompressor(opts.Compression)
	if err != nil {
		return nil, fmt.Errorf("failed to create compressor: %w", err)
	}

	file, err := os.Create(opts.Path)
	if err != nil {
		return nil, err
	}

	w := &SSTableWriter{
		file:       file,
		writer:     bufio.NewWriterSize(file, 64*1024),
		path:       opts.Path,
		logger:     opts.Logger,
		cmp:        opts.Comparator,
		dataBlock:  NewBlockBuilder(opts.BlockSize, opts.BlockRestartInterval),
		indexBlock: NewBlockBuilder(opts.BlockSize, 1),
		blockSize:  opts.BlockSize,
		restarts:   opts.BlockRestartInterval,
		compressor: compressor,
	}
	if opts.FilterPolicy != nil {
		w.filter = NewFilterBlockBuilder(opts.FilterPolicy)
		w.filterName = opts.FilterPolicy.Name()
		w.filter.StartBlock(0)
	}
	return w, nil
}

// Add appends an entry. key must sort after every key added before.
func (w *SSTableWriter) Add(key keys.EncodedKey, value []byte) error {
	if w.finished || w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if len(key) < keys.KeyFootLen {
		return fmt.Errorf("%w: sstable key too short (%d bytes)", keys.ErrInvalidArgument, len(key))
	}
	if w.numEntries > 0 && w.cmp.Compare(key, w.largestKey) <= 0 {
		return fmt.Errorf("%w: sstable keys out of order: %s after %s", keys.ErrInvalidArgument, key, w.largestKey)
	}

	if w.pendingIndex {
		sep := w.cmp.Separator(nil, w.largestKey, key)
		w.indexBlock.Add(sep, w.pendingHandle.AppendTo(nil))
		w.pendingIndex = false
	}

	if w.filter != nil {
		w.filter.AddKey(key.UserKey())
	}

	if w.numEntries == 0 {
		w.smallestKey = append(w.smallestKey[:0], key...)
	}
	w.largestKey = append(w.largestKey[:0], key...)

	w.dataBlock.Add(key, value)
	w.numEntries++

	if w.dataBlock.EstimatedSize() >= w.blockSize {
		return w.flushDataBlock()
	}
	return nil
}

// flushDataBlock writes the current data block to file
func (w *SSTableWriter) flushDataBlock() error {
	if w.dataBlock.IsEmpty() {
		return nil
	}
	handle, err := w.writeBlock(w.dataBlock.Finish(), true)
	w.dataBlock.Reset()
	if err != nil {
		return err
	}
	w.pendingIndex = true
	w.pendingHandle = handle
	if w.filter != nil {
		w.filter.StartBlock(w.offset)
	}
	return nil
}

func (w *SSTableWriter) writeBlock(raw []byte, compress bool) (BlockHandle, error) {
	contents, typ := raw, compression.None
	if compress {
		out, t, err := compression.CompressBlock(w.compressor, w.compressBuf[:0], raw)
		if err != nil {
			w.logger.Error("failed to compress block", "error", err, "sstable", w.path, "offset", w.offset)
			w.err = fmt.Errorf("failed to compress block: %w", err)
			return BlockHandle{}, w.err
		}
		w.compressBuf = out
		contents, typ = out, t
	}
	return w.writeRawBlock(contents, byte(typ))
}

func (w *SSTableWriter) writeRawBlock(contents []byte, typ byte) (BlockHandle, error) {
	handle := BlockHandle{Offset: w.offset, Size: uint64(len(contents))}

	var trailer [BlockTrailerSize]byte
	trailer[0] = typ
	coding.PutFixed32(trailer[1:], blockChecksum(contents, typ))

	if _, err := w.writer.Write(contents); err != nil {
		w.err = err
		return BlockHandle{}, err
	}
	if _, err := w.writer.Write(trailer[:]); err != nil {
		w.err = err
		return BlockHandle{}, err
	}
	w.offset += uint64(len(contents)) + BlockTrailerSize
	return handle, nil
}

// Finish writes the filter, meta index and index blocks and the footer,
// then syncs the file. The writer accepts no more entries afterwards.
func (w *SSTableWriter) Finish() error {
	if w.finished || w.closed {
		return ErrWriterClosed
	}
	if w.err != nil {
		return w.err
	}
	if err := w.flushDataBlock(); err != nil {
		return err
	}
	w.finished = true

	metaIndex := NewBlockBuilder(w.blockSize, w.restarts)
	if w.filter != nil {
		h, err := w.writeRawBlock(w.filter.Finish(), byte(compression.None))
		if err != nil {
			return err
		}
		metaIndex.Add([]byte(filterMetaPrefix+w.filterName), h.AppendTo(nil))
	}
	metaHandle, err := w.writeBlock(metaIndex.Finish(), true)
	if err != nil {
		return err
	}

	if w.pendingIndex {
		succ := w.cmp.Successor(nil, w.largestKey)
		w.indexBlock.Add(succ, w.pendingHandle.AppendTo(nil))
		w.pendingIndex = false
	}
	indexHandle, err := w.writeBlock(w.indexBlock.Finish(), true)
	if err != nil {
		return err
	}

	footer := Footer{MetaIndex: metaHandle, Index: indexHandle}.Encode()
	if _, err := w.writer.Write(footer); err != nil {
		w.logger.Error("failed to write footer", "error", err, "sstable", w.path)
		w.err = err
		return err
	}
	w.offset += FooterSize

	if err := w.writer.Flush(); err != nil {
		w.err = err
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.err = err
		return err
	}
	return nil
}

// Close closes the file and syncs its directory. Closing a writer that
// was never finished leaves a partial file; use Abandon to remove it.
func (w *SSTableWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Close(); err != nil {
		return err
	}
	if !w.finished || w.err != nil {
		return w.err
	}
	return syncDir(filepath.Dir(w.path))
}

// Abandon closes and removes the file.
func (w *SSTableWriter) Abandon() error {
	err := w.Close()
	return errors.Join(err, os.Remove(w.path))
}

// syncDir makes a new directory entry durable. Directory sync is not
// supported everywhere; EINVAL is ignored.
func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.Sync(); err != nil && !errors.Is(err, syscall.EINVAL) {
		return err
	}
	return nil
}

// FileSize is the number of bytes written so far.
func (w *SSTableWriter) FileSize() uint64 {
	return w.offset
}

// EstimatedSize includes the block still being built.
func (w *SSTableWriter) EstimatedSize() uint64 {
	return w.offset + uint64(w.dataBlock.EstimatedSize())
}

// NumEntries returns the number of entries added
func (w *SSTableWriter) NumEntries() uint64 {
	return w.numEntries
}

func (w *SSTableWriter) SmallestKey() keys.EncodedKey {
	return w.smallestKey
}

func (w *SSTableWriter) LargestKey() keys.EncodedKey {
	return w.largestKey
}

func (w *SSTableWriter) Path() string {
	return w.path
}
