package sstable

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/twlk9/ldb/bloom"
	"github.com/twlk9/ldb/bufferpool"
	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/compression"
	"github.com/twlk9/ldb/iterator"
	"github.com/twlk9/ldb/keys"
)

type SSTableReaderAtCloser interface {
	io.ReaderAt
	io.Closer
}

type ReaderOpts struct {
	Comparator *keys.InternalComparator
	// FilterPolicy must match the policy the table was written with for
	// its filter block to be used. Tables with other filters are read
	// without one.
	FilterPolicy bloom.FilterPolicy
	Cache        *BlockCache
	// FileNum namespaces this table's blocks in Cache.
	FileNum uint64
	// ParanoidChecks verifies every block checksum regardless of the
	// per read options.
	ParanoidChecks bool
	Logger         *slog.Logger
}

// ReadOptions control a single read.
type ReadOptions struct {
	VerifyChecksums bool
	FillCache       bool
}

// SSTableReader reads a table file. It is safe for concurrent use.
type SSTableReader struct {
	file   SSTableReaderAtCloser
	size   int64
	path   string
	opts   ReaderOpts
	cmp    *keys.InternalComparator
	logger *slog.Logger

	index           *Block
	metaIndexHandle BlockHandle
	filter          *FilterBlockReader
}

// NewSSTableReader opens the table file at path.
func NewSSTableReader(path string, opts ReaderOpts) (*SSTableReader, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}
	r, err := Open(file, stat.Size(), opts)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("sstable %s: %w", path, err)
	}
	r.path = path
	return r, nil
}

// Open reads the footer, index and filter of a table of the given size.
// The reader owns file on success.
func Open(file SSTableReaderAtCloser, size int64, opts ReaderOpts) (*SSTableReader, error) {
	if opts.Comparator == nil {
		opts.Comparator = keys.NewInternalComparator(nil)
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if size < FooterSize {
		return nil, fmt.Errorf("%w: file is too short (%d bytes) to be an sstable", keys.ErrCorruption, size)
	}

	r := &SSTableReader{
		file:   file,
		size:   size,
		opts:   opts,
		cmp:    opts.Comparator,
		logger: opts.Logger,
	}

	var footerBuf [FooterSize]byte
	if _, err := file.ReadAt(footerBuf[:], size-FooterSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}
	footer, err := DecodeFooter(footerBuf[:])
	if err != nil {
		return nil, err
	}

	indexData, err := r.readBlock(footer.Index, true)
	if err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}
	if r.index, err = NewBlock(indexData); err != nil {
		return nil, fmt.Errorf("index block: %w", err)
	}
	r.metaIndexHandle = footer.MetaIndex

	if opts.FilterPolicy != nil {
		r.readFilter(footer.MetaIndex)
	}
	return r, nil
}

// readFilter loads the filter block named in the meta index. Problems
// here only cost performance, so they are logged and otherwise ignored.
func (r *SSTableReader) readFilter(metaHandle BlockHandle) {
	data, err := r.readBlock(metaHandle, r.opts.ParanoidChecks)
	if err != nil {
		r.logger.Warn("SSTABLE_META_UNREADABLE", "sstable", r.path, "error", err)
		return
	}
	meta, err := NewBlock(data)
	if err != nil {
		r.logger.Warn("SSTABLE_META_UNREADABLE", "sstable", r.path, "error", err)
		return
	}

	name := []byte(filterMetaPrefix + r.opts.FilterPolicy.Name())
	it := meta.NewIterator(keys.Bytewise.Compare)
	it.Seek(name)
	if !it.Valid() || string(it.Key()) != string(name) {
		return
	}
	h, _, err := DecodeBlockHandle(it.Value())
	if err != nil {
		r.logger.Warn("SSTABLE_FILTER_UNREADABLE", "sstable", r.path, "error", err)
		return
	}
	contents, err := r.readBlock(h, r.opts.ParanoidChecks)
	if err != nil {
		r.logger.Warn("SSTABLE_FILTER_UNREADABLE", "sstable", r.path, "error", err)
		return
	}
	r.filter = NewFilterBlockReader(r.opts.FilterPolicy, contents)
}

// readBlock reads, verifies and decompresses a block. The returned
// slice is freshly allocated.
func (r *SSTableReader) readBlock(h BlockHandle, verify bool) ([]byte, error) {
	n := h.Size + BlockTrailerSize
	if h.Offset+n > uint64(r.size) || n < h.Size {
		return nil, fmt.Errorf("%w: block handle %d+%d past end of file", keys.ErrCorruption, h.Offset, h.Size)
	}

	buf := bufferpool.GetBuffer(int(n))
	defer bufferpool.PutBuffer(buf)

	m, err := r.file.ReadAt(buf, int64(h.Offset))
	if err != nil && !(errors.Is(err, io.EOF) && uint64(m) == n) {
		return nil, err
	}

	contents, typ := buf[:h.Size], buf[h.Size]
	if verify || r.opts.ParanoidChecks {
		want := coding.Fixed32(buf[h.Size+1:])
		if got := blockChecksum(contents, typ); got != want {
			return nil, fmt.Errorf("%w: block checksum mismatch at offset %d", keys.ErrCorruption, h.Offset)
		}
	}
	return compression.DecompressBlock(nil, contents, compression.Type(typ))
}

// block returns the decoded block at h, consulting the cache.
func (r *SSTableReader) block(h BlockHandle, ro ReadOptions) (*Block, error) {
	cache := r.opts.Cache
	key := CacheKey{FileNum: r.opts.FileNum, Offset: h.Offset}
	if cache != nil {
		if data, ok := cache.Get(key); ok {
			return NewBlock(data)
		}
	}
	data, err := r.readBlock(h, ro.VerifyChecksums)
	if err != nil {
		return nil, err
	}
	b, err := NewBlock(data)
	if err != nil {
		return nil, err
	}
	if cache != nil && ro.FillCache {
		cache.Put(key, data)
	}
	return b, nil
}

// Get returns the first entry at or after ikey in the data block that
// would hold it. The caller checks whether the user key matches. A nil
// key with a nil error means the table holds nothing for ikey; that
// includes the filter ruling the user key out.
func (r *SSTableReader) Get(ikey keys.EncodedKey, ro ReadOptions) (keys.EncodedKey, []byte, error) {
	iit := r.index.NewIterator(r.cmp.Compare)
	iit.Seek(ikey)
	if !iit.Valid() {
		return nil, nil, iit.Error()
	}
	h, _, err := DecodeBlockHandle(iit.Value())
	if err != nil {
		return nil, nil, err
	}
	if r.filter != nil && !r.filter.KeyMayMatch(h.Offset, ikey.UserKey()) {
		return nil, nil, nil
	}

	b, err := r.block(h, ro)
	if err != nil {
		return nil, nil, err
	}
	bit := b.NewIterator(r.cmp.Compare)
	bit.Seek(ikey)
	if !bit.Valid() {
		return nil, nil, bit.Error()
	}
	return bit.Key(), bit.Value(), nil
}

// NewIterator returns an iterator over the whole table.
func (r *SSTableReader) NewIterator(ro ReadOptions) iterator.Iterator {
	return iterator.NewTwoLevel(r.index.NewIterator(r.cmp.Compare), func(v []byte) (iterator.Iterator, error) {
		h, _, err := DecodeBlockHandle(v)
		if err != nil {
			return nil, err
		}
		b, err := r.block(h, ro)
		if err != nil {
			return nil, err
		}
		return b.NewIterator(r.cmp.Compare), nil
	})
}

// ApproximateOffsetOf returns the file offset at which data for ikey
// would begin. Keys past the last block map to the meta index offset,
// which is close to the file size.
func (r *SSTableReader) ApproximateOffsetOf(ikey keys.EncodedKey) uint64 {
	iit := r.index.NewIterator(r.cmp.Compare)
	iit.Seek(ikey)
	if iit.Valid() {
		if h, _, err := DecodeBlockHandle(iit.Value()); err == nil {
			return h.Offset
		}
	}
	return r.metaIndexHandle.Offset
}

// HasFilter reports whether a filter block was loaded.
func (r *SSTableReader) HasFilter() bool {
	return r.filter != nil
}

func (r *SSTableReader) Size() int64 {
	return r.size
}

func (r *SSTableReader) Path() string {
	return r.path
}

// Close closes the SSTable reader
func (r *SSTableReader) Close() error {
	return r.file.Close()
}
