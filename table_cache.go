package ldb

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/twlk9/ldb/iterator"
	"github.com/twlk9/ldb/keys"
	"github.com/twlk9/ldb/sstable"
)

// TableCache keeps open SSTableReaders so reads don't pay for opening a
// file and loading its index every time. It is a sharded LRU keyed by
// file number; capacity comes from Options.MaxOpenFiles.
type TableCache struct {
	dir        string
	icmp       *keys.InternalComparator
	opts       *Options
	blockCache *sstable.BlockCache
	logger     *slog.Logger

	mu     sync.RWMutex
	closed bool
	shards []*tableCacheShard
}

// tableCacheShard is a single shard of the table cache with its own LRU list and mutex
type tableCacheShard struct {
	mu       sync.Mutex
	capacity int
	cache    map[uint64]*tableHandle
	lru      *list.List
}

// tableHandle is a refcounted open table. The cache holds one reference
// while the handle is in the LRU; every caller of findTable holds another
// until release.
type tableHandle struct {
	fileNum uint64
	reader  *sstable.SSTableReader
	refs    atomic.Int32
	element *list.Element
}

func (h *tableHandle) unref(logger *slog.Logger) {
	if h.refs.Add(-1) == 0 {
		if err := h.reader.Close(); err != nil {
			logger.Warn("TABLE_CLOSE_FAILED", "file_num", h.fileNum, "error", err)
		}
	}
}

// NewTableCache creates a cache holding up to capacity open tables.
// Uses 4 shards per CPU core for reduced contention.
func NewTableCache(dir string, opts *Options, icmp *keys.InternalComparator, blockCache *sstable.BlockCache, capacity int) *TableCache {
	numShards := max(4, 4*runtime.GOMAXPROCS(0))
	numShards = max(1, min(numShards, capacity))
	shardCapacity := max(1, capacity/numShards)

	tc := &TableCache{
		dir:        dir,
		icmp:       icmp,
		opts:       opts,
		blockCache: blockCache,
		logger:     opts.Logger,
		shards:     make([]*tableCacheShard, numShards),
	}
	for i := range tc.shards {
		tc.shards[i] = &tableCacheShard{
			capacity: shardCapacity,
			cache:    make(map[uint64]*tableHandle),
			lru:      list.New(),
		}
	}
	return tc
}

func (tc *TableCache) getShard(fileNum uint64) *tableCacheShard {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	if tc.closed {
		return nil
	}
	return tc.shards[fileNum%uint64(len(tc.shards))]
}

// openTable opens fileNum, falling back to the legacy .sst name.
func (tc *TableCache) openTable(fileNum, size uint64) (*sstable.SSTableReader, error) {
	f, err := os.Open(tableFileName(tc.dir, fileNum))
	if errors.Is(err, os.ErrNotExist) {
		var serr error
		if f, serr = os.Open(sstTableFileName(tc.dir, fileNum)); serr == nil {
			err = nil
		}
	}
	if err != nil {
		return nil, ioError(err)
	}

	r, err := sstable.Open(f, int64(size), sstable.ReaderOpts{
		Comparator:     tc.icmp,
		FilterPolicy:   tc.opts.FilterPolicy,
		Cache:          tc.blockCache,
		FileNum:        fileNum,
		ParanoidChecks: tc.opts.ParanoidChecks,
		Logger:         tc.logger,
	})
	if err != nil {
		f.Close()
		return nil, ioError(fmt.Errorf("table %06d: %w", fileNum, err))
	}
	return r, nil
}

// findTable returns a referenced handle for fileNum, opening the table
// on a miss. Callers must release it.
func (tc *TableCache) findTable(fileNum, size uint64) (*tableHandle, error) {
	shard := tc.getShard(fileNum)
	if shard == nil {
		return nil, ErrDBClosed
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if h, ok := shard.cache[fileNum]; ok {
		shard.lru.MoveToFront(h.element)
		h.refs.Add(1)
		return h, nil
	}

	reader, err := tc.openTable(fileNum, size)
	if err != nil {
		tc.logger.Error("TABLE_OPEN_FAILED", "file_num", fileNum, "error", err)
		return nil, err
	}

	for shard.lru.Len() >= shard.capacity {
		shard.evictLRU(tc.logger)
	}

	h := &tableHandle{fileNum: fileNum, reader: reader}
	h.refs.Store(2)
	h.element = shard.lru.PushFront(h)
	shard.cache[fileNum] = h
	return h, nil
}

func (tc *TableCache) release(h *tableHandle) {
	h.unref(tc.logger)
}

// get looks up ikey in table fileNum. See sstable.SSTableReader.Get.
func (tc *TableCache) get(ro *ReadOptions, fileNum, size uint64, ikey keys.EncodedKey) (keys.EncodedKey, []byte, error) {
	h, err := tc.findTable(fileNum, size)
	if err != nil {
		return nil, nil, err
	}
	defer tc.release(h)

	k, v, err := h.reader.Get(ikey, tableReadOptions(ro))
	if err != nil {
		return nil, nil, ioError(err)
	}
	return k, v, nil
}

// newIterator returns an iterator over table fileNum. The table stays
// open until the iterator is closed.
func (tc *TableCache) newIterator(ro *ReadOptions, fileNum, size uint64) iterator.Iterator {
	h, err := tc.findTable(fileNum, size)
	if err != nil {
		return iterator.NewEmpty(err)
	}
	return &tableIterator{
		Iterator: h.reader.NewIterator(tableReadOptions(ro)),
		release:  func() { tc.release(h) },
	}
}

// approximateOffsetOf returns the offset within table fileNum at which
// ikey would be found, or 0 if the table cannot be opened.
func (tc *TableCache) approximateOffsetOf(fileNum, size uint64, ikey keys.EncodedKey) uint64 {
	h, err := tc.findTable(fileNum, size)
	if err != nil {
		return 0
	}
	defer tc.release(h)
	return h.reader.ApproximateOffsetOf(ikey)
}

// evict drops fileNum from the cache. Used once a table is deleted;
// readers still holding the handle keep it open.
func (tc *TableCache) evict(fileNum uint64) {
	shard := tc.getShard(fileNum)
	if shard == nil {
		return
	}
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if h, ok := shard.cache[fileNum]; ok {
		shard.remove(h, tc.logger)
	}
}

// Close drops the cache's references to every table.
func (tc *TableCache) Close() error {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if tc.closed {
		return nil
	}
	tc.closed = true

	for _, shard := range tc.shards {
		shard.mu.Lock()
		for _, h := range shard.cache {
			shard.remove(h, tc.logger)
		}
		shard.mu.Unlock()
	}
	return nil
}

// evictLRU removes the least recently used entry from the shard
// Must be called with shard.mu held
func (s *tableCacheShard) evictLRU(logger *slog.Logger) {
	if elem := s.lru.Back(); elem != nil {
		s.remove(elem.Value.(*tableHandle), logger)
	}
}

// Must be called with shard.mu held
func (s *tableCacheShard) remove(h *tableHandle, logger *slog.Logger) {
	if h.element == nil {
		return
	}
	delete(s.cache, h.fileNum)
	s.lru.Remove(h.element)
	h.element = nil
	h.unref(logger)
}

func tableReadOptions(ro *ReadOptions) sstable.ReadOptions {
	if ro == nil {
		return sstable.ReadOptions{FillCache: true}
	}
	return sstable.ReadOptions{VerifyChecksums: ro.VerifyChecksums, FillCache: ro.FillCache}
}

// tableIterator gives the table handle back when closed.
type tableIterator struct {
	iterator.Iterator
	release func()
}

func (it *tableIterator) Close() error {
	err := it.Iterator.Close()
	if it.release != nil {
		it.release()
		it.release = nil
	}
	return err
}
