package sstable

import (
	"container/list"
	"runtime"
	"sync"
	"sync/atomic"
)

// CacheKey names a block by the table file number and block offset.
type CacheKey struct {
	FileNum uint64
	Offset  uint64
}

// BlockCache is a sharded LRU cache of decoded block contents, charged
// by byte size.
type BlockCache struct {
	shards []*blockCacheShard
	mu     sync.RWMutex
	closed bool

	hits   atomic.Uint64
	misses atomic.Uint64
}

type blockCacheShard struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	cache    map[CacheKey]*cacheEntry
	lru      *list.List
}

type cacheEntry struct {
	key     CacheKey
	value   []byte
	element *list.Element
}

// NewBlockCache creates a cache holding up to capacity bytes. A capacity
// of zero or less disables caching.
func NewBlockCache(capacity int64) *BlockCache {
	if capacity <= 0 {
		return &BlockCache{}
	}

	numShards := max(4, 4*runtime.GOMAXPROCS(0))
	shardCapacity := max(1, capacity/int64(numShards))

	bc := &BlockCache{
		shards: make([]*blockCacheShard, numShards),
	}
	for i := range bc.shards {
		bc.shards[i] = &blockCacheShard{
			capacity: shardCapacity,
			cache:    make(map[CacheKey]*cacheEntry),
			lru:      list.New(),
		}
	}
	return bc
}

func (bc *BlockCache) getShard(key CacheKey) *blockCacheShard {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	if bc.closed || len(bc.shards) == 0 {
		return nil
	}
	// Consecutive blocks of a file and consecutive files land on
	// different shards.
	h := key.FileNum + key.Offset>>12
	return bc.shards[h%uint64(len(bc.shards))]
}

// Get returns the cached block for key.
func (bc *BlockCache) Get(key CacheKey) ([]byte, bool) {
	shard := bc.getShard(key)
	if shard == nil {
		return nil, false
	}

	shard.mu.Lock()
	defer shard.mu.Unlock()

	if entry, exists := shard.cache[key]; exists {
		shard.lru.MoveToFront(entry.element)
		bc.hits.Add(1)
		return entry.value, true
	}
	bc.misses.Add(1)
	return nil, false
}

// Put adds a block. Callers must not modify value afterwards.
func (bc *BlockCache) Put(key CacheKey, value []byte) {
	shard := bc.getShard(key)
	if shard == nil {
		return
	}

	itemSize := int64(len(value))

	shard.mu.Lock()
	defer shard.mu.Unlock()

	// Items larger than a whole shard are never cached.
	if itemSize > shard.capacity {
		return
	}

	if entry, exists := shard.cache[key]; exists {
		shard.size += itemSize - int64(len(entry.value))
		entry.value = value
		shard.lru.MoveToFront(entry.element)
	} else {
		for shard.size+itemSize > shard.capacity && shard.lru.Len() > 0 {
			shard.evictLRU()
		}
		entry := &cacheEntry{
			key:   key,
			value: value,
		}
		entry.element = shard.lru.PushFront(entry)
		shard.cache[key] = entry
		shard.size += itemSize
	}

	// A replaced item may have grown.
	for shard.size > shard.capacity && shard.lru.Len() > 0 {
		shard.evictLRU()
	}
}

// Usage returns the bytes currently cached.
func (bc *BlockCache) Usage() int64 {
	bc.mu.RLock()
	defer bc.mu.RUnlock()
	var total int64
	for _, shard := range bc.shards {
		shard.mu.Lock()
		total += shard.size
		shard.mu.Unlock()
	}
	return total
}

// Stats returns the lifetime hit and miss counts.
func (bc *BlockCache) Stats() (hits, misses uint64) {
	return bc.hits.Load(), bc.misses.Load()
}

// Close drops every cached block. Later calls are no-ops.
func (bc *BlockCache) Close() {
	bc.mu.Lock()
	defer bc.mu.Unlock()
	if bc.closed {
		return
	}
	bc.closed = true

	for _, shard := range bc.shards {
		shard.mu.Lock()
		shard.cache = nil
		shard.lru = nil
		shard.size = 0
		shard.mu.Unlock()
	}
	bc.shards = nil
}

// evictLRU must be called with s.mu held.
func (s *blockCacheShard) evictLRU() {
	elem := s.lru.Back()
	if elem == nil {
		return
	}
	entry := s.lru.Remove(elem).(*cacheEntry)
	delete(s.cache, entry.key)
	s.size -= int64(len(entry.value))
}
