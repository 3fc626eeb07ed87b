package memtable

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"github.com/twlk9/ldb/keys"
)

const tMaxHeight = 12

const (
	posKV     = iota // position of k/v start (offset) in the data array
	posKey           // length of the key
	posVal           // length of the data
	posHeight        // height we are in the skiplist (number of next pointers)
	posNext          // First next pointer (level 0) (node + posNext + LEVEL is next pointer for LEVEL)
)

// MemTable is an arena backed skiplist of internal keys. Entries are
// never modified or removed once added; readers may hold key and value
// slices for as long as they hold a reference to the table.
type MemTable struct {
	mu        sync.RWMutex
	cmp       *keys.InternalComparator
	rnd       *rand.Rand
	d         []byte // the actual data buffer
	md        []int  // meta data (data on where the data is in data)
	prev      [tMaxHeight]int
	maxHeight int
	n         int
	refs      atomic.Int32
}

// NewMemtable returns an empty table holding one reference.
func NewMemtable(cmp *keys.InternalComparator, writeBufferSize int) *MemTable {
	if cmp == nil {
		cmp = keys.NewInternalComparator(nil)
	}
	// Each entry uses ~6 ints on average (4 base + ~2 for skiplist pointers)
	// Assume 64-byte average key+value size for capacity estimation
	estimatedEntries := writeBufferSize / 64
	estimatedMdCapacity := 4 + tMaxHeight + (estimatedEntries * 6)

	mt := &MemTable{
		cmp:       cmp,
		rnd:       rand.New(rand.NewPCG(4, 8)),
		maxHeight: 1,
		d:         make([]byte, 0, writeBufferSize),
		md:        make([]int, 4+tMaxHeight, estimatedMdCapacity),
	}
	mt.md[posHeight] = tMaxHeight
	mt.refs.Store(1)
	return mt
}

// Ref takes another reference on the table.
func (mt *MemTable) Ref() {
	mt.refs.Add(1)
}

// Unref drops a reference. The arena is released when the last
// reference goes away.
func (mt *MemTable) Unref() {
	switch n := mt.refs.Add(-1); {
	case n == 0:
		mt.mu.Lock()
		mt.d = nil
		mt.md = nil
		mt.n = 0
		mt.mu.Unlock()
	case n < 0:
		panic("memtable: negative reference count")
	}
}

// Refs reports the current reference count.
func (mt *MemTable) Refs() int32 {
	return mt.refs.Load()
}

func (mt *MemTable) randHeight() int {
	const b = 4
	h := 1
	for h < tMaxHeight && mt.rnd.Int()%b == 0 {
		h++
	}
	return h
}

func (mt *MemTable) nodeKey(node int) keys.EncodedKey {
	o := mt.md[node+posKV]
	return keys.EncodedKey(mt.d[o : o+mt.md[node+posKey]])
}

func (mt *MemTable) nodeValue(node int) []byte {
	o := mt.md[node+posKV] + mt.md[node+posKey]
	return mt.d[o : o+mt.md[node+posVal]]
}

func (mt *MemTable) findGE(key []byte, prev bool) (int, bool) {
	node := 0
	h := mt.maxHeight - 1
	for {
		next := mt.md[node+posNext+h]
		cmp := 1
		if next != 0 {
			cmp = mt.cmp.Compare(mt.nodeKey(next), key)
		}
		if cmp < 0 { // If stored < search, continue forward
			node = next
		} else {
			if prev {
				mt.prev[h] = node
			} else if cmp == 0 {
				return next, true
			}
			if h == 0 {
				return next, cmp == 0
			}
			h--
		}
	}
}

// Add inserts key at seq with the given kind. Deletions carry no value.
// The (key, seq) pair must be new to the table.
func (mt *MemTable) Add(seq uint64, kind keys.Kind, key, value []byte) {
	if kind == keys.KindDelete {
		value = nil
	}

	mt.mu.Lock()
	defer mt.mu.Unlock()

	off := len(mt.d)
	mt.d = keys.AppendEncodedKey(mt.d, key, seq, kind)
	klen := len(mt.d) - off

	// Position mt.prev for the insert. There is never an exact match
	// since the sequence number is part of the key.
	mt.findGE(mt.d[off:off+klen], true)

	h := mt.randHeight()
	if h > mt.maxHeight {
		// Only initialize the new levels; lower ones were set by findGE.
		for i := mt.maxHeight; i < h; i++ {
			mt.prev[i] = 0
		}
		mt.maxHeight = h
	}

	mt.d = append(mt.d, value...)
	node := len(mt.md)
	mt.md = append(mt.md, off, klen, len(value), h)
	for i, n := range mt.prev[:h] {
		m := n + posNext + i
		mt.md = append(mt.md, mt.md[m])
		mt.md[m] = node
	}
	mt.n++
}

// Get looks up the newest entry for the user key of lookup whose
// sequence is at or below the sequence in lookup. ok is false when the
// table holds no such entry; otherwise kind says whether it is a value
// or a tombstone.
func (mt *MemTable) Get(lookup keys.EncodedKey) (value []byte, kind keys.Kind, ok bool) {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	if mt.n == 0 {
		return nil, 0, false
	}

	node, _ := mt.findGE(lookup, false)
	if node == 0 {
		return nil, 0, false
	}
	stored := mt.nodeKey(node)
	if mt.cmp.User().Compare(stored.UserKey(), lookup.UserKey()) != 0 {
		return nil, 0, false
	}
	if stored.Kind() == keys.KindDelete {
		return nil, keys.KindDelete, true
	}
	return mt.nodeValue(node), keys.KindSet, true
}

// Len returns the number of entries.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.n
}

// ApproximateMemoryUsage returns the bytes held by the arena and the
// skiplist metadata.
func (mt *MemTable) ApproximateMemoryUsage() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.d) + len(mt.md)*8
}

// Iterator walks a memtable in internal key order.
type Iterator struct {
	mt    *MemTable
	node  int // Current node index (0 = invalid/before first)
	key   keys.EncodedKey
	value []byte
}

// NewIterator returns an iterator over the table. The iterator takes a
// reference that Close gives back.
func (mt *MemTable) NewIterator() *Iterator {
	mt.Ref()
	return &Iterator{mt: mt}
}

func (it *Iterator) fill() {
	if it.node != 0 {
		it.key = it.mt.nodeKey(it.node)
		it.value = it.mt.nodeValue(it.node)
		return
	}
	it.key = nil
	it.value = nil
}

// SeekToFirst positions the iterator at the first element.
func (it *Iterator) SeekToFirst() {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[posNext]
	it.fill()
}

// Seek positions the iterator at the first element >= target.
func (it *Iterator) Seek(target keys.EncodedKey) {
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node, _ = it.mt.findGE(target, false)
	it.fill()
}

func (it *Iterator) Valid() bool {
	return it.node != 0
}

func (it *Iterator) Next() {
	if it.node == 0 {
		return
	}
	it.mt.mu.RLock()
	defer it.mt.mu.RUnlock()
	it.node = it.mt.md[it.node+posNext]
	it.fill()
}

func (it *Iterator) Key() keys.EncodedKey {
	return it.key
}

func (it *Iterator) Value() []byte {
	return it.value
}

// Error is always nil; memtable iteration cannot fail.
func (it *Iterator) Error() error {
	return nil
}

func (it *Iterator) Close() error {
	if it.mt != nil {
		it.node = 0
		it.fill()
		it.mt.Unref()
		it.mt = nil
	}
	return nil
}
