package iterator

import (
	"container/heap"
	"errors"

	"github.com/twlk9/ldb/keys"
)

// iteratorHeap is a min-heap of child iterators ordered by their current
// key. Ties go to the child added first, so callers list newer sources
// before older ones.
type iteratorHeap struct {
	cmp   *keys.InternalComparator
	items []heapEntry
}

type heapEntry struct {
	iter  Iterator
	index int
}

func (h *iteratorHeap) Len() int { return len(h.items) }

func (h *iteratorHeap) Less(i, j int) bool {
	c := h.cmp.Compare(h.items[i].iter.Key(), h.items[j].iter.Key())
	if c != 0 {
		return c < 0
	}
	return h.items[i].index < h.items[j].index
}

func (h *iteratorHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *iteratorHeap) Push(x any) { h.items = append(h.items, x.(heapEntry)) }

func (h *iteratorHeap) Pop() any {
	n := len(h.items)
	item := h.items[n-1]
	h.items = h.items[:n-1]
	return item
}

// MergingIterator presents several sorted iterators (memtables, level 0
// tables, level concatenations) as one sorted stream. It does not drop
// duplicates or tombstones; that is left to the DB iterator and to
// compaction.
type MergingIterator struct {
	children []Iterator
	h        iteratorHeap
}

// NewMerging merges children in internal key order.
func NewMerging(cmp *keys.InternalComparator, children ...Iterator) Iterator {
	switch len(children) {
	case 0:
		return NewEmpty(nil)
	case 1:
		return children[0]
	}
	return &MergingIterator{
		children: children,
		h:        iteratorHeap{cmp: cmp, items: make([]heapEntry, 0, len(children))},
	}
}

func (m *MergingIterator) rebuild() {
	m.h.items = m.h.items[:0]
	for i, c := range m.children {
		if c.Valid() {
			m.h.items = append(m.h.items, heapEntry{iter: c, index: i})
		}
	}
	heap.Init(&m.h)
}

func (m *MergingIterator) SeekToFirst() {
	for _, c := range m.children {
		c.SeekToFirst()
	}
	m.rebuild()
}

func (m *MergingIterator) Seek(target keys.EncodedKey) {
	for _, c := range m.children {
		c.Seek(target)
	}
	m.rebuild()
}

func (m *MergingIterator) Valid() bool {
	return len(m.h.items) > 0
}

func (m *MergingIterator) Next() {
	if len(m.h.items) == 0 {
		return
	}
	top := m.h.items[0].iter
	top.Next()
	if top.Valid() {
		heap.Fix(&m.h, 0)
	} else {
		heap.Pop(&m.h)
	}
}

func (m *MergingIterator) Key() keys.EncodedKey {
	if len(m.h.items) == 0 {
		return nil
	}
	return m.h.items[0].iter.Key()
}

func (m *MergingIterator) Value() []byte {
	if len(m.h.items) == 0 {
		return nil
	}
	return m.h.items[0].iter.Value()
}

func (m *MergingIterator) Error() error {
	for _, c := range m.children {
		if err := c.Error(); err != nil {
			return err
		}
	}
	return nil
}

func (m *MergingIterator) Close() error {
	var errs []error
	for _, c := range m.children {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.h.items = nil
	return errors.Join(errs...)
}
