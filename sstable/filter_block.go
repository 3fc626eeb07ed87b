package sstable

import (
	"github.com/twlk9/ldb/bloom"
	"github.com/twlk9/ldb/coding"
)

// One filter covers every data block starting in a 2 KiB window of the
// file.
const (
	filterBaseLg = 11
	filterBase   = 1 << filterBaseLg
)

// FilterBlockBuilder collects keys per data block and emits the filter
// block: the filters back to back, a u32 offset per filter, the offset
// of that array and the base_lg byte.
type FilterBlockBuilder struct {
	policy  bloom.FilterPolicy
	keys    []byte // flattened key contents
	starts  []int  // start of each key in keys
	result  []byte
	offsets []uint32
	tmpKeys [][]byte
}

func NewFilterBlockBuilder(policy bloom.FilterPolicy) *FilterBlockBuilder {
	return &FilterBlockBuilder{policy: policy}
}

// StartBlock is called before the keys of the data block that will
// start at blockOffset are added.
func (f *FilterBlockBuilder) StartBlock(blockOffset uint64) {
	index := int(blockOffset / filterBase)
	for index > len(f.offsets) {
		f.generateFilter()
	}
}

func (f *FilterBlockBuilder) AddKey(key []byte) {
	f.starts = append(f.starts, len(f.keys))
	f.keys = append(f.keys, key...)
}

func (f *FilterBlockBuilder) Finish() []byte {
	if len(f.starts) > 0 {
		f.generateFilter()
	}
	arrayOffset := uint32(len(f.result))
	for _, off := range f.offsets {
		f.result = coding.AppendFixed32(f.result, off)
	}
	f.result = coding.AppendFixed32(f.result, arrayOffset)
	return append(f.result, filterBaseLg)
}

func (f *FilterBlockBuilder) generateFilter() {
	if len(f.starts) == 0 {
		// Empty filter for a window with no blocks.
		f.offsets = append(f.offsets, uint32(len(f.result)))
		return
	}

	f.starts = append(f.starts, len(f.keys))
	f.tmpKeys = f.tmpKeys[:0]
	for i := 0; i+1 < len(f.starts); i++ {
		f.tmpKeys = append(f.tmpKeys, f.keys[f.starts[i]:f.starts[i+1]])
	}

	f.offsets = append(f.offsets, uint32(len(f.result)))
	f.result = f.policy.AppendFilter(f.result, f.tmpKeys)

	f.keys = f.keys[:0]
	f.starts = f.starts[:0]
}

// FilterBlockReader probes a filter block.
type FilterBlockReader struct {
	policy bloom.FilterPolicy
	data   []byte
	offset int // start of the offset array
	num    int
	baseLg uint
}

// NewFilterBlockReader parses contents. A malformed block yields a
// reader that matches everything.
func NewFilterBlockReader(policy bloom.FilterPolicy, contents []byte) *FilterBlockReader {
	r := &FilterBlockReader{policy: policy}
	n := len(contents)
	if n < 5 {
		return r
	}
	r.baseLg = uint(contents[n-1])
	last := int(coding.Fixed32(contents[n-5:]))
	if last > n-5 {
		return r
	}
	r.data = contents
	r.offset = last
	r.num = (n - 5 - last) / 4
	return r
}

// KeyMayMatch reports whether key may be in the data block at blockOffset.
func (r *FilterBlockReader) KeyMayMatch(blockOffset uint64, key []byte) bool {
	index := int(blockOffset >> r.baseLg)
	if index < r.num {
		start := int(coding.Fixed32(r.data[r.offset+4*index:]))
		limit := int(coding.Fixed32(r.data[r.offset+4*index+4:]))
		if start == limit {
			// Empty filters do not match any keys
			return false
		}
		if start < limit && limit <= r.offset {
			return r.policy.MayContain(r.data[start:limit], key)
		}
	}
	return true // Errors are treated as potential matches
}
