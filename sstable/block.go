package sstable

import (
	"github.com/twlk9/ldb/coding"
)

// BlockBuilder builds prefix compressed blocks. Each entry is
//
//	varint(shared) varint(unshared) varint(value_length) key[shared:] value
//
// and every restartInterval entries a full key is written and its offset
// recorded in the restart array at the end of the block.
type BlockBuilder struct {
	buffer          []byte
	restarts        []uint32
	counter         int // entries since the last restart
	numEntries      int
	lastKey         []byte
	finished        bool
	restartInterval int
}

// NewBlockBuilder creates a new block builder
func NewBlockBuilder(blockSize, restartInterval int) *BlockBuilder {
	if restartInterval <= 0 {
		restartInterval = RestartInterval
	}
	return &BlockBuilder{
		buffer:          make([]byte, 0, blockSize),
		restarts:        []uint32{0},
		restartInterval: restartInterval,
	}
}

// Add appends an entry. Keys must arrive in increasing order.
func (b *BlockBuilder) Add(key, value []byte) {
	if b.finished {
		panic("sstable: add to finished block")
	}

	shared := 0
	if b.counter < b.restartInterval {
		shared = sharedPrefixLen(b.lastKey, key)
	} else {
		b.restarts = append(b.restarts, uint32(len(b.buffer)))
		b.counter = 0
	}
	unshared := len(key) - shared

	b.buffer = coding.AppendUvarint(b.buffer, uint64(shared))
	b.buffer = coding.AppendUvarint(b.buffer, uint64(unshared))
	b.buffer = coding.AppendUvarint(b.buffer, uint64(len(value)))
	b.buffer = append(b.buffer, key[shared:]...)
	b.buffer = append(b.buffer, value...)

	b.lastKey = append(b.lastKey[:shared], key[shared:]...)
	b.counter++
	b.numEntries++
}

// Finish appends the restart array and returns the block contents. The
// slice stays valid until Reset.
func (b *BlockBuilder) Finish() []byte {
	if b.finished {
		panic("sstable: block already finished")
	}
	for _, r := range b.restarts {
		b.buffer = coding.AppendFixed32(b.buffer, r)
	}
	b.buffer = coding.AppendFixed32(b.buffer, uint32(len(b.restarts)))
	b.finished = true
	return b.buffer
}

// EstimatedSize returns the size of the block if finished now
func (b *BlockBuilder) EstimatedSize() int {
	return len(b.buffer) + 4*len(b.restarts) + 4
}

func (b *BlockBuilder) IsEmpty() bool {
	return b.numEntries == 0
}

// Reset resets the block builder for reuse
func (b *BlockBuilder) Reset() {
	b.buffer = b.buffer[:0]
	b.restarts = append(b.restarts[:0], 0)
	b.counter = 0
	b.numEntries = 0
	b.lastKey = b.lastKey[:0]
	b.finished = false
}

func (b *BlockBuilder) NumEntries() int {
	return b.numEntries
}

// sharedPrefixLen returns the length of the shared prefix between two
// byte slices, comparing 8 bytes at a time where it can.
func sharedPrefixLen(a, b []byte) int {
	var shared int
	n := min(len(a), len(b))
	for shared < n-7 && coding.Fixed64(a[shared:]) == coding.Fixed64(b[shared:]) {
		shared += 8
	}
	for shared < n && a[shared] == b[shared] {
		shared++
	}
	return shared
}
