package sstable

import (
	"fmt"

	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/keys"
)

// Block is a decoded (decompressed) block. The contents are never
// modified, so iterators may hand out slices of it.
type Block struct {
	data        []byte
	restartsOff int
	numRestarts int
}

// NewBlock validates the restart array of a block.
func NewBlock(data []byte) (*Block, error) {
	if len(data) < 4 {
		return nil, fmt.Errorf("%w: block too small (%d bytes)", keys.ErrCorruption, len(data))
	}
	n := int(coding.Fixed32(data[len(data)-4:]))
	if n > (len(data)-4)/4 {
		return nil, fmt.Errorf("%w: bad restart count %d", keys.ErrCorruption, n)
	}
	return &Block{
		data:        data,
		restartsOff: len(data) - 4 - 4*n,
		numRestarts: n,
	}, nil
}

// Size is the number of bytes the block holds.
func (b *Block) Size() int {
	return len(b.data)
}

func (b *Block) restartPoint(i int) int {
	return int(coding.Fixed32(b.data[b.restartsOff+4*i:]))
}

// decodeEntry parses the entry header at p. It returns the offset of the
// unshared key bytes, or -1 when the header is malformed.
func (b *Block) decodeEntry(p int) (shared, unshared, valueLen, keyStart int) {
	limit := b.restartsOff
	if p >= limit {
		return 0, 0, 0, -1
	}
	s, n1 := coding.Uvarint32(b.data[p:limit])
	if n1 <= 0 {
		return 0, 0, 0, -1
	}
	p += n1
	u, n2 := coding.Uvarint32(b.data[p:limit])
	if n2 <= 0 {
		return 0, 0, 0, -1
	}
	p += n2
	v, n3 := coding.Uvarint32(b.data[p:limit])
	if n3 <= 0 {
		return 0, 0, 0, -1
	}
	p += n3
	if limit-p < int(u)+int(v) {
		return 0, 0, 0, -1
	}
	return int(s), int(u), int(v), p
}

// BlockIterator walks one block. compare orders its keys; data and index
// blocks use the internal key comparator, the meta index plain bytes.
type BlockIterator struct {
	b       *Block
	compare func(a, b []byte) int
	current int // offset of the current entry; restartsOff when exhausted
	next    int // offset of the entry after current
	key     []byte
	value   []byte
	err     error
}

// NewIterator creates a new block iterator
func (b *Block) NewIterator(compare func(a, b []byte) int) *BlockIterator {
	return &BlockIterator{
		b:       b,
		compare: compare,
		current: b.restartsOff,
		next:    b.restartsOff,
	}
}

func (it *BlockIterator) Valid() bool {
	return it.err == nil && it.current < it.b.restartsOff
}

func (it *BlockIterator) SeekToFirst() {
	if it.b.numRestarts == 0 {
		it.current = it.b.restartsOff
		return
	}
	it.seekToRestart(0)
	it.parseNext()
}

// Seek binary searches the restart points for the last one whose key is
// below target, then scans forward.
func (it *BlockIterator) Seek(target keys.EncodedKey) {
	if it.b.numRestarts == 0 {
		it.current = it.b.restartsOff
		return
	}
	left, right := 0, it.b.numRestarts-1
	for left < right {
		mid := (left + right + 1) / 2
		shared, unshared, _, p := it.b.decodeEntry(it.b.restartPoint(mid))
		if p < 0 || shared != 0 {
			it.corrupt("bad restart entry")
			return
		}
		if it.compare(it.b.data[p:p+unshared], target) < 0 {
			left = mid
		} else {
			right = mid - 1
		}
	}

	it.seekToRestart(left)
	for it.parseNext() {
		if it.compare(it.key, target) >= 0 {
			return
		}
	}
}

func (it *BlockIterator) Next() {
	if !it.Valid() {
		return
	}
	it.parseNext()
}

// Key is valid until the next positioning call.
func (it *BlockIterator) Key() keys.EncodedKey {
	if !it.Valid() {
		return nil
	}
	return it.key
}

// Value aliases the block contents.
func (it *BlockIterator) Value() []byte {
	if !it.Valid() {
		return nil
	}
	return it.value
}

func (it *BlockIterator) Error() error {
	return it.err
}

func (it *BlockIterator) Close() error {
	it.key = nil
	it.value = nil
	return nil
}

func (it *BlockIterator) seekToRestart(i int) {
	it.key = it.key[:0]
	it.next = it.b.restartPoint(i)
}

func (it *BlockIterator) parseNext() bool {
	it.current = it.next
	if it.current >= it.b.restartsOff {
		it.current = it.b.restartsOff
		return false
	}
	shared, unshared, valueLen, p := it.b.decodeEntry(it.current)
	if p < 0 || shared > len(it.key) {
		it.corrupt("bad entry in block")
		return false
	}
	it.key = append(it.key[:shared], it.b.data[p:p+unshared]...)
	it.value = it.b.data[p+unshared : p+unshared+valueLen]
	it.next = p + unshared + valueLen
	return true
}

func (it *BlockIterator) corrupt(reason string) {
	it.current = it.b.restartsOff
	it.next = it.b.restartsOff
	it.err = fmt.Errorf("%w: %s", keys.ErrCorruption, reason)
}
