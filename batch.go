package ldb

import (
	"fmt"

	"github.com/twlk9/ldb/coding"
	"github.com/twlk9/ldb/keys"
	"github.com/twlk9/ldb/memtable"
)

// batchHeaderLen is the fixed header of a serialized batch: an 8 byte
// base sequence followed by a 4 byte count.
const batchHeaderLen = 12

// WriteBatch holds an ordered list of updates that are applied
// atomically. The serialized form is also the WAL record payload:
//
//	sequence: fixed64
//	count:    fixed32
//	records:  kind byte, varstring key, varstring value (puts only)
//
// A WriteBatch is not safe for concurrent use.
type WriteBatch struct {
	data []byte
}

// BatchHandler receives the operations of a batch in order.
type BatchHandler interface {
	Put(key, value []byte)
	Delete(key []byte)
}

// NewWriteBatch returns an empty batch.
func NewWriteBatch() *WriteBatch {
	b := &WriteBatch{}
	b.Clear()
	return b
}

func (b *WriteBatch) init() {
	if len(b.data) < batchHeaderLen {
		b.data = make([]byte, batchHeaderLen, 64)
	}
}

// Put appends a set of key to value.
func (b *WriteBatch) Put(key, value []byte) {
	b.init()
	b.setCount(b.Count() + 1)
	b.data = append(b.data, byte(keys.KindSet))
	b.data = coding.AppendLengthPrefixed(b.data, key)
	b.data = coding.AppendLengthPrefixed(b.data, value)
}

// Delete appends a deletion of key.
func (b *WriteBatch) Delete(key []byte) {
	b.init()
	b.setCount(b.Count() + 1)
	b.data = append(b.data, byte(keys.KindDelete))
	b.data = coding.AppendLengthPrefixed(b.data, key)
}

// Clear drops every operation and resets the sequence.
func (b *WriteBatch) Clear() {
	if cap(b.data) >= batchHeaderLen {
		b.data = b.data[:batchHeaderLen]
		clear(b.data)
		return
	}
	b.data = make([]byte, batchHeaderLen, 64)
}

// Count is the number of operations in the batch.
func (b *WriteBatch) Count() int {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return int(coding.Fixed32(b.data[8:]))
}

func (b *WriteBatch) setCount(n int) {
	coding.PutFixed32(b.data[8:], uint32(n))
}

// Sequence is the sequence number assigned to the first operation.
func (b *WriteBatch) Sequence() uint64 {
	if len(b.data) < batchHeaderLen {
		return 0
	}
	return coding.Fixed64(b.data)
}

func (b *WriteBatch) setSequence(seq uint64) {
	b.init()
	coding.PutFixed64(b.data, seq)
}

// ApproximateSize is the size of the serialized batch.
func (b *WriteBatch) ApproximateSize() int {
	if len(b.data) < batchHeaderLen {
		return batchHeaderLen
	}
	return len(b.data)
}

// Append copies the operations of other onto the end of b. b keeps its
// own base sequence; the appended operations are numbered by their new
// positions when the batch is applied.
func (b *WriteBatch) Append(other *WriteBatch) {
	b.init()
	if other == nil || len(other.data) <= batchHeaderLen {
		return
	}
	b.setCount(b.Count() + other.Count())
	b.data = append(b.data, other.data[batchHeaderLen:]...)
}

// Data returns the serialized batch. It aliases the batch's buffer.
func (b *WriteBatch) Data() []byte {
	b.init()
	return b.data
}

// setContents replaces the batch with a serialized form read back from
// the log. The contents are checked when the batch is iterated.
func (b *WriteBatch) setContents(data []byte) error {
	if len(data) < batchHeaderLen {
		return fmt.Errorf("%w: write batch too small (%d bytes)", ErrCorruption, len(data))
	}
	b.data = append(b.data[:0], data...)
	return nil
}

// Iterate calls h for each operation in order. It stops at the first
// malformed record and returns a corruption error; h will already have
// seen the records before it.
func (b *WriteBatch) Iterate(h BatchHandler) error {
	return b.each(func(kind keys.Kind, key, value []byte) {
		if kind == keys.KindSet {
			h.Put(key, value)
		} else {
			h.Delete(key)
		}
	})
}

// validate decodes the whole batch without side effects.
func (b *WriteBatch) validate() error {
	return b.each(nil)
}

func (b *WriteBatch) each(fn func(kind keys.Kind, key, value []byte)) error {
	if len(b.data) < batchHeaderLen {
		return fmt.Errorf("%w: write batch too small (%d bytes)", ErrCorruption, len(b.data))
	}
	rest := b.data[batchHeaderLen:]
	found := 0
	for len(rest) > 0 {
		kind := keys.Kind(rest[0])
		rest = rest[1:]

		var key, value []byte
		var ok bool
		switch kind {
		case keys.KindSet:
			if key, rest, ok = coding.LengthPrefixed(rest); !ok {
				return fmt.Errorf("%w: bad write batch put key", ErrCorruption)
			}
			if value, rest, ok = coding.LengthPrefixed(rest); !ok {
				return fmt.Errorf("%w: bad write batch put value", ErrCorruption)
			}
		case keys.KindDelete:
			if key, rest, ok = coding.LengthPrefixed(rest); !ok {
				return fmt.Errorf("%w: bad write batch delete key", ErrCorruption)
			}
		default:
			return fmt.Errorf("%w: unknown write batch tag %d", ErrCorruption, kind)
		}
		found++
		if fn != nil {
			fn(kind, key, value)
		}
	}
	if found != b.Count() {
		return fmt.Errorf("%w: write batch has wrong count (%d records, header says %d)", ErrCorruption, found, b.Count())
	}
	return nil
}

// insertInto applies the batch to mem. The batch is decoded in full
// first, so a corrupt batch leaves mem untouched. Operation i gets
// sequence Sequence()+i.
func (b *WriteBatch) insertInto(mem *memtable.MemTable) error {
	if err := b.validate(); err != nil {
		return err
	}
	seq := b.Sequence()
	return b.each(func(kind keys.Kind, key, value []byte) {
		mem.Add(seq, kind, key, value)
		seq++
	})
}
