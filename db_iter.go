package ldb

import (
	"github.com/twlk9/ldb/iterator"
	"github.com/twlk9/ldb/keys"
)

// DBIterator walks the user keys of the database in comparator order,
// as they were at the sequence number it was created with. It yields
// the newest visible value of each key and skips deleted keys.
//
// A DBIterator is not safe for concurrent use. Close it when done; it
// pins the memtables and table files it reads.
type DBIterator struct {
	ucmp    keys.Comparator
	iter    iterator.Iterator
	seq     uint64
	valid   bool
	err     error
	skip    []byte
	cleanup func()
	closed  bool
}

func newDBIterator(ucmp keys.Comparator, internal iterator.Iterator, seq uint64, cleanup func()) *DBIterator {
	return &DBIterator{ucmp: ucmp, iter: internal, seq: seq, cleanup: cleanup}
}

// Valid reports whether the iterator is positioned at an entry.
func (it *DBIterator) Valid() bool {
	return it.valid
}

// SeekToFirst moves to the first key.
func (it *DBIterator) SeekToFirst() {
	it.iter.SeekToFirst()
	it.findNextUserEntry(false)
}

// Seek moves to the first key at or after target.
func (it *DBIterator) Seek(target []byte) {
	it.iter.Seek(keys.NewLookupKey(target, it.seq))
	it.findNextUserEntry(false)
}

// Next moves to the next key.
func (it *DBIterator) Next() {
	if !it.valid {
		return
	}
	// Skip every older entry of the current key.
	it.skip = append(it.skip[:0], it.iter.Key().UserKey()...)
	it.iter.Next()
	it.findNextUserEntry(true)
}

// findNextUserEntry advances the internal iterator to the newest visible
// Set entry of a key not yet returned. With skipping set, entries for
// user keys at or before it.skip are hidden.
func (it *DBIterator) findNextUserEntry(skipping bool) {
	for ; it.iter.Valid(); it.iter.Next() {
		ukey, seq, kind, err := keys.Parse(it.iter.Key())
		if err != nil {
			it.err = err
			continue
		}
		if seq > it.seq {
			continue
		}
		switch kind {
		case keys.KindDelete:
			// Arrange to skip all upcoming entries for this key since
			// they are hidden by this deletion.
			it.skip = append(it.skip[:0], ukey...)
			skipping = true
		case keys.KindSet:
			if skipping && it.ucmp.Compare(ukey, it.skip) <= 0 {
				// Entry hidden
				continue
			}
			it.valid = true
			return
		}
	}
	it.valid = false
}

// Key returns the current user key. It is only valid until the
// iterator moves.
func (it *DBIterator) Key() []byte {
	if !it.valid {
		return nil
	}
	return it.iter.Key().UserKey()
}

// Value returns the current value. It is only valid until the iterator
// moves.
func (it *DBIterator) Value() []byte {
	if !it.valid {
		return nil
	}
	return it.iter.Value()
}

// Error returns the first error hit while iterating, if any.
func (it *DBIterator) Error() error {
	if it.err != nil {
		return it.err
	}
	return it.iter.Error()
}

// Close releases the iterator's resources. Safe to call more than once.
func (it *DBIterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.valid = false
	err := it.iter.Close()
	if it.cleanup != nil {
		it.cleanup()
	}
	return err
}
