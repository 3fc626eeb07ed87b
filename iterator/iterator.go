// Package iterator defines the forward cursor every layer of the engine
// exposes over internal keys, plus the generic merging and two-level
// combinators built on it.
package iterator

import "github.com/twlk9/ldb/keys"

// Iterator is a forward cursor over (internal key, value) pairs in
// internal key order. Key and Value are only valid while Valid is true
// and until the next positioning call.
type Iterator interface {
	Valid() bool
	SeekToFirst()
	// Seek positions at the first entry with key >= target.
	Seek(target keys.EncodedKey)
	Next()
	Key() keys.EncodedKey
	Value() []byte
	// Error returns the first error hit while positioning, if any.
	Error() error
	Close() error
}

type emptyIterator struct {
	err error
}

// NewEmpty returns an iterator that is never valid and reports err.
func NewEmpty(err error) Iterator {
	return &emptyIterator{err: err}
}

func (e *emptyIterator) Valid() bool          { return false }
func (e *emptyIterator) SeekToFirst()         {}
func (e *emptyIterator) Seek(keys.EncodedKey) {}
func (e *emptyIterator) Next()                {}
func (e *emptyIterator) Key() keys.EncodedKey { return nil }
func (e *emptyIterator) Value() []byte        { return nil }
func (e *emptyIterator) Error() error         { return e.err }
func (e *emptyIterator) Close() error         { return nil }
