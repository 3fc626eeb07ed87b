package iterator

import (
	"bytes"
	"errors"

	"github.com/twlk9/ldb/keys"
)

// BlockFunc opens the second level iterator named by an index value
// (a block handle inside a table, or a file reference inside a level).
type BlockFunc func(indexValue []byte) (Iterator, error)

// TwoLevelIterator walks an index iterator whose values name data
// iterators, yielding the entries of each data iterator in turn.
type TwoLevelIterator struct {
	index     Iterator
	open      BlockFunc
	data      Iterator
	dataIndex []byte
	err       error
}

// NewTwoLevel builds a two-level iterator. Ownership of index passes to
// the returned iterator.
func NewTwoLevel(index Iterator, open BlockFunc) *TwoLevelIterator {
	return &TwoLevelIterator{index: index, open: open}
}

func (t *TwoLevelIterator) Seek(target keys.EncodedKey) {
	t.index.Seek(target)
	t.initData()
	if t.data != nil {
		t.data.Seek(target)
	}
	t.skipEmptyForward()
}

func (t *TwoLevelIterator) SeekToFirst() {
	t.index.SeekToFirst()
	t.initData()
	if t.data != nil {
		t.data.SeekToFirst()
	}
	t.skipEmptyForward()
}

func (t *TwoLevelIterator) Next() {
	if t.data == nil {
		return
	}
	t.data.Next()
	t.skipEmptyForward()
}

func (t *TwoLevelIterator) Valid() bool {
	return t.data != nil && t.data.Valid()
}

func (t *TwoLevelIterator) Key() keys.EncodedKey {
	return t.data.Key()
}

func (t *TwoLevelIterator) Value() []byte {
	return t.data.Value()
}

func (t *TwoLevelIterator) Error() error {
	if err := t.index.Error(); err != nil {
		return err
	}
	if t.err != nil {
		return t.err
	}
	if t.data != nil {
		return t.data.Error()
	}
	return nil
}

func (t *TwoLevelIterator) Close() error {
	var err error
	if t.data != nil {
		err = t.data.Close()
		t.data = nil
	}
	return errors.Join(err, t.index.Close())
}

func (t *TwoLevelIterator) skipEmptyForward() {
	for t.data == nil || !t.data.Valid() {
		if !t.index.Valid() {
			t.setData(nil)
			return
		}
		t.index.Next()
		t.initData()
		if t.data != nil {
			t.data.SeekToFirst()
		}
	}
}

func (t *TwoLevelIterator) setData(it Iterator) {
	if t.data != nil {
		if err := t.data.Error(); err != nil && t.err == nil {
			t.err = err
		}
		if err := t.data.Close(); err != nil && t.err == nil {
			t.err = err
		}
	}
	t.data = it
}

func (t *TwoLevelIterator) initData() {
	if !t.index.Valid() {
		t.setData(nil)
		return
	}
	handle := t.index.Value()
	if t.data != nil && bytes.Equal(handle, t.dataIndex) {
		return
	}
	it, err := t.open(handle)
	if err != nil {
		if t.err == nil {
			t.err = err
		}
		it = NewEmpty(err)
	}
	t.dataIndex = append(t.dataIndex[:0], handle...)
	t.setData(it)
}
