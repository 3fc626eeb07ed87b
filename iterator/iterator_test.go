package iterator

import (
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/twlk9/ldb/keys"
)

var icmp = keys.NewInternalComparator(nil)

// sliceIterator walks a pre-sorted slice of entries.
type sliceIterator struct {
	keys   []keys.EncodedKey
	values [][]byte
	pos    int
	closed bool
}

func newSliceIterator(entries map[string]string, seq uint64) *sliceIterator {
	it := &sliceIterator{pos: -1}
	var uks []string
	for k := range entries {
		uks = append(uks, k)
	}
	sort.Strings(uks)
	for _, k := range uks {
		it.keys = append(it.keys, keys.NewEncodedKey([]byte(k), seq, keys.KindSet))
		it.values = append(it.values, []byte(entries[k]))
	}
	return it
}

func (s *sliceIterator) Valid() bool  { return s.pos >= 0 && s.pos < len(s.keys) }
func (s *sliceIterator) SeekToFirst() { s.pos = 0 }
func (s *sliceIterator) Next()        { s.pos++ }
func (s *sliceIterator) Seek(target keys.EncodedKey) {
	s.pos = sort.Search(len(s.keys), func(i int) bool { return icmp.Compare(s.keys[i], target) >= 0 })
}
func (s *sliceIterator) Key() keys.EncodedKey { return s.keys[s.pos] }
func (s *sliceIterator) Value() []byte        { return s.values[s.pos] }
func (s *sliceIterator) Error() error         { return nil }
func (s *sliceIterator) Close() error         { s.closed = true; return nil }

func collect(it Iterator) []string {
	var out []string
	for ; it.Valid(); it.Next() {
		out = append(out, fmt.Sprintf("%s@%d=%s", it.Key().UserKey(), it.Key().Seq(), it.Value()))
	}
	return out
}

func TestMergingIteratorOrder(t *testing.T) {
	newer := newSliceIterator(map[string]string{"b": "b2", "d": "d2"}, 20)
	older := newSliceIterator(map[string]string{"a": "a1", "b": "b1", "c": "c1"}, 10)

	m := NewMerging(icmp, older, newer)
	m.SeekToFirst()
	got := collect(m)
	want := []string{"a@10=a1", "b@20=b2", "b@10=b1", "c@10=c1", "d@20=d2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	m.Seek(keys.NewQueryKey([]byte("c")))
	got = collect(m)
	want = []string{"c@10=c1", "d@20=d2"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("After seek expected %v, got %v", want, got)
	}

	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !newer.closed || !older.closed {
		t.Errorf("Close must close every child")
	}
}

func TestMergingIteratorDegenerate(t *testing.T) {
	m := NewMerging(icmp)
	m.SeekToFirst()
	if m.Valid() {
		t.Errorf("Merging nothing should be invalid")
	}

	single := newSliceIterator(map[string]string{"x": "1"}, 1)
	if NewMerging(icmp, single) != Iterator(single) {
		t.Errorf("Merging one child should return it directly")
	}
}

func TestTwoLevelIterator(t *testing.T) {
	blocks := map[string]*sliceIterator{
		"0": newSliceIterator(map[string]string{"a": "1", "b": "2"}, 1),
		"1": newSliceIterator(map[string]string{}, 1),
		"2": newSliceIterator(map[string]string{"c": "3"}, 1),
		"3": newSliceIterator(map[string]string{"d": "4", "e": "5"}, 1),
	}
	index := &sliceIterator{pos: -1}
	for i, last := range []string{"b", "b", "c", "e"} {
		index.keys = append(index.keys, keys.NewEncodedKey([]byte(last), 1, keys.KindSet))
		index.values = append(index.values, []byte(fmt.Sprint(i)))
	}
	// The empty block shares its separator with block 0.
	index.keys[1] = keys.NewEncodedKey([]byte("b"), 0, keys.KindSet)

	tl := NewTwoLevel(index, func(v []byte) (Iterator, error) {
		b := blocks[string(v)]
		b.pos = -1
		return b, nil
	})
	defer tl.Close()

	tl.SeekToFirst()
	got := collect(tl)
	want := []string{"a@1=1", "b@1=2", "c@1=3", "d@1=4", "e@1=5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	tl.Seek(keys.NewQueryKey([]byte("bb")))
	got = collect(tl)
	want = []string{"c@1=3", "d@1=4", "e@1=5"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("After seek expected %v, got %v", want, got)
	}
	if tl.Error() != nil {
		t.Errorf("Unexpected error: %v", tl.Error())
	}
}

func TestTwoLevelIteratorOpenError(t *testing.T) {
	index := &sliceIterator{pos: -1}
	index.keys = []keys.EncodedKey{keys.NewEncodedKey([]byte("a"), 1, keys.KindSet)}
	index.values = [][]byte{[]byte("bad")}

	boom := errors.New("boom")
	tl := NewTwoLevel(index, func([]byte) (Iterator, error) { return nil, boom })
	tl.SeekToFirst()
	if tl.Valid() {
		t.Errorf("Expected invalid iterator")
	}
	if !errors.Is(tl.Error(), boom) {
		t.Errorf("Expected %v, got %v", boom, tl.Error())
	}
}
