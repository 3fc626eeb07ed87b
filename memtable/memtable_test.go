package memtable

import (
	"bytes"
	"fmt"
	"sync"
	"testing"

	"github.com/twlk9/ldb/keys"
)

func newTestTable() *MemTable {
	return NewMemtable(keys.NewInternalComparator(nil), 16384)
}

func TestMemTableBasicOperations(t *testing.T) {
	mt := newTestTable()

	// Test empty table
	if _, _, ok := mt.Get(keys.NewQueryKey([]byte("nonexistent"))); ok {
		t.Errorf("Expected miss for nonexistent key")
	}

	userKey := []byte("test_key")
	value := []byte("test_value")
	mt.Add(1, keys.KindSet, userKey, value)

	got, kind, ok := mt.Get(keys.NewQueryKey(userKey))
	if !ok || kind != keys.KindSet {
		t.Fatalf("Expected value entry, got ok=%v kind=%v", ok, kind)
	}
	if !bytes.Equal(got, value) {
		t.Errorf("Expected value %s, got %s", value, got)
	}
}

func TestMemTableSequenceNumberOrdering(t *testing.T) {
	mt := newTestTable()
	userKey := []byte("same_key")

	// Insert in non-sequential order to test ordering
	mt.Add(5, keys.KindSet, userKey, []byte("old_value"))
	mt.Add(10, keys.KindSet, userKey, []byte("newest_value"))
	mt.Add(8, keys.KindSet, userKey, []byte("new_value"))

	tests := []struct {
		seq  uint64
		want string
		ok   bool
	}{
		{keys.MaxSequenceNumber, "newest_value", true},
		{10, "newest_value", true},
		{9, "new_value", true},
		{8, "new_value", true},
		{7, "old_value", true},
		{5, "old_value", true},
		{4, "", false},
	}
	for _, tt := range tests {
		got, _, ok := mt.Get(keys.NewLookupKey(userKey, tt.seq))
		if ok != tt.ok {
			t.Errorf("seq %d: expected ok=%v, got %v", tt.seq, tt.ok, ok)
			continue
		}
		if ok && string(got) != tt.want {
			t.Errorf("seq %d: expected %s, got %s", tt.seq, tt.want, got)
		}
	}
}

func TestMemTableMultipleKeys(t *testing.T) {
	mt := newTestTable()

	mt.Add(2, keys.KindSet, []byte("key2"), []byte("value2")) // Insert out of order
	mt.Add(1, keys.KindSet, []byte("key1"), []byte("value1"))
	mt.Add(3, keys.KindSet, []byte("key3"), []byte("value3"))

	for i := 1; i <= 3; i++ {
		k := fmt.Sprintf("key%d", i)
		got, _, ok := mt.Get(keys.NewQueryKey([]byte(k)))
		if !ok || string(got) != fmt.Sprintf("value%d", i) {
			t.Errorf("%s: expected value%d, got %s (ok=%v)", k, i, got, ok)
		}
	}

	// Neighbours of a stored key must not match it.
	for _, k := range []string{"key", "key0", "key11", "key4"} {
		if _, _, ok := mt.Get(keys.NewQueryKey([]byte(k))); ok {
			t.Errorf("%s: unexpected hit", k)
		}
	}
}

func TestMemTableTombstones(t *testing.T) {
	mt := newTestTable()
	userKey := []byte("deleted_key")

	mt.Add(1, keys.KindSet, userKey, []byte("original"))
	mt.Add(2, keys.KindDelete, userKey, []byte("ignored"))

	got, kind, ok := mt.Get(keys.NewQueryKey(userKey))
	if !ok || kind != keys.KindDelete {
		t.Fatalf("Expected tombstone, got ok=%v kind=%v", ok, kind)
	}
	if len(got) != 0 {
		t.Errorf("Expected no value for tombstone, got %q", got)
	}

	// Below the tombstone the old value is still visible.
	got, kind, ok = mt.Get(keys.NewLookupKey(userKey, 1))
	if !ok || kind != keys.KindSet || string(got) != "original" {
		t.Errorf("Expected original at seq 1, got %q kind=%v ok=%v", got, kind, ok)
	}
}

func TestMemTableBatchApplyOrder(t *testing.T) {
	mt := newTestTable()
	k := []byte("k")

	// put(k,v1); delete(k); put(k,v2); put(k,v3) at consecutive sequences
	mt.Add(1, keys.KindSet, k, []byte("v1"))
	mt.Add(2, keys.KindDelete, k, nil)
	mt.Add(3, keys.KindSet, k, []byte("v2"))
	mt.Add(4, keys.KindSet, k, []byte("v3"))

	got, kind, ok := mt.Get(keys.NewQueryKey(k))
	if !ok || kind != keys.KindSet || string(got) != "v3" {
		t.Errorf("Expected v3, got %q kind=%v ok=%v", got, kind, ok)
	}
}

func TestMemTableEmptyAndSize(t *testing.T) {
	mt := newTestTable()

	if mt.Len() != 0 {
		t.Errorf("Expected 0 entries, got %d", mt.Len())
	}
	before := mt.ApproximateMemoryUsage()

	mt.Add(1, keys.KindSet, []byte("key1"), []byte("value1"))
	mt.Add(2, keys.KindSet, []byte("key2"), []byte("value2"))

	if mt.Len() != 2 {
		t.Errorf("Expected 2 entries, got %d", mt.Len())
	}
	// Two keys of 4+8 bytes and two values of 6 bytes land in the arena.
	if got := mt.ApproximateMemoryUsage(); got < before+2*(12+6) {
		t.Errorf("Expected usage to grow by at least %d, got %d -> %d", 2*(12+6), before, got)
	}
}

func TestMemTableLargeKeys(t *testing.T) {
	mt := newTestTable()

	largeKey := bytes.Repeat([]byte("x"), 100)
	largeValue := bytes.Repeat([]byte("y"), 50000) // bigger than the initial arena

	mt.Add(1, keys.KindSet, largeKey, largeValue)

	got, _, ok := mt.Get(keys.NewQueryKey(largeKey))
	if !ok || !bytes.Equal(got, largeValue) {
		t.Errorf("Large value mismatch")
	}
}

func TestMemTableIteratorBasic(t *testing.T) {
	mt := newTestTable()

	it := mt.NewIterator()
	it.SeekToFirst()
	if it.Valid() {
		t.Errorf("Expected invalid iterator on empty table")
	}
	it.Close()

	testData := []struct {
		key string
		val string
	}{
		{"apple", "fruit1"},
		{"banana", "fruit2"},
		{"cherry", "fruit3"},
	}
	for i := len(testData) - 1; i >= 0; i-- {
		td := testData[i]
		mt.Add(uint64(i+1), keys.KindSet, []byte(td.key), []byte(td.val))
	}

	it2 := mt.NewIterator()
	defer it2.Close()

	i := 0
	for it2.SeekToFirst(); it2.Valid(); it2.Next() {
		if i >= len(testData) {
			t.Fatalf("Iterator returned more items than expected")
		}
		if got := string(it2.Key().UserKey()); got != testData[i].key {
			t.Errorf("Expected key %s, got %s", testData[i].key, got)
		}
		if got := string(it2.Value()); got != testData[i].val {
			t.Errorf("Expected value %s, got %s", testData[i].val, got)
		}
		i++
	}
	if i != len(testData) {
		t.Errorf("Expected %d items, got %d", len(testData), i)
	}
	if err := it2.Error(); err != nil {
		t.Errorf("Iterator error: %v", err)
	}
}

func TestMemTableIteratorSeek(t *testing.T) {
	mt := newTestTable()

	for i, k := range []string{"delta", "alpha", "gamma", "beta"} {
		mt.Add(uint64(i+1), keys.KindSet, []byte(k), []byte(k[:1]))
	}

	it := mt.NewIterator()
	defer it.Close()

	tests := []struct {
		target string
		want   string // empty means exhausted
	}{
		{"gamma", "gamma"},
		{"charlie", "delta"},
		{"", "alpha"},
		{"zulu", ""},
	}
	for _, tt := range tests {
		it.Seek(keys.NewQueryKey([]byte(tt.target)))
		if tt.want == "" {
			if it.Valid() {
				t.Errorf("Seek(%q): expected exhausted iterator, at %s", tt.target, it.Key())
			}
			continue
		}
		if !it.Valid() {
			t.Errorf("Seek(%q): expected %s, iterator invalid", tt.target, tt.want)
			continue
		}
		if got := string(it.Key().UserKey()); got != tt.want {
			t.Errorf("Seek(%q): expected %s, got %s", tt.target, tt.want, got)
		}
	}
}

func TestMemTableIteratorSequenceNumbers(t *testing.T) {
	mt := newTestTable()

	key := []byte("test")
	mt.Add(1, keys.KindSet, key, []byte("v1"))
	mt.Add(3, keys.KindSet, key, []byte("v3"))
	mt.Add(2, keys.KindDelete, key, nil)

	it := mt.NewIterator()
	defer it.Close()

	expected := []struct {
		seq  uint64
		kind keys.Kind
		val  string
	}{
		{3, keys.KindSet, "v3"}, // Highest sequence first
		{2, keys.KindDelete, ""},
		{1, keys.KindSet, "v1"},
	}

	i := 0
	for it.SeekToFirst(); it.Valid(); it.Next() {
		if i >= len(expected) {
			t.Fatalf("Too many versions returned")
		}
		k := it.Key()
		if k.Seq() != expected[i].seq || k.Kind() != expected[i].kind {
			t.Errorf("Entry %d: expected %d/%v, got %d/%v", i, expected[i].seq, expected[i].kind, k.Seq(), k.Kind())
		}
		if string(it.Value()) != expected[i].val {
			t.Errorf("Entry %d: expected value %q, got %q", i, expected[i].val, it.Value())
		}
		i++
	}
	if i != len(expected) {
		t.Errorf("Expected %d versions, got %d", len(expected), i)
	}
}

func TestMemTableReferenceCounting(t *testing.T) {
	mt := newTestTable()
	mt.Add(1, keys.KindSet, []byte("a"), []byte("1"))

	it := mt.NewIterator()
	if got := mt.Refs(); got != 2 {
		t.Fatalf("Expected 2 refs with an open iterator, got %d", got)
	}

	// The owner lets go; the iterator keeps the arena alive.
	mt.Unref()
	it.SeekToFirst()
	if !it.Valid() || string(it.Value()) != "1" {
		t.Fatalf("Iterator lost its table after owner released it")
	}

	it.Close()
	if got := mt.Refs(); got != 0 {
		t.Errorf("Expected 0 refs after close, got %d", got)
	}
	if mt.ApproximateMemoryUsage() != 0 {
		t.Errorf("Expected arena released after last unref")
	}

	// Closing again must not double release.
	it.Close()
}

func TestMemTableListRefs(t *testing.T) {
	mem := newTestTable()
	imm := newTestTable()

	mems := RefMemTableList(mem, imm)
	if len(mems) != 2 || mem.Refs() != 2 || imm.Refs() != 2 {
		t.Fatalf("Expected both tables referenced, got len=%d refs=%d/%d", len(mems), mem.Refs(), imm.Refs())
	}
	UnRefMemTableList(mems)
	if mem.Refs() != 1 || imm.Refs() != 1 {
		t.Errorf("Expected refs back to 1, got %d/%d", mem.Refs(), imm.Refs())
	}

	if mems := RefMemTableList(mem, nil); len(mems) != 1 {
		t.Errorf("Expected nil immutable to be skipped, got %d tables", len(mems))
	} else {
		UnRefMemTableList(mems)
	}
}

func TestMemTableIteratorConcurrentSafety(t *testing.T) {
	mt := newTestTable()

	for i := range 100 {
		key := fmt.Appendf(nil, "key%03d", i)
		mt.Add(uint64(i+1), keys.KindSet, key, []byte("value"))
	}

	it := mt.NewIterator()
	defer it.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 100; i < 1000; i++ {
			key := fmt.Appendf(nil, "newkey%03d", i)
			mt.Add(uint64(i+1), keys.KindSet, key, []byte("newvalue"))
		}
	}()

	count := 0
	var prev keys.EncodedKey
	for it.SeekToFirst(); it.Valid(); it.Next() {
		k := it.Key()
		if k == nil || it.Value() == nil {
			t.Fatalf("Nil data during concurrent iteration")
		}
		if prev != nil && keys.NewInternalComparator(nil).Compare(prev, k) >= 0 {
			t.Fatalf("Out of order: %s then %s", prev, k)
		}
		prev = append(prev[:0], k...)
		count++
	}
	wg.Wait()

	// The original entries are always there; new ones may or may not be seen.
	if count < 100 {
		t.Errorf("Expected at least 100 entries during concurrent iteration, got %d", count)
	}
}

type reverseComparator struct{}

func (reverseComparator) Compare(a, b []byte) int           { return bytes.Compare(b, a) }
func (reverseComparator) Name() string                      { return "test.ReverseComparator" }
func (reverseComparator) Separator(dst, a, b []byte) []byte { return append(dst, a...) }
func (reverseComparator) Successor(dst, a []byte) []byte    { return append(dst, a...) }

func TestMemTableCustomComparator(t *testing.T) {
	mt := NewMemtable(keys.NewInternalComparator(reverseComparator{}), 4096)
	for i, k := range []string{"b", "a", "c"} {
		mt.Add(uint64(i+1), keys.KindSet, []byte(k), []byte(k))
	}

	it := mt.NewIterator()
	defer it.Close()

	var got []string
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got = append(got, string(it.Key().UserKey()))
	}
	want := []string{"c", "b", "a"}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("Expected %v, got %v", want, got)
	}

	if v, _, ok := mt.Get(keys.NewQueryKey([]byte("a"))); !ok || string(v) != "a" {
		t.Errorf("Get(a) under reverse order failed: %q ok=%v", v, ok)
	}
}

// TestMemTableKeyOrderingWithManyKeys inserts a-z and checks every key
// is reachable through both Get and the iterator.
func TestMemTableKeyOrderingWithManyKeys(t *testing.T) {
	mt := NewMemtable(keys.NewInternalComparator(nil), 1024*1024)

	var testKeys []string
	for i := 'a'; i <= 'z'; i++ {
		testKeys = append(testKeys, string(i))
	}
	for i, k := range testKeys {
		mt.Add(uint64(i+1), keys.KindSet, []byte(k), []byte("value_"+k))
	}

	iter := mt.NewIterator()
	defer iter.Close()

	var iteratorKeys []string
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		iteratorKeys = append(iteratorKeys, string(iter.Key().UserKey()))
	}
	if fmt.Sprint(iteratorKeys) != fmt.Sprint(testKeys) {
		t.Fatalf("Keys not properly sorted: %v", iteratorKeys)
	}

	for _, k := range testKeys {
		got, _, ok := mt.Get(keys.NewQueryKey([]byte(k)))
		if !ok || string(got) != "value_"+k {
			t.Fatalf("Key %s: expected value_%s, got %q (ok=%v)", k, k, got, ok)
		}
	}
}
