//go:build integration || stress

package ldb

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

// openConsistencyDB opens a database with a tiny memtable so the tests
// below flush and compact constantly.
func openConsistencyDB(t *testing.T, writeBuffer, l0Trigger int) *DB {
	t.Helper()
	opts := testOptions(t)
	opts.WriteBufferSize = writeBuffer
	opts.L0CompactionTrigger = l0Trigger
	opts.Sync = false
	return openTestDB(t, opts)
}

func TestStateConsistencyBasic(t *testing.T) {
	db := openConsistencyDB(t, 4096, 2)
	validator := NewStateValidator(t, db)

	for _, kv := range [][2]string{
		{"key1", "value1"},
		{"key2", "value2_longer_value_to_test_different_sizes"},
		{"key3", ""},
		{"key_with_special_chars_!@#$%", "value_with_special_chars_!@#$%"},
	} {
		require.NoError(t, db.Put([]byte(kv[0]), []byte(kv[1])))
		validator.TrackPut([]byte(kv[0]), []byte(kv[1]))
	}
	validator.ValidateConsistency()

	require.NoError(t, db.Delete([]byte("key2")))
	validator.TrackDelete([]byte("key2"))
	validator.ValidateConsistency()

	require.NoError(t, db.Put([]byte("key1"), []byte("updated_value1")))
	validator.TrackPut([]byte("key1"), []byte("updated_value1"))
	validator.ValidateConsistency()
	validator.ValidateAfterCompaction()
}

func TestStateConsistencyDuringCompaction(t *testing.T) {
	db := openConsistencyDB(t, 2048, 2)
	validator := NewStateValidator(t, db)

	for i := range 400 {
		key := fmt.Sprintf("compaction_test_key_%04d", i)
		value := fmt.Sprintf("compaction_test_value_%04d_with_padding_to_fill_blocks", i)
		require.NoError(t, db.Put([]byte(key), []byte(value)))
		validator.TrackPut([]byte(key), []byte(value))
		if i%40 == 0 {
			validator.ValidateConsistency()
		}
	}
	validator.ValidateConsistency()
	validator.ValidateAfterCompaction()
}

func TestStateConsistencyConcurrentOperations(t *testing.T) {
	db := openConsistencyDB(t, 8192, 3)
	validator := NewStateValidator(t, db)

	var wg sync.WaitGroup
	for g := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 100 {
				key := []byte(fmt.Sprintf("concurrent_%d_%04d", g, j))
				value := []byte(fmt.Sprintf("value_%d_%04d", g, j))
				if err := db.Put(key, value); err != nil {
					t.Errorf("Put: %v", err)
					return
				}
				validator.TrackPut(key, value)
				if j%10 == 5 {
					old := []byte(fmt.Sprintf("concurrent_%d_%04d", g, j-5))
					if err := db.Delete(old); err != nil {
						t.Errorf("Delete: %v", err)
						return
					}
					validator.TrackDelete(old)
				}
			}
		}()
	}
	wg.Wait()
	validator.ValidateConsistency()
}

// TestRandomOperationsThenFullCompaction runs a seeded random workload
// and checks the result survives compacting everything.
func TestRandomOperationsThenFullCompaction(t *testing.T) {
	db := openConsistencyDB(t, 4096, 3)
	validator := RunRandomOperations(t, db, 12345, 500, 100)
	validator.ValidateAfterCompaction()
}

// TestModelAgreesAcrossReopen checks random batches of puts and deletes
// against a map, both live and after the database is reopened.
func TestModelAgreesAcrossReopen(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	type modelOp struct {
		del   bool
		key   string
		value string
	}
	opGen := gopter.CombineGens(
		gen.Bool(),
		gen.IntRange(0, 31),
		gen.AlphaString(),
	).Map(func(vals []any) modelOp {
		return modelOp{del: vals[0].(bool), key: fmt.Sprintf("k%02d", vals[1].(int)), value: vals[2].(string)}
	})

	properties.Property("get and reopen match model", prop.ForAll(
		func(ops []modelOp) bool {
			opts := DefaultOptions()
			opts.Path = t.TempDir()
			opts.WriteBufferSize = 2048
			opts.Sync = false

			db, err := Open(opts)
			if err != nil {
				t.Logf("open: %v", err)
				return false
			}
			model := make(map[string]string)
			for _, op := range ops {
				if op.del {
					if err := db.Delete([]byte(op.key)); err != nil {
						db.Close()
						return false
					}
					delete(model, op.key)
					continue
				}
				if err := db.Put([]byte(op.key), []byte(op.value)); err != nil {
					db.Close()
					return false
				}
				model[op.key] = op.value
			}

			check := func() bool {
				for i := range 32 {
					key := fmt.Sprintf("k%02d", i)
					got, err := db.Get([]byte(key))
					want, ok := model[key]
					if ok != (err == nil) || (ok && string(got) != want) {
						t.Logf("key %s: got %q (%v), want %q (%v)", key, got, err, want, ok)
						return false
					}
				}
				return true
			}
			if !check() {
				db.Close()
				return false
			}
			if err := db.Close(); err != nil {
				return false
			}
			if db, err = Open(opts); err != nil {
				return false
			}
			defer db.Close()
			return check()
		},
		gen.SliceOf(opGen),
	))

	properties.TestingRun(t)
}

func TestStateConsistencyWithLargeValues(t *testing.T) {
	db := openConsistencyDB(t, 8192, 2)
	validator := NewStateValidator(t, db)

	for i, size := range []int{0, 1, 100, 1000, 5000, 10000, 100000} {
		key := []byte(fmt.Sprintf("large_value_key_%d", i))
		value := make([]byte, size)
		for j := range value {
			value[j] = byte(j % 251)
		}
		require.NoError(t, db.Put(key, value))
		validator.TrackPut(key, value)
		validator.ValidateConsistency()
	}
	validator.ValidateAfterCompaction()
}

// TestIteratorConsistencyDuringModification checks that an open iterator
// keeps seeing the state it was created on while writes, flushes and
// compactions go on underneath it.
func TestIteratorConsistencyDuringModification(t *testing.T) {
	db := openConsistencyDB(t, 4096, 3)

	want := make(map[string][]byte)
	for i := range 50 {
		key := fmt.Sprintf("iter_key_%04d", i)
		value := []byte(fmt.Sprintf("iter_value_%04d", i))
		require.NoError(t, db.Put([]byte(key), value))
		want[key] = value
	}

	it := db.NewIterator(nil)
	defer it.Close()

	for i := 50; i < 500; i++ {
		require.NoError(t, db.Put([]byte(fmt.Sprintf("iter_key_%04d", i)), []byte("later")))
	}
	for i := range 10 {
		require.NoError(t, db.Delete([]byte(fmt.Sprintf("iter_key_%04d", i))))
	}
	require.NoError(t, db.CompactRange(nil, nil))

	got := make(map[string][]byte)
	for it.SeekToFirst(); it.Valid(); it.Next() {
		got[string(it.Key())] = bytes.Clone(it.Value())
	}
	require.NoError(t, it.Error())
	require.Equal(t, want, got)
}

func TestTombstoneLifecycleConsistency(t *testing.T) {
	db := openConsistencyDB(t, 2048, 2)
	validator := NewStateValidator(t, db)

	const numKeys = 200
	key := func(i int) []byte { return []byte(fmt.Sprintf("tombstone_key_%04d", i)) }
	for i := range numKeys {
		value := []byte(fmt.Sprintf("tombstone_value_%04d", i))
		require.NoError(t, db.Put(key(i), value))
		validator.TrackPut(key(i), value)
	}
	for i := range numKeys / 2 {
		require.NoError(t, db.Delete(key(i)))
		validator.TrackDelete(key(i))
	}
	for i := numKeys; i < numKeys*2; i++ {
		value := []byte(fmt.Sprintf("tombstone_value_%04d", i))
		require.NoError(t, db.Put(key(i), value))
		validator.TrackPut(key(i), value)
	}

	validator.ValidateConsistency()
	validator.ValidateAfterCompaction()
	for i := range numKeys / 2 {
		_, err := db.Get(key(i))
		require.True(t, errors.Is(err, ErrNotFound), "deleted key %s: %v", key(i), err)
	}
}
