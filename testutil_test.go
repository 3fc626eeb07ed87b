package ldb

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
	"slices"
	"sync"
	"testing"
)

// StateValidator tracks what a test wrote and checks the database
// agrees through both Get and a full iteration.
type StateValidator struct {
	db        *DB
	t         *testing.T
	knownData map[string][]byte // Track all data that should exist
	mu        sync.RWMutex
}

// NewStateValidator creates a new state validator for a database
func NewStateValidator(t *testing.T, db *DB) *StateValidator {
	return &StateValidator{
		db:        db,
		t:         t,
		knownData: make(map[string][]byte),
	}
}

// TrackPut records a put operation for later validation
func (sv *StateValidator) TrackPut(key, value []byte) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sv.knownData[string(key)] = bytes.Clone(value)
}

// TrackDelete records a delete operation for later validation
func (sv *StateValidator) TrackDelete(key []byte) {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	delete(sv.knownData, string(key))
}

// ValidateConsistency performs comprehensive consistency checks
func (sv *StateValidator) ValidateConsistency() {
	sv.t.Helper()
	sv.mu.RLock()
	defer sv.mu.RUnlock()

	sv.validateAllDataPresent()
	sv.validateIterator()
}

// ValidateAfterCompaction flushes and fully compacts the database, then
// validates it.
func (sv *StateValidator) ValidateAfterCompaction() {
	sv.t.Helper()
	if err := sv.db.CompactRange(nil, nil); err != nil {
		sv.t.Fatalf("CompactRange failed: %v", err)
	}
	sv.ValidateConsistency()
}

// validateAllDataPresent ensures all tracked data is still in the database
func (sv *StateValidator) validateAllDataPresent() {
	sv.t.Helper()
	for keyStr, expectedValue := range sv.knownData {
		actualValue, err := sv.db.Get([]byte(keyStr))
		if err != nil {
			sv.t.Errorf("Key %q should exist but got error: %v", keyStr, err)
			continue
		}
		if !bytes.Equal(expectedValue, actualValue) {
			sv.t.Errorf("Key %q: expected %q, got %q", keyStr, expectedValue, actualValue)
		}
	}
}

// validateIterator ensures a full scan returns exactly the tracked keys
// in order, with no phantom data.
func (sv *StateValidator) validateIterator() {
	sv.t.Helper()
	iter := sv.db.NewIterator(nil)
	defer iter.Close()

	var expectedKeys []string
	for key := range sv.knownData {
		expectedKeys = append(expectedKeys, key)
	}
	slices.Sort(expectedKeys)

	var seenKeys []string
	for iter.SeekToFirst(); iter.Valid(); iter.Next() {
		keyStr := string(iter.Key())
		seenKeys = append(seenKeys, keyStr)

		expectedValue, exists := sv.knownData[keyStr]
		if !exists {
			sv.t.Errorf("Found phantom key %q that should not exist", keyStr)
			continue
		}
		if !bytes.Equal(expectedValue, iter.Value()) {
			sv.t.Errorf("Iterator key %q: expected %q, got %q", keyStr, expectedValue, iter.Value())
		}
	}
	if err := iter.Error(); err != nil {
		sv.t.Errorf("Iterator error: %v", err)
	}
	if !slices.Equal(expectedKeys, seenKeys) {
		sv.t.Errorf("Iterator saw %d keys, expected %d", len(seenKeys), len(expectedKeys))
	}
}

// RandomDataGenerator provides deterministic random data generation
type RandomDataGenerator struct {
	rng *rand.Rand
}

// NewRandomDataGenerator creates a new deterministic random data generator
func NewRandomDataGenerator(seed int64) *RandomDataGenerator {
	return &RandomDataGenerator{rng: rand.New(rand.NewSource(seed))}
}

// Operation represents a database operation for randomized testing
type Operation struct {
	Type  OperationType
	Key   []byte
	Value []byte
}

type OperationType int

const (
	OpPut OperationType = iota
	OpGet
	OpDelete
)

// NextOperation returns a random Put, Get or Delete over a key space
// of keySpace keys.
func (rdg *RandomDataGenerator) NextOperation(keySpace int) Operation {
	key := []byte(fmt.Sprintf("rand_key_%04d", rdg.rng.Intn(keySpace)))
	switch rdg.rng.Intn(3) {
	case 0:
		return Operation{Type: OpPut, Key: key, Value: []byte(rdg.randomString(rdg.rng.Intn(100) + 10))}
	case 1:
		return Operation{Type: OpGet, Key: key}
	default:
		return Operation{Type: OpDelete, Key: key}
	}
}

func (rdg *RandomDataGenerator) randomString(length int) string {
	const charset = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	b := make([]byte, length)
	for i := range b {
		b[i] = charset[rdg.rng.Intn(len(charset))]
	}
	return string(b)
}

// RunRandomOperations applies numOperations random operations, checking
// every Get against the validator's model and validating the whole
// state every checkEvery operations.
func RunRandomOperations(t *testing.T, db *DB, seed int64, numOperations, checkEvery int) *StateValidator {
	t.Helper()
	validator := NewStateValidator(t, db)
	gen := NewRandomDataGenerator(seed)

	for i := range numOperations {
		op := gen.NextOperation(500)
		switch op.Type {
		case OpPut:
			if err := db.Put(op.Key, op.Value); err != nil {
				t.Fatalf("Put operation failed at step %d: %v", i, err)
			}
			validator.TrackPut(op.Key, op.Value)
		case OpGet:
			got, err := db.Get(op.Key)
			validator.mu.RLock()
			want, exists := validator.knownData[string(op.Key)]
			validator.mu.RUnlock()
			switch {
			case exists && err != nil:
				t.Errorf("Get %q at step %d: %v", op.Key, i, err)
			case exists && !bytes.Equal(got, want):
				t.Errorf("Get %q at step %d: got %q, want %q", op.Key, i, got, want)
			case !exists && !errors.Is(err, ErrNotFound):
				t.Errorf("Get %q at step %d: expected ErrNotFound, got %v", op.Key, i, err)
			}
		case OpDelete:
			if err := db.Delete(op.Key); err != nil {
				t.Fatalf("Delete operation failed at step %d: %v", i, err)
			}
			validator.TrackDelete(op.Key)
		}

		if checkEvery > 0 && i%checkEvery == 0 {
			validator.ValidateConsistency()
		}
	}
	validator.ValidateConsistency()
	return validator
}
