package wal

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// TestWALSync tests basic sync functionality
func TestWALSync(t *testing.T) {
	w, err := NewWriter(makeOpts(t.TempDir(), 1, 0))
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer w.Close()

	if err := w.AddRecord([]byte("key1=value1")); err != nil {
		t.Fatalf("Failed to write record: %v", err)
	}
	if err := w.Sync(); err != nil {
		t.Fatalf("Failed to sync WAL: %v", err)
	}

	select {
	case err = <-w.SyncAsync():
		if err != nil {
			t.Fatalf("Async sync failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Async sync timed out")
	}
}

// TestWALSyncBatching tests that multiple sync requests are all answered
func TestWALSyncBatching(t *testing.T) {
	w, err := NewWriter(makeOpts(t.TempDir(), 1, 0))
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer w.Close()

	if err := w.AddRecord([]byte("record")); err != nil {
		t.Fatalf("Failed to write record: %v", err)
	}

	chans := []<-chan error{w.SyncAsync(), w.SyncAsync(), w.SyncAsync()}
	for i, ch := range chans {
		select {
		case err := <-ch:
			if err != nil {
				t.Fatalf("Sync %d failed: %v", i, err)
			}
		case <-time.After(time.Second):
			t.Fatalf("Sync %d timed out", i)
		}
	}
}

// TestWALConcurrentWrites checks that concurrent writers never interleave chunks
func TestWALConcurrentWrites(t *testing.T) {
	dir := t.TempDir()
	opts := makeOpts(dir, 1, 0)
	w, err := NewWriter(opts)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	const writers, perWriter = 8, 200
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				rec := bigString(fmt.Sprintf("g%d-%d|", g, i), 1000+i*37)
				if err := w.AddRecord([]byte(rec)); err != nil {
					t.Errorf("AddRecord: %v", err)
					return
				}
				if i%50 == 0 {
					if err := w.Sync(); err != nil {
						t.Errorf("Sync: %v", err)
						return
					}
				}
			}
		}(g)
	}
	wg.Wait()
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	res := readAll(t, opts.Path)
	if len(res.records) != writers*perWriter {
		t.Fatalf("Expected %d records, got %d (err=%v)", writers*perWriter, len(res.records), res.err)
	}
}

// TestWALSizeTracking checks Size counts headers and padding
func TestWALSizeTracking(t *testing.T) {
	w, err := NewWriter(makeOpts(t.TempDir(), 1, 0))
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer w.Close()

	if err := w.AddRecord([]byte("abc")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	if got := w.Size(); got != HeaderSize+3 {
		t.Errorf("Expected size %d, got %d", HeaderSize+3, got)
	}

	big := make([]byte, BlockSize)
	if err := w.AddRecord(big); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}
	// The record spans two blocks and needs two headers.
	want := int64(HeaderSize+3) + int64(BlockSize) + 2*HeaderSize
	if got := w.Size(); got != want {
		t.Errorf("Expected size %d, got %d", want, got)
	}
}

// TestWALBytesPerSync checks background syncing resets the counter
func TestWALBytesPerSync(t *testing.T) {
	w, err := NewWriter(makeOpts(t.TempDir(), 1, 1024))
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	defer w.Close()

	if err := w.AddRecord(make([]byte, 2048)); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		pending := w.bytesWrittenSinceSync
		w.mu.Unlock()
		if pending == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Errorf("Background sync never ran")
}

// TestWALAutoSync checks the ticker syncs without explicit requests
func TestWALAutoSync(t *testing.T) {
	opts := makeOpts(t.TempDir(), 1, 0)
	opts.AutoSyncInterval = 10 * time.Millisecond
	w, err := NewWriter(opts)
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}

	if err := w.AddRecord([]byte("tick")); err != nil {
		t.Fatalf("AddRecord: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	synced := false
	for time.Now().Before(deadline) && !synced {
		w.mu.Lock()
		synced = w.bytesWrittenSinceSync == 0
		w.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	if !synced {
		t.Errorf("Auto sync never ran")
	}

	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// Closing twice is a no-op
	if err := w.Close(); err != nil {
		t.Fatalf("Second close: %v", err)
	}
}

// TestWALClosed tests writes after close are rejected
func TestWALClosed(t *testing.T) {
	w, err := NewWriter(makeOpts(t.TempDir(), 1, 0))
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := w.AddRecord([]byte("late")); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := w.Sync(); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed from Sync, got %v", err)
	}
}

// TestWALPoisonedAfterWriteError checks a failed write blocks later writes
func TestWALPoisonedAfterWriteError(t *testing.T) {
	w, err := NewWriter(makeOpts(t.TempDir(), 1, 0))
	if err != nil {
		t.Fatalf("Failed to create WAL: %v", err)
	}
	// Closing the file underneath the writer makes the next flush fail.
	w.file.Close()

	if err := w.AddRecord([]byte("doomed")); err == nil {
		t.Fatalf("Expected write error")
	}
	if err := w.AddRecord([]byte("after")); err == nil {
		t.Fatalf("Expected poisoned writer to keep failing")
	}
	if err := w.Sync(); err == nil {
		t.Fatalf("Expected sync to report the poison")
	}
}
