package wal

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/twlk9/ldb/coding"
)

const (
	// BlockSize is the size of each WAL block. Chunks never span blocks.
	BlockSize = 32 * 1024

	// HeaderSize is checksum (4) + length (2) + type (1)
	HeaderSize = 4 + 2 + 1
)

type recordType uint8

const (
	// zeroType is reserved for preallocated and padding regions
	zeroType recordType = iota
	fullType
	firstType
	middleType
	lastType
)

// ErrClosed is returned when writing to a closed WAL
var ErrClosed = errors.New("wal: closed")

// SyncRequest represents a pending sync request
type SyncRequest struct {
	done chan error
}

type WALOpts struct {
	// Path is the full path of the log file. An existing file is truncated.
	Path             string
	BytesPerSync     int
	AutoSyncInterval time.Duration
}

// Writer appends records to a block structured log. Records larger than
// the space left in the current block are split into First, Middle and
// Last chunks; records that fit are written as one Full chunk.
type Writer struct {
	path        string
	file        *os.File
	writer      *bufio.Writer
	mu          sync.Mutex
	closed      bool
	blockOffset int

	// err poisons the writer after the first failed write or sync so
	// later records can never land behind a hole in the log.
	err error

	// Sync timing options
	autoSyncInterval time.Duration

	// Background sync options
	bytesPerSync          int
	totalBytesWritten     int64 // Total bytes written to WAL file (never reset)
	bytesWrittenSinceSync int64 // Bytes written since last sync (reset after sync)

	// Sync queue and batching
	syncQueue      *walSyncQueue
	syncInProgress bool

	// Background auto-sync
	autoSyncTicker *time.Ticker
	autoSyncDone   chan struct{}
}

// NewWriter creates the log file at opts.Path and returns a writer for it.
func NewWriter(opts WALOpts) (*Writer, error) {
	file, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		path:             opts.Path,
		file:             file,
		writer:           bufio.NewWriterSize(file, BlockSize),
		autoSyncInterval: opts.AutoSyncInterval,
		bytesPerSync:     opts.BytesPerSync,
		syncQueue:        &walSyncQueue{},
		autoSyncDone:     make(chan struct{}),
	}

	// Start background auto-sync if enabled
	if opts.AutoSyncInterval > 0 {
		w.autoSyncTicker = time.NewTicker(opts.AutoSyncInterval)
		go w.backgroundAutoSync()
	}

	return w, nil
}

// Path returns the full file name with path
func (w *Writer) Path() string {
	return w.path
}

// Size returns the total bytes written to the WAL file
func (w *Writer) Size() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.totalBytesWritten
}

// AddRecord appends one logical record and hands it to the OS. It does
// not fsync; call Sync for durability.
func (w *Writer) AddRecord(data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrClosed
	}
	if w.err != nil {
		return w.err
	}

	start := w.totalBytesWritten
	begin := true
	for {
		leftover := BlockSize - w.blockOffset
		if leftover < HeaderSize {
			// Fill the trailer with zeros and switch to a new block.
			if leftover > 0 {
				var zeros [HeaderSize]byte
				if err := w.write(zeros[:leftover]); err != nil {
					return err
				}
			}
			w.blockOffset = 0
		}

		avail := BlockSize - w.blockOffset - HeaderSize
		n := min(len(data), avail)
		end := n == len(data)

		var typ recordType
		switch {
		case begin && end:
			typ = fullType
		case begin:
			typ = firstType
		case end:
			typ = lastType
		default:
			typ = middleType
		}

		if err := w.emitChunk(typ, data[:n]); err != nil {
			return err
		}
		data = data[n:]
		begin = false
		if end {
			break
		}
	}

	if err := w.writer.Flush(); err != nil {
		w.err = err
		return err
	}

	n := w.totalBytesWritten - start
	w.bytesWrittenSinceSync += n

	// Check if we should trigger background sync based on bytes
	if w.bytesPerSync > 0 && w.bytesWrittenSinceSync >= int64(w.bytesPerSync) {
		go func() {
			_ = w.SyncAsync()
		}()
	}

	return nil
}

func (w *Writer) emitChunk(typ recordType, payload []byte) error {
	var hdr [HeaderSize]byte
	crc := coding.ExtendCRC(coding.CRC([]byte{byte(typ)}), payload)
	coding.PutFixed32(hdr[0:4], coding.MaskCRC(crc))
	hdr[4] = byte(len(payload))
	hdr[5] = byte(len(payload) >> 8)
	hdr[6] = byte(typ)

	if err := w.write(hdr[:]); err != nil {
		return err
	}
	if err := w.write(payload); err != nil {
		return err
	}
	w.blockOffset += HeaderSize + len(payload)
	return nil
}

func (w *Writer) write(b []byte) error {
	n, err := w.writer.Write(b)
	w.totalBytesWritten += int64(n)
	if err != nil {
		w.err = err
	}
	return err
}

// SyncAsync requests a sync and returns immediately
// Returns a channel that will receive the sync result
func (w *Writer) SyncAsync() <-chan error {
	w.mu.Lock()

	if w.closed {
		w.mu.Unlock()
		done := make(chan error, 1)
		done <- ErrClosed
		return done
	}

	// Create sync request and add to queue
	req := &SyncRequest{
		done: make(chan error, 1),
	}
	w.syncQueue.put(req)

	// If a sync is already in progress, this request will be picked
	// up by the existing sync operation
	if w.syncInProgress {
		w.mu.Unlock()
		return req.done
	}

	// Start a new sync operation
	w.syncInProgress = true
	w.mu.Unlock()

	go w.processSyncQueue()

	return req.done
}

// Sync forces a sync of the WAL file (synchronous version)
func (w *Writer) Sync() error {
	return <-w.SyncAsync()
}

// processSyncQueue processes all pending sync requests
func (w *Writer) processSyncQueue() {
	w.mu.Lock()

	if w.syncQueue.len() == 0 {
		w.syncInProgress = false
		w.mu.Unlock()
		return
	}

	err := w.doSync()

	// Notify all waiting requests
	for {
		req, ok := w.syncQueue.get()
		if !ok {
			break
		}
		req.done <- err
	}

	// Check if there are new pending requests and start another sync if so
	if w.syncQueue.len() > 0 {
		w.mu.Unlock()
		w.processSyncQueue() // Process next batch
	} else {
		w.syncInProgress = false
		w.mu.Unlock()
	}
}

// doSync performs the actual sync operation (must hold mutex)
func (w *Writer) doSync() error {
	if w.err != nil {
		return w.err
	}
	if err := w.writer.Flush(); err != nil {
		w.err = err
		return err
	}
	if err := w.file.Sync(); err != nil {
		w.err = fmt.Errorf("wal sync: %w", err)
		return w.err
	}
	w.bytesWrittenSinceSync = 0

	// Reset the auto-sync timer since we just synced
	if w.autoSyncTicker != nil {
		w.autoSyncTicker.Reset(w.autoSyncInterval)
	}

	return nil
}

// backgroundAutoSync periodically syncs the WAL so that low-throughput
// workloads don't sit unsynced when bytesPerSync never triggers.
func (w *Writer) backgroundAutoSync() {
	for {
		select {
		case <-w.autoSyncTicker.C:
			_ = w.SyncAsync()

		case <-w.autoSyncDone:
			return
		}
	}
}

// Close syncs and closes the WAL
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.autoSyncTicker != nil {
		w.autoSyncTicker.Stop()
		close(w.autoSyncDone)
	}

	// Fail any pending sync requests
	for {
		req, ok := w.syncQueue.get()
		if !ok {
			break
		}
		req.done <- ErrClosed
	}

	syncErr := w.doSync()
	return errors.Join(syncErr, w.file.Close())
}
