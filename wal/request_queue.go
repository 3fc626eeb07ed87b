package wal

// walSyncQueue holds sync requests that arrived while a sync was already
// running; they are all answered by the next fsync.
type walSyncQueue struct {
	buf  []*SyncRequest
	head int
}

func (q *walSyncQueue) put(r *SyncRequest) {
	q.buf = append(q.buf, r)
}

func (q *walSyncQueue) get() (*SyncRequest, bool) {
	if q.head >= len(q.buf) {
		return nil, false
	}
	r := q.buf[q.head]
	q.buf[q.head] = nil
	q.head++

	// Reset when head gets large to avoid GC leaks and slice growth
	if q.head > 1024 && q.head*2 > len(q.buf) {
		n := copy(q.buf, q.buf[q.head:])
		q.buf = q.buf[:n]
		q.head = 0
	}
	return r, true
}

func (q *walSyncQueue) len() int {
	return len(q.buf) - q.head
}
