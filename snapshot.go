package ldb

import (
	"github.com/zhangyunhao116/skipmap"
)

// Snapshot is a consistent read view of the database at a sequence
// number. Reads through ReadOptions.Snapshot see only writes at or
// below it. Release it with DB.ReleaseSnapshot when done; until then
// compactions keep every entry it can observe.
type Snapshot struct {
	seq      uint64
	released bool
}

// Sequence is the sequence number the snapshot reads at.
func (s *Snapshot) Sequence() uint64 {
	return s.seq
}

// snapshotList counts live snapshots per sequence number. The skipmap
// keeps sequence numbers ordered, so the oldest one is the first key.
// Mutations happen under the DB mutex.
type snapshotList struct {
	holders *skipmap.FuncMap[uint64, int]
}

func newSnapshotList() *snapshotList {
	return &snapshotList{
		holders: skipmap.NewFunc[uint64, int](func(a, b uint64) bool { return a < b }),
	}
}

func (l *snapshotList) acquire(seq uint64) *Snapshot {
	n, _ := l.holders.Load(seq)
	l.holders.Store(seq, n+1)
	return &Snapshot{seq: seq}
}

func (l *snapshotList) release(s *Snapshot) {
	if s.released {
		return
	}
	s.released = true
	n, ok := l.holders.Load(s.seq)
	if !ok {
		return
	}
	if n <= 1 {
		l.holders.Delete(s.seq)
	} else {
		l.holders.Store(s.seq, n-1)
	}
}

func (l *snapshotList) empty() bool {
	return l.holders.Len() == 0
}

// oldest returns the smallest live snapshot sequence, or def if none.
func (l *snapshotList) oldest(def uint64) uint64 {
	seq := def
	l.holders.Range(func(k uint64, _ int) bool {
		seq = k
		return false
	})
	return seq
}

// count is the number of live snapshots.
func (l *snapshotList) count() int {
	total := 0
	l.holders.Range(func(_ uint64, n int) bool {
		total += n
		return true
	})
	return total
}
