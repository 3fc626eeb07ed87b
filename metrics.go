package ldb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the prometheus collectors of one open database. Every
// series carries a "session" label so several databases, or several
// opens of the same one, can share a registerer.
type Metrics struct {
	Flushes                prometheus.Counter
	FlushBytes             prometheus.Counter
	Compactions            *prometheus.CounterVec
	CompactionBytesRead    prometheus.Counter
	CompactionBytesWritten prometheus.Counter
	CompactionDuration     prometheus.Histogram
	WriteStalls            *prometheus.CounterVec
	WALSyncs               prometheus.Counter
	BackgroundErrors       prometheus.Counter

	registerer prometheus.Registerer
	collectors []prometheus.Collector
}

// NewMetrics registers the engine collectors with reg. A private
// registry is used when reg is nil.
func NewMetrics(reg prometheus.Registerer, session string) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	reg = prometheus.WrapRegistererWith(prometheus.Labels{"session": session}, reg)
	m := &Metrics{registerer: reg}
	f := promauto.With(reg)

	m.Flushes = f.NewCounter(prometheus.CounterOpts{
		Name: "ldb_flushes_total",
		Help: "Memtables written to level 0 tables",
	})
	m.FlushBytes = f.NewCounter(prometheus.CounterOpts{
		Name: "ldb_flush_bytes_total",
		Help: "Bytes of level 0 tables written by memtable flushes",
	})
	m.Compactions = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ldb_compactions_total",
		Help: "Table compactions by source level and result",
	}, []string{"level", "result"})
	m.CompactionBytesRead = f.NewCounter(prometheus.CounterOpts{
		Name: "ldb_compaction_read_bytes_total",
		Help: "Bytes of input tables read by compactions",
	})
	m.CompactionBytesWritten = f.NewCounter(prometheus.CounterOpts{
		Name: "ldb_compaction_written_bytes_total",
		Help: "Bytes of output tables written by compactions",
	})
	m.CompactionDuration = f.NewHistogram(prometheus.HistogramOpts{
		Name:    "ldb_compaction_duration_seconds",
		Help:    "Wall time of table compactions",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
	})
	m.WriteStalls = f.NewCounterVec(prometheus.CounterOpts{
		Name: "ldb_write_stalls_total",
		Help: "Writes delayed or stopped waiting on background work",
	}, []string{"reason"})
	m.WALSyncs = f.NewCounter(prometheus.CounterOpts{
		Name: "ldb_wal_syncs_total",
		Help: "Synchronous WAL syncs requested by writes",
	})
	m.BackgroundErrors = f.NewCounter(prometheus.CounterOpts{
		Name: "ldb_background_errors_total",
		Help: "Errors hit by flushes and compactions",
	})

	m.collectors = []prometheus.Collector{
		m.Flushes, m.FlushBytes, m.Compactions, m.CompactionBytesRead,
		m.CompactionBytesWritten, m.CompactionDuration, m.WriteStalls,
		m.WALSyncs, m.BackgroundErrors,
	}
	return m
}

// unregister removes the collectors from the registerer they were added to.
func (m *Metrics) unregister() {
	for _, c := range m.collectors {
		m.registerer.Unregister(c)
	}
}
