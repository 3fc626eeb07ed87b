package ldb

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

// findMetric returns the gathered series of name carrying the session label.
func findMetric(t *testing.T, reg *prometheus.Registry, name, session string) *dto.Metric {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "session" && lp.GetValue() == session {
					return m
				}
			}
		}
	}
	return nil
}

func TestMetricsCountFlushes(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions(t)
	opts.MetricsRegisterer = reg
	opts.Sync = true
	db := openTestDB(t, opts)

	session, ok := db.GetProperty("leveldb.session-id")
	require.True(t, ok)

	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Flush())

	m := findMetric(t, reg, "ldb_flushes_total", session)
	require.NotNil(t, m)
	require.Equal(t, 1.0, m.GetCounter().GetValue())

	m = findMetric(t, reg, "ldb_flush_bytes_total", session)
	require.NotNil(t, m)
	require.Positive(t, m.GetCounter().GetValue())

	m = findMetric(t, reg, "ldb_wal_syncs_total", session)
	require.NotNil(t, m)
	require.Equal(t, 1.0, m.GetCounter().GetValue())
}

func TestMetricsUnregisteredOnClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	opts := testOptions(t)
	opts.MetricsRegisterer = reg

	db, err := Open(opts)
	require.NoError(t, err)
	session, _ := db.GetProperty("leveldb.session-id")
	require.NoError(t, db.Put([]byte("a"), []byte("1")))
	require.NoError(t, db.Flush())
	require.NotNil(t, findMetric(t, reg, "ldb_flushes_total", session))
	require.NoError(t, db.Close())

	require.Nil(t, findMetric(t, reg, "ldb_flushes_total", session))

	// A second open of the same directory registers cleanly.
	db, err = Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Close())
}
