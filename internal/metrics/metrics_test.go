package metrics

import (
	"testing"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.MRSBytes.Set(100)
	m.DMSBytes.WithLabelValues("1").Set(5)
	m.FlushesTotal.Inc()
	m.CompactionsTotal.WithLabelValues("minor").Inc()
	m.DRSCount.Set(3)
	m.WALFsyncSeconds.Observe(0.001)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"tablet_mrs_bytes", "tablet_dms_bytes", "tablet_wal_fsync_seconds",
		"tablet_flushes_total", "tablet_compactions_total", "tablet_drs_count",
	} {
		require.True(t, names[want], want)
	}
}

func TestEstimateRowBytesSumsFixedWidthsAndGuessesVariable(t *testing.T) {
	schema, err := base.NewSchema([]base.ColumnDef{
		{Name: "pk", Type: base.ColumnTypeInt64},
		{Name: "name", Type: base.ColumnTypeBytes, Nullable: true},
	}, 1)
	require.NoError(t, err)
	require.EqualValues(t, 8+16, EstimateRowBytes(schema))
}
