// Package metrics defines the tablet's Prometheus collectors. Ambient
// observability, carried the way the teacher always ships it even though
// spec.md's Non-goals scope out a management API: it never asks for
// metrics to be dropped, only for the surfaces built on top of them.
package metrics

import (
	"github.com/kudu-go/tablet/internal/base"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector the tablet exposes. A zero Metrics is
// not usable; construct with New.
type Metrics struct {
	MRSBytes         prometheus.Gauge
	DMSBytes         *prometheus.GaugeVec
	WALFsyncSeconds  prometheus.Histogram
	FlushesTotal     prometheus.Counter
	CompactionsTotal *prometheus.CounterVec
	DRSCount         prometheus.Gauge
}

// New builds and registers the tablet's collectors against reg. Passing
// a fresh *prometheus.Registry per tablet avoids collisions when a
// process hosts more than one tablet.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		MRSBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tablet_mrs_bytes",
			Help: "Estimated in-memory size of the active MemRowSet.",
		}),
		DMSBytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tablet_dms_bytes",
			Help: "Estimated in-memory size of each DiskRowSet's DeltaMemStore.",
		}, []string{"drs"}),
		WALFsyncSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tablet_wal_fsync_seconds",
			Help:    "Latency of WAL segment fsync calls.",
			Buckets: prometheus.DefBuckets,
		}),
		FlushesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tablet_flushes_total",
			Help: "Number of completed MemRowSet and DeltaMemStore flushes.",
		}),
		CompactionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tablet_compactions_total",
			Help: "Number of completed compactions, by kind.",
		}, []string{"kind"}),
		DRSCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tablet_drs_count",
			Help: "Number of DiskRowSets currently in the row-set registry.",
		}),
	}
	reg.MustRegister(m.MRSBytes, m.DMSBytes, m.WALFsyncSeconds, m.FlushesTotal, m.CompactionsTotal, m.DRSCount)
	return m
}

// EstimateRowBytes gives a rough per-row byte estimate for schema: the
// sum of each column's fixed width, or a guessed 16 bytes for each
// variable-length column. Good enough to drive flush backpressure
// decisions; not meant to be exact.
func EstimateRowBytes(schema *base.Schema) int64 {
	var n int64
	for _, col := range schema.Columns {
		if w := col.Type.Width(); w > 0 {
			n += int64(w)
		} else {
			n += 16
		}
	}
	return n
}
