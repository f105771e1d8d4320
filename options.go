package tablet

import (
	"time"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/compaction"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/kudu-go/tablet/vfs"
)

// ClockMode selects one of the two commit-timestamp assignment policies
// spec.md §4.1 describes.
type ClockMode int

const (
	ClockLogical ClockMode = iota
	ClockHybrid
)

// Options configures a Tablet, following the teacher's zero-value-defaults
// pattern: a zero Options is safe to pass to Open, and EnsureDefaults
// fills in anything left unset.
type Options struct {
	FS     vfs.FS
	Logger base.Logger

	ClockMode     ClockMode
	HybridMaxSkew time.Duration

	// MRSFlushRows is the MemRowSet row count that triggers a background
	// flush (spec.md §4.7 op 1).
	MRSFlushRows int64
	// DMSFlushEntries is the DeltaMemStore entry count that triggers a
	// background flush of that DiskRowSet's deltas (op 2).
	DMSFlushEntries int64
	// RedoFileCompactionCount is the redo file count that triggers a
	// background minor delta compaction (op 3).
	RedoFileCompactionCount int
	// SmallDRSMergeCount is the DiskRowSet count that triggers a
	// background merging compaction pass (op 5).
	SmallDRSMergeCount int
	// SchedulerInterval is how often the background maintenance loop
	// evaluates the thresholds above.
	SchedulerInterval time.Duration

	// WALSegmentSize bounds each WAL segment file (spec.md §4.2).
	WALSegmentSize int64
	// BitsPerKey sizes each DiskRowSet's bloom filter (spec.md §4.5).
	BitsPerKey uint32
	// BlockCacheSize bounds the in-memory cache of DiskRowSet base blocks.
	BlockCacheSize int64
	// RateLimitRate and RateLimitBurst bound the sustained and burst rate
	// of accepted row operations (a Flush costs one token per buffered
	// op), backing ErrServiceBusy backpressure.
	RateLimitRate  float64
	RateLimitBurst float64

	// MetricsRegistry is the Prometheus registry the tablet's collectors
	// register against. A fresh registry is created if nil, since hosting
	// more than one tablet in a process means each needs its own to avoid
	// a duplicate-registration panic.
	MetricsRegistry *prometheus.Registry
}

// EnsureDefaults fills unset fields with sane defaults, mutating and
// returning o.
func (o *Options) EnsureDefaults() *Options {
	if o.FS == nil {
		o.FS = vfs.Default
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger{}
	}
	if o.HybridMaxSkew <= 0 {
		o.HybridMaxSkew = 500 * time.Millisecond
	}
	if o.MRSFlushRows <= 0 {
		o.MRSFlushRows = compaction.DefaultThresholds().MRSRows
	}
	if o.DMSFlushEntries <= 0 {
		o.DMSFlushEntries = compaction.DefaultThresholds().DMSEntries
	}
	if o.RedoFileCompactionCount <= 0 {
		o.RedoFileCompactionCount = compaction.DefaultThresholds().RedoFileCount
	}
	if o.SmallDRSMergeCount <= 0 {
		o.SmallDRSMergeCount = compaction.DefaultThresholds().SmallDRSCount
	}
	if o.SchedulerInterval <= 0 {
		o.SchedulerInterval = 5 * time.Second
	}
	if o.WALSegmentSize <= 0 {
		o.WALSegmentSize = 64 * 1024 * 1024
	}
	if o.BitsPerKey == 0 {
		o.BitsPerKey = 10
	}
	if o.BlockCacheSize <= 0 {
		o.BlockCacheSize = 64 * 1024 * 1024
	}
	if o.RateLimitRate <= 0 {
		o.RateLimitRate = 50_000
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 10_000
	}
	return o
}

func (o *Options) thresholds() compaction.Thresholds {
	return compaction.Thresholds{
		MRSRows:       o.MRSFlushRows,
		DMSEntries:    o.DMSFlushEntries,
		RedoFileCount: o.RedoFileCompactionCount,
		SmallDRSCount: o.SmallDRSMergeCount,
	}
}
