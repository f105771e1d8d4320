package compaction

import (
	"sort"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/clock"
	"github.com/kudu-go/tablet/internal/deltamem"
	"github.com/kudu-go/tablet/internal/diskrowset"
	"github.com/kudu-go/tablet/internal/mvcc"
	"github.com/kudu-go/tablet/internal/rowset"
	"github.com/kudu-go/tablet/internal/walog"
)

// CompactionKind distinguishes minor and major delta compaction (spec.md
// §4.7 ops 3 and 4).
type CompactionKind int

const (
	MinorDeltaCompaction CompactionKind = iota
	MajorDeltaCompaction
)

// ErrNothingToDo is returned by a maintenance operation that found no
// eligible work (an empty MemRowSet, no DRS with a nonempty DMS, ...).
var ErrNothingToDo = errors.New("compaction: nothing to do")

// Engine implements the five maintenance operations of spec.md §4.7
// against a Registry, appending a WAL control record before each
// registry swap so a crash between the two can be detected on replay.
type Engine struct {
	registry   *Registry
	schema     *base.Schema
	wal        *walog.WAL
	mvccMgr    *mvcc.Manager
	clk        clock.Clock
	logger     base.Logger
	bitsPerKey uint32
	nextDRSID  atomic.Uint64
	// flushedTs is the baseTs of the last MemRowSet flush that actually
	// moved rows into a DiskRowSet: the only moment a row stops being
	// reachable solely through the WAL. It must not be confused with the
	// MVCC safe-time watermark, which advances on every commit regardless
	// of whether that commit's row ever reached a DiskRowSet.
	flushedTs atomic.Uint64
}

// NewEngine builds an Engine. firstDRSID seeds the DiskRowSet ID
// allocator (IDs are assigned sequentially from there); initialFlushedTs
// seeds FlushedTs from a tablet's persisted metadata so a reopened tablet
// doesn't forget how much of the MemRowSet was already durable.
func NewEngine(registry *Registry, schema *base.Schema, wal *walog.WAL, mvccMgr *mvcc.Manager, clk clock.Clock, logger base.Logger, bitsPerKey uint32, firstDRSID uint64, initialFlushedTs base.Timestamp) *Engine {
	e := &Engine{registry: registry, schema: schema, wal: wal, mvccMgr: mvccMgr, clk: clk, logger: logger, bitsPerKey: bitsPerKey}
	e.nextDRSID.Store(firstDRSID)
	e.flushedTs.Store(uint64(initialFlushedTs))
	return e
}

func (e *Engine) allocDRSID() uint64 { return e.nextDRSID.Add(1) - 1 }

// NextDRSID reports the next DiskRowSet ID this Engine will allocate, so
// the tablet facade can persist it as part of a maintenance operation's
// durable metadata.
func (e *Engine) NextDRSID() uint64 { return e.nextDRSID.Load() }

// FlushedTs reports the baseTs of the most recent successful FlushMRS:
// every mutation at or before this ts whose row was live in the MemRowSet
// at flush time is now captured in a DiskRowSet, so WAL replay may skip
// it. A DiskRowSet-internal operation (FlushBiggestDMS, CompactDeltas,
// Compact) never advances this — it changes which DiskRowSets hold which
// deltas, but says nothing about what the MemRowSet still holds only in
// memory, so the tablet facade must persist this value, not SafeTime, as
// DurableTs (see tablet.go's persist).
func (e *Engine) FlushedTs() base.Timestamp { return base.Timestamp(e.flushedTs.Load()) }

// FlushMRS is op 1 of spec.md §4.7: freeze the active MemRowSet, sort-dump
// it into a new DiskRowSet, and swap a fresh empty MemRowSet into the
// registry alongside it.
func (e *Engine) FlushMRS() error {
	v := e.registry.Load()
	if v.MRS.Count() == 0 {
		return ErrNothingToDo
	}
	v.MRS.Freeze()
	baseTs := e.clk.Now()
	id := e.allocDRSID()
	drs := diskrowset.FlushMemRowSet(id, e.schema, v.MRS, baseTs, e.bitsPerKey)

	if err := e.wal.AppendControl(walog.Control{Kind: walog.ControlFlushMarker, Ts: baseTs, Introduces: []uint64{id}}); err != nil {
		return errors.Wrap(err, "compaction: append flush control record")
	}
	e.registry.update(func(cur *Version) *Version {
		return &Version{MRS: rowset.New(), DRSs: append(append([]*diskrowset.DiskRowSet(nil), cur.DRSs...), drs)}
	})
	e.flushedTs.Store(uint64(baseTs))
	e.logger.Infof("flushed MemRowSet into DiskRowSet %d (%d rows)", id, drs.NumRows())
	return nil
}

// FlushBiggestDMS is op 2 of spec.md §4.7: pick the DiskRowSet whose
// DeltaMemStore holds the most entries and move them into a new redo
// file, replacing its DMS with an empty one.
func (e *Engine) FlushBiggestDMS() error {
	v := e.registry.Load()
	target, entries := pickBiggestDMS(v.DRSs)
	if target == nil {
		return ErrNothingToDo
	}

	ts := e.clk.Now()
	if err := e.wal.AppendControl(walog.Control{Kind: walog.ControlFlushMarker, Ts: ts, Supersedes: []uint64{target.ID}, Introduces: []uint64{target.ID}}); err != nil {
		return errors.Wrap(err, "compaction: append DMS flush control record")
	}
	next := target.WithNewRedoFile(entries)
	e.replaceDRS(target.ID, next)
	e.logger.Infof("flushed DeltaMemStore of DiskRowSet %d (%d deltas)", target.ID, len(entries))
	return nil
}

func pickBiggestDMS(drss []*diskrowset.DiskRowSet) (*diskrowset.DiskRowSet, []*deltamem.DeltaEntry) {
	var best *diskrowset.DiskRowSet
	var bestCount int64
	for _, d := range drss {
		if c := d.DMS.Count(); c > bestCount {
			best, bestCount = d, c
		}
	}
	if best == nil {
		return nil, nil
	}
	var entries []*deltamem.DeltaEntry
	best.DMS.ForEach(func(e *deltamem.DeltaEntry) bool {
		entries = append(entries, e)
		return true
	})
	return best, entries
}

// CompactDeltas is ops 3 and 4 of spec.md §4.7: minor delta compaction
// merges a DiskRowSet's redo files into one; major delta compaction
// folds redo entries up to the current safe time into the base.
func (e *Engine) CompactDeltas(kind CompactionKind, drsID uint64) error {
	v := e.registry.Load()
	target, idx := v.drsByID(drsID)
	if idx < 0 {
		return errors.Newf("compaction: no such DiskRowSet %d", drsID)
	}

	var next *diskrowset.DiskRowSet
	var ckind walog.ControlKind = walog.ControlCompactionMarker
	ts := e.mvccMgr.SafeTime()
	switch kind {
	case MinorDeltaCompaction:
		if len(target.RedoFiles) < 2 {
			return ErrNothingToDo
		}
		next = target.WithMergedRedoFiles()
	case MajorDeltaCompaction:
		if len(target.RedoFiles) == 0 {
			return ErrNothingToDo
		}
		next = target.MajorCompact(ts)
	default:
		return errors.Newf("compaction: unknown delta compaction kind %d", kind)
	}

	if err := e.wal.AppendControl(walog.Control{Kind: ckind, Ts: ts, Supersedes: []uint64{drsID}, Introduces: []uint64{drsID}}); err != nil {
		return errors.Wrap(err, "compaction: append delta compaction control record")
	}
	e.replaceDRS(drsID, next)
	e.logger.Infof("delta-compacted DiskRowSet %d", drsID)
	return nil
}

// Compact is op 5 of spec.md §4.7, merging (row-set) compaction: merge a
// set of DiskRowSets into one, eliding tombstoned rows where clean time
// allows it. With force set, every DiskRowSet in the registry is merged
// into a single output; otherwise only DiskRowSets no larger than the
// median size are selected, matching Kudu's preference for merging small
// row sets before they accumulate delta overhead.
func (e *Engine) Compact(force bool) error {
	v := e.registry.Load()
	if len(v.DRSs) < 2 {
		return ErrNothingToDo
	}
	targets := v.DRSs
	if !force {
		targets = selectSmallDRSs(v.DRSs)
	}
	if len(targets) < 2 {
		return ErrNothingToDo
	}

	newBaseTs := e.mvccMgr.SafeTime()
	// Advance clean time as far as any currently-registered open snapshot
	// allows before computing it: without this, clean time sits at its
	// zero initial value forever, since nothing else ever calls
	// AdvanceCleanTime, and merge.go's tombstone-elision gate
	// (cleanTime >= newBaseTs) can then only fire for an empty tablet.
	e.mvccMgr.AdvanceCleanTime(e.mvccMgr.CleanTimeCandidate())
	cleanTime := e.mvccMgr.CleanTime()
	id := e.allocDRSID()
	merged := mergeDiskRowSets(id, e.schema, targets, newBaseTs, cleanTime, e.bitsPerKey)

	superseded := make([]uint64, len(targets))
	for i, d := range targets {
		superseded[i] = d.ID
	}
	if err := e.wal.AppendControl(walog.Control{Kind: walog.ControlCompactionMarker, Ts: newBaseTs, Supersedes: superseded, Introduces: []uint64{id}}); err != nil {
		return errors.Wrap(err, "compaction: append merge control record")
	}

	e.registry.update(func(cur *Version) *Version {
		remove := make(map[uint64]bool, len(superseded))
		for _, id := range superseded {
			remove[id] = true
		}
		out := make([]*diskrowset.DiskRowSet, 0, len(cur.DRSs)-len(targets)+1)
		for _, d := range cur.DRSs {
			if !remove[d.ID] {
				out = append(out, d)
			}
		}
		out = append(out, merged)
		return &Version{MRS: cur.MRS, DRSs: out}
	})
	e.logger.Infof("merged %d DiskRowSets into DiskRowSet %d (%d rows)", len(targets), id, merged.NumRows())
	return nil
}

func selectSmallDRSs(drss []*diskrowset.DiskRowSet) []*diskrowset.DiskRowSet {
	sizes := make([]int, len(drss))
	for i, d := range drss {
		sizes[i] = d.NumRows()
	}
	sorted := append([]int(nil), sizes...)
	sort.Ints(sorted)
	median := sorted[len(sorted)/2]
	var out []*diskrowset.DiskRowSet
	for _, d := range drss {
		if d.NumRows() <= median {
			out = append(out, d)
		}
	}
	return out
}

func (e *Engine) replaceDRS(id uint64, next *diskrowset.DiskRowSet) {
	e.registry.update(func(cur *Version) *Version {
		out := make([]*diskrowset.DiskRowSet, len(cur.DRSs))
		for i, d := range cur.DRSs {
			if d.ID == id {
				out[i] = next
			} else {
				out[i] = d
			}
		}
		return &Version{MRS: cur.MRS, DRSs: out}
	})
}
