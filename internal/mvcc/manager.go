// Package mvcc implements the MVCC Manager (C6, spec.md §4.6): the
// authority for assigning commit timestamps, tracking which are still
// in-flight, and computing the safe and clean-time watermarks that gate
// snapshot reads and garbage collection.
package mvcc

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/clock"
)

// Snapshot is a read token returned by TakeSnapshot: reads against it see
// every mutation committed at or before Ts and none committed after
// (spec.md §4.6).
type Snapshot struct {
	Ts base.Timestamp
}

// Manager implements spec.md §4.6's contract. Grounded on the teacher's
// commitPipeline in commit.go: a monotonic timestamp source
// (internal/clock here, logSeqNum there) plus an atomically-advanced
// watermark (visibleSeqNum there, safeTime here) that only moves forward
// once every timestamp below it has been committed.
type Manager struct {
	clock    clock.Clock
	inflight *inflightSet
	// openSnaps tracks every Snapshot.Ts a caller currently holds open
	// (registered by RegisterSnapshot, released by ReleaseSnapshot), the
	// same sorted-slice-under-a-mutex shape inflight uses for in-flight
	// mutations — clean time must never advance past a snapshot someone
	// is still reading against.
	openSnaps *inflightSet

	safeTime  atomic.Uint64
	cleanTime atomic.Uint64
}

// NewManager returns a Manager driven by clk for timestamp assignment.
func NewManager(clk clock.Clock) *Manager {
	return &Manager{clock: clk, inflight: newInflightSet(), openSnaps: newInflightSet()}
}

// StartMutation reserves a new commit timestamp and marks it in-flight
// (spec.md §4.6).
func (m *Manager) StartMutation() base.Timestamp {
	ts := m.clock.Now()
	m.inflight.add(ts)
	return ts
}

// Commit removes ts from the in-flight set and advances safe time to one
// below the smallest remaining in-flight timestamp (or to the clock's
// current time if none remain), per spec.md §4.6: "safe time: max ts with no in-flight ts
// less than or equal to it".
func (m *Manager) Commit(ts base.Timestamp) {
	m.inflight.remove(ts)
	if min, ok := m.inflight.min(); ok {
		if min > 0 {
			advanceMax(&m.safeTime, uint64(min-1))
		}
	} else {
		advanceMax(&m.safeTime, uint64(m.clock.Now()))
	}
}

func advanceMax(v *atomic.Uint64, new uint64) {
	for {
		cur := v.Load()
		if new <= cur {
			return
		}
		if v.CompareAndSwap(cur, new) {
			return
		}
	}
}

// SafeTime returns the current safe-time watermark.
func (m *Manager) SafeTime() base.Timestamp { return base.Timestamp(m.safeTime.Load()) }

// CleanTime returns the current clean-time watermark: the max ts below
// which no snapshot reader may still exist (spec.md §4.6).
func (m *Manager) CleanTime() base.Timestamp { return base.Timestamp(m.cleanTime.Load()) }

// AdvanceCleanTime raises the clean-time watermark, called by the
// maintenance layer once it can prove no outstanding snapshot reader
// needs history below ts (spec.md §4.7 op 5's "below clean time" test).
func (m *Manager) AdvanceCleanTime(ts base.Timestamp) {
	advanceMax(&m.cleanTime, uint64(ts))
}

// RegisterSnapshot records that ts now has an open reader (spec.md §4.6's
// snapshot reads), so CleanTimeCandidate never proposes advancing past it.
// NewScanner calls this the moment TakeSnapshot hands back a Snapshot;
// Scanner.Open releases it once the scan has finished consulting row-set
// state.
func (m *Manager) RegisterSnapshot(ts base.Timestamp) {
	m.openSnaps.add(ts)
}

// ReleaseSnapshot reverses RegisterSnapshot once a reader is done with ts.
func (m *Manager) ReleaseSnapshot(ts base.Timestamp) {
	m.openSnaps.remove(ts)
}

// CleanTimeCandidate reports the highest timestamp that may safely become
// the new clean time right now: the current safe time, unless some
// registered open snapshot still needs history at or below it, in which
// case the watermark stops one short of the oldest such snapshot (spec.md
// §4.7 op 5's elision rule must never drop history a live reader still
// needs). Callers pass the result to AdvanceCleanTime; the maintenance
// engine does this before every merging compaction (internal/compaction's
// Engine.Compact).
func (m *Manager) CleanTimeCandidate() base.Timestamp {
	safe := m.SafeTime()
	if oldest, ok := m.openSnaps.min(); ok && oldest > 0 && oldest-1 < safe {
		return oldest - 1
	}
	return safe
}

// TakeSnapshot returns a read token valid against any row set, guaranteeing
// every ts <= the returned Snapshot.Ts was either committed before this
// call or is excluded (spec.md §4.6). Passing base.MaxTimestamp asks for
// "latest": the manager substitutes the current safe time so the reader
// never observes a commit racing with an in-flight mutation.
func (m *Manager) TakeSnapshot(ts base.Timestamp) (Snapshot, error) {
	if ts == base.MaxTimestamp {
		return Snapshot{Ts: m.SafeTime()}, nil
	}
	if ts > m.SafeTime() {
		return Snapshot{}, errors.Wrapf(base.ErrInvalidArgument,
			"mvcc: snapshot ts %d exceeds safe time %d; call WaitForSafe first", ts, m.SafeTime())
	}
	return Snapshot{Ts: ts}, nil
}

// WaitForSafe blocks until no in-flight timestamp <= ts remains, so a
// subsequent TakeSnapshot(ts) is guaranteed to succeed (spec.md §4.6).
func (m *Manager) WaitForSafe(ts base.Timestamp) {
	m.inflight.waitNoneBelowOrEqual(ts)
}
