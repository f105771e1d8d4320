// Package deltamem implements the DeltaMemStore (C4, spec.md §4.4): the
// per-DiskRowSet in-memory buffer of updates, deletes, and reinserts
// applied against already-flushed base rows, referenced by row ordinal
// rather than by key for O(1) column access at read time.
package deltamem

import (
	"encoding/binary"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
)

// DeltaEntry is one delta record: an UPDATE (sparse changelist), a DELETE
// (tombstone), or a REINSERT (full column list, undoing an earlier
// tombstone within the same DRS — spec.md §4.5's undo/redo model).
type DeltaEntry struct {
	Ordinal  uint32
	Ts       base.Timestamp
	BatchSeq int
	Kind     base.MutationKind
	Changes  []base.ChangeEntry
}

// encodeKey produces the (ordinal, ts, batch_seq) composite sort key used
// by the underlying skip list (spec.md §4.4: "ordered by (row_ordinal,
// ts)"; batch_seq breaks ties per spec.md §9's "equal (ordinal, ts)
// resolved by batch sub-order recorded in C3").
func encodeKey(ordinal uint32, ts base.Timestamp, batchSeq int) []byte {
	key := make([]byte, 4+8+4)
	binary.BigEndian.PutUint32(key[0:4], ordinal)
	binary.BigEndian.PutUint64(key[4:12], uint64(ts))
	binary.BigEndian.PutUint32(key[12:16], uint32(batchSeq))
	return key
}

func ordinalLowerBound(ordinal uint32) []byte {
	return encodeKey(ordinal, 0, 0)
}

func ordinalUpperBound(ordinal uint32) []byte {
	return encodeKey(ordinal+1, 0, 0)
}

// DeltaMemStore holds one DiskRowSet's in-memory deltas (spec.md §4.4).
// Concurrent readers, single writer, exactly the MemRowSet contract.
type DeltaMemStore struct {
	skl     *skiplist
	frozen  atomic.Bool
	entries atomic.Int64
	seq     atomic.Int64 // monotonic batch-sub-order counter for same-timestamp deltas
}

// New returns an empty DeltaMemStore.
func New() *DeltaMemStore {
	return &DeltaMemStore{}
}

func (d *DeltaMemStore) init() *skiplist {
	if d.skl == nil {
		d.skl = newSkiplist()
	}
	return d.skl
}

// Freeze marks the store read-only ahead of being flushed to a redo delta
// file (spec.md §4.7 op 2).
func (d *DeltaMemStore) Freeze() { d.frozen.Store(true) }

// Frozen reports whether Freeze has been called.
func (d *DeltaMemStore) Frozen() bool { return d.frozen.Load() }

func (d *DeltaMemStore) apply(ordinal uint32, kind base.MutationKind, changes []base.ChangeEntry, ts base.Timestamp) error {
	if d.Frozen() {
		return errors.New("deltamem: store is frozen")
	}
	batchSeq := int(d.seq.Add(1))
	entry := &DeltaEntry{Ordinal: ordinal, Ts: ts, BatchSeq: batchSeq, Kind: kind, Changes: changes}
	d.init().insert(encodeKey(ordinal, ts, batchSeq), entry)
	d.entries.Add(1)
	return nil
}

// ApplyUpdate records a sparse column update against a base row (spec.md
// §4.4).
func (d *DeltaMemStore) ApplyUpdate(ordinal uint32, changes []base.ChangeEntry, ts base.Timestamp) error {
	return d.apply(ordinal, base.MutationUpdate, changes, ts)
}

// ApplyDelete records a tombstone against a base row (spec.md §4.4).
func (d *DeltaMemStore) ApplyDelete(ordinal uint32, ts base.Timestamp) error {
	return d.apply(ordinal, base.MutationDelete, nil, ts)
}

// ApplyReinsert records a full-row reinsert after a tombstone within the
// same DiskRowSet (spec.md §4.5's undo/redo semantics extended to the
// in-memory layer).
func (d *DeltaMemStore) ApplyReinsert(ordinal uint32, cols []base.ColumnValue, ts base.Timestamp) error {
	changes := make([]base.ChangeEntry, len(cols))
	for i, v := range cols {
		changes[i] = base.ChangeEntry{ColumnIndex: i, Value: v}
	}
	return d.apply(ordinal, base.MutationReinsert, changes, ts)
}

// ForOrdinal calls fn with every delta recorded against ordinal, in
// ascending ts (then batch_seq) order — the exact order the point-read
// algorithm in spec.md §4.5 step 3 requires ("apply all redo entries for
// that ordinal with ts <= T in ascending order").
func (d *DeltaMemStore) ForOrdinal(ordinal uint32, fn func(*DeltaEntry) bool) {
	if d.skl == nil {
		return
	}
	d.skl.forEachInRange(ordinalLowerBound(ordinal), ordinalUpperBound(ordinal), fn)
}

// ForEach calls fn with every delta in the store, in (ordinal, ts)
// order — used by the flush engine to serialize the store into a redo
// delta file (spec.md §4.7 op 2: "serialize its entries in (ordinal, ts)
// order").
func (d *DeltaMemStore) ForEach(fn func(*DeltaEntry) bool) {
	if d.skl == nil {
		return
	}
	d.skl.forEach(fn)
}

// Count returns the number of delta entries applied, used by the
// compaction engine to pick "the DRS with the largest DMS" (spec.md
// §4.7 op 2).
func (d *DeltaMemStore) Count() int64 { return d.entries.Load() }

// ApplyAt reconstructs the delta-adjusted state of a base row at ordinal
// as of timestamp ts, given the row's base column values. It returns
// (nil, false) if the row is tombstoned as of ts.
func ApplyAt(base_ base.Row, d *DeltaMemStore, ordinal uint32, ts base.Timestamp) (base.Row, bool) {
	values := append([]base.ColumnValue(nil), base_.Values...)
	tomb := false
	if d != nil {
		d.ForOrdinal(ordinal, func(e *DeltaEntry) bool {
			if e.Ts > ts {
				return false
			}
			switch e.Kind {
			case base.MutationUpdate:
				for _, ch := range e.Changes {
					values[ch.ColumnIndex] = ch.Value
				}
				tomb = false
			case base.MutationDelete:
				tomb = true
			case base.MutationReinsert:
				for _, ch := range e.Changes {
					values[ch.ColumnIndex] = ch.Value
				}
				tomb = false
			}
			return true
		})
	}
	if tomb {
		return base.Row{}, false
	}
	return base.Row{Key: base_.Key, Values: values}, true
}
