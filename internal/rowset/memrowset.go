package rowset

import (
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
)

// RedoNode is one node of a row's in-memory redo chain (spec.md §4.3,
// §9): mutations applied to a row after its initial insert while the row
// remains in the MemRowSet. Nodes are appended in timestamp order; the
// arena-ownership note in spec.md §9 ("undo history must survive a
// tombstone") does not apply at the MRS layer since the whole chain is
// discarded together when the MRS is flushed — see internal/diskrowset
// for the undo-preserving layer.
type RedoNode struct {
	Kind     base.MutationKind // Update, Delete, or Reinsert
	Changes  []base.ChangeEntry
	Ts       base.Timestamp
	BatchSeq int // tie-break for mutations sharing one commit ts (spec.md §4.3)
	Next     *RedoNode
}

// Entry is a MemRowSet row: (pk, value-cols, insert_ts, redo_head) per
// spec.md §3.
type Entry struct {
	Key      []byte
	Values   []base.ColumnValue
	InsertTs base.Timestamp

	tail *RedoNode // fast O(1) append; RedoNode chain read from head via head field below
	head *RedoNode
}

// RedoHead returns the first node of the redo chain, or nil.
func (e *Entry) RedoHead() *RedoNode { return e.head }

func (e *Entry) appendRedo(n *RedoNode) {
	if e.head == nil {
		e.head = n
		e.tail = n
		return
	}
	e.tail.Next = n
	e.tail = n
}

// Materialize reconstructs the row's value at snapshotTs by replaying the
// initial insert plus every redo node with Ts <= snapshotTs, in order. It
// returns (row, true) if the row is live (not tombstoned) at snapshotTs,
// or (zero, false) if it is absent (not yet inserted, or tombstoned).
func (e *Entry) Materialize(snapshotTs base.Timestamp) (base.Row, bool) {
	if e.InsertTs > snapshotTs {
		return base.Row{}, false
	}
	values := append([]base.ColumnValue(nil), e.Values...)
	tomb := false
	for n := e.head; n != nil && n.Ts <= snapshotTs; n = n.Next {
		switch n.Kind {
		case base.MutationUpdate:
			for _, ch := range n.Changes {
				values[ch.ColumnIndex] = ch.Value
			}
			tomb = false
		case base.MutationDelete:
			tomb = true
		case base.MutationReinsert:
			values = append([]base.ColumnValue(nil), applyFullValues(len(values), n.Changes)...)
			tomb = false
		}
	}
	if tomb {
		return base.Row{}, false
	}
	return base.Row{Key: e.Key, Values: values}, true
}

func applyFullValues(n int, changes []base.ChangeEntry) []base.ColumnValue {
	out := make([]base.ColumnValue, n)
	for _, ch := range changes {
		out[ch.ColumnIndex] = ch.Value
	}
	return out
}

// IsLiveAt is a convenience wrapper reporting only visibility.
func (e *Entry) IsLiveAt(ts base.Timestamp) bool {
	_, ok := e.Materialize(ts)
	return ok
}

// MemRowSet holds freshly inserted rows in sorted-by-key memory until
// flushed (spec.md §4.3, C3).
type MemRowSet struct {
	skl    *skiplist
	frozen atomic.Bool
	seq    atomic.Int64 // approximates in-memory byte usage via row count, for backpressure
}

// New returns an empty MemRowSet.
func New() *MemRowSet {
	return &MemRowSet{skl: newSkiplist()}
}

// Freeze marks the MemRowSet read-only: new writes must be redirected to a
// successor MemRowSet by the caller (the flush engine, spec.md §4.7 op 1).
func (m *MemRowSet) Freeze() { m.frozen.Store(true) }

// Frozen reports whether Freeze has been called.
func (m *MemRowSet) Frozen() bool { return m.frozen.Load() }

// Insert implements spec.md §4.3's Insert: fails with ErrAlreadyPresent if
// a row is currently live for pk. A tombstoned entry may be reinserted,
// which spec.md §3 models as a new generation linked via a REINSERT edge
// in the same chain.
func (m *MemRowSet) Insert(pk []byte, cols []base.ColumnValue, ts base.Timestamp) error {
	if m.Frozen() {
		return errors.New("rowset: memrowset is frozen")
	}
	entry, inserted := m.skl.getOrInsert(pk, &Entry{Key: pk, Values: cols, InsertTs: ts})
	if inserted {
		m.seq.Add(1)
		return nil
	}
	if entry.IsLiveAt(base.MaxTimestamp) {
		return base.ErrAlreadyPresent
	}
	m.skl.mu.Lock()
	entry.appendRedo(&RedoNode{Kind: base.MutationReinsert, Changes: fullChangeList(cols), Ts: ts})
	m.skl.mu.Unlock()
	return nil
}

func fullChangeList(cols []base.ColumnValue) []base.ChangeEntry {
	out := make([]base.ChangeEntry, len(cols))
	for i, v := range cols {
		out[i] = base.ChangeEntry{ColumnIndex: i, Value: v}
	}
	return out
}

// Mutate implements spec.md §4.3's Mutate for UPDATE and DELETE: appends
// to the row's redo chain, or returns ErrNotFound if no live row exists.
func (m *MemRowSet) Mutate(pk []byte, kind base.MutationKind, changes []base.ChangeEntry, ts base.Timestamp, batchSeq int) error {
	if kind != base.MutationUpdate && kind != base.MutationDelete {
		return errors.Newf("rowset: Mutate does not accept kind %s", kind)
	}
	entry := m.skl.get(pk)
	if entry == nil || !entry.IsLiveAt(base.MaxTimestamp) {
		return base.ErrNotFound
	}
	m.skl.mu.Lock()
	entry.appendRedo(&RedoNode{Kind: kind, Changes: changes, Ts: ts, BatchSeq: batchSeq})
	m.skl.mu.Unlock()
	return nil
}

// Get returns the Entry for pk, or nil.
func (m *MemRowSet) Get(pk []byte) *Entry { return m.skl.get(pk) }

// Scan walks live rows in [start, end) whose insert_ts <= snapshotTs and
// whose redo chain, applied up to snapshotTs, does not end in a tombstone
// (spec.md §4.3).
func (m *MemRowSet) Scan(start, end []byte, snapshotTs base.Timestamp, emit func(base.Row) bool) {
	m.skl.forEach(start, end, func(_ []byte, e *Entry) bool {
		if row, ok := e.Materialize(snapshotTs); ok {
			return emit(row)
		}
		return true
	})
}

// ForEach exposes raw entries (including their redo chains) in [start,
// end) key order, for the flush engine to build a DiskRowSet's base
// block and invert pre-flush history into an undo file (spec.md §4.5,
// §4.7 op 1).
func (m *MemRowSet) ForEach(start, end []byte, fn func(*Entry) bool) {
	m.skl.forEach(start, end, func(_ []byte, e *Entry) bool { return fn(e) })
}

// Count returns the number of distinct keys ever inserted into this
// MemRowSet (including currently-tombstoned ones); used as a cheap proxy
// for size-based flush triggering.
func (m *MemRowSet) Count() int64 { return m.seq.Load() }
