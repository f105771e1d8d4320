package diskrowset

import (
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/colblock"
	"github.com/kudu-go/tablet/internal/deltamem"
	"github.com/kudu-go/tablet/internal/rowset"
)

// FlushMemRowSet builds a new DiskRowSet from a frozen MemRowSet, per
// spec.md §4.7 op 1: "sort-dump its rows to a new DRS". For each row, the
// base stores its state at baseTs; any earlier mutations recorded in the
// row's in-memory redo chain (updates/deletes that happened before the
// flush) are inverted into the DRS's undo file, in descending-ts order,
// per row, so that a read at any T < baseTs can still be reconstructed
// (spec.md §4.5). A row already tombstoned as of baseTs still occupies an
// ordinal — spec.md §4.7 op 5 reserves row elision for merging
// compaction, gated on clean time, so flush must not drop it here.
func FlushMemRowSet(id uint64, schema *base.Schema, mrs *rowset.MemRowSet, baseTs base.Timestamp, bitsPerKey uint32) *DiskRowSet {
	var rows []base.Row
	var undo []*deltamem.DeltaEntry
	var tombOrdinals []uint32

	var ordinal uint32
	mrs.ForEach(nil, nil, func(e *rowset.Entry) bool {
		if e.InsertTs > baseTs {
			return true // not yet visible at the flush timestamp
		}
		values := append([]base.ColumnValue(nil), e.Values...)
		tomb := false

		type undoStep struct {
			ts      base.Timestamp
			kind    base.MutationKind
			changes []base.ChangeEntry
		}
		var steps []undoStep

		for n := e.RedoHead(); n != nil && n.Ts <= baseTs; n = n.Next {
			prior := invertChanges(values, n.Changes)
			switch n.Kind {
			case base.MutationUpdate:
				steps = append(steps, undoStep{ts: n.Ts, kind: base.MutationUpdate, changes: prior})
				for _, ch := range n.Changes {
					values[ch.ColumnIndex] = ch.Value
				}
				tomb = false
			case base.MutationDelete:
				steps = append(steps, undoStep{ts: n.Ts, kind: base.MutationReinsert, changes: fullChangeList(values)})
				tomb = true
			case base.MutationReinsert:
				steps = append(steps, undoStep{ts: n.Ts, kind: base.MutationDelete})
				for _, ch := range n.Changes {
					values[ch.ColumnIndex] = ch.Value
				}
				tomb = false
			}
		}

		row := base.Row{Key: e.Key, Values: values}
		myOrdinal := ordinal
		ordinal++
		rows = append(rows, row)
		if tomb {
			tombOrdinals = append(tombOrdinals, myOrdinal)
		}

		// steps were computed oldest-mutation-first but describe the
		// state *before* each mutation; the undo file wants strictly
		// descending ts per spec.md §4.5 invariant 3, so reverse them.
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			undo = append(undo, &deltamem.DeltaEntry{Ordinal: myOrdinal, Ts: s.ts, Kind: s.kind, Changes: s.changes})
		}
		return true
	})

	blk := colblock.EncodeBlock(schema, rows)
	index := NewPKIndex(32)
	for i, r := range rows {
		index.Insert(r.Key, uint32(i))
	}
	bloom := NewBloomFilter(len(rows), bitsPerKey)
	for _, r := range rows {
		bloom.Add(r.Key)
	}
	var tombstone colblock.Bitmap
	if len(tombOrdinals) > 0 {
		tombstone = colblock.NewBitmap(len(rows))
		for _, o := range tombOrdinals {
			tombstone.Set(int(o), true)
		}
	}

	return New(id, schema, baseTs, blk, index, bloom, tombstone, undo)
}

func invertChanges(current []base.ColumnValue, changes []base.ChangeEntry) []base.ChangeEntry {
	prior := make([]base.ChangeEntry, len(changes))
	for i, ch := range changes {
		prior[i] = base.ChangeEntry{ColumnIndex: ch.ColumnIndex, Value: current[ch.ColumnIndex]}
	}
	return prior
}

func fullChangeList(values []base.ColumnValue) []base.ChangeEntry {
	out := make([]base.ChangeEntry, len(values))
	for i, v := range values {
		out[i] = base.ChangeEntry{ColumnIndex: i, Value: v}
	}
	return out
}
