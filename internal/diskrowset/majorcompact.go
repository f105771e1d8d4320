package diskrowset

import (
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/colblock"
	"github.com/kudu-go/tablet/internal/deltamem"
)

// MajorCompact folds every redo entry and every DMS entry with
// ts <= newBaseTs into the base columns, producing a new base and a new
// BaseTs, and inverts the applied entries into new undo entries
// prepended to the existing undo history (spec.md §4.7 op 4: "Apply redo
// deltas into the base columns of one DRS, producing a new base and
// moving the applied deltas into the undo file (inverted). Reduces
// read-path work."). A DMS entry's commit timestamp can legitimately be
// <= newBaseTs (the tablet's safe time routinely outruns a specific
// DRS's own unflushed deltas), so BaseRow — the same row+redo+DMS fold
// merging compaction uses — is used here too rather than folding
// RedoFiles alone: skipping the DMS half would silently lose a
// mutation once BaseTs is advanced past it, since Get's undo branch
// never consults DMS. Entries with ts > newBaseTs, whether originally
// redo or DMS, remain as a single redo file on the result and the DMS
// is replaced with an empty one. newBaseTs must not exceed the current
// safe time — the caller (internal/compaction.Engine) is responsible
// for that check.
func (d *DiskRowSet) MajorCompact(newBaseTs base.Timestamp) *DiskRowSet {
	n := d.Base.NumRows()
	newRows := make([]base.Row, n)
	var newTombOrdinals []uint32
	var newUndo []*deltamem.DeltaEntry
	var remainingRedo []*deltamem.DeltaEntry

	for ord := 0; ord < n; ord++ {
		ordinal := uint32(ord)
		row, tomb, entries := d.BaseRow(ordinal)
		newRow, newTomb, steps, remaining := foldRowTo(row, tomb, entries, newBaseTs)
		newRows[ord] = newRow
		remainingRedo = append(remainingRedo, remaining...)
		if newTomb {
			newTombOrdinals = append(newTombOrdinals, ordinal)
		}
		for i := len(steps) - 1; i >= 0; i-- {
			s := steps[i]
			newUndo = append(newUndo, &deltamem.DeltaEntry{Ordinal: ordinal, Ts: s.ts, Kind: s.kind, Changes: s.changes})
		}
	}

	// Newly-inverted undo entries are more recent than the DRS's existing
	// undo history, so they must be consulted first during descending
	// backward replay: prepend, preserving per-ordinal relative order.
	undo := append(newUndo, d.Undo...)

	blk := colblock.EncodeBlock(d.Schema, newRows)
	index := NewPKIndex(32)
	for i, r := range newRows {
		index.Insert(r.Key, uint32(i))
	}
	bloom := NewBloomFilter(len(newRows), 10)
	for _, r := range newRows {
		bloom.Add(r.Key)
	}
	var tombstone colblock.Bitmap
	if len(newTombOrdinals) > 0 {
		tombstone = colblock.NewBitmap(len(newRows))
		for _, o := range newTombOrdinals {
			tombstone.Set(int(o), true)
		}
	}
	var redoFiles [][]*deltamem.DeltaEntry
	if len(remainingRedo) > 0 {
		redoFiles = [][]*deltamem.DeltaEntry{remainingRedo}
	}

	return &DiskRowSet{
		ID: d.ID, Schema: d.Schema, BaseTs: newBaseTs,
		Base: blk, Index: index, Bloom: bloom, BaseTombstone: tombstone,
		Undo: undo, RedoFiles: redoFiles, DMS: deltamem.New(),
	}
}
