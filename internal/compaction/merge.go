package compaction

import (
	"sort"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/colblock"
	"github.com/kudu-go/tablet/internal/deltamem"
	"github.com/kudu-go/tablet/internal/diskrowset"
)

type contribution struct {
	drs     *diskrowset.DiskRowSet
	ordinal uint32
}

// mergeDiskRowSets implements op 5 of spec.md §4.7, merging (row-set)
// compaction: the N input DRSs are merged in primary-key order into a
// single output DiskRowSet. A PK shared by several inputs is a tombstoned
// generation plus a later reinsert, and only the live generation is
// kept. newBaseTs bounds how much of each input's
// forward history is folded into the merged base (must not exceed the
// engine's current safe time); cleanTime governs whether a key that is
// tombstoned in every contributing input may be physically dropped, per
// the spec's elision rule ("may be elided entirely if no snapshot older
// than its deletion is still required").
//
// A key contributed by more than one input is resolved by picking, among
// the inputs where it folds to a live row at newBaseTs, the one with the
// highest BaseTs (the most recent generation); by construction at most
// one input can be live for a given key at a given instant, since a
// reinsert after a tombstoned generation always lands in a strictly
// newer DiskRowSet. Only that generation's own undo/redo history is
// preserved in the output; the elided generation's pre-tombstone history
// is not stitched onto it, a simplification of the spec's "linked
// through the undo chain" phrasing that is noted in DESIGN.md. The
// winning generation's own undo history (states older than its input
// DRS's own BaseTs) is carried forward too, appended after the newly
// folded steps — the same append(newSteps, d.Undo...) pattern
// MajorCompact uses — so a snapshot read older than the merge's
// newBaseTs still sees the value it saw before the merge ran.
func mergeDiskRowSets(id uint64, schema *base.Schema, drss []*diskrowset.DiskRowSet, newBaseTs, cleanTime base.Timestamp, bitsPerKey uint32) *diskrowset.DiskRowSet {
	type keyedContribution struct {
		key  []byte
		c    contribution
	}
	var all []keyedContribution
	for _, d := range drss {
		n := d.NumRows()
		for ord := 0; ord < n; ord++ {
			all = append(all, keyedContribution{key: d.KeyAt(uint32(ord)), c: contribution{drs: d, ordinal: uint32(ord)}})
		}
	}
	sort.SliceStable(all, func(i, j int) bool { return base.Compare(all[i].key, all[j].key) < 0 })

	var rows []base.Row
	var tombOrdinals []uint32
	var undo []*deltamem.DeltaEntry
	var redo []*deltamem.DeltaEntry

	i := 0
	for i < len(all) {
		key := all[i].key
		var group []contribution
		for i < len(all) && base.Compare(all[i].key, key) == 0 {
			group = append(group, all[i].c)
			i++
		}

		var bestRow base.Row
		var bestTomb = true
		var bestSteps []diskrowset.UndoStep
		var bestRemaining []*deltamem.DeltaEntry
		var bestC contribution
		var bestBaseTs base.Timestamp
		haveCandidate := false

		for _, c := range group {
			row, tomb, entries := c.drs.BaseRow(c.ordinal)
			folded, foldedTomb, steps, remaining := diskrowset.FoldRowTo(row, tomb, entries, newBaseTs)
			if !haveCandidate || (bestTomb && !foldedTomb) || (bestTomb == foldedTomb && c.drs.BaseTs >= bestBaseTs) {
				bestRow, bestTomb, bestBaseTs = folded, foldedTomb, c.drs.BaseTs
				bestSteps = steps
				bestRemaining = remaining
				bestC = c
				haveCandidate = true
			}
		}

		if bestTomb && cleanTime >= newBaseTs {
			// Every generation of this key is dead and no reader needs a
			// view older than newBaseTs: drop the row entirely.
			continue
		}

		ordinal := uint32(len(rows))
		rows = append(rows, bestRow)
		if bestTomb {
			tombOrdinals = append(tombOrdinals, ordinal)
		}
		for j := len(bestSteps) - 1; j >= 0; j-- {
			s := bestSteps[j]
			undo = append(undo, &deltamem.DeltaEntry{Ordinal: ordinal, Ts: s.Ts, Kind: s.Kind, Changes: s.Changes})
		}
		// The winning generation's own pre-BaseTs undo history (states
		// older than its input DRS's BaseTs) must survive the merge too,
		// the same way MajorCompact prepends its newly-folded steps onto
		// d.Undo rather than discarding it: bestSteps alone only covers
		// the forward fold up to newBaseTs, and without this a snapshot
		// read older than the input's own BaseTs would silently return
		// the wrong value once the inputs are merged away.
		for _, e := range bestC.drs.Undo {
			if e.Ordinal != bestC.ordinal {
				continue
			}
			undo = append(undo, &deltamem.DeltaEntry{Ordinal: ordinal, Ts: e.Ts, Kind: e.Kind, Changes: e.Changes})
		}
		for _, e := range bestRemaining {
			redo = append(redo, &deltamem.DeltaEntry{Ordinal: ordinal, Ts: e.Ts, BatchSeq: e.BatchSeq, Kind: e.Kind, Changes: e.Changes})
		}
	}

	blk := colblock.EncodeBlock(schema, rows)
	index := diskrowset.NewPKIndex(32)
	for i, r := range rows {
		index.Insert(r.Key, uint32(i))
	}
	bloom := diskrowset.NewBloomFilter(len(rows), bitsPerKey)
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

	out := diskrowset.New(id, schema, newBaseTs, blk, index, bloom, tombstone, undo)
	if len(redo) > 0 {
		out = out.WithNewRedoFile(redo)
	}
	return out
}
