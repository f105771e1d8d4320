// Package diskrowset implements the DiskRowSet (C5, spec.md §4.5): the
// immutable on-disk unit produced by flushing a MemRowSet or by
// compaction, consisting of column-major base blocks, a primary-key
// index, a bloom filter, and undo/redo delta streams.
package diskrowset

import (
	"sort"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/colblock"
	"github.com/kudu-go/tablet/internal/deltamem"
)

// DiskRowSet is one immutable base block plus its mutable delta state
// (spec.md §4.5). The base and undo file never change after construction;
// Redo (flushed delta files) and DMS (unflushed in-memory deltas) grow
// over the DiskRowSet's lifetime until a compaction produces a
// replacement.
type DiskRowSet struct {
	ID     uint64
	Schema *base.Schema
	BaseTs base.Timestamp

	Base  *colblock.Block
	Index *PKIndex
	Bloom *BloomFilter
	// BaseTombstone marks, per ordinal, whether the row is already dead as
	// of BaseTs. Per spec.md §4.7 op 5, only merging (row-set) compaction
	// may physically elide a tombstoned row from the base; flush and delta
	// compactions (ops 1-4) must keep its ordinal so a later reinsert can
	// still be linked to it via the PK index.
	BaseTombstone colblock.Bitmap

	// Undo holds, per ordinal, entries in descending ts order (spec.md
	// §4.5: "in every undo file, for the same ordinal, timestamps are
	// strictly descending"), reconstructing state at any T < BaseTs.
	Undo []*deltamem.DeltaEntry
	// RedoFiles holds each flushed delta file's entries separately, each
	// individually sorted (ordinal, ts) ascending (spec.md §4.5's "redo
	// files are zero or more delta files"); minor delta compaction merges
	// several into one, major delta compaction folds them into Base.
	RedoFiles [][]*deltamem.DeltaEntry
	// DMS buffers deltas not yet flushed to a redo file (C4).
	DMS *deltamem.DeltaMemStore
}

// New wraps an already-built base/index/bloom/undo set into a DiskRowSet
// ready to serve reads, with a fresh empty DMS.
func New(id uint64, schema *base.Schema, baseTs base.Timestamp, base_ *colblock.Block, index *PKIndex, bloom *BloomFilter, tombstone colblock.Bitmap, undo []*deltamem.DeltaEntry) *DiskRowSet {
	return &DiskRowSet{
		ID: id, Schema: schema, BaseTs: baseTs,
		Base: base_, Index: index, Bloom: bloom, BaseTombstone: tombstone,
		Undo: undo, DMS: deltamem.New(),
	}
}

func (d *DiskRowSet) baseTombAt(ordinal uint32) bool {
	return d.BaseTombstone != nil && d.BaseTombstone.Get(int(ordinal))
}

// Get performs the point-read algorithm of spec.md §4.5: PK index lookup,
// then redo-forward or undo-backward replay to timestamp ts.
func (d *DiskRowSet) Get(pk []byte, ts base.Timestamp) (base.Row, bool) {
	if d.Bloom != nil && !d.Bloom.MayContain(pk) {
		return base.Row{}, false
	}
	ordinal, ok := d.Index.Lookup(pk)
	if !ok {
		return base.Row{}, false
	}
	row := d.Base.RowAt(int(ordinal))

	if ts >= d.BaseTs {
		values := append([]base.ColumnValue(nil), row.Values...)
		tomb := d.baseTombAt(ordinal)
		for _, file := range d.RedoFiles {
			for _, e := range file {
				if e.Ordinal != ordinal || e.Ts > ts {
					continue
				}
				applyDelta(values, e, &tomb)
			}
		}
		d.DMS.ForOrdinal(ordinal, func(e *deltamem.DeltaEntry) bool {
			if e.Ts > ts {
				return false
			}
			applyDelta(values, e, &tomb)
			return true
		})
		if tomb {
			return base.Row{}, false
		}
		return base.Row{Key: row.Key, Values: values}, true
	}

	// T < BaseTs: replay undo entries with ts > T, in descending order,
	// starting from the base row and walking backward.
	values := append([]base.ColumnValue(nil), row.Values...)
	tomb := d.baseTombAt(ordinal)
	for _, e := range d.undoDescendingForOrdinal(ordinal) {
		if e.Ts <= ts {
			break
		}
		applyDelta(values, e, &tomb)
	}
	if tomb {
		return base.Row{}, false
	}
	return base.Row{Key: row.Key, Values: values}, true
}

// BaseRow returns the raw base row and tombstone bit for ordinal, and its
// merged (ordinal, ts)-ascending redo entries — the inputs foldRowTo needs
// to fold this row's history forward to some target timestamp. Used by
// major delta compaction and by merging compaction across several DRSs.
func (d *DiskRowSet) BaseRow(ordinal uint32) (base.Row, bool, []*deltamem.DeltaEntry) {
	row := d.Base.RowAt(int(ordinal))
	var entries []*deltamem.DeltaEntry
	for _, e := range mergeSortedByOrdinalTs(d.RedoFiles) {
		if e.Ordinal == ordinal {
			entries = append(entries, e)
		}
	}
	d.DMS.ForOrdinal(ordinal, func(e *deltamem.DeltaEntry) bool {
		entries = append(entries, e)
		return true
	})
	return row, d.baseTombAt(ordinal), entries
}

// Generation reports the 1-based generation number of ordinal's row as of
// ts: 1 for the base row itself, incrementing once per MutationReinsert
// entry applied at or before ts. Exposed purely as a debug/test view (a
// fuzz harness's shadow model can assert generation counts, not just
// final column values, to catch a compaction that wrongly collapses two
// distinct delete-then-reinsert generations into one).
func (d *DiskRowSet) Generation(ordinal uint32, ts base.Timestamp) int {
	gen := 1
	for _, file := range d.RedoFiles {
		for _, e := range file {
			if e.Ordinal == ordinal && e.Ts <= ts && e.Kind == base.MutationReinsert {
				gen++
			}
		}
	}
	d.DMS.ForOrdinal(ordinal, func(e *deltamem.DeltaEntry) bool {
		if e.Ts > ts {
			return false
		}
		if e.Kind == base.MutationReinsert {
			gen++
		}
		return true
	})
	return gen
}

// NumRows reports the number of ordinals in the base block.
func (d *DiskRowSet) NumRows() int { return d.Base.NumRows() }

// KeyAt returns the primary key stored at ordinal.
func (d *DiskRowSet) KeyAt(ordinal uint32) []byte { return d.Base.Keys[ordinal] }

func (d *DiskRowSet) undoDescendingForOrdinal(ordinal uint32) []*deltamem.DeltaEntry {
	var out []*deltamem.DeltaEntry
	for _, e := range d.Undo {
		if e.Ordinal == ordinal {
			out = append(out, e)
		}
	}
	return out
}

func applyDelta(values []base.ColumnValue, e *deltamem.DeltaEntry, tomb *bool) {
	switch e.Kind {
	case base.MutationUpdate, base.MutationReinsert:
		for _, ch := range e.Changes {
			values[ch.ColumnIndex] = ch.Value
		}
		*tomb = false
	case base.MutationDelete:
		*tomb = true
	}
}

// WithNewRedoFile returns a new DiskRowSet sharing this one's immutable
// base/index/bloom/undo, with entries appended as one more redo file and
// a fresh empty DMS (spec.md §4.7 op 2: "append as a new redo file of
// that DRS; replace DMS with empty"). The row-set registry swaps in the
// result as a unit so readers see either the whole pre- or post-flush
// DiskRowSet, never a half-updated one (spec.md §5's copy-on-write
// registry contract).
func (d *DiskRowSet) WithNewRedoFile(entries []*deltamem.DeltaEntry) *DiskRowSet {
	files := make([][]*deltamem.DeltaEntry, len(d.RedoFiles), len(d.RedoFiles)+1)
	copy(files, d.RedoFiles)
	files = append(files, entries)
	return &DiskRowSet{
		ID: d.ID, Schema: d.Schema, BaseTs: d.BaseTs,
		Base: d.Base, Index: d.Index, Bloom: d.Bloom, BaseTombstone: d.BaseTombstone,
		Undo: d.Undo, RedoFiles: files, DMS: deltamem.New(),
	}
}

// WithMergedRedoFiles returns a new DiskRowSet with all current redo
// files merge-sorted into a single one (spec.md §4.7 op 3, minor delta
// compaction: "merge several redo delta files of one DRS into a single
// redo file; does not touch the base or the undo file").
func (d *DiskRowSet) WithMergedRedoFiles() *DiskRowSet {
	merged := mergeSortedByOrdinalTs(d.RedoFiles)
	return &DiskRowSet{
		ID: d.ID, Schema: d.Schema, BaseTs: d.BaseTs,
		Base: d.Base, Index: d.Index, Bloom: d.Bloom, BaseTombstone: d.BaseTombstone,
		Undo: d.Undo, RedoFiles: [][]*deltamem.DeltaEntry{merged}, DMS: d.DMS,
	}
}

func mergeSortedByOrdinalTs(files [][]*deltamem.DeltaEntry) []*deltamem.DeltaEntry {
	var all []*deltamem.DeltaEntry
	for _, f := range files {
		all = append(all, f...)
	}
	sort.SliceStable(all, func(i, j int) bool {
		if all[i].Ordinal != all[j].Ordinal {
			return all[i].Ordinal < all[j].Ordinal
		}
		if all[i].Ts != all[j].Ts {
			return all[i].Ts < all[j].Ts
		}
		return all[i].BatchSeq < all[j].BatchSeq
	})
	return all
}

// Scan walks base rows in [start, end) applying redo/DMS deltas at ts,
// emitting only live rows (spec.md §4.5 generalized to a range).
func (d *DiskRowSet) Scan(start, end []byte, ts base.Timestamp, emit func(base.Row) bool) {
	n := d.Base.NumRows()
	lo := sort.Search(n, func(i int) bool {
		return start == nil || base.Compare(d.Base.Keys[i], start) >= 0
	})
	for i := lo; i < n; i++ {
		key := d.Base.Keys[i]
		if end != nil && base.Compare(key, end) >= 0 {
			return
		}
		if row, ok := d.Get(key, ts); ok {
			if !emit(row) {
				return
			}
		}
	}
}
