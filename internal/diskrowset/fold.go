package diskrowset

import (
	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/deltamem"
)

// undoStep is one inverted mutation, produced oldest-applied-first,
// destined to be written to an undo file in reverse (descending ts) order.
type undoStep struct {
	ts      base.Timestamp
	kind    base.MutationKind
	changes []base.ChangeEntry
}

// foldRowTo replays entries (sorted ascending by ts for a single ordinal)
// with ts <= targetTs into row's values, producing the folded row, its
// final tombstone state, the inverted undo steps for the folded entries
// (oldest first), and the entries left over with ts > targetTs. It is the
// shared per-row core of MajorCompact (op 4) and merging compaction (op
// 5), both of which fold a prefix of a row's forward history into a new
// base while keeping the rest as redo.
func foldRowTo(row base.Row, tomb bool, entries []*deltamem.DeltaEntry, targetTs base.Timestamp) (base.Row, bool, []undoStep, []*deltamem.DeltaEntry) {
	values := append([]base.ColumnValue(nil), row.Values...)
	var steps []undoStep
	var remaining []*deltamem.DeltaEntry

	for _, e := range entries {
		if e.Ts > targetTs {
			remaining = append(remaining, e)
			continue
		}
		switch e.Kind {
		case base.MutationUpdate:
			steps = append(steps, undoStep{ts: e.Ts, kind: base.MutationUpdate, changes: invertChanges(values, e.Changes)})
			for _, ch := range e.Changes {
				values[ch.ColumnIndex] = ch.Value
			}
			tomb = false
		case base.MutationDelete:
			steps = append(steps, undoStep{ts: e.Ts, kind: base.MutationReinsert, changes: fullChangeList(values)})
			tomb = true
		case base.MutationReinsert:
			steps = append(steps, undoStep{ts: e.Ts, kind: base.MutationDelete})
			for _, ch := range e.Changes {
				values[ch.ColumnIndex] = ch.Value
			}
			tomb = false
		}
	}

	return base.Row{Key: row.Key, Values: values}, tomb, steps, remaining
}

// UndoStep is the exported form of undoStep, for callers outside this
// package (internal/compaction's merging compaction) that fold a row's
// history via FoldRowTo.
type UndoStep struct {
	Ts      base.Timestamp
	Kind    base.MutationKind
	Changes []base.ChangeEntry
}

// FoldRowTo is the exported form of foldRowTo, letting merging compaction
// (internal/compaction) fold one DiskRowSet's row history the same way
// MajorCompact does.
func FoldRowTo(row base.Row, tomb bool, entries []*deltamem.DeltaEntry, targetTs base.Timestamp) (base.Row, bool, []UndoStep, []*deltamem.DeltaEntry) {
	folded, foldedTomb, steps, remaining := foldRowTo(row, tomb, entries, targetTs)
	out := make([]UndoStep, len(steps))
	for i, s := range steps {
		out[i] = UndoStep{Ts: s.ts, Kind: s.kind, Changes: s.changes}
	}
	return folded, foldedTomb, out, remaining
}
