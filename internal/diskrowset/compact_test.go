package diskrowset

import (
	"testing"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/deltamem"
	"github.com/kudu-go/tablet/internal/rowset"
	"github.com/stretchr/testify/require"
)

func flushSingleRow(t *testing.T) *DiskRowSet {
	schema := testSchema(t)
	mrs := rowset.New()
	require.NoError(t, mrs.Insert([]byte("k1"), []base.ColumnValue{{Data: []byte{1}}}, 1))
	return FlushMemRowSet(1, schema, mrs, 1, 10)
}

func TestWithNewRedoFilePreservesReadsAndAddsFile(t *testing.T) {
	drs := flushSingleRow(t)
	entries := []*deltamem.DeltaEntry{
		{Ordinal: 0, Ts: 2, Kind: base.MutationUpdate, Changes: []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{5}}}}},
	}
	next := drs.WithNewRedoFile(entries)
	require.Len(t, next.RedoFiles, 1)

	row, ok := next.Get([]byte("k1"), 2)
	require.True(t, ok)
	require.Equal(t, byte(5), row.Values[0].Data[0])

	// Original DiskRowSet is untouched (copy-on-write).
	row, ok = drs.Get([]byte("k1"), 2)
	require.True(t, ok)
	require.Equal(t, byte(1), row.Values[0].Data[0])
}

func TestMinorCompactionMergesRedoFiles(t *testing.T) {
	drs := flushSingleRow(t)
	drs = drs.WithNewRedoFile([]*deltamem.DeltaEntry{{Ordinal: 0, Ts: 2, Kind: base.MutationUpdate, Changes: []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{5}}}}}})
	drs = drs.WithNewRedoFile([]*deltamem.DeltaEntry{{Ordinal: 0, Ts: 3, Kind: base.MutationUpdate, Changes: []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{9}}}}}})
	require.Len(t, drs.RedoFiles, 2)

	merged := drs.WithMergedRedoFiles()
	require.Len(t, merged.RedoFiles, 1)
	require.Len(t, merged.RedoFiles[0], 2)

	row, ok := merged.Get([]byte("k1"), base.MaxTimestamp)
	require.True(t, ok)
	require.Equal(t, byte(9), row.Values[0].Data[0])
}

func TestMajorCompactionFoldsRedoIntoBaseAndPreservesHistory(t *testing.T) {
	drs := flushSingleRow(t)
	drs = drs.WithNewRedoFile([]*deltamem.DeltaEntry{{Ordinal: 0, Ts: 2, Kind: base.MutationUpdate, Changes: []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{5}}}}}})
	drs = drs.WithNewRedoFile([]*deltamem.DeltaEntry{{Ordinal: 0, Ts: 4, Kind: base.MutationUpdate, Changes: []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{9}}}}}})

	compacted := drs.MajorCompact(3)
	require.EqualValues(t, 3, compacted.BaseTs)
	require.Len(t, compacted.RedoFiles, 1)
	require.Len(t, compacted.RedoFiles[0], 1) // the ts=4 entry remains as redo

	// Base now reflects the ts=2 update folded in.
	row, ok := compacted.Get([]byte("k1"), 3)
	require.True(t, ok)
	require.Equal(t, byte(5), row.Values[0].Data[0])

	// Reading before the fold (ts=1) still works via the new undo entry.
	row, ok = compacted.Get([]byte("k1"), 1)
	require.True(t, ok)
	require.Equal(t, byte(1), row.Values[0].Data[0])

	// Reading after the remaining redo entry (ts=4) still works.
	row, ok = compacted.Get([]byte("k1"), 4)
	require.True(t, ok)
	require.Equal(t, byte(9), row.Values[0].Data[0])
}

// The tablet's safe time routinely outruns a specific DRS's own unflushed
// deltas, so a DMS entry can legitimately carry a commit timestamp at or
// below the newBaseTs a major compaction is folding to. MajorCompact must
// fold that entry into the base just like a redo entry, not merely pass
// the DMS through untouched.
func TestMajorCompactionFoldsDMSIntoBase(t *testing.T) {
	drs := flushSingleRow(t)
	require.NoError(t, drs.DMS.ApplyUpdate(0, []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{5}}}}, 2))

	compacted := drs.MajorCompact(3)
	require.EqualValues(t, 3, compacted.BaseTs)
	require.Empty(t, compacted.RedoFiles)
	require.EqualValues(t, 0, compacted.DMS.Count())

	// The DMS mutation is now reflected in the base, both at and above
	// newBaseTs...
	row, ok := compacted.Get([]byte("k1"), 3)
	require.True(t, ok)
	require.Equal(t, byte(5), row.Values[0].Data[0])

	// ...and below newBaseTs, the folded entry is now reachable via undo
	// rather than lost: before this fix, Get's ts < BaseTs branch never
	// consulted DMS, so the mutation would vanish once BaseTs advanced
	// past it.
	row, ok = compacted.Get([]byte("k1"), 1)
	require.True(t, ok)
	require.Equal(t, byte(1), row.Values[0].Data[0])
}
