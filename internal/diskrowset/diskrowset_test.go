package diskrowset

import (
	"bytes"
	"testing"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/deltamem"
	"github.com/kudu-go/tablet/internal/rowset"
	"github.com/stretchr/testify/require"
)

func testSchema(t *testing.T) *base.Schema {
	s, err := base.NewSchema([]base.ColumnDef{
		{Name: "pk", Type: base.ColumnTypeInt32},
		{Name: "n", Type: base.ColumnTypeInt32, Nullable: true},
	}, 1)
	require.NoError(t, err)
	return s
}

func TestFlushMemRowSetAndPointRead(t *testing.T) {
	schema := testSchema(t)
	mrs := rowset.New()
	require.NoError(t, mrs.Insert([]byte("k1"), []base.ColumnValue{{Data: []byte{1}}}, 1))
	require.NoError(t, mrs.Mutate([]byte("k1"), base.MutationUpdate,
		[]base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{2}}}}, 2, 0))

	drs := FlushMemRowSet(1, schema, mrs, 5, 10)
	require.Equal(t, 1, drs.Base.NumRows())

	row, ok := drs.Get([]byte("k1"), base.MaxTimestamp)
	require.True(t, ok)
	require.Equal(t, byte(2), row.Values[0].Data[0])

	// Reading before the update (but after insert) uses the undo file.
	row, ok = drs.Get([]byte("k1"), 1)
	require.True(t, ok)
	require.Equal(t, byte(1), row.Values[0].Data[0])
}

func TestFlushKeepsTombstonedRowOrdinalButHidesIt(t *testing.T) {
	schema := testSchema(t)
	mrs := rowset.New()
	require.NoError(t, mrs.Insert([]byte("k1"), []base.ColumnValue{{Data: []byte{1}}}, 1))
	require.NoError(t, mrs.Mutate([]byte("k1"), base.MutationDelete, nil, 2, 0))

	drs := FlushMemRowSet(1, schema, mrs, 5, 10)
	require.Equal(t, 1, drs.Base.NumRows(), "op 5 (merging compaction) elides tombstoned rows, not flush")

	_, ok := drs.Get([]byte("k1"), base.MaxTimestamp)
	require.False(t, ok)

	// Reinserting via DMS after the flush finds the same ordinal.
	require.NoError(t, drs.DMS.ApplyReinsert(0, []base.ColumnValue{{Data: []byte{9}}}, 6))
	row, ok := drs.Get([]byte("k1"), 6)
	require.True(t, ok)
	require.Equal(t, byte(9), row.Values[0].Data[0])
}

func TestRedoAndDMSApplyForward(t *testing.T) {
	schema := testSchema(t)
	mrs := rowset.New()
	require.NoError(t, mrs.Insert([]byte("k1"), []base.ColumnValue{{Data: []byte{1}}}, 1))

	drs := FlushMemRowSet(1, schema, mrs, 2, 10)
	require.NoError(t, drs.DMS.ApplyUpdate(0, []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{7}}}}, 3))

	row, ok := drs.Get([]byte("k1"), 3)
	require.True(t, ok)
	require.Equal(t, byte(7), row.Values[0].Data[0])

	row, ok = drs.Get([]byte("k1"), 2)
	require.True(t, ok)
	require.Equal(t, byte(1), row.Values[0].Data[0])
}

func TestBloomFilterNoFalseNegatives(t *testing.T) {
	bf := NewBloomFilter(100, 10)
	keys := [][]byte{[]byte("apple"), []byte("banana"), []byte("cherry")}
	for _, k := range keys {
		bf.Add(k)
	}
	for _, k := range keys {
		require.True(t, bf.MayContain(k))
	}
}

func TestDeltaFileRoundTrip(t *testing.T) {
	entries := []*deltamem.DeltaEntry{
		{Ordinal: 0, Ts: 1, Kind: base.MutationUpdate, Changes: []base.ChangeEntry{{ColumnIndex: 0, Value: base.ColumnValue{Data: []byte{9}}}}},
		{Ordinal: 1, Ts: 2, Kind: base.MutationDelete},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteDeltaFile(&buf, entries))

	got, err := ReadDeltaFile(&buf)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, uint32(0), got[0].Ordinal)
	require.Equal(t, base.MutationDelete, got[1].Kind)
}

func TestPKIndexLookup(t *testing.T) {
	idx := NewPKIndex(16)
	idx.Insert([]byte("a"), 0)
	idx.Insert([]byte("b"), 1)
	ord, ok := idx.Lookup([]byte("b"))
	require.True(t, ok)
	require.EqualValues(t, 1, ord)
	_, ok = idx.Lookup([]byte("z"))
	require.False(t, ok)
}
