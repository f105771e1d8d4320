package colblock

import (
	"testing"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/stretchr/testify/require"
)

func schema(t *testing.T) *base.Schema {
	s, err := base.NewSchema([]base.ColumnDef{
		{Name: "pk", Type: base.ColumnTypeInt32},
		{Name: "n", Type: base.ColumnTypeInt32, Nullable: true},
		{Name: "s", Type: base.ColumnTypeBytes, Nullable: true},
	}, 1)
	require.NoError(t, err)
	return s
}

func TestEncodeDecodeBlockRoundTrip(t *testing.T) {
	s := schema(t)
	rows := []base.Row{
		{Key: []byte{0, 0, 0, 1}, Values: []base.ColumnValue{
			{Data: []byte{0, 0, 0, 10}}, {Data: []byte("hello")},
		}},
		{Key: []byte{0, 0, 0, 2}, Values: []base.ColumnValue{
			{Null: true}, {Null: true},
		}},
		{Key: []byte{0, 0, 0, 3}, Values: []base.ColumnValue{
			{Data: []byte{0, 0, 0, 30}}, {Data: []byte("world!")},
		}},
	}

	blk := EncodeBlock(s, rows)
	require.Equal(t, 3, blk.NumRows())

	for i, want := range rows {
		got := blk.RowAt(i)
		require.True(t, want.Equal(got), "row %d: want %+v got %+v", i, want, got)
	}
}

func TestColumnBlockMarshalRoundTrip(t *testing.T) {
	def := base.ColumnDef{Type: base.ColumnTypeBytes, Nullable: true}
	values := []base.ColumnValue{
		{Data: []byte("a")},
		{Null: true},
		{Data: []byte("bcd")},
	}
	cb := EncodeColumn(def, values)
	data := cb.Marshal()

	got, err := UnmarshalColumn(base.ColumnTypeBytes, 3, data)
	require.NoError(t, err)
	for i, want := range values {
		v := got.At(i)
		require.Equal(t, want.Null, v.Null)
		if !want.Null {
			require.Equal(t, want.Data, v.Data)
		}
	}
}

func TestBitmapRank(t *testing.T) {
	b := NewBitmap(8)
	b.Set(1, true)
	b.Set(3, true)
	b.Set(5, true)
	require.Equal(t, 0, b.Rank(0))
	require.Equal(t, 1, b.Rank(2))
	require.Equal(t, 2, b.Rank(4))
	require.Equal(t, 3, b.Rank(6))
}
