package deltamem

import (
	"testing"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/stretchr/testify/require"
)

func cv(b byte) base.ColumnValue { return base.ColumnValue{Data: []byte{b}} }

func TestApplyUpdateVisibleAfterTs(t *testing.T) {
	d := New()
	baseRow := base.Row{Key: []byte("k1"), Values: []base.ColumnValue{cv(1)}}

	require.NoError(t, d.ApplyUpdate(7, []base.ChangeEntry{{ColumnIndex: 0, Value: cv(9)}}, 5))

	row, ok := ApplyAt(baseRow, d, 7, 4)
	require.True(t, ok)
	require.Equal(t, cv(1), row.Values[0])

	row, ok = ApplyAt(baseRow, d, 7, 5)
	require.True(t, ok)
	require.Equal(t, cv(9), row.Values[0])
}

func TestApplyDeleteThenReinsert(t *testing.T) {
	d := New()
	baseRow := base.Row{Key: []byte("k1"), Values: []base.ColumnValue{cv(1)}}

	require.NoError(t, d.ApplyDelete(3, 5))
	_, ok := ApplyAt(baseRow, d, 3, 5)
	require.False(t, ok)

	require.NoError(t, d.ApplyReinsert(3, []base.ColumnValue{cv(42)}, 6))
	row, ok := ApplyAt(baseRow, d, 3, 6)
	require.True(t, ok)
	require.Equal(t, cv(42), row.Values[0])
}

func TestForOrdinalOnlyReturnsMatchingOrdinal(t *testing.T) {
	d := New()
	require.NoError(t, d.ApplyUpdate(1, nil, 1))
	require.NoError(t, d.ApplyUpdate(2, nil, 1))
	require.NoError(t, d.ApplyUpdate(1, nil, 2))

	var seen []uint32
	d.ForOrdinal(1, func(e *DeltaEntry) bool {
		seen = append(seen, e.Ordinal)
		return true
	})
	require.Equal(t, []uint32{1, 1}, seen)
}

func TestForEachOrdersByOrdinalThenTs(t *testing.T) {
	d := New()
	require.NoError(t, d.ApplyUpdate(2, nil, 5))
	require.NoError(t, d.ApplyUpdate(1, nil, 9))
	require.NoError(t, d.ApplyUpdate(1, nil, 2))

	var got [][2]uint64
	d.ForEach(func(e *DeltaEntry) bool {
		got = append(got, [2]uint64{uint64(e.Ordinal), uint64(e.Ts)})
		return true
	})
	require.Equal(t, [][2]uint64{{1, 2}, {1, 9}, {2, 5}}, got)
}

func TestFreezeRejectsFurtherApplies(t *testing.T) {
	d := New()
	d.Freeze()
	err := d.ApplyDelete(1, 1)
	require.Error(t, err)
}

func TestCountTracksAppliedDeltas(t *testing.T) {
	d := New()
	require.NoError(t, d.ApplyUpdate(1, nil, 1))
	require.NoError(t, d.ApplyDelete(1, 2))
	require.EqualValues(t, 2, d.Count())
}
