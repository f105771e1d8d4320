package walog

import (
	"testing"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/vfs"
	"github.com/stretchr/testify/require"
)

func TestAppendAndReplay(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Open(Options{FS: fs, Dir: "/wal"})
	require.NoError(t, err)

	b1 := Batch{Ts: 1, Mutations: []base.Mutation{{Kind: base.MutationInsert, Key: []byte("k1")}}}
	b2 := Batch{Ts: 2, Mutations: []base.Mutation{{Kind: base.MutationDelete, Key: []byte("k1")}}}
	require.NoError(t, w.Append(b1))
	require.NoError(t, w.AppendControl(Control{Kind: ControlFlushMarker, Ts: 2, Introduces: []uint64{1}}))
	require.NoError(t, w.Append(b2))
	require.NoError(t, w.Close())

	w2, err := Open(Options{FS: fs, Dir: "/wal"})
	require.NoError(t, err)
	defer w2.Close()

	var got []Record
	require.NoError(t, w2.Replay(0, func(r Record) error {
		got = append(got, r)
		return nil
	}))

	require.Len(t, got, 3)
	require.NotNil(t, got[0].Batch)
	require.Equal(t, base.Timestamp(1), got[0].Batch.Ts)
	require.NotNil(t, got[1].Control)
	require.Equal(t, ControlFlushMarker, got[1].Control.Kind)
	require.NotNil(t, got[2].Batch)
	require.Equal(t, base.MutationDelete, got[2].Batch.Mutations[0].Kind)
}

func TestSegmentRotation(t *testing.T) {
	fs := vfs.NewMem()
	w, err := Open(Options{FS: fs, Dir: "/wal", SegmentSize: 64})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		require.NoError(t, w.Append(Batch{Ts: base.Timestamp(i + 1), Mutations: []base.Mutation{
			{Kind: base.MutationInsert, Key: []byte("some-reasonably-long-key")},
		}}))
	}
	require.Greater(t, w.CurrentSegment(), 0)
	require.NoError(t, w.Close())

	count := 0
	w2, err := Open(Options{FS: fs, Dir: "/wal", SegmentSize: 64})
	require.NoError(t, err)
	defer w2.Close()
	require.NoError(t, w2.Replay(0, func(r Record) error {
		count++
		return nil
	}))
	require.Equal(t, 20, count)
}
