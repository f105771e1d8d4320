package mvcc

import (
	"testing"
	"time"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/kudu-go/tablet/internal/clock"
	"github.com/stretchr/testify/require"
)

func TestStartCommitAdvancesSafeTime(t *testing.T) {
	m := NewManager(clock.NewLogicalClock(1))

	ts1 := m.StartMutation()
	ts2 := m.StartMutation()
	require.Less(t, uint64(ts1), uint64(ts2))

	// Both in-flight: safe time has not advanced past the oldest one.
	require.Less(t, m.SafeTime(), ts1)

	m.Commit(ts1)
	require.GreaterOrEqual(t, m.SafeTime(), ts1-1)

	m.Commit(ts2)
	require.GreaterOrEqual(t, m.SafeTime(), ts2)
}

func TestTakeSnapshotRejectsBeyondSafeTime(t *testing.T) {
	m := NewManager(clock.NewLogicalClock(1))
	ts := m.StartMutation()

	_, err := m.TakeSnapshot(ts)
	require.Error(t, err)

	m.Commit(ts)
	snap, err := m.TakeSnapshot(m.SafeTime())
	require.NoError(t, err)
	require.Equal(t, m.SafeTime(), snap.Ts)
}

func TestTakeSnapshotMaxTimestampUsesSafeTime(t *testing.T) {
	m := NewManager(clock.NewLogicalClock(1))
	ts := m.StartMutation()
	m.Commit(ts)

	snap, err := m.TakeSnapshot(base.MaxTimestamp)
	require.NoError(t, err)
	require.Equal(t, m.SafeTime(), snap.Ts)
}

func TestWaitForSafeUnblocksOnCommit(t *testing.T) {
	m := NewManager(clock.NewLogicalClock(1))
	ts := m.StartMutation()

	done := make(chan struct{})
	go func() {
		m.WaitForSafe(ts)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("WaitForSafe returned before commit")
	case <-time.After(20 * time.Millisecond):
	}

	m.Commit(ts)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WaitForSafe did not unblock after commit")
	}
}

func TestCleanTimeAdvancesMonotonically(t *testing.T) {
	m := NewManager(clock.NewLogicalClock(1))
	m.AdvanceCleanTime(5)
	m.AdvanceCleanTime(3)
	require.EqualValues(t, 5, m.CleanTime())
	m.AdvanceCleanTime(10)
	require.EqualValues(t, 10, m.CleanTime())
}

func TestCleanTimeCandidateIsSafeTimeWithNoOpenSnapshots(t *testing.T) {
	m := NewManager(clock.NewLogicalClock(1))
	ts := m.StartMutation()
	m.Commit(ts)
	require.Equal(t, m.SafeTime(), m.CleanTimeCandidate())
}

func TestCleanTimeCandidateStopsBeforeOldestOpenSnapshot(t *testing.T) {
	m := NewManager(clock.NewLogicalClock(1))
	ts1 := m.StartMutation()
	m.Commit(ts1)
	snap, err := m.TakeSnapshot(m.SafeTime())
	require.NoError(t, err)
	m.RegisterSnapshot(snap.Ts)

	ts2 := m.StartMutation()
	m.Commit(ts2)
	require.Less(t, m.CleanTimeCandidate(), snap.Ts)

	m.ReleaseSnapshot(snap.Ts)
	require.Equal(t, m.SafeTime(), m.CleanTimeCandidate())
}
