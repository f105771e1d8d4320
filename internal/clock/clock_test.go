package clock

import (
	"testing"
	"time"

	"github.com/kudu-go/tablet/internal/base"
	"github.com/stretchr/testify/require"
)

func TestLogicalClockMonotonic(t *testing.T) {
	c := NewLogicalClock(0)
	var last base.Timestamp
	for i := 0; i < 100; i++ {
		ts := c.Now()
		require.Greater(t, uint64(ts), uint64(last))
		last = ts
	}
}

func TestLogicalClockUpdateAdvances(t *testing.T) {
	c := NewLogicalClock(0)
	require.NoError(t, c.Update(1000))
	ts := c.Now()
	require.Greater(t, uint64(ts), uint64(1000))
}

func TestLogicalClockUpdateNoRegress(t *testing.T) {
	c := NewLogicalClock(0)
	ts1 := c.Now()
	require.NoError(t, c.Update(0))
	ts2 := c.Now()
	require.Greater(t, uint64(ts2), uint64(ts1))
}

func TestHybridClockMonotonic(t *testing.T) {
	c := NewHybridClock(time.Second)
	var last base.Timestamp
	for i := 0; i < 1000; i++ {
		ts := c.Now()
		require.Greater(t, uint64(ts), uint64(last))
		last = ts
	}
	require.True(t, c.IsHybrid())
}

func TestHybridClockSkewRejected(t *testing.T) {
	c := NewHybridClock(time.Millisecond)
	future := base.Timestamp(uint64(time.Now().Add(time.Hour).UnixMicro()) << logicalBits)
	err := c.Update(future)
	require.ErrorIs(t, err, base.ErrClockSkew)
}
