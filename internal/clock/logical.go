package clock

import (
	"sync/atomic"

	"github.com/kudu-go/tablet/internal/base"
)

// LogicalClock is a plain 64-bit counter, incremented on each committed
// mutation batch and on each scan initiation (spec.md §4.1). This is the
// mode the fuzz harness exercises.
type LogicalClock struct {
	counter uint64
}

// NewLogicalClock returns a LogicalClock starting just above start, so a
// tablet reopened after a restart can seed its clock past every timestamp
// recovered from the WAL.
func NewLogicalClock(start base.Timestamp) *LogicalClock {
	return &LogicalClock{counter: uint64(start)}
}

// Now implements Clock.
func (c *LogicalClock) Now() base.Timestamp {
	return base.Timestamp(atomic.AddUint64(&c.counter, 1))
}

// Update implements Clock. A logical clock only needs to make sure it
// never regresses below an externally observed value.
func (c *LogicalClock) Update(observed base.Timestamp) error {
	for {
		cur := atomic.LoadUint64(&c.counter)
		if uint64(observed) <= cur {
			return nil
		}
		if atomic.CompareAndSwapUint64(&c.counter, cur, uint64(observed)) {
			return nil
		}
	}
}

// IsHybrid implements Clock.
func (c *LogicalClock) IsHybrid() bool { return false }
