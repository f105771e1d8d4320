package clock

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/kudu-go/tablet/internal/base"
)

const logicalBits = 12
const logicalMask = (1 << logicalBits) - 1

// HybridClock combines a physical wall-clock upper bits with a monotonic
// logical counter in the low bits (spec.md §4.1), guaranteeing
// externally-consistent ordering across nodes when wall clocks are loosely
// synchronized. Physical drift beyond MaxSkew makes Update fail with
// ErrClockSkew.
type HybridClock struct {
	mu      sync.Mutex
	last    uint64 // (physicalMicros << logicalBits) | logical
	nowFn   func() time.Time
	maxSkew time.Duration
}

// NewHybridClock returns a HybridClock bounding the accepted external drift
// to maxSkew.
func NewHybridClock(maxSkew time.Duration) *HybridClock {
	return &HybridClock{nowFn: time.Now, maxSkew: maxSkew}
}

func (c *HybridClock) physicalMicros() uint64 {
	return uint64(c.nowFn().UnixMicro())
}

func compose(physical uint64, logical uint64) uint64 {
	return (physical << logicalBits) | (logical & logicalMask)
}

// Now implements Clock.
func (c *HybridClock) Now() base.Timestamp {
	c.mu.Lock()
	defer c.mu.Unlock()
	phys := c.physicalMicros()
	lastPhys := c.last >> logicalBits
	var next uint64
	if phys > lastPhys {
		next = compose(phys, 0)
	} else {
		next = c.last + 1
	}
	c.last = next
	return base.Timestamp(next)
}

// Update implements Clock, advancing past an externally observed
// timestamp. Fails with base.ErrClockSkew if the observed timestamp's
// physical component is further ahead of this node's wall clock than
// maxSkew allows.
func (c *HybridClock) Update(observed base.Timestamp) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	obsPhys := uint64(observed) >> logicalBits
	nowPhys := c.physicalMicros()
	if c.maxSkew > 0 && obsPhys > nowPhys {
		drift := time.Duration(obsPhys-nowPhys) * time.Microsecond
		if drift > c.maxSkew {
			return errors.Wrapf(base.ErrClockSkew, "observed drift %s exceeds bound %s", drift, c.maxSkew)
		}
	}
	if uint64(observed) > c.last {
		c.last = uint64(observed)
	}
	return nil
}

// IsHybrid implements Clock.
func (c *HybridClock) IsHybrid() bool { return true }
