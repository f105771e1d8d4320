package mvcc

import (
	"sort"
	"sync"

	"github.com/kudu-go/tablet/internal/base"
)

// inflightSet tracks assigned-but-not-yet-committed timestamps as a
// sorted slice under a mutex (SPEC_FULL.md's C6 notes: "a small sorted-
// slice min-structure under a mutex — deliberately not lock-free, since
// the applier is already single-threaded per spec.md §5"). Grounded on
// the shape of the teacher's `commitPipeline` bookkeeping in `commit.go`
// (an ordered set of outstanding sequence numbers consulted to compute a
// visible/safe watermark), simplified since insert/remove volume here is
// bounded by concurrent in-flight mutations, not by throughput.
type inflightSet struct {
	mu   sync.Mutex
	cond *sync.Cond
	ts   []base.Timestamp // kept sorted ascending
}

func newInflightSet() *inflightSet {
	s := &inflightSet{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *inflightSet) add(ts base.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.ts), func(i int) bool { return s.ts[i] >= ts })
	s.ts = append(s.ts, 0)
	copy(s.ts[i+1:], s.ts[i:])
	s.ts[i] = ts
}

func (s *inflightSet) remove(ts base.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := sort.Search(len(s.ts), func(i int) bool { return s.ts[i] >= ts })
	if i < len(s.ts) && s.ts[i] == ts {
		s.ts = append(s.ts[:i], s.ts[i+1:]...)
	}
	s.cond.Broadcast()
}

// min returns the smallest in-flight timestamp, or (0, false) if empty.
func (s *inflightSet) min() (base.Timestamp, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.ts) == 0 {
		return 0, false
	}
	return s.ts[0], true
}

// waitNoneBelowOrEqual blocks until no in-flight timestamp <= ts remains.
func (s *inflightSet) waitNoneBelowOrEqual(ts base.Timestamp) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.ts) > 0 && s.ts[0] <= ts {
		s.cond.Wait()
	}
}
