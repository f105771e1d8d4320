package compaction

import (
	"sync"
	"time"

	"github.com/kudu-go/tablet/internal/base"
)

// Thresholds configures when Scheduler's periodic tick decides a
// maintenance operation is due. All are row/entry counts rather than
// byte sizes, since the in-memory structures this engine drives don't
// track their own footprint precisely enough to budget in bytes.
type Thresholds struct {
	MRSRows        int64 // MemRowSet size that triggers FlushMRS
	DMSEntries     int64 // DeltaMemStore size that triggers FlushBiggestDMS
	RedoFileCount  int   // redo file count that triggers minor delta compaction
	SmallDRSCount  int   // DiskRowSet count that triggers a merging compaction pass
}

// DefaultThresholds mirrors Kudu's rule of thumb: flush a MemRowSet
// around a few hundred thousand rows, and don't let more than a handful
// of redo files or row sets accumulate before compacting them away.
func DefaultThresholds() Thresholds {
	return Thresholds{MRSRows: 250_000, DMSEntries: 100_000, RedoFileCount: 4, SmallDRSCount: 8}
}

// Scheduler runs Engine's maintenance operations on a fixed interval, one
// at a time, modeled on the teacher's periodicGranter tick loop but
// adapted to a single tablet with no cross-DB coordination: there is
// nothing here to arbitrate between, so a plain ticker suffices in place
// of the teacher's grant/permission protocol.
type Scheduler struct {
	engine     *Engine
	registry   *Registry
	interval   time.Duration
	thresholds Thresholds
	logger     base.Logger
	// guard wraps every Engine call the scheduler makes. Defaults to a
	// direct call. A tablet that also lets writers freeze the active
	// MemRowSet/DeltaMemStore mid-append (spec.md §5's single-applier
	// contract extended to maintenance ops) sets this to a function that
	// takes the same lock a write batch holds, so a background tick can
	// never race a write against the row set it is about to freeze.
	guard func(func() error) error

	mu      sync.Mutex
	running bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewScheduler builds a Scheduler. It does nothing until Start is called.
func NewScheduler(engine *Engine, registry *Registry, interval time.Duration, thresholds Thresholds, logger base.Logger) *Scheduler {
	return &Scheduler{engine: engine, registry: registry, interval: interval, thresholds: thresholds, logger: logger, guard: func(fn func() error) error { return fn() }}
}

// SetGuard installs fn as the wrapper every scheduled maintenance call
// runs through. Must be called before Start.
func (s *Scheduler) SetGuard(fn func(func() error) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.guard = fn
}

// Start launches the background tick loop. Calling Start twice without
// an intervening Stop is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.done = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.done)
}

// Stop halts the tick loop and waits for the in-flight tick, if any, to
// finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.done)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(done <-chan struct{}) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick runs one evaluation pass against the registry's current state,
// performing at most one maintenance operation per category so a single
// tick never blocks readers for long. It is exported so tests and a
// manual "compact now" admin hook can drive it synchronously.
func (s *Scheduler) Tick() {
	v := s.registry.Load()

	if v.MRS.Count() >= s.thresholds.MRSRows {
		if err := s.guard(s.engine.FlushMRS); err != nil && err != ErrNothingToDo {
			s.logger.Infof("scheduled FlushMRS failed: %v", err)
		}
	}

	for _, d := range v.DRSs {
		if d.DMS.Count() >= s.thresholds.DMSEntries {
			if err := s.guard(s.engine.FlushBiggestDMS); err != nil && err != ErrNothingToDo {
				s.logger.Infof("scheduled FlushBiggestDMS failed: %v", err)
			}
			break
		}
	}

	for _, d := range v.DRSs {
		if len(d.RedoFiles) >= s.thresholds.RedoFileCount {
			id := d.ID
			if err := s.guard(func() error { return s.engine.CompactDeltas(MinorDeltaCompaction, id) }); err != nil && err != ErrNothingToDo {
				s.logger.Infof("scheduled minor delta compaction of DiskRowSet %d failed: %v", id, err)
			}
			break
		}
	}

	if len(v.DRSs) >= s.thresholds.SmallDRSCount {
		if err := s.guard(func() error { return s.engine.Compact(false) }); err != nil && err != ErrNothingToDo {
			s.logger.Infof("scheduled merging compaction failed: %v", err)
		}
	}
}
