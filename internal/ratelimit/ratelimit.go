// Package ratelimit implements the token-bucket limiter that backs the
// engine's ServiceBusy back-pressure (spec §7): a write batch that finds
// too few tokens is rejected with ServiceBusy. The limiter meters admitted
// work against a fixed rate only; it does not look at MemRowSet or
// DeltaMemStore sizes or at flush progress.
package ratelimit

import (
	"sync"
	"time"

	"github.com/cockroachdb/tokenbucket"
)

// A Limiter controls how frequently write traffic is admitted, in units the
// caller chooses (the tablet charges one token per buffered row operation).
// It implements a token bucket of size b, initially full and refilled at
// rate r tokens per second.
//
// Limiter is safe for concurrent use.
type Limiter struct {
	mu struct {
		sync.Mutex
		tb    tokenbucket.TokenBucket
		rate  float64
		burst float64
	}
	sleepFn func(d time.Duration)
}

// NewLimiter returns a new Limiter admitting up to rate r with bursts of at
// most b tokens.
func NewLimiter(r, b float64) *Limiter {
	l := &Limiter{}
	l.mu.tb.Init(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(b))
	l.mu.rate = r
	l.mu.burst = b
	return l
}

// NewLimiterWithCustomTime is NewLimiter with injectable time sources, for
// deterministic tests of backpressure behavior.
func NewLimiterWithCustomTime(
	r, b float64, nowFn func() time.Time, sleepFn func(d time.Duration),
) *Limiter {
	l := &Limiter{}
	l.mu.tb.InitWithNowFn(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(b), nowFn)
	l.mu.rate = r
	l.mu.burst = b
	l.sleepFn = sleepFn
	return l
}

// Wait blocks the calling applier goroutine until n tokens are available.
// Going into debt (n larger than the burst) delays future admissions rather
// than failing outright — mirrors the spec's "retried by the client"
// contract for ServiceBusy, moved server-side for the single-threaded
// applier.
func (l *Limiter) Wait(n float64) {
	for {
		l.mu.Lock()
		ok, d := l.mu.tb.TryToFulfill(tokenbucket.Tokens(n))
		l.mu.Unlock()
		if ok {
			return
		}
		if l.sleepFn != nil {
			l.sleepFn(d)
		} else {
			time.Sleep(d)
		}
	}
}

// TryAdmit reports whether n tokens are immediately available without
// blocking, consuming them if so. Used to decide ServiceBusy vs. admit
// without stalling the applier thread on a WAL append already in flight.
func (l *Limiter) TryAdmit(n float64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	ok, _ := l.mu.tb.TryToFulfill(tokenbucket.Tokens(n))
	return ok
}

// Rate returns the current admission rate.
func (l *Limiter) Rate() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mu.rate
}

// SetRate adjusts the admission rate, e.g. when the compaction/flush engine
// falls behind and wants to throttle the applier harder.
func (l *Limiter) SetRate(r float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mu.tb.UpdateConfig(tokenbucket.TokensPerSecond(r), tokenbucket.Tokens(l.mu.burst))
	l.mu.rate = r
}
