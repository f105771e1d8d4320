package base

import (
	"fmt"
	"log"
	"os"
)

// Logger defines an interface for writing log messages, adopted from the
// teacher's internal/base.Logger so every layer of the engine (WAL,
// compaction engine, tablet) logs through the same seam and callers can
// substitute a structured logger in production.
type Logger interface {
	Infof(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}

// DefaultLogger logs to the Go stdlib log package.
type DefaultLogger struct{}

// Infof implements Logger.
func (DefaultLogger) Infof(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
}

// Fatalf implements Logger. DefaultLogger exits the process; Tablet itself
// prefers transitioning to a failed state over calling this in production
// use (spec.md §7), but background workers without a caller to propagate an
// error to fall back to it.
func (DefaultLogger) Fatalf(format string, args ...interface{}) {
	_ = log.Output(2, fmt.Sprintf(format, args...))
	os.Exit(1)
}
