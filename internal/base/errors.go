package base

import "github.com/cockroachdb/errors"

// User errors (spec.md §7): surfaced per row in a write batch's result,
// never poisoning the tablet.
var (
	// ErrAlreadyPresent is returned by Insert when a live row already
	// exists for the given primary key.
	ErrAlreadyPresent = errors.New("tablet: row already present")

	// ErrNotFound is returned by Mutate (update/delete) when no live row
	// exists for the given primary key, and by point lookups that miss.
	ErrNotFound = errors.New("tablet: row not found")

	// ErrInvalidArgument covers a malformed predicate, an unknown column
	// in a projection, or any other client-supplied argument the engine
	// can reject without touching storage.
	ErrInvalidArgument = errors.New("tablet: invalid argument")

	// ErrSchemaMismatch is returned when a row operation's column set
	// does not match the tablet's schema.
	ErrSchemaMismatch = errors.New("tablet: schema mismatch")
)

// Capacity and transient errors (spec.md §7): retried by the client or
// internally with bounded backoff.
var (
	// ErrServiceBusy is returned when a write batch finds the tablet's
	// write-rate limiter without enough tokens for its ops. MemRowSet and
	// DeltaMemStore sizes are not consulted. The client should retry.
	ErrServiceBusy = errors.New("tablet: service busy, flush behind")

	// ErrIOError wraps a transient I/O failure that survived internal
	// bounded retries.
	ErrIOError = errors.New("tablet: I/O error")
)

// Fatal errors (spec.md §7): the tablet transitions to a failed state and
// refuses further mutations once one of these is detected.
var (
	// ErrCorruption is returned when a WAL CRC check fails on an
	// intermediate record, a delta ordering invariant is violated, or the
	// PK index is found inconsistent with the base data.
	ErrCorruption = errors.New("tablet: corruption detected")

	// ErrInvariantViolation marks a self-check failure during compaction
	// or scan — a logic error, not a data corruption, but equally fatal.
	ErrInvariantViolation = errors.New("tablet: invariant violation")

	// ErrClockSkew is returned by a HybridClock when observed physical
	// drift exceeds the configured bound.
	ErrClockSkew = errors.New("tablet: clock skew exceeds bound")
)

// ErrTimedOut is returned when a scan's deadline elapses before it
// completes.
var ErrTimedOut = errors.New("tablet: operation timed out")

// ErrTabletFailed is returned for every operation attempted after the
// tablet has transitioned to the failed state following a fatal error.
var ErrTabletFailed = errors.New("tablet: tablet is in failed state")
