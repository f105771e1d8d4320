package base

// Timestamp is a 64-bit monotonically increasing commit timestamp (spec.md
// §3). Zero is reserved as the "before anything" sentinel: no mutation is
// ever assigned timestamp 0.
type Timestamp uint64

// MinTimestamp precedes every assignable timestamp; used as the lower bound
// when reconstructing a row's history from the beginning.
const MinTimestamp Timestamp = 0

// MaxTimestamp is used as the upper bound for a "latest" read: it is never
// itself assigned to a mutation.
const MaxTimestamp Timestamp = 1<<64 - 1

// Less reports whether t sorts before other.
func (t Timestamp) Less(other Timestamp) bool { return t < other }
