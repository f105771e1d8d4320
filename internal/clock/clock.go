// Package clock implements the two commit-timestamp assignment policies
// spec.md §4.1 describes, separated from timestamp-consumption policy (the
// MVCC manager, §4.6) so the same storage engine serves either mode
// (spec.md §9, "Logical vs hybrid clock").
package clock

import "github.com/kudu-go/tablet/internal/base"

// Clock assigns commit timestamps. Now returns a timestamp strictly
// greater than any previously returned; Update advances the clock past an
// externally observed timestamp (relevant in hybrid mode, and harmless as
// a no-op advance in logical mode when the observed value is already
// behind).
type Clock interface {
	Now() base.Timestamp
	Update(observed base.Timestamp) error
	IsHybrid() bool
}
