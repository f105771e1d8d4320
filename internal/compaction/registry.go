// Package compaction implements the flush/compaction engine (C7,
// spec.md §4.7): the five maintenance operations that move data between
// the MemRowSet, DeltaMemStores, and DiskRowSets, plus the row-set
// registry each of them updates.
package compaction

import (
	"sync"
	"sync/atomic"

	"github.com/kudu-go/tablet/internal/diskrowset"
	"github.com/kudu-go/tablet/internal/rowset"
)

// Version is one immutable snapshot of a tablet's row sets: the active
// MemRowSet plus every DiskRowSet, in no particular order. Readers hold a
// *Version for the lifetime of a scan or point read so a concurrent
// maintenance operation can never hand them a half-updated view.
type Version struct {
	MRS  *rowset.MemRowSet
	DRSs []*diskrowset.DiskRowSet
}

func (v *Version) drsByID(id uint64) (*diskrowset.DiskRowSet, int) {
	for i, d := range v.DRSs {
		if d.ID == id {
			return d, i
		}
	}
	return nil, -1
}

// Registry holds the current Version behind an atomic pointer, updated
// under a mutex that serializes maintenance operations (spec.md §5:
// "row-set registry: copy-on-write vector; updated under a short
// exclusive lock, read under an atomic load"). Readers call Load and
// never see a torn update.
type Registry struct {
	cur atomic.Pointer[Version]
	mu  sync.Mutex
}

// NewRegistry starts a Registry with an empty DiskRowSet list and mrs as
// the sole active MemRowSet.
func NewRegistry(mrs *rowset.MemRowSet) *Registry {
	r := &Registry{}
	r.cur.Store(&Version{MRS: mrs})
	return r
}

// NewRegistryWithDRSs starts a Registry from an already-built DiskRowSet
// list, used by Open when reloading a tablet directory that has
// previously flushed or compacted data on disk.
func NewRegistryWithDRSs(mrs *rowset.MemRowSet, drss []*diskrowset.DiskRowSet) *Registry {
	r := &Registry{}
	r.cur.Store(&Version{MRS: mrs, DRSs: drss})
	return r
}

// Load returns the current Version. The returned pointer, and everything
// reachable from it, is safe to read without further locking: every
// maintenance operation replaces the whole Version rather than mutating
// one in place.
func (r *Registry) Load() *Version {
	return r.cur.Load()
}

// update runs fn against the current Version under the exclusive lock
// and atomically installs its result. fn must not retain or mutate the
// Version it's given.
func (r *Registry) update(fn func(*Version) *Version) *Version {
	r.mu.Lock()
	defer r.mu.Unlock()
	next := fn(r.cur.Load())
	r.cur.Store(next)
	return next
}
