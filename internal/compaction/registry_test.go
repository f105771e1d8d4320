package compaction

import (
	"testing"

	"github.com/kudu-go/tablet/internal/rowset"
	"github.com/stretchr/testify/require"
)

func TestRegistryLoadReflectsUpdates(t *testing.T) {
	mrs := rowset.New()
	reg := NewRegistry(mrs)
	v0 := reg.Load()
	require.Same(t, mrs, v0.MRS)
	require.Empty(t, v0.DRSs)

	newMRS := rowset.New()
	v1 := reg.update(func(cur *Version) *Version {
		return &Version{MRS: newMRS, DRSs: cur.DRSs}
	})
	require.Same(t, newMRS, v1.MRS)
	// v0 is untouched: a reader holding it never observes the swap.
	require.Same(t, mrs, v0.MRS)
	require.Same(t, newMRS, reg.Load().MRS)
}
