package shm

import (
	"testing"

	"github.com/mazarin-os/kernelcore/internal/mm"
	"github.com/stretchr/testify/require"
)

func TestAttachDetachRoundTrip(t *testing.T) {
	fa := mm.NewFrameAllocator(32 * mm.PageSize)
	mgr := mm.NewManager(fa)
	reg := NewRegistry(fa)

	seg, errno := reg.Get(42, 2*mm.PageSize)
	require.Zero(t, errno)
	require.Len(t, seg.Frames, 2)

	as := mgr.CloneKernel()
	reg.Attach(seg, as, 100, mm.WRITABLE)
	require.Equal(t, 2, as.UserMappingCount())

	for _, f := range seg.Frames {
		require.EqualValues(t, 2, fa.Refcount(f), "attach must incref so the segment outlives a single detach")
	}

	reg.Detach(seg, as, 100)
	require.Equal(t, 0, as.UserMappingCount())
	for _, f := range seg.Frames {
		require.EqualValues(t, 1, fa.Refcount(f),
			"segment not yet removed: its creation reference must keep the frames alive")
	}

	// Removal with nothing attached frees the frames immediately.
	require.Zero(t, reg.Remove(42))
	for _, f := range seg.Frames {
		require.EqualValues(t, 0, fa.Refcount(f))
	}
}

func TestRemoveDefersDeletionUntilLastDetach(t *testing.T) {
	fa := mm.NewFrameAllocator(32 * mm.PageSize)
	mgr := mm.NewManager(fa)
	reg := NewRegistry(fa)

	seg, _ := reg.Get(7, mm.PageSize)
	as := mgr.CloneKernel()
	reg.Attach(seg, as, 0, mm.WRITABLE)

	require.Zero(t, reg.Remove(7))
	_, stillThere := reg.Lookup(7)
	require.True(t, stillThere, "segment must survive while attached")

	reg.Detach(seg, as, 0)
	_, stillThere = reg.Lookup(7)
	require.False(t, stillThere, "segment must be deleted once the last attacher detaches")
	for _, f := range seg.Frames {
		require.EqualValues(t, 0, fa.Refcount(f),
			"deletion must return the segment's frames to the free pool")
	}
}
