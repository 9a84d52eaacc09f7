package sharedroot

import (
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/stretchr/testify/require"
)

func TestPageAlign(t *testing.T) {
	require.Equal(t, uintptr(0), PageAlign(0))
	require.Equal(t, uintptr(PageSize), PageAlign(1))
	require.Equal(t, uintptr(PageSize), PageAlign(PageSize))
	require.Equal(t, uintptr(2*PageSize), PageAlign(PageSize+1))
}

func TestRootAddressLayout(t *testing.T) {
	const rootSize = 256

	stride := RootStride(rootSize)
	require.Equal(t, PageAlign(rootSize)+PageSize, stride)

	a0 := RootAddress(0, rootSize)
	a1 := RootAddress(1, rootSize)
	require.Equal(t, uintptr(BaseAddress), a0)
	require.Equal(t, a0+stride, a1)

	p0 := MainPoolAddress(0, rootSize)
	require.Equal(t, uintptr(MainPoolRegionBase)+MaxWorlds*stride, p0)
	require.Equal(t, p0+MainPoolStride, MainPoolAddress(1, rootSize))
}

func TestRootRefCounting(t *testing.T) {
	r := NewRoot(3, 1, time.Unix(0, 0))
	require.EqualValues(t, 1, r.RefCount)

	require.EqualValues(t, 2, r.IncRef())
	require.EqualValues(t, 1, r.DecRef())
}

func TestRootPendingOps(t *testing.T) {
	r := NewRoot(0, 1, time.Unix(0, 0))
	require.False(t, r.HasPendingOps())

	old := r.SetPendingOps(true)
	require.False(t, old)
	require.True(t, r.HasPendingOps())

	old = r.SetPendingOps(false)
	require.True(t, old)
	require.False(t, r.HasPendingOps())
}

func TestRootWorldClock(t *testing.T) {
	origin := time.Unix(1000, 0)
	r := NewRoot(0, 1, origin)
	require.Equal(t, 5*time.Second, r.WorldClock(origin.Add(5*time.Second)))
}

func TestRootArenasLockInvariants(t *testing.T) {
	r := NewRoot(0, 1, time.Unix(0, 0))
	r.LockArenas()
	r.UnlockArenas()

	r.LockReactorGlobals()
	r.UnlockReactorGlobals()
}

func TestRootArenasInvariantPanicsOnNegativeRefCount(t *testing.T) {
	r := NewRoot(0, 1, time.Unix(0, 0))
	r.DecRef()
	r.DecRef()
	require.Panics(t, func() {
		r.LockArenas()
		r.UnlockArenas()
	})
}

// rootFieldSnapshot captures Root's exported bookkeeping fields by value,
// leaving its two syncutil.InvariantMutex fields and the mirror pointer
// behind — copying a Root whole would copy those locks.
type rootFieldSnapshot struct {
	RefCount        int32
	ABIVersion      uint32
	WorldIndex      int32
	LastStateHolder uint64
	LastDestAllocID uint64
	PendingOps      int32
}

func snapshotRoot(r *Root) rootFieldSnapshot {
	return rootFieldSnapshot{
		RefCount:        r.RefCount,
		ABIVersion:      r.ABIVersion,
		WorldIndex:      r.WorldIndex,
		LastStateHolder: r.LastStateHolder,
		LastDestAllocID: r.LastDestAllocID,
		PendingOps:      r.PendingOps,
	}
}

// TestRootSnapshotDiffShowsOnlyLastStateHolderChange structurally diffs a
// SharedRoot snapshot taken before and after a state-holder handoff,
// asserting step 7's bookkeeping (spec.md §4.5) touches LastStateHolder
// alone.
func TestRootSnapshotDiffShowsOnlyLastStateHolderChange(t *testing.T) {
	r := NewRoot(0, 1, time.Unix(0, 0))

	before := snapshotRoot(r)
	r.LastStateHolder = 42
	after := snapshotRoot(r)

	diff := pretty.Compare(before, after)
	require.Contains(t, diff, "LastStateHolder")
	require.NotContains(t, diff, "RefCount")
	require.NotContains(t, diff, "PendingOps")
}

func TestSkirmishBasicLockUnlock(t *testing.T) {
	s := NewSkirmish()
	require.EqualValues(t, 0, s.Owner())

	s.Lock(7)
	require.EqualValues(t, 7, s.Owner())
	s.Unlock(7)
	require.EqualValues(t, 0, s.Owner())
}

func TestSkirmishRecursiveLock(t *testing.T) {
	s := NewSkirmish()
	s.Lock(1)
	s.Lock(1)
	require.EqualValues(t, 1, s.Owner())
	s.Unlock(1)
	require.EqualValues(t, 1, s.Owner())
	s.Unlock(1)
	require.EqualValues(t, 0, s.Owner())
}

func TestSkirmishUnlockByNonOwnerPanics(t *testing.T) {
	s := NewSkirmish()
	s.Lock(1)
	defer s.Unlock(1)
	require.Panics(t, func() {
		s.Unlock(2)
	})
}

func TestSkirmishExcludesConcurrentHolders(t *testing.T) {
	s := NewSkirmish()
	s.Lock(1)

	acquired := make(chan struct{})
	go func() {
		s.Lock(2)
		close(acquired)
		s.Unlock(2)
	}()

	select {
	case <-acquired:
		t.Fatal("second participant acquired the skirmish while the first held it")
	case <-time.After(20 * time.Millisecond):
	}

	s.Unlock(1)
	<-acquired
}

func TestSkirmishReleaseAllUnblocksWaiters(t *testing.T) {
	s := NewSkirmish()
	s.Lock(1)

	acquired := make(chan struct{})
	go func() {
		s.Lock(2)
		close(acquired)
		s.Unlock(2)
	}()

	require.NoError(t, s.ReleaseAll(1))
	<-acquired
}

func TestPoolRegistryAttachDetach(t *testing.T) {
	p := NewPoolRegistry()
	id := p.Attach(1, 4096, 0x40000000)
	require.Equal(t, 1, p.Len())

	e, ok := p.Lookup(id)
	require.True(t, ok)
	require.EqualValues(t, 1, e.Owner)
	require.EqualValues(t, 4096, e.Length)

	require.NoError(t, p.Detach(id))
	require.Equal(t, 0, p.Len())

	err := p.Detach(id)
	require.Error(t, err)
}

func TestPoolRegistryDetachAll(t *testing.T) {
	p := NewPoolRegistry()
	p.Attach(1, 4096, 0x1000)
	p.Attach(1, 4096, 0x2000)
	p.Attach(2, 4096, 0x3000)

	removed := p.DetachAll(1)
	require.Len(t, removed, 2)
	require.Equal(t, 1, p.Len())
}
