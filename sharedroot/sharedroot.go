// Package sharedroot implements the cross-process memory-mapped object
// describing a Fusion world (spec.md §3, "Shared World Root") together
// with the general-purpose cross-process mutex ("Skirmish") and secondary
// shared-memory pool bookkeeping that spec.md's original_source mined
// features call for (SPEC_FULL.md §1).
package sharedroot

import (
	"sync/atomic"
	"time"

	"github.com/jacobsa/syncutil"
)

// MaxWorlds bounds the world index space, per spec.md §3/§8
// ("enter(world_index = MAX_WORLDS) -> InvalidArgument").
const MaxWorlds = 64

// Fixed virtual-address layout constants, preserved bit-exactly per
// spec.md §6: "These values are a contract with existing persisted state
// and must be preserved bit-exactly." A new deployment that does not need
// to interoperate with that persisted state may ignore BaseAddress and
// MainPoolRegionBase and let the OS place the mappings (§9's redesign
// note); this package still computes them for callers that do care.
const (
	BaseAddress        = 0x20000000
	MainPoolRegionBase = 0x20000000
	MainPoolStride     = 0x8000000
	MainPoolLength     = 0x8000000 - 1
	PageSize           = 4096
)

// PageAlign rounds n up to the next multiple of PageSize.
func PageAlign(n uintptr) uintptr {
	return (n + PageSize - 1) &^ (PageSize - 1)
}

// RootStride is the per-world stride for the root mapping:
// page_align(sizeof(Root)) + pagesize, per spec.md §3.
func RootStride(rootSize uintptr) uintptr {
	return PageAlign(rootSize) + PageSize
}

// RootAddress returns the deterministic virtual address of the root
// mapping for worldIndex, per spec.md §6.
func RootAddress(worldIndex int, rootSize uintptr) uintptr {
	return BaseAddress + uintptr(worldIndex)*RootStride(rootSize)
}

// MainPoolAddress returns the deterministic virtual address of the main
// shared-memory pool for worldIndex, per spec.md §6.
func MainPoolAddress(worldIndex int, rootSize uintptr) uintptr {
	return MainPoolRegionBase + MaxWorlds*RootStride(rootSize) + uintptr(worldIndex)*MainPoolStride
}

// Root is the process-local view of a world's shared root. Every field
// after initialization is written only by the master, except RefCount
// (spec.md §3's invariant); this struct is the Go-side mirror of whatever
// bytes are actually mapped, not the mapping itself — see Mapping.
type Root struct {
	RefCount    int32 // atomic; masters only decrement
	ABIVersion  uint32
	WorldIndex  int32
	ClockOrigin time.Time

	// LastStateHolder identifies which state-bearing entity (by an
	// opaque id, e.g. a card context) most recently had its state made
	// current on the hardware — spec.md §4.5 step 7.
	LastStateHolder uint64
	// LastDestAllocID is the allocation id targeted by the most recent
	// emitted primitive — spec.md §4.5 step 8.
	LastDestAllocID uint64
	PendingOps      int32 // atomic bool (0/1)

	BusyStart time.Time
	IdleStart time.Time

	arenasLock        syncutil.InvariantMutex
	reactorGlobalLock syncutil.InvariantMutex

	// mirror, if set by AttachMirror, is the RefCount word of a Mapping's
	// shared-memory root region; IncRef/DecRef keep it in sync so a process
	// with only a Mapping (no Root) can still observe the live count.
	mirror *int32
}

// NewRoot initializes a root for worldIndex with the given ABI version.
// Only the master calls this; slaves never hold a Root. A slave's ABI
// version is checked by the master during World.Activate's handshake call,
// and a socket-mode slave reads the mirrored refcount through a Mapping.
func NewRoot(worldIndex int, abiVersion uint32, now time.Time) *Root {
	r := &Root{
		ABIVersion:  abiVersion,
		WorldIndex:  int32(worldIndex),
		ClockOrigin: now,
	}
	r.RefCount = 1
	r.arenasLock = syncutil.NewInvariantMutex(r.checkArenasInvariants)
	r.reactorGlobalLock = syncutil.NewInvariantMutex(func() {})
	return r
}

// checkArenasInvariants is wired into arenasLock so every lock/unlock in a
// build with the invariant checker enabled re-validates that PendingOps is
// 0 or 1 and RefCount never went negative — the "compile-time-configurable
// invariant checker that wraps MAGIC_ASSERT callsites" called for in
// spec.md §9.
func (r *Root) checkArenasInvariants() {
	p := atomic.LoadInt32(&r.PendingOps)
	if p != 0 && p != 1 {
		panic("sharedroot: PendingOps out of range")
	}
	if atomic.LoadInt32(&r.RefCount) < 0 {
		panic("sharedroot: RefCount went negative")
	}
}

// LockArenas acquires the arenas lock (spec.md §3: "arenas lock").
func (r *Root) LockArenas() { r.arenasLock.Lock() }

// UnlockArenas releases the arenas lock.
func (r *Root) UnlockArenas() { r.arenasLock.Unlock() }

// LockReactorGlobals acquires the reactor-globals lock.
func (r *Root) LockReactorGlobals() { r.reactorGlobalLock.Lock() }

// UnlockReactorGlobals releases the reactor-globals lock.
func (r *Root) UnlockReactorGlobals() { r.reactorGlobalLock.Unlock() }

// AttachMirror wires word (expected to be a Mapping.RefCountWord) as the
// shared-memory mirror of RefCount: every IncRef/DecRef from this point on
// also stores into word, so a process that only has the Mapping can read
// the live count without calling into this Root at all.
func (r *Root) AttachMirror(word *int32) {
	atomic.StoreInt32(word, atomic.LoadInt32(&r.RefCount))
	r.mirror = word
}

// IncRef atomically bumps the participant refcount. The master calls it
// when a slave's Activate handshake succeeds, and in the parent when a
// master World forks with FFAFork; NewRoot already counts the master itself.
func (r *Root) IncRef() int32 {
	v := atomic.AddInt32(&r.RefCount, 1)
	if r.mirror != nil {
		atomic.StoreInt32(r.mirror, v)
	}
	return v
}

// DecRef atomically decrements the participant refcount, returning the new
// value. Per spec.md §3, "only the master decrements"; slaves that leave
// go through the LEAVE message path instead, which the master's dispatcher
// turns into a DecRef.
func (r *Root) DecRef() int32 {
	v := atomic.AddInt32(&r.RefCount, -1)
	if r.mirror != nil {
		atomic.StoreInt32(r.mirror, v)
	}
	return v
}

// SetPendingOps atomically sets or clears the pending-ops flag, returning
// the previous value.
func (r *Root) SetPendingOps(v bool) (old bool) {
	var n int32
	if v {
		n = 1
	}
	prev := atomic.SwapInt32(&r.PendingOps, n)
	return prev != 0
}

// HasPendingOps reports the current pending-ops flag.
func (r *Root) HasPendingOps() bool {
	return atomic.LoadInt32(&r.PendingOps) != 0
}

// WorldClock returns the elapsed time since the world's clock origin.
func (r *Root) WorldClock(now time.Time) time.Duration {
	return now.Sub(r.ClockOrigin)
}
