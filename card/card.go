// Package card implements the graphics-card command serializer (spec.md
// §4.5): the per-world GPU lock, the state-check/acquire protocol that
// runs before every accelerated primitive, command-emit batching, and
// busy/idle time accounting.
package card

import (
	"fmt"
	"time"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fusion-ipc/fusion"
	"github.com/fusion-ipc/fusion/sharedroot"
)

// OpMask is a bitmask over drawing/blitting operations, used for the
// checked/accelerated/modified/hardware-needs-update/set bitmasks spec.md
// §3 attaches to Card State.
type OpMask uint64

// Primitive bits, one per drawing/blitting operation this module models.
// Real deployments have many more; the set here is enough to exercise the
// full state-check-acquire protocol end to end.
const (
	OpFillRectangle OpMask = 1 << iota
	OpDrawRectangle
	OpFillTriangle
	OpBlit
)

// Has reports whether every bit in other is present in m.
func (m OpMask) Has(other OpMask) bool { return m&other == other }

// Primitive identifies a single drawing/blitting operation.
type Primitive int

const (
	FillRectangle Primitive = iota
	DrawRectangle
	FillTriangle
	Blit
)

func (p Primitive) bit() OpMask {
	switch p {
	case FillRectangle:
		return OpFillRectangle
	case DrawRectangle:
		return OpDrawRectangle
	case FillTriangle:
		return OpFillTriangle
	case Blit:
		return OpBlit
	default:
		return 0
	}
}

func (p Primitive) usesSource() bool { return p == Blit }

// AllocationID identifies a single surface buffer allocation, the unit
// spec.md §4.5 step 8's "destination allocation id" tracks.
type AllocationID uint64

// Serial is the driver-stamped command-stream position returned by
// GetSerial, spec.md §4.5's Release step.
type Serial uint64

// Rect is an axis-aligned clip/destination rectangle.
type Rect struct {
	X, Y, W, H int
}

// Intersect returns the intersection of r and other.
func (r Rect) Intersect(other Rect) Rect {
	x0, y0 := max(r.X, other.X), max(r.Y, other.Y)
	x1, y1 := min(r.X+r.W, other.X+other.W), min(r.Y+r.H, other.Y+other.H)
	if x1 < x0 {
		x1 = x0
	}
	if y1 < y0 {
		y1 = y0
	}
	return Rect{X: x0, Y: y0, W: x1 - x0, H: y1 - y0}
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// SurfaceRef is the minimal view of a surface the serializer needs:
// enough to validate, clip against, lock in canonical order, and identify
// for the destination-allocation-change check. The surface's own CRUD
// (getters, color setters) is excluded from this module's scope (spec.md
// §1).
type SurfaceRef struct {
	ID           uint64
	AllocationID AllocationID
	Bounds       Rect
	SystemOnly   bool // true if this buffer has no accelerator-visible backing

	lock sharedroot.Skirmish
}

// NewSurfaceRef returns a SurfaceRef for the given stable id.
func NewSurfaceRef(id uint64, bounds Rect) *SurfaceRef {
	return &SurfaceRef{ID: id, Bounds: bounds}
}

// Driver is the external collaborator every accelerated display-driver
// module implements (spec.md §1 excludes individual driver modules from
// this core; this interface is what the core calls into).
type Driver interface {
	// CheckState reports which ops in primitive's class the driver has now
	// validated against state (checked) and which of those it can actually
	// accelerate (accel).
	CheckState(state *State, primitive Primitive) (checked, accel OpMask)

	// SetState pushes whatever part of state the driver needs onto the
	// hardware/command-stream before primitive can be dispatched.
	SetState(state *State, primitive Primitive) error

	// EmitCommands flushes the pending command buffer to the device.
	EmitCommands() error

	// Sync blocks until the device has consumed every emitted command.
	Sync() error

	// Reset recovers the driver's internal command-stream state after a
	// Sync failure.
	Reset()

	// GetSerial stamps allocation with the current command-stream
	// position, so a later consumer can tell whether its contents are
	// final.
	GetSerial(allocation AllocationID) (Serial, error)

	// CanAccelerateSystemMemory reports whether the accelerator can read
	// and write system-memory-only surfaces directly. spec.md §4.5 step 5
	// refuses hardware when the destination is system-memory-only and this
	// is false.
	CanAccelerateSystemMemory() bool
}

// RectangleEmitter is an optional Driver capability for queuing a single
// filled rectangle onto the command stream. Driver itself is held to
// SPEC_FULL.md's fixed method set, so per-primitive geometry submission
// lives in this separate interface instead; card/primitives.go type-asserts
// for it and falls back to software rendering when a driver doesn't
// implement it.
type RectangleEmitter interface {
	QueueFillRectangle(x, y, w, h int, color uint32) error
}

// State is the mutable draw context propagated to the driver before every
// primitive (spec.md §3's "Card State"). A given *State is typically owned
// by one producer; HolderID identifies that owner so the serializer can
// tell when "the state holder" changes (step 7).
type State struct {
	HolderID uint64

	Destination *SurfaceRef
	Source      *SurfaceRef
	SourceMask  *SurfaceRef
	Source2     *SurfaceRef

	UseSourceMask bool
	UseSource2    bool

	Clip Rect

	Checked OpMask // ops the driver has validated for the current hardware state
	Accel   OpMask // subset of Checked the driver can accelerate
	Set     OpMask // ops whose full hardware state is current
	ModHW   OpMask // ops needing a hardware state push before next dispatch
	Modified OpMask // fields changed since the last driver dispatch

	mu syncutil.InvariantMutex
}

// NewState returns a State targeting destination, with its invariant-mutex
// wired the way samples/memfs/fs.go wires fs.mu: the checker runs on every
// Lock/Unlock of state.mu rather than at scattered call sites.
func NewState(destination *SurfaceRef) *State {
	s := &State{Destination: destination}
	s.mu = syncutil.NewInvariantMutex(s.checkInvariants)
	return s
}

// checkInvariants validates the bitmask relationships spec.md §3 requires
// to hold at all times: every accelerable op must already be a checked one.
func (s *State) checkInvariants() {
	if !s.Checked.Has(s.Accel) {
		panic("card: checked does not superset accel")
	}
}

// LockFlags are the flags passed to Serializer.Lock (spec.md §4.5).
type LockFlags uint32

const (
	LockNone       LockFlags = 0
	LockSync       LockFlags = 1 << 0
	LockReset      LockFlags = 1 << 1
	LockInvalidate LockFlags = 1 << 2
)

// Serializer is the single per-world mutex guarding GPU state (spec.md
// §4.5), built on sharedroot.Skirmish instead of a private sync.Mutex so
// other subsystems could, in principle, observe or break its lock the same
// way original_source/lib/fusion/fusion.c's fusion_skirmish_* primitives
// are reusable beyond the card.
type Serializer struct {
	participant uint32
	skirmish    *sharedroot.Skirmish
	root        *sharedroot.Root
	driver      Driver
	clock       timeutil.Clock
	earlyEmit   bool

	lastLockFlags LockFlags

	intervalLength time.Duration
	intervalStart  time.Time
	busySum        time.Duration

	busyGauge prometheus.Gauge
}

// NewSerializer constructs a Serializer for one world. participant is the
// id this process uses to acquire the skirmish; earlyEmit controls whether
// Release emits immediately (true) or defers to the next SYNC/flush/
// destination-switch (false), per spec.md §4.5's Release step.
func NewSerializer(participant uint32, root *sharedroot.Root, driver Driver, clock timeutil.Clock, earlyEmit bool, intervalLength time.Duration) *Serializer {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	return &Serializer{
		participant:    participant,
		skirmish:       sharedroot.NewSkirmish(),
		root:           root,
		driver:         driver,
		clock:          clock,
		earlyEmit:      earlyEmit,
		intervalLength: intervalLength,
		intervalStart:  clock.Now(),
		busyGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusion_card_busy_ratio",
			Help: "Fraction of the last accounting interval the GPU was busy.",
		}),
	}
}

// BusyGauge exposes the busy-ratio gauge for registration with a
// prometheus.Registry.
func (s *Serializer) BusyGauge() prometheus.Gauge { return s.busyGauge }

// Lock acquires the GPU mutex and applies spec.md §4.5's Lock operation.
func (s *Serializer) Lock(flags LockFlags) error {
	s.skirmish.Lock(s.participant)

	if flags&LockSync != 0 {
		if s.root.HasPendingOps() {
			s.switchBusy()
			if err := s.driver.EmitCommands(); err != nil {
				s.skirmish.Unlock(s.participant)
				return fusion.NewError("Serializer.Lock", fusion.Fusion, err)
			}
			s.root.SetPendingOps(false)
		}
		if err := s.driver.Sync(); err != nil {
			s.driver.Reset()
			s.root.LastStateHolder = 0
		}
		s.switchIdle()
	}

	if s.lastLockFlags&LockReset != 0 {
		s.driver.Reset()
	}
	if s.lastLockFlags&LockInvalidate != 0 {
		s.root.LastStateHolder = 0
	}
	s.lastLockFlags = flags
	return nil
}

// Unlock releases the GPU mutex.
func (s *Serializer) Unlock() {
	s.skirmish.Unlock(s.participant)
}

// Flush implements spec.md §4.5's Flush: if early-emit is off and there are
// pending ops, emit them now; otherwise it is a no-op.
func (s *Serializer) Flush() error {
	if s.earlyEmit || !s.root.HasPendingOps() {
		return nil
	}
	if err := s.Lock(LockNone); err != nil {
		return err
	}
	defer s.Unlock()
	s.switchBusy()
	if err := s.driver.EmitCommands(); err != nil {
		return fusion.NewError("Serializer.Flush", fusion.Fusion, err)
	}
	s.root.SetPendingOps(false)
	return nil
}

func (s *Serializer) switchBusy() {
	s.root.BusyStart = s.clock.Now()
}

func (s *Serializer) switchIdle() {
	now := s.clock.Now()
	s.root.IdleStart = now
	s.busySum += now.Sub(s.root.BusyStart)

	if s.intervalLength <= 0 {
		return
	}
	if elapsed := now.Sub(s.intervalStart); elapsed >= s.intervalLength {
		ratio := float64(s.busySum) / float64(elapsed)
		s.busyGauge.Set(ratio)
		fusion.Debugf("card: busy/total = %.4f over %s", ratio, elapsed)
		s.busySum = 0
		s.intervalStart = now
	}
}

// lockMany acquires every non-nil surface in canonical order — destination,
// source, source-mask, source2 — per spec.md §4.5 step 3 and §9's
// redesign note ("a lock_many(surfaces) primitive that sorts the surfaces
// by stable id... callers supply the set, the primitive enforces canonical
// order"). Locking is always attempted in this fixed role order rather than
// by numeric id, since the roles themselves already define a total order
// for this call site.
func lockMany(participant uint32, surfaces ...*SurfaceRef) {
	for _, s := range surfaces {
		if s != nil {
			s.lock.Lock(participant)
		}
	}
}

// unlockMany releases surfaces in the reverse of the order lockMany
// acquired them.
func unlockMany(participant uint32, surfaces ...*SurfaceRef) {
	for i := len(surfaces) - 1; i >= 0; i-- {
		if surfaces[i] != nil {
			surfaces[i].lock.Unlock(participant)
		}
	}
}

// StateCheckAcquire implements spec.md §4.5's ten-step state-check
// acquisition protocol, executed before every accelerated primitive.
func (s *Serializer) StateCheckAcquire(state *State, primitive Primitive) error {
	// Step 1: validate.
	if state.Destination == nil {
		return fusion.NewError("StateCheckAcquire", fusion.InvalidArgument, fmt.Errorf("no destination"))
	}
	if primitive.usesSource() && state.Source == nil {
		return fusion.NewError("StateCheckAcquire", fusion.InvalidArgument, fmt.Errorf("no source"))
	}
	if state.UseSourceMask && state.SourceMask == nil {
		return fusion.NewError("StateCheckAcquire", fusion.InvalidArgument, fmt.Errorf("no source mask"))
	}
	if state.UseSource2 && state.Source2 == nil {
		return fusion.NewError("StateCheckAcquire", fusion.InvalidArgument, fmt.Errorf("no source2"))
	}

	// Step 2: clamp clip to destination bounds.
	clamped := state.Clip.Intersect(state.Destination.Bounds)
	if clamped != state.Clip {
		state.Clip = clamped
		state.Modified |= OpDrawRectangle // CLIP-modified, approximated with the draw-rect bit
	}

	// Step 3: lock surfaces in canonical order.
	lockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)

	// Step 4: ask the driver about this primitive if not already checked.
	bit := primitive.bit()
	if !state.Checked.Has(bit) {
		state.mu.Lock()
		checked, accel := s.driver.CheckState(state, primitive)
		state.Checked |= checked
		state.Accel |= accel
		state.mu.Unlock()
	}

	if !state.Accel.Has(bit) {
		unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
		return fusion.NewError("StateCheckAcquire", fusion.Unsupported, fmt.Errorf("driver cannot accelerate %v", primitive))
	}

	// Step 5: refuse hardware for system-memory-only destinations the
	// accelerator cannot touch directly.
	if state.Destination.SystemOnly && !s.driver.CanAccelerateSystemMemory() {
		unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
		return fusion.NewError("StateCheckAcquire", fusion.Unsupported, fmt.Errorf("destination is system-memory-only"))
	}

	// Step 6: acquire the GPU lock.
	if err := s.Lock(LockNone); err != nil {
		unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
		return err
	}

	// Step 7: state-holder change forces a full re-push.
	if s.root.LastStateHolder != state.HolderID {
		state.Modified = OpFillRectangle | OpDrawRectangle | OpFillTriangle | OpBlit
		state.Set = 0
		s.root.LastStateHolder = state.HolderID
	}

	// Step 8: destination allocation change forces a pending-op emit.
	if AllocationID(s.root.LastDestAllocID) != state.Destination.AllocationID && s.root.HasPendingOps() {
		if err := s.driver.EmitCommands(); err != nil {
			s.Unlock()
			unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
			return fusion.NewError("StateCheckAcquire", fusion.Fusion, err)
		}
		s.root.SetPendingOps(false)
	}
	s.root.LastDestAllocID = uint64(state.Destination.AllocationID)

	// Step 9: push state to hardware if anything needs it.
	if state.ModHW != 0 || !state.Set.Has(bit) {
		if err := s.driver.SetState(state, primitive); err != nil {
			s.Unlock()
			unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
			return fusion.NewError("StateCheckAcquire", fusion.Fusion, err)
		}
		state.Set |= bit
		state.ModHW = 0
		state.Modified = 0
	}

	return nil
}

// StateRelease implements spec.md §4.5's Release: stamp the destination
// allocation's serial, emit or defer per earlyEmit, unlock the GPU, and
// unlock surfaces in reverse acquisition order.
func (s *Serializer) StateRelease(state *State) (Serial, error) {
	serial, err := s.driver.GetSerial(state.Destination.AllocationID)
	if err != nil {
		s.Unlock()
		unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
		return 0, fusion.NewError("StateRelease", fusion.Fusion, err)
	}

	if s.earlyEmit {
		if err := s.driver.EmitCommands(); err != nil {
			s.Unlock()
			unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
			return 0, fusion.NewError("StateRelease", fusion.Fusion, err)
		}
		s.root.SetPendingOps(false)
	} else {
		s.root.SetPendingOps(true)
	}

	s.Unlock()
	unlockMany(s.participant, state.Destination, state.Source, state.SourceMask, state.Source2)
	return serial, nil
}
