// Package surface implements a shared surface's flip/ack handshake and
// the frame-time pacing clients use to present at a steady rate (spec.md
// §4.6). The surface's own pixel storage, format, and outer CRUD are
// external collaborators excluded from this module's scope (spec.md §1).
package surface

import (
	"sync"
	"time"

	"github.com/jacobsa/timeutil"

	"github.com/fusion-ipc/fusion"
)

// FlipFlags mirrors the flags spec.md §4.6's Flip takes.
type FlipFlags uint32

const (
	FlipNone   FlipFlags = 0
	FlipNowait FlipFlags = 1 << 0
	FlipSwap   FlipFlags = 1 << 1
	FlipUpdate FlipFlags = 1 << 2
)

// Region is the optional damage region passed to Flip; the zero value
// means "whole surface".
type Region struct {
	X, Y, W, H int
}

// Updater is the external collaborator Flip hands the new front-buffer
// region to, spec.md §4.6's DispatchUpdate/Flip2. A real implementation
// pushes this to the compositor/display controller; this module only
// needs the seam to exist and be called with the right arguments.
type Updater interface {
	DispatchUpdate(regions []Region, flipCount uint64, frameTime time.Time) error
	Flip2(regions []Region) error
}

// Surface is the producer/consumer-shared flip state (spec.md §4.6):
// FlipCount increments on every non-UPDATE flip; FlipsAcked is bumped by
// the consumer's frame acknowledgements.
type Surface struct {
	mu         sync.Mutex
	FlipCount  uint64
	FlipsAcked uint64
}

// NewSurface returns a fresh Surface with both counters at zero.
func NewSurface() *Surface { return &Surface{} }

func (s *Surface) bumpFlipCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.FlipCount++
	return s.FlipCount
}

// Ack records a FRAME notification with the given flip_count, per spec.md
// §8's monotonic frame_ack invariant; it never decreases FlipsAcked.
func (s *Surface) Ack(flipCount uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if flipCount > s.FlipsAcked {
		s.FlipsAcked = flipCount
	}
}

func (s *Surface) counts() (flipCount, flipsAcked uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.FlipCount, s.FlipsAcked
}

// Client is a per-producer wrapper around a shared Surface implementing
// the back-buffer wait and frame-reaction from spec.md §4.6. Each
// producer of a multi-buffered surface owns its own Client.
type Client struct {
	surface *Surface
	updater Updater

	bufferCount int

	mu              sync.Mutex
	cond            *sync.Cond
	localFlipCount  uint64
	frameAck        uint64

	// Frame-time pacing state (spec.md §4.6's GetFrameTime).
	clock           timeutil.Clock
	sleep           func(time.Duration)
	interval        time.Duration
	maxAdvance      time.Duration
	currentFrameTime time.Time
	haveFrameTime   bool
}

// NewClient returns a Client wrapping surface for a producer with
// bufferCount buffers (1, 2, or 3, per spec.md §4.2's Surface &
// Allocation invariants).
func NewClient(surface *Surface, updater Updater, bufferCount int, clock timeutil.Clock) *Client {
	if clock == nil {
		clock = timeutil.RealClock()
	}
	c := &Client{
		surface:     surface,
		updater:     updater,
		bufferCount: bufferCount,
		clock:       clock,
		sleep:       time.Sleep,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// SetSleepFunc overrides the function Client calls to wait out frame-time
// pacing; tests inject one that advances a simulated clock instead of
// sleeping in real time.
func (c *Client) SetSleepFunc(fn func(time.Duration)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sleep = fn
}

// SetFrameTiming configures the per-client interval and max-advance that
// GetFrameTime uses. Surface carries no timing of its own, so these values
// apply to every GetFrameTime call on this client.
func (c *Client) SetFrameTiming(interval, maxAdvance time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interval = interval
	c.maxAdvance = maxAdvance
}

// LocalFlipCount returns the producer-local flip counter.
func (c *Client) LocalFlipCount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localFlipCount
}

// FrameAck returns the most recent frame_ack observed by this client.
func (c *Client) FrameAck() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frameAck
}

// Flip implements spec.md §4.6's Flip: on SWAP or whole-surface (no
// region), bump local_flip_count unless UPDATE is set, then dispatch the
// update; otherwise issue Flip2. Unless NOWAIT is set, block in
// wait-for-back-buffer before returning.
func (c *Client) Flip(regions []Region, flags FlipFlags) error {
	wholeSurface := len(regions) == 0
	if flags&FlipSwap != 0 || wholeSurface {
		var flipCount uint64
		if flags&FlipUpdate == 0 {
			flipCount = c.surface.bumpFlipCount()
			c.mu.Lock()
			c.localFlipCount++
			c.mu.Unlock()
		} else {
			flipCount, _ = c.surface.counts()
		}
		if err := c.updater.DispatchUpdate(regions, flipCount, c.clock.Now()); err != nil {
			return fusion.NewError("Flip", fusion.Io, err)
		}
	} else {
		if err := c.updater.Flip2(regions); err != nil {
			return fusion.NewError("Flip", fusion.Io, err)
		}
	}

	if flags&FlipNowait != 0 {
		return nil
	}
	c.waitForBackBuffer()
	return nil
}

// waitForBackBuffer implements spec.md §4.6's wait-for-back-buffer: block
// while every back buffer is still in flight, for multi-buffered surfaces
// only. IDirectFBSurface_WaitForBackBuffer blocks while
// local_flip_count - frame_ack >= local_buffer_count - 1, i.e. once only
// one buffer remains unacknowledged; see the DESIGN.md note on the
// blocking threshold.
func (c *Client) waitForBackBuffer() {
	if c.bufferCount <= 1 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.localFlipCount-c.frameAck >= uint64(c.bufferCount-1) {
		c.cond.Wait()
	}
}

// OnFrame implements spec.md §4.6's frame-reaction: on a FRAME
// notification carrying flip_count=k, set frame_ack=k (never decreasing
// it), promote a missed local flip count, and wake any waiter.
func (c *Client) OnFrame(flipCount uint64) {
	c.surface.Ack(flipCount)

	c.mu.Lock()
	defer c.mu.Unlock()
	if flipCount > c.frameAck {
		c.frameAck = flipCount
	}
	if c.localFlipCount < flipCount {
		c.localFlipCount = flipCount
	}
	c.cond.Broadcast()
}

// GetFrameTime implements spec.md §4.6's frame-time pacing: advance the
// presentation target by interval, clamp it to not precede now, and sleep
// off any excess over max_advance, returning a monotonically
// non-decreasing, bounded-lead target each call.
func (c *Client) GetFrameTime() time.Time {
	c.mu.Lock()
	interval := c.interval
	maxAdvance := c.maxAdvance
	sleepFn := c.sleep
	c.mu.Unlock()

	now := c.clock.Now()

	c.mu.Lock()
	if !c.haveFrameTime {
		c.currentFrameTime = now
		c.haveFrameTime = true
	}
	c.currentFrameTime = c.currentFrameTime.Add(interval)
	if c.currentFrameTime.Before(now) {
		c.currentFrameTime = now
	}
	target := c.currentFrameTime
	c.mu.Unlock()

	if diff := target.Sub(now); maxAdvance > 0 && diff > maxAdvance {
		sleepFn(diff - maxAdvance)
	}
	return target
}
