package surface

import (
	"testing"
	"time"

	"github.com/jacobsa/timeutil"
	"github.com/stretchr/testify/require"
)

type fakeUpdater struct {
	updates int
	flip2s  int
}

func (u *fakeUpdater) DispatchUpdate(regions []Region, flipCount uint64, frameTime time.Time) error {
	u.updates++
	return nil
}

func (u *fakeUpdater) Flip2(regions []Region) error {
	u.flip2s++
	return nil
}

// TestDoubleBufferedBackPressure implements spec.md §8 scenario 3, with the
// back-buffer-wait threshold resolved to buffer_count-1 per
// original_source's IDirectFBSurface_WaitForBackBuffer: with only one back
// buffer, every Flip must wait for the previous frame's ack before
// returning.
func TestDoubleBufferedBackPressure(t *testing.T) {
	s := NewSurface()
	u := &fakeUpdater{}
	c := NewClient(s, u, 2, nil)

	done := make(chan error, 1)
	go func() {
		done <- c.Flip(nil, FlipSwap)
	}()

	select {
	case <-done:
		t.Fatal("Flip should block until the previous frame is acked")
	case <-time.After(100 * time.Millisecond):
	}

	c.OnFrame(1)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Flip never unblocked after ack")
	}

	require.EqualValues(t, 1, c.LocalFlipCount())
	require.EqualValues(t, 1, c.FrameAck())
}

// TestTripleBufferCatchUp implements spec.md §8 scenario 4, with the
// back-buffer-wait threshold resolved to buffer_count-1: a producer may
// race ahead with NOWAIT flips without blocking, but a real (waiting) flip
// still blocks until the consumer's ack closes the gap to buffer_count-1
// outstanding frames.
func TestTripleBufferCatchUp(t *testing.T) {
	s := NewSurface()
	u := &fakeUpdater{}
	c := NewClient(s, u, 3, nil)

	done := make(chan error, 1)
	go func() {
		require.NoError(t, c.Flip(nil, FlipSwap|FlipNowait))
		require.NoError(t, c.Flip(nil, FlipSwap|FlipNowait))
		done <- c.Flip(nil, FlipSwap|FlipNowait)
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("NOWAIT flips should never block")
	}

	c.OnFrame(2)

	require.EqualValues(t, 2, c.FrameAck())
	require.EqualValues(t, 3, c.LocalFlipCount())

	// A fourth, waiting Flip still needs one more ack: local_flip_count
	// becomes 4, and 4-2 >= buffer_count-1 (2) until frame_ack reaches 3.
	blockingDone := make(chan error, 1)
	go func() { blockingDone <- c.Flip(nil, FlipSwap) }()

	select {
	case <-blockingDone:
		t.Fatal("fourth Flip should block until the producer catches up by one more ack")
	case <-time.After(100 * time.Millisecond):
	}

	c.OnFrame(3)

	select {
	case err := <-blockingDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Flip never unblocked after catch-up ack")
	}
}

func TestFlipNowaitNeverBlocks(t *testing.T) {
	s := NewSurface()
	u := &fakeUpdater{}
	c := NewClient(s, u, 2, nil)

	done := make(chan error, 1)
	go func() { done <- c.Flip(nil, FlipSwap|FlipNowait) }()
	go func() { <-done }()

	done2 := make(chan error, 1)
	go func() { done2 <- c.Flip(nil, FlipSwap|FlipNowait) }()

	select {
	case err := <-done2:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("NOWAIT Flip blocked")
	}
}

// TestFrameTimePacing implements spec.md §8 scenario 6.
func TestFrameTimePacing(t *testing.T) {
	clock := &timeutil.SimulatedClock{}
	clock.SetTime(time.Unix(0, 0))

	s := NewSurface()
	c := NewClient(s, &fakeUpdater{}, 1, clock)
	c.SetFrameTiming(16667*time.Microsecond, 50000*time.Microsecond)

	var sleeps []time.Duration
	c.SetSleepFunc(func(d time.Duration) {
		sleeps = append(sleeps, d)
		clock.AdvanceTime(d)
	})

	base := clock.Now()

	t1 := c.GetFrameTime()
	require.Equal(t, 16667*time.Microsecond, t1.Sub(base))

	t2 := c.GetFrameTime()
	require.Equal(t, 33334*time.Microsecond, t2.Sub(base))

	t3 := c.GetFrameTime()
	require.Equal(t, 50001*time.Microsecond, t3.Sub(base))
	require.Len(t, sleeps, 1)
	require.Equal(t, 1*time.Microsecond, sleeps[0])

	t4 := c.GetFrameTime()
	require.Equal(t, 66668*time.Microsecond, t4.Sub(base))
	require.Len(t, sleeps, 2)
	require.Equal(t, 16667*time.Microsecond, sleeps[1])

	// Never more than max_advance ahead of now at return time.
	require.LessOrEqual(t, t4.Sub(clock.Now()), 50000*time.Microsecond)
}
