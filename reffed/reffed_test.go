package reffed

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFederationUpDown(t *testing.T) {
	f := New()
	ref := f.Up(2, 100, 3)
	require.EqualValues(t, 3, ref.Count())

	require.NoError(t, f.Down(2, 100, 1))
	require.EqualValues(t, 2, ref.Count())

	_, ok := f.Lookup(100)
	require.True(t, ok)
}

func TestFederationDownUnknownEntry(t *testing.T) {
	f := New()
	err := f.Down(1, 999, 1)
	require.Error(t, err)
}

func TestFederationDownToZeroRemovesEntry(t *testing.T) {
	f := New()
	f.Up(1, 5, 2)
	require.NoError(t, f.Down(1, 5, 2))
	require.Equal(t, 0, f.EntryCount())
	_, ok := f.Lookup(5)
	require.False(t, ok)
}

// TestSlaveDeathReclaimsRefs implements spec.md §8 scenario 2: a slave ups
// a ref with count=3, then leaves (or is found dead); the master's
// collector must have decreased the ref count by exactly 3.
func TestSlaveDeathReclaimsRefs(t *testing.T) {
	f := New()
	const slave = uint32(2)
	const refID = uint32(7)

	ref := f.Up(slave, refID, 3)
	require.EqualValues(t, 3, ref.Count())
	require.Equal(t, 1, f.EntryCount())

	f.HandleLeave(slave)

	require.EqualValues(t, 0, ref.Count())
	require.Equal(t, 0, f.EntryCount())
	_, ok := f.Lookup(refID)
	require.False(t, ok)
}

func TestFederationLeaveOnlyCollectsLeaverEntries(t *testing.T) {
	f := New()
	refA := f.Up(1, 10, 5)
	refB := f.Up(2, 11, 2)

	f.HandleLeave(1)

	require.EqualValues(t, 0, refA.Count())
	require.EqualValues(t, 2, refB.Count())
	require.Equal(t, 1, f.EntryCount())
}

func TestSlaveMapTrackFindForget(t *testing.T) {
	s := NewSlaveMap()
	ref := &Ref{ID: 42}
	s.Track(ref)

	got, ok := s.Find(42)
	require.True(t, ok)
	require.Same(t, ref, got)

	s.Forget(42)
	_, ok = s.Find(42)
	require.False(t, ok)
}
