// Package reffed implements reference federation (spec.md §4.4): the
// master's global `(participant_id, ref_id) -> (ref, count)` map and each
// slave's local `ref_id -> ref` map, plus the collection that runs when a
// participant leaves or is found dead.
package reffed

import (
	"sync"

	"github.com/fusion-ipc/fusion"
)

// Ref is a shared counted object. Only Federation mutates its count; the
// zero value is not meaningful on its own, callers get one from Up/the
// slave map.
type Ref struct {
	ID uint32

	mu    sync.Mutex
	count int32
}

// Count reports the ref's current count, for tests and diagnostics.
func (r *Ref) Count() int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

type masterKey struct {
	participant uint32
	refID       uint32
}

type masterEntry struct {
	ref   *Ref
	count int32
}

// Federation is the master-side reference tracker: the map keyed by
// (participant_id, ref_id) spec.md §4.4 describes, plus the LEAVE-triggered
// collector. A Federation is created once per world by the master; slaves
// use SlaveMap instead.
type Federation struct {
	mu      sync.Mutex
	entries map[masterKey]*masterEntry
	refs    map[uint32]*Ref // ref_id -> Ref, so collection can look one up by id alone
}

// New returns an empty master-side Federation.
func New() *Federation {
	return &Federation{
		entries: map[masterKey]*masterEntry{},
		refs:    map[uint32]*Ref{},
	}
}

// Up records that participant now holds delta additional references to
// refID, creating the Ref if this is the first holder anywhere in the
// world. Returns the Ref so callers (e.g. the world-refs call handler) can
// hand its id back across the wire.
func (f *Federation) Up(participant uint32, refID uint32, delta int32) *Ref {
	f.mu.Lock()
	defer f.mu.Unlock()

	ref, ok := f.refs[refID]
	if !ok {
		ref = &Ref{ID: refID}
		f.refs[refID] = ref
	}
	ref.mu.Lock()
	ref.count += delta
	ref.mu.Unlock()

	key := masterKey{participant: participant, refID: refID}
	e, ok := f.entries[key]
	if !ok {
		e = &masterEntry{ref: ref}
		f.entries[key] = e
	}
	e.count += delta
	return ref
}

// Down is the master-side handler for spec.md §4.4's world-refs call: a
// slave wants to give back `count` references to refID it was holding on
// behalf of participant. It locates the (participant, ref_id) entry, calls
// ref-down, and removes the entry once its local count reaches zero.
func (f *Federation) Down(participant uint32, refID uint32, count int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := masterKey{participant: participant, refID: refID}
	e, ok := f.entries[key]
	if !ok {
		return fusion.NewError("Federation.Down", fusion.InvalidArgument, nil)
	}

	e.ref.mu.Lock()
	e.ref.count -= count
	e.ref.mu.Unlock()

	e.count -= count
	if e.count <= 0 {
		delete(f.entries, key)
	}
	if e.ref.Count() <= 0 {
		delete(f.refs, refID)
	}
	return nil
}

// HandleLeave implements dispatcher.LeaveHandler: it scans the map for
// every entry whose participant equals the leaver and releases all of it,
// spec.md §4.4's "On LEAVE..., the master scans its map for entries whose
// participant equals the leaver and calls ref-down count times each, then
// removes the entries."
func (f *Federation) HandleLeave(participant uint32) {
	f.mu.Lock()
	var toRelease []masterKey
	for key := range f.entries {
		if key.participant == participant {
			toRelease = append(toRelease, key)
		}
	}
	f.mu.Unlock()

	for _, key := range toRelease {
		f.mu.Lock()
		e, ok := f.entries[key]
		if !ok {
			f.mu.Unlock()
			continue
		}
		delete(f.entries, key)
		f.mu.Unlock()

		e.ref.mu.Lock()
		e.ref.count -= e.count
		left := e.ref.count
		e.ref.mu.Unlock()

		if left <= 0 {
			f.mu.Lock()
			delete(f.refs, e.ref.ID)
			f.mu.Unlock()
		}
	}
}

// Lookup returns the Ref for refID, if the master currently knows of it.
func (f *Federation) Lookup(refID uint32) (*Ref, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.refs[refID]
	return r, ok
}

// EntryCount reports the number of live (participant, ref_id) entries, for
// tests asserting that a LEAVE fully collected a dead slave's references.
func (f *Federation) EntryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

// SlaveMap is a slave's local `ref_id -> ref` map (spec.md §4.4: "Slaves
// hold a map ref_id -> ref_ptr (they only need to find the ref to decrement
// locally)"). Decrementing to zero locally does not itself free anything
// cross-process; the slave must still call the world-refs call so the
// master's Federation.Down runs.
type SlaveMap struct {
	mu   sync.Mutex
	refs map[uint32]*Ref
}

// NewSlaveMap returns an empty slave-side map.
func NewSlaveMap() *SlaveMap {
	return &SlaveMap{refs: map[uint32]*Ref{}}
}

// Track registers a locally-known Ref so a later Find can decrement it.
func (s *SlaveMap) Track(ref *Ref) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refs[ref.ID] = ref
}

// Find returns the locally-tracked Ref for refID, if any.
func (s *SlaveMap) Find(refID uint32) (*Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.refs[refID]
	return r, ok
}

// Forget drops the local entry for refID, e.g. after the matching world-refs
// call has told the master to release it.
func (s *SlaveMap) Forget(refID uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.refs, refID)
}

// Clone returns a SlaveMap holding the same (refID -> Ref) entries as s,
// for the fork child-action FFAFork (spec.md §4.2: "duplicate the
// participant's local refs shared record"). The Refs themselves are shared,
// not deep-copied: both the parent and the forked child still refer to the
// same counted objects, matching the new participant id's entries on the
// master side rather than a genuinely independent copy.
func (s *SlaveMap) Clone() *SlaveMap {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := NewSlaveMap()
	for id, ref := range s.refs {
		c.refs[id] = ref
	}
	return c
}
