// Package inproc implements the in-process Fusion transport backend: one
// bounded queue of frame batches per participant (the oldest batch is
// dropped when a queue is full), guarded by a mutex and a condition variable,
// with no cross-process state at all (spec.md §4.1, backend 3). It exists
// so a single Go binary — typically a test — can host several
// "participants" as goroutines sharing one address space.
package inproc

import (
	"sync"

	"github.com/fusion-ipc/fusion/transport"
	"github.com/fusion-ipc/fusion/wire"
)

const ringCapacity = 256

func init() {
	transport.Register(transport.BackendInproc, Open)
}

// mailbox is one participant's inbound queue: a fixed-capacity ring of
// copied frame batches plus a condition variable a blocked Recv waits on.
type mailbox struct {
	mu        sync.Mutex
	cond      *sync.Cond
	queue     [][]byte
	unblocked bool
	closed    bool
}

func newMailbox() *mailbox {
	m := &mailbox{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

func (m *mailbox) push(batch []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if len(m.queue) >= ringCapacity {
		// Drop the oldest entry rather than block the sender forever; the
		// in-process backend is for tests, not for modeling back-pressure.
		m.queue = m.queue[1:]
	}
	m.queue = append(m.queue, batch)
	m.cond.Broadcast()
}

func (m *mailbox) recv(buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for len(m.queue) == 0 && !m.unblocked && !m.closed {
		m.cond.Wait()
	}
	if m.closed {
		return 0, transport.ErrDestroyed
	}
	if m.unblocked {
		m.unblocked = false
		return 0, nil
	}
	batch := m.queue[0]
	m.queue = m.queue[1:]
	n := copy(buf, batch)
	return n, nil
}

func (m *mailbox) unblock() {
	m.mu.Lock()
	m.unblocked = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

func (m *mailbox) close() {
	m.mu.Lock()
	m.closed = true
	m.cond.Broadcast()
	m.mu.Unlock()
}

// world is the shared state for one world index: every participant's
// mailbox, reachable so Send can deliver directly and Broadcast can reach
// everyone.
type world struct {
	mu           sync.Mutex
	nextID       uint32
	participants map[uint32]*mailbox
}

var (
	registryMu sync.Mutex
	registry   = map[int]*world{}
)

func worldFor(index int) *world {
	registryMu.Lock()
	defer registryMu.Unlock()
	w, ok := registry[index]
	if !ok {
		w = &world{nextID: 1, participants: map[uint32]*mailbox{}}
		registry[index] = w
	}
	return w
}

// Reset discards all in-process world state. Intended for use between test
// cases that reuse the same world index.
func Reset() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = map[int]*world{}
}

type endpoint struct {
	w    *world
	id   uint32
	box  *mailbox
	once sync.Once
}

// Open joins (or, if no endpoint has opened it yet, creates) the in-process
// world at index, returning an Endpoint addressed by a freshly assigned
// participant id. role is not consulted: the first endpoint to open a world
// gets id 1.
func Open(index int, role transport.Role, _ transport.OpenEnv) (transport.Endpoint, error) {
	w := worldFor(index)

	w.mu.Lock()
	id := w.nextID
	w.nextID++
	box := newMailbox()
	w.participants[id] = box
	w.mu.Unlock()

	return &endpoint{w: w, id: id, box: box}, nil
}

// ID returns the participant id assigned to this endpoint by Open, per
// transport.ParticipantIDer. It is not part of the transport.Endpoint
// interface, but the inproc backend's tests and the World layer need it to
// address frames to a specific participant.
func (e *endpoint) ID() uint32 { return e.id }

func (e *endpoint) Send(frame wire.Frame, addr transport.Addr) error {
	buf := make([]byte, wire.HeaderSize+len(frame.Payload))
	frame.Header.Size = uint32(len(buf))
	frame.Header.Encode(buf)
	copy(buf[wire.HeaderSize:], frame.Payload)

	e.w.mu.Lock()
	defer e.w.mu.Unlock()

	if addr == transport.Broadcast {
		for pid, box := range e.w.participants {
			if pid == e.id {
				continue
			}
			box.push(buf)
		}
		return nil
	}

	box, ok := e.w.participants[addr.ParticipantID]
	if !ok {
		return transport.ErrDestroyed
	}
	box.push(buf)
	return nil
}

func (e *endpoint) Recv(buf []byte) (int, error) {
	return e.box.recv(buf)
}

func (e *endpoint) Unblock() error {
	e.box.unblock()
	return nil
}

func (e *endpoint) Sync() error {
	// Nothing is buffered outside the mailbox itself; delivery is
	// synchronous with Send.
	return nil
}

func (e *endpoint) Close() error {
	e.once.Do(func() {
		e.box.close()
		e.w.mu.Lock()
		delete(e.w.participants, e.id)
		e.w.mu.Unlock()
	})
	return nil
}
