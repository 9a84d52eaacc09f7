package dispatcher

import "sync"

// ReactorKey identifies a publish/subscribe channel within a world: an
// object id paired with a channel id (spec.md GLOSSARY: "Reactor — a
// publish/subscribe channel within a world, keyed by (object id, channel
// id)"). This is the dropped feature mined from
// original_source/lib/fusion/fusion.c's fusion_reactor_* family
// (SPEC_FULL.md §1).
type ReactorKey struct {
	ObjectID  uint32
	ChannelID uint32
}

// ReactorListener is invoked with a REACTOR frame's payload for every
// listener attached to the frame's (object id, channel id).
type ReactorListener func(payload []byte)

// ReactorRegistry maintains, per world, the set of listeners attached to
// each (object id, channel id) pair and dispatches incoming REACTOR frames
// to them.
type ReactorRegistry struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[ReactorKey]map[uint64]ReactorListener
}

// NewReactorRegistry returns an empty registry.
func NewReactorRegistry() *ReactorRegistry {
	return &ReactorRegistry{listeners: map[ReactorKey]map[uint64]ReactorListener{}}
}

// ReactorHandle identifies one attached listener, returned by Attach so the
// caller can later Detach exactly that listener.
type ReactorHandle struct {
	key ReactorKey
	id  uint64
}

// Attach registers fn to receive every REACTOR frame addressed to key.
func (r *ReactorRegistry) Attach(key ReactorKey, fn ReactorListener) ReactorHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	m, ok := r.listeners[key]
	if !ok {
		m = map[uint64]ReactorListener{}
		r.listeners[key] = m
	}
	m[id] = fn
	return ReactorHandle{key: key, id: id}
}

// Detach removes a previously attached listener.
func (r *ReactorRegistry) Detach(h ReactorHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.listeners[h.key]
	if !ok {
		return
	}
	delete(m, h.id)
	if len(m) == 0 {
		delete(r.listeners, h.key)
	}
}

// Dispatch delivers payload to every listener currently attached to key.
// Listeners are snapshotted under the read lock and invoked outside it, so
// a listener that attaches or detaches another listener does not deadlock.
func (r *ReactorRegistry) Dispatch(key ReactorKey, payload []byte) {
	r.mu.RLock()
	m := r.listeners[key]
	fns := make([]ReactorListener, 0, len(m))
	for _, fn := range m {
		fns = append(fns, fn)
	}
	r.mu.RUnlock()

	for _, fn := range fns {
		fn(payload)
	}
}

// ListenerCount reports how many listeners are attached to key, for tests.
func (r *ReactorRegistry) ListenerCount(key ReactorKey) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners[key])
}
