package sharedroot

import (
	"fmt"
	"sync"

	"github.com/fusion-ipc/fusion"
)

// PoolEntry describes one secondary shared-memory pool attached to a world,
// as announced by a SHMPOOL message (spec.md §6's MsgShmPool, wire.MsgType
// value 6). Secondary pools exist alongside the single main pool addressed
// by MainPoolAddress, for callers that want their own independently-sized
// arena instead of sub-allocating the main one.
type PoolEntry struct {
	ID      uint32
	Owner   uint32 // participant id that created the pool
	Length  uint64
	Address uintptr
}

// PoolRegistry tracks the secondary shared-memory pools live in one world.
// original_source/lib/fusion/shm/pool.c maintains this as a list hanging
// off the world's shared root; SPEC_FULL.md keeps it process-local and lets
// package dispatcher replicate Attach/Detach calls to every participant via
// SHMPOOL messages, the same way ReactorRegistry replicates attach/detach
// rather than sharing a single cross-process structure directly.
type PoolRegistry struct {
	mu     sync.RWMutex
	nextID uint32
	pools  map[uint32]PoolEntry
}

// NewPoolRegistry returns an empty registry.
func NewPoolRegistry() *PoolRegistry {
	return &PoolRegistry{nextID: 1, pools: map[uint32]PoolEntry{}}
}

// Attach registers a new pool owned by owner and returns its assigned id.
func (p *PoolRegistry) Attach(owner uint32, length uint64, address uintptr) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.pools[id] = PoolEntry{ID: id, Owner: owner, Length: length, Address: address}
	return id
}

// Detach removes a pool. It returns InvalidArgument if id is unknown, since
// a detach for a pool nobody registered indicates a protocol desync between
// participants rather than a legitimate double-free.
func (p *PoolRegistry) Detach(id uint32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pools[id]; !ok {
		return fusion.NewError("Detach", fusion.InvalidArgument, fmt.Errorf("unknown pool %d", id))
	}
	delete(p.pools, id)
	return nil
}

// Lookup returns the entry for id, if any.
func (p *PoolRegistry) Lookup(id uint32) (PoolEntry, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.pools[id]
	return e, ok
}

// DetachAll removes every pool owned by participant, called from the
// dispatcher's LEAVE handling so a dead participant's pools don't linger as
// phantom entries other participants might still try to address.
func (p *PoolRegistry) DetachAll(owner uint32) []uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	var removed []uint32
	for id, e := range p.pools {
		if e.Owner == owner {
			delete(p.pools, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// Len reports the number of live pools.
func (p *PoolRegistry) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.pools)
}
