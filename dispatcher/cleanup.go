package dispatcher

import "sync"

// CleanupFunc is a unit of deferred work registered by user code while a
// frame is being processed, to run once the current batch is fully drained
// (spec.md §4.7).
type CleanupFunc func(ctx any)

type cleanupEntry struct {
	id  uint64
	fn  CleanupFunc
	ctx any
}

// CleanupList is a per-world list of (fn, ctx) pairs. Add appends; Remove
// takes back a specific entry before it runs; RunAll invokes every
// registered function, in registration order, and empties the list. It is
// safe for concurrent use: the dispatcher's own processing and any
// recursive user callback it invokes may both register cleanups.
type CleanupList struct {
	mu      sync.Mutex
	nextID  uint64
	entries []cleanupEntry
}

// CleanupHandle identifies a registered entry so it can be removed with
// Remove before it runs.
type CleanupHandle uint64

// Add registers fn to run (with ctx) the next time RunAll is called.
func (l *CleanupList) Add(fn CleanupFunc, ctx any) CleanupHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.entries = append(l.entries, cleanupEntry{id: id, fn: fn, ctx: ctx})
	return CleanupHandle(id)
}

// Remove cancels a previously registered entry. It is a no-op if the entry
// already ran or was already removed.
func (l *CleanupList) Remove(h CleanupHandle) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, e := range l.entries {
		if e.id == uint64(h) {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// RunAll invokes every currently registered cleanup, in registration order,
// and empties the list. Cleanups registered by a cleanup function itself
// (re-entrant registration) run on the *next* RunAll, not this one —
// RunAll takes a snapshot before invoking anything.
func (l *CleanupList) RunAll() {
	l.mu.Lock()
	pending := l.entries
	l.entries = nil
	l.mu.Unlock()

	for _, e := range pending {
		e.fn(e.ctx)
	}
}

// Len reports the number of cleanups currently pending.
func (l *CleanupList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
