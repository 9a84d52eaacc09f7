// Package freelist implements a simple generic free list, used to recycle
// fixed-shape allocations (the buffer package's message buffers) across the
// lifetime of a dispatcher without handing memory-management work to the
// garbage collector on every frame.
package freelist

import "sync"

// List is a free list of *T, guarded by an internal mutex so it can be
// shared between a world's dispatcher goroutine and its deferred goroutine.
// The zero value is not usable; construct with New.
type List[T any] struct {
	mu    sync.Mutex
	items []*T
	new   func() *T
	reset func(*T)
}

// New returns a List that calls newFn to mint a fresh *T when the list is
// empty, and resetFn (if non-nil) to scrub a *T before it is handed back
// out by Get.
func New[T any](newFn func() *T, resetFn func(*T)) *List[T] {
	return &List[T]{new: newFn, reset: resetFn}
}

// Get removes and returns an item from the list, minting a new one if the
// list is empty.
func (l *List[T]) Get() *T {
	l.mu.Lock()
	n := len(l.items)
	if n == 0 {
		l.mu.Unlock()
		return l.new()
	}
	item := l.items[n-1]
	l.items[n-1] = nil
	l.items = l.items[:n-1]
	l.mu.Unlock()

	if l.reset != nil {
		l.reset(item)
	}
	return item
}

// Put returns an item to the list for later reuse.
func (l *List[T]) Put(item *T) {
	l.mu.Lock()
	l.items = append(l.items, item)
	l.mu.Unlock()
}

// Len reports how many items are currently parked in the list. Exposed for
// tests and for metrics, not load-bearing for correctness.
func (l *List[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.items)
}
