// Package buffer provides a bounded FIFO used for capped insight lists.
package buffer

import (
	"sync"
)

// Ring is a thread-safe bounded FIFO that keeps the most recent items up to
// its capacity. When full, the oldest item is discarded to make room.
//
// Items come back out in insertion order.
type Ring[T any] struct {
	items    []T
	capacity int
	mu       sync.RWMutex
}

// NewRing creates a Ring with the given capacity.
// The capacity must be greater than 0; if not, it defaults to 1.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{
		items:    make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends item, evicting the oldest items if capacity is exceeded.
// It returns how many items were evicted.
func (r *Ring[T]) Push(item T) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.items) < r.capacity {
		r.items = append(r.items, item)
		return 0
	}

	// Shift left by one, dropping the oldest
	copy(r.items, r.items[1:])
	r.items[len(r.items)-1] = item
	return 1
}

// Items returns a copy of the current contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Clear removes all items.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.items = r.items[:0]
}

// Len returns the current number of items.
func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

// Cap returns the capacity of the ring.
func (r *Ring[T]) Cap() int {
	return r.capacity
}
