// Package telemetry provides Prometheus collectors and small in-memory
// aggregates used to observe indexing and query activity.
package telemetry

import "sync"

// CircularBuffer is a fixed-capacity FIFO buffer.
type CircularBuffer[T any] struct {
	items    []T
	head     int // Next write position
	size     int // Current number of items
	capacity int
	mu       sync.RWMutex
}

// NewCircularBuffer creates a new circular buffer with the given capacity.
func NewCircularBuffer[T any](capacity int) *CircularBuffer[T] {
	if capacity <= 0 {
		capacity = 100
	}
	return &CircularBuffer[T]{
		items:    make([]T, capacity),
		capacity: capacity,
	}
}

// Add adds an item to the buffer. If full, the oldest item is evicted.
func (b *CircularBuffer[T]) Add(item T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.items[b.head] = item
	b.head = (b.head + 1) % b.capacity

	if b.size < b.capacity {
		b.size++
	}
}

// Items returns all items in the buffer in FIFO order (oldest first).
func (b *CircularBuffer[T]) Items() []T {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.size == 0 {
		return []T{}
	}

	result := make([]T, b.size)
	if b.size < b.capacity {
		copy(result, b.items[:b.size])
	} else {
		// Buffer full - oldest item is at head
		copy(result, b.items[b.head:])
		copy(result[b.capacity-b.head:], b.items[:b.head])
	}
	return result
}

// Size returns the current number of items in the buffer.
func (b *CircularBuffer[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.size
}

// Capacity returns the maximum number of items kept.
func (b *CircularBuffer[T]) Capacity() int {
	return b.capacity
}

// Clear removes all items from the buffer.
func (b *CircularBuffer[T]) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	var zero T
	for i := range b.items {
		b.items[i] = zero
	}
	b.head = 0
	b.size = 0
}
