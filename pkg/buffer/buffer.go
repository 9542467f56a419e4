package buffer

import (
	"sync"

	"go.uber.org/zap"
)

// RingBuffer is a thread-safe generic FIFO buffer with a fixed capacity.
// When full, adding an item evicts the oldest one.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	data     []T
	capacity int
	size     int
	head     int
	evicted  uint64
	name     string
	logger   *zap.Logger
}

// New creates a new RingBuffer with the specified capacity.
// The name is only used in log lines.
func New[T any](name string, capacity int, logger *zap.Logger) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
		name:     name,
		logger:   logger,
	}
}

// Add appends an item, evicting the oldest entry when the buffer is full.
// It reports whether an entry was evicted.
func (rb *RingBuffer[T]) Add(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	evicted := rb.size == rb.capacity
	rb.data[rb.head] = item
	rb.head = (rb.head + 1) % rb.capacity

	if evicted {
		rb.evicted++
		rb.logger.Debug("ring buffer full, evicted oldest entry",
			zap.String("buffer", rb.name),
			zap.Int("capacity", rb.capacity),
		)
	} else {
		rb.size++
	}
	return evicted
}

// Snapshot returns a copy of all entries, oldest first, without clearing the buffer
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.orderedLocked()
}

// GetAllAndClear atomically retrieves all buffered items, oldest first, and clears the buffer.
// The returned slice is a copy, so it's safe to use after the call.
func (rb *RingBuffer[T]) GetAllAndClear() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	results := rb.orderedLocked()
	rb.clearLocked()
	return results
}

// Reset drops every entry
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.clearLocked()
}

// Size returns the current number of entries in the buffer
func (rb *RingBuffer[T]) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Capacity returns the maximum capacity of the buffer
func (rb *RingBuffer[T]) Capacity() int {
	return rb.capacity
}

// Stats returns the current size, the capacity and the number of evictions so far
func (rb *RingBuffer[T]) Stats() (size, capacity int, evicted uint64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size, rb.capacity, rb.evicted
}

func (rb *RingBuffer[T]) orderedLocked() []T {
	if rb.size == 0 {
		return nil
	}

	results := make([]T, rb.size)
	if rb.size < rb.capacity {
		// not wrapped yet, entries are at 0..size-1
		copy(results, rb.data[:rb.size])
		return results
	}

	// full: oldest is at head
	for i := 0; i < rb.size; i++ {
		results[i] = rb.data[(rb.head+i)%rb.capacity]
	}
	return results
}

func (rb *RingBuffer[T]) clearLocked() {
	var zero T
	for i := range rb.data {
		rb.data[i] = zero
	}
	rb.size = 0
	rb.head = 0
}
