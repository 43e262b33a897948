// Package metrics keeps the bounded, in-memory history of metric samples that
// charts and stat widgets read from. Nothing here touches the network.
package metrics

import "sync"

// DefaultCapacity is the number of samples retained per stream.
const DefaultCapacity = 30

// RingBuffer is a fixed-capacity FIFO. Once full, each Append overwrites the
// oldest entry. Safe for concurrent Append and Snapshot.
type RingBuffer[T any] struct {
	mu   sync.Mutex
	buf  []T
	head int // index of the oldest entry
	size int
}

// NewRingBuffer allocates a buffer holding up to capacity entries.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &RingBuffer[T]{buf: make([]T, capacity)}
}

// Append adds v as the newest entry, evicting the oldest when full.
func (rb *RingBuffer[T]) Append(v T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	if rb.size < capacity {
		rb.buf[(rb.head+rb.size)%capacity] = v
		rb.size++
		return
	}
	rb.buf[rb.head] = v
	rb.head = (rb.head + 1) % capacity
}

// Snapshot returns a copy of the entries, oldest first. Nil when empty.
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}
	out := make([]T, rb.size)
	capacity := len(rb.buf)
	// At most two copies: head..end, then the wrapped prefix.
	n := copy(out, rb.buf[rb.head:min(rb.head+rb.size, capacity)])
	if n < rb.size {
		copy(out[n:], rb.buf[:rb.size-n])
	}
	return out
}

// Latest returns the newest entry.
func (rb *RingBuffer[T]) Latest() (T, bool) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	if rb.size == 0 {
		return zero, false
	}
	return rb.buf[(rb.head+rb.size-1)%len(rb.buf)], true
}

// Len returns the number of entries currently held.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Cap returns the fixed capacity.
func (rb *RingBuffer[T]) Cap() int {
	return len(rb.buf)
}

// Reset discards all entries.
func (rb *RingBuffer[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var zero T
	for i := range rb.buf {
		rb.buf[i] = zero
	}
	rb.head = 0
	rb.size = 0
}
