// Package history provides the fixed-capacity buffers the session core
// keeps: the explanation history read by deepen, and the generic ring that
// also backs the diagnostics recorder.
package history

import (
	"sync"

	"glimpse/internal/types"
)

// Ring is a fixed-capacity FIFO buffer. When full, pushing drops the
// oldest element. The zero value is not usable; call NewRing.
type Ring[T any] struct {
	items []T
	cap   int
}

// NewRing creates a ring with the given capacity. Capacity must be > 0.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{cap: capacity}
}

// Push appends v, evicting the oldest element when the ring is full.
func (r *Ring[T]) Push(v T) {
	if len(r.items) == r.cap {
		copy(r.items, r.items[1:])
		r.items[len(r.items)-1] = v
		return
	}
	r.items = append(r.items, v)
}

// Items returns the elements oldest-first. The slice is a copy.
func (r *Ring[T]) Items() []T {
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

// Latest returns the most recently pushed element.
func (r *Ring[T]) Latest() (T, bool) {
	var zero T
	if len(r.items) == 0 {
		return zero, false
	}
	return r.items[len(r.items)-1], true
}

// Len returns the current element count.
func (r *Ring[T]) Len() int { return len(r.items) }

// DefaultExplanationCapacity bounds the deepen seed history.
const DefaultExplanationCapacity = 5

// Buffer is the explanation history: a thread-safe ring of finished
// answers, most recent last.
type Buffer struct {
	mu   sync.Mutex
	ring *Ring[types.StreamingExplanation]
}

// NewBuffer creates an explanation buffer with the default capacity.
func NewBuffer() *Buffer {
	return &Buffer{ring: NewRing[types.StreamingExplanation](DefaultExplanationCapacity)}
}

// Push records a finished explanation.
func (b *Buffer) Push(e types.StreamingExplanation) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ring.Push(e)
}

// Latest returns the most recent explanation, if any.
func (b *Buffer) Latest() (types.StreamingExplanation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Latest()
}

// All returns every retained explanation, oldest first.
func (b *Buffer) All() []types.StreamingExplanation {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Items()
}

// Len returns the retained count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ring.Len()
}
