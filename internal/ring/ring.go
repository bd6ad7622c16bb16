// Package ring provides a fixed-capacity circular buffer.
package ring

// Ring is a fixed-capacity circular sequence. Push overwrites the oldest
// element once the buffer is full. Not safe for concurrent use; callers
// serialize access.
type Ring[T any] struct {
	buf  []T
	head int // next write position
	size int
}

// New creates a ring with the given capacity. Capacity must be positive.
func New[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring[T]{buf: make([]T, capacity)}
}

// Push appends a value, overwriting the oldest element when full. O(1).
func (r *Ring[T]) Push(v T) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.size < len(r.buf) {
		r.size++
	}
}

// Len returns the number of stored elements.
func (r *Ring[T]) Len() int { return r.size }

// Cap returns the fixed capacity.
func (r *Ring[T]) Cap() int { return len(r.buf) }

// Snapshot returns a copy of the contents in insertion order, oldest first.
func (r *Ring[T]) Snapshot() []T {
	out := make([]T, 0, r.size)
	if r.size < len(r.buf) {
		return append(out, r.buf[:r.size]...)
	}
	out = append(out, r.buf[r.head:]...)
	return append(out, r.buf[:r.head]...)
}
