package audio

import "sync"

// Ring is a fixed-capacity circular buffer. It is the sole synchronisation
// point between the audio-device callbacks and the network goroutines: Write
// never blocks and never fails (the oldest unread elements are evicted when
// the buffer is full), and every operation is O(1) in the number of stored
// elements plus the copy length, so neither audio callback can stall on it.
//
// Safe for concurrent use by one producer and one consumer without external
// synchronisation. No heap allocation occurs after construction.
type Ring[T any] struct {
	mu    sync.Mutex
	data  []T
	start int // index of the oldest unread element
	count int // number of unread elements, 0 ≤ count ≤ len(data)
}

// NewRing creates a ring buffer holding at most capacity elements.
// It panics if capacity is not positive.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("audio: ring capacity must be positive")
	}
	return &Ring[T]{data: make([]T, capacity)}
}

// Write appends src to the buffer, evicting the oldest unread elements when
// src does not fit in the remaining space. It never blocks.
func (r *Ring[T]) Write(src []T) {
	if len(src) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	capacity := len(r.data)

	// Larger than the whole buffer: only the newest capacity elements survive.
	if len(src) >= capacity {
		copy(r.data, src[len(src)-capacity:])
		r.start = 0
		r.count = capacity
		return
	}

	// Evict the oldest elements to make room.
	if overflow := r.count + len(src) - capacity; overflow > 0 {
		r.start = (r.start + overflow) % capacity
		r.count -= overflow
	}

	writePos := (r.start + r.count) % capacity
	n := copy(r.data[writePos:], src)
	if n < len(src) {
		copy(r.data, src[n:])
	}
	r.count += len(src)
}

// Read copies up to len(dst) of the oldest unread elements into dst and
// returns the number copied. It never blocks.
func (r *Ring[T]) Read(dst []T) int {
	if len(dst) == 0 {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.readLocked(dst)
}

// ReadBlock fills dst completely: the oldest unread elements first, then the
// zero value of T for any shortfall. It returns the number of real elements
// copied. Playback callers use this so that an underrun produces silence
// rather than a partial block.
func (r *Ring[T]) ReadBlock(dst []T) int {
	if len(dst) == 0 {
		return 0
	}
	r.mu.Lock()
	n := r.readLocked(dst)
	r.mu.Unlock()

	var zero T
	for i := n; i < len(dst); i++ {
		dst[i] = zero
	}
	return n
}

// readLocked copies up to len(dst) elements in at most two contiguous slices.
// Must be called with r.mu held.
func (r *Ring[T]) readLocked(dst []T) int {
	n := min(len(dst), r.count)
	if n == 0 {
		return 0
	}
	capacity := len(r.data)

	first := copy(dst[:n], r.data[r.start:min(r.start+n, capacity)])
	if first < n {
		copy(dst[first:n], r.data)
	}
	r.start = (r.start + n) % capacity
	r.count -= n
	return n
}

// Available returns the number of unread elements.
func (r *Ring[T]) Available() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}

// Capacity returns the fixed capacity of the buffer.
func (r *Ring[T]) Capacity() int {
	return len(r.data)
}

// Clear discards all unread elements. The backing array is retained so the
// buffer can be reused across conversations without reallocating.
func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.start = 0
	r.count = 0
}
