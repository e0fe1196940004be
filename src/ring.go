package lorgnette

import (
	"errors"
	"sync"
)

// Ring is a fixed-capacity circular buffer with explicit overflow policies.
// One slot is always kept unused so a full buffer and an empty buffer can be
// told apart by the cursors alone: a Ring constructed with capacity N holds
// at most N-1 items.
//
// Push rejects when there is no room; PushOverwrite evicts the oldest item
// instead. The audio capture path uses overwrite (stale audio is worthless),
// the transmit queues use reject (a packet is sent whole or not at all).
type Ring[T any] struct {
	mu  sync.Mutex
	buf []T
	w   int
	r   int
}

var ErrRingCapacity = errors.New("ring capacity must be at least 2")

func NewRing[T any](capacity int) (*Ring[T], error) {
	if capacity < 2 {
		return nil, ErrRingCapacity
	}

	return &Ring[T]{buf: make([]T, capacity)}, nil
}

// Available returns the number of items waiting to be popped.
func (rb *Ring[T]) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.available()
}

func (rb *Ring[T]) available() int {
	if rb.w >= rb.r {
		return rb.w - rb.r
	}

	return len(rb.buf) - (rb.r - rb.w)
}

// Cap returns the usable capacity (one less than the allocated slots).
func (rb *Ring[T]) Cap() int {
	return len(rb.buf) - 1
}

// Push appends item, or returns false without touching the buffer when no
// free slot remains.
func (rb *Ring[T]) Push(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var next = (rb.w + 1) % len(rb.buf)
	if next == rb.r {
		return false
	}

	rb.buf[rb.w] = item
	rb.w = next

	return true
}

// PushOverwrite appends item, evicting the oldest unread item when full.
// It never fails. Returns true when an eviction happened.
func (rb *Ring[T]) PushOverwrite(item T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	return rb.pushOverwrite(item)
}

func (rb *Ring[T]) pushOverwrite(item T) bool {
	var evicted = false

	var next = (rb.w + 1) % len(rb.buf)
	if next == rb.r {
		rb.r = (rb.r + 1) % len(rb.buf)
		evicted = true
	}

	rb.buf[rb.w] = item
	rb.w = next

	return evicted
}

// PushAllOverwrite appends every item in order under a single lock
// acquisition, evicting as needed. Returns the number of evictions.
func (rb *Ring[T]) PushAllOverwrite(items []T) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var evictions = 0

	for _, item := range items {
		if rb.pushOverwrite(item) {
			evictions++
		}
	}

	return evictions
}

// PopFrame removes and returns exactly n items, oldest first. It returns
// (nil, false), leaving the buffer untouched, when fewer than n are
// available. Partial frames are never produced.
func (rb *Ring[T]) PopFrame(n int) ([]T, bool) {
	var frame = make([]T, n)
	if !rb.PopFrameInto(frame) {
		return nil, false
	}

	return frame, true
}

// PopFrameInto fills dst with exactly len(dst) items, oldest first, without
// allocating. It returns false, leaving the buffer untouched, when fewer
// than len(dst) items are available.
func (rb *Ring[T]) PopFrameInto(dst []T) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	var n = len(dst)
	if rb.available() < n {
		return false
	}

	for i := 0; i < n; i++ {
		dst[i] = rb.buf[rb.r]
		rb.r = (rb.r + 1) % len(rb.buf)
	}

	return true
}

// Reset discards all buffered items.
func (rb *Ring[T]) Reset() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.w = 0
	rb.r = 0
}
