// Package ring provides the fixed-capacity slot storage shared by the two
// domains of an asynchronous FIFO. It performs no occupancy tracking: callers
// decide which slots are live.
package ring

// Ring is a power-of-two array of slots addressed modulo its capacity.
type Ring[T any] struct {
	slots []T
	mask  uint64
}

// New allocates a ring with capacity rounded up to the next power of two.
// A capacity of 0 yields a ring with a single slot.
func New[T any](capacity uint64) *Ring[T] {
	capacity = RoundPow2(capacity)
	return &Ring[T]{
		slots: make([]T, capacity),
		mask:  capacity - 1,
	}
}

// RoundPow2 returns the smallest power of two >= n (1 for n == 0).
func RoundPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	if n&(n-1) == 0 {
		return n
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Write stores v in the slot at index modulo capacity.
func (r *Ring[T]) Write(index uint64, v T) {
	r.slots[index&r.mask] = v
}

// Read returns the slot at index modulo capacity.
func (r *Ring[T]) Read(index uint64) T {
	return r.slots[index&r.mask]
}

// Clear zeroes the slot at index so the ring does not pin consumed values.
func (r *Ring[T]) Clear(index uint64) {
	var zero T
	r.slots[index&r.mask] = zero
}

// Cap returns the number of slots.
func (r *Ring[T]) Cap() uint64 {
	return r.mask + 1
}
