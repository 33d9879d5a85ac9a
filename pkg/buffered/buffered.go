// Package buffered is the baseline: a Go channel behind the same TryPush /
// TryPop contract as asyncfifo. Both domains see the exact fill level, so
// it shows what the pointer synchronization costs.
package buffered

type BufferedQueue[T any] struct {
	ch chan T
}

func New[T any](bufferSize uint64) *BufferedQueue[T] {
	// A zero-capacity channel is a rendezvous, not a buffer.
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &BufferedQueue[T]{
		ch: make(chan T, bufferSize),
	}
}

func (q *BufferedQueue[T]) TryPush(val T) bool {
	select {
	case q.ch <- val:
		return true
	default:
		return false
	}
}

func (q *BufferedQueue[T]) TryPop() (val T, ok bool) {
	select {
	case val = <-q.ch:
		return val, true
	default:
		return val, false
	}
}

func (q *BufferedQueue[T]) IsFull() bool {
	return len(q.ch) == cap(q.ch)
}

func (q *BufferedQueue[T]) IsEmpty() bool {
	return len(q.ch) == 0
}

func (q *BufferedQueue[T]) Len() uint64 {
	return uint64(len(q.ch))
}

func (q *BufferedQueue[T]) Cap() uint64 {
	return uint64(cap(q.ch))
}
