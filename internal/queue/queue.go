package queue

// QueueValidationInterface is a *type constraint* for the queues driven by the
// testbench and the benchmark. We never store Q in a runtime interface;
// it only checks at compile time that a queue has the expected signatures.
//
// TryPush and IsFull belong to the write domain, TryPop, IsEmpty and Len to
// the read domain. A caller must keep each group on its own goroutine.
type QueueValidationInterface[T any] interface {
	// TryPush adds an element and returns false if the queue is full.
	TryPush(T) bool

	// TryPop removes and returns the oldest element.
	// If the queue is empty it returns the zero T and false.
	TryPop() (T, bool)

	// IsFull reports whether the next TryPush would fail.
	IsFull() bool

	// IsEmpty reports whether the next TryPop would fail.
	IsEmpty() bool

	// Len returns how many elements the read domain can see.
	Len() uint64
}
