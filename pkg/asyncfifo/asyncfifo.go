// Package asyncfifo implements a bounded FIFO shared by two independently
// scheduled domains: a write domain that pushes and a read domain that pops.
//
// Each domain owns its position counter. Counters run modulo 2*capacity so the
// extra wrap bit tells a full ring from an empty one. A domain learns the
// other's counter only through a ptrsync chain, so its view of the remote
// counter is late but never torn. Full and empty are therefore conservative:
// the writer may see full after space was freed and the reader may see empty
// after data arrived, but neither can overrun the ring.
package asyncfifo

import (
	"context"
	"runtime"
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"

	"github.com/i5heu/GoCDCQueue/pkg/ptrsync"
	"github.com/i5heu/GoCDCQueue/pkg/ring"
)

var (
	// ErrCapacityViolation is returned by Write on a full FIFO and by Read
	// on an empty one. The FIFO is left untouched.
	ErrCapacityViolation = errors.New("asyncfifo: capacity violation")
	// ErrResetPending is returned while one domain has reset and the other
	// has not acknowledged it yet.
	ErrResetPending = errors.New("asyncfifo: reset pending on the other domain")
	// ErrConfig wraps every construction failure.
	ErrConfig = errors.New("asyncfifo: invalid configuration")
)

const spinIterations = 64 // polls before yielding in blocking calls

// Config is fixed at construction.
type Config struct {
	// Capacity in elements, rounded up to a power of two.
	Capacity uint64
	// SyncStages is the depth of each pointer synchronizer (>= 2).
	// Zero selects ptrsync.DefaultStages.
	SyncStages int
	// AlmostFullMargin: AlmostFull reports fill >= Capacity-AlmostFullMargin.
	// Zero selects 1.
	AlmostFullMargin uint64
	// AlmostEmptyMargin: AlmostEmpty reports fill <= AlmostEmptyMargin.
	// Zero selects 1.
	AlmostEmptyMargin uint64
}

// domain is the state owned by one side.
type domain struct {
	pos    uint64                // local position, mod 2*capacity
	ptr    ptrsync.Pointer       // pos as published to the other side
	remote *ptrsync.Synchronizer // other side's pointer as seen from here
	synced uint64                // reset epoch the remote chain was cleared for
}

// FIFO is a single-producer single-consumer queue whose producer and
// consumer run in different domains. Write-domain methods must only be called
// from the write domain, read-domain methods only from the read domain.
type FIFO[T any] struct {
	_ cpu.CacheLinePad
	w domain
	_ cpu.CacheLinePad
	r domain
	_ cpu.CacheLinePad

	wEpoch atomic.Uint64
	_      cpu.CacheLinePad
	rEpoch atomic.Uint64
	_      cpu.CacheLinePad

	ring        *ring.Ring[T]
	capacity    uint64
	wrap        uint64 // 2*capacity - 1
	almostFull  uint64
	almostEmpty uint64
}

// New builds an empty FIFO.
func New[T any](cfg Config) (*FIFO[T], error) {
	if cfg.Capacity == 0 {
		return nil, errors.Wrap(ErrConfig, "capacity must be at least 1")
	}
	if cfg.SyncStages == 0 {
		cfg.SyncStages = ptrsync.DefaultStages
	}
	if cfg.AlmostFullMargin == 0 {
		cfg.AlmostFullMargin = 1
	}
	if cfg.AlmostEmptyMargin == 0 {
		cfg.AlmostEmptyMargin = 1
	}
	capacity := ring.RoundPow2(cfg.Capacity)
	if capacity > 1<<62 {
		return nil, errors.Wrapf(ErrConfig, "capacity %d too large", cfg.Capacity)
	}
	if cfg.AlmostFullMargin > capacity || cfg.AlmostEmptyMargin > capacity {
		return nil, errors.Wrapf(ErrConfig, "almost margins (%d, %d) exceed capacity %d",
			cfg.AlmostFullMargin, cfg.AlmostEmptyMargin, capacity)
	}

	q := &FIFO[T]{
		ring:        ring.New[T](capacity),
		capacity:    capacity,
		wrap:        2*capacity - 1,
		almostFull:  capacity - cfg.AlmostFullMargin,
		almostEmpty: cfg.AlmostEmptyMargin,
	}
	var err error
	if q.w.remote, err = ptrsync.NewSynchronizer(&q.r.ptr, cfg.SyncStages); err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}
	if q.r.remote, err = ptrsync.NewSynchronizer(&q.w.ptr, cfg.SyncStages); err != nil {
		return nil, errors.Wrap(ErrConfig, err.Error())
	}
	return q, nil
}

// Cap returns the capacity after rounding.
func (q *FIFO[T]) Cap() uint64 {
	return q.capacity
}

// open reports whether both domains agree on the reset epoch and neither is
// in the middle of a reset. When a new epoch is entered the remote chain is
// flushed so no pre-reset sample survives into normal operation.
func (q *FIFO[T]) open(d *domain) bool {
	we, re := q.wEpoch.Load(), q.rEpoch.Load()
	if we != re || we&1 != 0 {
		return false
	}
	if d.synced != we {
		d.remote.Reset()
		d.synced = we
	}
	return true
}

// ResetPending reports whether a domain is resetting or has reset while the
// other has not caught up yet. Either domain may call it.
func (q *FIFO[T]) ResetPending() bool {
	we, re := q.wEpoch.Load(), q.rEpoch.Load()
	return we != re || we&1 != 0
}

// reset zeroes one domain. The epoch is odd while the position is being
// republished, so the other domain refuses traffic for the whole window and
// cannot act on a sample of the new position taken inside it.
func reset(d *domain, epoch *atomic.Uint64) {
	epoch.Add(1)
	d.pos = 0
	d.ptr.Publish(0)
	d.remote.Reset()
	epoch.Add(1)
}

// writeFill is one write-domain step: it clocks the read-pointer chain and
// returns the fill level as the writer sees it.
func (q *FIFO[T]) writeFill() uint64 {
	return (q.w.pos - q.w.remote.Observe()) & q.wrap
}

// readFill is one read-domain step.
func (q *FIFO[T]) readFill() uint64 {
	return (q.r.remote.Observe() - q.r.pos) & q.wrap
}

// --- write domain ---

// TryPush enqueues v unless the FIFO looks full or a reset is pending.
func (q *FIFO[T]) TryPush(v T) bool {
	if !q.open(&q.w) || q.writeFill() >= q.capacity {
		return false
	}
	q.ring.Write(q.w.pos, v)
	q.w.pos = (q.w.pos + 1) & q.wrap
	q.w.ptr.Publish(q.w.pos)
	return true
}

// Write enqueues v or reports why it could not.
func (q *FIFO[T]) Write(v T) error {
	if !q.open(&q.w) {
		return ErrResetPending
	}
	if fill := q.writeFill(); fill >= q.capacity {
		return errors.Wrapf(ErrCapacityViolation, "push with fill %d/%d", fill, q.capacity)
	}
	q.ring.Write(q.w.pos, v)
	q.w.pos = (q.w.pos + 1) & q.wrap
	q.w.ptr.Publish(q.w.pos)
	return nil
}

// Push blocks until v is enqueued or ctx is done.
func (q *FIFO[T]) Push(ctx context.Context, v T) error {
	for spins := 0; ; spins++ {
		if q.TryPush(v) {
			return nil
		}
		if spins%spinIterations == spinIterations-1 {
			if err := ctx.Err(); err != nil {
				return errors.Wrap(err, "asyncfifo: push")
			}
			runtime.Gosched()
		}
	}
}

// IsFull reports whether the writer must hold off. It is true while a reset
// is pending.
func (q *FIFO[T]) IsFull() bool {
	if !q.open(&q.w) {
		return true
	}
	return q.writeFill() >= q.capacity
}

// AlmostFull reports whether at most AlmostFullMargin slots are left.
func (q *FIFO[T]) AlmostFull() bool {
	if !q.open(&q.w) {
		return true
	}
	return q.writeFill() >= q.almostFull
}

// WriteLen returns the fill level as seen by the write domain.
func (q *FIFO[T]) WriteLen() uint64 {
	if !q.open(&q.w) {
		return 0
	}
	return q.writeFill()
}

// ResetWrite resets the write domain. Traffic resumes on both sides once the
// read domain has called ResetRead as well.
func (q *FIFO[T]) ResetWrite() {
	reset(&q.w, &q.wEpoch)
}

// --- read domain ---

// TryPop dequeues the oldest element unless the FIFO looks empty or a reset
// is pending.
func (q *FIFO[T]) TryPop() (T, bool) {
	if !q.open(&q.r) || q.readFill() == 0 {
		var zero T
		return zero, false
	}
	return q.take(), true
}

// Read dequeues the oldest element or reports why it could not.
func (q *FIFO[T]) Read() (T, error) {
	var zero T
	if !q.open(&q.r) {
		return zero, ErrResetPending
	}
	if q.readFill() == 0 {
		return zero, errors.Wrap(ErrCapacityViolation, "pop while empty")
	}
	return q.take(), nil
}

func (q *FIFO[T]) take() T {
	v := q.ring.Read(q.r.pos)
	q.ring.Clear(q.r.pos)
	q.r.pos = (q.r.pos + 1) & q.wrap
	q.r.ptr.Publish(q.r.pos)
	return v
}

// Pop blocks until an element is available or ctx is done.
func (q *FIFO[T]) Pop(ctx context.Context) (T, error) {
	for spins := 0; ; spins++ {
		if v, ok := q.TryPop(); ok {
			return v, nil
		}
		if spins%spinIterations == spinIterations-1 {
			if err := ctx.Err(); err != nil {
				var zero T
				return zero, errors.Wrap(err, "asyncfifo: pop")
			}
			runtime.Gosched()
		}
	}
}

// IsEmpty reports whether the reader has nothing to take. It is true while a
// reset is pending.
func (q *FIFO[T]) IsEmpty() bool {
	if !q.open(&q.r) {
		return true
	}
	return q.readFill() == 0
}

// AlmostEmpty reports whether at most AlmostEmptyMargin elements are queued.
func (q *FIFO[T]) AlmostEmpty() bool {
	if !q.open(&q.r) {
		return true
	}
	return q.readFill() <= q.almostEmpty
}

// Len returns the fill level as seen by the read domain.
func (q *FIFO[T]) Len() uint64 {
	if !q.open(&q.r) {
		return 0
	}
	return q.readFill()
}

// ResetRead resets the read domain. See ResetWrite.
func (q *FIFO[T]) ResetRead() {
	reset(&q.r, &q.rEpoch)
}

// Reset resets both domains. Only valid while neither domain is operating on
// the FIFO.
func (q *FIFO[T]) Reset() {
	q.ResetWrite()
	q.ResetRead()
}
