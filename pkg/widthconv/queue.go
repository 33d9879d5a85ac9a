package widthconv

import (
	"github.com/i5heu/GoCDCQueue/pkg/asyncfifo"
)

// Queue is an asynchronous FIFO with a width adapter in front of it. The
// converter and its output register belong to the write domain; the ring
// stores output-width beats.
type Queue struct {
	conv   *Converter
	fifo   *asyncfifo.FIFO[Beat]
	stage  Beat
	staged bool
}

// NewQueue builds a width-adapted queue of fc.Capacity output beats.
func NewQueue(cfg Config, fc asyncfifo.Config) (*Queue, error) {
	conv, err := New(cfg)
	if err != nil {
		return nil, err
	}
	fifo, err := asyncfifo.New[Beat](fc)
	if err != nil {
		return nil, err
	}
	return &Queue{conv: conv, fifo: fifo}, nil
}

// Converter exposes the adapter, mainly for its lane geometry.
func (q *Queue) Converter() *Converter { return q.conv }

// Cap returns the ring capacity in output beats.
func (q *Queue) Cap() uint64 { return q.fifo.Cap() }

// --- write domain ---

// Drain moves completed output beats from the converter into the ring until
// either runs out. It is one write-domain step per ring push attempt.
func (q *Queue) Drain() {
	for {
		if !q.staged {
			b, ok := q.conv.Pop()
			if !ok {
				return
			}
			q.stage, q.staged = b, true
		}
		if !q.fifo.TryPush(q.stage) {
			return
		}
		q.stage, q.staged = Beat{}, false
	}
}

// TryPush offers one input beat. It returns false with a nil error when the
// adapter has no room or a reset is pending, and an error when b is
// malformed.
func (q *Queue) TryPush(b Beat) (bool, error) {
	if err := q.conv.Validate(b); err != nil {
		return false, err
	}
	if q.fifo.ResetPending() {
		return false, nil
	}
	q.Drain()
	if !q.conv.CanAccept() {
		return false, nil
	}
	if err := q.conv.Push(b); err != nil {
		return false, err
	}
	q.Drain()
	return true, nil
}

// IsFull reports whether the next input beat would be refused.
func (q *Queue) IsFull() bool {
	if q.fifo.ResetPending() {
		return true
	}
	q.Drain()
	return !q.conv.CanAccept()
}

// Idle reports whether every accepted lane has reached the ring. Lanes of an
// unfinished output beat keep it false until more input or a Last arrives.
func (q *Queue) Idle() bool {
	q.Drain()
	return !q.staged && q.conv.Pending() == 0
}

// ResetWrite drops the converter contents and resets the write domain.
func (q *Queue) ResetWrite() {
	q.conv.Reset()
	q.stage, q.staged = Beat{}, false
	q.fifo.ResetWrite()
}

// --- read domain ---

// TryPop returns the next output beat.
func (q *Queue) TryPop() (Beat, bool) {
	return q.fifo.TryPop()
}

// IsEmpty reports whether no output beat is visible to the reader.
func (q *Queue) IsEmpty() bool {
	return q.fifo.IsEmpty()
}

// Len returns the number of output beats visible to the reader.
func (q *Queue) Len() uint64 {
	return q.fifo.Len()
}

// ResetRead resets the read domain.
func (q *Queue) ResetRead() {
	q.fifo.ResetRead()
}
