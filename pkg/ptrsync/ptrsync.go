// Package ptrsync moves a position counter from the domain that owns it to a
// domain running on an unrelated schedule.
//
// The owner publishes the counter as one atomically stored Gray-coded word, so
// a reader can never see a torn value. The reader samples that word through a
// chain of K registers clocked by its own steps, mirroring a multi-flop
// synchronizer: the value it acts on is always one that the owner published
// at least K reader steps earlier.
package ptrsync

import (
	"sync/atomic"

	"github.com/pkg/errors"
)

// DefaultStages is the synchronizer depth used when none is configured.
const DefaultStages = 2

// ErrStages is returned for a synchronizer chain shorter than two stages.
var ErrStages = errors.New("ptrsync: at least 2 stages are required")

// ToGray encodes n in reflected binary code.
func ToGray(n uint64) uint64 {
	return n ^ (n >> 1)
}

// FromGray decodes a reflected binary value.
func FromGray(g uint64) uint64 {
	g ^= g >> 32
	g ^= g >> 16
	g ^= g >> 8
	g ^= g >> 4
	g ^= g >> 2
	g ^= g >> 1
	return g
}

// Pointer is the published half of a synchronized counter. Only the owning
// domain calls Publish.
type Pointer struct {
	gray atomic.Uint64
}

// Publish makes pos visible to observers.
func (p *Pointer) Publish(pos uint64) {
	p.gray.Store(ToGray(pos))
}

// Load returns the decoded value most recently published. It bypasses the
// synchronizer chain and is meant for the owning domain and for tests.
func (p *Pointer) Load() uint64 {
	return FromGray(p.gray.Load())
}

// Synchronizer is the observing half. It is owned by exactly one domain and
// is not safe for concurrent use.
type Synchronizer struct {
	src    *Pointer
	stages []uint64
}

// NewSynchronizer returns a chain of n stages sampling src.
func NewSynchronizer(src *Pointer, n int) (*Synchronizer, error) {
	if n < 2 {
		return nil, errors.Wrapf(ErrStages, "got %d", n)
	}
	return &Synchronizer{src: src, stages: make([]uint64, n)}, nil
}

// Observe advances the chain by one step of the observing domain and returns
// the decoded value leaving the last stage.
func (s *Synchronizer) Observe() uint64 {
	last := len(s.stages) - 1
	copy(s.stages[1:], s.stages[:last])
	s.stages[0] = s.src.gray.Load()
	return FromGray(s.stages[last])
}

// Snapshot returns the value in the last stage without advancing the chain.
func (s *Synchronizer) Snapshot() uint64 {
	return FromGray(s.stages[len(s.stages)-1])
}

// Settle clocks the chain until its last stage holds a value sampled during
// this call and returns it.
func (s *Synchronizer) Settle() uint64 {
	var v uint64
	for range s.stages {
		v = s.Observe()
	}
	return v
}

// Reset clears every stage to the Gray code of zero.
func (s *Synchronizer) Reset() {
	clear(s.stages)
}

// Stages returns the chain depth.
func (s *Synchronizer) Stages() int {
	return len(s.stages)
}
