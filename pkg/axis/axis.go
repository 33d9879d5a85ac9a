// Package axis puts a valid/ready streaming handshake on both ends of a
// width-adapted asynchronous FIFO.
//
// The slave port belongs to the write domain and the master port to the read
// domain. Each port is advanced by its own Clock call; a transfer happens on
// a clock where both valid and ready are high. Once valid is raised the beat
// stays on the port until it has been transferred.
package axis

import (
	"bytes"
	"slices"

	"github.com/pkg/errors"

	"github.com/i5heu/GoCDCQueue/pkg/asyncfifo"
	"github.com/i5heu/GoCDCQueue/pkg/widthconv"
)

// ErrValidRetracted is returned when a producer tries to withdraw or replace
// a beat that has not been transferred yet.
var ErrValidRetracted = errors.New("axis: valid deasserted without transfer")

// Config is fixed at construction.
type Config struct {
	InWidth    int    // slave data width in bits
	OutWidth   int    // master data width in bits
	Depth      uint64 // FIFO depth in output beats
	SyncStages int    // zero selects the ptrsync default
	Policy     widthconv.Policy
	KeepWidth  int // bits per keep flag, zero selects gcd(InWidth, OutWidth)

	// tid, tdest and tuser widths in bits, zero selects 128
	IDWidth   int
	DestWidth int
	UserWidth int
}

// Pipe joins a slave port and a master port through a width-adapted FIFO.
type Pipe struct {
	q      *widthconv.Queue
	slave  Slave
	master Master
}

// New builds a pipe with both ports idle.
func New(cfg Config) (*Pipe, error) {
	q, err := widthconv.NewQueue(
		widthconv.Config{
			InWidth:   cfg.InWidth,
			OutWidth:  cfg.OutWidth,
			Policy:    cfg.Policy,
			KeepWidth: cfg.KeepWidth,
			IDWidth:   cfg.IDWidth,
			DestWidth: cfg.DestWidth,
			UserWidth: cfg.UserWidth,
		},
		asyncfifo.Config{Capacity: cfg.Depth, SyncStages: cfg.SyncStages},
	)
	if err != nil {
		return nil, errors.Wrap(err, "axis")
	}
	p := &Pipe{q: q}
	p.slave.q = q
	p.master.q = q
	return p, nil
}

// Slave returns the write-domain port.
func (p *Pipe) Slave() *Slave { return &p.slave }

// Master returns the read-domain port.
func (p *Pipe) Master() *Master { return &p.master }

// Converter exposes the lane geometry of the width adapter.
func (p *Pipe) Converter() *widthconv.Converter { return p.q.Converter() }

// Slave is the input port. Only the write domain may use it.
type Slave struct {
	q         *widthconv.Queue
	beat      widthconv.Beat
	valid     bool
	ready     bool
	transfers uint64
}

// Drive raises valid with b. While an earlier beat is still waiting, b must
// be that same beat.
func (s *Slave) Drive(b widthconv.Beat) error {
	if s.valid {
		if !sameBeat(s.beat, b) {
			return ErrValidRetracted
		}
		return nil
	}
	if err := s.q.Converter().Validate(b); err != nil {
		return err
	}
	s.beat, s.valid = b, true
	return nil
}

// Deassert lowers valid. It fails while a beat is waiting.
func (s *Slave) Deassert() error {
	if s.valid {
		return ErrValidRetracted
	}
	return nil
}

// TValid reports whether a beat is on the port.
func (s *Slave) TValid() bool { return s.valid }

// TReady reports the ready level sampled on the last clock.
func (s *Slave) TReady() bool { return s.ready }

// Pending returns the beat waiting on the port.
func (s *Slave) Pending() (widthconv.Beat, bool) { return s.beat, s.valid }

// Transfers counts completed input handshakes.
func (s *Slave) Transfers() uint64 { return s.transfers }

// Clock advances the write domain by one cycle and reports whether the beat
// on the port was transferred. A beat the adapter rejects stays on the port
// with ready low and the error is returned.
func (s *Slave) Clock() (bool, error) {
	if !s.valid {
		s.ready = !s.q.IsFull()
		return false, nil
	}
	ok, err := s.q.TryPush(s.beat)
	s.ready = ok
	if err != nil {
		return false, errors.Wrap(err, "axis: slave clock")
	}
	if ok {
		s.beat, s.valid = widthconv.Beat{}, false
		s.transfers++
	}
	return ok, nil
}

// Flush clocks the port until every accepted lane has reached the FIFO or
// maxCycles have passed. It reports whether the write side went idle.
func (s *Slave) Flush(maxCycles int) (bool, error) {
	for i := 0; i < maxCycles; i++ {
		if !s.valid && s.q.Idle() {
			return true, nil
		}
		if _, err := s.Clock(); err != nil {
			return false, err
		}
	}
	return !s.valid && s.q.Idle(), nil
}

// Reset drops the waiting beat and resets the write domain.
func (s *Slave) Reset() {
	s.beat, s.valid, s.ready = widthconv.Beat{}, false, false
	s.q.ResetWrite()
}

// Master is the output port. Only the read domain may use it.
type Master struct {
	q         *widthconv.Queue
	out       widthconv.Beat
	valid     bool
	ready     bool
	transfers uint64
}

// SetReady drives ready for the next clock. It may change on any cycle.
func (m *Master) SetReady(ready bool) { m.ready = ready }

// TReady returns the ready level set by the consumer.
func (m *Master) TReady() bool { return m.ready }

// TValid reports whether the output register holds a beat.
func (m *Master) TValid() bool { return m.valid }

// TData returns the output register. It is meaningful only while TValid.
func (m *Master) TData() widthconv.Beat { return m.out }

// Transfers counts completed output handshakes.
func (m *Master) Transfers() uint64 { return m.transfers }

// Clock advances the read domain by one cycle. If valid and ready were both
// high the beat in the output register is returned; the register then loads
// the next beat from the FIFO.
func (m *Master) Clock() (widthconv.Beat, bool) {
	var b widthconv.Beat
	fired := m.valid && m.ready
	if fired {
		b = m.out
		m.out, m.valid = widthconv.Beat{}, false
		m.transfers++
	}
	if !m.valid {
		m.out, m.valid = m.q.TryPop()
	}
	return b, fired
}

// Reset empties the output register and resets the read domain.
func (m *Master) Reset() {
	m.out, m.valid = widthconv.Beat{}, false
	m.q.ResetRead()
}

func sameBeat(a, b widthconv.Beat) bool {
	return bytes.Equal(a.Data, b.Data) &&
		slices.Equal(a.Keep, b.Keep) &&
		a.Meta == b.Meta &&
		a.HasMeta == b.HasMeta &&
		a.Last == b.Last
}
