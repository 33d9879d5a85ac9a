package testbench

import (
	"math/rand"

	"github.com/pkg/errors"
)

// Kind selects how a Pattern decides whether a signal is high on a step.
type Kind string

const (
	KindAlways Kind = "always" // high on every step
	KindCycle  Kind = "cycle"  // repeats Cycle forever
	KindRandom Kind = "random" // high with Probability, independently per step
)

// ErrPattern reports an unusable pacing pattern.
var ErrPattern = errors.New("testbench: invalid pacing pattern")

// Pattern describes a valid or ready waveform.
type Pattern struct {
	Kind        Kind    `yaml:"kind" json:"kind"`
	Cycle       []bool  `yaml:"cycle,omitempty" json:"cycle,omitempty"`
	Probability float64 `yaml:"probability,omitempty" json:"probability,omitempty"`
}

// Always is high on every step.
func Always() Pattern { return Pattern{Kind: KindAlways} }

// Periodic is low for idle steps, then high for active steps, repeating.
func Periodic(idle, active int) Pattern {
	c := make([]bool, idle+active)
	for i := idle; i < len(c); i++ {
		c[i] = true
	}
	return Pattern{Kind: KindCycle, Cycle: c}
}

// Random is high with probability p on each step.
func Random(p float64) Pattern { return Pattern{Kind: KindRandom, Probability: p} }

// Validate rejects patterns that can never go high or are malformed.
func (p Pattern) Validate() error {
	switch p.Kind {
	case "", KindAlways:
		return nil
	case KindCycle:
		for _, v := range p.Cycle {
			if v {
				return nil
			}
		}
		return errors.Wrap(ErrPattern, "cycle never goes high")
	case KindRandom:
		if p.Probability <= 0 || p.Probability > 1 {
			return errors.Wrapf(ErrPattern, "probability %v outside (0, 1]", p.Probability)
		}
		return nil
	}
	return errors.Wrapf(ErrPattern, "unknown kind %q", p.Kind)
}

// Pacer steps through a Pattern. Each domain owns its own Pacer.
type Pacer struct {
	p   Pattern
	rng *rand.Rand
	i   int
}

// NewPacer builds a pacer whose random choices come from seed.
func NewPacer(p Pattern, seed int64) *Pacer {
	return &Pacer{p: p, rng: rand.New(rand.NewSource(seed))}
}

// Next returns the level for the next step.
func (pc *Pacer) Next() bool {
	switch pc.p.Kind {
	case KindCycle:
		v := pc.p.Cycle[pc.i]
		pc.i = (pc.i + 1) % len(pc.p.Cycle)
		return v
	case KindRandom:
		return pc.rng.Float64() < pc.p.Probability
	}
	return true
}
