package testbench

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/GoCDCQueue/internal/queue"
)

// Config is the per-run state of the test driver. Everything random is
// derived from Seed, so a run can be repeated exactly.
type Config struct {
	Seed  int64   `yaml:"seed" json:"seed"`
	Valid Pattern `yaml:"valid" json:"valid"` // producer pacing
	Ready Pattern `yaml:"ready" json:"ready"` // consumer pacing

	// Stream runs only.
	DropProbability float64 `yaml:"drop_probability,omitempty" json:"drop_probability,omitempty"` // chance a lane is masked off
	PacketLen       int     `yaml:"packet_len,omitempty" json:"packet_len,omitempty"`             // input beats per packet, 0 for one packet
}

// Validate checks both pacing patterns.
func (c Config) Validate() error {
	if err := c.Valid.Validate(); err != nil {
		return err
	}
	return c.Ready.Validate()
}

// Result describes one run.
type Result struct {
	Produced   int64
	Consumed   int64
	Mismatches int64 // consumed values that differ from the expected next value
	Elapsed    time.Duration

	SawFull     bool // a push was refused at least once
	EmptyBefore bool
	EmptyAfter  bool

	ProducedDigest string
	ConsumedDigest string
}

// Ok reports whether the consumer saw exactly what the producer sent.
func (r Result) Ok() bool {
	return r.Produced == r.Consumed && r.Mismatches == 0 && r.ProducedDigest == r.ConsumedDigest
}

// drainTimeout bounds how long the consumer keeps polling after the producer
// stopped.
const drainTimeout = 2 * time.Second

// Run pushes a seeded random stream from a write-domain goroutine while the
// calling goroutine pops as the read domain. The producer stops after limit
// elements (0 for no limit) or when ctx is done; the consumer then drains
// what is left.
func Run[Q queue.QueueValidationInterface[uint64]](ctx context.Context, q Q, cfg Config, limit int64) Result {
	res := Result{EmptyBefore: q.IsEmpty()}
	start := time.Now()

	var produced atomic.Int64
	var sawFull atomic.Bool
	writerDone := make(chan struct{})
	var pd string

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(writerDone)
		values := rand.New(rand.NewSource(cfg.Seed))
		pace := NewPacer(cfg.Valid, cfg.Seed+1)
		d := NewDigest()
		defer func() { pd = d.Sum() }()

		for limit == 0 || d.Count() < limit {
			v := values.Uint64()
			for spins := 0; ; spins++ {
				if spins&63 == 63 {
					if ctx.Err() != nil {
						return
					}
					runtime.Gosched()
				}
				if !pace.Next() {
					continue
				}
				if q.TryPush(v) {
					break
				}
				sawFull.Store(true)
			}
			d.Uint64(v)
			produced.Add(1)
		}
	}()

	expect := rand.New(rand.NewSource(cfg.Seed))
	pace := NewPacer(cfg.Ready, cfg.Seed+2)
	d := NewDigest()
	var drainUntil time.Time
	for {
		if drainUntil.IsZero() {
			select {
			case <-writerDone:
				drainUntil = time.Now().Add(drainTimeout)
			default:
			}
		} else if d.Count() >= produced.Load() || time.Now().After(drainUntil) {
			break
		}
		if !pace.Next() {
			runtime.Gosched()
			continue
		}
		v, ok := q.TryPop()
		if !ok {
			runtime.Gosched()
			continue
		}
		if v != expect.Uint64() {
			res.Mismatches++
		}
		d.Uint64(v)
	}
	wg.Wait()

	res.Elapsed = time.Since(start)
	res.EmptyAfter = q.IsEmpty()
	res.Produced = produced.Load()
	res.Consumed = d.Count()
	res.SawFull = sawFull.Load()
	res.ProducedDigest = pd
	res.ConsumedDigest = d.Sum()
	return res
}

// RunTimedTest runs the producer for testDuration and returns once the
// consumer has drained the queue.
func RunTimedTest[Q queue.QueueValidationInterface[uint64]](q Q, cfg Config, testDuration time.Duration) Result {
	ctx, cancel := context.WithTimeout(context.Background(), testDuration)
	defer cancel()
	return Run(ctx, q, cfg, 0)
}
