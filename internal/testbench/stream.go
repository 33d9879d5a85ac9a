package testbench

import (
	"context"
	"math/rand"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/i5heu/GoCDCQueue/pkg/axis"
	"github.com/i5heu/GoCDCQueue/pkg/widthconv"
)

// StreamResult describes one RunStream. Lanes are counted at the adapter's
// lane width.
type StreamResult struct {
	Beats         int64 // input beats transferred
	Outputs       int64 // output beats transferred
	LanesIn       int64
	LanesOut      int64
	PacketsIn     int64
	PacketsOut    int64
	Retractions   int64 // master valid fell without a transfer
	MissingMeta   int64 // outputs that should have carried metadata but did not
	Elapsed       time.Duration
	ProducedLanes string
	ConsumedLanes string
}

// Ok reports whether every valid lane arrived once, in order, with packet
// boundaries intact and the handshake rules kept.
func (r StreamResult) Ok() bool {
	return r.LanesIn == r.LanesOut &&
		r.PacketsIn == r.PacketsOut &&
		r.Retractions == 0 &&
		r.MissingMeta == 0 &&
		r.ProducedLanes == r.ConsumedLanes
}

// RunStream sends beats input beats through p. The slave port is clocked by a
// write-domain goroutine paced by cfg.Valid; the master port by the caller's
// goroutine paced by cfg.Ready. The final beat always carries Last so the
// adapter flushes.
func RunStream(ctx context.Context, p *axis.Pipe, cfg Config, beats int) (StreamResult, error) {
	if err := cfg.Validate(); err != nil {
		return StreamResult{}, err
	}
	conv := p.Converter()
	ccfg := conv.Config()
	lane := conv.LaneWidth()

	var res StreamResult
	start := time.Now()
	var writeErr error
	var lanesIn, packetsIn atomic.Int64
	var pd string
	writerDone := make(chan struct{})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(writerDone)
		rng := rand.New(rand.NewSource(cfg.Seed))
		pace := NewPacer(cfg.Valid, cfg.Seed+1)
		d := NewDigest()
		defer func() { pd = d.Sum() }()
		s := p.Slave()

		for i := 0; i < beats; i++ {
			b := randomBeat(rng, ccfg.InWidth, conv.InLanes(), cfg.DropProbability)
			b.Meta = widthconv.Meta{ID: widthconv.FieldOf(uint64(i))}
			b.HasMeta = true
			b.Last = i == beats-1 || (cfg.PacketLen > 0 && (i+1)%cfg.PacketLen == 0)

			// Wait for the pacer before raising valid, then hold it.
			for !pace.Next() {
				if _, err := s.Clock(); err != nil {
					writeErr = err
					return
				}
			}
			if err := s.Drive(b); err != nil {
				writeErr = err
				return
			}
			for spins := 0; ; spins++ {
				ok, err := s.Clock()
				if err != nil {
					writeErr = err
					return
				}
				if ok {
					break
				}
				if spins&63 == 63 {
					if err := ctx.Err(); err != nil {
						writeErr = errors.Wrap(err, "testbench: slave stalled")
						return
					}
					runtime.Gosched()
				}
				if err := s.Drive(b); err != nil {
					writeErr = err
					return
				}
			}
			for _, l := range widthconv.ValidLanes(b, ccfg.InWidth, lane) {
				d.Bytes(l)
				lanesIn.Add(1)
			}
			if b.Last {
				packetsIn.Add(1)
			}
		}
		for {
			idle, err := s.Flush(1024)
			if err != nil {
				writeErr = err
				return
			}
			if idle {
				break
			}
			if err := ctx.Err(); err != nil {
				writeErr = errors.Wrap(err, "testbench: flush stalled")
				return
			}
			runtime.Gosched()
		}
	}()

	m := p.Master()
	pace := NewPacer(cfg.Ready, cfg.Seed+2)
	d := NewDigest()
	var drainUntil time.Time
	for {
		if drainUntil.IsZero() {
			select {
			case <-writerDone:
				drainUntil = time.Now().Add(drainTimeout)
			default:
				if ctx.Err() != nil {
					drainUntil = time.Now().Add(drainTimeout)
				}
			}
		} else if (d.Count() >= lanesIn.Load() && res.PacketsOut >= packetsIn.Load()) || time.Now().After(drainUntil) {
			break
		}

		wasValid := m.TValid()
		m.SetReady(pace.Next())
		b, fired := m.Clock()
		if wasValid && !fired && !m.TValid() {
			res.Retractions++
		}
		if !fired {
			runtime.Gosched()
			continue
		}
		res.Outputs++
		if b.Last {
			res.PacketsOut++
		}
		if ccfg.Policy == widthconv.Replicate && !b.HasMeta {
			res.MissingMeta++
		}
		for _, l := range widthconv.ValidLanes(b, ccfg.OutWidth, lane) {
			d.Bytes(l)
		}
	}
	wg.Wait()

	res.Elapsed = time.Since(start)
	res.Beats = int64(p.Slave().Transfers())
	res.LanesIn = lanesIn.Load()
	res.LanesOut = d.Count()
	res.PacketsIn = packetsIn.Load()
	res.ProducedLanes = pd
	res.ConsumedLanes = d.Sum()
	return res, writeErr
}

func randomBeat(rng *rand.Rand, width, lanes int, drop float64) widthconv.Beat {
	data := make([]byte, widthconv.Bytes(width))
	rng.Read(data)
	if r := width & 7; r != 0 {
		data[len(data)-1] &= 1<<r - 1
	}
	b := widthconv.Beat{Data: data}
	if drop > 0 {
		b.Keep = make([]bool, lanes)
		for i := range b.Keep {
			b.Keep[i] = rng.Float64() >= drop
		}
	}
	return b
}
