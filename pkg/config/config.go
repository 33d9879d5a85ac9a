// Package config loads benchmark scenarios from YAML.
package config

import (
	"bytes"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/i5heu/GoCDCQueue/internal/testbench"
	"github.com/i5heu/GoCDCQueue/pkg/asyncfifo"
	"github.com/i5heu/GoCDCQueue/pkg/axis"
	"github.com/i5heu/GoCDCQueue/pkg/widthconv"
)

// Config is an alias for testbench.Config. This allows other programs to import
// the pacing configuration without pulling in the entire testbench package.
type Config = testbench.Config

// Kind names what a scenario drives.
type Kind string

const (
	KindFIFO     Kind = "fifo"     // asyncfifo.FIFO[uint64]
	KindStream   Kind = "stream"   // axis.Pipe with width adaptation
	KindBuffered Kind = "buffered" // channel baseline
)

// ErrScenario wraps every scenario validation failure.
var ErrScenario = errors.New("config: invalid scenario")

// Scenario is one benchmark or soak run.
type Scenario struct {
	Name       string        `yaml:"name"`
	Kind       Kind          `yaml:"kind"`
	Depth      uint64        `yaml:"depth"`
	SyncStages int           `yaml:"sync_stages,omitempty"`
	InWidth    int           `yaml:"in_width,omitempty"`
	OutWidth   int           `yaml:"out_width,omitempty"`
	Policy     string        `yaml:"policy,omitempty"`
	KeepWidth  int           `yaml:"keep_width,omitempty"`
	IDWidth    int           `yaml:"id_width,omitempty"`
	DestWidth  int           `yaml:"dest_width,omitempty"`
	UserWidth  int           `yaml:"user_width,omitempty"`
	Beats      int           `yaml:"beats,omitempty"`    // stream runs
	Duration   time.Duration `yaml:"duration,omitempty"` // fifo and buffered runs
	Pacing     Config        `yaml:"pacing"`
}

type file struct {
	Scenarios []Scenario `yaml:"scenarios"`
}

// Defaults returns the built-in scenario set.
func Defaults() []Scenario {
	return []Scenario{
		{Name: "asyncfifo-k2", Kind: KindFIFO, Depth: 1024, SyncStages: 2, Duration: 2 * time.Second,
			Pacing: Config{Seed: 1, Valid: testbench.Always(), Ready: testbench.Always()}},
		{Name: "asyncfifo-k3", Kind: KindFIFO, Depth: 1024, SyncStages: 3, Duration: 2 * time.Second,
			Pacing: Config{Seed: 1, Valid: testbench.Always(), Ready: testbench.Always()}},
		{Name: "asyncfifo-backpressure", Kind: KindFIFO, Depth: 64, Duration: 2 * time.Second,
			Pacing: Config{Seed: 2, Valid: testbench.Always(), Ready: testbench.Periodic(3, 50)}},
		{Name: "buffered-channel", Kind: KindBuffered, Depth: 1024, Duration: 2 * time.Second,
			Pacing: Config{Seed: 1, Valid: testbench.Always(), Ready: testbench.Always()}},
		{Name: "axis-32-to-96", Kind: KindStream, Depth: 64, InWidth: 32, OutWidth: 96, Beats: 30000,
			Pacing: Config{Seed: 3, Valid: testbench.Random(0.8), Ready: testbench.Random(0.8), PacketLen: 16}},
		{Name: "axis-1344-to-192", Kind: KindStream, Depth: 64, InWidth: 1344, OutWidth: 192, Beats: 5000,
			Pacing: Config{Seed: 4, Valid: testbench.Always(), Ready: testbench.Always(), DropProbability: 0.1}},
		{Name: "axis-32-to-128-bytekeep", Kind: KindStream, Depth: 64, InWidth: 32, OutWidth: 128, KeepWidth: 8, Beats: 20000,
			Pacing: Config{Seed: 6, Valid: testbench.Random(0.9), Ready: testbench.Always(), DropProbability: 0.2, PacketLen: 5}},
		{Name: "axis-96-to-64", Kind: KindStream, Depth: 64, InWidth: 96, OutWidth: 64, Policy: "attach-last", Beats: 20000,
			Pacing: Config{Seed: 5, Valid: testbench.Always(), Ready: testbench.Periodic(3, 50), PacketLen: 7}},
	}
}

// Parse decodes a YAML scenario list. Unknown keys are rejected.
func Parse(r io.Reader) ([]Scenario, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var f file
	if err := dec.Decode(&f); err != nil {
		return nil, errors.Wrap(err, "config: decode")
	}
	if len(f.Scenarios) == 0 {
		return nil, errors.Wrap(ErrScenario, "no scenarios")
	}
	for i := range f.Scenarios {
		if err := f.Scenarios[i].Validate(); err != nil {
			return nil, errors.Wrapf(err, "scenario %d (%s)", i, f.Scenarios[i].Name)
		}
	}
	return f.Scenarios, nil
}

// Load reads a scenario file. An empty path yields Defaults.
func Load(path string) ([]Scenario, error) {
	if path == "" {
		return Defaults(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config: read")
	}
	return Parse(bytes.NewReader(data))
}

// Encode writes scenarios in the format Parse reads.
func Encode(w io.Writer, scenarios []Scenario) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(file{Scenarios: scenarios}); err != nil {
		return errors.Wrap(err, "config: encode")
	}
	return enc.Close()
}

// Validate checks the fields the scenario's kind uses.
func (s Scenario) Validate() error {
	if s.Name == "" {
		return errors.Wrap(ErrScenario, "missing name")
	}
	if s.Depth == 0 {
		return errors.Wrap(ErrScenario, "depth must be positive")
	}
	switch s.Kind {
	case KindFIFO, KindBuffered:
		if s.Duration <= 0 {
			return errors.Wrap(ErrScenario, "duration must be positive")
		}
	case KindStream:
		if s.Beats <= 0 {
			return errors.Wrap(ErrScenario, "beats must be positive")
		}
		if _, err := s.AxisConfig(); err != nil {
			return err
		}
	default:
		return errors.Wrapf(ErrScenario, "unknown kind %q", s.Kind)
	}
	return s.Pacing.Validate()
}

// FIFOConfig returns the asyncfifo parameters of a fifo scenario.
func (s Scenario) FIFOConfig() asyncfifo.Config {
	return asyncfifo.Config{Capacity: s.Depth, SyncStages: s.SyncStages}
}

// AxisConfig returns the pipe parameters of a stream scenario.
func (s Scenario) AxisConfig() (axis.Config, error) {
	p, err := widthconv.ParsePolicy(s.Policy)
	if err != nil {
		return axis.Config{}, err
	}
	if s.InWidth <= 0 || s.OutWidth <= 0 {
		return axis.Config{}, errors.Wrapf(ErrScenario, "widths %d:%d", s.InWidth, s.OutWidth)
	}
	wc := widthconv.Config{
		InWidth:   s.InWidth,
		OutWidth:  s.OutWidth,
		Policy:    p,
		KeepWidth: s.KeepWidth,
		IDWidth:   s.IDWidth,
		DestWidth: s.DestWidth,
		UserWidth: s.UserWidth,
	}
	if _, err := widthconv.New(wc); err != nil {
		return axis.Config{}, errors.Wrapf(ErrScenario, "%s: %v", s.Name, err)
	}
	return axis.Config{
		InWidth:    s.InWidth,
		OutWidth:   s.OutWidth,
		Depth:      s.Depth,
		SyncStages: s.SyncStages,
		Policy:     p,
		KeepWidth:  s.KeepWidth,
		IDWidth:    s.IDWidth,
		DestWidth:  s.DestWidth,
		UserWidth:  s.UserWidth,
	}, nil
}
