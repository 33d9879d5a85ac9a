// Package widthconv repacks a stream of elements of one bit width into
// elements of another width.
//
// Both widths are split into lanes of gcd(in, out) bits, or of a narrower keep
// width that divides both. Valid input lanes are appended to a lane
// accumulator of at least lcm(in, out) bits and leave it in groups of
// out/lane lanes, so integral ratios (gather or scatter), non-integral
// ratios such as 96:64 and widths that are not byte multiples all go through
// the same path. Lanes marked invalid by a beat's keep mask are dropped on the
// way in and never appear as valid output data.
package widthconv

import (
	"fmt"
	"math/bits"

	"github.com/pkg/errors"
)

// MaxLanes bounds the accumulator and the lanes per beat.
const MaxLanes = 1 << 16

// MaxMetaWidth is the widest side-channel field in bits.
const MaxMetaWidth = 128

var (
	// ErrConfig wraps every construction failure.
	ErrConfig = errors.New("widthconv: invalid configuration")

	// ErrMaskLength is returned for a keep mask that is neither nil nor one
	// flag per input lane.
	ErrMaskLength = errors.New("widthconv: keep mask length does not match input lanes")

	// ErrDataLength is returned when Data is not Bytes(InWidth) long.
	ErrDataLength = errors.New("widthconv: data length does not match input width")

	// ErrMetaWidth is returned when a metadata field has bits set above its
	// configured width.
	ErrMetaWidth = errors.New("widthconv: metadata field wider than configured")

	// ErrNoRoom is returned by Push when CanAccept is false.
	ErrNoRoom = errors.New("widthconv: accumulator has no room for another input")

	// ErrPolicy is returned by ParsePolicy for an unknown name.
	ErrPolicy = errors.New("widthconv: unknown metadata policy")
)

// Policy decides which outputs carry the side-channel metadata of a beat.
type Policy int

const (
	// Replicate gives every output the metadata of the input that supplied
	// its final lane.
	Replicate Policy = iota
	// AttachLast gives metadata only to the output holding the final stored
	// lane of an input; other fragments carry none.
	AttachLast
)

func (p Policy) String() string {
	switch p {
	case Replicate:
		return "replicate"
	case AttachLast:
		return "attach-last"
	}
	return fmt.Sprintf("Policy(%d)", int(p))
}

// ParsePolicy maps "replicate" and "attach-last" to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "replicate":
		return Replicate, nil
	case "attach-last", "last":
		return AttachLast, nil
	}
	return 0, errors.Wrapf(ErrPolicy, "%q", s)
}

// Field holds one side-channel value of up to MaxMetaWidth bits, least
// significant byte first.
type Field [MaxMetaWidth / 8]byte

// FieldOf returns v as a Field.
func FieldOf(v uint64) Field {
	var f Field
	for i := 0; i < 8; i++ {
		f[i] = byte(v >> (8 * i))
	}
	return f
}

// Uint64 returns the low 64 bits of f.
func (f Field) Uint64() uint64 { return Uint64(f[:8]) }

// Bits returns the position of the highest set bit plus one.
func (f Field) Bits() int {
	for i := len(f) - 1; i >= 0; i-- {
		if f[i] != 0 {
			return 8*i + bits.Len8(f[i])
		}
	}
	return 0
}

// Meta is the side channel riding with a beat (AXI-Stream tid, tdest, tuser).
type Meta struct {
	ID   Field
	Dest Field
	User Field
}

// Beat is one transfer.
type Beat struct {
	Data []byte // Bytes(width) bytes, least significant bit first
	// Keep marks valid lanes, lane 0 first. Nil means every lane is valid.
	Keep    []bool
	Meta    Meta
	HasMeta bool
	// Last ends a packet. The converter flushes a partial output on it.
	Last bool
}

// Config is fixed at construction.
type Config struct {
	InWidth  int // bits per input element
	OutWidth int // bits per output element
	Policy   Policy

	// KeepWidth is the number of data bits one keep flag covers, 8 for a
	// byte mask. It must divide both widths. Zero selects gcd(in, out).
	KeepWidth int

	// Widths of the metadata fields in bits. Zero selects MaxMetaWidth.
	IDWidth   int
	DestWidth int
	UserWidth int
}

type laneTag struct {
	valid    bool // false for the marker stored by an all-invalid Last beat
	inputEnd bool // final stored lane of its input
	last     bool
	meta     Meta
	hasMeta  bool
}

// Converter is the width adapter. It is owned by a single domain.
type Converter struct {
	cfg      Config
	lane     int // bits per lane
	inLanes  int
	outLanes int
	capLanes int

	acc  []byte
	tags []laneTag
	head int
	n    int
}

// New validates cfg and builds an empty converter.
func New(cfg Config) (*Converter, error) {
	if cfg.InWidth <= 0 || cfg.OutWidth <= 0 {
		return nil, errors.Wrapf(ErrConfig, "widths must be positive, got %d:%d", cfg.InWidth, cfg.OutWidth)
	}
	if cfg.Policy != Replicate && cfg.Policy != AttachLast {
		return nil, errors.Wrapf(ErrConfig, "policy %v", cfg.Policy)
	}
	g := gcd(cfg.InWidth, cfg.OutWidth)
	if cfg.KeepWidth == 0 {
		cfg.KeepWidth = g
	}
	if cfg.KeepWidth < 0 || g%cfg.KeepWidth != 0 {
		return nil, errors.Wrapf(ErrConfig, "keep width %d does not divide %d and %d",
			cfg.KeepWidth, cfg.InWidth, cfg.OutWidth)
	}
	for _, w := range []*int{&cfg.IDWidth, &cfg.DestWidth, &cfg.UserWidth} {
		if *w == 0 {
			*w = MaxMetaWidth
		}
		if *w < 0 || *w > MaxMetaWidth {
			return nil, errors.Wrapf(ErrConfig, "metadata width %d outside 1..%d", *w, MaxMetaWidth)
		}
	}
	lane := cfg.KeepWidth
	inLanes, outLanes := cfg.InWidth/lane, cfg.OutWidth/lane
	if inLanes > MaxLanes || outLanes > MaxLanes || cfg.InWidth/g > MaxLanes/outLanes {
		return nil, errors.Wrapf(ErrConfig, "ratio %d:%d at %d-bit lanes needs more than %d lanes",
			cfg.InWidth, cfg.OutWidth, lane, MaxLanes)
	}
	// At least lcm(in, out) bits, and at least in+out-1 lanes so a refused
	// input always leaves a full output to pop.
	capLanes := max(cfg.InWidth/g*cfg.OutWidth/lane, inLanes+outLanes-1)
	return &Converter{
		cfg:      cfg,
		lane:     lane,
		inLanes:  inLanes,
		outLanes: outLanes,
		capLanes: capLanes,
		acc:      make([]byte, Bytes(capLanes*lane)),
		tags:     make([]laneTag, capLanes),
	}, nil
}

// LaneWidth returns the keep-mask granularity in bits: KeepWidth, or
// gcd(in, out) when that was left zero.
func (c *Converter) LaneWidth() int { return c.lane }

// InLanes returns the number of lanes in an input beat.
func (c *Converter) InLanes() int { return c.inLanes }

// OutLanes returns the number of lanes in an output beat.
func (c *Converter) OutLanes() int { return c.outLanes }

// Pending returns the number of lanes held in the accumulator.
func (c *Converter) Pending() int { return c.n }

// Config returns the construction parameters.
func (c *Converter) Config() Config { return c.cfg }

// Validate checks that b is shaped for this converter's input side.
func (c *Converter) Validate(b Beat) error {
	if len(b.Data) != Bytes(c.cfg.InWidth) {
		return errors.Wrapf(ErrDataLength, "got %d bytes for %d bits", len(b.Data), c.cfg.InWidth)
	}
	if b.Keep != nil && len(b.Keep) != c.inLanes {
		return errors.Wrapf(ErrMaskLength, "got %d, want %d", len(b.Keep), c.inLanes)
	}
	if !b.HasMeta {
		return nil
	}
	for _, f := range []struct {
		name  string
		v     Field
		width int
	}{
		{"id", b.Meta.ID, c.cfg.IDWidth},
		{"dest", b.Meta.Dest, c.cfg.DestWidth},
		{"user", b.Meta.User, c.cfg.UserWidth},
	} {
		if n := f.v.Bits(); n > f.width {
			return errors.Wrapf(ErrMetaWidth, "%s needs %d bits, width %d", f.name, n, f.width)
		}
	}
	return nil
}

// CanAccept reports whether a whole input beat fits in the accumulator.
func (c *Converter) CanAccept() bool {
	return c.n+c.inLanes <= c.capLanes
}

// Push appends the valid lanes of b.
func (c *Converter) Push(b Beat) error {
	if err := c.Validate(b); err != nil {
		return err
	}
	if !c.CanAccept() {
		return ErrNoRoom
	}

	stored := 0
	for i := 0; i < c.inLanes; i++ {
		if b.Keep != nil && !b.Keep[i] {
			continue
		}
		slot := c.slot(c.n)
		copyBits(c.acc, slot*c.lane, b.Data, i*c.lane, c.lane)
		c.tags[slot] = laneTag{valid: true, meta: b.Meta, hasMeta: b.HasMeta}
		c.n++
		stored++
	}

	switch {
	case stored > 0:
		tag := &c.tags[c.slot(c.n-1)]
		tag.inputEnd = true
		tag.last = b.Last
	case b.Last:
		// Nothing valid, but the packet boundary must still reach the
		// consumer: store an invalid marker lane that closes the output.
		slot := c.slot(c.n)
		c.clearLane(slot)
		c.tags[slot] = laneTag{inputEnd: true, last: true, meta: b.Meta, hasMeta: b.HasMeta}
		c.n++
	}
	return nil
}

// Pop returns the next output beat. An output is ready once OutLanes lanes
// are pending, or earlier when a packet ends inside the first OutLanes lanes.
func (c *Converter) Pop() (Beat, bool) {
	k := 0
	limit := min(c.n, c.outLanes)
	for j := 0; j < limit; j++ {
		if c.tags[c.slot(j)].last {
			k = j + 1
			break
		}
	}
	if k == 0 {
		if c.n < c.outLanes {
			return Beat{}, false
		}
		k = c.outLanes
	}

	out := Beat{Data: make([]byte, Bytes(c.cfg.OutWidth))}
	allValid := k == c.outLanes
	var final laneTag
	for j := 0; j < k; j++ {
		slot := c.slot(j)
		final = c.tags[slot]
		copyBits(out.Data, j*c.lane, c.acc, slot*c.lane, c.lane)
		if !final.valid {
			allValid = false
		}
	}
	if !allValid {
		out.Keep = make([]bool, c.outLanes)
		for j := 0; j < k; j++ {
			out.Keep[j] = c.tags[c.slot(j)].valid
		}
	}
	out.Last = final.last
	if c.cfg.Policy == Replicate || final.inputEnd {
		out.Meta, out.HasMeta = final.meta, final.hasMeta
	}

	c.head = c.slot(k)
	c.n -= k
	return out, true
}

// Reset drops every pending lane.
func (c *Converter) Reset() {
	c.head, c.n = 0, 0
}

func (c *Converter) slot(i int) int {
	return (c.head + i) % c.capLanes
}

func (c *Converter) clearLane(slot int) {
	for i := 0; i < c.lane; i++ {
		b := slot*c.lane + i
		c.acc[b>>3] &^= 1 << (b & 7)
	}
}

// ValidLanes splits b into laneWidth-bit lanes and returns the valid ones in
// order, each as Bytes(laneWidth) bytes.
func ValidLanes(b Beat, width, laneWidth int) [][]byte {
	lanes := width / laneWidth
	var out [][]byte
	for i := 0; i < lanes; i++ {
		if b.Keep != nil && (i >= len(b.Keep) || !b.Keep[i]) {
			continue
		}
		l := make([]byte, Bytes(laneWidth))
		copyBits(l, 0, b.Data, i*laneWidth, laneWidth)
		out = append(out, l)
	}
	return out
}
