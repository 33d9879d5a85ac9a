package widthconv

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConverter(t *testing.T, in, out int, p Policy) *Converter {
	t.Helper()
	c, err := New(Config{InWidth: in, OutWidth: out, Policy: p})
	require.NoError(t, err)
	return c
}

func randomData(rng *rand.Rand, width int) []byte {
	d := make([]byte, Bytes(width))
	rng.Read(d)
	if r := width & 7; r != 0 {
		d[len(d)-1] &= 1<<r - 1
	}
	return d
}

// convert pushes every beat through c, popping whenever the accumulator is
// out of room, and returns all outputs.
func convert(t *testing.T, c *Converter, in []Beat) []Beat {
	t.Helper()
	var out []Beat
	for _, b := range in {
		for !c.CanAccept() {
			o, ok := c.Pop()
			require.True(t, ok, "converter stuck with %d lanes", c.Pending())
			out = append(out, o)
		}
		require.NoError(t, c.Push(b))
	}
	for {
		o, ok := c.Pop()
		if !ok {
			return out
		}
		out = append(out, o)
	}
}

func TestConfigValidation(t *testing.T) {
	for _, cfg := range []Config{
		{InWidth: 0, OutWidth: 8},
		{InWidth: 8, OutWidth: -1},
		{InWidth: 8, OutWidth: 8, Policy: Policy(7)},
		{InWidth: 1, OutWidth: MaxLanes + 1},
	} {
		_, err := New(cfg)
		require.Error(t, err, "%+v", cfg)
		assert.Equal(t, ErrConfig, errors.Cause(err))
	}

	c := newConverter(t, 1344, 192, Replicate)
	assert.Equal(t, 192, c.LaneWidth())
	assert.Equal(t, 7, c.InLanes())
	assert.Equal(t, 1, c.OutLanes())
}

func TestParsePolicy(t *testing.T) {
	p, err := ParsePolicy("attach-last")
	require.NoError(t, err)
	assert.Equal(t, AttachLast, p)
	p, err = ParsePolicy("")
	require.NoError(t, err)
	assert.Equal(t, Replicate, p)
	_, err = ParsePolicy("sometimes")
	assert.Equal(t, ErrPolicy, errors.Cause(err))
	assert.Equal(t, "attach-last", AttachLast.String())
}

func TestGatherPutsFirstArrivalInLowBits(t *testing.T) {
	c := newConverter(t, 32, 64, Replicate)
	out := convert(t, c, []Beat{
		{Data: PackUint64(0x11111111, 32)},
		{Data: PackUint64(0x22222222, 32)},
		{Data: PackUint64(0x33333333, 32)},
	})
	require.Len(t, out, 1)
	assert.Equal(t, uint64(0x2222222211111111), Uint64(out[0].Data))
	assert.Nil(t, out[0].Keep)
	// The third element waits for its partner.
	assert.Equal(t, 1, c.Pending())
}

func TestScatterEmitsLowBitsFirst(t *testing.T) {
	c := newConverter(t, 64, 16, Replicate)
	out := convert(t, c, []Beat{{Data: PackUint64(0x4444333322221111, 64)}})
	require.Len(t, out, 4)
	for i, want := range []uint64{0x1111, 0x2222, 0x3333, 0x4444} {
		assert.Equal(t, want, Uint64(out[i].Data), "fragment %d", i)
	}
}

func TestSubByteWidths(t *testing.T) {
	c := newConverter(t, 2, 8, Replicate)
	out := convert(t, c, []Beat{
		{Data: []byte{0b01}}, {Data: []byte{0b10}}, {Data: []byte{0b11}}, {Data: []byte{0b00}},
	})
	require.Len(t, out, 1)
	assert.Equal(t, byte(0b00111001), out[0].Data[0])

	back := convert(t, newConverter(t, 8, 2, Replicate), out)
	require.Len(t, back, 4)
	assert.Equal(t, []byte{0b01}, back[0].Data)
	assert.Equal(t, []byte{0b11}, back[2].Data)
}

func TestRoundTrip(t *testing.T) {
	cases := []struct{ narrow, wide int }{
		{32, 96},    // ratio 3
		{192, 1344}, // ratio 7
		{8, 512},    // ratio 64
		{2, 128},
		{64, 192},
		{64, 96}, // 2:3, not integral
		{24, 40}, // lcm 120
		{16, 16},
	}
	rng := rand.New(rand.NewSource(7))
	for _, tc := range cases {
		t.Run(fmt.Sprintf("%d-%d", tc.narrow, tc.wide), func(t *testing.T) {
			l := tc.narrow * tc.wide / gcd(tc.narrow, tc.wide)
			nNarrow := 5 * l / tc.narrow
			nWide := 5 * l / tc.wide

			narrow := make([]Beat, nNarrow)
			for i := range narrow {
				narrow[i] = Beat{Data: randomData(rng, tc.narrow)}
			}
			wide := convert(t, newConverter(t, tc.narrow, tc.wide, Replicate), narrow)
			require.Len(t, wide, nWide)
			back := convert(t, newConverter(t, tc.wide, tc.narrow, Replicate), wide)
			require.Len(t, back, nNarrow)
			for i := range narrow {
				require.Equal(t, narrow[i].Data, back[i].Data, "gather/scatter element %d", i)
			}

			wideIn := make([]Beat, nWide)
			for i := range wideIn {
				wideIn[i] = Beat{Data: randomData(rng, tc.wide)}
			}
			split := convert(t, newConverter(t, tc.wide, tc.narrow, AttachLast), wideIn)
			require.Len(t, split, nNarrow)
			joined := convert(t, newConverter(t, tc.narrow, tc.wide, AttachLast), split)
			require.Len(t, joined, nWide)
			for i := range wideIn {
				require.Equal(t, wideIn[i].Data, joined[i].Data, "scatter/gather element %d", i)
			}
		})
	}
}

func TestMaskedLanesAreDropped(t *testing.T) {
	for _, p := range []Policy{Replicate, AttachLast} {
		c := newConverter(t, 128, 32, p)
		data := make([]byte, 16)
		for lane := 0; lane < 4; lane++ {
			copy(data[lane*4:], PackUint64(uint64(0xA0+lane), 32))
		}
		meta := Meta{ID: FieldOf(3), Dest: FieldOf(9), User: FieldOf(0x55)}
		out := convert(t, c, []Beat{{
			Data: data, Keep: []bool{true, true, false, true}, Meta: meta, HasMeta: true,
		}})

		require.Len(t, out, 3, p.String())
		assert.Equal(t, uint64(0xA0), Uint64(out[0].Data))
		assert.Equal(t, uint64(0xA1), Uint64(out[1].Data))
		assert.Equal(t, uint64(0xA3), Uint64(out[2].Data))
		for _, o := range out {
			assert.Nil(t, o.Keep)
		}

		assert.True(t, out[2].HasMeta)
		assert.Equal(t, meta, out[2].Meta)
		if p == Replicate {
			assert.True(t, out[0].HasMeta)
			assert.Equal(t, meta, out[1].Meta)
		} else {
			assert.False(t, out[0].HasMeta)
			assert.False(t, out[1].HasMeta)
			assert.Equal(t, Meta{}, out[1].Meta)
		}
	}
}

func TestMetadataPolicyOnScatter(t *testing.T) {
	in := []Beat{
		{Data: make([]byte, 12), Meta: Meta{ID: FieldOf(1)}, HasMeta: true},
		{Data: make([]byte, 12), Meta: Meta{ID: FieldOf(2), User: FieldOf(7)}, HasMeta: true},
	}

	rep := convert(t, newConverter(t, 96, 32, Replicate), in)
	require.Len(t, rep, 6)
	for i, o := range rep {
		assert.True(t, o.HasMeta, "fragment %d", i)
		assert.Equal(t, in[i/3].Meta, o.Meta, "fragment %d", i)
	}

	last := convert(t, newConverter(t, 96, 32, AttachLast), in)
	require.Len(t, last, 6)
	for i, o := range last {
		if i%3 == 2 {
			assert.True(t, o.HasMeta, "fragment %d", i)
			assert.Equal(t, in[i/3].Meta, o.Meta)
			continue
		}
		assert.False(t, o.HasMeta, "fragment %d", i)
	}
}

func TestMetadataOnGatherComesFromCompletingInput(t *testing.T) {
	for _, p := range []Policy{Replicate, AttachLast} {
		out := convert(t, newConverter(t, 32, 128, p), []Beat{
			{Data: make([]byte, 4), Meta: Meta{ID: FieldOf(1)}, HasMeta: true},
			{Data: make([]byte, 4), Meta: Meta{ID: FieldOf(2)}, HasMeta: true},
			{Data: make([]byte, 4), Meta: Meta{ID: FieldOf(3)}, HasMeta: true},
			{Data: make([]byte, 4), Meta: Meta{ID: FieldOf(4), Dest: FieldOf(1)}, HasMeta: true},
		})
		require.Len(t, out, 1)
		assert.True(t, out[0].HasMeta)
		assert.Equal(t, Meta{ID: FieldOf(4), Dest: FieldOf(1)}, out[0].Meta)
	}
}

func TestLastFlushesPartialOutput(t *testing.T) {
	c := newConverter(t, 32, 128, Replicate)
	out := convert(t, c, []Beat{
		{Data: PackUint64(1, 32)},
		{Data: PackUint64(2, 32), Keep: []bool{false}},
		{Data: PackUint64(3, 32)},
		{Data: PackUint64(4, 32), Last: true},
		{Data: PackUint64(5, 32)},
	})
	require.Len(t, out, 1)
	assert.True(t, out[0].Last)
	assert.Equal(t, []bool{true, true, true, false}, out[0].Keep)
	lanes := ValidLanes(out[0], 128, 32)
	require.Len(t, lanes, 3)
	assert.Equal(t, uint64(1), Uint64(lanes[0]))
	assert.Equal(t, uint64(3), Uint64(lanes[1]))
	assert.Equal(t, uint64(4), Uint64(lanes[2]))
	// The invalid tail lane is not presented as data.
	assert.Equal(t, uint64(0), Uint64(out[0].Data[12:]))
	assert.Equal(t, 1, c.Pending())
}

func TestAllInvalidLastStillEndsPacket(t *testing.T) {
	c := newConverter(t, 32, 128, Replicate)
	out := convert(t, c, []Beat{
		{Data: PackUint64(1, 32)},
		{Data: PackUint64(2, 32), Keep: []bool{false}, Last: true, Meta: Meta{Dest: FieldOf(4)}, HasMeta: true},
	})
	require.Len(t, out, 1)
	assert.True(t, out[0].Last)
	assert.Equal(t, []bool{true, false, false, false}, out[0].Keep)
	assert.Equal(t, Meta{Dest: FieldOf(4)}, out[0].Meta)
	assert.Equal(t, 0, c.Pending())

	out = convert(t, c, []Beat{{Data: PackUint64(9, 32), Keep: []bool{false}, Last: true}})
	require.Len(t, out, 1)
	assert.True(t, out[0].Last)
	assert.Empty(t, ValidLanes(out[0], 128, 32))
}

func TestInputErrors(t *testing.T) {
	c := newConverter(t, 128, 32, Replicate)
	err := c.Push(Beat{Data: make([]byte, 15)})
	assert.Equal(t, ErrDataLength, errors.Cause(err))
	err = c.Push(Beat{Data: make([]byte, 16), Keep: []bool{true}})
	assert.Equal(t, ErrMaskLength, errors.Cause(err))

	require.NoError(t, c.Push(Beat{Data: make([]byte, 16)}))
	assert.False(t, c.CanAccept())
	assert.Equal(t, ErrNoRoom, c.Push(Beat{Data: make([]byte, 16)}))

	c.Reset()
	assert.Equal(t, 0, c.Pending())
	assert.True(t, c.CanAccept())
}

func TestAccumulatorNeverDeadlocks(t *testing.T) {
	// With fewer than OutLanes lanes pending there is always room for a
	// whole input, so a producer that pops when refused always progresses.
	for _, w := range [][2]int{{96, 64}, {64, 96}, {1344, 192}, {8, 512}, {40, 24}} {
		c := newConverter(t, w[0], w[1], Replicate)
		for i := 0; i < 1000; i++ {
			if !c.CanAccept() {
				require.GreaterOrEqual(t, c.Pending(), c.OutLanes(), "%v", w)
				_, ok := c.Pop()
				require.True(t, ok)
				i--
				continue
			}
			require.NoError(t, c.Push(Beat{Data: make([]byte, Bytes(w[0]))}))
		}
	}
}

func TestByteKeepOnWordGather(t *testing.T) {
	c, err := New(Config{InWidth: 32, OutWidth: 128, KeepWidth: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, c.LaneWidth())
	assert.Equal(t, 4, c.InLanes())
	assert.Equal(t, 16, c.OutLanes())

	out := convert(t, c, []Beat{
		{Data: PackUint64(0x44332211, 32), Keep: []bool{true, true, false, true}},
		{Data: PackUint64(0x88776655, 32), Last: true},
	})
	require.Len(t, out, 1)
	assert.True(t, out[0].Last)
	require.Len(t, out[0].Keep, 16)
	for i, k := range out[0].Keep {
		assert.Equal(t, i < 7, k, "lane %d", i)
	}
	assert.Equal(t, []byte{0x11, 0x22, 0x44, 0x55, 0x66, 0x77, 0x88}, out[0].Data[:7])
	assert.Equal(t, make([]byte, 9), out[0].Data[7:])

	var full []Beat
	for i := 0; i < 4; i++ {
		full = append(full, Beat{Data: PackUint64(uint64(i+1)*0x01010101, 32)})
	}
	out = convert(t, c, full)
	require.Len(t, out, 1)
	assert.Nil(t, out[0].Keep)
	assert.Equal(t, uint64(0x0202020201010101), Uint64(out[0].Data[:8]))
	assert.Equal(t, uint64(0x0404040403030303), Uint64(out[0].Data[8:]))
}

func TestKeepWidthValidation(t *testing.T) {
	for _, cfg := range []Config{
		{InWidth: 32, OutWidth: 128, KeepWidth: 3},
		{InWidth: 32, OutWidth: 128, KeepWidth: 64},
		{InWidth: 32, OutWidth: 128, KeepWidth: -8},
		{InWidth: 2 * MaxLanes, OutWidth: 2 * MaxLanes, KeepWidth: 1},
		{InWidth: 8, OutWidth: 8, IDWidth: MaxMetaWidth + 1},
		{InWidth: 8, OutWidth: 8, UserWidth: -1},
	} {
		_, err := New(cfg)
		require.Error(t, err, "%+v", cfg)
		assert.Equal(t, ErrConfig, errors.Cause(err))
	}
	c, err := New(Config{InWidth: 96, OutWidth: 64})
	require.NoError(t, err)
	assert.Equal(t, 32, c.LaneWidth())
	assert.Equal(t, 128, c.Config().IDWidth)
}

func onesField(width int) Field {
	var f Field
	for i := 0; i < width; i++ {
		f[i/8] |= 1 << (i % 8)
	}
	return f
}

func TestWideMetadata(t *testing.T) {
	c, err := New(Config{InWidth: 32, OutWidth: 128, IDWidth: 128, DestWidth: 100, UserWidth: 125})
	require.NoError(t, err)

	meta := Meta{ID: onesField(128), Dest: onesField(100), User: onesField(125)}
	assert.Equal(t, 128, meta.ID.Bits())
	assert.Equal(t, 100, meta.Dest.Bits())
	assert.Equal(t, 125, meta.User.Bits())
	out := convert(t, c, []Beat{{Data: PackUint64(7, 32), Meta: meta, HasMeta: true, Last: true}})
	require.Len(t, out, 1)
	assert.True(t, out[0].HasMeta)
	assert.Equal(t, meta, out[0].Meta)

	wide := meta
	wide.Dest[100/8] |= 1 << (100 % 8)
	err = c.Push(Beat{Data: PackUint64(7, 32), Meta: wide, HasMeta: true})
	assert.Equal(t, ErrMetaWidth, errors.Cause(err))
	wide = meta
	wide.User[15] |= 0x80
	assert.Equal(t, ErrMetaWidth, errors.Cause(c.Validate(Beat{Data: PackUint64(7, 32), Meta: wide, HasMeta: true})))
	// Without HasMeta the fields are not carried, so they are not checked.
	assert.NoError(t, c.Validate(Beat{Data: PackUint64(7, 32), Meta: wide}))
	assert.Equal(t, 0, c.Pending())
}

func TestFieldOf(t *testing.T) {
	f := FieldOf(0x0123456789abcdef)
	assert.Equal(t, uint64(0x0123456789abcdef), f.Uint64())
	assert.Equal(t, 57, f.Bits())
	assert.Equal(t, 0, Field{}.Bits())
}
