package flux_test

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/flux"
)

func TestTickBoundaries(t *testing.T) {
	tests := []struct {
		name  string
		tick  uint32
		bytes []byte
	}{
		{name: "zero emits nothing", tick: 0, bytes: nil},
		{name: "one", tick: 1, bytes: []byte{0x01}},
		{name: "largest one byte", tick: 249, bytes: []byte{249}},
		{name: "smallest two byte", tick: 250, bytes: []byte{250, 1}},
		{name: "two byte remainder", tick: 251, bytes: []byte{250, 2}},
		{name: "largest two byte", tick: 1499, bytes: []byte{254, 250}},
		{name: "smallest five byte", tick: 1500, bytes: []byte{0xFF, 0xB9, 0x17, 0x01, 0x01}},
		{name: "largest 28 bit", tick: flux.MaxTick, bytes: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := flux.AppendTick(nil, tt.tick)
			assert.Equal(t, tt.bytes, got)
			assert.Equal(t, len(tt.bytes), flux.EncodedLen(tt.tick))
		})
	}
}

func TestOpcodeCollisionUsesSpace(t *testing.T) {
	// 1536 has its low seven bits clear, so its first data byte would be 0x01.
	enc := flux.AppendTick(nil, 1536)
	require.Len(t, enc, 7)
	assert.Equal(t, byte(0xFF), enc[0])
	assert.Equal(t, byte(flux.OpSpace), enc[1])
	assert.Equal(t, byte(249), enc[6])

	evs, err := flux.Decode(append(enc, flux.Terminator))
	require.NoError(t, err)
	assert.Equal(t, []flux.Event{{Kind: flux.KindTick, Ticks: 1536}}, evs)
}

func TestRoundTrip(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	for iter := 0; iter < 200; iter++ {
		var in []flux.Event
		n := rng.Intn(300)
		for i := 0; i < n; i++ {
			var v uint32
			switch rng.Intn(4) {
			case 0:
				v = uint32(1 + rng.Intn(249))
			case 1:
				v = uint32(250 + rng.Intn(1250))
			case 2:
				v = uint32(1500 + rng.Intn(1<<20))
			default:
				v = uint32(rng.Int31n(flux.MaxTick)) + 1
			}
			if rng.Intn(40) == 0 {
				in = append(in, flux.Event{Kind: flux.KindIndex, Ticks: uint32(rng.Int31n(flux.MaxTick))})
			}
			in = append(in, flux.Event{Kind: flux.KindTick, Ticks: v})
		}
		out, err := flux.Decode(flux.Encode(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestZeroTicksMerge(t *testing.T) {
	in := []flux.Event{
		{Kind: flux.KindTick, Ticks: 10},
		{Kind: flux.KindTick, Ticks: 0},
		{Kind: flux.KindTick, Ticks: 20},
	}
	out, err := flux.Decode(flux.Encode(in))
	require.NoError(t, err)
	assert.Equal(t, []flux.Event{{Kind: flux.KindTick, Ticks: 10}, {Kind: flux.KindTick, Ticks: 20}}, out)
}

func TestTerminatorIdempotence(t *testing.T) {
	in := []flux.Event{
		{Kind: flux.KindTick, Ticks: 100},
		{Kind: flux.KindIndex, Ticks: 7_200_000},
		{Kind: flux.KindTick, Ticks: 3000},
	}
	stream := flux.Encode(in)
	want, err := flux.Decode(stream)
	require.NoError(t, err)

	for extra := 1; extra < 8; extra++ {
		padded := append(append([]byte{}, stream...), make([]byte, extra)...)
		got, err := flux.Decode(padded)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestUnterminated(t *testing.T) {
	_, err := flux.Decode([]byte{10, 20, 250})
	assert.ErrorIs(t, err, flux.ErrUnterminated)
}

func TestSpaceFoldsIntoNextTick(t *testing.T) {
	var b []byte
	b = flux.AppendSpace(b, 1000)
	b = flux.AppendSpace(b, 500)
	b = flux.AppendTick(b, 20)
	b = append(b, flux.Terminator)

	out, err := flux.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []flux.Event{{Kind: flux.KindTick, Ticks: 1520}}, out)
}

func TestTrailingSpaceReported(t *testing.T) {
	b := flux.AppendTick(nil, 20)
	b = flux.AppendIndex(b, 7_200_000)
	b = flux.AppendSpace(b, 1500)
	b = append(b, flux.Terminator)

	var (
		d   flux.Decoder
		src = flux.Slice(b)
	)
	want := []flux.Event{
		{Kind: flux.KindTick, Ticks: 20},
		{Kind: flux.KindIndex, Ticks: 7_200_000},
		{Kind: flux.KindSpace, Ticks: 1500},
		{Kind: flux.KindEnd},
	}
	for _, w := range want {
		ev, ok := d.Next(&src)
		require.True(t, ok)
		assert.Equal(t, w, ev)
	}
	assert.True(t, d.Ended())
	assert.Zero(t, src.Len())

	out, err := flux.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, want[:3], out)
	assert.Equal(t, b, flux.Encode(out))
}

func TestLongValuesSplit(t *testing.T) {
	const long = flux.MaxTick*2 + 12345
	enc := flux.AppendTick(nil, long)
	assert.Equal(t, flux.EncodedLen(long), len(enc))

	out, err := flux.Decode(append(enc, flux.Terminator))
	require.NoError(t, err)
	assert.Equal(t, []flux.Event{{Kind: flux.KindTick, Ticks: long}}, out)
}

func TestUnknownOpcodeSkipped(t *testing.T) {
	b := []byte{0xFF, 0x08, 1, 1, 1, 1, 42, flux.Terminator}
	out, err := flux.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []flux.Event{{Kind: flux.KindTick, Ticks: 42}}, out)
}

func TestDecoderDefersPartialSequences(t *testing.T) {
	full := flux.Encode([]flux.Event{
		{Kind: flux.KindTick, Ticks: 300},
		{Kind: flux.KindTick, Ticks: 100_000},
		{Kind: flux.KindIndex, Ticks: 5},
		{Kind: flux.KindTick, Ticks: 12},
	})

	// Feed one byte at a time; nothing may be consumed until complete.
	var (
		d   flux.Decoder
		got []flux.Event
		pos int
	)
	for fill := 0; fill <= len(full) && !d.Ended(); fill++ {
		src := flux.SliceSource(full[pos:fill])
		for {
			before := src.Len()
			ev, ok := d.Next(&src)
			if !ok {
				assert.Equal(t, before, src.Len(), "partial sequence consumed")
				break
			}
			if ev.Kind == flux.KindEnd {
				break
			}
			got = append(got, ev)
		}
		pos = fill - src.Len()
	}
	require.True(t, d.Ended())

	assert.Equal(t, []flux.Event{
		{Kind: flux.KindTick, Ticks: 300},
		{Kind: flux.KindTick, Ticks: 100_000},
		{Kind: flux.KindIndex, Ticks: 5},
		{Kind: flux.KindTick, Ticks: 12},
	}, got)
}
