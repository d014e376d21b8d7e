package firmware_test

import (
	"encoding/binary"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/flux"
	"github.com/keirf/greaseweazle-sub000/internal/sim"
	"github.com/keirf/greaseweazle-sub000/ring"
)

func board(t *testing.T, name string) *firmware.Board {
	t.Helper()
	b, err := firmware.ResolveBoard(name)
	require.NoError(t, err)
	return b
}

func newRig[T ring.Counter](t *testing.T, b *firmware.Board, dc sim.DriveConfig) (*sim.Machine[T], *sim.Host) {
	t.Helper()
	m, err := sim.NewMachine[T](b, dc, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	m.Configure()
	return m, sim.NewHost(m)
}

// spinUp selects unit 0 on an IBM PC bus and starts its motor.
func spinUp(t *testing.T, h *sim.Host) {
	t.Helper()
	_, err := h.Do(firmware.CmdSetBusType, byte(firmware.BusIBMPC))
	require.NoError(t, err)
	_, err = h.Do(firmware.CmdSelect, 0)
	require.NoError(t, err)
	_, err = h.Do(firmware.CmdMotor, 0, 1)
	require.NoError(t, err)
}

func ticksToDuration(b *firmware.Board, n uint64) time.Duration {
	return time.Duration(n) * time.Second / time.Duration(b.SampleFreq)
}

// stepPastIndex runs m until just after the next index pulse.
func stepPastIndex[T ring.Counter](m *sim.Machine[T], b *firmware.Board, slack uint64) {
	p := m.Drive().Period()
	el := m.Hardware().Elapsed()
	m.Step(ticksToDuration(b, p-el%p+slack))
}

func decode(t *testing.T, stream []byte) []flux.Event {
	t.Helper()
	evs, err := flux.Decode(stream)
	require.NoError(t, err)
	return evs
}

func indexValues(evs []flux.Event) []uint32 {
	var out []uint32
	for _, ev := range evs {
		if ev.Kind == flux.KindIndex {
			out = append(out, ev.Ticks)
		}
	}
	return out
}

func TestCommandValidation(t *testing.T) {
	b := board(t, "at32f4")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)

	_, err := h.Do(firmware.Cmd(99))
	assert.ErrorIs(t, err, firmware.ErrBadCommand)

	_, err = h.Do(firmware.CmdGetInfo)
	assert.ErrorIs(t, err, firmware.ErrBadCommand)

	ack, _, err := h.Command([]byte{byte(firmware.CmdGetInfo), 1})
	require.NoError(t, err)
	assert.Equal(t, firmware.AckBadCommand, ack)

	ack, _, err = h.Command([]byte{byte(firmware.CmdGetInfo), 40, 0, 0})
	require.NoError(t, err)
	assert.Equal(t, firmware.AckBadCommand, ack)

	_, err = h.Do(firmware.CmdSelect, 0)
	assert.ErrorIs(t, err, firmware.ErrNoBus)
	_, err = h.Do(firmware.CmdMotor, 0, 1)
	assert.ErrorIs(t, err, firmware.ErrNoBus)

	_, err = h.Do(firmware.CmdSetBusType, byte(firmware.BusIBMPC))
	require.NoError(t, err)
	_, err = h.Do(firmware.CmdSelect, 2)
	assert.ErrorIs(t, err, firmware.ErrBadUnit)
	_, err = h.Do(firmware.CmdSetBusType, 7)
	assert.ErrorIs(t, err, firmware.ErrBadCommand)

	_, err = h.Do(firmware.CmdSeek, 0)
	assert.ErrorIs(t, err, firmware.ErrNoUnit)
	_, err = h.Do(firmware.CmdGetInfo, firmware.InfoCurrentDrive)
	assert.ErrorIs(t, err, firmware.ErrNoUnit)
	ack, _, err = h.Command(firmware.ReadFluxArgs{MaxIndex: 1}.Command())
	require.NoError(t, err)
	assert.Equal(t, firmware.AckNoUnit, ack)

	_, err = h.Do(firmware.CmdSelect, 0)
	require.NoError(t, err)
	ack, _, err = h.Command(firmware.ReadFluxArgs{}.Command())
	require.NoError(t, err)
	assert.Equal(t, firmware.AckBadCommand, ack)

	_, err = h.Do(firmware.CmdGetFluxStatus)
	assert.NoError(t, err)
}

func TestGetInfo(t *testing.T) {
	b := board(t, "f7")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)

	resp, err := h.Do(firmware.CmdGetInfo, firmware.InfoFirmware)
	require.NoError(t, err)
	require.Len(t, resp, 32)

	var info firmware.FirmwareInfo
	require.NoError(t, info.UnmarshalBinary(resp))
	assert.Equal(t, uint8(firmware.VersionMajor), info.Major)
	assert.Equal(t, uint8(firmware.VersionMinor), info.Minor)
	assert.True(t, info.IsMain)
	assert.Equal(t, firmware.CmdGetPin, info.MaxCmd)
	assert.Equal(t, uint32(72_000_000), info.SampleFreq)
	assert.Equal(t, uint8(1), info.USBSpeed)
	assert.Equal(t, uint16(64), info.USBBufKB)

	_, err = h.Do(firmware.CmdGetInfo, 3)
	assert.ErrorIs(t, err, firmware.ErrBadCommand)
}

func TestParamsRoundTrip(t *testing.T) {
	b := board(t, "at32f4")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)

	resp, err := h.Do(firmware.CmdGetParams, firmware.ParamsDelays, firmware.DelaysSize)
	require.NoError(t, err)
	want, _ := firmware.DefaultDelays.MarshalBinary()
	assert.Equal(t, want, resp)

	d := firmware.DefaultDelays
	d.StepUS = 3000
	d.SettleMS = 20
	enc, _ := d.MarshalBinary()
	_, err = h.Do(firmware.CmdSetParams, append([]byte{firmware.ParamsDelays}, enc...)...)
	require.NoError(t, err)

	resp, err = h.Do(firmware.CmdGetParams, firmware.ParamsDelays, 6)
	require.NoError(t, err)
	assert.Equal(t, enc[:6], resp)

	_, err = h.Do(firmware.CmdGetParams, 1, 4)
	assert.ErrorIs(t, err, firmware.ErrBadCommand)
	_, err = h.Do(firmware.CmdGetParams, firmware.ParamsDelays, 17)
	assert.ErrorIs(t, err, firmware.ErrBadCommand)

	_, err = h.Do(firmware.CmdReset)
	require.NoError(t, err)
	resp, err = h.Do(firmware.CmdGetParams, firmware.ParamsDelays, firmware.DelaysSize)
	require.NoError(t, err)
	assert.Equal(t, want, resp)
}

func TestResponseFillingPacketIsFollowedByZLP(t *testing.T) {
	b := *board(t, "f1")
	b.USBPacketSize = 16
	m, h := newRig[uint16](t, &b, sim.DefaultDriveConfig)

	var sizes []int
	m.Link().Tap = func(in bool, data []byte) {
		if in {
			sizes = append(sizes, len(data))
		}
	}

	resp, err := h.Do(firmware.CmdGetParams, firmware.ParamsDelays, 15)
	require.NoError(t, err)
	assert.Len(t, resp, 15)
	assert.Equal(t, []int{16, 0}, sizes)

	sizes = nil
	_, err = h.Do(firmware.CmdGetFluxStatus)
	require.NoError(t, err)
	assert.Equal(t, []int{1}, sizes)
}

func TestSeekRecalibrates(t *testing.T) {
	b := board(t, "at32f4")
	dc := sim.DefaultDriveConfig
	dc.StartCyl = 5
	m, h := newRig[uint32](t, b, dc)
	spinUp(t, h)

	_, err := h.Do(firmware.CmdSeek, 10)
	require.NoError(t, err)
	assert.Equal(t, 10, m.Drive().Cylinder())
	assert.Equal(t, 15, m.Drive().Steps())

	resp, err := h.Do(firmware.CmdGetInfo, firmware.InfoCurrentDrive)
	require.NoError(t, err)
	var info firmware.DriveInfo
	require.NoError(t, info.UnmarshalBinary(resp))
	assert.Equal(t, firmware.DriveCylValid|firmware.DriveMotorOn, info.Flags)
	assert.Equal(t, int32(10), info.Cylinder)

	_, err = h.Do(firmware.CmdSeek, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Drive().Cylinder())
	assert.Equal(t, 23, m.Drive().Steps())

	_, err = h.Do(firmware.CmdSeek, 0xff, 0xff)
	assert.ErrorIs(t, err, firmware.ErrBadCylinder)
	_, err = h.Do(firmware.CmdSeek, byte(b.MaxCylinder+1))
	assert.ErrorIs(t, err, firmware.ErrBadCylinder)

	_, err = h.Do(firmware.CmdHead, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, m.Drive().Head())
	_, err = h.Do(firmware.CmdHead, 2)
	assert.ErrorIs(t, err, firmware.ErrBadCommand)
}

func TestSeekWithoutTrack0(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	_, err := h.Do(firmware.CmdSetBusType, byte(firmware.BusIBMPC))
	require.NoError(t, err)

	// The drive answers as unit 0, so unit 1 never reports TRK0.
	_, err = h.Do(firmware.CmdSelect, 1)
	require.NoError(t, err)
	_, err = h.Do(firmware.CmdSeek, 3)
	assert.ErrorIs(t, err, firmware.ErrNoTrk0)
	assert.Zero(t, m.Drive().Steps())
}

func TestPins(t *testing.T) {
	b := board(t, "at32f4")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	resp, err := h.Do(firmware.CmdGetPin, byte(firmware.PinTrk0))
	require.NoError(t, err)
	assert.Equal(t, []byte{0}, resp)
	resp, err = h.Do(firmware.CmdGetPin, byte(firmware.PinWrProt))
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, resp)

	_, err = h.Do(firmware.CmdGetPin, byte(firmware.PinStep))
	assert.ErrorIs(t, err, firmware.ErrBadPin)

	_, err = h.Do(firmware.CmdSetPin, byte(firmware.PinDensity), 0)
	assert.NoError(t, err)
	_, err = h.Do(firmware.CmdSetPin, byte(firmware.PinWGate), 0)
	assert.ErrorIs(t, err, firmware.ErrBadPin)
}

func TestReadTwoRevolutions(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	const slack = 360
	period := m.Drive().Period()
	stepPastIndex(m, b, slack)

	stream, err := h.ReadFlux(firmware.ReadFluxArgs{MaxIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, firmware.AckOkay, m.Adapter().FluxStatus())

	evs := decode(t, stream)
	revs := indexValues(evs)
	require.Len(t, revs, 2)
	assert.InDelta(t, float64(period-slack), float64(revs[0]), float64(period)/100)
	assert.Equal(t, uint32(period), revs[1])

	var (
		ticks    int
		sum      uint64
		afterIdx bool
	)
	for i, ev := range evs {
		switch ev.Kind {
		case flux.KindIndex:
			afterIdx = true
		case flux.KindTick:
			ticks++
			sum += uint64(ev.Ticks)
			if i == 0 {
				continue
			}
			// The regular track has no edge at the index itself, so the
			// gap straddling it is twice the cell.
			if afterIdx {
				assert.Equal(t, uint32(288), ev.Ticks, "tick %d", i)
				afterIdx = false
			} else {
				assert.Equal(t, uint32(144), ev.Ticks, "tick %d", i)
			}
		}
	}
	assert.InDelta(t, 99996, ticks, 2)

	resp, err := h.Do(firmware.CmdGetIndexTimes, 0, 2)
	require.NoError(t, err)
	require.Len(t, resp, 8)
	r0 := binary.LittleEndian.Uint32(resp)
	r1 := binary.LittleEndian.Uint32(resp[4:])
	assert.Equal(t, revs, []uint32{r0, r1})
	assert.InDelta(t, float64(r0+r1), float64(sum), 288)

	resp, err = h.Do(firmware.CmdGetIndexTimes, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, r1, binary.LittleEndian.Uint32(resp))
	assert.Equal(t, make([]byte, 8), resp[4:])
}

func TestReadTicksLimit(t *testing.T) {
	b := board(t, "at32f4")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	limit := b.USToTicks(5000)
	stream, err := h.ReadFlux(firmware.ReadFluxArgs{Ticks: limit})
	require.NoError(t, err)

	var sum uint64
	for _, ev := range decode(t, stream) {
		if ev.Kind == flux.KindTick {
			sum += uint64(ev.Ticks)
		}
	}
	assert.InDelta(t, float64(limit), float64(sum), 288)
}

func TestReadLingersAfterLastIndex(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)
	stepPastIndex(m, b, 360)

	stream, err := h.ReadFlux(firmware.ReadFluxArgs{MaxIndex: 1, LingerUS: 1000})
	require.NoError(t, err)

	evs := decode(t, stream)
	var tail uint64
	seen := false
	for _, ev := range evs {
		switch {
		case ev.Kind == flux.KindIndex:
			seen = true
		case seen && ev.Kind == flux.KindTick:
			tail += uint64(ev.Ticks)
		}
	}
	require.True(t, seen)
	linger := uint64(b.USToTicks(1000))
	assert.InDelta(t, float64(linger), float64(tail), 288)
}

func TestReadWithoutIndex(t *testing.T) {
	b := board(t, "at32f4")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	_, err := h.Do(firmware.CmdSetBusType, byte(firmware.BusIBMPC))
	require.NoError(t, err)
	_, err = h.Do(firmware.CmdSelect, 0)
	require.NoError(t, err)

	stream, err := h.ReadFlux(firmware.ReadFluxArgs{MaxIndex: 1})
	require.NoError(t, err)
	evs := decode(t, stream)
	assert.Empty(t, indexValues(evs))

	_, err = h.Do(firmware.CmdGetFluxStatus)
	assert.ErrorIs(t, err, firmware.ErrNoIndex)
}

func TestReadLongGapAcrossCounterWidths(t *testing.T) {
	f1 := board(t, "f1")
	wide := *f1
	wide.CounterBits = 32

	const gap = 180_000
	var offs []uint32
	for o := uint32(144); o < 1_000_000; o += 144 {
		offs = append(offs, o)
	}
	for o := uint32(1_000_000 - 1_000_000%144 + gap); o < 7_200_000-144; o += 144 {
		offs = append(offs, o)
	}

	read := func(t *testing.T, m interface {
		Drive() *sim.Drive
	}, h *sim.Host) []byte {
		m.Drive().SetTrack(0, 0, offs)
		spinUp(t, h)
		stream, err := h.ReadFlux(firmware.ReadFluxArgs{MaxIndex: 2})
		require.NoError(t, err)
		return stream
	}

	m16, h16 := newRig[uint16](t, f1, sim.DefaultDriveConfig)
	m32, h32 := newRig[uint32](t, &wide, sim.DefaultDriveConfig)
	s16 := read(t, m16, h16)
	s32 := read(t, m32, h32)
	assert.Equal(t, s32, s16)

	var found bool
	for _, ev := range decode(t, s16) {
		if ev.Kind == flux.KindTick && ev.Ticks == gap {
			found = true
		}
	}
	assert.True(t, found, "long gap not reported exactly")
}

func TestWriteTerminatorOnly(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	ack, err := h.WriteFlux(firmware.WriteFluxArgs{}, []byte{flux.Terminator})
	require.NoError(t, err)
	assert.Equal(t, firmware.AckOkay, ack)
	assert.Empty(t, m.Hardware().Pulses())
	assert.Equal(t, firmware.StateCommandWait, m.Adapter().State())
}

func TestWritePulseTiming(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	var want []uint32
	for i := 0; i < 100; i++ {
		want = append(want, 200)
	}
	want = append(want, 40_000)
	for i := 0; i < 10; i++ {
		want = append(want, 300)
	}
	var evs []flux.Event
	for _, w := range want {
		evs = append(evs, flux.Event{Kind: flux.KindTick, Ticks: w})
	}

	ack, err := h.WriteFlux(firmware.WriteFluxArgs{}, flux.Encode(evs))
	require.NoError(t, err)
	require.Equal(t, firmware.AckOkay, ack)

	pulses := m.Hardware().Pulses()
	require.Len(t, pulses, len(want))
	for i := 1; i < len(pulses); i++ {
		assert.Equal(t, uint64(want[i]), pulses[i]-pulses[i-1], "interval %d", i)
	}
}

func TestWriteThenReadBack(t *testing.T) {
	b := board(t, "at32f4")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	const cell, n = 288, 2000
	evs := make([]flux.Event, n)
	for i := range evs {
		evs[i] = flux.Event{Kind: flux.KindTick, Ticks: cell}
	}
	ack, err := h.WriteFlux(firmware.WriteFluxArgs{CueAtIndex: true}, flux.Encode(evs))
	require.NoError(t, err)
	require.Equal(t, firmware.AckOkay, ack)

	stream, err := h.ReadFlux(firmware.ReadFluxArgs{MaxIndex: 2})
	require.NoError(t, err)
	var run, best int
	for _, ev := range decode(t, stream) {
		if ev.Kind != flux.KindTick {
			continue
		}
		if ev.Ticks == cell {
			run++
			best = max(best, run)
		} else {
			run = 0
		}
	}
	assert.GreaterOrEqual(t, best, n-1)
}

func TestWriteCuedByDelayedIndex(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	delay := b.USToTicks(10_000)
	evs := make([]flux.Event, 100)
	for i := range evs {
		evs[i] = flux.Event{Kind: flux.KindTick, Ticks: 200}
	}
	ack, err := h.WriteFlux(firmware.WriteFluxArgs{CueAtIndex: true, IndexDelayTicks: delay}, flux.Encode(evs))
	require.NoError(t, err)
	require.Equal(t, firmware.AckOkay, ack)

	pulses := m.Hardware().Pulses()
	require.Len(t, pulses, 100)
	off := pulses[0] % m.Drive().Period()
	lead := uint64(delay + b.USToTicks(uint32(firmware.DefaultDelays.PreWriteUS)) + 200)
	assert.GreaterOrEqual(t, off, lead)
	assert.Less(t, off, lead+uint64(b.USToTicks(40))+1)
}

func TestWriteProtected(t *testing.T) {
	b := board(t, "at32f4")
	dc := sim.DefaultDriveConfig
	dc.WriteProtect = true
	_, h := newRig[uint32](t, b, dc)
	spinUp(t, h)

	ack, err := h.WriteFlux(firmware.WriteFluxArgs{}, []byte{0})
	require.NoError(t, err)
	assert.Equal(t, firmware.AckWrProt, ack)
}

func TestWriteStallUnderflows(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	ack, _, err := h.Command(firmware.WriteFluxArgs{}.Command())
	require.NoError(t, err)
	require.Equal(t, firmware.AckOkay, ack)

	var partial []byte
	for i := 0; i < 10; i++ {
		partial = flux.AppendTick(partial, 100)
	}
	h.Send(partial)
	m.Step(2500 * time.Millisecond)

	assert.Equal(t, firmware.StateWriteFluxDrain, m.Adapter().State())
	assert.Equal(t, firmware.AckFluxUnderflow, m.Adapter().FluxStatus())
	assert.Empty(t, m.Hardware().Pulses())

	h.Send([]byte{7, 8, flux.Terminator})
	resp, err := h.Receive(1)
	require.NoError(t, err)
	assert.Equal(t, []byte{byte(firmware.AckFluxUnderflow)}, resp)
	assert.Equal(t, firmware.StateCommandWait, m.Adapter().State())

	_, err = h.Do(firmware.CmdGetFluxStatus)
	assert.ErrorIs(t, err, firmware.ErrFluxUnderflow)
}

func TestWriteWithoutIndex(t *testing.T) {
	b := board(t, "at32f4")
	_, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	_, err := h.Do(firmware.CmdSetBusType, byte(firmware.BusIBMPC))
	require.NoError(t, err)
	_, err = h.Do(firmware.CmdSelect, 0)
	require.NoError(t, err)

	ack, err := h.WriteFlux(firmware.WriteFluxArgs{CueAtIndex: true}, flux.Encode([]flux.Event{{Kind: flux.KindTick, Ticks: 500}}))
	require.NoError(t, err)
	assert.Equal(t, firmware.AckNoIndex, ack)
}

func TestAutoOff(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)
	require.True(t, m.Status().Spinning)

	d := firmware.DefaultDelays
	d.WatchdogMS = 100
	enc, _ := d.MarshalBinary()
	_, err := h.Do(firmware.CmdSetParams, append([]byte{firmware.ParamsDelays}, enc...)...)
	require.NoError(t, err)

	m.Step(50 * time.Millisecond)
	assert.True(t, m.Status().Spinning)

	m.Step(100 * time.Millisecond)
	assert.False(t, m.Status().Spinning)
	_, err = h.Do(firmware.CmdGetInfo, firmware.InfoCurrentDrive)
	assert.ErrorIs(t, err, firmware.ErrNoUnit)
}

func TestDisconnectReturnsToInactive(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	ack, _, err := h.Command(firmware.ReadFluxArgs{MaxIndex: 5}.Command())
	require.NoError(t, err)
	require.Equal(t, firmware.AckOkay, ack)
	m.Step(10 * time.Millisecond)
	assert.Equal(t, firmware.StateReadFlux, m.Adapter().State())

	m.Disconnect()
	st := m.Status()
	assert.Equal(t, firmware.StateInactive, st.State)
	assert.False(t, st.Spinning)

	m.Configure()
	_, err = h.Do(firmware.CmdGetFluxStatus)
	assert.NoError(t, err)
}

// streamSpan sums the time covered by ticks and trailing space, and by
// index marks.
func streamSpan(evs []flux.Event) (ticks, index uint64) {
	for _, ev := range evs {
		switch ev.Kind {
		case flux.KindTick, flux.KindSpace:
			ticks += uint64(ev.Ticks)
		case flux.KindIndex:
			index += uint64(ev.Ticks)
		}
	}
	return ticks, index
}

func readBlankTrack[T ring.Counter](t *testing.T, b *firmware.Board) {
	m, h := newRig[T](t, b, sim.DefaultDriveConfig)
	m.Drive().Insert(false, false)
	spinUp(t, h)

	stream, err := h.ReadFlux(firmware.ReadFluxArgs{MaxIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, firmware.AckOkay, m.Adapter().FluxStatus())

	evs := decode(t, stream)
	revs := indexValues(evs)
	require.Len(t, revs, 2)
	assert.Equal(t, uint32(m.Drive().Period()), revs[1])
	ticks, index := streamSpan(evs)
	assert.Equal(t, index, ticks)

	resp, err := h.Do(firmware.CmdGetIndexTimes, 0, 2)
	require.NoError(t, err)
	assert.Equal(t, revs, []uint32{binary.LittleEndian.Uint32(resp), binary.LittleEndian.Uint32(resp[4:])})
}

func TestReadBlankTrackCoversRevolutions(t *testing.T) {
	t.Run("f1", func(t *testing.T) { readBlankTrack[uint16](t, board(t, "f1")) })
	t.Run("at32f4", func(t *testing.T) { readBlankTrack[uint32](t, board(t, "at32f4")) })
}

func TestReadSparseTrackTicksLimit(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	m.Drive().SetTrack(0, 0, []uint32{36_000})
	spinUp(t, h)

	limit := b.USToTicks(50_000)
	stream, err := h.ReadFlux(firmware.ReadFluxArgs{Ticks: limit})
	require.NoError(t, err)
	assert.Equal(t, firmware.AckOkay, m.Adapter().FluxStatus())

	ticks, _ := streamSpan(decode(t, stream))
	assert.InDelta(t, float64(limit), float64(ticks), float64(b.USToTicks(20)))
}

func TestWriteTerminatesAtIndex(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	const n = 60_000
	evs := make([]flux.Event, n)
	for i := range evs {
		evs[i] = flux.Event{Kind: flux.KindTick, Ticks: 200}
	}
	ack, err := h.WriteFlux(firmware.WriteFluxArgs{CueAtIndex: true, TerminateAtIndex: true}, flux.Encode(evs))
	require.NoError(t, err)
	require.Equal(t, firmware.AckOkay, ack)

	pulses := m.Hardware().Pulses()
	require.NotEmpty(t, pulses)
	assert.Less(t, len(pulses), n)
	span := pulses[len(pulses)-1] - pulses[0]
	assert.InDelta(t, float64(m.Drive().Period()), float64(span), float64(b.USToTicks(200)))

	assert.Equal(t, firmware.StateCommandWait, m.Adapter().State())
	_, err = h.Do(firmware.CmdGetFluxStatus)
	assert.NoError(t, err)
}

func TestWriteSkipsOpcodes(t *testing.T) {
	b := board(t, "at32f4")
	m, h := newRig[uint32](t, b, sim.DefaultDriveConfig)
	spinUp(t, h)

	var stream []byte
	for i := 0; i < 50; i++ {
		stream = flux.AppendTick(stream, 200)
	}
	stream = flux.AppendAstable(stream, 500)
	stream = flux.AppendIndex(stream, 123)
	stream = flux.AppendSpace(stream, 1000)
	for i := 0; i < 50; i++ {
		stream = flux.AppendTick(stream, 200)
	}
	stream = flux.AppendSpace(stream, 5000)
	stream = append(stream, flux.Terminator)

	ack, err := h.WriteFlux(firmware.WriteFluxArgs{}, stream)
	require.NoError(t, err)
	require.Equal(t, firmware.AckOkay, ack)

	pulses := m.Hardware().Pulses()
	require.Len(t, pulses, 100)
	for i := 1; i < len(pulses); i++ {
		want := uint64(200)
		if i == 50 {
			want = 1200
		}
		assert.Equal(t, want, pulses[i]-pulses[i-1], "interval %d", i)
	}
	assert.Equal(t, firmware.StateCommandWait, m.Adapter().State())
}
