package firmware_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/firmware"
)

func TestAckErr(t *testing.T) {
	tests := []struct {
		ack  firmware.Ack
		want error
	}{
		{firmware.AckOkay, nil},
		{firmware.AckBadCommand, firmware.ErrBadCommand},
		{firmware.AckNoIndex, firmware.ErrNoIndex},
		{firmware.AckNoTrk0, firmware.ErrNoTrk0},
		{firmware.AckFluxOverflow, firmware.ErrFluxOverflow},
		{firmware.AckFluxUnderflow, firmware.ErrFluxUnderflow},
		{firmware.AckWrProt, firmware.ErrWrProt},
		{firmware.AckNoUnit, firmware.ErrNoUnit},
		{firmware.AckNoBus, firmware.ErrNoBus},
		{firmware.AckBadUnit, firmware.ErrBadUnit},
		{firmware.AckBadPin, firmware.ErrBadPin},
		{firmware.AckBadCylinder, firmware.ErrBadCylinder},
	}
	for _, tt := range tests {
		t.Run(tt.ack.String(), func(t *testing.T) {
			if tt.want == nil {
				assert.NoError(t, tt.ack.Err())
				return
			}
			assert.ErrorIs(t, tt.ack.Err(), tt.want)
		})
	}
	assert.Error(t, firmware.Ack(200).Err())
}

func TestDelaysWireForm(t *testing.T) {
	b, err := firmware.DefaultDelays.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, firmware.DelaysSize)
	assert.Equal(t, []byte{10, 0, 0x10, 0x27}, b[:4])

	d := firmware.DefaultDelays
	require.NoError(t, d.UnmarshalBinary([]byte{20, 0, 0x20}))
	assert.Equal(t, uint16(20), d.SelectUS)
	assert.Equal(t, uint16(0x2720), d.StepUS)
	assert.Equal(t, firmware.DefaultDelays.SettleMS, d.SettleMS)

	assert.ErrorIs(t, d.UnmarshalBinary(make([]byte, 17)), firmware.ErrBadCommand)
}

func TestInfoRoundTrip(t *testing.T) {
	in := firmware.FirmwareInfo{
		Major: 1, Minor: 6, IsMain: true, MaxCmd: firmware.CmdGetPin,
		SampleFreq: 72_000_000, HWModel: 7, HWSubmodel: 1, USBSpeed: 1,
		MCUMHz: 216, MCUSRAMKB: 256, USBBufKB: 64,
	}
	b, err := in.MarshalBinary()
	require.NoError(t, err)
	require.Len(t, b, 32)
	var out firmware.FirmwareInfo
	require.NoError(t, out.UnmarshalBinary(b))
	assert.Equal(t, in, out)

	d := firmware.DriveInfo{Flags: firmware.DriveCylValid, Cylinder: -3}
	b, err = d.MarshalBinary()
	require.NoError(t, err)
	var d2 firmware.DriveInfo
	require.NoError(t, d2.UnmarshalBinary(b))
	assert.Equal(t, d, d2)
}

func TestFluxCommandFrames(t *testing.T) {
	r := firmware.ReadFluxArgs{Ticks: 0x01020304, MaxIndex: 2, LingerUS: 500}
	assert.Equal(t, []byte{7, 12, 4, 3, 2, 1, 2, 0, 0xf4, 1, 0, 0}, r.Command())

	w := firmware.WriteFluxArgs{CueAtIndex: true, IndexDelayTicks: 9}
	assert.Equal(t, []byte{8, 8, 1, 0, 9, 0, 0, 0}, w.Command())
}

func TestCmdString(t *testing.T) {
	assert.Equal(t, "READ_FLUX", firmware.CmdReadFlux.String())
	assert.Equal(t, "CMD(99)", firmware.Cmd(99).String())
	assert.Equal(t, "WRITE_FLUX_WAIT_INDEX", firmware.StateWriteFluxWaitIndex.String())
}
