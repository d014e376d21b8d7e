package firmware

import "encoding/binary"

func (a *Adapter[T]) exec(c Cmd, p []byte) Ack {
	switch c {
	case CmdGetInfo:
		if len(p) != 1 {
			return AckBadCommand
		}
		return a.getInfo(p[0])

	case CmdSeek:
		var cyl int
		switch len(p) {
		case 1:
			cyl = int(p[0])
		case 2:
			cyl = int(int16(binary.LittleEndian.Uint16(p)))
		default:
			return AckBadCommand
		}
		return a.seek(cyl)

	case CmdHead:
		if len(p) != 1 || p[0] > 1 {
			return AckBadCommand
		}
		a.port.WritePin(PinSide, p[0] == 1)
		return AckOkay

	case CmdSetParams:
		if len(p) < 1 || p[0] != ParamsDelays {
			return AckBadCommand
		}
		if err := a.delays.UnmarshalBinary(p[1:]); err != nil {
			return AckBadCommand
		}
		a.index.SetMask(a.board.USToTicks(uint32(a.delays.IndexMaskUS)))
		return AckOkay

	case CmdGetParams:
		if len(p) != 2 || p[0] != ParamsDelays || p[1] > DelaysSize {
			return AckBadCommand
		}
		b, _ := a.delays.MarshalBinary()
		a.resp = append(a.resp, b[:p[1]]...)
		return AckOkay

	case CmdMotor:
		if len(p) != 2 {
			return AckBadCommand
		}
		return a.motor(int(p[0]), p[1] != 0)

	case CmdReadFlux:
		args, ok := parseReadFlux(p)
		if !ok {
			return AckBadCommand
		}
		return a.startRead(args)

	case CmdWriteFlux:
		args, ok := parseWriteFlux(p)
		if !ok {
			return AckBadCommand
		}
		return a.startWrite(args)

	case CmdGetFluxStatus:
		if len(p) != 0 {
			return AckBadCommand
		}
		return a.fluxStatus

	case CmdGetIndexTimes:
		if len(p) != 2 || p[1] > MaxIndexTimes {
			return AckBadCommand
		}
		for i := 0; i < int(p[1]); i++ {
			var v uint32
			if j := int(p[0]) + i; j < len(a.revs) {
				v = a.revs[j]
			}
			a.resp = binary.LittleEndian.AppendUint32(a.resp, v)
		}
		return AckOkay

	case CmdSelect:
		if len(p) != 1 {
			return AckBadCommand
		}
		return a.selectUnit(int(p[0]))

	case CmdDeselect:
		if len(p) != 0 {
			return AckBadCommand
		}
		a.deselect()
		return AckOkay

	case CmdSetBusType:
		if len(p) != 1 || p[0] > uint8(BusShugart) {
			return AckBadCommand
		}
		a.driveOff()
		a.bus = BusType(p[0])
		a.drives = [maxUnits]unitState{}
		return AckOkay

	case CmdSetPin:
		if len(p) != 2 {
			return AckBadCommand
		}
		switch pin := Pin(p[0]); pin {
		case PinDensity, PinOut4, PinOut6:
			// Wire levels are electrical: 0 drives the line low (asserted).
			a.port.WritePin(pin, p[1] == 0)
			return AckOkay
		}
		return AckBadPin

	case CmdGetPin:
		if len(p) != 1 {
			return AckBadCommand
		}
		switch pin := Pin(p[0]); pin {
		case PinIndex, PinTrk0, PinWrProt, PinReady:
			a.resp = append(a.resp, boolByte(!a.port.ReadPin(pin)))
			return AckOkay
		}
		return AckBadPin

	case CmdReset:
		if len(p) != 0 {
			return AckBadCommand
		}
		a.quiesce()
		a.driveOff()
		a.delays = DefaultDelays
		a.index.SetMask(a.board.USToTicks(uint32(a.delays.IndexMaskUS)))
		a.index.SetDelay(0)
		a.bus = BusNone
		a.drives = [maxUnits]unitState{}
		return AckOkay
	}
	return AckBadCommand
}

func (a *Adapter[T]) getInfo(idx uint8) Ack {
	var (
		b   []byte
		err error
	)
	switch idx {
	case InfoFirmware:
		var speed uint8
		if a.board.USBHighSpeed {
			speed = 1
		}
		b, err = FirmwareInfo{
			Major:      VersionMajor,
			Minor:      VersionMinor,
			IsMain:     true,
			MaxCmd:     CmdGetPin,
			SampleFreq: a.board.SampleFreq,
			HWModel:    a.board.HWModel,
			HWSubmodel: a.board.HWSubmodel,
			USBSpeed:   speed,
			MCUMHz:     a.board.MCUMHz,
			MCUSRAMKB:  a.board.MCUSRAMKB,
			USBBufKB:   uint16(a.board.ByteRingSize / 1024),
		}.MarshalBinary()
	case InfoCurrentDrive:
		if a.unit == noUnit {
			return AckNoUnit
		}
		d := a.drives[a.unit]
		var info DriveInfo
		if d.cylValid {
			info.Flags |= DriveCylValid
			info.Cylinder = int32(d.cyl)
		}
		if d.motor {
			info.Flags |= DriveMotorOn
		}
		b, err = info.MarshalBinary()
	default:
		return AckBadCommand
	}
	if err != nil {
		return AckBadCommand
	}
	a.resp = append(a.resp, b...)
	return AckOkay
}
