package firmware

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// Cmd identifies a host command. Every command is framed as
// [id, total length, payload...].
type Cmd uint8

const (
	CmdGetInfo       Cmd = 0
	CmdSeek          Cmd = 2
	CmdHead          Cmd = 3
	CmdSetParams     Cmd = 4
	CmdGetParams     Cmd = 5
	CmdMotor         Cmd = 6
	CmdReadFlux      Cmd = 7
	CmdWriteFlux     Cmd = 8
	CmdGetFluxStatus Cmd = 9
	CmdGetIndexTimes Cmd = 10
	CmdSelect        Cmd = 12
	CmdDeselect      Cmd = 13
	CmdSetBusType    Cmd = 14
	CmdSetPin        Cmd = 15
	CmdReset         Cmd = 16
	CmdGetPin        Cmd = 20
)

var cmdNames = map[Cmd]string{
	CmdGetInfo:       "GET_INFO",
	CmdSeek:          "SEEK",
	CmdHead:          "HEAD",
	CmdSetParams:     "SET_PARAMS",
	CmdGetParams:     "GET_PARAMS",
	CmdMotor:         "MOTOR",
	CmdReadFlux:      "READ_FLUX",
	CmdWriteFlux:     "WRITE_FLUX",
	CmdGetFluxStatus: "GET_FLUX_STATUS",
	CmdGetIndexTimes: "GET_INDEX_TIMES",
	CmdSelect:        "SELECT",
	CmdDeselect:      "DESELECT",
	CmdSetBusType:    "SET_BUS_TYPE",
	CmdSetPin:        "SET_PIN",
	CmdReset:         "RESET",
	CmdGetPin:        "GET_PIN",
}

func (c Cmd) String() string {
	if s, ok := cmdNames[c]; ok {
		return s
	}
	return fmt.Sprintf("CMD(%d)", uint8(c))
}

// Ack is the status byte leading every response.
type Ack uint8

const (
	AckOkay          Ack = 0
	AckBadCommand    Ack = 1
	AckNoIndex       Ack = 2
	AckNoTrk0        Ack = 3
	AckFluxOverflow  Ack = 4
	AckFluxUnderflow Ack = 5
	AckWrProt        Ack = 6
	AckNoUnit        Ack = 7
	AckNoBus         Ack = 8
	AckBadUnit       Ack = 9
	AckBadPin        Ack = 10
	AckBadCylinder   Ack = 11
)

var (
	ErrBadCommand    = errors.New("bad command")
	ErrNoIndex       = errors.New("no index")
	ErrNoTrk0        = errors.New("track 0 not found")
	ErrFluxOverflow  = errors.New("flux overflow")
	ErrFluxUnderflow = errors.New("flux underflow")
	ErrWrProt        = errors.New("disk is write protected")
	ErrNoUnit        = errors.New("no drive selected")
	ErrNoBus         = errors.New("no bus type")
	ErrBadUnit       = errors.New("bad unit number")
	ErrBadPin        = errors.New("bad pin")
	ErrBadCylinder   = errors.New("bad cylinder")
)

var ackErrors = [...]error{
	AckBadCommand:    ErrBadCommand,
	AckNoIndex:       ErrNoIndex,
	AckNoTrk0:        ErrNoTrk0,
	AckFluxOverflow:  ErrFluxOverflow,
	AckFluxUnderflow: ErrFluxUnderflow,
	AckWrProt:        ErrWrProt,
	AckNoUnit:        ErrNoUnit,
	AckNoBus:         ErrNoBus,
	AckBadUnit:       ErrBadUnit,
	AckBadPin:        ErrBadPin,
	AckBadCylinder:   ErrBadCylinder,
}

// Err maps a status byte to a sentinel error, nil for AckOkay.
func (a Ack) Err() error {
	if a == AckOkay {
		return nil
	}
	if int(a) < len(ackErrors) {
		return ackErrors[a]
	}
	return fmt.Errorf("unknown status %d", uint8(a))
}

func (a Ack) String() string {
	if a == AckOkay {
		return "okay"
	}
	return a.Err().Error()
}

// BusType selects how drive select and motor lines are wired.
type BusType uint8

const (
	BusNone    BusType = 0
	BusIBMPC   BusType = 1
	BusShugart BusType = 2
)

func (b BusType) String() string {
	switch b {
	case BusNone:
		return "none"
	case BusIBMPC:
		return "ibmpc"
	case BusShugart:
		return "shugart"
	default:
		return fmt.Sprintf("bus(%d)", uint8(b))
	}
}

func (b BusType) MarshalText() ([]byte, error) { return []byte(b.String()), nil }

// UnmarshalText accepts a bus name or its numeric code.
func (b *BusType) UnmarshalText(text []byte) error {
	switch s := strings.ToLower(strings.TrimSpace(string(text))); s {
	case "none", "0":
		*b = BusNone
	case "ibmpc", "ibm", "1":
		*b = BusIBMPC
	case "shugart", "2":
		*b = BusShugart
	default:
		return fmt.Errorf("unknown bus type %q", s)
	}
	return nil
}

// Units returns the number of drives addressable on the bus.
func (b BusType) Units() int {
	switch b {
	case BusIBMPC:
		return 2
	case BusShugart:
		return 3
	default:
		return 0
	}
}

// Parameter blocks for SET_PARAMS / GET_PARAMS.
const ParamsDelays = 0

// Delays holds the drive timing parameters, in the units named by each
// field. The wire form is eight little-endian uint16 values.
type Delays struct {
	SelectUS    uint16
	StepUS      uint16
	SettleMS    uint16
	MotorMS     uint16
	WatchdogMS  uint16
	PreWriteUS  uint16
	PostWriteUS uint16
	IndexMaskUS uint16
}

// DelaysSize is the encoded size of Delays.
const DelaysSize = 16

// DefaultDelays are the delays in force after power-up or RESET.
var DefaultDelays = Delays{
	SelectUS:    10,
	StepUS:      10000,
	SettleMS:    15,
	MotorMS:     750,
	WatchdogMS:  10000,
	PreWriteUS:  100,
	PostWriteUS: 1000,
	IndexMaskUS: 200,
}

func (d *Delays) fields() []*uint16 {
	return []*uint16{
		&d.SelectUS, &d.StepUS, &d.SettleMS, &d.MotorMS,
		&d.WatchdogMS, &d.PreWriteUS, &d.PostWriteUS, &d.IndexMaskUS,
	}
}

// MarshalBinary encodes the delays in wire order.
func (d Delays) MarshalBinary() ([]byte, error) {
	b := make([]byte, DelaysSize)
	for i, f := range d.fields() {
		binary.LittleEndian.PutUint16(b[2*i:], *f)
	}
	return b, nil
}

// UnmarshalBinary overwrites the leading fields covered by b. A trailing
// odd byte replaces the low half of the next field.
func (d *Delays) UnmarshalBinary(b []byte) error {
	if len(b) > DelaysSize {
		return ErrBadCommand
	}
	cur, _ := d.MarshalBinary()
	copy(cur, b)
	for i, f := range d.fields() {
		*f = binary.LittleEndian.Uint16(cur[2*i:])
	}
	return nil
}

// GET_INFO selectors.
const (
	InfoFirmware     = 0
	InfoCurrentDrive = 7
	infoSize         = 32
)

// FirmwareInfo is the payload of GET_INFO(InfoFirmware).
type FirmwareInfo struct {
	Major      uint8
	Minor      uint8
	IsMain     bool
	MaxCmd     Cmd
	SampleFreq uint32
	HWModel    uint8
	HWSubmodel uint8
	USBSpeed   uint8
	MCUID      uint8
	MCUMHz     uint16
	MCUSRAMKB  uint16
	USBBufKB   uint16
}

// MarshalBinary returns the fixed 32-byte wire form.
func (f FirmwareInfo) MarshalBinary() ([]byte, error) {
	b := make([]byte, infoSize)
	b[0], b[1] = f.Major, f.Minor
	if f.IsMain {
		b[2] = 1
	}
	b[3] = uint8(f.MaxCmd)
	binary.LittleEndian.PutUint32(b[4:], f.SampleFreq)
	b[8], b[9], b[10], b[11] = f.HWModel, f.HWSubmodel, f.USBSpeed, f.MCUID
	binary.LittleEndian.PutUint16(b[12:], f.MCUMHz)
	binary.LittleEndian.PutUint16(b[14:], f.MCUSRAMKB)
	binary.LittleEndian.PutUint16(b[16:], f.USBBufKB)
	return b, nil
}

// UnmarshalBinary decodes the wire form.
func (f *FirmwareInfo) UnmarshalBinary(b []byte) error {
	if len(b) < 18 {
		return fmt.Errorf("firmware info: short payload (%d bytes)", len(b))
	}
	*f = FirmwareInfo{
		Major:      b[0],
		Minor:      b[1],
		IsMain:     b[2] != 0,
		MaxCmd:     Cmd(b[3]),
		SampleFreq: binary.LittleEndian.Uint32(b[4:]),
		HWModel:    b[8],
		HWSubmodel: b[9],
		USBSpeed:   b[10],
		MCUID:      b[11],
		MCUMHz:     binary.LittleEndian.Uint16(b[12:]),
		MCUSRAMKB:  binary.LittleEndian.Uint16(b[14:]),
		USBBufKB:   binary.LittleEndian.Uint16(b[16:]),
	}
	return nil
}

// Drive info flags.
const (
	DriveCylValid uint32 = 1 << 0
	DriveMotorOn  uint32 = 1 << 1
)

// DriveInfo is the payload of GET_INFO(InfoCurrentDrive).
type DriveInfo struct {
	Flags    uint32
	Cylinder int32
}

// MarshalBinary returns the fixed 32-byte wire form.
func (d DriveInfo) MarshalBinary() ([]byte, error) {
	b := make([]byte, infoSize)
	binary.LittleEndian.PutUint32(b[0:], d.Flags)
	binary.LittleEndian.PutUint32(b[4:], uint32(d.Cylinder))
	return b, nil
}

// UnmarshalBinary decodes the wire form.
func (d *DriveInfo) UnmarshalBinary(b []byte) error {
	if len(b) < 8 {
		return fmt.Errorf("drive info: short payload (%d bytes)", len(b))
	}
	d.Flags = binary.LittleEndian.Uint32(b[0:])
	d.Cylinder = int32(binary.LittleEndian.Uint32(b[4:]))
	return nil
}

// ReadFluxArgs is the READ_FLUX payload. Ticks bounds the capture length
// (0 for no bound); MaxIndex ends the capture after that many index marks
// (0 for no limit); LingerUS keeps capturing after the final index.
type ReadFluxArgs struct {
	Ticks    uint32
	MaxIndex uint16
	LingerUS uint32
}

// Command encodes the full READ_FLUX command frame.
func (r ReadFluxArgs) Command() []byte {
	b := []byte{byte(CmdReadFlux), 12}
	b = binary.LittleEndian.AppendUint32(b, r.Ticks)
	b = binary.LittleEndian.AppendUint16(b, r.MaxIndex)
	return binary.LittleEndian.AppendUint32(b, r.LingerUS)
}

func parseReadFlux(p []byte) (ReadFluxArgs, bool) {
	var r ReadFluxArgs
	switch len(p) {
	case 10:
		r.LingerUS = binary.LittleEndian.Uint32(p[6:])
		fallthrough
	case 6:
		r.Ticks = binary.LittleEndian.Uint32(p)
		r.MaxIndex = binary.LittleEndian.Uint16(p[4:])
		return r, true
	}
	return r, false
}

// WriteFluxArgs is the WRITE_FLUX payload. IndexDelayTicks postpones the
// index cue by that many sample ticks.
type WriteFluxArgs struct {
	CueAtIndex       bool
	TerminateAtIndex bool
	IndexDelayTicks  uint32
}

// Command encodes the full WRITE_FLUX command frame.
func (w WriteFluxArgs) Command() []byte {
	b := []byte{byte(CmdWriteFlux), 8, boolByte(w.CueAtIndex), boolByte(w.TerminateAtIndex)}
	return binary.LittleEndian.AppendUint32(b, w.IndexDelayTicks)
}

func parseWriteFlux(p []byte) (WriteFluxArgs, bool) {
	var w WriteFluxArgs
	switch len(p) {
	case 6:
		w.IndexDelayTicks = binary.LittleEndian.Uint32(p[2:])
		fallthrough
	case 2:
		w.CueAtIndex = p[0] != 0
		w.TerminateAtIndex = p[1] != 0
		return w, true
	}
	return w, false
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}

// MaxIndexTimes bounds the count argument of GET_INDEX_TIMES.
const MaxIndexTimes = 15
