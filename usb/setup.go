package usb

import (
	"encoding/binary"
	"errors"
)

// bmRequestType fields.
const (
	RequestDirIn = 0x80

	RequestTypeMask     = 0x60
	RequestTypeStandard = 0x00
	RequestTypeClass    = 0x20
	RequestTypeVendor   = 0x40

	RecipientMask      = 0x1F
	RecipientDevice    = 0x00
	RecipientInterface = 0x01
	RecipientEndpoint  = 0x02
)

// Standard request codes.
const (
	ReqGetStatus        = 0x00
	ReqClearFeature     = 0x01
	ReqSetFeature       = 0x03
	ReqSetAddress       = 0x05
	ReqGetDescriptor    = 0x06
	ReqGetConfiguration = 0x08
	ReqSetConfiguration = 0x09
	ReqGetInterface     = 0x0A
	ReqSetInterface     = 0x0B
)

// ErrStall is returned by control handlers to reject a request. The
// server reports it to the host as a pipe stall.
var ErrStall = errors.New("usb: request stalled")

// Setup is a decoded 8-byte SETUP packet.
type Setup struct {
	RequestType uint8
	Request     uint8
	Value       uint16
	Index       uint16
	Length      uint16
}

// ParseSetup decodes a SETUP packet.
func ParseSetup(b [8]byte) Setup {
	return Setup{
		RequestType: b[0],
		Request:     b[1],
		Value:       binary.LittleEndian.Uint16(b[2:4]),
		Index:       binary.LittleEndian.Uint16(b[4:6]),
		Length:      binary.LittleEndian.Uint16(b[6:8]),
	}
}

// Bytes encodes the packet.
func (s Setup) Bytes() [8]byte {
	var b [8]byte
	b[0], b[1] = s.RequestType, s.Request
	binary.LittleEndian.PutUint16(b[2:4], s.Value)
	binary.LittleEndian.PutUint16(b[4:6], s.Index)
	binary.LittleEndian.PutUint16(b[6:8], s.Length)
	return b
}

func (s Setup) In() bool { return s.RequestType&RequestDirIn != 0 }
func (s Setup) Type() uint8 { return s.RequestType & RequestTypeMask }
func (s Setup) Recipient() uint8 { return s.RequestType & RecipientMask }
func (s Setup) DescType() uint8 { return uint8(s.Value >> 8) }
func (s Setup) DescIndex() uint8 { return uint8(s.Value) }
func (s Setup) Interface() uint8 { return uint8(s.Index) }

// ControlHandler is implemented by devices that answer class or vendor
// requests on EP0. Returning ErrStall rejects the request.
type ControlHandler interface {
	HandleControl(setup Setup, out []byte) ([]byte, error)
}
