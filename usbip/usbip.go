// Package usbip encodes and decodes USB-IP wire headers. All multi-byte
// fields are big-endian.
package usbip

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Wire constants.
const (
	Version = 0x0111

	OpReqDevlist = 0x8005
	OpRepDevlist = 0x0005
	OpReqImport  = 0x8003
	OpRepImport  = 0x0003

	CmdSubmitCode = 0x00000001
	CmdUnlinkCode = 0x00000002
	RetSubmitCode = 0x00000003
	RetUnlinkCode = 0x00000004

	DirOut = 0x00000000
	DirIn  = 0x00000001

	// URBHeaderSize is the fixed header length of every URB command and
	// reply.
	URBHeaderSize = 0x30

	// BusIDSize is the length of the busid field in import requests.
	BusIDSize = 32
)

// Negative errno values carried in URB status fields.
const (
	StatusOK   int32 = 0
	ENOENT     int32 = -2
	EPIPE      int32 = -32
	ECONNRESET int32 = -104
	ESHUTDOWN  int32 = -108
)

// ErrHeader reports a malformed or unexpected header.
var ErrHeader = errors.New("usbip: bad header")

// MgmtHeader is the 8-byte header for management ops (devlist/import).
type MgmtHeader struct {
	Version uint16
	Command uint16
	Status  uint32
}

// AppendTo appends the encoded header to b.
func (h MgmtHeader) AppendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint16(b, h.Version)
	b = binary.BigEndian.AppendUint16(b, h.Command)
	return binary.BigEndian.AppendUint32(b, h.Status)
}

// ReadMgmtHeader reads an 8-byte management header.
func ReadMgmtHeader(r io.Reader) (MgmtHeader, error) {
	var buf [8]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return MgmtHeader{}, err
	}
	return MgmtHeader{
		Version: binary.BigEndian.Uint16(buf[0:2]),
		Command: binary.BigEndian.Uint16(buf[2:4]),
		Status:  binary.BigEndian.Uint32(buf[4:8]),
	}, nil
}

// ExportMeta carries the USB-IP bus identity of an exported device.
type ExportMeta struct {
	Path     [256]byte
	USBBusId [32]byte
	BusId    uint32
	DevId    uint32
}

// BusID returns USBBusId as a string.
func (m *ExportMeta) BusID() string { return cstring(m.USBBusId[:]) }

// ExportedDevice describes one exported device in devlist/import replies.
type ExportedDevice struct {
	ExportMeta
	Speed uint32

	IDVendor            uint16
	IDProduct           uint16
	BcdDevice           uint16
	BDeviceClass        uint8
	BDeviceSubClass     uint8
	BDeviceProtocol     uint8
	BConfigurationValue uint8
	BNumConfigurations  uint8
	BNumInterfaces      uint8

	Interfaces []InterfaceDesc
}

type InterfaceDesc struct {
	Class    uint8
	SubClass uint8
	Protocol uint8
}

func (d *ExportedDevice) appendRecord(b []byte) []byte {
	b = append(b, d.Path[:]...)
	b = append(b, d.USBBusId[:]...)
	b = binary.BigEndian.AppendUint32(b, d.BusId)
	b = binary.BigEndian.AppendUint32(b, d.DevId)
	b = binary.BigEndian.AppendUint32(b, d.Speed)
	b = binary.BigEndian.AppendUint16(b, d.IDVendor)
	b = binary.BigEndian.AppendUint16(b, d.IDProduct)
	b = binary.BigEndian.AppendUint16(b, d.BcdDevice)
	return append(b,
		d.BDeviceClass, d.BDeviceSubClass, d.BDeviceProtocol,
		d.BConfigurationValue, d.BNumConfigurations, d.BNumInterfaces)
}

// AppendDevlist appends the OP_REP_DEVLIST entry: the device record
// followed by one 4-byte class triplet per interface.
func (d *ExportedDevice) AppendDevlist(b []byte) []byte {
	b = d.appendRecord(b)
	for _, iface := range d.Interfaces {
		b = append(b, iface.Class, iface.SubClass, iface.Protocol, 0)
	}
	return b
}

// AppendImport appends the OP_REP_IMPORT entry, which ends at
// bNumInterfaces.
func (d *ExportedDevice) AppendImport(b []byte) []byte {
	return d.appendRecord(b)
}

// HeaderBasic is common to all URB commands and replies.
type HeaderBasic struct {
	Command uint32
	Seqnum  uint32
	Devid   uint32
	Dir     uint32
	Ep      uint32
}

func (h HeaderBasic) appendTo(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, h.Command)
	b = binary.BigEndian.AppendUint32(b, h.Seqnum)
	b = binary.BigEndian.AppendUint32(b, h.Devid)
	b = binary.BigEndian.AppendUint32(b, h.Dir)
	return binary.BigEndian.AppendUint32(b, h.Ep)
}

func decodeBasic(b []byte) HeaderBasic {
	return HeaderBasic{
		Command: binary.BigEndian.Uint32(b[0:4]),
		Seqnum:  binary.BigEndian.Uint32(b[4:8]),
		Devid:   binary.BigEndian.Uint32(b[8:12]),
		Dir:     binary.BigEndian.Uint32(b[12:16]),
		Ep:      binary.BigEndian.Uint32(b[16:20]),
	}
}

// CmdSubmit is USBIP_CMD_SUBMIT without its OUT payload.
type CmdSubmit struct {
	Basic             HeaderBasic
	TransferFlags     uint32
	TransferBufferLen uint32
	StartFrame        uint32
	NumberOfPackets   uint32
	Interval          uint32
	Setup             [8]byte
}

// Bytes encodes the 0x30-byte header.
func (c *CmdSubmit) Bytes() []byte {
	b := c.Basic.appendTo(make([]byte, 0, URBHeaderSize))
	b = binary.BigEndian.AppendUint32(b, c.TransferFlags)
	b = binary.BigEndian.AppendUint32(b, c.TransferBufferLen)
	b = binary.BigEndian.AppendUint32(b, c.StartFrame)
	b = binary.BigEndian.AppendUint32(b, c.NumberOfPackets)
	b = binary.BigEndian.AppendUint32(b, c.Interval)
	return append(b, c.Setup[:]...)
}

// RetSubmit is USBIP_RET_SUBMIT without its IN payload.
type RetSubmit struct {
	Basic           HeaderBasic
	Status          int32
	ActualLength    uint32
	StartFrame      uint32
	NumberOfPackets uint32
	ErrorCount      uint32
}

// Bytes encodes the 0x30-byte header.
func (r *RetSubmit) Bytes() []byte {
	b := r.Basic.appendTo(make([]byte, 0, URBHeaderSize))
	b = binary.BigEndian.AppendUint32(b, uint32(r.Status))
	b = binary.BigEndian.AppendUint32(b, r.ActualLength)
	b = binary.BigEndian.AppendUint32(b, r.StartFrame)
	b = binary.BigEndian.AppendUint32(b, r.NumberOfPackets)
	b = binary.BigEndian.AppendUint32(b, r.ErrorCount)
	return append(b, make([]byte, 8)...)
}

// CmdUnlink is USBIP_CMD_UNLINK.
type CmdUnlink struct {
	Basic        HeaderBasic
	UnlinkSeqnum uint32
}

// Bytes encodes the 0x30-byte header.
func (c *CmdUnlink) Bytes() []byte {
	b := c.Basic.appendTo(make([]byte, 0, URBHeaderSize))
	b = binary.BigEndian.AppendUint32(b, c.UnlinkSeqnum)
	return append(b, make([]byte, 24)...)
}

// RetUnlink is USBIP_RET_UNLINK.
type RetUnlink struct {
	Basic  HeaderBasic
	Status int32
}

// Bytes encodes the 0x30-byte header.
func (r *RetUnlink) Bytes() []byte {
	b := r.Basic.appendTo(make([]byte, 0, URBHeaderSize))
	b = binary.BigEndian.AppendUint32(b, uint32(r.Status))
	return append(b, make([]byte, 24)...)
}

// ReadURB reads one URB command or reply header. It returns one of
// *CmdSubmit, *CmdUnlink, *RetSubmit or *RetUnlink. Payloads are left on
// the reader.
func ReadURB(r io.Reader) (any, error) {
	var hdr [URBHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	basic := decodeBasic(hdr[:])
	u32 := func(off int) uint32 { return binary.BigEndian.Uint32(hdr[off : off+4]) }
	switch basic.Command {
	case CmdSubmitCode:
		c := &CmdSubmit{
			Basic:             basic,
			TransferFlags:     u32(0x14),
			TransferBufferLen: u32(0x18),
			StartFrame:        u32(0x1c),
			NumberOfPackets:   u32(0x20),
			Interval:          u32(0x24),
		}
		copy(c.Setup[:], hdr[0x28:0x30])
		return c, nil
	case CmdUnlinkCode:
		return &CmdUnlink{Basic: basic, UnlinkSeqnum: u32(0x14)}, nil
	case RetSubmitCode:
		return &RetSubmit{
			Basic:           basic,
			Status:          int32(u32(0x14)),
			ActualLength:    u32(0x18),
			StartFrame:      u32(0x1c),
			NumberOfPackets: u32(0x20),
			ErrorCount:      u32(0x24),
		}, nil
	case RetUnlinkCode:
		return &RetUnlink{Basic: basic, Status: int32(u32(0x14))}, nil
	}
	return nil, fmt.Errorf("%w: command %#x (seq=%d)", ErrHeader, basic.Command, basic.Seqnum)
}

// ReadImportReply reads the device record of an OP_REP_IMPORT following
// its management header.
func ReadImportReply(r io.Reader) (ExportedDevice, error) {
	var buf [256 + 32 + 4*3 + 2*3 + 6]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return ExportedDevice{}, err
	}
	return decodeRecord(buf[:]), nil
}

// ReadDevlistReply reads an OP_REP_DEVLIST body following its management
// header.
func ReadDevlistReply(r io.Reader) ([]ExportedDevice, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return nil, err
	}
	count := binary.BigEndian.Uint32(n[:])
	out := make([]ExportedDevice, 0, count)
	for i := uint32(0); i < count; i++ {
		d, err := ReadImportReply(r)
		if err != nil {
			return nil, err
		}
		for j := 0; j < int(d.BNumInterfaces); j++ {
			var t [4]byte
			if _, err := io.ReadFull(r, t[:]); err != nil {
				return nil, err
			}
			d.Interfaces = append(d.Interfaces, InterfaceDesc{Class: t[0], SubClass: t[1], Protocol: t[2]})
		}
		out = append(out, d)
	}
	return out, nil
}

func decodeRecord(b []byte) ExportedDevice {
	var d ExportedDevice
	copy(d.Path[:], b[0:256])
	copy(d.USBBusId[:], b[256:288])
	b = b[288:]
	d.BusId = binary.BigEndian.Uint32(b[0:4])
	d.DevId = binary.BigEndian.Uint32(b[4:8])
	d.Speed = binary.BigEndian.Uint32(b[8:12])
	d.IDVendor = binary.BigEndian.Uint16(b[12:14])
	d.IDProduct = binary.BigEndian.Uint16(b[14:16])
	d.BcdDevice = binary.BigEndian.Uint16(b[16:18])
	d.BDeviceClass, d.BDeviceSubClass, d.BDeviceProtocol = b[18], b[19], b[20]
	d.BConfigurationValue, d.BNumConfigurations, d.BNumInterfaces = b[21], b[22], b[23]
	return d
}

func cstring(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ImportRequest encodes an OP_REQ_IMPORT for busid.
func ImportRequest(busid string) []byte {
	b := MgmtHeader{Version: Version, Command: OpReqImport}.AppendTo(make([]byte, 0, 8+BusIDSize))
	var id [BusIDSize]byte
	copy(id[:], busid)
	return append(b, id[:]...)
}

// DevlistRequest encodes an OP_REQ_DEVLIST.
func DevlistRequest() []byte {
	return MgmtHeader{Version: Version, Command: OpReqDevlist}.AppendTo(nil)
}
