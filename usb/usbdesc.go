// Package usb contains helpers for building USB descriptors.
package usb

import (
	"encoding/binary"
	"unicode/utf16"
)

// Descriptor type constants.
const (
	DeviceDescType    = 0x01
	ConfigDescType    = 0x02
	StringDescType    = 0x03
	InterfaceDescType = 0x04
	EndpointDescType  = 0x05
)

// Descriptor lengths in bytes.
const (
	DeviceDescLen    = 18
	ConfigDescLen    = 9
	InterfaceDescLen = 9
	EndpointDescLen  = 7
)

// Endpoint attributes and class codes used by vendor bulk devices.
const (
	EndpointIn     = 0x80
	XferBulk       = 0x02
	ClassVendor    = 0xFF
	AttrBusPowered = 0x80
)

// Speeds as reported in USB-IP device records.
const (
	SpeedLow  uint32 = 1
	SpeedFull uint32 = 2
	SpeedHigh uint32 = 3
)

// Descriptor holds all static descriptor data for a device with a single
// configuration.
type Descriptor struct {
	Device     DeviceDescriptor
	Interfaces []InterfaceConfig
	Strings    map[uint8]string
	MaxPowerMA uint16
}

// InterfaceConfig holds one interface and its endpoints.
type InterfaceConfig struct {
	Descriptor InterfaceDescriptor
	Endpoints  []EndpointDescriptor
	ClassData  []byte // class-specific descriptors placed before the endpoints
}

// DeviceDescriptor is the standard device descriptor. Speed is not part
// of the descriptor; it is reported in USB-IP device records.
type DeviceDescriptor struct {
	BcdUSB             uint16
	BDeviceClass       uint8
	BDeviceSubClass    uint8
	BDeviceProtocol    uint8
	BMaxPacketSize0    uint8
	IDVendor           uint16
	IDProduct          uint16
	BcdDevice          uint16
	IManufacturer      uint8
	IProduct           uint8
	ISerialNumber      uint8
	BNumConfigurations uint8
	Speed              uint32
}

// InterfaceDescriptor is one interface altsetting.
type InterfaceDescriptor struct {
	BInterfaceNumber   uint8
	BAlternateSetting  uint8
	BNumEndpoints      uint8
	BInterfaceClass    uint8
	BInterfaceSubClass uint8
	BInterfaceProtocol uint8
	IInterface         uint8
}

// EndpointDescriptor describes one endpoint.
type EndpointDescriptor struct {
	BEndpointAddress uint8
	BMAttributes     uint8
	WMaxPacketSize   uint16
	BInterval        uint8
}

// DeviceBytes encodes the device descriptor.
func (d *Descriptor) DeviceBytes() []byte {
	dev := d.Device
	b := make([]byte, 0, DeviceDescLen)
	b = append(b, DeviceDescLen, DeviceDescType)
	b = binary.LittleEndian.AppendUint16(b, dev.BcdUSB)
	b = append(b, dev.BDeviceClass, dev.BDeviceSubClass, dev.BDeviceProtocol, dev.BMaxPacketSize0)
	b = binary.LittleEndian.AppendUint16(b, dev.IDVendor)
	b = binary.LittleEndian.AppendUint16(b, dev.IDProduct)
	b = binary.LittleEndian.AppendUint16(b, dev.BcdDevice)
	return append(b, dev.IManufacturer, dev.IProduct, dev.ISerialNumber, dev.BNumConfigurations)
}

// ConfigBytes encodes configuration value cfg with all interfaces and
// endpoints, wTotalLength patched in.
func (d *Descriptor) ConfigBytes(cfg uint8) []byte {
	b := []byte{ConfigDescLen, ConfigDescType, 0, 0, uint8(len(d.Interfaces)), cfg, 0, AttrBusPowered, uint8(d.MaxPowerMA / 2)}
	for _, iface := range d.Interfaces {
		b = iface.Descriptor.appendTo(b, len(iface.Endpoints))
		b = append(b, iface.ClassData...)
		for _, ep := range iface.Endpoints {
			b = ep.appendTo(b)
		}
	}
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(b)))
	return b
}

func (i InterfaceDescriptor) appendTo(b []byte, endpoints int) []byte {
	n := i.BNumEndpoints
	if n == 0 {
		n = uint8(endpoints)
	}
	return append(b, InterfaceDescLen, InterfaceDescType,
		i.BInterfaceNumber, i.BAlternateSetting, n,
		i.BInterfaceClass, i.BInterfaceSubClass, i.BInterfaceProtocol, i.IInterface)
}

func (e EndpointDescriptor) appendTo(b []byte) []byte {
	b = append(b, EndpointDescLen, EndpointDescType, e.BEndpointAddress, e.BMAttributes)
	b = binary.LittleEndian.AppendUint16(b, e.WMaxPacketSize)
	return append(b, e.BInterval)
}

// StringBytes returns string descriptor idx. Index 0 is the language ID
// table (US English). ok is false for unknown indices.
func (d *Descriptor) StringBytes(idx uint8) ([]byte, bool) {
	if idx == 0 {
		return []byte{4, StringDescType, 0x09, 0x04}, true
	}
	s, ok := d.Strings[idx]
	if !ok {
		return nil, false
	}
	return EncodeStringDescriptor(s), true
}

// EncodeStringDescriptor converts a UTF-8 string to a USB string
// descriptor: bLength, type 0x03, then UTF-16LE code units.
func EncodeStringDescriptor(s string) []byte {
	units := utf16.Encode([]rune(s))
	buf := make([]byte, 2, 2+2*len(units))
	buf[0] = uint8(2 + 2*len(units))
	buf[1] = StringDescType
	for _, u := range units {
		buf = binary.LittleEndian.AppendUint16(buf, u)
	}
	return buf
}
