// Package fluxadapter exports a simulated flux adapter as a USB CDC ACM
// device whose data interface carries the command protocol.
package fluxadapter

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/keirf/greaseweazle-sub000/internal/sim"
	"github.com/keirf/greaseweazle-sub000/usb"
)

// ErrEndpoint is returned for transfers on endpoints the device lacks.
var ErrEndpoint = errors.New("no such endpoint")

// Adapter implements usb.Device over a simulated machine.
type Adapter struct {
	runner     sim.Runner
	log        *slog.Logger
	descriptor usb.Descriptor

	inMu  sync.Mutex
	carry []byte // IN bytes gathered by an unlinked transfer

	lineMu     sync.Mutex
	lineCoding [7]byte
}

// New returns a device exporting r.
func New(r sim.Runner, logger *slog.Logger) *Adapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{
		runner:     r,
		log:        logger,
		descriptor: newDescriptor(r.Link().MaxPacket(), r.Status().Board),
	}
	binary.LittleEndian.PutUint32(a.lineCoding[0:4], 9600)
	a.lineCoding[6] = 8
	return a
}

// Runner returns the machine behind the device.
func (a *Adapter) Runner() sim.Runner { return a.runner }

func (a *Adapter) GetDescriptor() *usb.Descriptor { return &a.descriptor }

// HandleTransfer moves bulk data between the host and the adapter link.
// OUT completes once the adapter has drained its backlog below a few
// packets; IN completes on a short packet or when maxLen bytes arrive.
func (a *Adapter) HandleTransfer(ctx context.Context, ep uint8, dir uint32, out []byte, maxLen int) ([]byte, error) {
	link := a.runner.Link()
	switch {
	case ep == epData && dir == usb.DirOut:
		link.Send(out)
		return nil, link.WaitBacklog(ctx, outBacklog)

	case ep == epData && dir == usb.DirIn:
		a.inMu.Lock()
		defer a.inMu.Unlock()
		data, err := link.ReceiveAppend(ctx, a.carry, maxLen)
		if err != nil {
			a.carry = data
			return nil, err
		}
		a.carry = nil
		return data, nil

	case ep == epNotify && dir == usb.DirIn:
		// No serial state notifications are ever raised.
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return nil, fmt.Errorf("ep %d dir %d: %w", ep, dir, ErrEndpoint)
}

// HandleControl answers the CDC ACM class requests. Selecting
// BaudClearComms resets the command channel.
func (a *Adapter) HandleControl(setup usb.Setup, out []byte) ([]byte, error) {
	if setup.Type() != usb.RequestTypeClass {
		return nil, usb.ErrStall
	}
	switch setup.Request {
	case reqGetLineCoding:
		a.lineMu.Lock()
		defer a.lineMu.Unlock()
		lc := a.lineCoding
		return lc[:], nil

	case reqSetLineCoding:
		if len(out) < len(a.lineCoding) {
			return nil, usb.ErrStall
		}
		a.lineMu.Lock()
		copy(a.lineCoding[:], out)
		baud := binary.LittleEndian.Uint32(a.lineCoding[0:4])
		a.lineMu.Unlock()
		if baud == BaudClearComms {
			a.log.Info("Clearing comms")
			a.clearComms()
		}
		return nil, nil

	case reqSetControlLineState:
		return nil, nil
	}
	return nil, usb.ErrStall
}

func (a *Adapter) clearComms() {
	a.runner.Disconnect()
	a.runner.Configure()
	a.inMu.Lock()
	a.carry = nil
	a.inMu.Unlock()
}

// SetConfiguration starts the adapter once the host selects a
// configuration.
func (a *Adapter) SetConfiguration(value uint8) {
	if value != 0 {
		a.runner.Configure()
	}
}

// Disconnect drops in-flight data and returns the adapter to its
// unconfigured state.
func (a *Adapter) Disconnect() {
	a.runner.Disconnect()
	a.inMu.Lock()
	a.carry = nil
	a.inMu.Unlock()
}

func newDescriptor(mps int, board string) usb.Descriptor {
	speed := usb.SpeedFull
	if mps > 64 {
		speed = usb.SpeedHigh
	}
	return usb.Descriptor{
		Device: usb.DeviceDescriptor{
			BcdUSB:             0x0200,
			BDeviceClass:       0x02, // CDC
			BMaxPacketSize0:    64,
			IDVendor:           VendorID,
			IDProduct:          ProductID,
			BcdDevice:          BcdDevice,
			IManufacturer:      1,
			IProduct:           2,
			ISerialNumber:      3,
			BNumConfigurations: 1,
			Speed:              speed,
		},
		Interfaces: []usb.InterfaceConfig{
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber:   0,
					BInterfaceClass:    0x02, // Communications
					BInterfaceSubClass: 0x02, // ACM
					BInterfaceProtocol: 0x01, // AT commands
				},
				ClassData: []byte{
					0x05, 0x24, 0x00, 0x10, 0x01, // Header, CDC 1.10
					0x05, 0x24, 0x01, 0x00, 0x01, // Call management, data on interface 1
					0x04, 0x24, 0x02, 0x02, // ACM, line coding and serial state
					0x05, 0x24, 0x06, 0x00, 0x01, // Union, master 0, slave 1
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: usb.EndpointIn | epNotify, BMAttributes: 0x03, WMaxPacketSize: 8, BInterval: 0xFF},
				},
			},
			{
				Descriptor: usb.InterfaceDescriptor{
					BInterfaceNumber: 1,
					BInterfaceClass:  0x0A, // CDC data
				},
				Endpoints: []usb.EndpointDescriptor{
					{BEndpointAddress: epData, BMAttributes: usb.XferBulk, WMaxPacketSize: uint16(mps)},
					{BEndpointAddress: usb.EndpointIn | epData, BMAttributes: usb.XferBulk, WMaxPacketSize: uint16(mps)},
				},
			},
		},
		Strings: map[uint8]string{
			1: "Keir Fraser",
			2: "Greaseweazle",
			3: "GWSIM-" + board,
		},
		MaxPowerMA: 500,
	}
}
