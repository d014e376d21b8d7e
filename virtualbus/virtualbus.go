// Package virtualbus manages USB bus topology and auto-assigns device addresses.
package virtualbus

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/keirf/greaseweazle-sub000/usb"
	"github.com/keirf/greaseweazle-sub000/usbip"
)

const basepath = "/sys/devices/platform/gwsim/usb"

var (
	globalMutex     sync.Mutex
	nextBusID       uint32 = 1
	allocatedBusIds        = make(map[uint32]bool)
)

// ErrNotFound is returned when a device or bus id is unknown.
var ErrNotFound = errors.New("not found")

// VirtualBus holds exported devices under one bus number.
type VirtualBus struct {
	mutex   sync.Mutex
	busId   uint32
	devices []*busDevice
	closed  bool
}

// DeviceMeta exposes a registered device and its metadata.
type DeviceMeta struct {
	Dev  usb.Device
	Meta usbip.ExportMeta
}

type busDevice struct {
	dev    usb.Device
	meta   usbip.ExportMeta
	ctx    context.Context
	cancel context.CancelFunc
	held   bool
}

// New creates a bus with the lowest free bus number.
func New() *VirtualBus {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	for allocatedBusIds[nextBusID] {
		nextBusID++
	}
	id := nextBusID
	allocatedBusIds[id] = true
	nextBusID++
	return &VirtualBus{busId: id}
}

// NewWithBusId creates a bus with a specific number.
func NewWithBusId(busId uint32) (*VirtualBus, error) {
	globalMutex.Lock()
	defer globalMutex.Unlock()
	if busId == 0 {
		return nil, fmt.Errorf("bus number 0 is reserved")
	}
	if allocatedBusIds[busId] {
		return nil, fmt.Errorf("bus number %d already allocated", busId)
	}
	allocatedBusIds[busId] = true
	return &VirtualBus{busId: busId}, nil
}

// BusID returns the bus number.
func (vb *VirtualBus) BusID() uint32 { return vb.busId }

// Add registers dev with the lowest free device number. The returned
// context is cancelled when the device is removed or the bus closed.
func (vb *VirtualBus) Add(dev usb.Device) (context.Context, usbip.ExportMeta, error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	if vb.closed {
		return nil, usbip.ExportMeta{}, fmt.Errorf("bus %d closed", vb.busId)
	}
	used := make(map[uint32]bool, len(vb.devices))
	for _, d := range vb.devices {
		if d.dev == dev {
			return nil, usbip.ExportMeta{}, fmt.Errorf("device already registered on bus %d", vb.busId)
		}
		used[d.meta.DevId] = true
	}
	devID := uint32(1)
	for used[devID] {
		devID++
	}

	busDevID := fmt.Sprintf("%d-%d", vb.busId, devID)
	var meta usbip.ExportMeta
	copy(meta.Path[:], fmt.Sprintf("%s%d/%s", basepath, vb.busId, busDevID))
	copy(meta.USBBusId[:], busDevID)
	meta.BusId = vb.busId
	meta.DevId = devID

	ctx, cancel := context.WithCancel(context.Background())
	vb.devices = append(vb.devices, &busDevice{dev: dev, meta: meta, ctx: ctx, cancel: cancel})
	return ctx, meta, nil
}

// Devices returns a snapshot of all registered devices with their metadata.
func (vb *VirtualBus) Devices() []DeviceMeta {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	out := make([]DeviceMeta, 0, len(vb.devices))
	for _, d := range vb.devices {
		out = append(out, DeviceMeta{Dev: d.dev, Meta: d.meta})
	}
	return out
}

// Attach claims the device exported as busid for one importer. It fails
// if the device is unknown or already imported. The returned release
// function must be called when the importer goes away.
func (vb *VirtualBus) Attach(busid string) (DeviceMeta, context.Context, func(), error) {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.meta.BusID() != busid {
			continue
		}
		if d.held {
			return DeviceMeta{}, nil, nil, fmt.Errorf("device %s already imported", busid)
		}
		d.held = true
		release := func() {
			vb.mutex.Lock()
			d.held = false
			vb.mutex.Unlock()
		}
		return DeviceMeta{Dev: d.dev, Meta: d.meta}, d.ctx, release, nil
	}
	return DeviceMeta{}, nil, nil, fmt.Errorf("device %s: %w", busid, ErrNotFound)
}

// Imported reports whether the device with the given number is attached.
func (vb *VirtualBus) Imported(devID uint32) bool {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for _, d := range vb.devices {
		if d.meta.DevId == devID {
			return d.held
		}
	}
	return false
}

// Remove unregisters dev and cancels its context.
func (vb *VirtualBus) Remove(dev usb.Device) error {
	vb.mutex.Lock()
	defer vb.mutex.Unlock()
	for i, d := range vb.devices {
		if d.dev == dev {
			d.cancel()
			vb.devices = append(vb.devices[:i], vb.devices[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("device: %w", ErrNotFound)
}

// Close removes all devices and frees the bus number.
func (vb *VirtualBus) Close() error {
	vb.mutex.Lock()
	for _, d := range vb.devices {
		d.cancel()
	}
	vb.devices = nil
	vb.closed = true
	vb.mutex.Unlock()

	globalMutex.Lock()
	defer globalMutex.Unlock()
	delete(allocatedBusIds, vb.busId)
	if vb.busId < nextBusID {
		nextBusID = vb.busId
	}
	return nil
}
