package usb

import "context"

// Transfer directions as carried in USB-IP headers.
const (
	DirOut uint32 = 0
	DirIn  uint32 = 1
)

// Device is the minimal interface an exported device must implement.
// EP0 enumeration is answered by the server from GetDescriptor; only
// non-control transfers reach the device.
type Device interface {
	// HandleTransfer processes one bulk or interrupt transfer on endpoint
	// ep (number without direction bit). For IN transfers it returns at
	// most maxLen bytes; for OUT it consumes out and returns nil. It blocks
	// until the transfer completes or ctx is cancelled (URB unlinked or
	// connection gone).
	HandleTransfer(ctx context.Context, ep uint8, dir uint32, out []byte, maxLen int) ([]byte, error)
	GetDescriptor() *Descriptor
}

// Configurer is implemented by devices that react to SET_CONFIGURATION.
type Configurer interface {
	SetConfiguration(value uint8)
}

// Disconnecter is implemented by devices that reset state when the
// importing host goes away.
type Disconnecter interface {
	Disconnect()
}
