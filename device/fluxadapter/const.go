package fluxadapter

// Identity as enumerated by the host.
const (
	VendorID  = 0x1209
	ProductID = 0x4D69
	BcdDevice = 0x0100
)

// Endpoint numbers (without direction bit).
const (
	epNotify = 1
	epData   = 2
)

// CDC ACM class requests.
const (
	reqSetLineCoding       = 0x20
	reqGetLineCoding       = 0x21
	reqSetControlLineState = 0x22
)

// BaudClearComms is the line rate a host selects to reset the command
// channel: in-flight data is dropped and the adapter returns to waiting
// for a command with all drives released.
const BaudClearComms = 10000

// outBacklog bounds the host-to-device packets queued before an OUT
// transfer is reported complete.
const outBacklog = 8
