package firmware

import "github.com/keirf/greaseweazle-sub000/ring"

// Pin is a floppy bus signal, numbered by its position on the 34-pin
// connector. Levels passed through TimingPort are logical: true means the
// (active-low) signal is asserted.
type Pin uint8

const (
	PinDensity Pin = 2
	PinOut4    Pin = 4
	PinOut6    Pin = 6
	PinIndex   Pin = 8
	PinSel0    Pin = 10 // MOTEA on IBM PC
	PinSel1    Pin = 12 // DRVSB on IBM PC
	PinSel2    Pin = 14 // DRVSA on IBM PC
	PinMotor   Pin = 16 // MOTEB on IBM PC
	PinDir     Pin = 18
	PinStep    Pin = 20
	PinWData   Pin = 22
	PinWGate   Pin = 24
	PinTrk0    Pin = 26
	PinWrProt  Pin = 28
	PinRData   Pin = 30
	PinSide    Pin = 32
	PinReady   Pin = 34
)

// TimingPort is everything the adapter needs from the microcontroller:
// a free-running sample clock, capture and generate DMA over a sample
// ring, bus pins, and three interrupt sources (index pulse, one-shot timer,
// DMA completion). Time values are in sample ticks and wrap at 32 bits.
//
// Interrupt callbacks never run while interrupts are disabled. The DMA
// remaining count and the DMA completion callback are coherent with each
// other inside a DisableIRQ/EnableIRQ section.
type TimingPort[T ring.Counter] interface {
	Now() uint32
	Delay(ticks uint32)
	DisableIRQ()
	EnableIRQ()
	SystemReset()

	// ArmCapture starts writing the counter value of every flux edge into
	// r's buffer, wrapping at its end.
	ArmCapture(r *ring.Samples[T])
	StopCapture()

	// ArmGenerate points the waveform generator at r. Each entry is a
	// reload value: the interval minus one, with the counter's top bit set
	// when no pulse is to be produced at the end of the interval.
	ArmGenerate(r *ring.Samples[T])
	StartGenerate()
	StopGenerate()

	// RingRemaining returns the active DMA channel's remaining transfer
	// count, counting down from the ring size.
	RingRemaining() int

	ReadPin(p Pin) bool
	WritePin(p Pin, level bool)

	OnIndex(fn func(at uint32))
	OnDMAComplete(fn func())
	ArmTimer(at uint32, fn func())
	CancelTimer()
}

// Transport is the polling USB interface. RxReady reports the unread
// bytes of the next OUT packet; Read must not ask for more than that.
// Write may only be called after TxReady and sends one packet of at most
// the board's packet size. A zero-length Write sends a ZLP.
type Transport interface {
	RxReady(ep uint8) (int, bool)
	Read(ep uint8, p []byte) int
	TxReady(ep uint8) bool
	Write(ep uint8, p []byte)
}

// Bulk endpoints used by the adapter.
const (
	EPOut uint8 = 0x02
	EPIn  uint8 = 0x82
)

// after reports whether a is at or after b on the wrapping tick clock.
func after(a, b uint32) bool { return int32(a-b) >= 0 }
