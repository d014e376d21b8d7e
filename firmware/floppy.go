// Package firmware is the adapter's flux timing engine: the command state
// machine, the sample-ring bridge between DMA and the flux codec, the index
// tracker and the auto-off policy. It runs as a single cooperative loop
// (Adapter.Poll) against a TimingPort and a polled USB Transport.
package firmware

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/keirf/greaseweazle-sub000/internal/log"
	"github.com/keirf/greaseweazle-sub000/ring"
)

// State is the operation state machine's current state.
type State uint8

const (
	StateInactive State = iota
	StateCommandWait
	StateZLP
	StateReadFlux
	StateReadFluxDrain
	StateWriteFluxWaitData
	StateWriteFluxWaitIndex
	StateWriteFlux
	StateWriteFluxDrain
)

var stateNames = [...]string{
	StateInactive:           "INACTIVE",
	StateCommandWait:        "COMMAND_WAIT",
	StateZLP:                "ZLP",
	StateReadFlux:           "READ_FLUX",
	StateReadFluxDrain:      "READ_FLUX_DRAIN",
	StateWriteFluxWaitData:  "WRITE_FLUX_WAIT_DATA",
	StateWriteFluxWaitIndex: "WRITE_FLUX_WAIT_INDEX",
	StateWriteFlux:          "WRITE_FLUX",
	StateWriteFluxDrain:     "WRITE_FLUX_DRAIN",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", uint8(s))
}

const (
	cmdBufSize  = 32
	maxRevs     = 256
	noUnit      = -1
	maxUnits    = 3
	fluxTimeout = 2000 // ms without index or host data before a flux op fails
)

// Adapter is the firmware main loop state. All methods except Snapshot
// accessors must be called from the goroutine that calls Poll.
type Adapter[T ring.Counter] struct {
	log   *slog.Logger
	board *Board
	port  TimingPort[T]
	usb   Transport

	state   State
	index   *IndexTracker
	samples *ring.Samples[T]
	bytes   *ring.Bytes
	laps    atomic.Uint32

	cmd     []byte
	resp    []byte
	pkt     []byte
	needZLP bool

	delays Delays
	bus    BusType
	unit   int
	drives [maxUnits]unitState

	ceiling    uint32
	fluxStatus Ack
	revs       []uint32
	rd         reader
	wr         writer

	idle   idleTimer
	guard  canary
	resets int
}

// New wires an adapter to its port and transport. The board's counter
// width must match T.
func New[T ring.Counter](board *Board, port TimingPort[T], usb Transport, logger *slog.Logger) (*Adapter[T], error) {
	if err := board.Validate(); err != nil {
		return nil, fmt.Errorf("invalid board: %w", err)
	}
	if bits := ring.Bits[T](); bits != board.CounterBits {
		return nil, fmt.Errorf("board %s has a %d-bit counter, adapter built for %d bits", board.Name, board.CounterBits, bits)
	}
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter[T]{
		log:     logger.With("board", board.Name),
		board:   board,
		port:    port,
		usb:     usb,
		index:   NewIndexTracker(port),
		samples: ring.NewSamples[T](board.SampleRingSize),
		bytes:   ring.NewBytes(board.ByteRingSize),
		cmd:     make([]byte, 0, cmdBufSize),
		pkt:     make([]byte, board.USBPacketSize),
		revs:    make([]uint32, 0, maxRevs),
		unit:    noUnit,
		ceiling: board.Ceiling(),
	}
	port.OnIndex(a.index.Pulse)
	port.OnDMAComplete(func() { a.laps.Add(1) })
	a.reinit()
	return a, nil
}

// State returns the current state.
func (a *Adapter[T]) State() State { return a.state }

// FluxStatus returns the status of the most recent flux operation.
func (a *Adapter[T]) FluxStatus() Ack { return a.fluxStatus }

// Resets returns how many times the canary check forced a system reset.
func (a *Adapter[T]) Resets() int { return a.resets }

// Board returns the adapter's board description.
func (a *Adapter[T]) Board() *Board { return a.board }

// Configure is called when the host selects the USB configuration.
func (a *Adapter[T]) Configure() {
	if a.state == StateInactive {
		a.setState(StateCommandWait)
	}
}

// Reset handles a transport reset or disconnect: any operation in progress
// is abandoned and the adapter returns to INACTIVE.
func (a *Adapter[T]) Reset() {
	a.log.Info("Transport reset", "state", a.state)
	a.reinit()
}

func (a *Adapter[T]) reinit() {
	a.quiesce()
	a.driveOff()
	a.index.Reset()
	a.index.SetDelay(0)
	a.delays = DefaultDelays
	a.index.SetMask(a.board.USToTicks(uint32(a.delays.IndexMaskUS)))
	a.bus = BusNone
	a.unit = noUnit
	a.drives = [maxUnits]unitState{}
	a.cmd = a.cmd[:0]
	a.resp = a.resp[:0]
	a.needZLP = false
	a.fluxStatus = AckOkay
	a.revs = a.revs[:0]
	a.idle = idleTimer{}
	a.guard.set()
	a.state = StateInactive
}

// quiesce stops all flux hardware. Safe to call repeatedly.
func (a *Adapter[T]) quiesce() {
	a.port.StopCapture()
	a.port.StopGenerate()
	a.port.WritePin(PinWGate, false)
}

func (a *Adapter[T]) setState(s State) {
	if s == a.state {
		return
	}
	a.log.Log(context.Background(), log.LevelTrace, "State change", "from", a.state, "to", s)
	a.state = s
}

// Poll runs one iteration of the main loop.
func (a *Adapter[T]) Poll() {
	if !a.guard.intact() {
		a.log.Error("Stack canary corrupted, resetting")
		a.resets++
		a.port.SystemReset()
		a.reinit()
		return
	}

	a.checkIdle()

	switch a.state {
	case StateInactive:
	case StateCommandWait:
		a.commandWait()
	case StateZLP:
		if a.usb.TxReady(EPIn) {
			a.usb.Write(EPIn, nil)
			a.needZLP = false
			a.setState(StateCommandWait)
		}
	case StateReadFlux:
		a.readPoll()
	case StateReadFluxDrain:
		a.readDrain()
	case StateWriteFluxWaitData:
		a.writeWaitData()
	case StateWriteFluxWaitIndex:
		a.writeWaitIndex()
	case StateWriteFlux:
		a.writePoll()
	case StateWriteFluxDrain:
		a.writeDrain()
	}
}

// flushResponse sends pending response bytes in packet-sized pieces. It
// reports whether the response has gone out completely.
func (a *Adapter[T]) flushResponse() bool {
	mps := a.board.USBPacketSize
	for len(a.resp) > 0 {
		if !a.usb.TxReady(EPIn) {
			return false
		}
		n := min(len(a.resp), mps)
		a.usb.Write(EPIn, a.resp[:n])
		a.resp = a.resp[n:]
		a.needZLP = len(a.resp) == 0 && n == mps
	}
	return true
}

func (a *Adapter[T]) commandWait() {
	if !a.flushResponse() {
		return
	}
	if a.needZLP {
		a.setState(StateZLP)
		return
	}

	for {
		n, ok := a.usb.RxReady(EPOut)
		if !ok {
			return
		}
		if n == 0 {
			a.usb.Read(EPOut, nil)
			continue
		}
		want := 2
		if len(a.cmd) >= 2 {
			want = int(a.cmd[1])
		}
		k := min(n, want-len(a.cmd))
		l := len(a.cmd)
		a.cmd = a.cmd[:l+k]
		a.usb.Read(EPOut, a.cmd[l:])
		if len(a.cmd) < 2 {
			continue
		}
		if size := int(a.cmd[1]); size < 2 || size > cmdBufSize {
			a.log.Warn("Malformed command", "cmd", Cmd(a.cmd[0]), "len", size)
			a.discardPacket(n - k)
			a.cmd = a.cmd[:0]
			a.respond(AckBadCommand)
			return
		}
		if len(a.cmd) == int(a.cmd[1]) {
			a.dispatch()
			return
		}
	}
}

func (a *Adapter[T]) discardPacket(n int) {
	for n > 0 {
		k := min(n, len(a.pkt))
		a.usb.Read(EPOut, a.pkt[:k])
		n -= k
	}
}

// respond queues a bare status response.
func (a *Adapter[T]) respond(ack Ack) {
	a.resp = append(a.resp[:0], byte(ack))
}

func (a *Adapter[T]) dispatch() {
	c, p := Cmd(a.cmd[0]), a.cmd[2:]
	a.resp = append(a.resp[:0], byte(AckOkay))
	ack := a.exec(c, p)
	if ack != AckOkay {
		a.resp = a.resp[:1]
		a.log.Debug("Command failed", "cmd", c, "status", ack)
	} else {
		a.log.Debug("Command", "cmd", c, "len", len(a.cmd))
	}
	a.resp[0] = byte(ack)
	a.cmd = a.cmd[:0]
	a.rearmIdle()
}
