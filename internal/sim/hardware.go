// Package sim is a software target for the adapter firmware: a virtual
// sample clock with capture and generate DMA, a rotating floppy drive on
// the far side of the bus pins, and a packetised USB link.
package sim

import (
	"sync"

	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/ring"
)

type dma[T ring.Counter] struct {
	ring   *ring.Samples[T]
	pos    int
	rem    int
	active bool
}

// advance moves the DMA cursor by one entry and reports whether it wrapped.
func (d *dma[T]) advance() bool {
	d.pos++
	d.rem--
	if d.rem == 0 {
		d.pos, d.rem = 0, d.ring.Size()
		return true
	}
	return false
}

// Hardware implements firmware.TimingPort over virtual time. Interrupt
// handlers run from Advance with the interrupt mask held; DisableIRQ takes
// the same mask.
type Hardware[T ring.Counter] struct {
	irq   sync.Mutex
	t     uint64
	drive *Drive
	outs  map[firmware.Pin]bool

	capture  dma[T]
	generate dma[T]
	genNext  uint64
	genPulse bool
	genRun   bool

	edgeCursor  uint64
	indexCursor uint64

	timerAt    uint64
	timerFn    func()
	timerArmed bool

	onIndex func(uint32)
	onDMA   func()

	pulses []uint64
	resets int
}

var (
	_ firmware.TimingPort[uint16] = (*Hardware[uint16])(nil)
	_ firmware.TimingPort[uint32] = (*Hardware[uint32])(nil)
)

// NewHardware returns a port wired to drive.
func NewHardware[T ring.Counter](drive *Drive) *Hardware[T] {
	return &Hardware[T]{drive: drive, outs: make(map[firmware.Pin]bool)}
}

// Elapsed returns the virtual time in ticks since power-up.
func (h *Hardware[T]) Elapsed() uint64 { return h.t }

// Pulses returns the times of every pulse the generator produced.
func (h *Hardware[T]) Pulses() []uint64 { return h.pulses }

// ClearPulses forgets recorded generator pulses.
func (h *Hardware[T]) ClearPulses() { h.pulses = h.pulses[:0] }

// SystemResets returns how many times the firmware requested a reset.
func (h *Hardware[T]) SystemResets() int { return h.resets }

func (h *Hardware[T]) Now() uint32 { return uint32(h.t) }

func (h *Hardware[T]) Delay(ticks uint32) { h.Advance(uint64(ticks)) }

func (h *Hardware[T]) DisableIRQ() { h.irq.Lock() }

func (h *Hardware[T]) EnableIRQ() { h.irq.Unlock() }

func (h *Hardware[T]) SystemReset() {
	h.resets++
	h.StopCapture()
	h.StopGenerate()
	h.CancelTimer()
	for p, v := range h.outs {
		if v {
			h.WritePin(p, false)
		}
	}
}

func (h *Hardware[T]) ArmCapture(r *ring.Samples[T]) {
	h.capture = dma[T]{ring: r, rem: r.Size(), active: true}
	h.edgeCursor = h.t
}

func (h *Hardware[T]) StopCapture() { h.capture.active = false }

func (h *Hardware[T]) ArmGenerate(r *ring.Samples[T]) {
	h.generate = dma[T]{ring: r, rem: r.Size(), active: true}
	h.genRun = false
}

func (h *Hardware[T]) StartGenerate() {
	if !h.generate.active {
		return
	}
	h.genRun = true
	h.loadReload()
}

func (h *Hardware[T]) StopGenerate() {
	h.generate.active = false
	h.genRun = false
}

func (h *Hardware[T]) RingRemaining() int {
	switch {
	case h.capture.active:
		return h.capture.rem
	case h.generate.active:
		return h.generate.rem
	}
	return 0
}

func (h *Hardware[T]) ReadPin(p firmware.Pin) bool {
	switch p {
	case firmware.PinIndex, firmware.PinTrk0, firmware.PinWrProt, firmware.PinReady:
		return h.drive.input(p, h.t)
	}
	return h.outs[p]
}

func (h *Hardware[T]) WritePin(p firmware.Pin, level bool) {
	if h.outs[p] == level {
		return
	}
	h.outs[p] = level
	h.drive.setPin(p, level, h.t)
}

func (h *Hardware[T]) OnIndex(fn func(at uint32)) { h.onIndex = fn }

func (h *Hardware[T]) OnDMAComplete(fn func()) { h.onDMA = fn }

func (h *Hardware[T]) ArmTimer(at uint32, fn func()) {
	h.timerAt = h.t
	if d := int32(at - uint32(h.t)); d > 0 {
		h.timerAt += uint64(d)
	}
	h.timerFn = fn
	h.timerArmed = true
}

func (h *Hardware[T]) CancelTimer() { h.timerArmed = false }

func (h *Hardware[T]) isr(fn func()) {
	if fn == nil {
		return
	}
	h.irq.Lock()
	defer h.irq.Unlock()
	fn()
}

func (h *Hardware[T]) loadReload() {
	g := &h.generate
	v := g.ring.Buf()[g.pos]
	if g.advance() {
		h.isr(h.onDMA)
	}
	top := ^(^T(0) >> 1)
	h.genPulse = v&top == 0
	h.genNext = h.t + uint64(v&^top) + 1
}

type event uint8

const (
	evNone event = iota
	evTimer
	evIndex
	evGenerate
	evEdge
)

func (h *Hardware[T]) nextEvent(end uint64) (uint64, event) {
	at, ev := end+1, evNone
	consider := func(t uint64, e event) {
		if t < at {
			at, ev = t, e
		}
	}
	if h.timerArmed {
		consider(h.timerAt, evTimer)
	}
	if h.drive.indexVisible() {
		consider(h.drive.nextIndex(h.indexCursor), evIndex)
	}
	if h.genRun {
		consider(h.genNext, evGenerate)
	}
	if h.capture.active && h.drive.fluxVisible() {
		if t, ok := h.drive.nextEdge(h.edgeCursor); ok {
			consider(t, evEdge)
		}
	}
	if at > end {
		return 0, evNone
	}
	return at, ev
}

// Advance runs virtual time forward by d ticks, delivering every capture
// edge, generator reload, index pulse and timer expiry on the way.
func (h *Hardware[T]) Advance(d uint64) {
	end := h.t + d
	h.edgeCursor = max(h.edgeCursor, h.t)
	h.indexCursor = max(h.indexCursor, h.t)
	for {
		at, ev := h.nextEvent(end)
		if ev == evNone {
			break
		}
		h.t = at
		switch ev {
		case evTimer:
			h.timerArmed = false
			h.isr(h.timerFn)
		case evIndex:
			h.indexCursor = at
			if fn := h.onIndex; fn != nil {
				h.isr(func() { fn(uint32(at)) })
			}
		case evGenerate:
			if h.genPulse {
				h.pulses = append(h.pulses, at)
				h.drive.writePulse(at)
			}
			h.loadReload()
		case evEdge:
			h.edgeCursor = at
			c := &h.capture
			c.ring.Buf()[c.pos] = T(at)
			if c.advance() {
				h.isr(h.onDMA)
			}
		}
	}
	h.t = end
}
