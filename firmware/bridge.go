package firmware

import (
	"bytes"

	"github.com/keirf/greaseweazle-sub000/flux"
	"github.com/keirf/greaseweazle-sub000/ring"
)

// accFlush bounds the ticks held back while no flux edge arrives; beyond
// it the gap is emitted as a space so the next tick stays short.
const accFlush = 1 << 24

type reader struct {
	args     ReadFluxArgs
	start    uint32 // capture arm time
	prev     uint32 // time of the last edge or capped interval
	acc      uint32 // capped ticks not yet emitted
	lastIdx  uint32
	idxSeen  uint32
	marks    int
	linger   bool
	endAt    uint32
	lastFull bool
	enc      [2 * flux.MaxEncodedLen]byte
}

type writer struct {
	args     WriteFluxArgs
	dec      flux.Decoder
	left     uint32 // ticks of the current interval not yet queued
	ended    bool
	queued   bool // terminator received but not yet decoded
	realEnd  uint32 // sample cursor just past the last real interval
	lastRx   uint32
	waitFrom uint32
	idxBase  uint32
	gate     bool
	drained  bool
}

func topBit[T ring.Counter]() T { return ^(^T(0) >> 1) }

func (a *Adapter[T]) resetRings() {
	a.samples.Reset()
	a.bytes.Reset()
	a.laps.Store(0)
}

// dmaPosition returns the hardware's absolute cursor into the sample ring.
func (a *Adapter[T]) dmaPosition() uint32 {
	a.port.DisableIRQ()
	laps, rem := a.laps.Load(), a.port.RingRemaining()
	a.port.EnableIRQ()
	size := uint32(a.samples.Size())
	return laps*size + size - uint32(rem)
}

func (a *Adapter[T]) startRead(args ReadFluxArgs) Ack {
	if a.unit == noUnit {
		return AckNoUnit
	}
	if args.Ticks == 0 && args.MaxIndex == 0 {
		return AckBadCommand
	}
	a.resetRings()
	a.index.Reset()
	a.revs = a.revs[:0]
	a.fluxStatus = AckOkay
	now := a.port.Now()
	a.rd = reader{args: args, start: now, prev: now, lastIdx: now}
	a.port.ArmCapture(a.samples)
	a.setState(StateReadFlux)
	return AckOkay
}

// put appends encoded bytes to the byte ring, always keeping room for the
// terminator. It ends the read with an overflow when the ring is full.
func (a *Adapter[T]) put(b []byte) bool {
	if a.bytes.Free() < len(b)+1 {
		a.endRead(AckFluxOverflow)
		return false
	}
	a.bytes.Write(b)
	return true
}

// emitIndex writes an index mark and records the revolution. It reports
// false when the read has ended.
func (a *Adapter[T]) emitIndex(stamp, count uint32) bool {
	r := &a.rd
	r.idxSeen = count
	rev := stamp - r.lastIdx
	r.lastIdx = stamp
	if len(a.revs) < maxRevs {
		a.revs = append(a.revs, rev)
	}
	if !a.put(flux.AppendIndex(r.enc[:0], rev)) {
		return false
	}
	r.marks++
	if r.args.MaxIndex == 0 || r.marks < int(r.args.MaxIndex) {
		return true
	}
	if r.args.LingerUS == 0 {
		a.finishRead(stamp)
		return false
	}
	r.linger = true
	r.endAt = stamp + a.board.USToTicks(r.args.LingerUS)
	return true
}

func (a *Adapter[T]) readPoll() {
	r := &a.rd
	now := a.port.Now()
	stamp, count := a.index.Snapshot()
	if err := a.samples.PublishCapture(a.dmaPosition()); err != nil {
		a.endRead(AckFluxOverflow)
		return
	}

	newIdx := count != r.idxSeen
	for a.samples.Pending(true) > 0 {
		d := uint32(a.samples.Next() - T(r.prev))
		abs := r.prev + d
		if newIdx && after(abs, stamp) {
			newIdx = false
			if !a.emitIndex(stamp, count) {
				return
			}
		}
		if r.linger && !after(r.endAt, abs) {
			a.finishRead(r.endAt)
			return
		}
		if !a.put(flux.AppendTick(r.enc[:0], r.acc+d)) {
			return
		}
		r.acc, r.prev = 0, abs
		if r.args.Ticks != 0 && abs-r.start >= r.args.Ticks {
			a.finishRead(abs)
			return
		}
	}

	// Every edge up to now has been seen, so a pending index belongs here,
	// after the silence leading up to it.
	if newIdx && after(now, stamp) {
		if !a.flushGap(stamp) || !a.emitIndex(stamp, count) {
			return
		}
	}

	// No edge for a while: account for the gap in capped steps so a narrow
	// counter never wraps between two samples.
	for int32(now-r.prev) >= int32(2*a.ceiling) {
		r.prev += a.ceiling
		r.acc += a.ceiling
		if r.acc >= accFlush {
			if !a.put(flux.AppendSpace(r.enc[:0], r.acc)) {
				return
			}
			r.acc = 0
		}
	}

	switch {
	case r.linger && after(now, r.endAt):
		a.finishRead(r.endAt)
		return
	case r.args.Ticks != 0 && now-r.start >= r.args.Ticks:
		a.finishRead(r.start + r.args.Ticks)
		return
	case r.args.MaxIndex != 0 && !r.linger && now-r.lastIdx > a.board.MSToTicks(fluxTimeout):
		a.endRead(AckNoIndex)
		return
	}

	if a.flushResponse() {
		a.streamOut(false)
	}
}

// flushGap emits the silence since the last edge up to at as a space, so
// the stream covers the time it spans even when no edge follows. It
// reports false when the read has ended.
func (a *Adapter[T]) flushGap(at uint32) bool {
	r := &a.rd
	d := int64(int32(at - r.prev))
	gap := int64(r.acc) + d
	if gap <= 0 {
		return true
	}
	if !a.put(flux.AppendSpace(r.enc[:0], uint32(gap))) {
		return false
	}
	if d >= 0 {
		r.acc, r.prev = 0, at
	} else {
		// at lies inside the capped steps already taken.
		r.acc = uint32(-d)
	}
	return true
}

// finishRead ends a successful read whose stream covers time up to at.
func (a *Adapter[T]) finishRead(at uint32) {
	if a.flushGap(at) {
		a.endRead(AckOkay)
	}
}

func (a *Adapter[T]) endRead(ack Ack) {
	a.port.StopCapture()
	a.fluxStatus = ack
	_ = a.bytes.WriteByte(flux.Terminator)
	if ack != AckOkay {
		a.log.Warn("Read flux failed", "status", ack, "revs", len(a.revs))
	}
	a.setState(StateReadFluxDrain)
	a.rearmIdle()
}

// streamOut moves encoded flux to the host. Until the stream is final
// only whole packets are sent.
func (a *Adapter[T]) streamOut(final bool) {
	mps := a.board.USBPacketSize
	for a.usb.TxReady(EPIn) {
		n := a.bytes.Len()
		if n == 0 || (!final && n < mps) {
			return
		}
		n = min(n, mps)
		a.bytes.Read(a.pkt[:n])
		a.usb.Write(EPIn, a.pkt[:n])
		a.rd.lastFull = n == mps
	}
}

func (a *Adapter[T]) readDrain() {
	if !a.flushResponse() {
		return
	}
	a.streamOut(true)
	if a.bytes.Len() > 0 {
		return
	}
	if a.rd.lastFull {
		a.needZLP = true
		a.setState(StateZLP)
		return
	}
	a.setState(StateCommandWait)
}

func (a *Adapter[T]) startWrite(args WriteFluxArgs) Ack {
	if a.unit == noUnit {
		return AckNoUnit
	}
	if a.port.ReadPin(PinWrProt) {
		return AckWrProt
	}
	a.resetRings()
	a.index.Reset()
	a.index.SetDelay(args.IndexDelayTicks)
	a.fluxStatus = AckOkay
	a.wr = writer{args: args, lastRx: a.port.Now()}
	a.port.ArmGenerate(a.samples)
	a.setState(StateWriteFluxWaitData)
	return AckOkay
}

// pullRx copies host bytes into the byte ring while both have room.
func (a *Adapter[T]) pullRx() {
	for {
		n, ok := a.usb.RxReady(EPOut)
		if !ok {
			return
		}
		if n == 0 {
			a.usb.Read(EPOut, nil)
			continue
		}
		k := min(n, a.bytes.Free(), len(a.pkt))
		if k == 0 {
			return
		}
		a.usb.Read(EPOut, a.pkt[:k])
		a.bytes.Write(a.pkt[:k])
		a.wr.lastRx = a.port.Now()
		// Only the terminator encodes as a zero byte.
		if bytes.IndexByte(a.pkt[:k], flux.Terminator) >= 0 {
			a.wr.queued = true
		}
	}
}

// fillSamples decodes flux from the byte ring into reload values until the
// sample ring is full. Intervals above the ceiling are split, the leading
// pieces flagged as pulse-less. Once the terminator is seen the ring is
// padded with pulse-less intervals.
func (a *Adapter[T]) fillSamples() {
	w := &a.wr
	noPulse := topBit[T]()
	for a.samples.Free() > 0 {
		switch {
		case w.left > a.ceiling:
			_ = a.samples.Put(T(a.ceiling-1) | noPulse)
			w.left -= a.ceiling
		case w.left > 0:
			_ = a.samples.Put(T(w.left - 1))
			w.left = 0
		case w.ended:
			_ = a.samples.Put(T(a.ceiling-1) | noPulse)
		default:
			ev, ok := w.dec.Next(a.bytes)
			if !ok {
				return
			}
			switch ev.Kind {
			case flux.KindTick:
				w.left = ev.Ticks
			case flux.KindEnd:
				w.ended = true
				w.realEnd = a.samples.Software()
			}
		}
	}
}

func (a *Adapter[T]) writeWaitData() {
	w := &a.wr
	a.flushResponse()
	a.pullRx()
	a.fillSamples()
	full := a.samples.Free() == 0
	if w.ended || (full && (w.queued || a.bytes.Len() >= a.bytes.Cap()/2)) {
		if !w.args.CueAtIndex {
			a.startOutput()
			return
		}
		_, w.idxBase = a.index.Snapshot()
		w.waitFrom = a.port.Now()
		a.setState(StateWriteFluxWaitIndex)
		return
	}
	if a.port.Now()-w.lastRx > a.board.MSToTicks(fluxTimeout) {
		a.endWrite(AckFluxUnderflow)
	}
}

func (a *Adapter[T]) writeWaitIndex() {
	w := &a.wr
	a.flushResponse()
	a.pullRx()
	a.fillSamples()
	if _, count := a.index.Snapshot(); count != w.idxBase {
		a.startOutput()
		return
	}
	if a.port.Now()-w.waitFrom > a.board.MSToTicks(fluxTimeout) {
		a.endWrite(AckNoIndex)
	}
}

func (a *Adapter[T]) startOutput() {
	w := &a.wr
	w.gate = true
	a.port.WritePin(PinWGate, true)
	a.port.Delay(a.board.USToTicks(uint32(a.delays.PreWriteUS)))
	_, w.idxBase = a.index.Snapshot()
	a.port.StartGenerate()
	a.setState(StateWriteFlux)
}

func (a *Adapter[T]) writePoll() {
	w := &a.wr
	a.flushResponse()
	err := a.samples.PublishGenerate(a.dmaPosition())
	if w.ended && int32(a.samples.Hardware()-w.realEnd) > 0 {
		a.endWrite(AckOkay)
		return
	}
	if err != nil {
		a.endWrite(AckFluxUnderflow)
		return
	}
	if w.args.TerminateAtIndex {
		if _, count := a.index.Snapshot(); count != w.idxBase {
			a.endWrite(AckOkay)
			return
		}
	}
	a.pullRx()
	a.fillSamples()
}

func (a *Adapter[T]) endWrite(ack Ack) {
	w := &a.wr
	a.port.StopGenerate()
	if w.gate {
		a.port.Delay(a.board.USToTicks(uint32(a.delays.PostWriteUS)))
		a.port.WritePin(PinWGate, false)
		w.gate = false
	}
	a.fluxStatus = ack
	if ack != AckOkay {
		a.log.Warn("Write flux failed", "status", ack, "state", a.state)
	}
	a.setState(StateWriteFluxDrain)
}

// writeDrain discards host input up to the stream terminator, then sends
// the final status byte.
func (a *Adapter[T]) writeDrain() {
	w := &a.wr
	if !a.flushResponse() {
		return
	}
	for !w.ended && !w.drained && a.bytes.Len() > 0 {
		b := a.bytes.Peek(0)
		a.bytes.Discard(1)
		w.drained = b == flux.Terminator
	}
	var b [1]byte
	for !w.ended && !w.drained {
		n, ok := a.usb.RxReady(EPOut)
		if !ok {
			return
		}
		if n == 0 {
			a.usb.Read(EPOut, nil)
			continue
		}
		a.usb.Read(EPOut, b[:])
		w.drained = b[0] == flux.Terminator
	}
	a.index.SetDelay(0)
	a.respond(a.fluxStatus)
	a.setState(StateCommandWait)
	a.rearmIdle()
}
