package flux

// Source is a window over bytes committed by a producer. Peek must only be
// called with i < Len(). Discard releases bytes back to the producer.
type Source interface {
	Len() int
	Peek(i int) byte
	Discard(n int)
}

// Decoder turns a byte stream into events. It never consumes a partially
// available sequence: Next reports false and leaves the source untouched
// until the rest of the sequence has been committed. Space opcodes are
// carried across calls and folded into the next tick; space still pending
// at the terminator is reported as one KindSpace event before KindEnd.
type Decoder struct {
	space uint32
	ended bool
}

// Reset clears carried state.
func (d *Decoder) Reset() { *d = Decoder{} }

// Ended reports whether a terminator has been consumed.
func (d *Decoder) Ended() bool { return d.ended }

// Pending returns accumulated space ticks not yet attached to a tick.
func (d *Decoder) Pending() uint32 { return d.space }

// Next decodes one event from src. It returns false when src holds only an
// incomplete sequence (or nothing). After a terminator every call returns
// KindEnd without touching src.
func (d *Decoder) Next(src Source) (Event, bool) {
	for {
		if d.ended {
			return Event{Kind: KindEnd}, true
		}
		avail := src.Len()
		if avail == 0 {
			return Event{}, false
		}
		x := src.Peek(0)
		switch {
		case x == Terminator:
			if d.space != 0 {
				ev := Event{Kind: KindSpace, Ticks: d.space}
				d.space = 0
				return ev, true
			}
			src.Discard(1)
			d.ended = true
			return Event{Kind: KindEnd}, true

		case x <= oneByteMax:
			src.Discard(1)
			return d.tick(uint32(x)), true

		case x < escape:
			if avail < 2 {
				return Event{}, false
			}
			t := uint32(x-oneByteMax)*250 + uint32(src.Peek(1)) - 1
			src.Discard(2)
			return d.tick(t), true
		}

		if avail < 2 {
			return Event{}, false
		}
		op := src.Peek(1)
		if op&1 == 0 || op == OpIndex || op == OpAstable {
			if avail < 6 {
				return Event{}, false
			}
			v := read28(src.Peek(2), src.Peek(3), src.Peek(4), src.Peek(5))
			src.Discard(6)
			switch op {
			case OpIndex:
				return Event{Kind: KindIndex, Ticks: v}, true
			case OpSpace:
				d.space += v
			case OpAstable:
				return Event{Kind: KindAstable, Ticks: v}, true
			}
			// Unknown opcodes are skipped.
			continue
		}
		if avail < 5 {
			return Event{}, false
		}
		t := read28(op, src.Peek(2), src.Peek(3), src.Peek(4))
		src.Discard(5)
		return d.tick(t), true
	}
}

func (d *Decoder) tick(t uint32) Event {
	t += d.space
	d.space = 0
	return Event{Kind: KindTick, Ticks: t}
}

// SliceSource adapts a byte slice to Source.
type SliceSource []byte

// Slice returns a SliceSource over b.
func Slice(b []byte) SliceSource { return SliceSource(b) }

func (s *SliceSource) Len() int        { return len(*s) }
func (s *SliceSource) Peek(i int) byte { return (*s)[i] }
func (s *SliceSource) Discard(n int)   { *s = (*s)[n:] }
