// Package flux implements the variable-length byte encoding used to carry
// flux-transition timings between the adapter and the host.
//
// Stream layout:
//
//	0x00              terminator
//	0x01..0xF9        one-byte tick (1..249)
//	0xFA..0xFE, b     two-byte tick: (x-249)*250 + (b-1)  (250..1499)
//	0xFF, n0..n3      five-byte tick, 28 bits, 7 per byte, bit0 set
//	0xFF, op, n0..n3  opcode with 28-bit operand (op is 1, 2 or 3)
package flux

import "errors"

// Opcodes following a leading 0xFF byte.
const (
	OpIndex   = 1 // index mark, operand is ticks since the previous index
	OpSpace   = 2 // silence, operand is added to the next tick
	OpAstable = 3 // astable period request, write streams only
)

const (
	// Terminator ends every stream.
	Terminator = 0x00

	// MaxTick is the largest value a single 28-bit field can hold.
	MaxTick = 1<<28 - 1

	oneByteMax = 249
	twoByteMax = 1499
	escape     = 0xFF
)

// Event kinds produced by the decoder.
type Kind uint8

const (
	KindTick Kind = iota
	KindIndex
	KindAstable
	KindSpace // silence left pending when the stream ends
	KindEnd
)

func (k Kind) String() string {
	switch k {
	case KindTick:
		return "tick"
	case KindIndex:
		return "index"
	case KindAstable:
		return "astable"
	case KindSpace:
		return "space"
	case KindEnd:
		return "end"
	default:
		return "unknown"
	}
}

// Event is one decoded stream element.
type Event struct {
	Kind  Kind
	Ticks uint32
}

// ErrUnterminated is returned by Decode when the input ends before a
// terminator byte.
var ErrUnterminated = errors.New("flux stream not terminated")

// MaxEncodedLen bounds the output of a single AppendTick for values up to
// MaxTick.
const MaxEncodedLen = 7

// EncodedLen returns the number of bytes AppendTick emits for t.
func EncodedLen(t uint32) int {
	switch {
	case t == 0:
		return 0
	case t <= oneByteMax:
		return 1
	case t <= twoByteMax:
		return 2
	case t <= MaxTick && direct28(t):
		return 5
	default:
		n := 1
		for rem := t - oneByteMax; rem > 0; rem -= min(rem, MaxTick) {
			n += 6
		}
		return n
	}
}

// direct28 reports whether t can use the five-byte form without its first
// data byte colliding with an opcode value.
func direct28(t uint32) bool {
	b0 := byte(1 | t<<1)
	return b0 != OpIndex && b0 != OpAstable
}

// AppendTick appends the encoding of t to dst. Zero emits nothing.
func AppendTick(dst []byte, t uint32) []byte {
	switch {
	case t == 0:
		return dst
	case t <= oneByteMax:
		return append(dst, byte(t))
	case t <= twoByteMax:
		return append(dst, byte(oneByteMax+t/250), byte(1+t%250))
	case t <= MaxTick && direct28(t):
		dst = append(dst, escape)
		return append28(dst, t)
	}
	// Long or colliding value: spaces carry everything but a final 249.
	for rem := t - oneByteMax; rem > 0; {
		n := min(rem, MaxTick)
		dst = AppendSpace(dst, n)
		rem -= n
	}
	return append(dst, oneByteMax)
}

// AppendIndex appends an index mark carrying the ticks elapsed since the
// previous index mark.
func AppendIndex(dst []byte, sinceLast uint32) []byte {
	return appendOp(dst, OpIndex, sinceLast)
}

// AppendSpace appends a space opcode.
func AppendSpace(dst []byte, t uint32) []byte {
	return appendOp(dst, OpSpace, t)
}

// AppendAstable appends an astable opcode.
func AppendAstable(dst []byte, period uint32) []byte {
	return appendOp(dst, OpAstable, period)
}

func appendOp(dst []byte, op byte, v uint32) []byte {
	dst = append(dst, escape, op)
	return append28(dst, v&MaxTick)
}

func append28(dst []byte, v uint32) []byte {
	return append(dst,
		byte(1|v<<1),
		byte(1|v>>6),
		byte(1|v>>13),
		byte(1|v>>20))
}

func read28(b0, b1, b2, b3 byte) uint32 {
	return uint32(b0>>1) | uint32(b1&0xFE)<<6 | uint32(b2&0xFE)<<13 | uint32(b3&0xFE)<<20
}

// Encode encodes a complete event sequence and appends a terminator.
// Events of KindEnd are ignored; the terminator is always written last.
func Encode(events []Event) []byte {
	out := make([]byte, 0, len(events)+1)
	for _, ev := range events {
		switch ev.Kind {
		case KindTick:
			out = AppendTick(out, ev.Ticks)
		case KindIndex:
			out = AppendIndex(out, ev.Ticks)
		case KindAstable:
			out = AppendAstable(out, ev.Ticks)
		case KindSpace:
			out = AppendSpace(out, ev.Ticks)
		}
	}
	return append(out, Terminator)
}

// Decode decodes a complete stream up to and including the first
// terminator. Bytes after the terminator are ignored.
func Decode(stream []byte) ([]Event, error) {
	var (
		d   Decoder
		src = Slice(stream)
		out []Event
	)
	for {
		ev, ok := d.Next(&src)
		if !ok {
			return out, ErrUnterminated
		}
		if ev.Kind == KindEnd {
			return out, nil
		}
		out = append(out, ev)
	}
}
