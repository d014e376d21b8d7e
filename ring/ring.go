// Package ring provides the two circular buffers of the flux pipeline: a
// byte ring staging encoded flux between the sample bridge and USB, and a
// sample ring shared with a DMA engine.
//
// Both use free-running uint32 cursors and power-of-two sizes so that
// distances survive wrap-around: 0 ≤ prod-cons ≤ size at all times.
package ring

import (
	"errors"
	"sync/atomic"
)

var (
	// ErrOverflow is returned when a producer would run a full ring ahead
	// of its consumer.
	ErrOverflow = errors.New("ring overflow")

	// ErrUnderflow is returned when a consumer would pass its producer.
	ErrUnderflow = errors.New("ring underflow")
)

func checkSize(size int) {
	if size < 2 || size&(size-1) != 0 {
		panic("ring: size must be power of two >= 2")
	}
}

// Bytes is a single-producer single-consumer byte ring. The producer
// writes data before advancing prod; the consumer reads prod before
// touching data.
type Bytes struct {
	buf  []byte
	mask uint32
	prod atomic.Uint32
	cons atomic.Uint32
}

// NewBytes returns a ring of the given power-of-two size.
func NewBytes(size int) *Bytes {
	checkSize(size)
	return &Bytes{buf: make([]byte, size), mask: uint32(size - 1)}
}

// Reset empties the ring. Only safe while neither side is active.
func (r *Bytes) Reset() {
	r.prod.Store(0)
	r.cons.Store(0)
}

// Cap returns the ring size in bytes.
func (r *Bytes) Cap() int { return len(r.buf) }

// Len returns bytes available to the consumer.
func (r *Bytes) Len() int { return int(r.prod.Load() - r.cons.Load()) }

// Free returns bytes available to the producer.
func (r *Bytes) Free() int { return len(r.buf) - r.Len() }

// Write copies as much of p as fits and returns the count.
func (r *Bytes) Write(p []byte) int {
	prod := r.prod.Load()
	n := min(len(p), len(r.buf)-int(prod-r.cons.Load()))
	for i := 0; i < n; i++ {
		r.buf[(prod+uint32(i))&r.mask] = p[i]
	}
	r.prod.Store(prod + uint32(n))
	return n
}

// WriteByte appends one byte. It fails with ErrOverflow when full.
func (r *Bytes) WriteByte(c byte) error {
	prod := r.prod.Load()
	if prod-r.cons.Load() >= uint32(len(r.buf)) {
		return ErrOverflow
	}
	r.buf[prod&r.mask] = c
	r.prod.Store(prod + 1)
	return nil
}

// Read copies up to len(p) bytes out of the ring.
func (r *Bytes) Read(p []byte) int {
	cons := r.cons.Load()
	n := min(len(p), int(r.prod.Load()-cons))
	for i := 0; i < n; i++ {
		p[i] = r.buf[(cons+uint32(i))&r.mask]
	}
	r.cons.Store(cons + uint32(n))
	return n
}

// Peek returns the i'th unread byte. i must be below Len.
func (r *Bytes) Peek(i int) byte {
	return r.buf[(r.cons.Load()+uint32(i))&r.mask]
}

// Discard drops n unread bytes.
func (r *Bytes) Discard(n int) {
	r.cons.Add(uint32(n))
}

// Counter is the raw hardware timer width carried by a sample ring.
type Counter interface {
	~uint16 | ~uint32
}

// Bits returns the width of T in bits.
func Bits[T Counter]() uint {
	if uint32(^T(0)) == 0xFFFF {
		return 16
	}
	return 32
}

// Samples is a ring of raw counter values shared with a DMA engine. The
// hardware side is described by an absolute position the caller derives
// from the DMA remaining count and completed laps; software keeps its own
// absolute cursor. The Publish methods enforce the distance invariant.
type Samples[T Counter] struct {
	buf  []T
	mask uint32
	hw   atomic.Uint32
	sw   atomic.Uint32
}

// NewSamples returns a sample ring of the given power-of-two size.
func NewSamples[T Counter](size int) *Samples[T] {
	checkSize(size)
	return &Samples[T]{buf: make([]T, size), mask: uint32(size - 1)}
}

// Buf exposes the backing array for DMA.
func (r *Samples[T]) Buf() []T { return r.buf }

// Size returns the number of slots.
func (r *Samples[T]) Size() int { return len(r.buf) }

// Reset rewinds both cursors to zero.
func (r *Samples[T]) Reset() {
	r.hw.Store(0)
	r.sw.Store(0)
}

// Position converts an absolute cursor into an index in Buf.
func (r *Samples[T]) Position(abs uint32) int { return int(abs & r.mask) }

// Hardware returns the last published hardware cursor.
func (r *Samples[T]) Hardware() uint32 { return r.hw.Load() }

// Software returns the software cursor.
func (r *Samples[T]) Software() uint32 { return r.sw.Load() }

// PublishCapture records the DMA producer position on the capture path.
// It fails with ErrOverflow once hardware is more than one ring ahead of
// software: unread samples have been overwritten.
func (r *Samples[T]) PublishCapture(abs uint32) error {
	r.hw.Store(abs)
	if abs-r.sw.Load() > uint32(len(r.buf)) {
		return ErrOverflow
	}
	return nil
}

// PublishGenerate records the DMA consumer position on the generate path.
// It fails with ErrUnderflow once hardware has consumed past the software
// producer: stale slots have been replayed.
func (r *Samples[T]) PublishGenerate(abs uint32) error {
	r.hw.Store(abs)
	if int32(r.sw.Load()-abs) < 0 {
		return ErrUnderflow
	}
	return nil
}

// Pending returns the distance between producer and consumer in the
// current direction: unread captures, or queued reloads not yet consumed.
func (r *Samples[T]) Pending(capture bool) uint32 {
	if capture {
		return r.hw.Load() - r.sw.Load()
	}
	return r.sw.Load() - r.hw.Load()
}

// Next returns the sample at the software cursor and advances it. Only
// valid on the capture path with Pending(true) > 0.
func (r *Samples[T]) Next() T {
	sw := r.sw.Load()
	v := r.buf[sw&r.mask]
	r.sw.Store(sw + 1)
	return v
}

// Free returns the number of slots software may fill on the generate path
// without overwriting entries the hardware has yet to consume.
func (r *Samples[T]) Free() int {
	return len(r.buf) - int(r.sw.Load()-r.hw.Load())
}

// Put stores a reload value at the software cursor and then publishes it.
// It fails with ErrOverflow when the ring is full.
func (r *Samples[T]) Put(v T) error {
	sw := r.sw.Load()
	if sw-r.hw.Load() >= uint32(len(r.buf)) {
		return ErrOverflow
	}
	r.buf[sw&r.mask] = v
	r.sw.Store(sw + 1)
	return nil
}
