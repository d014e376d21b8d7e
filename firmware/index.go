package firmware

import "sync/atomic"

// irqClock is the subset of TimingPort the index tracker depends on.
type irqClock interface {
	Now() uint32
	DisableIRQ()
	EnableIRQ()
	ArmTimer(at uint32, fn func())
	CancelTimer()
}

// IndexTracker counts index pulses. With a zero delay the pulse interrupt
// bumps the counter directly; otherwise it arms a one-shot timer and the
// counter moves when the timer expires. Pulses closer together than the
// mask window are ignored.
//
// The (stamp, count) pair is written from interrupt context and read by the
// main loop only through Snapshot.
type IndexTracker struct {
	port irqClock

	delay atomic.Uint32
	mask  atomic.Uint32

	stamp   atomic.Uint32 // time of the last counted pulse
	count   atomic.Uint32
	pending atomic.Uint32 // pulse time awaiting timer expiry
	armed   atomic.Bool
	last    atomic.Uint32 // time of the last accepted pulse, for masking
	seen    atomic.Bool
}

// NewIndexTracker returns a tracker in immediate mode.
func NewIndexTracker(port irqClock) *IndexTracker {
	return &IndexTracker{port: port}
}

// SetDelay selects immediate (0) or delayed mode.
func (x *IndexTracker) SetDelay(ticks uint32) {
	x.port.DisableIRQ()
	x.delay.Store(ticks)
	if ticks == 0 && x.armed.Load() {
		x.port.CancelTimer()
		x.armed.Store(false)
	}
	x.port.EnableIRQ()
}

// Delay returns the configured delay in ticks.
func (x *IndexTracker) Delay() uint32 { return x.delay.Load() }

// SetMask sets the debounce window in ticks.
func (x *IndexTracker) SetMask(ticks uint32) { x.mask.Store(ticks) }

// Pulse is the index interrupt handler.
func (x *IndexTracker) Pulse(at uint32) {
	if x.seen.Load() && at-x.last.Load() < x.mask.Load() {
		return
	}
	x.last.Store(at)
	x.seen.Store(true)

	d := x.delay.Load()
	if d == 0 {
		x.publish(at)
		return
	}
	x.pending.Store(at)
	x.armed.Store(true)
	x.port.ArmTimer(at+d, x.expire)
}

func (x *IndexTracker) expire() {
	if !x.armed.Load() {
		return
	}
	x.armed.Store(false)
	x.publish(x.pending.Load())
}

func (x *IndexTracker) publish(at uint32) {
	x.stamp.Store(at)
	x.count.Add(1)
}

// Snapshot returns the last counted pulse time and the pulse count as one
// consistent pair.
func (x *IndexTracker) Snapshot() (stamp, count uint32) {
	x.port.DisableIRQ()
	stamp, count = x.stamp.Load(), x.count.Load()
	x.port.EnableIRQ()
	return stamp, count
}

// Reset zeroes the counter and stamp and drops any pulse awaiting its
// delay. The mask window keeps running across a reset so a bounce of the
// previous pulse is still ignored.
func (x *IndexTracker) Reset() {
	x.port.DisableIRQ()
	x.stamp.Store(0)
	x.count.Store(0)
	x.pending.Store(0)
	if x.armed.Load() {
		x.port.CancelTimer()
		x.armed.Store(false)
	}
	x.port.EnableIRQ()
}
