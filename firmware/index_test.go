package firmware_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/firmware"
)

type fakeClock struct {
	now     uint32
	masked  int
	timerAt uint32
	timerFn func()
	armed   bool
}

func (c *fakeClock) Now() uint32 { return c.now }
func (c *fakeClock) DisableIRQ() { c.masked++ }
func (c *fakeClock) EnableIRQ() { c.masked-- }
func (c *fakeClock) CancelTimer() { c.armed = false }
func (c *fakeClock) ArmTimer(at uint32, fn func()) {
	c.timerAt, c.timerFn, c.armed = at, fn, true
}

func (c *fakeClock) fire() {
	if c.armed {
		c.armed = false
		c.now = c.timerAt
		c.timerFn()
	}
}

func TestIndexImmediate(t *testing.T) {
	clk := &fakeClock{}
	x := firmware.NewIndexTracker(clk)
	x.Pulse(100)
	x.Pulse(7_200_100)
	stamp, count := x.Snapshot()
	assert.Equal(t, uint32(7_200_100), stamp)
	assert.Equal(t, uint32(2), count)
	assert.Zero(t, clk.masked)
}

func TestIndexMask(t *testing.T) {
	x := firmware.NewIndexTracker(&fakeClock{})
	x.SetMask(50)
	x.Pulse(1000)
	x.Pulse(1020)
	x.Pulse(1060)
	stamp, count := x.Snapshot()
	assert.Equal(t, uint32(1060), stamp)
	assert.Equal(t, uint32(2), count)
}

func TestIndexDelayed(t *testing.T) {
	clk := &fakeClock{}
	x := firmware.NewIndexTracker(clk)
	x.SetDelay(300)
	x.Pulse(1000)

	_, count := x.Snapshot()
	assert.Zero(t, count)
	require.True(t, clk.armed)
	assert.Equal(t, uint32(1300), clk.timerAt)

	clk.fire()
	stamp, count := x.Snapshot()
	assert.Equal(t, uint32(1000), stamp)
	assert.Equal(t, uint32(1), count)
}

func TestIndexResetDropsPending(t *testing.T) {
	clk := &fakeClock{}
	x := firmware.NewIndexTracker(clk)
	x.Pulse(10)
	x.SetDelay(300)
	x.Pulse(5000)
	x.Reset()
	assert.False(t, clk.armed)
	stamp, count := x.Snapshot()
	assert.Zero(t, stamp)
	assert.Zero(t, count)

	x.SetDelay(0)
	assert.Zero(t, x.Delay())
	x.Pulse(9000)
	stamp, count = x.Snapshot()
	assert.Equal(t, uint32(9000), stamp)
	assert.Equal(t, uint32(1), count)
}

func TestIndexMaskSpansReset(t *testing.T) {
	x := firmware.NewIndexTracker(&fakeClock{})
	x.SetMask(50)
	x.Pulse(1000)
	x.Reset()
	x.Pulse(1020)
	stamp, count := x.Snapshot()
	assert.Zero(t, stamp)
	assert.Zero(t, count)

	x.Pulse(1100)
	stamp, count = x.Snapshot()
	assert.Equal(t, uint32(1100), stamp)
	assert.Equal(t, uint32(1), count)
}
