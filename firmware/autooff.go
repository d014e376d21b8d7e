package firmware

// idleTimer is the auto-off deadline. It is re-armed whenever a command
// completes and, on expiry, releases motors and selects whatever the state
// machine is doing.
type idleTimer struct {
	deadline uint32
	armed    bool
}

func (a *Adapter[T]) rearmIdle() {
	a.idle.deadline = a.port.Now() + a.board.MSToTicks(uint32(a.delays.WatchdogMS))
	a.idle.armed = true
}

func (a *Adapter[T]) checkIdle() {
	if !a.idle.armed || !after(a.port.Now(), a.idle.deadline) {
		return
	}
	a.idle.armed = false
	if a.unit == noUnit && !a.anyMotor() {
		return
	}
	a.log.Info("Auto-off: releasing drive lines", "idle_ms", a.delays.WatchdogMS)
	a.driveOff()
}

func (a *Adapter[T]) anyMotor() bool {
	for _, d := range a.drives {
		if d.motor {
			return true
		}
	}
	return false
}

const canaryWord = 0x5a5aa5a5

// canary stands in for the guard words a C stack would carry below its
// deepest frame. Poll checks it on every iteration.
type canary [4]uint32

func (c *canary) set() {
	for i := range c {
		c[i] = canaryWord
	}
}

func (c *canary) intact() bool {
	for _, w := range c {
		if w != canaryWord {
			return false
		}
	}
	return true
}
