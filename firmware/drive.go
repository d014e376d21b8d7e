package firmware

type unitState struct {
	cyl      int
	cylValid bool
	motor    bool
}

const maxRecalSteps = 256

// selectPin returns the drive select line for unit on the current bus.
func (a *Adapter[T]) selectPin(unit int) Pin {
	if a.bus == BusIBMPC {
		return [...]Pin{PinSel2, PinSel1}[unit]
	}
	return [...]Pin{PinSel0, PinSel1, PinSel2}[unit]
}

// motorPin returns the motor line for unit. Shugart drives share one.
func (a *Adapter[T]) motorPin(unit int) Pin {
	if a.bus == BusIBMPC {
		return [...]Pin{PinSel0, PinMotor}[unit]
	}
	return PinMotor
}

func (a *Adapter[T]) checkUnit(unit int) Ack {
	if a.bus == BusNone {
		return AckNoBus
	}
	if unit < 0 || unit >= a.bus.Units() {
		return AckBadUnit
	}
	return AckOkay
}

func (a *Adapter[T]) selectUnit(unit int) Ack {
	if ack := a.checkUnit(unit); ack != AckOkay {
		return ack
	}
	if a.unit == unit {
		return AckOkay
	}
	if a.unit != noUnit {
		a.port.WritePin(a.selectPin(a.unit), false)
	}
	a.port.WritePin(a.selectPin(unit), true)
	a.unit = unit
	a.port.Delay(a.board.USToTicks(uint32(a.delays.SelectUS)))
	return AckOkay
}

func (a *Adapter[T]) deselect() {
	if a.unit == noUnit {
		return
	}
	a.port.WritePin(a.selectPin(a.unit), false)
	a.unit = noUnit
}

func (a *Adapter[T]) motor(unit int, on bool) Ack {
	if ack := a.checkUnit(unit); ack != AckOkay {
		return ack
	}
	if a.drives[unit].motor == on {
		return AckOkay
	}
	a.port.WritePin(a.motorPin(unit), on)
	if a.bus == BusShugart {
		for i := range a.drives {
			a.drives[i].motor = on
		}
	} else {
		a.drives[unit].motor = on
	}
	if on {
		a.port.Delay(a.board.MSToTicks(uint32(a.delays.MotorMS)))
	}
	return AckOkay
}

// driveOff releases every select and motor line.
func (a *Adapter[T]) driveOff() {
	a.deselect()
	if a.bus == BusNone {
		return
	}
	for u := 0; u < a.bus.Units(); u++ {
		if a.drives[u].motor {
			a.port.WritePin(a.motorPin(u), false)
			a.drives[u].motor = false
		}
	}
}

func (a *Adapter[T]) step(inward bool) {
	a.port.WritePin(PinDir, inward)
	a.port.WritePin(PinStep, true)
	a.port.Delay(a.board.USToTicks(1))
	a.port.WritePin(PinStep, false)
	a.port.Delay(a.board.USToTicks(uint32(a.delays.StepUS)))
}

// seek moves the selected drive's heads, recalibrating against TRK0 first
// when the current cylinder is unknown.
func (a *Adapter[T]) seek(cyl int) Ack {
	if a.unit == noUnit {
		return AckNoUnit
	}
	if cyl < 0 || cyl > a.board.MaxCylinder {
		return AckBadCylinder
	}
	d := &a.drives[a.unit]
	if !d.cylValid {
		n := 0
		for !a.port.ReadPin(PinTrk0) {
			if n == maxRecalSteps {
				return AckNoTrk0
			}
			a.step(false)
			n++
		}
		d.cyl, d.cylValid = 0, true
	}
	if d.cyl == cyl {
		return AckOkay
	}
	for d.cyl != cyl {
		if cyl > d.cyl {
			a.step(true)
			d.cyl++
		} else {
			a.step(false)
			d.cyl--
		}
	}
	a.port.Delay(a.board.MSToTicks(uint32(a.delays.SettleMS)))
	return AckOkay
}
