package sim

import (
	"slices"
	"sort"

	"github.com/keirf/greaseweazle-sub000/firmware"
)

// DriveConfig describes the simulated drive and the disk in it.
type DriveConfig struct {
	Bus          firmware.BusType `yaml:"bus" toml:"bus"`
	Unit         int              `yaml:"unit" toml:"unit"`
	RPM          int              `yaml:"rpm" toml:"rpm"`
	Cylinders    int              `yaml:"cylinders" toml:"cylinders"`
	Heads        int              `yaml:"heads" toml:"heads"`
	StartCyl     int              `yaml:"startCyl" toml:"startCyl"`
	IntervalNS   uint32           `yaml:"intervalNS" toml:"intervalNS"`
	IndexPulseUS uint32           `yaml:"indexPulseUS" toml:"indexPulseUS"`
	WriteProtect bool             `yaml:"writeProtect" toml:"writeProtect"`
	Empty        bool             `yaml:"empty" toml:"empty"`
}

// DefaultDriveConfig is a 300 RPM double-sided 80-track drive on an IBM PC
// bus as unit 0, holding a disk whose every track is a constant 4µs flux
// pattern.
var DefaultDriveConfig = DriveConfig{
	Bus:          firmware.BusIBMPC,
	Unit:         0,
	RPM:          300,
	Cylinders:    80,
	Heads:        2,
	IntervalNS:   4000,
	IndexPulseUS: 2000,
}

type trackKey struct{ cyl, head int }

// track holds flux offsets within one revolution. A regular track has an
// edge every interval ticks and is materialised on first write.
type track struct {
	interval uint32
	offs     []uint32
}

func (t *track) next(pos, period uint32) (uint32, bool) {
	if t.interval != 0 {
		o := (pos/t.interval + 1) * t.interval
		return o, o < period
	}
	i := sort.Search(len(t.offs), func(i int) bool { return t.offs[i] > pos })
	if i == len(t.offs) {
		return 0, false
	}
	return t.offs[i], true
}

func (t *track) first(period uint32) (uint32, bool) {
	if t.interval != 0 {
		return t.interval, t.interval < period
	}
	if len(t.offs) == 0 {
		return 0, false
	}
	return t.offs[0], true
}

func (t *track) materialise(period uint32) {
	if t.interval == 0 {
		return
	}
	t.offs = make([]uint32, 0, period/t.interval)
	for o := t.interval; o < period; o += t.interval {
		t.offs = append(t.offs, o)
	}
	t.interval = 0
}

// Drive is the floppy drive model seen through the bus pins.
type Drive struct {
	cfg    DriveConfig
	freq   uint32
	period uint64
	pulse  uint64

	pins    map[firmware.Pin]bool
	present bool
	wrprot  bool
	cyl     int
	head    int
	tracks  map[trackKey]*track

	gate      bool
	gateStart uint64
	written   []uint64
	steps     int
}

// NewDrive builds a drive clocked at the board's sample frequency.
func NewDrive(cfg DriveConfig, sampleFreq uint32) *Drive {
	if cfg.RPM == 0 {
		cfg.RPM = DefaultDriveConfig.RPM
	}
	if cfg.Cylinders == 0 {
		cfg.Cylinders = DefaultDriveConfig.Cylinders
	}
	if cfg.Heads == 0 {
		cfg.Heads = DefaultDriveConfig.Heads
	}
	if cfg.IndexPulseUS == 0 {
		cfg.IndexPulseUS = DefaultDriveConfig.IndexPulseUS
	}
	d := &Drive{
		cfg:     cfg,
		freq:    sampleFreq,
		period:  uint64(sampleFreq) * 60 / uint64(cfg.RPM),
		pulse:   uint64(sampleFreq) / 1_000_000 * uint64(cfg.IndexPulseUS),
		pins:    make(map[firmware.Pin]bool),
		present: !cfg.Empty,
		wrprot:  cfg.WriteProtect,
		cyl:     cfg.StartCyl,
		tracks:  make(map[trackKey]*track),
	}
	return d
}

// Period returns the revolution time in ticks.
func (d *Drive) Period() uint64 { return d.period }

// Cylinder returns the head position.
func (d *Drive) Cylinder() int { return d.cyl }

// Head returns the selected side.
func (d *Drive) Head() int { return d.head }

// Steps returns the number of step pulses seen.
func (d *Drive) Steps() int { return d.steps }

// Present reports whether a disk is inserted.
func (d *Drive) Present() bool { return d.present }

// WriteProtected reports the disk's write-protect tab.
func (d *Drive) WriteProtected() bool { return d.wrprot }

// Insert loads a disk. Unformatted disks have no flux at all.
func (d *Drive) Insert(formatted, writeProtect bool) {
	d.present = true
	d.wrprot = writeProtect
	d.tracks = make(map[trackKey]*track)
	if !formatted {
		for c := 0; c < d.cfg.Cylinders; c++ {
			for h := 0; h < d.cfg.Heads; h++ {
				d.tracks[trackKey{c, h}] = &track{}
			}
		}
	}
}

// Eject removes the disk.
func (d *Drive) Eject() {
	d.present = false
	d.gate = false
}

// SetWriteProtect moves the write-protect tab.
func (d *Drive) SetWriteProtect(on bool) { d.wrprot = on }

// SetTrack replaces a track's flux with the given offsets, in ticks from
// the index, which must lie within one revolution.
func (d *Drive) SetTrack(cyl, head int, offs []uint32) {
	t := &track{offs: slices.Clone(offs)}
	slices.Sort(t.offs)
	d.tracks[trackKey{cyl, head}] = t
}

// Track returns a copy of a track's flux offsets.
func (d *Drive) Track(cyl, head int) []uint32 {
	t := d.track(cyl, head)
	if t == nil {
		return nil
	}
	if t.interval != 0 {
		c := *t
		c.materialise(uint32(d.period))
		return c.offs
	}
	return slices.Clone(t.offs)
}

func (d *Drive) track(cyl, head int) *track {
	if cyl < 0 || cyl >= d.cfg.Cylinders || head >= d.cfg.Heads {
		return nil
	}
	k := trackKey{cyl, head}
	if t, ok := d.tracks[k]; ok {
		return t
	}
	if d.cfg.IntervalNS == 0 {
		return nil
	}
	t := &track{interval: uint32(uint64(d.cfg.IntervalNS) * uint64(d.freq) / 1_000_000_000)}
	d.tracks[k] = t
	return t
}

func (d *Drive) selected() bool {
	switch d.cfg.Bus {
	case firmware.BusIBMPC:
		return d.pins[[...]firmware.Pin{firmware.PinSel2, firmware.PinSel1}[d.cfg.Unit&1]]
	case firmware.BusShugart:
		return d.pins[[...]firmware.Pin{firmware.PinSel0, firmware.PinSel1, firmware.PinSel2}[d.cfg.Unit%3]]
	}
	return false
}

func (d *Drive) motorOn() bool {
	if d.cfg.Bus == firmware.BusIBMPC {
		return d.pins[[...]firmware.Pin{firmware.PinSel0, firmware.PinMotor}[d.cfg.Unit&1]]
	}
	return d.pins[firmware.PinMotor]
}

// Spinning reports whether the disk is rotating.
func (d *Drive) Spinning() bool { return d.present && d.motorOn() }

func (d *Drive) indexVisible() bool { return d.selected() && d.Spinning() }

func (d *Drive) fluxVisible() bool { return d.indexVisible() && !d.gate }

func (d *Drive) nextIndex(after uint64) uint64 {
	return (after/d.period + 1) * d.period
}

func (d *Drive) nextEdge(after uint64) (uint64, bool) {
	t := d.track(d.cyl, d.head)
	if t == nil {
		return 0, false
	}
	period := uint32(d.period)
	pos := after % d.period
	base := after - pos
	if o, ok := t.next(uint32(pos), period); ok {
		return base + uint64(o), true
	}
	if o, ok := t.first(period); ok {
		return base + d.period + uint64(o), true
	}
	return 0, false
}

func (d *Drive) input(p firmware.Pin, now uint64) bool {
	if !d.selected() {
		return false
	}
	switch p {
	case firmware.PinTrk0:
		return d.cyl == 0
	case firmware.PinWrProt:
		return !d.present || d.wrprot
	case firmware.PinReady:
		return d.Spinning()
	case firmware.PinIndex:
		return d.Spinning() && now%d.period < d.pulse
	}
	return false
}

func (d *Drive) setPin(p firmware.Pin, level bool, now uint64) {
	prev := d.pins[p]
	d.pins[p] = level
	switch p {
	case firmware.PinStep:
		if level && !prev && d.selected() {
			d.steps++
			if d.pins[firmware.PinDir] {
				d.cyl = min(d.cyl+1, d.cfg.Cylinders+2)
			} else {
				d.cyl = max(d.cyl-1, 0)
			}
		}
	case firmware.PinSide:
		d.head = 0
		if level {
			d.head = 1
		}
	case firmware.PinWGate:
		switch {
		case level && !prev && d.selected() && d.Spinning() && !d.wrprot:
			d.gate = true
			d.gateStart = now
			d.written = d.written[:0]
		case !level && d.gate:
			d.commit(now)
		}
	}
}

func (d *Drive) writePulse(at uint64) {
	if d.gate {
		d.written = append(d.written, at)
	}
}

// commit replaces the flux under the write window with what was written.
func (d *Drive) commit(end uint64) {
	d.gate = false
	t := d.track(d.cyl, d.head)
	if t == nil {
		if d.cyl < 0 || d.cyl >= d.cfg.Cylinders || d.head >= d.cfg.Heads {
			return
		}
		t = &track{}
		d.tracks[trackKey{d.cyl, d.head}] = t
	}
	period := uint32(d.period)
	t.materialise(period)

	if end-d.gateStart >= d.period {
		t.offs = t.offs[:0]
	} else {
		s, e := uint32(d.gateStart%d.period), uint32(end%d.period)
		t.offs = slices.DeleteFunc(t.offs, func(o uint32) bool {
			if s <= e {
				return o >= s && o < e
			}
			return o >= s || o < e
		})
	}
	for _, w := range d.written {
		t.offs = append(t.offs, uint32(w%d.period))
	}
	slices.Sort(t.offs)
	t.offs = slices.Compact(t.offs)
}
