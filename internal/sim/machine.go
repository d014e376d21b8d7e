package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/ring"
)

const (
	quantumUS  = 20
	txQueue    = 16
	maxLagWall = 100 * time.Millisecond
	minSleep   = 2 * time.Millisecond
)

// Status is a point-in-time view of the simulated adapter and drive.
type Status struct {
	Board        string
	CounterBits  uint
	State        firmware.State
	FluxStatus   firmware.Ack
	Cylinder     int
	Head         int
	DiskPresent  bool
	WriteProtect bool
	Spinning     bool
	Elapsed      time.Duration
	Resets       int
}

// Runner is a machine of either counter width.
type Runner interface {
	Run(ctx context.Context) error
	Step(d time.Duration)
	Link() *Link
	Configure()
	Disconnect()
	Status() Status
	InsertDisk(formatted, writeProtect bool)
	EjectDisk()
}

// NewRunner builds a machine whose counter width follows the board.
func NewRunner(board *firmware.Board, dc DriveConfig, logger *slog.Logger) (Runner, error) {
	if board.CounterBits == 16 {
		return NewMachine[uint16](board, dc, logger)
	}
	return NewMachine[uint32](board, dc, logger)
}

// Machine couples the firmware to simulated hardware, a drive and a link.
type Machine[T ring.Counter] struct {
	mu      sync.Mutex
	log     *slog.Logger
	board   *firmware.Board
	hw      *Hardware[T]
	drive   *Drive
	link    *Link
	fw      *firmware.Adapter[T]
	quantum uint64
}

// NewMachine wires a firmware instance to fresh simulated hardware.
func NewMachine[T ring.Counter](board *firmware.Board, dc DriveConfig, logger *slog.Logger) (*Machine[T], error) {
	if logger == nil {
		logger = slog.Default()
	}
	drive := NewDrive(dc, board.SampleFreq)
	hw := NewHardware[T](drive)
	link := NewLink(board.USBPacketSize, txQueue)
	fw, err := firmware.New[T](board, hw, link, logger)
	if err != nil {
		return nil, fmt.Errorf("create firmware: %w", err)
	}
	return &Machine[T]{
		log:     logger,
		board:   board,
		hw:      hw,
		drive:   drive,
		link:    link,
		fw:      fw,
		quantum: uint64(board.USToTicks(quantumUS)),
	}, nil
}

// Link returns the USB link.
func (m *Machine[T]) Link() *Link { return m.link }

// Drive returns the drive model. Use Do when the machine may be running.
func (m *Machine[T]) Drive() *Drive { return m.drive }

// Hardware returns the timing port.
func (m *Machine[T]) Hardware() *Hardware[T] { return m.hw }

// Adapter returns the firmware instance.
func (m *Machine[T]) Adapter() *firmware.Adapter[T] { return m.fw }

func (m *Machine[T]) ticks(d time.Duration) uint64 {
	return uint64(d.Nanoseconds()) * uint64(m.board.SampleFreq) / uint64(time.Second)
}

func tickDuration(t uint64, freq uint32) time.Duration {
	f := uint64(freq)
	return time.Duration(t/f)*time.Second + time.Duration(t%f*uint64(time.Second)/f)
}

// Configure reports USB configuration to the firmware.
func (m *Machine[T]) Configure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fw.Configure()
}

// Disconnect resets the link and the firmware state machine.
func (m *Machine[T]) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.link.Reset()
	m.fw.Reset()
}

// Do runs fn with the machine stopped between iterations.
func (m *Machine[T]) Do(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *Machine[T]) iterate(limit uint64) {
	m.fw.Poll()
	m.hw.Advance(min(m.quantum, limit))
}

// Step runs the main loop for d of virtual time.
func (m *Machine[T]) Step(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	target := m.hw.Elapsed() + m.ticks(d)
	for m.hw.Elapsed() < target {
		m.iterate(target - m.hw.Elapsed())
	}
}

// Run drives the main loop until ctx ends, keeping virtual time in step
// with the wall clock.
func (m *Machine[T]) Run(ctx context.Context) error {
	m.log.Info("Simulated adapter running", "board", m.board.Name, "counter_bits", m.board.CounterBits)
	start, base := time.Now(), m.elapsed()
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		m.mu.Lock()
		m.iterate(m.quantum)
		v := m.hw.Elapsed()
		m.mu.Unlock()

		virt := tickDuration(v-base, m.board.SampleFreq)
		wall := time.Since(start)
		switch ahead := virt - wall; {
		case ahead > minSleep:
			time.Sleep(ahead)
		case -ahead > maxLagWall:
			m.log.Debug("Simulation lagging wall clock", "lag", -ahead)
			start, base = time.Now(), v
		}
	}
}

func (m *Machine[T]) elapsed() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hw.Elapsed()
}

// Status returns a snapshot of adapter and drive state.
func (m *Machine[T]) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		Board:        m.board.Name,
		CounterBits:  m.board.CounterBits,
		State:        m.fw.State(),
		FluxStatus:   m.fw.FluxStatus(),
		Cylinder:     m.drive.Cylinder(),
		Head:         m.drive.Head(),
		DiskPresent:  m.drive.Present(),
		WriteProtect: m.drive.WriteProtected(),
		Spinning:     m.drive.Spinning(),
		Elapsed:      tickDuration(m.hw.Elapsed(), m.board.SampleFreq),
		Resets:       m.fw.Resets(),
	}
}

// InsertDisk loads a disk into the drive.
func (m *Machine[T]) InsertDisk(formatted, writeProtect bool) {
	m.Do(func() { m.drive.Insert(formatted, writeProtect) })
}

// EjectDisk removes the disk.
func (m *Machine[T]) EjectDisk() {
	m.Do(m.drive.Eject)
}
