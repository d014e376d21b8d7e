package sim

import (
	"errors"
	"fmt"
	"time"

	"github.com/keirf/greaseweazle-sub000/firmware"
)

// ErrTimeout is returned when the device does not answer within the host's
// virtual-time budget.
var ErrTimeout = errors.New("timed out waiting for device")

// Stepper is a machine the host can clock.
type Stepper interface {
	Step(d time.Duration)
	Link() *Link
}

// Host plays the USB host against a stepped machine: every wait advances
// virtual time instead of blocking.
type Host struct {
	m       Stepper
	Quantum time.Duration
	Timeout time.Duration
}

// NewHost returns a host with a 100µs polling quantum and a 5s timeout.
func NewHost(m Stepper) *Host {
	return &Host{m: m, Quantum: 100 * time.Microsecond, Timeout: 5 * time.Second}
}

// Send queues a host-to-device transfer.
func (h *Host) Send(data []byte) { h.m.Link().Send(data) }

// Receive steps the machine until a device-to-host transfer of at most max
// bytes completes.
func (h *Host) Receive(max int) ([]byte, error) {
	var (
		acc  []byte
		done bool
	)
	for waited := time.Duration(0); waited <= h.Timeout; waited += h.Quantum {
		if acc, done = h.m.Link().Collect(acc, max); done {
			return acc, nil
		}
		h.m.Step(h.Quantum)
	}
	return acc, ErrTimeout
}

// Command sends a command frame and returns the status and payload.
func (h *Host) Command(cmd []byte) (firmware.Ack, []byte, error) {
	h.Send(cmd)
	resp, err := h.Receive(4096)
	if err != nil {
		return 0, nil, fmt.Errorf("%s: %w", firmware.Cmd(cmd[0]), err)
	}
	if len(resp) == 0 {
		return 0, nil, fmt.Errorf("%s: empty response", firmware.Cmd(cmd[0]))
	}
	return firmware.Ack(resp[0]), resp[1:], nil
}

// Do sends a command with the given payload and converts a failing status
// into its error.
func (h *Host) Do(c firmware.Cmd, payload ...byte) ([]byte, error) {
	cmd := append([]byte{byte(c), byte(2 + len(payload))}, payload...)
	ack, resp, err := h.Command(cmd)
	if err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return resp, fmt.Errorf("%s: %w", c, err)
	}
	return resp, nil
}

// ReadFlux runs READ_FLUX and returns the raw stream including its
// terminator.
func (h *Host) ReadFlux(args firmware.ReadFluxArgs) ([]byte, error) {
	ack, _, err := h.Command(args.Command())
	if err != nil {
		return nil, err
	}
	if err := ack.Err(); err != nil {
		return nil, fmt.Errorf("READ_FLUX: %w", err)
	}
	var stream []byte
	for len(stream) == 0 || stream[len(stream)-1] != 0 {
		chunk, err := h.Receive(64 * 1024)
		if err != nil {
			return stream, fmt.Errorf("READ_FLUX stream: %w", err)
		}
		stream = append(stream, chunk...)
	}
	return stream, nil
}

// WriteFlux runs WRITE_FLUX with the given stream and returns the final
// status byte.
func (h *Host) WriteFlux(args firmware.WriteFluxArgs, stream []byte) (firmware.Ack, error) {
	ack, _, err := h.Command(args.Command())
	if err != nil {
		return 0, err
	}
	if ack != firmware.AckOkay {
		return ack, nil
	}
	h.Send(stream)
	resp, err := h.Receive(1)
	if err != nil {
		return 0, fmt.Errorf("WRITE_FLUX status: %w", err)
	}
	return firmware.Ack(resp[0]), nil
}
