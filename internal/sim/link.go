package sim

import (
	"context"
	"sync"

	"github.com/keirf/greaseweazle-sub000/firmware"
)

// Link is the adapter's bulk endpoint pair as packet queues. The device
// side implements firmware.Transport; the host side moves whole transfers.
type Link struct {
	mu    sync.Mutex
	mps   int
	maxIn int

	out    [][]byte // host to device
	outOff int
	in     [][]byte // device to host
	wake   chan struct{}

	// Tap, when set, sees every packet. in is true for device-to-host.
	Tap func(in bool, data []byte)
}

var _ firmware.Transport = (*Link)(nil)

// NewLink returns a link with the given max packet size. At most maxIn
// device-to-host packets are buffered before TxReady reports false.
func NewLink(mps, maxIn int) *Link {
	return &Link{mps: mps, maxIn: maxIn, wake: make(chan struct{})}
}

// MaxPacket returns the endpoint packet size.
func (l *Link) MaxPacket() int { return l.mps }

// notify wakes blocked host calls. Called with mu held.
func (l *Link) notify() {
	close(l.wake)
	l.wake = make(chan struct{})
}

func (l *Link) RxReady(ep uint8) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep != firmware.EPOut || len(l.out) == 0 {
		return 0, false
	}
	return len(l.out[0]) - l.outOff, true
}

func (l *Link) Read(ep uint8, p []byte) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ep != firmware.EPOut || len(l.out) == 0 {
		return 0
	}
	n := copy(p, l.out[0][l.outOff:])
	l.outOff += n
	if l.outOff == len(l.out[0]) {
		l.out[0] = nil
		l.out = l.out[1:]
		l.outOff = 0
		l.notify()
	}
	return n
}

func (l *Link) TxReady(ep uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return ep == firmware.EPIn && len(l.in) < l.maxIn
}

func (l *Link) Write(ep uint8, p []byte) {
	if ep != firmware.EPIn {
		return
	}
	pkt := append([]byte(nil), p...)
	l.mu.Lock()
	l.in = append(l.in, pkt)
	tap := l.Tap
	l.notify()
	l.mu.Unlock()
	if tap != nil {
		tap(true, pkt)
	}
}

// Send queues a host-to-device transfer, split into packets. An empty
// transfer is sent as a single zero-length packet.
func (l *Link) Send(data []byte) {
	orig := data
	l.mu.Lock()
	tap := l.Tap
	if len(data) == 0 {
		l.out = append(l.out, []byte{})
	}
	for len(data) > 0 {
		n := min(len(data), l.mps)
		l.out = append(l.out, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	l.notify()
	l.mu.Unlock()
	if tap != nil {
		tap(false, orig)
	}
}

// Backlog returns the number of host-to-device packets not yet read.
func (l *Link) Backlog() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.out)
}

// WaitBacklog blocks until at most n host-to-device packets are queued.
func (l *Link) WaitBacklog(ctx context.Context, n int) error {
	for {
		l.mu.Lock()
		if len(l.out) <= n {
			l.mu.Unlock()
			return nil
		}
		wake := l.wake
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wake:
		}
	}
}

// Collect appends queued device-to-host packets to acc until a short
// packet ends the transfer or acc holds max bytes. It reports whether the
// transfer is complete. A packet that would overrun max is split.
func (l *Link) Collect(acc []byte, max int) ([]byte, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for len(l.in) > 0 && len(acc) < max {
		pkt := l.in[0]
		room := max - len(acc)
		if len(pkt) > room {
			acc = append(acc, pkt[:room]...)
			l.in[0] = pkt[room:]
			return acc, true
		}
		acc = append(acc, pkt...)
		l.in[0] = nil
		l.in = l.in[1:]
		l.notify()
		if len(pkt) < l.mps {
			return acc, true
		}
	}
	return acc, len(acc) >= max
}

// Receive blocks until a device-to-host transfer of at most max bytes
// completes. On cancellation the bytes gathered so far are returned with
// the context's error.
func (l *Link) Receive(ctx context.Context, max int) ([]byte, error) {
	return l.ReceiveAppend(ctx, nil, max)
}

// ReceiveAppend is Receive continuing a transfer already holding acc.
func (l *Link) ReceiveAppend(ctx context.Context, acc []byte, max int) ([]byte, error) {
	for {
		l.mu.Lock()
		wake := l.wake
		l.mu.Unlock()

		var done bool
		if acc, done = l.Collect(acc, max); done {
			return acc, nil
		}
		select {
		case <-ctx.Done():
			return acc, ctx.Err()
		case <-wake:
		}
	}
}

// Reset drops everything in flight in both directions.
func (l *Link) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out, l.in, l.outOff = nil, nil, 0
	l.notify()
}
