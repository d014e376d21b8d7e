package usb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/keirf/greaseweazle-sub000/usb"
	"github.com/keirf/greaseweazle-sub000/usbip"
)

// workerQueue bounds URBs queued per endpoint before the reader blocks.
const workerQueue = 32

type urb struct {
	seq    uint32
	ep     uint8
	dir    uint32
	length int
	out    []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// urbStream serves one imported device. EP0 is handled inline by the
// reader; every other endpoint gets a worker so that a pending IN does
// not hold up OUT traffic. URBs on one endpoint complete in order.
type urbStream struct {
	conn net.Conn
	dev  usb.Device
	log  *slog.Logger

	wmu sync.Mutex

	mu       sync.Mutex
	inflight map[uint32]*urb
	workers  map[uint32]chan *urb
	wg       sync.WaitGroup

	config uint8
}

func newURBStream(conn net.Conn, dev usb.Device, logger *slog.Logger) *urbStream {
	return &urbStream{
		conn:     conn,
		dev:      dev,
		log:      logger,
		inflight: make(map[uint32]*urb),
		workers:  make(map[uint32]chan *urb),
	}
}

// run reads URBs until the connection ends or devCtx is cancelled.
func (st *urbStream) run(devCtx context.Context) error {
	ctx, cancel := context.WithCancel(devCtx)
	stop := context.AfterFunc(ctx, func() { _ = st.conn.Close() })
	defer func() {
		stop()
		cancel()
		st.mu.Lock()
		for _, ch := range st.workers {
			close(ch)
		}
		st.workers = nil
		st.mu.Unlock()
		st.wg.Wait()
		if d, ok := st.dev.(usb.Disconnecter); ok {
			d.Disconnect()
		}
	}()

	for {
		msg, err := usbip.ReadURB(st.conn)
		if err != nil {
			if devCtx.Err() != nil {
				st.log.Info("Device removed, closing URB stream")
				return nil
			}
			return fmt.Errorf("read URB header: %w", err)
		}
		switch m := msg.(type) {
		case *usbip.CmdSubmit:
			if err := st.submit(ctx, m); err != nil {
				return err
			}
		case *usbip.CmdUnlink:
			if err := st.unlink(m); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: unexpected %T from client", usbip.ErrHeader, msg)
		}
	}
}

func (st *urbStream) submit(ctx context.Context, m *usbip.CmdSubmit) error {
	var out []byte
	if m.Basic.Dir == usbip.DirOut && m.TransferBufferLen > 0 {
		out = make([]byte, m.TransferBufferLen)
		if _, err := io.ReadFull(st.conn, out); err != nil {
			return fmt.Errorf("read OUT payload: %w", err)
		}
	}

	if m.Basic.Ep == 0 {
		setup := usb.ParseSetup(m.Setup)
		data, err := st.control(setup, out)
		status := usbip.StatusOK
		if err != nil {
			st.log.Debug("Control request stalled", "type", setup.RequestType, "req", setup.Request, "value", setup.Value)
			status = usbip.EPIPE
		}
		return st.reply(m.Basic.Seqnum, m.Basic.Dir, status, data, len(out))
	}

	u := &urb{
		seq:    m.Basic.Seqnum,
		ep:     uint8(m.Basic.Ep & 0x0F),
		dir:    m.Basic.Dir,
		length: int(m.TransferBufferLen),
		out:    out,
	}
	u.ctx, u.cancel = context.WithCancel(ctx)

	st.mu.Lock()
	st.inflight[u.seq] = u
	ch := st.worker(u.ep, u.dir)
	st.mu.Unlock()

	select {
	case ch <- u:
		return nil
	case <-ctx.Done():
		u.cancel()
		return nil
	}
}

// worker returns the queue for an endpoint, starting it on first use.
// Called with mu held.
func (st *urbStream) worker(ep uint8, dir uint32) chan *urb {
	key := uint32(ep)<<1 | dir
	if ch, ok := st.workers[key]; ok {
		return ch
	}
	ch := make(chan *urb, workerQueue)
	st.workers[key] = ch
	st.wg.Add(1)
	go func() {
		defer st.wg.Done()
		for u := range ch {
			data, err := st.dev.HandleTransfer(u.ctx, u.ep, u.dir, u.out, u.length)
			st.complete(u, data, err)
		}
	}()
	return ch
}

func (st *urbStream) complete(u *urb, data []byte, err error) {
	st.mu.Lock()
	_, live := st.inflight[u.seq]
	delete(st.inflight, u.seq)
	st.mu.Unlock()
	u.cancel()
	if !live {
		// Unlinked; the host has already been answered.
		return
	}
	status := usbip.StatusOK
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		status = usbip.ESHUTDOWN
	default:
		st.log.Warn("Transfer failed", "ep", u.ep, "dir", u.dir, "error", err)
		status = usbip.EPIPE
	}
	if werr := st.reply(u.seq, u.dir, status, data, len(u.out)); werr != nil {
		st.log.Debug("Reply dropped", "seq", u.seq, "error", werr)
	}
}

func (st *urbStream) unlink(m *usbip.CmdUnlink) error {
	st.mu.Lock()
	u, ok := st.inflight[m.UnlinkSeqnum]
	delete(st.inflight, m.UnlinkSeqnum)
	st.mu.Unlock()

	status := usbip.StatusOK
	if ok {
		u.cancel()
		status = usbip.ECONNRESET
	}
	st.log.Debug("USBIP_CMD_UNLINK", "seq", m.Basic.Seqnum, "unlink", m.UnlinkSeqnum, "pending", ok)
	ret := usbip.RetUnlink{
		Basic:  usbip.HeaderBasic{Command: usbip.RetUnlinkCode, Seqnum: m.Basic.Seqnum},
		Status: status,
	}
	return st.write(ret.Bytes())
}

// reply sends RET_SUBMIT. IN data follows the header; OUT transfers
// report outLen as their actual length.
func (st *urbStream) reply(seq, dir uint32, status int32, data []byte, outLen int) error {
	actual := len(data)
	if dir == usbip.DirOut {
		actual, data = outLen, nil
	}
	if status != usbip.StatusOK {
		actual, data = 0, nil
	}
	ret := usbip.RetSubmit{
		Basic:        usbip.HeaderBasic{Command: usbip.RetSubmitCode, Seqnum: seq},
		Status:       status,
		ActualLength: uint32(actual),
	}
	return st.write(append(ret.Bytes(), data...))
}

func (st *urbStream) write(b []byte) error {
	st.wmu.Lock()
	defer st.wmu.Unlock()
	if _, err := st.conn.Write(b); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}
