package testing

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/keirf/greaseweazle-sub000/usb"
	"github.com/keirf/greaseweazle-sub000/usbip"
)

type TestUsbIpClient struct {
	address string
}

// Reply is one RET_SUBMIT or RET_UNLINK.
type Reply struct {
	Seq    uint32
	Unlink bool
	Status int32
	Actual uint32
	Data   []byte
}

// Err converts a non-zero status into an error.
func (r Reply) Err() error {
	if r.Status == usbip.StatusOK {
		return nil
	}
	return fmt.Errorf("urb %d: status %d", r.Seq, r.Status)
}

// Session is an imported device.
type Session struct {
	Conn     net.Conn
	Exported usbip.ExportedDevice
	Timeout  time.Duration

	mu    sync.Mutex
	seq   uint32
	dirs  map[uint32]uint32
	stash []Reply
}

func NewUsbIpClient(t *testing.T, addr string) *TestUsbIpClient {
	t.Helper()
	return &TestUsbIpClient{address: addr}
}

func (c *TestUsbIpClient) ListDevices() ([]usbip.ExportedDevice, error) {
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if _, err := conn.Write(usbip.DevlistRequest()); err != nil {
		return nil, err
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return nil, err
	}
	if hdr.Version != usbip.Version || hdr.Command != usbip.OpRepDevlist {
		return nil, fmt.Errorf("unexpected reply %x/%x", hdr.Version, hdr.Command)
	}
	return usbip.ReadDevlistReply(conn)
}

// Attach imports busID. The session's connection is closed with t.
func (c *TestUsbIpClient) Attach(t *testing.T, busID string) (*Session, error) {
	t.Helper()
	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(usbip.ImportRequest(busID)); err != nil {
		conn.Close()
		return nil, err
	}
	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if hdr.Command != usbip.OpRepImport {
		conn.Close()
		return nil, fmt.Errorf("unexpected reply command %x", hdr.Command)
	}
	if hdr.Status != 0 {
		conn.Close()
		return nil, fmt.Errorf("import %s refused: status %d", busID, hdr.Status)
	}
	exp, err := usbip.ReadImportReply(conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	t.Cleanup(func() { _ = conn.Close() })
	return &Session{Conn: conn, Exported: exp, Timeout: 5 * time.Second, dirs: make(map[uint32]uint32)}, nil
}

// Submit sends CMD_SUBMIT without waiting and returns its sequence number.
// length is the IN buffer size; for OUT it is taken from out.
func (s *Session) Submit(ep uint8, dir uint32, out []byte, length int, setup [8]byte) (uint32, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.dirs[seq] = dir
	s.mu.Unlock()

	if dir == usbip.DirOut {
		length = len(out)
	}
	cmd := usbip.CmdSubmit{
		Basic:             usbip.HeaderBasic{Command: usbip.CmdSubmitCode, Seqnum: seq, Dir: dir, Ep: uint32(ep)},
		TransferBufferLen: uint32(length),
		Setup:             setup,
	}
	b := cmd.Bytes()
	if dir == usbip.DirOut {
		b = append(b, out...)
	}
	_, err := s.Conn.Write(b)
	return seq, err
}

// Unlink sends CMD_UNLINK for seq and returns the unlink's own sequence
// number.
func (s *Session) Unlink(target uint32) (uint32, error) {
	s.mu.Lock()
	s.seq++
	seq := s.seq
	s.mu.Unlock()
	cmd := usbip.CmdUnlink{
		Basic:        usbip.HeaderBasic{Command: usbip.CmdUnlinkCode, Seqnum: seq},
		UnlinkSeqnum: target,
	}
	_, err := s.Conn.Write(cmd.Bytes())
	return seq, err
}

// Next reads the next reply, whichever URB it answers.
func (s *Session) Next() (Reply, error) {
	_ = s.Conn.SetReadDeadline(time.Now().Add(s.Timeout))
	defer s.Conn.SetReadDeadline(time.Time{})
	msg, err := usbip.ReadURB(s.Conn)
	if err != nil {
		return Reply{}, err
	}
	switch m := msg.(type) {
	case *usbip.RetSubmit:
		r := Reply{Seq: m.Basic.Seqnum, Status: m.Status, Actual: m.ActualLength}
		s.mu.Lock()
		dir := s.dirs[r.Seq]
		delete(s.dirs, r.Seq)
		s.mu.Unlock()
		if dir == usbip.DirIn && r.Actual > 0 {
			r.Data = make([]byte, r.Actual)
			if _, err := io.ReadFull(s.Conn, r.Data); err != nil {
				return r, err
			}
		}
		return r, nil
	case *usbip.RetUnlink:
		return Reply{Seq: m.Basic.Seqnum, Unlink: true, Status: m.Status}, nil
	}
	return Reply{}, fmt.Errorf("unexpected %T", msg)
}

// Wait returns the reply for seq. Replies to other URBs read on the way
// are kept for later Wait calls.
func (s *Session) Wait(seq uint32) (Reply, error) {
	for i, r := range s.stash {
		if r.Seq == seq {
			s.stash = append(s.stash[:i], s.stash[i+1:]...)
			return r, nil
		}
	}
	for {
		r, err := s.Next()
		if err != nil || r.Seq == seq {
			return r, err
		}
		s.stash = append(s.stash, r)
	}
}

// Control runs a control transfer on EP0.
func (s *Session) Control(setup usb.Setup, out []byte) ([]byte, error) {
	dir := uint32(usbip.DirOut)
	if setup.In() {
		dir = usbip.DirIn
	}
	seq, err := s.Submit(0, dir, out, int(setup.Length), setup.Bytes())
	if err != nil {
		return nil, err
	}
	r, err := s.Wait(seq)
	if err != nil {
		return nil, err
	}
	return r.Data, r.Err()
}

// BulkOut sends data on ep and waits for completion.
func (s *Session) BulkOut(ep uint8, data []byte) error {
	seq, err := s.Submit(ep, usbip.DirOut, data, 0, [8]byte{})
	if err != nil {
		return err
	}
	r, err := s.Wait(seq)
	if err != nil {
		return err
	}
	if err := r.Err(); err != nil {
		return err
	}
	if int(r.Actual) != len(data) {
		return errors.New("short OUT transfer")
	}
	return nil
}

// BulkIn reads one transfer of at most max bytes from ep.
func (s *Session) BulkIn(ep uint8, max int) ([]byte, error) {
	seq, err := s.Submit(ep, usbip.DirIn, nil, max, [8]byte{})
	if err != nil {
		return nil, err
	}
	r, err := s.Wait(seq)
	if err != nil {
		return nil, err
	}
	return r.Data, r.Err()
}
