// Package usb implements the USB-IP server exporting virtual devices.
package usb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/keirf/greaseweazle-sub000/internal/log"
	"github.com/keirf/greaseweazle-sub000/usbip"
	"github.com/keirf/greaseweazle-sub000/virtualbus"
)

type Server struct {
	config    *ServerConfig
	logger    *slog.Logger
	rawLogger log.RawLogger
	busses    map[uint32]*virtualbus.VirtualBus
	busesMu   sync.Mutex
	ready     chan struct{}
	readyOnce sync.Once
	lnMu      sync.Mutex
	ln        net.Listener
	conns     sync.WaitGroup
}

func New(config ServerConfig, logger *slog.Logger, rawLogger log.RawLogger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if rawLogger == nil {
		rawLogger = log.NewRaw(nil)
	}
	return &Server{
		config:    &config,
		logger:    logger,
		rawLogger: rawLogger,
		busses:    make(map[uint32]*virtualbus.VirtualBus),
		ready:     make(chan struct{}),
	}
}

// AddBus registers a bus with the server. If the bus number is already present,
// an error is returned.
func (s *Server) AddBus(bus *virtualbus.VirtualBus) error {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	if bus == nil {
		return fmt.Errorf("bus is nil")
	}
	if _, ok := s.busses[bus.BusID()]; ok {
		return fmt.Errorf("bus %d already registered", bus.BusID())
	}
	s.busses[bus.BusID()] = bus
	return nil
}

// RemoveBus unregisters a bus and closes it, ending any import of its
// devices.
func (s *Server) RemoveBus(busID uint32) error {
	s.busesMu.Lock()
	bus, ok := s.busses[busID]
	delete(s.busses, busID)
	s.busesMu.Unlock()
	if !ok {
		return fmt.Errorf("bus %d not found", busID)
	}
	if n := len(bus.Devices()); n > 0 {
		s.logger.Warn("Removing non-empty bus", "bus", busID, "devices", n)
	}
	return bus.Close()
}

// ListBuses returns a snapshot of active bus numbers.
func (s *Server) ListBuses() []uint32 {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	out := make([]uint32, 0, len(s.busses))
	for k := range s.busses {
		out = append(out, k)
	}
	return out
}

// GetBus returns a bus by ID or nil if not present.
func (s *Server) GetBus(busID uint32) *virtualbus.VirtualBus {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	return s.busses[busID]
}

// ListenAndServe starts the USB-IP server and handles incoming connections.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		return err
	}
	s.lnMu.Lock()
	s.ln = ln
	s.lnMu.Unlock()
	s.readyOnce.Do(func() { close(s.ready) })
	s.logger.Info("USBIP server listening", "addr", ln.Addr().String())
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.logger.Info("USBIP server stopped")
				s.conns.Wait()
				return nil
			}
			s.logger.Error("Accept error", "error", err)
			continue
		}
		s.logger.Info("Client connected", "remote", c.RemoteAddr())
		s.conns.Add(1)
		go func() {
			defer s.conns.Done()
			if err := s.handleConn(c); err != nil {
				if isClientDisconnect(err) {
					s.logger.Info("Client disconnected", "error", err)
				} else {
					s.logger.Error("Connection handler error", "error", err)
				}
			}
		}()
	}
}

// Ready returns a channel that is closed once the server has successfully bound
// to its listen address and is ready to accept connections.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address, or nil before Ready.
func (s *Server) Addr() net.Addr {
	s.lnMu.Lock()
	defer s.lnMu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Close stops accepting connections and removes every bus, which ends
// all imports.
func (s *Server) Close() error {
	s.lnMu.Lock()
	ln := s.ln
	s.lnMu.Unlock()
	var err error
	if ln != nil {
		err = ln.Close()
	}
	for _, id := range s.ListBuses() {
		_ = s.RemoveBus(id)
	}
	return err
}

// GetListenPort extracts and returns the port number from the server's listen address.
func (s *Server) GetListenPort() uint16 {
	addr := s.config.Addr
	if a := s.Addr(); a != nil {
		addr = a.String()
	}
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return 0
	}
	return uint16(port)
}

// --

func (s *Server) handleConn(conn net.Conn) error {
	defer conn.Close()
	conn = &logConn{Conn: conn, raw: s.rawLogger}
	if s.config.ConnectionTimeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(s.config.ConnectionTimeout)); err != nil {
			s.logger.Warn("Failed to set deadline", "error", err)
		}
	}

	hdr, err := usbip.ReadMgmtHeader(conn)
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	if hdr.Version != usbip.Version {
		return fmt.Errorf("%w: version %#04x", usbip.ErrHeader, hdr.Version)
	}

	switch hdr.Command {
	case usbip.OpReqDevlist:
		s.logger.Debug("OP_REQ_DEVLIST")
		return s.handleDevList(conn)
	case usbip.OpReqImport:
		s.logger.Debug("OP_REQ_IMPORT")
		return s.handleImport(conn)
	}
	return fmt.Errorf("protocol violation: unexpected op %#04x", hdr.Command)
}

func exportRecord(dm virtualbus.DeviceMeta) usbip.ExportedDevice {
	desc := dm.Dev.GetDescriptor()
	exp := usbip.ExportedDevice{
		ExportMeta:          dm.Meta,
		Speed:               desc.Device.Speed,
		IDVendor:            desc.Device.IDVendor,
		IDProduct:           desc.Device.IDProduct,
		BcdDevice:           desc.Device.BcdDevice,
		BDeviceClass:        desc.Device.BDeviceClass,
		BDeviceSubClass:     desc.Device.BDeviceSubClass,
		BDeviceProtocol:     desc.Device.BDeviceProtocol,
		BConfigurationValue: configValue,
		BNumConfigurations:  desc.Device.BNumConfigurations,
		BNumInterfaces:      uint8(len(desc.Interfaces)),
	}
	for _, iface := range desc.Interfaces {
		exp.Interfaces = append(exp.Interfaces, usbip.InterfaceDesc{
			Class:    iface.Descriptor.BInterfaceClass,
			SubClass: iface.Descriptor.BInterfaceSubClass,
			Protocol: iface.Descriptor.BInterfaceProtocol,
		})
	}
	return exp
}

func (s *Server) allDevices() []virtualbus.DeviceMeta {
	s.busesMu.Lock()
	defer s.busesMu.Unlock()
	var out []virtualbus.DeviceMeta
	for _, b := range s.busses {
		out = append(out, b.Devices()...)
	}
	return out
}

func (s *Server) handleDevList(conn net.Conn) error {
	devs := s.allDevices()
	var buf []byte
	buf = appendMgmt(buf, usbip.OpRepDevlist, 0)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(devs)))
	for _, dm := range devs {
		exp := exportRecord(dm)
		buf = exp.AppendDevlist(buf)
	}
	if _, err := conn.Write(buf); err != nil {
		return fmt.Errorf("write devlist: %w", err)
	}
	return nil
}

func appendMgmt(b []byte, code uint16, status uint32) []byte {
	return usbip.MgmtHeader{Version: usbip.Version, Command: code, Status: status}.AppendTo(b)
}

func (s *Server) handleImport(conn net.Conn) error {
	var id [usbip.BusIDSize]byte
	if _, err := io.ReadFull(conn, id[:]); err != nil {
		return fmt.Errorf("read import busid: %w", err)
	}
	busid := strings.TrimRight(string(id[:]), "\x00")
	s.logger.Info("Import request", "busid", busid)

	dm, devCtx, release, err := s.attach(busid)
	if err != nil {
		s.logger.Warn("Import refused", "busid", busid, "error", err)
		_, werr := conn.Write(appendMgmt(nil, usbip.OpRepImport, 1))
		return errors.Join(fmt.Errorf("import %s: %w", busid, err), werr)
	}
	defer release()

	exp := exportRecord(dm)
	reply := exp.AppendImport(appendMgmt(nil, usbip.OpRepImport, 0))
	if _, err := conn.Write(reply); err != nil {
		return fmt.Errorf("write import reply: %w", err)
	}
	_ = conn.SetDeadline(time.Time{})

	st := newURBStream(conn, dm.Dev, s.logger.With("busid", busid))
	return st.run(devCtx)
}

func (s *Server) attach(busid string) (virtualbus.DeviceMeta, context.Context, func(), error) {
	s.busesMu.Lock()
	busses := make([]*virtualbus.VirtualBus, 0, len(s.busses))
	for _, b := range s.busses {
		busses = append(busses, b)
	}
	s.busesMu.Unlock()
	for _, b := range busses {
		dm, ctx, release, err := b.Attach(busid)
		if errors.Is(err, virtualbus.ErrNotFound) {
			continue
		}
		return dm, ctx, release, err
	}
	return virtualbus.DeviceMeta{}, nil, nil, fmt.Errorf("no device matches busid %s", busid)
}

type logConn struct {
	net.Conn
	raw log.RawLogger
}

func (lc *logConn) Read(p []byte) (int, error) {
	n, err := lc.Conn.Read(p)
	if n > 0 {
		lc.raw.Log(false, p[:n])
	}
	return n, err
}

func (lc *logConn) Write(p []byte) (int, error) {
	n, err := lc.Conn.Write(p)
	if n > 0 {
		lc.raw.Log(true, p[:n])
	}
	return n, err
}

// isClientDisconnect tests whether an error represents a normal client
// disconnect (EOF, ECONNRESET, broken pipe, or the Windows WSAECONNRESET
// translated error). We treat those as normal client disconnects and log
// them at Info level instead of Error.
func isClientDisconnect(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	e := strings.ToLower(err.Error())
	return strings.Contains(e, "connection reset by peer") || strings.Contains(e, "forcibly closed")
}
