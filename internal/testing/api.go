package testing

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"

	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/internal/server/api"
	"github.com/keirf/greaseweazle-sub000/internal/server/usb"
	"github.com/keirf/greaseweazle-sub000/internal/sim"
)

// StartAPIServer starts an API server on a free port and calls register to allow
// the caller to register the handlers needed for the test. The servers are
// closed with t.
func StartAPIServer(t *testing.T, register func(r *api.Router, s *usb.Server)) (addr string, srv *usb.Server) {
	t.Helper()
	return StartAPIServerWithConfig(t, api.ServerConfig{}, register)
}

// StartAPIServerWithConfig is StartAPIServer with an explicit API configuration.
func StartAPIServerWithConfig(t *testing.T, cfg api.ServerConfig, register func(r *api.Router, s *usb.Server)) (addr string, srv *usb.Server) {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	srv = usb.New(usb.ServerConfig{Addr: "127.0.0.1:0"}, logger, nil)

	apiSrv := api.New("127.0.0.1:0", cfg, logger)
	if register != nil {
		register(apiSrv.Router(), srv)
	}
	if err := apiSrv.Start(); err != nil {
		t.Fatalf("api start failed: %v", err)
	}
	t.Cleanup(func() {
		apiSrv.Close()
		_ = srv.Close()
	})
	return apiSrv.Addr().String(), srv
}

// NewRunner builds an idle machine for the named built-in board.
func NewRunner(t *testing.T, board string) sim.Runner {
	t.Helper()
	b, err := firmware.ResolveBoard(board)
	if err != nil {
		t.Fatalf("resolve board: %v", err)
	}
	r, err := sim.NewRunner(b, sim.DefaultDriveConfig, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("create machine: %v", err)
	}
	return r
}

// ExecCmd dials the API server, sends cmd and reads the full response.
// The command should not include a trailing newline. Returns the response
// without the trailing newline.
func ExecCmd(t *testing.T, addr string, cmd string) string {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer c.Close()

	_, _ = fmt.Fprintf(c, "%s\x00", cmd)

	r := bufio.NewReader(c)
	line, err := r.ReadString('\n')
	if err != nil && err != io.EOF {
		t.Fatalf("read failed: %v", err)
	}
	return strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
}
