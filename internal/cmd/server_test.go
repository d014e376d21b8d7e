package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/internal/server/api"
	"github.com/keirf/greaseweazle-sub000/internal/server/api/auth"
	"github.com/keirf/greaseweazle-sub000/internal/server/usb"
)

func testServer(t *testing.T) Server {
	return Server{
		UsbServerConfig:   usb.ServerConfig{Addr: "127.0.0.1:0", BusID: 1},
		ApiServerConfig:   api.ServerConfig{Addr: "127.0.0.1:0"},
		Board:             "f1",
		KeyFile:           filepath.Join(t.TempDir(), "gwsim.key.txt"),
		ConnectionTimeout: time.Second,
	}
}

func TestStartServerStopsWithContext(t *testing.T) {
	s := testServer(t)
	s.Empty = true
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	assert.NoError(t, s.StartServer(ctx, slog.New(slog.DiscardHandler), nil))
}

func TestStartServerRejectsBadInput(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	s := testServer(t)
	s.Board = "z80"
	assert.Error(t, s.StartServer(context.Background(), logger, nil))

	s = testServer(t)
	s.Drive = filepath.Join(t.TempDir(), "missing.yaml")
	assert.Error(t, s.StartServer(context.Background(), logger, nil))

	s = testServer(t)
	s.ApiServerConfig.Addr = ""
	assert.Error(t, s.StartServer(context.Background(), logger, nil))
}

func TestResolveBoardFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "slow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`name: slow
hwModel: 1
mcuMHz: 72
mcuSRAMKB: 20
sampleFreq: 36000000
counterBits: 16
sampleRingSize: 512
byteRingSize: 8192
usbPacketSize: 64
maxCylinder: 85
`), 0o644))

	b, err := resolveBoard(path)
	require.NoError(t, err)
	assert.Equal(t, "slow", b.Name)

	b, err = resolveBoard("at32f4")
	require.NoError(t, err)
	assert.Equal(t, uint(32), b.CounterBits)
}

func TestLoadPasswordCreatesKeyFile(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	path := filepath.Join(t.TempDir(), "nested", "gwsim.key.txt")

	s := Server{KeyFile: path}
	require.NoError(t, s.loadPassword(logger))
	assert.Len(t, s.ApiServerConfig.Password, auth.AutoGenKeyLength)
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, s.ApiServerConfig.Password, string(b))

	again := Server{KeyFile: path}
	require.NoError(t, again.loadPassword(logger))
	assert.Equal(t, s.ApiServerConfig.Password, again.ApiServerConfig.Password)
}

func TestLoadPasswordFromFile(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	path := filepath.Join(t.TempDir(), "gwsim.key.txt")
	require.NoError(t, os.WriteFile(path, []byte("  hunter2\n"), 0o600))

	s := Server{KeyFile: path}
	require.NoError(t, s.loadPassword(logger))
	assert.Equal(t, "hunter2", s.ApiServerConfig.Password)

	s = Server{KeyFile: path, ApiServerConfig: api.ServerConfig{Password: "explicit"}}
	require.NoError(t, s.loadPassword(logger))
	assert.Equal(t, "explicit", s.ApiServerConfig.Password)

	require.NoError(t, os.WriteFile(path, []byte("\n"), 0o600))
	s = Server{KeyFile: path}
	assert.ErrorContains(t, s.loadPassword(logger), "is empty")
}
