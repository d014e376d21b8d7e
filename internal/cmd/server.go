package cmd

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/keirf/greaseweazle-sub000/device/fluxadapter"
	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/internal/configpaths"
	"github.com/keirf/greaseweazle-sub000/internal/log"
	"github.com/keirf/greaseweazle-sub000/internal/server/api"
	"github.com/keirf/greaseweazle-sub000/internal/server/api/auth"
	"github.com/keirf/greaseweazle-sub000/internal/server/api/handler"
	"github.com/keirf/greaseweazle-sub000/internal/server/usb"
	"github.com/keirf/greaseweazle-sub000/internal/sim"
	"github.com/keirf/greaseweazle-sub000/virtualbus"
)

const (
	// linkDumpBytes bounds the hex dump of a link packet in trace logs.
	linkDumpBytes = 32
	keyFileName   = "gwsim.key.txt"
)

type Server struct {
	UsbServerConfig   usb.ServerConfig `embed:"" prefix:"usb."`
	ApiServerConfig   api.ServerConfig `embed:"" prefix:"api."`
	Board             string           `help:"Built-in board name (f1, f7, at32f4) or board description file" default:"f7" env:"GWSIM_BOARD"`
	Drive             string           `help:"Drive description file (YAML or TOML)" env:"GWSIM_DRIVE"`
	Empty             bool             `help:"Start with the drive empty" env:"GWSIM_EMPTY"`
	KeyFile           string           `help:"API password file, created with a random password when missing (default: gwsim.key.txt in the config dir)" env:"GWSIM_API_KEY_FILE"`
	ConnectionTimeout time.Duration    `help:"ConnectionTimeout operation timeout" default:"30s" env:"GWSIM_CONNECTION_TIMEOUT"`
}

// Run is called by Kong when the server command is executed.
func (s *Server) Run(logger *slog.Logger, rawLogger log.RawLogger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return s.StartServer(ctx, logger, rawLogger)
}

// StartServer runs the simulated adapter, the USB-IP server and the API
// server until ctx ends or one of them fails.
func (s *Server) StartServer(ctx context.Context, logger *slog.Logger, rawLogger log.RawLogger) error {
	s.UsbServerConfig.ConnectionTimeout = s.ConnectionTimeout
	s.ApiServerConfig.ConnectionTimeout = s.ConnectionTimeout

	board, err := resolveBoard(s.Board)
	if err != nil {
		return err
	}
	driveCfg := sim.DefaultDriveConfig
	if s.Drive != "" {
		if driveCfg, err = sim.LoadDriveConfig(s.Drive); err != nil {
			return err
		}
	}
	if s.Empty {
		driveCfg.Empty = true
	}

	runner, err := sim.NewRunner(board, driveCfg, logger)
	if err != nil {
		return fmt.Errorf("create machine: %w", err)
	}
	if logger.Enabled(ctx, log.LevelTrace) {
		runner.Link().Tap = func(in bool, data []byte) {
			logger.Log(context.Background(), log.LevelTrace, "Link packet",
				"in", in, "len", len(data), "data", hex.EncodeToString(data[:min(len(data), linkDumpBytes)]))
		}
	}

	bus, err := virtualbus.NewWithBusId(s.UsbServerConfig.BusID)
	if err != nil {
		return fmt.Errorf("create bus: %w", err)
	}
	dev := fluxadapter.New(runner, logger.With("device", "fluxadapter"))
	_, meta, err := bus.Add(dev)
	if err != nil {
		_ = bus.Close()
		return fmt.Errorf("add adapter: %w", err)
	}
	logger.Info("Adapter exported", "busid", meta.BusID(), "board", board.Name, "bus", driveCfg.Bus, "unit", driveCfg.Unit)

	usbSrv := usb.New(s.UsbServerConfig, logger, rawLogger)
	if err := usbSrv.AddBus(bus); err != nil {
		_ = bus.Close()
		return err
	}

	if s.ApiServerConfig.Addr == "" {
		return errors.New("API server address must be set (default :3242)")
	}
	if err := s.loadPassword(logger); err != nil {
		return err
	}
	apiSrv := api.New(s.ApiServerConfig.Addr, s.ApiServerConfig, logger)
	RegisterRoutes(apiSrv.Router(), usbSrv, runner)

	logger.Info("Starting gwsim USB-IP server", "addr", s.UsbServerConfig.Addr)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(gctx) })
	g.Go(usbSrv.ListenAndServe)
	g.Go(func() error {
		select {
		case <-usbSrv.Ready():
		case <-gctx.Done():
			return nil
		}
		if err := apiSrv.Start(); err != nil {
			return fmt.Errorf("start API server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		apiSrv.Close()
		return usbSrv.Close()
	})
	return g.Wait()
}

// loadPassword reads the API password from the key file, creating the file
// with a generated password on first start.
func (s *Server) loadPassword(logger *slog.Logger) error {
	if s.ApiServerConfig.Password != "" {
		return nil
	}
	path := s.KeyFile
	if path == "" {
		dir, err := configpaths.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("failed to resolve key file path: %w", err)
		}
		path = filepath.Join(dir, keyFileName)
	}

	pwd, err := os.ReadFile(path)
	if err == nil {
		s.ApiServerConfig.Password = strings.TrimSpace(string(pwd))
		if s.ApiServerConfig.Password == "" {
			return fmt.Errorf("key file %s is empty", path)
		}
		return nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to read key file: %w", err)
	}

	newPwd, err := auth.GenerateKey()
	if err != nil {
		return fmt.Errorf("failed to generate new API password: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config dir for key file: %w", err)
	}
	if err := os.WriteFile(path, []byte(newPwd), 0o600); err != nil {
		return fmt.Errorf("failed to write new API password to file: %w", err)
	}
	s.ApiServerConfig.Password = newPwd
	logger.Info("Generated API server password", "path", path)
	logger.Info("-------------------------------------")
	logger.Info("Your gwsim API password is:")
	logger.Info(newPwd)
	logger.Info("-------------------------------------")
	logger.Info("Loopback clients may connect without it unless --api.require-local-host-auth is set")
	return nil
}

// RegisterRoutes installs the management API handlers.
func RegisterRoutes(r *api.Router, usbSrv *usb.Server, runner sim.Runner) {
	r.Register("ping", handler.Ping())
	r.Register("bus/list", handler.BusList(usbSrv))
	r.Register("bus/{id}/list", handler.BusDevicesList(usbSrv))
	r.Register("adapter/status", handler.AdapterStatus(runner))
	r.Register("drive/insert", handler.DriveInsert(runner))
	r.Register("drive/eject", handler.DriveEject(runner))
}

// resolveBoard accepts a built-in name, a file path, or the name of a
// board file in the working or config directory.
func resolveBoard(ref string) (*firmware.Board, error) {
	b, err := firmware.ResolveBoard(ref)
	if err == nil {
		return b, nil
	}
	for _, p := range configpaths.BoardCandidatePaths(ref) {
		if _, serr := os.Stat(p); serr == nil {
			return firmware.LoadBoard(p)
		}
	}
	return nil, err
}
