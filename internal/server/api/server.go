// Package api implements the line-based management API of the simulator.
package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/keirf/greaseweazle-sub000/internal/server/api/auth"
)

var wsRegex = regexp.MustCompile(`\s`)

// Server implements a small TCP API for inspecting and driving the
// simulated adapter.
type Server struct {
	addr   string
	logger *slog.Logger
	router *Router
	config ServerConfig
	key    []byte

	mu    sync.Mutex
	ln    net.Listener
	conns sync.WaitGroup
}

// New creates an API server listening on addr once started.
func New(addr string, config ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   addr,
		logger: logger,
		config: config,
		router: NewRouter(),
	}
}

// Router returns the router used by the API server so callers can register handlers.
func (a *Server) Router() *Router { return a.router }

// Config returns the server configuration.
func (a *Server) Config() ServerConfig { return a.config }

// Start listens on the configured address and serves incoming API commands.
func (a *Server) Start() error {
	if a.config.Password != "" && a.key == nil {
		key, err := auth.DeriveKey(a.config.Password)
		if err != nil {
			return err
		}
		a.key = key
	}
	ln, err := net.Listen("tcp", a.addr)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.ln = ln
	a.mu.Unlock()
	a.logger.Info("API listening", "addr", ln.Addr().String())
	go a.serve(ln)
	return nil
}

// Addr returns the bound address, or nil before Start.
func (a *Server) Addr() net.Addr {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ln == nil {
		return nil
	}
	return a.ln.Addr()
}

// Close stops the API server and waits for open requests.
func (a *Server) Close() {
	a.mu.Lock()
	ln := a.ln
	a.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	a.conns.Wait()
}

func (a *Server) serve(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				a.logger.Info("API server stopped")
				return
			}
			a.logger.Info("API accept error", "error", err)
			return
		}
		a.conns.Add(1)
		go func() {
			defer a.conns.Done()
			a.handleConn(c)
		}()
	}
}

func (a *Server) writeError(w io.Writer, err error) {
	apiErr := WrapError(err)
	problemJSON, _ := json.Marshal(apiErr)
	fmt.Fprintf(w, "%s\n", string(problemJSON))
}

func (a *Server) writeOK(w io.Writer, rest string) {
	if rest == "" {
		fmt.Fprintln(w)
	} else {
		fmt.Fprintf(w, "%s\n", rest)
	}
}

func (a *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	connLogger := a.logger.With("remote", conn.RemoteAddr().String())
	if a.config.ConnectionTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(a.config.ConnectionTimeout))
	}
	r := bufio.NewReader(conn)
	var w io.Writer = conn

	sc, err := a.secure(conn, r)
	if err != nil {
		connLogger.Error("api auth failed", "error", err)
		a.writeError(conn, err)
		return
	}
	if sc != nil {
		r, w = bufio.NewReader(sc), sc
	}

	// Read until null terminator
	reqData, err := r.ReadString('\x00')
	if err != nil {
		if err == io.EOF {
			connLogger.Error("api incomplete request (no null terminator)")
		} else {
			connLogger.Error("read api data", "error", err)
		}
		return
	}
	reqData = strings.TrimSuffix(reqData, "\x00")

	if reqData == "" {
		connLogger.Error("api empty command")
		a.writeError(w, ErrBadRequest("empty request"))
		return
	}

	path, payload := splitRequest(reqData)
	if path == "" {
		connLogger.Error("api empty path")
		a.writeError(w, ErrBadRequest("empty path"))
		return
	}

	path = strings.ToLower(path)
	connLogger.Info("api cmd", "path", path)

	h, params := a.router.Match(path)
	if h == nil {
		connLogger.Error("api unknown path", "path", path)
		a.writeError(w, ErrNotFound(fmt.Sprintf("unknown path: %s", path)))
		return
	}
	req := &Request{Ctx: connCtx, Params: params, Payload: payload}
	res := &Response{}
	if err := h(req, res, connLogger); err != nil {
		connLogger.Error("api handler error", "path", path, "error", err)
		a.writeError(w, err)
		return
	}
	connLogger.Debug("api handler success", "path", path)
	a.writeOK(w, res.JSON)
}

// secure runs the auth handshake when the client opens with one and returns
// the encrypted connection. A nil conn with a nil error means the request
// continues in plain text, which is only allowed without a password or from
// loopback unless RequireLocalHostAuth is set.
func (a *Server) secure(conn net.Conn, r *bufio.Reader) (net.Conn, error) {
	isAuth, err := auth.IsAuthHandshake(r)
	if err != nil {
		// The request read reports the same failure.
		return nil, nil
	}
	if !isAuth {
		if a.key == nil || (!a.config.RequireLocalHostAuth && isLoopback(conn.RemoteAddr())) {
			return nil, nil
		}
		_, _ = r.ReadString('\x00')
		return nil, auth.ErrUnauthorized("authentication required")
	}
	if a.key == nil {
		_, _ = r.Discard(auth.ClientHelloSize)
		return nil, auth.ErrUnauthorized("authentication not enabled")
	}
	clientNonce, serverNonce, err := auth.HandleAuthHandshake(r, conn, a.key, false)
	if err != nil {
		return nil, err
	}
	return auth.WrapConn(conn, auth.DeriveSessionKey(a.key, serverNonce, clientNonce))
}

func isLoopback(addr net.Addr) bool {
	tcp, ok := addr.(*net.TCPAddr)
	return ok && tcp.IP.IsLoopback()
}

// splitRequest splits on the first whitespace character.
func splitRequest(data string) (path, payload string) {
	loc := wsRegex.FindStringIndex(data)
	if loc == nil {
		return data, ""
	}
	return data[:loc[0]], data[loc[1]:]
}
