package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apitypes "github.com/keirf/greaseweazle-sub000/apitypes"
)

// Client provides a high-level interface to the simulator's management
// API, handling request formatting, response parsing, and error handling.
type Client struct{ transport *Transport }

// New constructs a high-level API client using the internal low-level Transport.
// The addr parameter specifies the TCP address (host:port) of the API server.
func New(addr string) *Client { return &Client{transport: NewTransport(addr)} }

// NewWithConfig constructs a client with custom transport timeouts.
func NewWithConfig(addr string, cfg *Config) *Client {
	return &Client{transport: NewTransportWithConfig(addr, cfg)}
}

// NewWithPassword constructs a client that authenticates with the server's API password.
func NewWithPassword(addr, password string) *Client {
	return &Client{transport: NewTransportWithPassword(addr, password)}
}

// WithTransport constructs a Client using a custom Transport implementation.
// This is primarily useful for testing.
func WithTransport(t *Transport) *Client { return &Client{transport: t} }

// Ping returns the identity and firmware version of the server.
func (c *Client) Ping() (*apitypes.PingResponse, error) {
	return c.PingCtx(context.Background())
}

// PingCtx is the context-aware version of Ping.
func (c *Client) PingCtx(ctx context.Context) (*apitypes.PingResponse, error) {
	return call[apitypes.PingResponse](ctx, c, "ping", nil, nil)
}

// BusList retrieves a list of all active virtual USB bus numbers.
func (c *Client) BusList() (*apitypes.BusListResponse, error) {
	return c.BusListCtx(context.Background())
}

func (c *Client) BusListCtx(ctx context.Context) (*apitypes.BusListResponse, error) {
	return call[apitypes.BusListResponse](ctx, c, "bus/list", nil, nil)
}

// DevicesList retrieves the devices exported on the specified bus.
func (c *Client) DevicesList(busID uint32) (*apitypes.DevicesListResponse, error) {
	return c.DevicesListCtx(context.Background(), busID)
}

func (c *Client) DevicesListCtx(ctx context.Context, busID uint32) (*apitypes.DevicesListResponse, error) {
	pathParams := map[string]string{"id": fmt.Sprintf("%d", busID)}
	return call[apitypes.DevicesListResponse](ctx, c, "bus/{id}/list", nil, pathParams)
}

// AdapterStatus returns a snapshot of the simulated adapter.
func (c *Client) AdapterStatus() (*apitypes.AdapterStatus, error) {
	return c.AdapterStatusCtx(context.Background())
}

func (c *Client) AdapterStatusCtx(ctx context.Context) (*apitypes.AdapterStatus, error) {
	return call[apitypes.AdapterStatus](ctx, c, "adapter/status", nil, nil)
}

// DriveInsert loads a disk into the simulated drive.
func (c *Client) DriveInsert(formatted, writeProtect bool) (*apitypes.DriveResponse, error) {
	return c.DriveInsertCtx(context.Background(), formatted, writeProtect)
}

func (c *Client) DriveInsertCtx(ctx context.Context, formatted, writeProtect bool) (*apitypes.DriveResponse, error) {
	req := apitypes.DriveInsertRequest{Formatted: &formatted, WriteProtect: writeProtect}
	return call[apitypes.DriveResponse](ctx, c, "drive/insert", req, nil)
}

// DriveEject removes the disk from the simulated drive.
func (c *Client) DriveEject() (*apitypes.DriveResponse, error) {
	return c.DriveEjectCtx(context.Background())
}

func (c *Client) DriveEjectCtx(ctx context.Context) (*apitypes.DriveResponse, error) {
	return call[apitypes.DriveResponse](ctx, c, "drive/eject", nil, nil)
}

func call[T any](ctx context.Context, c *Client, path string, payload any, pathParams map[string]string) (*T, error) {
	raw, err := c.transport.DoCtx(ctx, path, payload, pathParams)
	if err != nil {
		return nil, err
	}
	return parse[T](raw)
}

func parse[T any](data string) (*T, error) {
	if data == "" {
		return nil, errors.New("empty response")
	}
	var problem apitypes.ApiError
	if err := json.Unmarshal([]byte(data), &problem); err == nil && (problem.Status != 0 || problem.Title != "") {
		return nil, &problem
	}
	var out T
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return &out, nil
}
