package handler_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/apiclient"
	"github.com/keirf/greaseweazle-sub000/apitypes"
	"github.com/keirf/greaseweazle-sub000/internal/server/api"
	"github.com/keirf/greaseweazle-sub000/internal/server/api/handler"
	"github.com/keirf/greaseweazle-sub000/internal/server/usb"
	handlerTest "github.com/keirf/greaseweazle-sub000/internal/testing"
)

func TestAdapterStatus(t *testing.T) {
	r := handlerTest.NewRunner(t, "f1")
	addr, _ := handlerTest.StartAPIServer(t, func(rt *api.Router, s *usb.Server) {
		rt.Register("adapter/status", handler.AdapterStatus(r))
	})

	st, err := apiclient.New(addr).AdapterStatus()
	require.NoError(t, err)
	assert.Equal(t, "f1", st.Board)
	assert.Equal(t, uint(16), st.CounterBits)
	assert.Equal(t, "INACTIVE", st.State)
	assert.Equal(t, "okay", st.FluxStatus)
	assert.True(t, st.DiskPresent)
	assert.False(t, st.Spinning)
}

func TestDriveInsertEject(t *testing.T) {
	r := handlerTest.NewRunner(t, "f7")
	addr, _ := handlerTest.StartAPIServer(t, func(rt *api.Router, s *usb.Server) {
		rt.Register("drive/insert", handler.DriveInsert(r))
		rt.Register("drive/eject", handler.DriveEject(r))
	})
	c := apiclient.New(addr)

	_, err := c.DriveInsert(true, false)
	var apiErr *apitypes.ApiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 409, apiErr.Status)

	resp, err := c.DriveEject()
	require.NoError(t, err)
	assert.False(t, resp.DiskPresent)

	_, err = c.DriveEject()
	assert.ErrorContains(t, err, "drive is empty")

	resp, err = c.DriveInsert(false, true)
	require.NoError(t, err)
	assert.Equal(t, &apitypes.DriveResponse{DiskPresent: true, WriteProtect: true}, resp)
	assert.True(t, r.Status().WriteProtect)
}

func TestDriveInsertPayload(t *testing.T) {
	r := handlerTest.NewRunner(t, "f1")
	r.EjectDisk()
	addr, _ := handlerTest.StartAPIServer(t, func(rt *api.Router, s *usb.Server) {
		rt.Register("drive/insert", handler.DriveInsert(r))
	})
	c := apiclient.NewTransport(addr)

	line, err := c.Do("drive/insert", "nope", nil)
	require.NoError(t, err)
	assert.Contains(t, line, `"status":400`)

	line, err = c.Do("drive/insert", nil, nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"diskPresent":true,"writeProtect":false}`, line)
}
