package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/keirf/greaseweazle-sub000/apitypes"
	"github.com/keirf/greaseweazle-sub000/internal/server/api"
	"github.com/keirf/greaseweazle-sub000/internal/server/usb"
)

// BusDevicesList returns a handler that lists devices on a bus and whether
// a USB-IP client currently holds them.
func BusDevicesList(s *usb.Server) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		idStr, ok := req.Params["id"]
		if !ok {
			return api.ErrBadRequest("missing id parameter")
		}
		busID, err := strconv.ParseUint(idStr, 10, 32)
		if err != nil {
			return api.ErrBadRequest(fmt.Sprintf("invalid busId: %v", err))
		}
		b := s.GetBus(uint32(busID))
		if b == nil {
			return api.ErrNotFound(fmt.Sprintf("bus %d not found", busID))
		}
		metas := b.Devices()
		out := make([]apitypes.Device, 0, len(metas))
		for _, m := range metas {
			desc := m.Dev.GetDescriptor()
			out = append(out, apitypes.Device{
				BusID:    m.Meta.BusId,
				DevId:    m.Meta.BusID(),
				Vid:      fmt.Sprintf("0x%04x", desc.Device.IDVendor),
				Pid:      fmt.Sprintf("0x%04x", desc.Device.IDProduct),
				Imported: b.Imported(m.Meta.DevId),
			})
		}
		payload, err := json.Marshal(apitypes.DevicesListResponse{Devices: out})
		if err != nil {
			return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
		}
		res.JSON = string(payload)
		return nil
	}
}
