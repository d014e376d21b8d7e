package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/keirf/greaseweazle-sub000/apitypes"
	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/internal/server/api"
)

// ServerName identifies the simulator in ping replies.
const ServerName = "gwsim"

// Ping reports the server identity and the emulated firmware version.
func Ping() api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		b, err := json.Marshal(apitypes.PingResponse{
			Server:  ServerName,
			Version: fmt.Sprintf("%d.%d", firmware.VersionMajor, firmware.VersionMinor),
		})
		if err != nil {
			return err
		}
		res.JSON = string(b)
		return nil
	}
}
