package handler

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/keirf/greaseweazle-sub000/apitypes"
	"github.com/keirf/greaseweazle-sub000/internal/server/api"
	"github.com/keirf/greaseweazle-sub000/internal/sim"
)

// AdapterStatus reports the adapter state machine and drive position.
func AdapterStatus(r sim.Runner) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		st := r.Status()
		return respond(res, apitypes.AdapterStatus{
			Board:        st.Board,
			CounterBits:  st.CounterBits,
			State:        st.State.String(),
			FluxStatus:   st.FluxStatus.String(),
			Cylinder:     st.Cylinder,
			Head:         st.Head,
			DiskPresent:  st.DiskPresent,
			WriteProtect: st.WriteProtect,
			Spinning:     st.Spinning,
			Elapsed:      st.Elapsed.String(),
			Resets:       st.Resets,
		})
	}
}

// DriveInsert loads a disk. The payload is optional.
func DriveInsert(r sim.Runner) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		var in apitypes.DriveInsertRequest
		if p := strings.TrimSpace(req.Payload); p != "" {
			if err := json.Unmarshal([]byte(p), &in); err != nil {
				return api.ErrBadRequest(fmt.Sprintf("invalid JSON payload: %v", err))
			}
		}
		formatted := in.Formatted == nil || *in.Formatted
		if r.Status().DiskPresent {
			return api.ErrConflict("drive already holds a disk")
		}
		r.InsertDisk(formatted, in.WriteProtect)
		logger.Info("Disk inserted", "formatted", formatted, "write_protect", in.WriteProtect)
		return driveResponse(r, res)
	}
}

// DriveEject removes the disk.
func DriveEject(r sim.Runner) api.HandlerFunc {
	return func(req *api.Request, res *api.Response, logger *slog.Logger) error {
		if !r.Status().DiskPresent {
			return api.ErrConflict("drive is empty")
		}
		r.EjectDisk()
		logger.Info("Disk ejected")
		return driveResponse(r, res)
	}
}

func driveResponse(r sim.Runner, res *api.Response) error {
	st := r.Status()
	return respond(res, apitypes.DriveResponse{DiskPresent: st.DiskPresent, WriteProtect: st.WriteProtect})
}

func respond(res *api.Response, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return api.ErrInternal(fmt.Sprintf("failed to marshal response: %v", err))
	}
	res.JSON = string(b)
	return nil
}
