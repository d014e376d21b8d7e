package apitypes

import (
	"fmt"
)

// ApiError represents an RFC 7807 (problem+json) error response.
type ApiError struct {
	// Status is the HTTP-style status code (e.g., 400, 404, 500)
	Status int `json:"status"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Detail is a human-readable explanation specific to this occurrence
	Detail string `json:"detail"`
}

func (e ApiError) Error() string {
	if e.Status == 0 && e.Title == "" {
		return "unknown error"
	}
	if e.Status == 0 {
		return fmt.Sprintf("%s: %s", e.Title, e.Detail)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Title, e.Detail)
}

// --

type PingResponse struct {
	Server  string `json:"server"`
	Version string `json:"version"`
}

type BusListResponse struct {
	Buses []uint32 `json:"buses"`
}

// AdapterStatus is a snapshot of the simulated adapter and its drive.
type AdapterStatus struct {
	Board        string `json:"board"`
	CounterBits  uint   `json:"counterBits"`
	State        string `json:"state"`
	FluxStatus   string `json:"fluxStatus"`
	Cylinder     int    `json:"cylinder"`
	Head         int    `json:"head"`
	DiskPresent  bool   `json:"diskPresent"`
	WriteProtect bool   `json:"writeProtect"`
	Spinning     bool   `json:"spinning"`
	Elapsed      string `json:"elapsed"`
	Resets       int    `json:"resets"`
}

// DriveInsertRequest is the optional payload of drive/insert. An omitted
// Formatted inserts a formatted disk.
type DriveInsertRequest struct {
	Formatted    *bool `json:"formatted,omitempty"`
	WriteProtect bool  `json:"writeProtect"`
}

type DriveResponse struct {
	DiskPresent  bool `json:"diskPresent"`
	WriteProtect bool `json:"writeProtect"`
}

type Device struct {
	BusID    uint32 `json:"busId"`
	DevId    string `json:"devId"`
	Vid      string `json:"vid"`
	Pid      string `json:"pid"`
	Imported bool   `json:"imported"`
}

type DevicesListResponse struct {
	Devices []Device `json:"devices"`
}
