package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/keirf/greaseweazle-sub000/apiclient"
)

// ClientFlags locate a running server's management API.
type ClientFlags struct {
	API      string `help:"Management API address of a running server" default:"localhost:3242" env:"GWSIM_API"`
	Password string `help:"API password (see the server's key file)" env:"GWSIM_API_PASSWORD"`
}

func (f ClientFlags) client() *apiclient.Client {
	if f.Password != "" {
		return apiclient.NewWithPassword(f.API, f.Password)
	}
	return apiclient.New(f.API)
}

// Status prints the adapter and drive state of a running server.
type Status struct {
	ClientFlags `embed:""`
}

func (s *Status) Run() error {
	st, err := s.client().AdapterStatus()
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, st)
}

// Drive changes the disk in a running server's drive.
type Drive struct {
	Insert DriveInsert `cmd:"" help:"Insert a disk"`
	Eject  DriveEject  `cmd:"" help:"Eject the disk"`
}

type DriveInsert struct {
	ClientFlags  `embed:""`
	Unformatted  bool `help:"Insert a blank disk with no flux"`
	WriteProtect bool `help:"Set the write-protect tab"`
}

func (d *DriveInsert) Run() error {
	resp, err := d.client().DriveInsert(!d.Unformatted, d.WriteProtect)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, resp)
}

type DriveEject struct {
	ClientFlags `embed:""`
}

func (d *DriveEject) Run() error {
	resp, err := d.client().DriveEject()
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, resp)
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}
