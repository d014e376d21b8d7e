package usb

import "time"

// ServerConfig represents the USB-IP listener configuration.
type ServerConfig struct {
	Addr              string        `help:"USB-IP server listen address" default:":3240" env:"GWSIM_USB_ADDR"`
	BusID             uint32        `help:"Bus number the adapter is exported on" default:"1" env:"GWSIM_USB_BUS_ID"`
	ConnectionTimeout time.Duration `kong:"-"`
}
