package api

import "time"

// ServerConfig represents the management API configuration.
type ServerConfig struct {
	Addr                 string        `help:"API server listen address" default:":3242" env:"GWSIM_API_ADDR"`
	RequireLocalHostAuth bool          `help:"Require the API password from loopback clients too" env:"GWSIM_API_REQUIRE_LOCALHOST_AUTH"`
	Password             string        `kong:"-"`
	ConnectionTimeout    time.Duration `kong:"-"`
}
