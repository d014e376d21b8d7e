// Package config holds the command-line surface of gwsim.
package config

import "github.com/keirf/greaseweazle-sub000/internal/cmd"

// Log configures logging for every command.
type Log struct {
	Level   string `help:"Log level" enum:"trace,debug,info,warn,error" default:"info" env:"GWSIM_LOG_LEVEL"`
	Format  string `help:"Console log format; auto selects text on a terminal" enum:"auto,text,json" default:"auto" env:"GWSIM_LOG_FORMAT"`
	File    string `help:"Also write logs to this file" env:"GWSIM_LOG_FILE"`
	RawFile string `help:"Write a hex dump of USB-IP traffic to this file" env:"GWSIM_LOG_RAW_FILE"`
}

// CLI is the root command.
type CLI struct {
	ConfigFile string `name:"config" help:"Configuration file (JSON, YAML or TOML)" type:"path" env:"GWSIM_CONFIG"`
	Log        Log    `embed:"" prefix:"log."`

	Server cmd.Server        `cmd:"" help:"Run the simulated adapter and export it over USB-IP"`
	Status cmd.Status        `cmd:"" help:"Show the state of a running server"`
	Drive  cmd.Drive         `cmd:"" help:"Change the disk in a running server"`
	Config cmd.ConfigCommand `cmd:"" help:"Configuration helpers"`
}
