package sim

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// LoadDriveConfig reads a drive description file. Fields the file leaves
// out keep their DefaultDriveConfig values.
func LoadDriveConfig(path string) (DriveConfig, error) {
	cfg := DefaultDriveConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read drive file: %w", err)
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".toml":
		err = toml.Unmarshal(data, &cfg)
	default:
		return cfg, fmt.Errorf("drive file %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("decode drive file %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("drive file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the geometry and the unit against the bus wiring.
func (c DriveConfig) Validate() error {
	switch {
	case c.RPM < 0 || c.RPM > 1000:
		return fmt.Errorf("rpm %d out of range", c.RPM)
	case c.Cylinders < 0 || c.Cylinders > 255:
		return fmt.Errorf("cylinders %d out of range", c.Cylinders)
	case c.Heads < 0 || c.Heads > 2:
		return fmt.Errorf("heads %d out of range", c.Heads)
	case c.StartCyl < 0 || (c.Cylinders > 0 && c.StartCyl >= c.Cylinders):
		return fmt.Errorf("start cylinder %d out of range", c.StartCyl)
	case c.Unit < 0 || c.Unit >= c.Bus.Units():
		return fmt.Errorf("unit %d not addressable on %s bus", c.Unit, c.Bus)
	}
	return nil
}
