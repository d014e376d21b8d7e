package sim

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/firmware"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestLoadDriveConfig(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		p := writeFile(t, "drive.yaml", "bus: shugart\nunit: 2\nrpm: 360\nwriteProtect: true\n")
		cfg, err := LoadDriveConfig(p)
		require.NoError(t, err)
		assert.Equal(t, firmware.BusShugart, cfg.Bus)
		assert.Equal(t, 2, cfg.Unit)
		assert.Equal(t, 360, cfg.RPM)
		assert.True(t, cfg.WriteProtect)
		assert.Equal(t, DefaultDriveConfig.Cylinders, cfg.Cylinders)
	})

	t.Run("toml", func(t *testing.T) {
		p := writeFile(t, "drive.toml", "bus = \"ibmpc\"\nunit = 1\ncylinders = 40\nheads = 1\n")
		cfg, err := LoadDriveConfig(p)
		require.NoError(t, err)
		assert.Equal(t, firmware.BusIBMPC, cfg.Bus)
		assert.Equal(t, 1, cfg.Unit)
		assert.Equal(t, 40, cfg.Cylinders)
		assert.Equal(t, 1, cfg.Heads)
	})

	t.Run("unit not on bus", func(t *testing.T) {
		p := writeFile(t, "drive.yaml", "bus: ibmpc\nunit: 2\n")
		_, err := LoadDriveConfig(p)
		assert.ErrorContains(t, err, "unit 2 not addressable on ibmpc bus")
	})

	t.Run("unknown bus", func(t *testing.T) {
		p := writeFile(t, "drive.yaml", "bus: apple\n")
		_, err := LoadDriveConfig(p)
		assert.ErrorContains(t, err, "unknown bus type")
	})

	t.Run("extension", func(t *testing.T) {
		p := writeFile(t, "drive.ini", "")
		_, err := LoadDriveConfig(p)
		assert.ErrorContains(t, err, "unsupported extension")
	})
}
