package cmd

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	yaml "gopkg.in/yaml.v3"

	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/internal/sim"
)

func TestConfigKey(t *testing.T) {
	for in, want := range map[string]string{
		"Addr":              "addr",
		"BusID":             "bus_id",
		"ConnectionTimeout": "connection_timeout",
		"USBPacketSize":     "usb_packet_size",
	} {
		assert.Equal(t, want, configKey(in), in)
	}
}

func TestServerTemplate(t *testing.T) {
	m := buildMapFromStruct(reflect.TypeOf(Server{}))
	assert.Equal(t, "f7", m["board"])
	assert.Equal(t, "30s", m["connection_timeout"])
	assert.Equal(t, map[string]any{"addr": ":3240", "bus_id": uint64(1)}, m["usb"])
	assert.Equal(t, map[string]any{"addr": ":3242", "require_local_host_auth": false}, m["api"])
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()

	t.Run("server yaml", func(t *testing.T) {
		out := filepath.Join(dir, "server.yaml")
		require.NoError(t, (&ConfigInit{Kind: "server", Format: "yaml", Output: out}).Run())
		data, err := os.ReadFile(out)
		require.NoError(t, err)
		var m map[string]any
		require.NoError(t, yaml.Unmarshal(data, &m))
		assert.Equal(t, "f7", m["board"])

		err = (&ConfigInit{Kind: "server", Format: "yaml", Output: out}).Run()
		assert.ErrorContains(t, err, "--force")
		assert.NoError(t, (&ConfigInit{Kind: "server", Format: "yaml", Output: out, Force: true}).Run())
	})

	for _, format := range []string{"yaml", "toml"} {
		t.Run("board "+format, func(t *testing.T) {
			out := filepath.Join(dir, "at32f4."+format)
			require.NoError(t, (&ConfigInit{Kind: "board", Format: format, From: "at32f4", Output: out}).Run())
			b, err := firmware.LoadBoard(out)
			require.NoError(t, err)
			assert.Equal(t, firmware.Boards["at32f4"], *b)
		})

		t.Run("drive "+format, func(t *testing.T) {
			out := filepath.Join(dir, "drive."+format)
			require.NoError(t, (&ConfigInit{Kind: "drive", Format: format, Output: out}).Run())
			cfg, err := sim.LoadDriveConfig(out)
			require.NoError(t, err)
			assert.Equal(t, sim.DefaultDriveConfig, cfg)
		})
	}

	t.Run("unknown board", func(t *testing.T) {
		err := (&ConfigInit{Kind: "board", Format: "yaml", From: "f9", Output: filepath.Join(dir, "x.yaml")}).Run()
		assert.ErrorContains(t, err, "unknown board")
	})

	t.Run("json board", func(t *testing.T) {
		err := (&ConfigInit{Kind: "board", Format: "json", From: "f7", Output: filepath.Join(dir, "x.json")}).Run()
		assert.Error(t, err)
	})
}
