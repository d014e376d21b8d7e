package firmware_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keirf/greaseweazle-sub000/firmware"
)

func TestBuiltInBoardsValid(t *testing.T) {
	for _, name := range firmware.BoardNames() {
		b, err := firmware.ResolveBoard(name)
		require.NoError(t, err, name)
		assert.NoError(t, b.Validate(), name)
	}
}

func TestResolveUnknownBoard(t *testing.T) {
	_, err := firmware.ResolveBoard("no-such-board")
	assert.ErrorContains(t, err, "unknown board")
}

func TestLoadBoardFiles(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{
		"b.yaml": `
name: custom
sampleFreq: 48000000
counterBits: 16
sampleRingSize: 256
byteRingSize: 4096
usbPacketSize: 64
maxCylinder: 84
`,
		"b.toml": `
name = "custom"
sampleFreq = 48000000
counterBits = 16
sampleRingSize = 256
byteRingSize = 4096
usbPacketSize = 64
maxCylinder = 84
`,
	}
	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			p := filepath.Join(dir, name)
			require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
			b, err := firmware.ResolveBoard(p)
			require.NoError(t, err)
			assert.Equal(t, "custom", b.Name)
			assert.Equal(t, uint32(48_000_000), b.SampleFreq)
			assert.Equal(t, uint(16), b.CounterBits)
			assert.Equal(t, 256, b.SampleRingSize)
			assert.Equal(t, 84, b.MaxCylinder)
		})
	}
}

func TestLoadBoardRejectsBadGeometry(t *testing.T) {
	p := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(p, []byte("name: x\nsampleFreq: 36000000\ncounterBits: 16\nsampleRingSize: 300\nbyteRingSize: 4096\nusbPacketSize: 64\nmaxCylinder: 80\n"), 0o644))
	_, err := firmware.LoadBoard(p)
	assert.ErrorContains(t, err, "power of two")
}

func TestCeiling(t *testing.T) {
	f1 := firmware.Boards["f1"]
	assert.Equal(t, uint32(14400), f1.Ceiling())

	fast := f1
	fast.SampleFreq = 144_000_000
	assert.Equal(t, uint32(1<<15-1), fast.Ceiling())

	fast.CounterBits = 32
	assert.Equal(t, uint32(57600), fast.Ceiling())
}
