package firmware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// Board describes one adapter target. It is resolved once at start-up and
// shared read-only from then on.
type Board struct {
	Name           string `yaml:"name" toml:"name"`
	HWModel        uint8  `yaml:"hwModel" toml:"hwModel"`
	HWSubmodel     uint8  `yaml:"hwSubmodel" toml:"hwSubmodel"`
	MCUMHz         uint16 `yaml:"mcuMHz" toml:"mcuMHz"`
	MCUSRAMKB      uint16 `yaml:"mcuSRAMKB" toml:"mcuSRAMKB"`
	SampleFreq     uint32 `yaml:"sampleFreq" toml:"sampleFreq"`
	CounterBits    uint   `yaml:"counterBits" toml:"counterBits"`
	SampleRingSize int    `yaml:"sampleRingSize" toml:"sampleRingSize"`
	ByteRingSize   int    `yaml:"byteRingSize" toml:"byteRingSize"`
	USBPacketSize  int    `yaml:"usbPacketSize" toml:"usbPacketSize"`
	USBHighSpeed   bool   `yaml:"usbHighSpeed" toml:"usbHighSpeed"`
	MaxCylinder    int    `yaml:"maxCylinder" toml:"maxCylinder"`
}

// Firmware version reported by GET_INFO.
const (
	VersionMajor = 1
	VersionMinor = 6
)

// Boards lists the built-in targets by name.
var Boards = map[string]Board{
	"f1": {
		Name:           "f1",
		HWModel:        1,
		MCUMHz:         72,
		MCUSRAMKB:      20,
		SampleFreq:     36_000_000,
		CounterBits:    16,
		SampleRingSize: 512,
		ByteRingSize:   8192,
		USBPacketSize:  64,
		MaxCylinder:    85,
	},
	"f7": {
		Name:           "f7",
		HWModel:        7,
		HWSubmodel:     1,
		MCUMHz:         216,
		MCUSRAMKB:      256,
		SampleFreq:     72_000_000,
		CounterBits:    32,
		SampleRingSize: 1024,
		ByteRingSize:   65536,
		USBPacketSize:  512,
		USBHighSpeed:   true,
		MaxCylinder:    85,
	},
	"at32f4": {
		Name:           "at32f4",
		HWModel:        4,
		MCUMHz:         144,
		MCUSRAMKB:      32,
		SampleFreq:     36_000_000,
		CounterBits:    32,
		SampleRingSize: 1024,
		ByteRingSize:   16384,
		USBPacketSize:  64,
		MaxCylinder:    85,
	},
}

// BoardNames returns the built-in board names, sorted.
func BoardNames() []string {
	names := make([]string, 0, len(Boards))
	for n := range Boards {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ResolveBoard returns a built-in board by name, or loads a YAML or TOML
// board file when ref names an existing path.
func ResolveBoard(ref string) (*Board, error) {
	if b, ok := Boards[ref]; ok {
		return &b, nil
	}
	if _, err := os.Stat(ref); err != nil {
		return nil, fmt.Errorf("unknown board %q (built-in: %s)", ref, strings.Join(BoardNames(), ", "))
	}
	return LoadBoard(ref)
}

// LoadBoard reads a board description file, selecting the decoder by
// extension.
func LoadBoard(path string) (*Board, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read board file: %w", err)
	}
	var b Board
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &b)
	case ".toml":
		err = toml.Unmarshal(data, &b)
	default:
		return nil, fmt.Errorf("board file %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("decode board file %s: %w", path, err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("board file %s: %w", path, err)
	}
	return &b, nil
}

// Validate checks the ring geometry and clock settings.
func (b *Board) Validate() error {
	pow2 := func(n int) bool { return n >= 2 && n&(n-1) == 0 }
	switch {
	case b.SampleFreq < 1_000_000:
		return fmt.Errorf("sample frequency %d too low", b.SampleFreq)
	case b.CounterBits != 16 && b.CounterBits != 32:
		return fmt.Errorf("counter width must be 16 or 32 bits, got %d", b.CounterBits)
	case !pow2(b.SampleRingSize):
		return fmt.Errorf("sample ring size %d is not a power of two", b.SampleRingSize)
	case !pow2(b.ByteRingSize):
		return fmt.Errorf("byte ring size %d is not a power of two", b.ByteRingSize)
	case b.ByteRingSize < 4*b.USBPacketSize:
		return fmt.Errorf("byte ring size %d smaller than four USB packets", b.ByteRingSize)
	case b.USBPacketSize < 8:
		return fmt.Errorf("usb packet size %d too small", b.USBPacketSize)
	case b.MaxCylinder <= 0 || b.MaxCylinder > 255:
		return fmt.Errorf("max cylinder %d out of range", b.MaxCylinder)
	}
	return nil
}

// USToTicks converts microseconds to sample ticks.
func (b *Board) USToTicks(us uint32) uint32 {
	return uint32(uint64(us) * uint64(b.SampleFreq) / 1_000_000)
}

// MSToTicks converts milliseconds to sample ticks.
func (b *Board) MSToTicks(ms uint32) uint32 {
	return uint32(uint64(ms) * uint64(b.SampleFreq) / 1_000)
}

// Ceiling returns the longest interval, in ticks, handed to the hardware
// in one piece: 400µs, held below half the counter range.
func (b *Board) Ceiling() uint32 {
	c := b.USToTicks(400)
	if lim := uint32(1)<<(b.CounterBits-1) - 1; c > lim {
		c = lim
	}
	return c
}
