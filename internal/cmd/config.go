package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"unicode"

	"github.com/keirf/greaseweazle-sub000/firmware"
	"github.com/keirf/greaseweazle-sub000/internal/configpaths"
	"github.com/keirf/greaseweazle-sub000/internal/sim"

	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit scaffolds a server configuration, a board description or a
// drive description.
type ConfigInit struct {
	Kind   string `arg:"" name:"kind" help:"What to generate" enum:"server,board,drive"`
	Format string `help:"Output format" enum:"json,yaml,yml,toml" default:"yaml"`
	From   string `help:"Built-in board to start a board description from" default:"f7"`
	Output string `help:"Destination file path (defaults to the current directory)"`
	Global bool   `help:"Write to the user config directory instead of the current directory"`
	Force  bool   `help:"Overwrite if the file already exists"`
}

// Run writes the template.
func (c *ConfigInit) Run() error {
	format := normalizeFormat(c.Format)
	if format == "" {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}

	var root any
	switch c.Kind {
	case "server":
		root = buildMapFromStruct(reflect.TypeOf(Server{}))
	case "board":
		b, ok := firmware.Boards[c.From]
		if !ok {
			return fmt.Errorf("unknown board %q (built-in: %s)", c.From, strings.Join(firmware.BoardNames(), ", "))
		}
		root = b
	case "drive":
		root = sim.DefaultDriveConfig
	default:
		return errors.New("unknown kind; expected 'server', 'board' or 'drive'")
	}
	if c.Kind != "server" && format == "json" {
		return errors.New("board and drive descriptions are YAML or TOML")
	}

	dest, err := c.destination(format)
	if err != nil {
		return err
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return errors.New("destination exists; use --force to overwrite")
		}
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}

	data, err := encode(root, format)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return err
	}
	fmt.Println(dest)
	return nil
}

func (c *ConfigInit) destination(format string) (string, error) {
	if c.Output != "" {
		return c.Output, nil
	}
	base := c.Kind
	if c.Kind == "board" {
		base = c.From
	}
	if c.Global {
		if c.Kind == "board" {
			dir, err := configpaths.DefaultConfigDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(dir, "boards", base+"."+format), nil
		}
		return configpaths.DefaultNamedConfigPath(base, format)
	}
	return base + "." + format, nil
}

func encode(v any, format string) ([]byte, error) {
	switch format {
	case "json":
		return json.MarshalIndent(v, "", "  ")
	case "yaml":
		return yaml.Marshal(v)
	case "toml":
		return toml.Marshal(v)
	}
	return nil, fmt.Errorf("unsupported format: %s", format)
}

func normalizeFormat(f string) string {
	switch strings.ToLower(f) {
	case "json":
		return "json"
	case "yaml", "yml":
		return "yaml"
	case "toml":
		return "toml"
	default:
		return ""
	}
}

// configKey derives the key the configuration loaders look up for a
// field: its flag name with dashes as underscores ("BusID" -> "bus_id").
func configKey(name string) string {
	r := []rune(name)
	var b strings.Builder
	for i, c := range r {
		if i > 0 && unicode.IsUpper(c) {
			prevLower := unicode.IsLower(r[i-1])
			nextLower := i+1 < len(r) && unicode.IsLower(r[i+1])
			if prevLower || (unicode.IsUpper(r[i-1]) && nextLower) {
				b.WriteByte('_')
			}
		}
		b.WriteRune(unicode.ToLower(c))
	}
	return b.String()
}

func buildMapFromStruct(t reflect.Type) map[string]any {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	out := map[string]any{}
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		if f.Tag.Get("kong") == "-" {
			continue
		}

		if _, ok := f.Tag.Lookup("embed"); ok {
			prefix := f.Tag.Get("prefix")
			name := strings.TrimSuffix(prefix, ".")
			sub := buildMapFromStruct(f.Type)
			if name != "" {
				out[name] = sub
			} else {
				for k, v := range sub {
					out[k] = v
				}
			}
			continue
		}

		key := configKey(f.Name)
		def := f.Tag.Get("default")
		val := defaultValueForField(f.Type, def)
		if val != nil {
			out[key] = val
		}
	}
	return out
}

func defaultValueForField(t reflect.Type, def string) any {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t.PkgPath() == "time" && t.Name() == "Duration" {
		if def != "" {
			return def
		}
		return "0s"
	}
	switch t.Kind() {
	case reflect.String:
		return def // may be empty
	case reflect.Bool:
		b, err := strconv.ParseBool(def)
		if err != nil {
			return false
		}
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(def, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(def, 10, 64)
		if err != nil {
			return 0
		}
		return n
	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(def, 64)
		if err != nil {
			return 0
		}
		return f
	case reflect.Struct:
		return buildMapFromStruct(t)
	default:
		return nil
	}
}
