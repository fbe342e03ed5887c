// Package config loads per-device session defaults for the usbtmc driver
// from a YAML file, following the same koanf + go-yaml pattern the teacher
// repository's cmd/multiserver uses for its own configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	yml "github.com/go-yaml/yaml"

	"github.jpl.nasa.gov/bdube/usbtmc"
)

// DeviceDefaults holds the session options a single vid:pid entry can
// override from the config file; zero values mean "use the session's
// built-in default" on Apply.
type DeviceDefaults struct {
	TimeoutMS          int    `koanf:"timeout_ms" yaml:"timeout_ms"`
	MaxTransferSize    int    `koanf:"max_transfer_size" yaml:"max_transfer_size"`
	TermChar           string `koanf:"term_char" yaml:"term_char"`
	TermCharEnabled    bool   `koanf:"term_char_enabled" yaml:"term_char_enabled"`
	AdvantestQuirk     bool   `koanf:"advantest_quirk" yaml:"advantest_quirk"`
	StrictDecode       bool   `koanf:"strict_decode" yaml:"strict_decode"`
	TolerateEmptyWrite *bool  `koanf:"tolerate_empty_write" yaml:"tolerate_empty_write"`
}

// Config is the top-level configuration file shape: a map from "vid:pid"
// to that device's session defaults. Keys are looked up exactly as Key
// formats them (lowercase, zero-padded 0x-prefixed hex, e.g.
// "0x0957:0x1755"); an entry written in any other form is not matched.
type Config struct {
	Devices map[string]DeviceDefaults `koanf:"devices"`
}

// Default returns the configuration used when no file is present: an empty
// device map, matching the session's own built-in defaults.
func Default() Config {
	return Config{Devices: map[string]DeviceDefaults{}}
}

// Load reads path (a YAML file) over top of Default(). A missing file is
// not an error: the defaults are returned unchanged, mirroring the
// teacher's setupconfig, which tolerates a missing multiserver.yml.
func Load(path string) (Config, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return Config{}, fmt.Errorf("config: load defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !strings.Contains(err.Error(), "no such file") {
			return Config{}, fmt.Errorf("config: load %s: %w", path, err)
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return Config{}, fmt.Errorf("config: unmarshal: %w", err)
	}
	return c, nil
}

// Write encodes c as YAML to path, for the usbtmcctl "mkconf" command.
func Write(path string, c Config) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("config: create %s: %w", path, err)
	}
	defer f.Close()
	return yml.NewEncoder(f).Encode(c)
}

// DefaultsFor looks up the entry for vid:pid, formatted as produced by Key.
// The zero DeviceDefaults is returned if there is no matching entry.
func (c Config) DefaultsFor(vid, pid uint16) DeviceDefaults {
	return c.Devices[Key(vid, pid)]
}

// Key formats a vid/pid pair as the config map key this package expects,
// e.g. Key(0x0957, 0x1755) == "0x0957:0x1755".
func Key(vid, pid uint16) string {
	return fmt.Sprintf("0x%04x:0x%04x", vid, pid)
}

// Apply pushes non-zero numeric and string fields of d onto an open
// session, and TolerateEmptyWrite when it is set. AdvantestQuirk and
// StrictDecode are always applied, so a false value switches them off.
func (d DeviceDefaults) Apply(s *usbtmc.Session) error {
	if d.TimeoutMS > 0 {
		s.SetTimeout(d.TimeoutMS)
	}
	if d.MaxTransferSize > 0 {
		s.SetMaxTransferSize(d.MaxTransferSize)
	}
	if d.TermChar != "" {
		c, err := parseTermChar(d.TermChar)
		if err != nil {
			return fmt.Errorf("config: term_char: %w", err)
		}
		s.SetTermChar(c, d.TermCharEnabled)
	}
	s.SetAdvantestQuirk(d.AdvantestQuirk)
	s.SetStrictDecode(d.StrictDecode)
	if d.TolerateEmptyWrite != nil {
		s.SetTolerateEmptyWrite(*d.TolerateEmptyWrite)
	}
	return nil
}

// parseTermChar accepts a decimal or 0x-prefixed hex byte value, e.g. "10"
// or "0x0A", since a literal newline is awkward to spell in YAML.
func parseTermChar(s string) (byte, error) {
	base := 10
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		base = 16
		s = s[2:]
	}
	v, err := strconv.ParseUint(s, base, 8)
	if err != nil {
		return 0, err
	}
	return byte(v), nil
}
