// Copyright 2024 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config provides basic infrastructure to set configuration settings
// for nestvm. Each setting is a field of Config tagged with the name of the
// command line flag that sets it.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"gopkg.in/yaml.v3"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/physmem"
)

// MinGuestMemory is the smallest guest physical memory accepted.
const MinGuestMemory = 2 << 20

// Config holds configuration that is not part of the guest image.
//
// Fields are set from command line flags, and optionally from a TOML or YAML
// file named by --config. Flags given on the command line take precedence
// over the file.
type Config struct {
	// ConfigFile is the optional configuration file.
	ConfigFile string `flag:"config" toml:"-" yaml:"-"`

	// LogFilename is the file where logs are written. Empty means stderr.
	LogFilename string `flag:"log" toml:"log" yaml:"log"`

	// LogFormat is the log format: text, json, or json-k8s.
	LogFormat string `flag:"log-format" toml:"log_format" yaml:"log_format"`

	// LogLevel is the minimum level logged: warning, info, or debug.
	LogLevel string `flag:"log-level" toml:"log_level" yaml:"log_level"`

	// AlsoLogToStderr copies log messages to stderr when LogFilename is set.
	AlsoLogToStderr bool `flag:"alsologtostderr" toml:"alsologtostderr" yaml:"alsologtostderr"`

	// HostFrames is the number of host physical frames, including the
	// reserved low megabyte.
	HostFrames int `flag:"host-frames" toml:"host_frames" yaml:"host_frames"`

	// GuestMemory is the guest's physical memory size in bytes.
	GuestMemory uint64 `flag:"guest-memory" toml:"guest_memory" yaml:"guest_memory"`

	// Kernel is the guest's ELF kernel image, relative to FSRoot.
	Kernel string `flag:"kernel" toml:"kernel" yaml:"kernel"`

	// BootSector is the guest's boot sector image, relative to FSRoot.
	BootSector string `flag:"boot-sector" toml:"boot_sector" yaml:"boot_sector"`

	// Entry is the guest's initial RIP. Zero starts at the boot sector.
	Entry uint64 `flag:"entry" toml:"entry" yaml:"entry"`

	// FSRoot is the host directory served by the file service.
	FSRoot string `flag:"fs-root" toml:"fs_root" yaml:"fs_root"`

	// Quantum is the number of exits a guest handles per scheduling step.
	Quantum int `flag:"quantum" toml:"quantum" yaml:"quantum"`

	// NIC selects the network card backend.
	NIC NICBackend `flag:"nic" toml:"nic" yaml:"nic"`

	// TAPName is the host TAP device used by the tap backend.
	TAPName string `flag:"tap-name" toml:"tap_name" yaml:"tap_name"`

	// MetricsFile receives the metrics in Prometheus text format on exit.
	MetricsFile string `flag:"metrics-file" toml:"metrics_file" yaml:"metrics_file"`

	// ExitScript is the recorded exit trace that drives guest CPUs.
	ExitScript string `flag:"exit-script" toml:"exit_script" yaml:"exit_script"`
}

// NICBackend is the host side of the guest network card.
type NICBackend int

const (
	// NICNone disables the network card.
	NICNone NICBackend = iota

	// NICLoopback reflects transmitted packets back to the receive ring.
	NICLoopback

	// NICTAP connects the card to a host TAP device.
	NICTAP
)

func nicBackendPtr(v NICBackend) *NICBackend {
	return &v
}

// Set implements flag.Value.
func (n *NICBackend) Set(v string) error {
	switch v {
	case "none":
		*n = NICNone
	case "loopback":
		*n = NICLoopback
	case "tap":
		*n = NICTAP
	default:
		return fmt.Errorf("invalid NIC backend %q", v)
	}
	return nil
}

// Get implements flag.Getter.
func (n *NICBackend) Get() any {
	return *n
}

// String implements flag.Value.
func (n NICBackend) String() string {
	switch n {
	case NICNone:
		return "none"
	case NICLoopback:
		return "loopback"
	case NICTAP:
		return "tap"
	}
	panic(fmt.Sprintf("Invalid NIC backend %d", n))
}

// MarshalText implements encoding.TextMarshaler.
func (n NICBackend) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NICBackend) UnmarshalText(b []byte) error {
	return n.Set(string(b))
}

// RegisterFlags registers flags used to populate Config.
func RegisterFlags(flagSet *flag.FlagSet) {
	flagSet.String("config", "", "path to a TOML (.toml) or YAML (.yaml, .yml) file with default settings. Flags override it.")

	// Logging flags.
	flagSet.String("log", "", "file path where logs are written, default is stderr. The following variables are available: %PID%, %TIMESTAMP%, %COMMAND%.")
	flagSet.String("log-format", "text", "log format: text (default), json, or json-k8s.")
	flagSet.String("log-level", "info", "minimum log level: warning, info (default), or debug.")
	flagSet.Bool("alsologtostderr", false, "send log messages to stderr as well as --log.")

	// Host flags.
	flagSet.Int("host-frames", 16384, "number of host physical frames, including the reserved first megabyte.")
	flagSet.Var(nicBackendPtr(NICNone), "nic", "network card backend: none (default), loopback, tap.")
	flagSet.String("tap-name", "nestvm0", "host TAP device used by --nic=tap.")
	flagSet.String("fs-root", ".", "host directory served to guests by the file service.")
	flagSet.String("metrics-file", "", "file path where metrics are written in Prometheus text format on exit.")

	// Guest flags.
	flagSet.Uint64("guest-memory", 16<<20, "guest physical memory size in bytes; a page multiple of at least 2MiB.")
	flagSet.String("kernel", "", "guest ELF kernel image, relative to --fs-root.")
	flagSet.String("boot-sector", "", "guest boot sector image, relative to --fs-root.")
	flagSet.Uint64("entry", 0, "guest initial RIP; 0 starts at the boot sector.")
	flagSet.Int("quantum", 64, "guest exits handled before the guest yields the CPU.")
	flagSet.String("exit-script", "", "recorded exit trace (YAML) that drives guest CPUs.")
}

// NewFromFlags creates a new Config with values coming from command line
// flags, the file named by --config, and flag defaults, in that order of
// precedence.
func NewFromFlags(flagSet *flag.FlagSet) (*Config, error) {
	conf := &Config{}

	set := make(map[string]bool)
	flagSet.Visit(func(fl *flag.Flag) { set[fl.Name] = true })
	file := flagValue(flagSet, "config").(string)

	obj := reflect.ValueOf(conf).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			// No flag set for this field.
			continue
		}
		if file == "" || set[name] {
			obj.Field(i).Set(reflect.ValueOf(flagValue(flagSet, name)))
			continue
		}
		// The file only loses to flags that were explicitly set.
		def := flagSet.Lookup(name).DefValue
		if err := setField(obj.Field(i), def); err != nil {
			panic(fmt.Sprintf("Flag %q has invalid default %q: %v", name, def, err))
		}
	}

	if file != "" {
		if err := conf.loadFile(file); err != nil {
			return nil, err
		}
		for name := range set {
			if f, ok := fieldByFlag(obj, name); ok {
				f.Set(reflect.ValueOf(flagValue(flagSet, name)))
			}
		}
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	return conf, nil
}

func flagValue(flagSet *flag.FlagSet, name string) any {
	fl := flagSet.Lookup(name)
	if fl == nil {
		panic(fmt.Sprintf("Flag %q not found", name))
	}
	return fl.Value.(flag.Getter).Get()
}

// loadFile decodes path over c, rejecting unknown keys.
func (c *Config) loadFile(path string) error {
	switch ext := filepath.Ext(path); ext {
	case ".toml":
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return fmt.Errorf("reading config %q: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return fmt.Errorf("reading config %q: unknown keys %v", path, undecoded)
		}
	case ".yaml", ".yml":
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("reading config %q: %w", path, err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil {
			return fmt.Errorf("reading config %q: %w", path, err)
		}
	default:
		return fmt.Errorf("config %q: unknown format %q, want .toml, .yaml or .yml", path, ext)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.LogFormat {
	case "text", "json", "json-k8s":
	default:
		return fmt.Errorf("invalid log format %q, must be 'text', 'json', or 'json-k8s'", c.LogFormat)
	}
	if _, err := log.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	if c.HostFrames < physmem.MinFrames {
		return fmt.Errorf("host-frames must be at least %d, got %d", physmem.MinFrames, c.HostFrames)
	}
	if c.GuestMemory < MinGuestMemory {
		return fmt.Errorf("guest-memory must be at least %#x, got %#x", MinGuestMemory, c.GuestMemory)
	}
	if c.GuestMemory%hostarch.PageSize != 0 {
		return fmt.Errorf("guest-memory %#x is not page aligned", c.GuestMemory)
	}
	if c.Quantum <= 0 {
		return fmt.Errorf("quantum must be positive, got %d", c.Quantum)
	}
	if c.NIC < NICNone || c.NIC > NICTAP {
		return fmt.Errorf("invalid NIC backend %d", c.NIC)
	}
	if c.NIC == NICTAP && c.TAPName == "" {
		return fmt.Errorf("--nic=tap requires --tap-name")
	}
	return nil
}

// Clone returns a deep copy of c.
func (c *Config) Clone() *Config {
	return deepcopy.Copy(c).(*Config)
}

// Level returns the parsed log level.
func (c *Config) Level() log.Level {
	l, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		// Checked by validate.
		panic(err)
	}
	return l
}

// ToFlags returns a slice of flags that correspond to the given Config.
func (c *Config) ToFlags() []string {
	var rv []string

	// Construct a temporary set for default plumbing.
	flagSet := flag.NewFlagSet("tmp", flag.ContinueOnError)
	RegisterFlags(flagSet)

	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		val := getVal(obj.Field(i))

		fl := flagSet.Lookup(name)
		if fl == nil {
			panic(fmt.Sprintf("Flag %q not found", name))
		}
		if val == fl.DefValue {
			continue
		}
		rv = append(rv, fmt.Sprintf("--%s=%s", fl.Name, val))
	}
	return rv
}

// Log logs every setting at info level.
func (c *Config) Log() {
	obj := reflect.ValueOf(c).Elem()
	st := obj.Type()
	log.Infof("Config:")
	for i := 0; i < st.NumField(); i++ {
		name, ok := st.Field(i).Tag.Lookup("flag")
		if !ok {
			continue
		}
		log.Infof("\t%s: %s", name, getVal(obj.Field(i)))
	}
}

func fieldByFlag(obj reflect.Value, name string) (reflect.Value, bool) {
	st := obj.Type()
	for i := 0; i < st.NumField(); i++ {
		if n, ok := st.Field(i).Tag.Lookup("flag"); ok && n == name {
			return obj.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setField parses s into field using the same rules as the command line.
func setField(field reflect.Value, s string) error {
	if v, ok := field.Addr().Interface().(flag.Value); ok {
		return v.Set(s)
	}
	switch field.Kind() {
	case reflect.Bool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return err
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(s, 0, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.String:
		field.SetString(s)
	default:
		panic("unknown type " + field.Kind().String())
	}
	return nil
}

func getVal(field reflect.Value) string {
	if str, ok := field.Addr().Interface().(fmt.Stringer); ok {
		return str.String()
	}
	switch field.Kind() {
	case reflect.Bool:
		return strconv.FormatBool(field.Bool())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return strconv.FormatInt(field.Int(), 10)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		return strconv.FormatUint(field.Uint(), 10)
	case reflect.String:
		return field.String()
	default:
		panic("unknown type " + field.Kind().String())
	}
}
