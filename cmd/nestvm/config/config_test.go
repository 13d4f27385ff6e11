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

package config

import (
	"flag"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newFlags(t *testing.T, args ...string) *flag.FlagSet {
	t.Helper()
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	if err := testFlags.Parse(args); err != nil {
		t.Fatalf("Parse(%v): %v", args, err)
	}
	return testFlags
}

func writeFile(t *testing.T, name, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(contents), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlags(t))
	if err != nil {
		t.Fatal(err)
	}
	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if got, want := c.NIC, NICNone; got != want {
		t.Errorf("NIC=%v, want: %v", got, want)
	}
	if got, want := c.GuestMemory, uint64(16<<20); got != want {
		t.Errorf("GuestMemory=%#x, want: %#x", got, want)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlags(t)
	for name, val := range map[string]string{
		"kernel":       "obj/kern/kernel",
		"guest-memory": "33554432",
		"nic":          "loopback",
		"log-level":    "debug",
	} {
		if err := testFlags.Lookup(name).Value.Set(val); err != nil {
			t.Errorf("Flag set: %v", err)
		}
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := "obj/kern/kernel"; c.Kernel != want {
		t.Errorf("Kernel=%v, want: %v", c.Kernel, want)
	}
	if want := uint64(32 << 20); c.GuestMemory != want {
		t.Errorf("GuestMemory=%#x, want: %#x", c.GuestMemory, want)
	}
	if want := NICLoopback; c.NIC != want {
		t.Errorf("NIC=%v, want: %v", c.NIC, want)
	}
	if got, want := c.Level().String(), "Debug"; got != want {
		t.Errorf("Level()=%v, want: %v", got, want)
	}
}

func TestToFlagsFromFlags(t *testing.T) {
	c, err := NewFromFlags(newFlags(t,
		"--kernel=kernel",
		"--nic=tap",
		"--quantum=64", // Matches default value.
		"--host-frames=4096",
	))
	if err != nil {
		t.Fatal(err)
	}

	flags := c.ToFlags()
	want := []string{"--host-frames=4096", "--kernel=kernel", "--nic=tap"}
	if diff := cmp.Diff(want, flags); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}

	// The flags round trip.
	again, err := NewFromFlags(newFlags(t, flags...))
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(c, again); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestInvalidFlags checks that enum flags fail when value is not in enum set.
func TestInvalidFlags(t *testing.T) {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	err := testFlags.Lookup("nic").Value.Set("e1000")
	if err == nil || !strings.Contains(err.Error(), "invalid NIC backend") {
		t.Errorf("Set(nic=e1000) got error: %v, want: invalid NIC backend", err)
	}
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name  string
		args  []string
		error string
	}{
		{
			name:  "log format",
			args:  []string{"--log-format=xml"},
			error: "invalid log format",
		},
		{
			name:  "log level",
			args:  []string{"--log-level=loud"},
			error: "invalid log level",
		},
		{
			name:  "small guest",
			args:  []string{"--guest-memory=1048576"},
			error: "at least",
		},
		{
			name:  "unaligned guest",
			args:  []string{"--guest-memory=4194305"},
			error: "not page aligned",
		},
		{
			name:  "few frames",
			args:  []string{"--host-frames=16"},
			error: "host-frames",
		},
		{
			name:  "quantum",
			args:  []string{"--quantum=0"},
			error: "quantum",
		},
		{
			name:  "tap without name",
			args:  []string{"--nic=tap", "--tap-name="},
			error: "tap-name",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewFromFlags(newFlags(t, tc.args...))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags(%v) got error: %v, want: %q", tc.args, err, tc.error)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
	}{
		{
			name: "nestvm.toml",
			contents: `
kernel = "kern"
guest_memory = 8388608
nic = "loopback"
quantum = 8
`,
		},
		{
			name: "nestvm.yaml",
			contents: `
kernel: kern
guest_memory: 8388608
nic: loopback
quantum: 8
`,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.name, tc.contents)
			// Explicit flags win over the file.
			c, err := NewFromFlags(newFlags(t, "--config="+path, "--quantum=4"))
			if err != nil {
				t.Fatal(err)
			}
			if want := "kern"; c.Kernel != want {
				t.Errorf("Kernel=%v, want: %v", c.Kernel, want)
			}
			if want := uint64(8 << 20); c.GuestMemory != want {
				t.Errorf("GuestMemory=%#x, want: %#x", c.GuestMemory, want)
			}
			if want := NICLoopback; c.NIC != want {
				t.Errorf("NIC=%v, want: %v", c.NIC, want)
			}
			if want := 4; c.Quantum != want {
				t.Errorf("Quantum=%v, want: %v", c.Quantum, want)
			}
			// Settings missing from the file keep their defaults.
			if want := "text"; c.LogFormat != want {
				t.Errorf("LogFormat=%v, want: %v", c.LogFormat, want)
			}
			if c.ConfigFile != path {
				t.Errorf("ConfigFile=%v, want: %v", c.ConfigFile, path)
			}
		})
	}
}

func TestConfigFileErrors(t *testing.T) {
	for _, tc := range []struct {
		name     string
		contents string
		error    string
	}{
		{
			name:     "unknown.toml",
			contents: "kernal = \"kern\"\n",
			error:    "unknown keys",
		},
		{
			name:     "unknown.yaml",
			contents: "kernal: kern\n",
			error:    "kernal",
		},
		{
			name:     "bad.yml",
			contents: "nic: e1000\n",
			error:    "invalid NIC backend",
		},
		{
			name:     "conf.json",
			contents: "{}",
			error:    "unknown format",
		},
		{
			name:     "small.toml",
			contents: "guest_memory = 4096\n",
			error:    "at least",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			path := writeFile(t, tc.name, tc.contents)
			_, err := NewFromFlags(newFlags(t, "--config="+path))
			if err == nil || !strings.Contains(err.Error(), tc.error) {
				t.Errorf("NewFromFlags(%s) got error: %v, want: %q", tc.name, err, tc.error)
			}
		})
	}
}

func TestClone(t *testing.T) {
	c, err := NewFromFlags(newFlags(t, "--kernel=kern", "--nic=loopback"))
	if err != nil {
		t.Fatal(err)
	}
	clone := c.Clone()
	if diff := cmp.Diff(c, clone); diff != "" {
		t.Errorf("Clone() mismatch (-want +got):\n%s", diff)
	}
	clone.Kernel = "other"
	clone.GuestMemory *= 2
	if c.Kernel != "kern" || c.GuestMemory != 16<<20 {
		t.Errorf("modifying the clone changed the original: %+v", c)
	}
}
