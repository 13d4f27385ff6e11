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

package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/google/subcommands"
	"nestvm.dev/nestvm/cmd/nestvm/config"
	"nestvm.dev/nestvm/pkg/multiboot"
	"nestvm.dev/nestvm/pkg/vmexit"
)

// Memmap implements subcommands.Command for the "memmap" command.
type Memmap struct {
	raw bool
}

// Name implements subcommands.Command.Name.
func (*Memmap) Name() string {
	return "memmap"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Memmap) Synopsis() string {
	return "print the memory map handed to guests"
}

// Usage implements subcommands.Command.Usage.
func (*Memmap) Usage() string {
	return `memmap [-raw] [size] - prints the multiboot memory map of a guest with size bytes of memory, default --guest-memory.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Memmap) SetFlags(f *flag.FlagSet) {
	f.BoolVar(&m.raw, "raw", false, "dump the bytes written to guest memory instead.")
}

// Execute implements subcommands.Command.Execute.
func (m *Memmap) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf := args[0].(*config.Config)
	size := conf.GuestMemory
	switch f.NArg() {
	case 0:
	case 1:
		n, err := strconv.ParseUint(f.Arg(0), 0, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid size %q: %v\n", f.Arg(0), err)
			return subcommands.ExitUsageError
		}
		size = n
	default:
		f.Usage()
		return subcommands.ExitUsageError
	}
	printMemoryMap(os.Stdout, size, m.raw)
	return subcommands.ExitSuccess
}

func printMemoryMap(w io.Writer, size uint64, raw bool) {
	if raw {
		fmt.Fprint(w, hex.Dump(multiboot.Layout(uint64(vmexit.MultibootAddr), size)))
		return
	}
	for _, e := range multiboot.MemoryMap(size) {
		fmt.Fprintln(w, e)
	}
}
