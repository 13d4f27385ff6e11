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
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/google/subcommands"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"nestvm.dev/nestvm/cmd/nestvm/config"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/fsserv"
	"nestvm.dev/nestvm/pkg/kernel"
	"nestvm.dev/nestvm/pkg/loader"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/metric"
	"nestvm.dev/nestvm/pkg/nic"
	"nestvm.dev/nestvm/pkg/physmem"
	"nestvm.dev/nestvm/pkg/vmx"
)

// loopbackDepth is the number of packets queued by the loopback backend.
const loopbackDepth = 64

// Boot implements subcommands.Command for the "boot" command which loads a
// guest kernel and runs it to completion.
type Boot struct {
	// timeout bounds the run. Zero means no bound.
	timeout time.Duration
}

// Name implements subcommands.Command.Name.
func (*Boot) Name() string {
	return "boot"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Boot) Synopsis() string {
	return "boot a guest kernel"
}

// Usage implements subcommands.Command.Usage.
func (*Boot) Usage() string {
	return `boot [-timeout=<duration>] - loads --kernel and --boot-sector from --fs-root and runs the guest.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (b *Boot) SetFlags(f *flag.FlagSet) {
	f.DurationVar(&b.timeout, "timeout", 0, "stop the guest after this long; 0 runs until it exits.")
}

// Execute implements subcommands.Command.Execute.
func (b *Boot) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if conf.Kernel == "" {
		log.Warningf("boot requires --kernel")
		return subcommands.ExitUsageError
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, unix.SIGTERM)
	defer stop()
	if b.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.timeout)
		defer cancel()
	}

	failed, err := boot(ctx, conf)
	if conf.MetricsFile != "" {
		if err := writeMetrics(conf.MetricsFile); err != nil {
			log.Warningf("Writing metrics: %v", err)
		}
	}
	if err != nil {
		log.Warningf("Boot failed: %v", err)
		return subcommands.ExitFailure
	}
	if failed > 0 {
		log.Warningf("%d environments exited with an error", failed)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

// boot runs a guest as configured by conf until no environment is runnable or
// ctx is done. It returns the number of environments that exited with an
// error.
func boot(ctx context.Context, conf *config.Config) (int, error) {
	mem, err := physmem.New(physmem.Config{Frames: conf.HostFrames})
	if err != nil {
		return 0, err
	}
	defer mem.Close()

	backend, err := newBackend(conf)
	if err != nil {
		return 0, err
	}
	var dev *nic.Device
	if backend != nil {
		defer backend.Close()
		if dev, err = nic.New(mem, nic.Config{}); err != nil {
			return 0, err
		}
		defer dev.Close()
	}

	kconf := kernel.Config{
		Memory:  mem,
		NIC:     dev,
		Quantum: conf.Quantum,
	}
	if conf.ExitScript != "" {
		script, err := vmx.LoadScript(conf.ExitScript)
		if err != nil {
			return 0, err
		}
		kconf.NewVCPU = kernel.ScriptVCPUs(script)
	} else {
		log.Warningf("No --exit-script, guests have no CPU to run on")
	}
	k, err := kernel.New(kconf)
	if err != nil {
		return 0, err
	}
	failed := 0
	k.OnExit = func(id env.ID, typ env.Type, err error) {
		if err != nil {
			log.Warningf("%v %v failed: %v", typ, id, err)
			failed++
		}
	}

	srv := fsserv.NewServer(os.DirFS(conf.FSRoot), log.Log())
	fsID, err := k.SpawnProc(0, env.TypeFS, srv.Serve)
	if err != nil {
		return 0, fmt.Errorf("starting file service: %w", err)
	}
	if _, err := k.SpawnProc(0, env.TypeUser, loader.Proc(loader.Config{
		Files:      fsserv.Remote{Server: fsID},
		Kernel:     conf.Kernel,
		BootSector: conf.BootSector,
		MemSize:    conf.GuestMemory,
		Entry:      conf.Entry,
	})); err != nil {
		return 0, fmt.Errorf("starting loader: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// The NIC pump has nothing left to serve once the kernel stops.
		defer cancel()
		return k.Run(ctx)
	})
	if backend != nil {
		g.Go(func() error {
			return dev.Pump(ctx, backend)
		})
	}
	err = g.Wait()
	k.Shutdown()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Infof("Stopped: %v", err)
		err = nil
	}
	log.Infof("Uptime %v, %d frames in use", k.Uptime(), mem.Stats().Used())
	return failed, err
}

func newBackend(conf *config.Config) (nic.Backend, error) {
	switch conf.NIC {
	case config.NICLoopback:
		return nic.NewLoopback(loopbackDepth), nil
	case config.NICTAP:
		return nic.OpenTAP(conf.TAPName)
	default:
		return nil, nil
	}
}

func writeMetrics(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := metric.WriteText(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
