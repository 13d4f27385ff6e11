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

// Package kernel ties the environment directory, the scheduler, the exit
// dispatcher and the network card into one host kernel.
//
// Host processes are Go functions running on their own goroutines. The
// scheduler hands the CPU to at most one of them at a time; a process gives
// it back whenever it yields, blocks in recv or exits. Guests are driven by
// a VCPU and the exit dispatcher.
package kernel

import (
	"context"
	"fmt"
	"time"

	"nestvm.dev/nestvm/pkg/cpuid"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/metric"
	"nestvm.dev/nestvm/pkg/nic"
	"nestvm.dev/nestvm/pkg/physmem"
	"nestvm.dev/nestvm/pkg/sched"
	"nestvm.dev/nestvm/pkg/vmexit"
	"nestvm.dev/nestvm/pkg/vmx"
)

// DefaultQuantum is the number of guest exits handled before a guest is made
// to yield.
const DefaultQuantum = 64

var exitedMetric = metric.MustCreateNewUint64Metric("/kernel/exited_envs", "Environments destroyed, by type and cause.",
	metric.NewField("type", []string{"user", "fs", "ns", "guest"}),
	metric.NewField("cause", []string{"clean", "error"}))

// VCPUFactory creates the virtual CPU that runs guest e.
type VCPUFactory func(e *env.Env) (vmx.VCPU, error)

// Config configures a Kernel.
type Config struct {
	// Memory is the host frame service. Required.
	Memory *physmem.Memory

	// NIC is the network card, if any.
	NIC *nic.Device

	// CPUID answers guest CPUID exits. Defaults to cpuid.Host().
	CPUID cpuid.Function

	// NewVCPU creates guest CPUs. Without it guests cannot be created.
	NewVCPU VCPUFactory

	// Quantum defaults to DefaultQuantum.
	Quantum int

	// Now defaults to time.Now.
	Now func() time.Time

	// Logger defaults to the global logger.
	Logger log.Logger
}

// Kernel is the host kernel.
type Kernel struct {
	mem     *physmem.Memory
	dir     *env.Directory
	sched   *sched.Scheduler
	exits   *vmexit.Dispatcher
	nic     *nic.Device
	newVCPU VCPUFactory
	quantum int
	start   time.Time
	now     func() time.Time
	log     log.Logger

	// OnExit, if set, is called whenever an environment is destroyed.
	OnExit func(id env.ID, typ env.Type, err error)
}

// New creates a kernel.
func New(conf Config) (*Kernel, error) {
	if conf.Memory == nil {
		return nil, fmt.Errorf("kernel needs a frame service")
	}
	k := &Kernel{
		mem:     conf.Memory,
		nic:     conf.NIC,
		newVCPU: conf.NewVCPU,
		quantum: conf.Quantum,
		now:     conf.Now,
		log:     conf.Logger,
	}
	if k.quantum <= 0 {
		k.quantum = DefaultQuantum
	}
	if k.now == nil {
		k.now = time.Now
	}
	if k.log == nil {
		k.log = log.Log()
	}
	k.start = k.now()
	k.dir = env.NewDirectory(k.mem, k.log)
	k.sched = sched.New(k.dir, k.log)
	k.sched.OnExit = k.exited

	dc := vmexit.Config{
		Directory: k.dir,
		CPUID:     conf.CPUID,
		Start:     k.start,
		Now:       k.now,
		Logger:    k.log,
	}
	if k.nic != nil {
		dc.NIC = k.nic
	}
	k.exits = vmexit.New(dc)
	return k, nil
}

func (k *Kernel) exited(id env.ID, typ env.Type, err error) {
	cause := "clean"
	if err != nil {
		cause = "error"
	}
	exitedMetric.Increment(typ.String(), cause)
	// Hand the dead environment's pages back to the host.
	if n, err := k.mem.Release(); err != nil {
		k.log.Warningf("Releasing memory of %v %v: %v", typ, id, err)
	} else if n > 0 {
		k.log.Debugf("Released %d frames after %v %v", n, typ, id)
	}
	if k.OnExit != nil {
		k.OnExit(id, typ, err)
	}
}

// Memory returns the frame service.
func (k *Kernel) Memory() *physmem.Memory { return k.mem }

// Directory returns the environment directory.
func (k *Kernel) Directory() *env.Directory { return k.dir }

// Scheduler returns the scheduler.
func (k *Kernel) Scheduler() *sched.Scheduler { return k.sched }

// NIC returns the network card, or nil.
func (k *Kernel) NIC() *nic.Device { return k.nic }

// Uptime returns the time since the kernel started.
func (k *Kernel) Uptime() time.Duration { return k.now().Sub(k.start) }

// SpawnProc creates a runnable host process of type typ running fn.
func (k *Kernel) SpawnProc(parent env.ID, typ env.Type, fn ProcFunc) (env.ID, error) {
	if typ == env.TypeGuest {
		return 0, fmt.Errorf("SpawnProc of a guest")
	}
	e, err := k.dir.Alloc(parent, typ)
	if err != nil {
		return 0, err
	}
	k.sched.Attach(e, newProc(k, e, fn))
	return e.ID(), nil
}

// Run schedules environments until none is runnable or ctx is done.
func (k *Kernel) Run(ctx context.Context) error {
	return k.sched.Run(ctx)
}

// Shutdown destroys every environment. Processes blocked on their goroutines
// are released.
func (k *Kernel) Shutdown() {
	var live []*env.Env
	k.dir.Each(func(e *env.Env) bool {
		live = append(live, e)
		return true
	})
	for _, e := range live {
		k.sched.Destroy(e)
	}
}
