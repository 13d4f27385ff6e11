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

package kernel

import (
	"context"
	"fmt"

	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/sched"
	"nestvm.dev/nestvm/pkg/vmexit"
	"nestvm.dev/nestvm/pkg/vmx"
)

// guestTask runs a guest on its VCPU.
type guestTask struct {
	k    *Kernel
	vcpu vmx.VCPU
}

// newGuest creates a not-runnable guest and its VCPU.
func (k *Kernel) newGuest(parent env.ID, physSize, rip uint64) (env.ID, error) {
	if k.newVCPU == nil {
		return 0, fmt.Errorf("no VCPU backend configured")
	}
	e, err := k.dir.AllocGuest(parent, physSize)
	if err != nil {
		return 0, err
	}
	vcpu, err := k.newVCPU(e)
	if err != nil {
		k.dir.Destroy(e)
		return 0, fmt.Errorf("creating VCPU: %w", err)
	}
	e.TF.RIP = rip
	k.sched.Attach(e, &guestTask{k: k, vcpu: vcpu})
	k.log.Infof("[%v] guest %v: %d MiB at rip %#x", parent, e.ID(), physSize>>20, rip)
	return e.ID(), nil
}

// Step implements sched.Task.Step. It enters the guest repeatedly until an
// exit blocks or ends it, or the quantum runs out.
func (g *guestTask) Step(ctx context.Context, e *env.Env) (sched.Outcome, error) {
	for i := 0; i < g.k.quantum; i++ {
		if _, err := g.vcpu.Run(ctx, &e.TF); err != nil {
			return sched.Exit, fmt.Errorf("running guest: %w", err)
		}
		act, err := g.k.exits.Handle(e, g.vcpu.VMCS())
		switch act {
		case vmexit.Block:
			return sched.Suspend, nil
		case vmexit.Halt:
			return sched.Exit, err
		}
		if e.Status == env.Dying {
			return sched.Exit, nil
		}
	}
	return sched.Yield, nil
}

// ScriptVCPUs returns a factory that gives every guest its own replay of s,
// with write access to the guest's memory.
func ScriptVCPUs(s *vmx.Script) VCPUFactory {
	return func(e *env.Env) (vmx.VCPU, error) {
		c := s.Clone()
		c.SetMemory(e.EPT)
		return c, nil
	}
}
