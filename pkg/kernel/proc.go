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
	"runtime"
	"sync"

	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/sched"
)

// ProcFunc is the body of a host process. Returning ends the process; a
// non-nil error is reported as the cause.
type ProcFunc func(p *Proc) error

type stepResult struct {
	out sched.Outcome
	err error
}

// Proc is a host process. Its methods are the process's system calls and may
// only be called from the process's own goroutine.
type Proc struct {
	k  *Kernel
	e  *env.Env
	fn ProcFunc

	// ctx is the context of the step in progress.
	ctx context.Context

	started bool

	// resume hands the CPU to the process; done hands it back.
	resume chan struct{}
	done   chan stepResult

	killOnce sync.Once
	killed   chan struct{}
}

func newProc(k *Kernel, e *env.Env, fn ProcFunc) *Proc {
	return &Proc{
		k:      k,
		e:      e,
		fn:     fn,
		resume: make(chan struct{}),
		done:   make(chan stepResult),
		killed: make(chan struct{}),
	}
}

// Step implements sched.Task.Step.
func (p *Proc) Step(ctx context.Context, e *env.Env) (sched.Outcome, error) {
	p.ctx = ctx
	if !p.started {
		p.started = true
		go p.run()
	} else {
		p.resume <- struct{}{}
	}
	r := <-p.done
	return r.out, r.err
}

// Kill implements sched.Killer.Kill.
func (p *Proc) Kill() {
	p.killOnce.Do(func() { close(p.killed) })
}

func (p *Proc) run() {
	err := p.fn(p)
	p.done <- stepResult{out: sched.Exit, err: err}
}

// block gives the CPU back to the scheduler with out and waits to be run
// again. A process destroyed meanwhile never returns.
func (p *Proc) block(out sched.Outcome) {
	p.done <- stepResult{out: out}
	select {
	case <-p.resume:
	case <-p.killed:
		runtime.Goexit()
	}
}

// exit ends the process from inside one of its system calls.
func (p *Proc) exit() {
	p.done <- stepResult{out: sched.Exit}
	runtime.Goexit()
}

// ID returns the process's identity.
func (p *Proc) ID() env.ID { return p.e.ID() }

// Parent returns the identity of the creator.
func (p *Proc) Parent() env.ID { return p.e.Parent() }

// Kernel returns the kernel the process runs on.
func (p *Proc) Kernel() *Kernel { return p.k }

// Context returns the context of the current time slice.
func (p *Proc) Context() context.Context { return p.ctx }

// Yield gives up the CPU; the process stays runnable.
func (p *Proc) Yield() {
	p.block(sched.Yield)
}
