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

// Package sched implements the cooperative round-robin scheduler.
//
// Exactly one environment runs at a time. Running an environment means
// calling its Task's Step method, which returns an Outcome telling the
// scheduler what to do next. Operations that "never return" in a classic
// kernel, such as blocking in recv, are expressed as a Suspend outcome.
package sched

import (
	"context"
	"fmt"

	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/log"
)

// Outcome is the result of running an environment for one step.
type Outcome int

const (
	// Yield gives up the CPU; the environment stays runnable.
	Yield Outcome = iota

	// Suspend blocks the environment. It has already marked itself not
	// runnable and will be woken by someone else.
	Suspend

	// Exit ends the environment. The scheduler destroys it.
	Exit
)

func (o Outcome) String() string {
	switch o {
	case Yield:
		return "yield"
	case Suspend:
		return "suspend"
	case Exit:
		return "exit"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// Task runs an environment.
type Task interface {
	// Step runs e until it yields, blocks or exits. A non-nil error is
	// logged; with an Exit outcome it describes why e terminated.
	Step(ctx context.Context, e *env.Env) (Outcome, error)
}

// Killer is implemented by tasks that hold resources beyond the environment,
// such as a goroutine. Kill is called once when the environment is
// destroyed.
type Killer interface {
	Kill()
}

// Scheduler picks runnable environments in slot order after the last one
// run.
type Scheduler struct {
	dir *env.Directory
	log log.Logger

	tasks map[env.ID]Task

	// last is the slot most recently run; the search for the next
	// environment starts after it.
	last *env.Env

	// running is the environment inside Step, if any.
	running *env.Env

	// OnExit, if set, is called after an environment is destroyed with the
	// error that ended it, if any.
	OnExit func(id env.ID, typ env.Type, err error)
}

// New returns a scheduler over dir.
func New(dir *env.Directory, logger log.Logger) *Scheduler {
	if logger == nil {
		logger = log.Log()
	}
	return &Scheduler{
		dir:   dir,
		log:   logger,
		tasks: make(map[env.ID]Task),
	}
}

// Directory returns the environment directory.
func (s *Scheduler) Directory() *env.Directory {
	return s.dir
}

// Attach makes t the task that runs e.
func (s *Scheduler) Attach(e *env.Env, t Task) {
	if _, ok := s.tasks[e.ID()]; ok {
		panic(fmt.Sprintf("%v already has a task", e))
	}
	s.tasks[e.ID()] = t
}

// Task returns the task attached to id.
func (s *Scheduler) Task(id env.ID) (Task, bool) {
	t, ok := s.tasks[id]
	return t, ok
}

// Running returns the environment currently inside Step, or nil.
func (s *Scheduler) Running() *env.Env {
	return s.running
}

// Destroy tears down e. The environment inside Step is only marked dying
// and is destroyed when its step ends.
func (s *Scheduler) Destroy(e *env.Env) {
	if e == s.running {
		e.Status = env.Dying
		return
	}
	s.destroy(e, nil)
}

func (s *Scheduler) destroy(e *env.Env, cause error) {
	id, typ := e.ID(), e.Type
	if t, ok := s.tasks[id]; ok {
		delete(s.tasks, id)
		if k, ok := t.(Killer); ok {
			k.Kill()
		}
	}
	s.dir.Destroy(e)
	if cause != nil {
		s.log.Infof("%v %v exited: %v", typ, id, cause)
	} else {
		s.log.Debugf("%v %v exited", typ, id)
	}
	if s.OnExit != nil {
		s.OnExit(id, typ, cause)
	}
}

func (s *Scheduler) runnable(e *env.Env) bool {
	if e.Status != env.Runnable {
		return false
	}
	_, ok := s.tasks[e.ID()]
	return ok
}

// RunOnce runs the next runnable environment for one step. It returns false
// if nothing is runnable.
func (s *Scheduler) RunOnce(ctx context.Context) bool {
	e, ok := s.dir.Next(s.last, s.runnable)
	if !ok {
		return false
	}
	t := s.tasks[e.ID()]

	s.last = e
	s.running = e
	s.dir.SetCurrent(e)
	e.Status = env.Running
	e.Runs++

	out, err := t.Step(ctx, e)

	s.running = nil
	s.dir.SetCurrent(nil)

	switch {
	case out == Exit || e.Status == env.Dying:
		s.destroy(e, err)
		return true
	case out == Suspend:
		if e.Status == env.Running {
			e.Status = env.NotRunnable
		}
	default:
		if e.Status == env.Running {
			e.Status = env.Runnable
		}
	}
	if err != nil {
		s.log.Warningf("%v: %v", e, err)
	}
	return true
}

// Run schedules environments until none is runnable or ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.RunOnce(ctx) {
			s.log.Infof("No runnable environments in the system!")
			return nil
		}
	}
}
