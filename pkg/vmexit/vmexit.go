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

// Package vmexit handles guest exits: it emulates the few instructions a
// guest may not execute natively, backs guest memory on demand and serves
// hypercalls.
//
// Every handler either completes the exit and advances the guest past the
// exiting instruction, or reports it as unhandled. An unhandled exit is fatal
// for the guest only.
package vmexit

import (
	"errors"
	"fmt"
	"time"

	"nestvm.dev/nestvm/pkg/cpuid"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/metric"
	"nestvm.dev/nestvm/pkg/vmx"
)

// Action tells the caller how to continue after an exit.
type Action int

const (
	// Resume re-enters the guest.
	Resume Action = iota

	// Block leaves the guest descheduled until another environment wakes
	// it. The guest has already marked itself not runnable.
	Block

	// Halt ends the guest.
	Halt
)

// String implements fmt.Stringer.String.
func (a Action) String() string {
	switch a {
	case Resume:
		return "resume"
	case Block:
		return "block"
	case Halt:
		return "halt"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ErrUnhandled is matched by errors.Is for every exit the dispatcher could
// not complete.
var ErrUnhandled = errors.New("unhandled exit")

// UnhandledError describes an exit the dispatcher could not complete.
type UnhandledError struct {
	Exit vmx.Exit

	// Err is the underlying failure, if any.
	Err error
}

// Error implements error.Error.
func (u *UnhandledError) Error() string {
	s := fmt.Sprintf("unhandled %v exit, qualification %#x, gpa %#x", u.Exit.Reason, u.Exit.Qualification, u.Exit.GPA)
	if u.Err != nil {
		s += ": " + u.Err.Error()
	}
	return s
}

// Unwrap returns the underlying failure.
func (u *UnhandledError) Unwrap() error { return u.Err }

// Is makes every UnhandledError match ErrUnhandled.
func (u *UnhandledError) Is(target error) bool { return target == ErrUnhandled }

// otherReason labels exits with reasons the dispatcher does not know.
const otherReason = "other"

func reasonFields() []string {
	names := make([]string, 0, len(vmx.ExitReasons)+1)
	for _, r := range vmx.ExitReasons {
		names = append(names, r.String())
	}
	return append(names, otherReason)
}

var (
	exitsMetric = metric.MustCreateNewUint64Metric("/vmx/exits", "Guest exits by reason.",
		metric.NewField("reason", reasonFields()))
	unhandledMetric = metric.MustCreateNewUint64Metric("/vmx/unhandled_exits", "Guest exits that terminated the guest.",
		metric.NewField("reason", reasonFields()))
	hypercallsMetric = metric.MustCreateNewUint64Metric("/vmx/hypercalls", "Hypercalls by number.",
		metric.NewField("call", hypercallFields()))
)

func reasonLabel(r vmx.ExitReason) string {
	for _, known := range vmx.ExitReasons {
		if r == known {
			return r.String()
		}
	}
	return otherReason
}

// PacketDevice is the network card as seen by a guest.
type PacketDevice interface {
	// Transmit queues one frame for the wire.
	Transmit(data []byte) error

	// GuestReceive pops the next frame from the guest receive ring.
	GuestReceive(buf []byte) (int, error)
}

// Config configures a Dispatcher.
type Config struct {
	// Directory resolves hypercall IPC targets. Required.
	Directory *env.Directory

	// CPUID answers guest CPUID exits. Defaults to cpuid.Host().
	CPUID cpuid.Function

	// NIC serves the packet hypercalls. Without one they fail with
	// NoPacket and NoDescriptor.
	NIC PacketDevice

	// Start is the reference time for the time hypercall. Defaults to the
	// time New is called.
	Start time.Time

	// Now defaults to time.Now.
	Now func() time.Time

	// Logger defaults to the global logger.
	Logger log.Logger
}

// Dispatcher routes guest exits to their handlers.
type Dispatcher struct {
	dir   *env.Directory
	cpuid cpuid.Function
	nic   PacketDevice
	start time.Time
	now   func() time.Time
	log   log.Logger

	// warn reports guest-triggered failures without letting a guest flood
	// the log.
	warn log.Logger
}

// New returns a Dispatcher for conf.
func New(conf Config) *Dispatcher {
	if conf.Directory == nil {
		panic("vmexit.New without a directory")
	}
	d := &Dispatcher{
		dir:   conf.Directory,
		cpuid: conf.CPUID,
		nic:   conf.NIC,
		start: conf.Start,
		now:   conf.Now,
		log:   conf.Logger,
	}
	if d.cpuid == nil {
		d.cpuid = cpuid.Host()
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.start.IsZero() {
		d.start = d.now()
	}
	if d.log == nil {
		d.log = log.Log()
	}
	d.warn = log.BurstRateLimitedLogger(d.log, time.Second, 5)
	return d
}

// Handle completes the exit recorded in v for guest e.
func (d *Dispatcher) Handle(e *env.Env, v vmx.VMCS) (Action, error) {
	if !e.IsGuest() {
		panic(fmt.Sprintf("exit from non-guest %v", e))
	}
	x := vmx.ReadExit(v)
	label := reasonLabel(x.Reason)
	exitsMetric.Increment(label)

	act, err := d.dispatch(e, v, x)
	if err != nil && errors.Is(err, ErrUnhandled) {
		unhandledMetric.Increment(label)
		d.warn.Warningf("%v at rip %#x: %v", e, e.TF.RIP, err)
		return Halt, err
	}
	return act, err
}

func (d *Dispatcher) dispatch(e *env.Env, v vmx.VMCS, x vmx.Exit) (Action, error) {
	switch x.Reason {
	case vmx.ExitRDMSR:
		return d.handleRDMSR(e, x)
	case vmx.ExitWRMSR:
		return d.handleWRMSR(e, v, x)
	case vmx.ExitCPUID:
		return d.handleCPUID(e, x)
	case vmx.ExitIO:
		return d.handleIO(e, x)
	case vmx.ExitEPTViolation:
		return d.handleEPTViolation(e, x)
	case vmx.ExitVMCALL:
		return d.handleVMCALL(e, x)
	case vmx.ExitHLT:
		d.log.Infof("%v halted", e)
		return Halt, nil
	default:
		return Halt, unhandled(x, nil)
	}
}

func unhandled(x vmx.Exit, err error) error {
	return &UnhandledError{Exit: x, Err: err}
}

// advance moves the guest past the exiting instruction.
func advance(e *env.Env, x vmx.Exit) {
	e.TF.RIP += uint64(x.Length)
}
