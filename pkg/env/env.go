// Copyright 2019 The gVisor Authors.
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

// Package env defines execution contexts (environments) and the directory
// that allocates, finds and destroys them. An environment is either a host
// process with an ordinary address space or a guest with an EPT.
package env

import (
	"fmt"

	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/physmem"
)

// UTop is the receivable-address ceiling. Transfer addresses at or above it
// mean "no page".
const UTop hostarch.Addr = 0x8000000000

// ID identifies an environment: a generation number above the slot index.
type ID int32

const (
	logNEnv = 10

	// NEnv is the number of environment slots.
	NEnv = 1 << logNEnv

	genShift = 12
)

// Index returns the directory slot of id.
func (id ID) Index() int {
	return int(id) & (NEnv - 1)
}

// String implements fmt.Stringer.String.
func (id ID) String() string {
	return fmt.Sprintf("%08x", uint32(id))
}

// Type classifies environments.
type Type int

// Environment types.
const (
	TypeUser Type = iota
	TypeFS
	TypeNS
	TypeGuest
)

func (t Type) String() string {
	switch t {
	case TypeUser:
		return "user"
	case TypeFS:
		return "fs"
	case TypeNS:
		return "ns"
	case TypeGuest:
		return "guest"
	default:
		return fmt.Sprintf("Type(%d)", int(t))
	}
}

// Status is the scheduling state of an environment.
type Status int

// Environment states.
const (
	Free Status = iota
	Dying
	Runnable
	Running
	NotRunnable
)

func (s Status) String() string {
	switch s {
	case Free:
		return "free"
	case Dying:
		return "dying"
	case Runnable:
		return "runnable"
	case Running:
		return "running"
	case NotRunnable:
		return "not-runnable"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// IPC is the rendezvous state of an environment.
type IPC struct {
	// Recving is set while the environment is blocked in recv.
	Recving bool

	// DstVA is where a transferred page is mapped. At or above UTop means
	// no page is wanted.
	DstVA hostarch.Addr

	// Value is the last value received.
	Value uint32

	// From is the sender of the last value.
	From ID

	// Perm is the permission of the transferred page, or zero if none was
	// transferred.
	Perm uint64
}

// Regs are the general purpose registers.
type Regs struct {
	R15 uint64
	R14 uint64
	R13 uint64
	R12 uint64
	R11 uint64
	R10 uint64
	R9  uint64
	R8  uint64
	RSI uint64
	RDI uint64
	RBP uint64
	RDX uint64
	RCX uint64
	RBX uint64
	RAX uint64
}

// Trapframe is the saved register state of an environment.
type Trapframe struct {
	Regs
	RIP    uint64
	RFLAGS uint64
	RSP    uint64
}

// MSR indices the kernel emulates.
const (
	MSREFER uint32 = 0xc0000080
)

// MSREntry is one slot of a guest's MSR load/store area.
type MSREntry struct {
	Index uint32
	Value uint64
}

// GuestInfo is the guest-only part of an environment.
type GuestInfo struct {
	// PhysSize is the size of guest-physical RAM in bytes.
	PhysSize uint64

	// MSRs is the emulated MSR area.
	MSRs []MSREntry

	// RTCIndex is the CMOS register selected by the last write to the
	// index port.
	RTCIndex uint8
}

// FindMSR returns the entry for index.
func (g *GuestInfo) FindMSR(index uint32) (*MSREntry, bool) {
	for i := range g.MSRs {
		if g.MSRs[i].Index == index {
			return &g.MSRs[i], true
		}
	}
	return nil, false
}

// Env is an execution context.
type Env struct {
	slot   int
	id     ID
	parent ID

	// Type is fixed at allocation.
	Type Type

	// Status is the scheduling state.
	Status Status

	// Runs counts how many times the environment has been scheduled.
	Runs int

	// IPC is the rendezvous state.
	IPC IPC

	// TF holds the saved registers.
	TF Trapframe

	// AS is the address space of a host process; nil for guests.
	AS *addrspace.AddressSpace

	// EPT is the nested page table of a guest; nil for processes.
	EPT *ept.Tables

	// Guest is set for guests.
	Guest *GuestInfo

	// root is the address space root frame, owned by the environment.
	root *physmem.Frame

	// nextFree links free slots.
	nextFree *Env
}

// ID returns the environment's identity.
func (e *Env) ID() ID { return e.id }

// Parent returns the identity of the environment that created e.
func (e *Env) Parent() ID { return e.parent }

// IsGuest returns true for guest environments.
func (e *Env) IsGuest() bool { return e.Type == TypeGuest }

// String implements fmt.Stringer.String.
func (e *Env) String() string {
	return fmt.Sprintf("env %v (%v, %v)", e.id, e.Type, e.Status)
}
