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

package vmexit

import (
	"fmt"

	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/ipc"
	"nestvm.dev/nestvm/pkg/multiboot"
	"nestvm.dev/nestvm/pkg/nic"
	"nestvm.dev/nestvm/pkg/vmx"
)

// Hypercall is a VMCALL number, passed in RAX.
type Hypercall uint64

// Hypercalls. The numbers are part of the guest ABI.
const (
	HypercallMBMap     Hypercall = 1
	HypercallIPCSend   Hypercall = 2
	HypercallIPCRecv   Hypercall = 3
	HypercallTimeMsec  Hypercall = 8
	HypercallPktInput  Hypercall = 9
	HypercallPktOutput Hypercall = 10
)

var hypercallNames = map[Hypercall]string{
	HypercallMBMap:     "mbmap",
	HypercallIPCSend:   "ipc_send",
	HypercallIPCRecv:   "ipc_recv",
	HypercallTimeMsec:  "time_msec",
	HypercallPktInput:  "pkt_input",
	HypercallPktOutput: "pkt_output",
}

// String implements fmt.Stringer.String.
func (h Hypercall) String() string {
	if s, ok := hypercallNames[h]; ok {
		return s
	}
	return fmt.Sprintf("hypercall(%d)", uint64(h))
}

func hypercallFields() []string {
	return []string{"mbmap", "ipc_send", "ipc_recv", "time_msec", "pkt_input", "pkt_output", "other"}
}

// HostFSEnv is the identity a guest sends to when it means the host file
// service, whatever that service's real identity is.
const HostFSEnv env.ID = 1

// MultibootAddr is the guest-physical page holding the memory map.
const MultibootAddr hostarch.Addr = 0x6000

// Hypercall arguments:
//
//	RAX  number, and the status on return
//	RBX  ipc_send target; mbmap result
//	RCX  ipc_send value; pkt_output length
//	RDX  guest-physical buffer
//	RDI  ipc_send permissions
//
// Statuses are also copied to RSI, where a guest finds the value delivered
// by ipc_recv.
func (d *Dispatcher) handleVMCALL(e *env.Env, x vmx.Exit) (Action, error) {
	call := Hypercall(e.TF.RAX)
	if name, ok := hypercallNames[call]; ok {
		hypercallsMetric.Increment(name)
	} else {
		hypercallsMetric.Increment("other")
	}

	switch call {
	case HypercallMBMap:
		if err := d.mbmap(e); err != nil {
			return Halt, unhandled(x, err)
		}
		e.TF.RBX = uint64(MultibootAddr)
		setStatus(e, 0)
	case HypercallIPCSend:
		if HostFSEnv != env.ID(e.TF.RBX) {
			return Halt, unhandled(x, fmt.Errorf("ipc_send to %v", env.ID(e.TF.RBX)))
		}
		err := d.sendToFS(e, uint32(e.TF.RCX), hostarch.Addr(e.TF.RDX), e.TF.RDI)
		setStatus(e, vmerr.Ret(err))
	case HypercallIPCRecv:
		// The guest may not run again until a sender wakes it, and it must
		// then continue after the VMCALL.
		advance(e, x)
		e.TF.RSI = 0
		e.TF.RAX = 0
		if _, err := ipc.Recv(e, hostarch.Addr(e.TF.RDX)); err != nil {
			setStatus(e, vmerr.Ret(err))
			return Resume, nil
		}
		return Block, nil
	case HypercallTimeMsec:
		e.TF.RAX = uint64(d.now().Sub(d.start).Milliseconds())
	case HypercallPktInput:
		n, err := d.packetInput(e, hostarch.Addr(e.TF.RDX))
		if err != nil {
			setStatus(e, vmerr.Ret(err))
		} else {
			setStatus(e, int64(n))
		}
	case HypercallPktOutput:
		err := d.packetOutput(e, hostarch.Addr(e.TF.RDX), e.TF.RCX)
		setStatus(e, vmerr.Ret(err))
	default:
		return Halt, unhandled(x, fmt.Errorf("unknown %v", call))
	}
	advance(e, x)
	return Resume, nil
}

func setStatus(e *env.Env, rv int64) {
	e.TF.RAX = uint64(rv)
	e.TF.RSI = uint64(rv)
}

// mbmap writes the multiboot block to MultibootAddr, backing the page first
// if the guest has not touched it.
func (d *Dispatcher) mbmap(e *env.Env) error {
	if err := e.EPT.Populate(MultibootAddr, MultibootAddr+hostarch.PageSize, ept.Full); err != nil {
		return err
	}
	_, err := e.EPT.WriteAt(multiboot.Layout(uint64(MultibootAddr), e.Guest.PhysSize), int64(MultibootAddr))
	return err
}

// sendToFS is a try-send from guest e to the file service.
func (d *Dispatcher) sendToFS(e *env.Env, value uint32, gpa hostarch.Addr, perm uint64) error {
	fs, ok := d.dir.FindType(env.TypeFS)
	if !ok {
		return fmt.Errorf("no file service: %w", vmerr.BadEnv)
	}
	return ipc.TrySend(d.dir, e, fs.ID(), value, gpa, perm)
}

func (d *Dispatcher) packetInput(e *env.Env, gpa hostarch.Addr) (int, error) {
	if d.nic == nil {
		return 0, vmerr.NoPacket
	}
	if _, ok := e.EPT.GPAToKVA(gpa); !ok {
		return 0, fmt.Errorf("packet buffer %v not mapped: %w", gpa, vmerr.Fault)
	}
	var buf [nic.MaxPacket]byte
	n, err := d.nic.GuestReceive(buf[:])
	if err != nil {
		return 0, err
	}
	if _, err := e.EPT.WriteAt(buf[:n], int64(gpa)); err != nil {
		return 0, err
	}
	return n, nil
}

func (d *Dispatcher) packetOutput(e *env.Env, gpa hostarch.Addr, length uint64) error {
	if d.nic == nil {
		return vmerr.NoDescriptor
	}
	if length > nic.MaxPacket {
		return fmt.Errorf("packet of %d bytes: %w", length, vmerr.InvalidArgument)
	}
	buf := make([]byte, length)
	if _, err := e.EPT.ReadAt(buf, int64(gpa)); err != nil {
		return err
	}
	return d.nic.Transmit(buf)
}
