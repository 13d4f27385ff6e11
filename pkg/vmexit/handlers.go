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

	"nestvm.dev/nestvm/pkg/cpuid"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/physmem"
	"nestvm.dev/nestvm/pkg/vmx"
)

// EFERLME is the long mode enable bit of EFER.
const EFERLME uint64 = 1 << 8

func (d *Dispatcher) handleRDMSR(e *env.Env, x vmx.Exit) (Action, error) {
	index := uint32(e.TF.RCX)
	if index != env.MSREFER {
		return Halt, unhandled(x, fmt.Errorf("rdmsr %#x", index))
	}
	m, ok := e.Guest.FindMSR(index)
	if !ok {
		return Halt, unhandled(x, fmt.Errorf("no shadow for msr %#x", index))
	}
	e.TF.RDX = m.Value >> 32
	e.TF.RAX = m.Value & 0xffffffff
	advance(e, x)
	return Resume, nil
}

func (d *Dispatcher) handleWRMSR(e *env.Env, v vmx.VMCS, x vmx.Exit) (Action, error) {
	index := uint32(e.TF.RCX)
	if index != env.MSREFER {
		return Halt, unhandled(x, fmt.Errorf("wrmsr %#x", index))
	}
	m, ok := e.Guest.FindMSR(index)
	if !ok {
		return Halt, unhandled(x, fmt.Errorf("no shadow for msr %#x", index))
	}
	val := e.TF.RDX<<32 | e.TF.RAX&0xffffffff
	if m.Value&EFERLME == 0 && val&EFERLME != 0 {
		v.Write32(vmx.EntryControls, v.Read32(vmx.EntryControls)|vmx.EntryIA32eGuest)
		d.log.Debugf("%v enabled long mode", e)
	}
	m.Value = val
	advance(e, x)
	return Resume, nil
}

func (d *Dispatcher) handleCPUID(e *env.Env, x vmx.Exit) (Action, error) {
	in := cpuid.In{Eax: uint32(e.TF.RAX), Ecx: uint32(e.TF.RCX)}
	out := d.cpuid.Query(in)
	out.HideVMX(in)
	e.TF.RAX = uint64(out.Eax)
	e.TF.RBX = uint64(out.Ebx)
	e.TF.RCX = uint64(out.Ecx)
	e.TF.RDX = uint64(out.Edx)
	advance(e, x)
	return Resume, nil
}

// CMOS ports and the registers that report memory size in KiB.
const (
	CMOSIndexPort = 0x70
	CMOSDataPort  = 0x71

	cmosBaseLo = 0x15
	cmosBaseHi = 0x16
	cmosExtLo  = 0x17
	cmosExtHi  = 0x18

	baseMemKB = 640
)

// ioQualification decodes an I/O instruction exit qualification.
type ioQualification uint64

func (q ioQualification) port() uint16 { return uint16(q >> 16) }

func (q ioQualification) in() bool { return q&(1<<3) != 0 }

func (d *Dispatcher) handleIO(e *env.Env, x vmx.Exit) (Action, error) {
	q := ioQualification(x.Qualification)
	switch {
	case q.port() == CMOSIndexPort && !q.in():
		e.Guest.RTCIndex = uint8(e.TF.RAX)
	case q.port() == CMOSDataPort && q.in():
		val, ok := cmosRegister(e.Guest, e.Guest.RTCIndex)
		if !ok {
			return Halt, unhandled(x, fmt.Errorf("cmos register %#x", e.Guest.RTCIndex))
		}
		e.TF.RAX = uint64(val)
	default:
		return Halt, unhandled(x, fmt.Errorf("port %#x", q.port()))
	}
	advance(e, x)
	return Resume, nil
}

// cmosRegister returns the memory size registers: 640 KiB of base memory and
// the KiB of extended memory above 1 MiB.
func cmosRegister(g *env.GuestInfo, index uint8) (uint8, bool) {
	ext := uint64(0)
	if kb := g.PhysSize / 1024; kb > 1024 {
		ext = kb - 1024
	}
	switch index {
	case cmosBaseLo:
		return baseMemKB & 0xff, true
	case cmosBaseHi:
		return baseMemKB >> 8, true
	case cmosExtLo:
		return uint8(ext), true
	case cmosExtHi:
		return uint8(ext >> 8), true
	default:
		return 0, false
	}
}

func (d *Dispatcher) handleEPTViolation(e *env.Env, x vmx.Exit) (Action, error) {
	gpa := hostarch.Addr(x.GPA)
	page := gpa.RoundDown()
	pa := physmem.PhysAddr(page)
	mem := d.dir.Memory()

	switch {
	case pa < physmem.IOHoleStart || (pa >= physmem.ExtMemStart && uint64(gpa) < e.Guest.PhysSize):
		f, err := mem.Alloc(true)
		if err != nil {
			return Halt, unhandled(x, err)
		}
		if err := e.EPT.Insert(f, page, ept.Full); err != nil {
			mem.Free(f)
			return Halt, unhandled(x, err)
		}
	case pa == physmem.CGABuf,
		pa >= physmem.BIOSStart && pa < physmem.ExtMemStart:
		if err := d.passThrough(e, page, ept.Full); err != nil {
			return Halt, unhandled(x, err)
		}
	case pa >= physmem.LAPICBase:
		if err := d.passThrough(e, page, ept.Full.WithMemoryType(hostarch.MemoryTypeUncached)); err != nil {
			return Halt, unhandled(x, err)
		}
	default:
		return Halt, unhandled(x, nil)
	}
	return Resume, nil
}

// passThrough maps the host frame at the same physical address into the
// guest.
func (d *Dispatcher) passThrough(e *env.Env, gpa hostarch.Addr, perm ept.Perm) error {
	f, ok := d.dir.Memory().FrameAt(physmem.PhysAddr(gpa))
	if !ok {
		return fmt.Errorf("no host frame at %v", gpa)
	}
	return e.EPT.Insert(f, gpa, perm)
}
