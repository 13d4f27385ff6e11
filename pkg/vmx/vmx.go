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

// Package vmx describes the hardware side of a guest: exit reasons, the VMCS
// fields the kernel reads and writes, and the VCPU that runs guest code until
// the next exit.
package vmx

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"nestvm.dev/nestvm/pkg/env"
)

// ExitReason is the basic exit reason reported by hardware.
type ExitReason uint32

// Exit reasons the kernel handles.
const (
	ExitCPUID        ExitReason = 10
	ExitHLT          ExitReason = 12
	ExitVMCALL       ExitReason = 18
	ExitIO           ExitReason = 30
	ExitRDMSR        ExitReason = 31
	ExitWRMSR        ExitReason = 32
	ExitEPTViolation ExitReason = 48
)

var exitNames = map[ExitReason]string{
	ExitCPUID:        "cpuid",
	ExitHLT:          "hlt",
	ExitVMCALL:       "vmcall",
	ExitIO:           "io",
	ExitRDMSR:        "rdmsr",
	ExitWRMSR:        "wrmsr",
	ExitEPTViolation: "ept_violation",
}

// ExitReasons lists the exit reasons with names, in ascending order.
var ExitReasons = []ExitReason{ExitCPUID, ExitHLT, ExitVMCALL, ExitIO, ExitRDMSR, ExitWRMSR, ExitEPTViolation}

// String implements fmt.Stringer.String.
func (r ExitReason) String() string {
	if s, ok := exitNames[r]; ok {
		return s
	}
	return fmt.Sprintf("exit(%d)", uint32(r))
}

// ParseExitReason accepts a name from String or a decimal reason number.
func ParseExitReason(s string) (ExitReason, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for r, name := range exitNames {
		if name == s {
			return r, nil
		}
	}
	n, err := strconv.ParseUint(s, 0, 16)
	if err != nil {
		return 0, fmt.Errorf("unknown exit reason %q", s)
	}
	return ExitReason(n), nil
}

// Field is a VMCS field encoding.
type Field uint32

// VMCS fields.
const (
	GuestPhysicalAddress  Field = 0x2400
	EntryControls         Field = 0x4012
	ExitReasonField       Field = 0x4402
	ExitInstructionLength Field = 0x440c
	ExitQualification     Field = 0x6400
	GuestCR3              Field = 0x6802
	GuestRSP              Field = 0x681c
	GuestRIP              Field = 0x681e
)

// Entry control bits.
const (
	// EntryIA32eGuest resumes the guest in 64-bit mode.
	EntryIA32eGuest uint32 = 1 << 9
)

// String implements fmt.Stringer.String.
func (f Field) String() string {
	return fmt.Sprintf("vmcs[%#x]", uint32(f))
}

// VMCS is access to the current guest's control structure.
type VMCS interface {
	Read32(f Field) uint32
	Read64(f Field) uint64
	Write32(f Field, v uint32)
	Write64(f Field, v uint64)
}

// SoftVMCS is a VMCS held in memory.
type SoftVMCS map[Field]uint64

// Read32 implements VMCS.Read32.
func (s SoftVMCS) Read32(f Field) uint32 { return uint32(s[f]) }

// Read64 implements VMCS.Read64.
func (s SoftVMCS) Read64(f Field) uint64 { return s[f] }

// Write32 implements VMCS.Write32.
func (s SoftVMCS) Write32(f Field, v uint32) { s[f] = uint64(v) }

// Write64 implements VMCS.Write64.
func (s SoftVMCS) Write64(f Field, v uint64) { s[f] = v }

// VCPU runs one guest.
type VCPU interface {
	// VMCS returns the guest's control structure.
	VMCS() VMCS

	// Run enters the guest with the registers in tf and returns at the next
	// exit, with tf holding the guest's registers and the exit fields of
	// the VMCS filled in.
	Run(ctx context.Context, tf *env.Trapframe) (ExitReason, error)
}

// Exit describes a guest exit: the reason and the VMCS exit fields.
type Exit struct {
	Reason        ExitReason
	Qualification uint64
	Length        uint32
	GPA           uint64
}

// Record stores x in the exit fields of v.
func (x Exit) Record(v VMCS) {
	v.Write32(ExitReasonField, uint32(x.Reason))
	v.Write64(ExitQualification, x.Qualification)
	v.Write32(ExitInstructionLength, x.Length)
	v.Write64(GuestPhysicalAddress, x.GPA)
}

// ReadExit returns the exit currently recorded in v.
func ReadExit(v VMCS) Exit {
	return Exit{
		Reason:        ExitReason(v.Read32(ExitReasonField) & 0xffff),
		Qualification: v.Read64(ExitQualification),
		Length:        v.Read32(ExitInstructionLength),
		GPA:           v.Read64(GuestPhysicalAddress),
	}
}
