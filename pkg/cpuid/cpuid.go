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

// Package cpuid answers CPUID queries on behalf of guests, either from the
// host processor or from a fixed table.
//
// Guests never see the host's virtualization support:
//
//	out := fn.Query(in)
//	out.HideVMX(in)
package cpuid

import (
	"encoding/binary"
	"fmt"
)

// cpuidFunction is a useful type wrapper. The format is eax | (ecx << 32).
type cpuidFunction uint64

func (f cpuidFunction) eax() uint32 {
	return uint32(f)
}

func (f cpuidFunction) ecx() uint32 {
	return uint32(f >> 32)
}

// Leaves used by the kernel.
const (
	vendorID            cpuidFunction = 0x0 // Returns vendor ID and largest standard function.
	featureInfo         cpuidFunction = 0x1 // Returns basic feature bits and processor signature.
	extendedFeatureInfo cpuidFunction = 0x7 // Returns extended feature bits.

	extendedStart        cpuidFunction = 0x80000000
	extendedFunctionInfo cpuidFunction = extendedStart + 0 // Returns highest available extended function in eax.
	extendedFeatures     cpuidFunction = extendedStart + 1 // Returns some extended feature bits in edx and ecx.
	addressSizes         cpuidFunction = extendedStart + 8 // Physical and virtual address sizes.
)

// Feature is a single bit in the output of a leaf.
type Feature struct {
	leaf cpuidFunction
	reg  int // 0..3 for eax..edx
	bit  uint
}

// Registers of Out, for Feature.reg.
const (
	regEax = iota
	regEbx
	regEcx
	regEdx
)

// Features the kernel inspects.
var (
	// FeatureVMX is virtual machine extensions support (leaf 1, ecx bit 5).
	FeatureVMX = Feature{leaf: featureInfo, reg: regEcx, bit: 5}

	// FeatureHypervisor is the "running under a hypervisor" bit.
	FeatureHypervisor = Feature{leaf: featureInfo, reg: regEcx, bit: 31}

	// FeatureLM is long mode support.
	FeatureLM = Feature{leaf: extendedFeatures, reg: regEdx, bit: 29}
)

// String implements fmt.Stringer.String.
func (f Feature) String() string {
	return fmt.Sprintf("cpuid(%#x).%s[%d]", f.leaf.eax(), "abcd"[f.reg:f.reg+1], f.bit)
}

// In is input to the Query function.
type In struct {
	Eax uint32
	Ecx uint32
}

// normalize drops irrelevant Ecx values.
func (i *In) normalize() {
	switch cpuidFunction(i.Eax) {
	case extendedFeatureInfo:
		// Preserve i.Ecx.
	default:
		i.Ecx = 0
	}
}

// Out is output from the Query function.
type Out struct {
	Eax uint32
	Ebx uint32
	Ecx uint32
	Edx uint32
}

func (o *Out) reg(r int) *uint32 {
	switch r {
	case regEax:
		return &o.Eax
	case regEbx:
		return &o.Ebx
	case regEcx:
		return &o.Ecx
	default:
		return &o.Edx
	}
}

// Has returns true if out, the result of querying in, reports f.
func (o Out) Has(in In, f Feature) bool {
	if cpuidFunction(in.Eax) != f.leaf {
		return false
	}
	return *o.reg(f.reg)&(1<<f.bit) != 0
}

// Clear removes f from out if out is the result of querying in.
func (o *Out) Clear(in In, f Feature) {
	if cpuidFunction(in.Eax) == f.leaf {
		*o.reg(f.reg) &^= 1 << f.bit
	}
}

// HideVMX clears the VMX bit so a guest does not try to nest further.
func (o *Out) HideVMX(in In) {
	o.Clear(in, FeatureVMX)
}

// Function executes a CPUID function.
//
// This is typically the native function or a Static definition.
type Function interface {
	Query(In) Out
}

// HasFeature queries fn for f.
func HasFeature(fn Function, f Feature) bool {
	in := In{Eax: f.leaf.eax(), Ecx: f.leaf.ecx()}
	return fn.Query(in).Has(in, f)
}

// VendorID returns the vendor string reported by fn.
func VendorID(fn Function) string {
	out := fn.Query(In{Eax: uint32(vendorID)})
	var b [12]byte
	binary.LittleEndian.PutUint32(b[0:], out.Ebx)
	binary.LittleEndian.PutUint32(b[4:], out.Edx)
	binary.LittleEndian.PutUint32(b[8:], out.Ecx)
	return string(b[:])
}
