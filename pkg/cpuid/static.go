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

package cpuid

// Static is a static CPUID function.
type Static map[In]Out

// Set sets the output for in.
func (s Static) Set(in In, out Out) {
	s[in] = out
}

// Add sets feature f, creating the leaf if needed.
func (s Static) Add(f Feature) Static {
	in := In{Eax: f.leaf.eax(), Ecx: f.leaf.ecx()}
	out := s[in]
	*out.reg(f.reg) |= 1 << f.bit
	s[in] = out
	return s
}

// Remove clears feature f.
func (s Static) Remove(f Feature) Static {
	in := In{Eax: f.leaf.eax(), Ecx: f.leaf.ecx()}
	out, ok := s[in]
	if ok {
		out.Clear(in, f)
		s[in] = out
	}
	return s
}

// Query implements Function.Query.
func (s Static) Query(in In) Out {
	in.normalize()
	return s[in]
}

// ToStatic snapshots the leaves of fn the kernel uses.
func ToStatic(fn Function) Static {
	s := make(Static)
	for _, leaf := range []cpuidFunction{vendorID, featureInfo, extendedFeatureInfo, extendedFunctionInfo, extendedFeatures, addressSizes} {
		in := In{Eax: leaf.eax(), Ecx: leaf.ecx()}
		s[in] = fn.Query(in)
	}
	return s
}

// Default returns a fixed Intel-like table with VMX and long mode. It is
// used when the host cannot be queried.
func Default() Static {
	s := Static{
		// "GenuineIntel", highest standard leaf 7.
		{Eax: uint32(vendorID)}: {Eax: 7, Ebx: 0x756e6547, Ecx: 0x6c65746e, Edx: 0x49656e69},
		// Family 6 model 0x3a with SSE, SSE2, PAE, APIC and TSC.
		{Eax: uint32(featureInfo)}:          {Eax: 0x000306a9, Ecx: 0x00000201, Edx: 0x07808251},
		{Eax: uint32(extendedFunctionInfo)}: {Eax: uint32(addressSizes)},
		// 39 physical bits, 48 virtual bits.
		{Eax: uint32(addressSizes)}: {Eax: 0x00003027},
	}
	return s.Add(FeatureVMX).Add(FeatureLM)
}
