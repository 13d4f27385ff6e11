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

//go:build amd64
// +build amd64

package cpuid

var allowedBasicFunctions = [...]bool{
	vendorID:            true,
	featureInfo:         true,
	extendedFeatureInfo: true,
}

var allowedExtendedFunctions = [...]bool{
	extendedFunctionInfo - extendedStart: true,
	extendedFeatures - extendedStart:     true,
	addressSizes - extendedStart:         true,
}

// Native is a native Function.
//
// This implements Function.
type Native struct{}

// native is the native Query function.
func native(in In) Out

// Query executes CPUID natively. Leaves the kernel does not forward return
// all zeros.
//
// This implements Function.
//
//go:nosplit
func (*Native) Query(in In) Out {
	in.normalize()
	if int(in.Eax) < len(allowedBasicFunctions) && allowedBasicFunctions[in.Eax] {
		return native(in)
	} else if in.Eax >= uint32(extendedStart) {
		if l := int(in.Eax - uint32(extendedStart)); l < len(allowedExtendedFunctions) && allowedExtendedFunctions[l] {
			return native(in)
		}
	}
	return Out{} // All zeros.
}

// Host returns the host processor's CPUID function.
func Host() Function {
	return &Native{}
}
