// Copyright 2018 The gVisor Authors.
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

package pagetables

import (
	"unsafe"

	"nestvm.dev/nestvm/pkg/physmem"
)

// entries returns the table node stored in f.
//
// Frame memory is page aligned host memory outside the Go heap, so the view
// is valid for as long as the frame service is open.
func entries(f *physmem.Frame) *PTEs {
	b := f.Bytes()
	return (*PTEs)(unsafe.Pointer(&b[0]))
}
