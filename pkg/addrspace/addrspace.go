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

// Package addrspace implements the page tables of host processes.
package addrspace

import (
	"fmt"

	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/pagetables"
	"nestvm.dev/nestvm/pkg/physmem"
)

// Perm is the set of flag bits in a process page table entry.
type Perm uint64

// Entry bits.
const (
	Present Perm = 1 << 0
	Write   Perm = 1 << 1
	User    Perm = 1 << 2

	// Avail are the bits left to software.
	Avail Perm = 0xe00

	// Syscall is the set of bits a process may request.
	Syscall = Present | Write | User | Avail
)

// UserValid returns true if p is acceptable from a process: it must be a
// present user mapping and use no bits outside Syscall.
func (p Perm) UserValid() bool {
	return p&(Present|User) == Present|User && p&^Syscall == 0
}

// String implements fmt.Stringer.String.
func (p Perm) String() string {
	s := []byte("---")
	if p&Present != 0 {
		s[0] = 'p'
	}
	if p&Write != 0 {
		s[1] = 'w'
	}
	if p&User != 0 {
		s[2] = 'u'
	}
	return string(s)
}

// AddressSpace is a host process's page table.
type AddressSpace struct {
	t *pagetables.Tables
}

// New returns an address space rooted at root, which stays owned by the
// caller.
func New(mem *physmem.Memory, root *physmem.Frame) *AddressSpace {
	return &AddressSpace{t: pagetables.New(mem, pagetables.X86Format, root)}
}

// Root returns the root frame.
func (as *AddressSpace) Root() *physmem.Frame {
	return as.t.Root()
}

// PageInsert maps f at va with perm, taking a reference on f. Whatever was
// mapped at va before is removed.
func (as *AddressSpace) PageInsert(f *physmem.Frame, va hostarch.Addr, perm Perm) error {
	if !va.IsPageAligned() {
		return fmt.Errorf("inserting at unaligned %v: %w", va, vmerr.InvalidArgument)
	}
	pte, err := as.t.Walk(va, true)
	if err != nil {
		return err
	}
	f.IncRef()
	if pagetables.X86Format.Valid(*pte) {
		if old, ok := as.t.Memory().FrameAt(pte.Address()); ok {
			old.DecRef()
		}
	}
	*pte = pagetables.X86Format.Make(f.PA(), uint64(perm|Present))
	return nil
}

// PageLookup returns the frame mapped at va and the entry's permissions.
func (as *AddressSpace) PageLookup(va hostarch.Addr) (*physmem.Frame, Perm, bool) {
	pte, ok := as.t.Lookup(va)
	if !ok {
		return nil, 0, false
	}
	f, ok := as.t.Memory().FrameAt(pte.Address())
	if !ok {
		return nil, 0, false
	}
	return f, Perm(pte.Flags()), true
}

// PageRemove unmaps va, dropping the mapping's reference. Unmapped addresses
// are ignored.
func (as *AddressSpace) PageRemove(va hostarch.Addr) {
	pte, err := as.t.Walk(va, false)
	if err != nil || !pagetables.X86Format.Valid(*pte) {
		return
	}
	f, ok := as.t.Memory().FrameAt(pte.Address())
	*pte = 0
	if ok {
		f.DecRef()
	}
}

// Bytes returns the page mapped at va, starting at va's page offset.
func (as *AddressSpace) Bytes(va hostarch.Addr) ([]byte, error) {
	f, _, ok := as.PageLookup(va)
	if !ok {
		return nil, fmt.Errorf("%v not mapped: %w", va, vmerr.Fault)
	}
	return f.Bytes()[va.PageOffset():], nil
}

// MappedPages returns the number of mapped pages.
func (as *AddressSpace) MappedPages() int {
	n := 0
	as.t.Range(func(hostarch.Addr, pagetables.PTE) bool {
		n++
		return true
	})
	return n
}

// Free releases every mapped page and table node. The root stays with its
// owner.
func (as *AddressSpace) Free() {
	as.t.FreeAll()
}
