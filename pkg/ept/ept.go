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

// Package ept manages a guest's extended page tables, which translate
// guest-physical addresses to host-physical frames.
package ept

import (
	"fmt"

	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/pagetables"
	"nestvm.dev/nestvm/pkg/physmem"
)

// Perm is the set of flag bits in an EPT leaf entry.
type Perm uint64

// Access bits.
const (
	Read  Perm = 1 << 0
	Write Perm = 1 << 1
	Exec  Perm = 1 << 2

	// Full grants every access.
	Full = Read | Write | Exec

	memTypeShift      = 3
	memTypeMask  Perm = 0x7 << memTypeShift
	ignorePAT    Perm = 1 << 6

	// flagMask covers every bit a caller may pass in a Perm.
	flagMask Perm = 0x7f
)

// WithMemoryType returns p with its memory type field set to mt. The guest's
// PAT is ignored for such mappings.
func (p Perm) WithMemoryType(mt hostarch.MemoryType) Perm {
	return (p &^ (memTypeMask | ignorePAT)) | Perm(mt.EPTEncoding()<<memTypeShift) | ignorePAT
}

// Access returns the read/write/execute bits of p.
func (p Perm) Access() hostarch.AccessType {
	return hostarch.AccessType{
		Read:    p&Read != 0,
		Write:   p&Write != 0,
		Execute: p&Exec != 0,
	}
}

// Valid returns true if p grants some access and has no stray bits.
func (p Perm) Valid() bool {
	return p&Full != 0 && p&^flagMask == 0
}

// String implements fmt.Stringer.String.
func (p Perm) String() string {
	return fmt.Sprintf("%s(%#x)", p.Access(), uint64(p))
}

// Tables is a guest's EPT.
type Tables struct {
	t *pagetables.Tables
}

// New returns an EPT rooted at root. The root is owned by the caller and is
// never released by the EPT.
func New(mem *physmem.Memory, root *physmem.Frame) *Tables {
	return &Tables{t: pagetables.New(mem, pagetables.EPTFormat, root)}
}

// Root returns the root frame.
func (e *Tables) Root() *physmem.Frame {
	return e.t.Root()
}

// Lookup returns the leaf entry for gpa, allocating missing levels if create
// is set. The entry need not be present.
func (e *Tables) Lookup(gpa hostarch.Addr, create bool) (*pagetables.PTE, error) {
	return e.t.Walk(gpa, create)
}

// Map points the page containing gpa at the frame aliased by kva. It does not
// touch reference counts. An existing mapping is an error unless overwrite is
// set.
func (e *Tables) Map(kva hostarch.Addr, gpa hostarch.Addr, perm Perm, overwrite bool) error {
	if !perm.Valid() {
		return fmt.Errorf("mapping gpa %v with perm %v: %w", gpa, perm, vmerr.InvalidArgument)
	}
	pa, ok := physmem.KVAToPA(kva)
	if !ok {
		return fmt.Errorf("mapping gpa %v to non-kernel address %v: %w", gpa, kva, vmerr.InvalidArgument)
	}
	pte, err := e.t.Walk(gpa, true)
	if err != nil {
		return err
	}
	if pagetables.EPTFormat.Valid(*pte) && !overwrite {
		return fmt.Errorf("gpa %v already mapped to %v: %w", gpa, pte.Address(), vmerr.InvalidArgument)
	}
	*pte = pagetables.EPTFormat.Make(pa, uint64(perm))
	return nil
}

// Insert maps f at gpa and takes a reference on it. A different frame
// previously mapped at gpa loses the reference the mapping held.
func (e *Tables) Insert(f *physmem.Frame, gpa hostarch.Addr, perm Perm) error {
	if !perm.Valid() {
		return fmt.Errorf("inserting at gpa %v with perm %v: %w", gpa, perm, vmerr.InvalidArgument)
	}
	pte, err := e.t.Walk(gpa, true)
	if err != nil {
		return err
	}
	f.IncRef()
	if pagetables.EPTFormat.Valid(*pte) {
		if old, ok := e.t.Memory().FrameAt(pte.Address()); ok {
			old.DecRef()
		}
	}
	*pte = pagetables.EPTFormat.Make(f.PA(), uint64(perm))
	return nil
}

// Remove unmaps gpa and drops the mapping's reference.
func (e *Tables) Remove(gpa hostarch.Addr) {
	pte, err := e.t.Walk(gpa, false)
	if err != nil || !pagetables.EPTFormat.Valid(*pte) {
		return
	}
	f, ok := e.t.Memory().FrameAt(pte.Address())
	*pte = 0
	if ok {
		f.DecRef()
	}
}

// Translate returns the frame and permissions mapped at gpa.
func (e *Tables) Translate(gpa hostarch.Addr) (*physmem.Frame, Perm, bool) {
	pte, ok := e.t.Lookup(gpa)
	if !ok {
		return nil, 0, false
	}
	f, ok := e.t.Memory().FrameAt(pte.Address())
	if !ok {
		return nil, 0, false
	}
	return f, Perm(pte.Flags()) & flagMask, true
}

// GPAToKVA translates gpa to the kernel virtual address of the same byte.
// ok is false if the page has not been faulted in yet.
func (e *Tables) GPAToKVA(gpa hostarch.Addr) (hostarch.Addr, bool) {
	pte, ok := e.t.Lookup(gpa)
	if !ok {
		return 0, false
	}
	return physmem.PAToKVA(pte.Address()) + hostarch.Addr(gpa.PageOffset()), true
}

// Range calls fn for every mapped guest page in ascending order.
func (e *Tables) Range(fn func(gpa hostarch.Addr, pa physmem.PhysAddr, perm Perm) bool) {
	e.t.Range(func(addr hostarch.Addr, pte pagetables.PTE) bool {
		return fn(addr, pte.Address(), Perm(pte.Flags())&flagMask)
	})
}

// MappedPages returns the number of mapped guest pages.
func (e *Tables) MappedPages() int {
	n := 0
	e.t.Range(func(hostarch.Addr, pagetables.PTE) bool {
		n++
		return true
	})
	return n
}

// FreeAll releases every frame reachable from the root: mapped guest pages
// and intermediate table nodes. The root frame stays with its owner.
func (e *Tables) FreeAll() {
	e.t.FreeAll()
}

// Populate backs every unmapped page in [start, end) with a fresh zeroed
// frame. It is the eager alternative to faulting guest RAM in on demand.
func (e *Tables) Populate(start, end hostarch.Addr, perm Perm) error {
	mem := e.t.Memory()
	for gpa := start.RoundDown(); gpa < end; gpa += hostarch.PageSize {
		if _, ok := e.t.Lookup(gpa); ok {
			continue
		}
		f, err := mem.Alloc(true)
		if err != nil {
			return fmt.Errorf("populating gpa %v: %w", gpa, err)
		}
		if err := e.Insert(f, gpa, perm); err != nil {
			mem.Free(f)
			return err
		}
	}
	return nil
}

// ReadAt copies guest memory at gpa off into p. Every page touched must be
// mapped.
func (e *Tables) ReadAt(p []byte, off int64) (int, error) {
	return e.copy(p, off, false)
}

// WriteAt copies p into guest memory at gpa off. Every page touched must be
// mapped.
func (e *Tables) WriteAt(p []byte, off int64) (int, error) {
	return e.copy(p, off, true)
}

func (e *Tables) copy(p []byte, off int64, write bool) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative gpa %d: %w", off, vmerr.InvalidArgument)
	}
	done := 0
	for done < len(p) {
		gpa := hostarch.Addr(off) + hostarch.Addr(done)
		f, _, ok := e.Translate(gpa)
		if !ok {
			return done, fmt.Errorf("gpa %v not mapped: %w", gpa, vmerr.Fault)
		}
		page := f.Bytes()[gpa.PageOffset():]
		var n int
		if write {
			n = copy(page, p[done:])
		} else {
			n = copy(p[done:], page)
		}
		done += n
	}
	return done, nil
}
