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

package env

import (
	"fmt"

	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/physmem"
)

// Directory is the environment table. It is not safe for concurrent use; the
// scheduler serializes all access.
type Directory struct {
	mem *physmem.Memory
	log log.Logger

	envs [NEnv]Env

	// free heads the list of free slots, lowest index first.
	free *Env

	// cur is the environment currently running, if any.
	cur *Env
}

// NewDirectory returns an empty directory drawing frames from mem.
func NewDirectory(mem *physmem.Memory, logger log.Logger) *Directory {
	if logger == nil {
		logger = log.Log()
	}
	d := &Directory{mem: mem, log: logger}
	for i := NEnv - 1; i >= 0; i-- {
		d.envs[i].slot = i
		d.envs[i].nextFree = d.free
		d.free = &d.envs[i]
	}
	return d
}

// Memory returns the frame service.
func (d *Directory) Memory() *physmem.Memory {
	return d.mem
}

// Current returns the running environment, or nil.
func (d *Directory) Current() *Env {
	return d.cur
}

// SetCurrent records e as the running environment.
func (d *Directory) SetCurrent(e *Env) {
	d.cur = e
}

// alloc takes a free slot and gives it a fresh identity and root frame.
func (d *Directory) alloc(parent ID, typ Type) (*Env, error) {
	e := d.free
	if e == nil {
		return nil, vmerr.NoFreeEnv
	}
	root, err := d.mem.Alloc(true)
	if err != nil {
		return nil, err
	}
	root.IncRef()
	d.free = e.nextFree

	index := ID(e.slot)
	gen := (e.id + (1 << genShift)) &^ (NEnv - 1)
	if gen <= 0 {
		gen = 1 << genShift
	}
	*e = Env{
		slot:   e.slot,
		id:     gen | index,
		parent: parent,
		Type:   typ,
		Status: Runnable,
		root:   root,
	}
	e.IPC.DstVA = UTop
	return e, nil
}

// Alloc creates a host process of type typ.
func (d *Directory) Alloc(parent ID, typ Type) (*Env, error) {
	if typ == TypeGuest {
		return nil, fmt.Errorf("allocating a guest through Alloc: %w", vmerr.InvalidArgument)
	}
	e, err := d.alloc(parent, typ)
	if err != nil {
		return nil, err
	}
	e.AS = addrspace.New(d.mem, e.root)
	d.log.Debugf("[%v] new env %v", parent, e.id)
	return e, nil
}

// AllocGuest creates a guest with physSize bytes of guest-physical RAM. The
// guest starts out not runnable.
func (d *Directory) AllocGuest(parent ID, physSize uint64) (*Env, error) {
	e, err := d.alloc(parent, TypeGuest)
	if err != nil {
		return nil, err
	}
	e.Status = NotRunnable
	e.EPT = ept.New(d.mem, e.root)
	e.Guest = &GuestInfo{
		PhysSize: physSize,
		MSRs:     []MSREntry{{Index: MSREFER}},
	}
	d.log.Debugf("[%v] new guest %v, %d bytes", parent, e.id, physSize)
	return e, nil
}

// Lookup resolves id on behalf of caller. Zero means the caller itself. If
// checkPerm is set, the target must be the caller or one of its children.
func (d *Directory) Lookup(caller *Env, id ID, checkPerm bool) (*Env, error) {
	if id == 0 {
		if caller == nil {
			return nil, vmerr.BadEnv
		}
		return caller, nil
	}
	e := &d.envs[id.Index()]
	if e.Status == Free || e.id != id {
		return nil, vmerr.BadEnv
	}
	if checkPerm && (caller == nil || (e != caller && e.parent != caller.id)) {
		return nil, vmerr.BadEnv
	}
	return e, nil
}

// FindType returns the first live environment of type t.
func (d *Directory) FindType(t Type) (*Env, bool) {
	for i := range d.envs {
		e := &d.envs[i]
		if e.Status != Free && e.Type == t {
			return e, true
		}
	}
	return nil, false
}

// Next returns the first environment after the slot of from, wrapping
// around, for which pred holds. A nil from starts at slot zero.
func (d *Directory) Next(from *Env, pred func(*Env) bool) (*Env, bool) {
	start := 0
	if from != nil {
		start = from.id.Index() + 1
	}
	for i := 0; i < NEnv; i++ {
		e := &d.envs[(start+i)%NEnv]
		if e.Status != Free && pred(e) {
			return e, true
		}
	}
	return nil, false
}

// Each calls fn for every live environment in slot order until fn returns
// false.
func (d *Directory) Each(fn func(*Env) bool) {
	for i := range d.envs {
		if e := &d.envs[i]; e.Status != Free {
			if !fn(e) {
				return
			}
		}
	}
}

// Live returns the number of allocated environments.
func (d *Directory) Live() int {
	n := 0
	d.Each(func(*Env) bool {
		n++
		return true
	})
	return n
}

// Destroy tears e down: a guest's EPT or a process's address space is freed,
// then the root frame, then the slot.
func (d *Directory) Destroy(e *Env) {
	if e.Status == Free {
		panic(fmt.Sprintf("destroying free %v", e))
	}
	switch {
	case e.EPT != nil:
		e.EPT.FreeAll()
	case e.AS != nil:
		e.AS.Free()
	}
	e.root.DecRef()
	d.log.Debugf("[%v] free env %v", e.parent, e.id)

	*e = Env{slot: e.slot, id: e.id, Status: Free}
	if d.cur == e {
		d.cur = nil
	}
	e.nextFree = d.free
	d.free = e
}
