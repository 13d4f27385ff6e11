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

// Package ipc implements the rendezvous between environments: a receiver
// blocks in Recv, and a single sender's TrySend hands it a value and
// optionally a page. There is no queue; a send to an environment that is not
// receiving fails at once.
//
// Pages are named by virtual address in a process and by guest-physical
// address in a guest. Permissions are always expressed in process page table
// bits (addrspace.Perm) and are translated for a guest side.
package ipc

import (
	"fmt"

	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/physmem"
	"nestvm.dev/nestvm/pkg/sched"
)

// Recv blocks cur until a sender delivers to it. If dstva is below
// env.UTop, a transferred page is mapped there; otherwise no page is
// accepted.
//
// On success the returned outcome is always sched.Suspend. The caller's
// results are found in cur.IPC once it is scheduled again.
func Recv(cur *env.Env, dstva hostarch.Addr) (sched.Outcome, error) {
	if dstva < env.UTop && !dstva.IsPageAligned() {
		return sched.Yield, fmt.Errorf("recv at unaligned %v: %w", dstva, vmerr.InvalidArgument)
	}
	cur.IPC.Recving = true
	cur.IPC.DstVA = dstva
	cur.IPC.From = 0
	cur.IPC.Perm = 0
	cur.Status = env.NotRunnable
	return sched.Suspend, nil
}

// TrySend delivers value, and the page at srcva if srcva is below env.UTop,
// from cur to the environment to. It fails with vmerr.NotReceiving unless to
// is blocked in Recv. A failed send leaves the receiver untouched.
//
// A transferred page gains exactly one reference, held by the receiver's
// new mapping.
func TrySend(dir *env.Directory, cur *env.Env, to env.ID, value uint32, srcva hostarch.Addr, perm uint64) error {
	target, err := dir.Lookup(cur, to, false)
	if err != nil {
		return err
	}
	if target.Status != env.NotRunnable || !target.IPC.Recving {
		return vmerr.NotReceiving
	}

	var page *physmem.Frame
	if srcva < env.UTop {
		if !srcva.IsPageAligned() {
			return fmt.Errorf("send from unaligned %v: %w", srcva, vmerr.InvalidArgument)
		}
		p := addrspace.Perm(perm)
		if !p.UserValid() {
			return fmt.Errorf("send with perm %#x: %w", perm, vmerr.InvalidArgument)
		}
		f, writable, ok := source(cur, srcva)
		if !ok {
			return fmt.Errorf("send of unmapped %v: %w", srcva, vmerr.InvalidArgument)
		}
		if p&addrspace.Write != 0 && !writable {
			return fmt.Errorf("send of read-only %v as writable: %w", srcva, vmerr.InvalidArgument)
		}
		page = f
	}

	transferred := uint64(0)
	if page != nil && target.IPC.DstVA < env.UTop {
		if err := install(target, page, target.IPC.DstVA, addrspace.Perm(perm)); err != nil {
			return err
		}
		transferred = perm
	}

	target.IPC.Recving = false
	target.IPC.Value = value
	target.IPC.From = cur.ID()
	target.IPC.Perm = transferred
	if target.IsGuest() {
		// A guest reads the delivered value from RSI when it resumes after
		// its receive hypercall.
		target.TF.RSI = uint64(value)
	}
	target.Status = env.Runnable
	return nil
}

// source resolves the page cur is sending.
func source(cur *env.Env, va hostarch.Addr) (*physmem.Frame, bool, bool) {
	if cur.IsGuest() {
		f, p, ok := cur.EPT.Translate(va)
		return f, ok && p&ept.Write != 0, ok
	}
	f, p, ok := cur.AS.PageLookup(va)
	return f, ok && p&addrspace.Write != 0, ok
}

// install maps f at va in target and takes the transfer's reference.
func install(target *env.Env, f *physmem.Frame, va hostarch.Addr, perm addrspace.Perm) error {
	if target.IsGuest() {
		if uint64(va)+hostarch.PageSize > target.Guest.PhysSize {
			return fmt.Errorf("receive gpa %v past guest memory: %w", va, vmerr.InvalidArgument)
		}
		return target.EPT.Insert(f, va, EPTPerm(perm))
	}
	return target.AS.PageInsert(f, va, perm)
}

// EPTPerm translates process page permissions to EPT permissions. Present
// pages are readable and executable; Write carries over.
func EPTPerm(p addrspace.Perm) ept.Perm {
	if p&addrspace.Present == 0 {
		return 0
	}
	perm := ept.Read | ept.Exec
	if p&addrspace.Write != 0 {
		perm |= ept.Write
	}
	return perm
}
