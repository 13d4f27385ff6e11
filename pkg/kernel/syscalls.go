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

package kernel

import (
	"fmt"

	"github.com/cenkalti/backoff"
	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/ipc"
	"nestvm.dev/nestvm/pkg/sched"
)

// Message is what a process receives.
type Message struct {
	From  env.ID
	Value uint32

	// Perm is non-zero if a page was mapped at the receive address.
	Perm uint64
}

// Recv blocks until another environment sends to the process. A transferred
// page is mapped at dstva if dstva is below env.UTop.
func (p *Proc) Recv(dstva hostarch.Addr) (Message, error) {
	out, err := ipc.Recv(p.e, dstva)
	if err != nil {
		return Message{}, err
	}
	p.block(out)
	return Message{From: p.e.IPC.From, Value: p.e.IPC.Value, Perm: p.e.IPC.Perm}, nil
}

// TrySend delivers value, and the page at srcva if srcva is below env.UTop,
// to an environment blocked in recv. It fails with vmerr.NotReceiving if the
// target is not receiving.
func (p *Proc) TrySend(to env.ID, value uint32, srcva hostarch.Addr, perm uint64) error {
	return ipc.TrySend(p.k.dir, p.e, to, value, srcva, perm)
}

// Send is TrySend retried, yielding in between, until the target receives.
// Other failures, or the current time slice's context ending, stop the
// retries.
func (p *Proc) Send(to env.ID, value uint32, srcva hostarch.Addr, perm uint64) error {
	op := func() error {
		// Every Yield may resume under a different context.
		if err := p.Context().Err(); err != nil {
			return backoff.Permanent(err)
		}
		err := p.TrySend(to, value, srcva, perm)
		switch err {
		case nil:
			return nil
		case vmerr.NotReceiving:
			p.Yield()
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	return backoff.Retry(op, &backoff.ZeroBackOff{})
}

// process resolves id to a host process the caller may modify.
func (p *Proc) process(id env.ID) (*env.Env, error) {
	e, err := p.k.dir.Lookup(p.e, id, true)
	if err != nil {
		return nil, err
	}
	if e.IsGuest() {
		return nil, fmt.Errorf("%v is a guest: %w", id, vmerr.BadEnv)
	}
	return e, nil
}

func checkUserVA(va hostarch.Addr) error {
	if va >= env.UTop || !va.IsPageAligned() {
		return fmt.Errorf("address %v: %w", va, vmerr.InvalidArgument)
	}
	return nil
}

func checkUserPerm(perm uint64) error {
	if !addrspace.Perm(perm).UserValid() {
		return fmt.Errorf("perm %#x: %w", perm, vmerr.InvalidArgument)
	}
	return nil
}

// PageAlloc maps a fresh zeroed page at va in process id.
func (p *Proc) PageAlloc(id env.ID, va hostarch.Addr, perm uint64) error {
	e, err := p.process(id)
	if err != nil {
		return err
	}
	if err := checkUserVA(va); err != nil {
		return err
	}
	if err := checkUserPerm(perm); err != nil {
		return err
	}
	f, err := p.k.mem.Alloc(true)
	if err != nil {
		return err
	}
	if err := e.AS.PageInsert(f, va, addrspace.Perm(perm)); err != nil {
		p.k.mem.Free(f)
		return err
	}
	return nil
}

// PageMap maps the page at srcva in process src at dstva in process dst.
func (p *Proc) PageMap(src env.ID, srcva hostarch.Addr, dst env.ID, dstva hostarch.Addr, perm uint64) error {
	se, err := p.process(src)
	if err != nil {
		return err
	}
	de, err := p.process(dst)
	if err != nil {
		return err
	}
	if err := checkUserVA(srcva); err != nil {
		return err
	}
	if err := checkUserVA(dstva); err != nil {
		return err
	}
	if err := checkUserPerm(perm); err != nil {
		return err
	}
	f, sp, ok := se.AS.PageLookup(srcva)
	if !ok {
		return fmt.Errorf("%v not mapped in %v: %w", srcva, src, vmerr.InvalidArgument)
	}
	if addrspace.Perm(perm)&addrspace.Write != 0 && sp&addrspace.Write == 0 {
		return fmt.Errorf("read-only %v mapped writable: %w", srcva, vmerr.InvalidArgument)
	}
	return de.AS.PageInsert(f, dstva, addrspace.Perm(perm))
}

// PageUnmap removes the mapping at va in process id, if any.
func (p *Proc) PageUnmap(id env.ID, va hostarch.Addr) error {
	e, err := p.process(id)
	if err != nil {
		return err
	}
	if err := checkUserVA(va); err != nil {
		return err
	}
	e.AS.PageRemove(va)
	return nil
}

// Page returns the bytes of the caller's page at va.
func (p *Proc) Page(va hostarch.Addr) ([]byte, error) {
	return p.e.AS.Bytes(va)
}

// EPTMap maps the page at srcva in process src at guest-physical gpa in
// guest, with EPT permissions perm.
func (p *Proc) EPTMap(src env.ID, srcva hostarch.Addr, guest env.ID, gpa hostarch.Addr, perm ept.Perm) error {
	if err := checkUserVA(srcva); err != nil {
		return err
	}
	if err := checkUserVA(gpa); err != nil {
		return err
	}
	se, err := p.process(src)
	if err != nil {
		return err
	}
	g, err := p.k.dir.Lookup(p.e, guest, true)
	if err != nil {
		return err
	}
	if !g.IsGuest() {
		return fmt.Errorf("%v is not a guest: %w", guest, vmerr.BadEnv)
	}
	if uint64(gpa)+hostarch.PageSize > g.Guest.PhysSize {
		return fmt.Errorf("gpa %v past guest memory: %w", gpa, vmerr.InvalidArgument)
	}
	f, sp, ok := se.AS.PageLookup(srcva)
	if !ok {
		return fmt.Errorf("%v not mapped in %v: %w", srcva, src, vmerr.InvalidArgument)
	}
	if !perm.Valid() {
		return fmt.Errorf("ept perm %v: %w", perm, vmerr.InvalidArgument)
	}
	if perm&ept.Write != 0 && sp&addrspace.Write == 0 {
		return fmt.Errorf("read-only %v mapped writable: %w", srcva, vmerr.InvalidArgument)
	}
	return g.EPT.Insert(f, gpa, perm)
}

// EnvMkGuest creates a guest with physSize bytes of memory that starts at
// rip. The guest is not runnable until its status is set.
func (p *Proc) EnvMkGuest(physSize uint64, rip uint64) (env.ID, error) {
	if physSize < uint64(hostarch.PageSize) || physSize%hostarch.PageSize != 0 {
		return 0, fmt.Errorf("guest size %#x: %w", physSize, vmerr.InvalidArgument)
	}
	return p.k.newGuest(p.e.ID(), physSize, rip)
}

// EnvSetStatus makes id runnable or not runnable.
func (p *Proc) EnvSetStatus(id env.ID, status env.Status) error {
	if status != env.Runnable && status != env.NotRunnable {
		return fmt.Errorf("status %v: %w", status, vmerr.InvalidArgument)
	}
	e, err := p.k.dir.Lookup(p.e, id, true)
	if err != nil {
		return err
	}
	if e == p.e {
		// Takes effect once the process gives up the CPU.
		if status == env.NotRunnable {
			p.block(sched.Suspend)
		}
		return nil
	}
	e.Status = status
	return nil
}

// EnvDestroy destroys id. Destroying the caller does not return.
func (p *Proc) EnvDestroy(id env.ID) error {
	e, err := p.k.dir.Lookup(p.e, id, true)
	if err != nil {
		return err
	}
	if e == p.e {
		p.exit()
	}
	p.k.sched.Destroy(e)
	return nil
}

// TimeMsec returns the milliseconds since the kernel started.
func (p *Proc) TimeMsec() uint64 {
	return uint64(p.k.Uptime().Milliseconds())
}

// TransmitPacket queues data on the network card.
func (p *Proc) TransmitPacket(data []byte) error {
	if p.k.nic == nil {
		return vmerr.NoDescriptor
	}
	return p.k.nic.Transmit(data)
}

// ReceivePacket takes the next received frame into buf.
func (p *Proc) ReceivePacket(buf []byte) (int, error) {
	if p.k.nic == nil {
		return 0, vmerr.NoPacket
	}
	return p.k.nic.Receive(buf)
}
