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

package ipc

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/physmem"
	"nestvm.dev/nestvm/pkg/sched"
)

const userPerm = uint64(addrspace.Present | addrspace.User)

func newDirectory(t *testing.T) *env.Directory {
	t.Helper()
	mem, err := physmem.New(physmem.Config{Frames: physmem.MinFrames + 64, Logger: log.ForTest(t)})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(mem.Close)
	return env.NewDirectory(mem, log.ForTest(t))
}

func alloc(t *testing.T, d *env.Directory) *env.Env {
	t.Helper()
	e, err := d.Alloc(0, env.TypeUser)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	return e
}

// mapPage gives e a fresh page at va.
func mapPage(t *testing.T, d *env.Directory, e *env.Env, va hostarch.Addr, perm addrspace.Perm) *physmem.Frame {
	t.Helper()
	f, err := d.Memory().Alloc(true)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := e.AS.PageInsert(f, va, perm); err != nil {
		t.Fatalf("PageInsert failed: %v", err)
	}
	return f
}

func TestRecvValidation(t *testing.T) {
	d := newDirectory(t)
	r := alloc(t, d)
	if _, err := Recv(r, 0x1234); !vmerr.Is(err, vmerr.InvalidArgument) {
		t.Errorf("Recv at unaligned address got %v, want %v", err, vmerr.InvalidArgument)
	}
	if r.IPC.Recving || r.Status != env.Runnable {
		t.Errorf("failed recv changed state: %+v, %v", r.IPC, r.Status)
	}
	// Unaligned addresses above the ceiling just mean "no page".
	out, err := Recv(r, env.UTop+0x123)
	if err != nil || out != sched.Suspend {
		t.Fatalf("Recv(UTop+0x123) = %v, %v", out, err)
	}
	if !r.IPC.Recving || r.Status != env.NotRunnable {
		t.Errorf("recv did not block: %+v, %v", r.IPC, r.Status)
	}
}

func TestValueOnly(t *testing.T) {
	d := newDirectory(t)
	r, s := alloc(t, d), alloc(t, d)
	r.IPC.From = 99
	if _, err := Recv(r, env.UTop); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := TrySend(d, s, r.ID(), 42, env.UTop, 0); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}
	want := env.IPC{DstVA: env.UTop, Value: 42, From: s.ID()}
	if diff := cmp.Diff(want, r.IPC); diff != "" {
		t.Errorf("receiver IPC mismatch (-want +got):\n%s", diff)
	}
	if r.Status != env.Runnable {
		t.Errorf("receiver is %v, want runnable", r.Status)
	}
}

func TestExclusivity(t *testing.T) {
	d := newDirectory(t)
	r, s1, s2 := alloc(t, d), alloc(t, d), alloc(t, d)
	if _, err := Recv(r, env.UTop); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := TrySend(d, s1, r.ID(), 1, env.UTop, 0); err != nil {
		t.Fatalf("first TrySend failed: %v", err)
	}
	if err := TrySend(d, s2, r.ID(), 2, env.UTop, 0); err != vmerr.NotReceiving {
		t.Fatalf("second TrySend got %v, want %v", err, vmerr.NotReceiving)
	}
	if r.IPC.Value != 1 || r.IPC.From != s1.ID() {
		t.Errorf("receiver got %d from %v, want 1 from %v", r.IPC.Value, r.IPC.From, s1.ID())
	}
}

func TestSendToRunnable(t *testing.T) {
	d := newDirectory(t)
	r, s := alloc(t, d), alloc(t, d)
	if err := TrySend(d, s, r.ID(), 1, env.UTop, 0); err != vmerr.NotReceiving {
		t.Errorf("TrySend to a runnable env got %v, want %v", err, vmerr.NotReceiving)
	}
}

func TestUnknownTarget(t *testing.T) {
	d := newDirectory(t)
	r, s := alloc(t, d), alloc(t, d)
	mapPage(t, d, s, 0x400000, addrspace.Present|addrspace.User|addrspace.Write)
	if _, err := Recv(r, 0x800000); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	receiver, sender := r.IPC, s.IPC

	// A free slot, and the receiver's slot under a later generation.
	for _, id := range []env.ID{0x3005, r.ID() + 0x1000} {
		if err := TrySend(d, s, id, 1, 0x400000, userPerm); err != vmerr.BadEnv {
			t.Errorf("TrySend to %v got %v, want %v", id, err, vmerr.BadEnv)
		}
	}
	if diff := cmp.Diff(receiver, r.IPC); diff != "" {
		t.Errorf("receiver changed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(sender, s.IPC); diff != "" {
		t.Errorf("sender changed (-want +got):\n%s", diff)
	}
	if r.Status != env.NotRunnable {
		t.Errorf("receiver is %v, want not-runnable", r.Status)
	}
	if r.AS.MappedPages() != 0 {
		t.Errorf("failed send mapped a page")
	}
}

func TestPageTransfer(t *testing.T) {
	d := newDirectory(t)
	r, s := alloc(t, d), alloc(t, d)
	f := mapPage(t, d, s, 0x400000, addrspace.Present|addrspace.User|addrspace.Write)
	f.Bytes()[0] = 0x5a

	if _, err := Recv(r, 0x800000); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	perm := userPerm | uint64(addrspace.Write)
	if err := TrySend(d, s, r.ID(), 7, 0x400000, perm); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}
	if got := f.Refs(); got != 2 {
		t.Errorf("page has %d references after transfer, want 2", got)
	}
	b, err := r.AS.Bytes(0x800000)
	if err != nil {
		t.Fatalf("receiver page not mapped: %v", err)
	}
	if b[0] != 0x5a {
		t.Errorf("receiver sees %#x, want 0x5a", b[0])
	}
	if r.IPC.Perm != perm {
		t.Errorf("receiver perm %#x, want %#x", r.IPC.Perm, perm)
	}
}

func TestReadOnlyPageAsWritable(t *testing.T) {
	d := newDirectory(t)
	r, s := alloc(t, d), alloc(t, d)
	f := mapPage(t, d, s, 0x400000, addrspace.Present|addrspace.User)
	if _, err := Recv(r, 0x800000); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	before := r.IPC

	err := TrySend(d, s, r.ID(), 7, 0x400000, userPerm|uint64(addrspace.Write))
	if !vmerr.Is(err, vmerr.InvalidArgument) {
		t.Fatalf("TrySend got %v, want %v", err, vmerr.InvalidArgument)
	}
	if diff := cmp.Diff(before, r.IPC); diff != "" {
		t.Errorf("failed send changed receiver (-want +got):\n%s", diff)
	}
	if r.Status != env.NotRunnable {
		t.Errorf("receiver is %v, want not-runnable", r.Status)
	}
	if got := f.Refs(); got != 1 {
		t.Errorf("page has %d references, want 1", got)
	}
	if r.AS.MappedPages() != 0 {
		t.Errorf("failed send mapped a page")
	}
}

func TestSendValidation(t *testing.T) {
	d := newDirectory(t)
	r, s := alloc(t, d), alloc(t, d)
	mapPage(t, d, s, 0x400000, addrspace.Present|addrspace.User)
	if _, err := Recv(r, 0x800000); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	for _, tc := range []struct {
		name  string
		srcva hostarch.Addr
		perm  uint64
	}{
		{"unaligned", 0x400010, userPerm},
		{"unmapped", 0x500000, userPerm},
		{"not user", 0x400000, uint64(addrspace.Present)},
		{"stray bits", 0x400000, userPerm | 0x100},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := TrySend(d, s, r.ID(), 1, tc.srcva, tc.perm); !vmerr.Is(err, vmerr.InvalidArgument) {
				t.Errorf("TrySend got %v, want %v", err, vmerr.InvalidArgument)
			}
			if !r.IPC.Recving {
				t.Errorf("receiver stopped receiving")
			}
		})
	}
}

func TestGuestToProcess(t *testing.T) {
	d := newDirectory(t)
	g, err := d.AllocGuest(0, 1<<20)
	if err != nil {
		t.Fatalf("AllocGuest failed: %v", err)
	}
	fs, err := d.Alloc(0, env.TypeFS)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := g.EPT.Populate(0x5000, 0x6000, ept.Full); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if _, err := Recv(fs, 0x10000000); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := TrySend(d, g, fs.ID(), 3, 0x5000, userPerm|uint64(addrspace.Write)); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}
	gf, _, _ := g.EPT.Translate(0x5000)
	pf, _, ok := fs.AS.PageLookup(0x10000000)
	if !ok || pf != gf {
		t.Errorf("receiver maps %v, want guest frame %v", pf, gf)
	}
}

func TestProcessToGuest(t *testing.T) {
	d := newDirectory(t)
	g, err := d.AllocGuest(0, 1<<20)
	if err != nil {
		t.Fatalf("AllocGuest failed: %v", err)
	}
	s := alloc(t, d)
	f := mapPage(t, d, s, 0x400000, addrspace.Present|addrspace.User)

	if _, err := Recv(g, 0x7000); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := TrySend(d, s, g.ID(), 9, 0x400000, userPerm); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}
	got, perm, ok := g.EPT.Translate(0x7000)
	if !ok || got != f {
		t.Fatalf("guest maps %v, want %v", got, f)
	}
	if perm != ept.Read|ept.Exec {
		t.Errorf("guest perm %v, want read/exec", perm)
	}
	if g.TF.RSI != 9 || g.Status != env.Runnable {
		t.Errorf("guest resumes with RSI %d in state %v", g.TF.RSI, g.Status)
	}
}

func TestGuestDestinationPastMemory(t *testing.T) {
	d := newDirectory(t)
	g, err := d.AllocGuest(0, 1<<20)
	if err != nil {
		t.Fatalf("AllocGuest failed: %v", err)
	}
	s := alloc(t, d)
	mapPage(t, d, s, 0x400000, addrspace.Present|addrspace.User)
	if _, err := Recv(g, 1<<20); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if err := TrySend(d, s, g.ID(), 9, 0x400000, userPerm); !vmerr.Is(err, vmerr.InvalidArgument) {
		t.Errorf("TrySend got %v, want %v", err, vmerr.InvalidArgument)
	}
	if !g.IPC.Recving {
		t.Errorf("guest stopped receiving")
	}
}

func TestEPTPerm(t *testing.T) {
	for _, tc := range []struct {
		in   addrspace.Perm
		want ept.Perm
	}{
		{0, 0},
		{addrspace.Present | addrspace.User, ept.Read | ept.Exec},
		{addrspace.Present | addrspace.User | addrspace.Write, ept.Full},
	} {
		if got := EPTPerm(tc.in); got != tc.want {
			t.Errorf("EPTPerm(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
