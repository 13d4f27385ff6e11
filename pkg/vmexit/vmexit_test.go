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

package vmexit

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/cpuid"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/ipc"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/multiboot"
	"nestvm.dev/nestvm/pkg/nic"
	"nestvm.dev/nestvm/pkg/physmem"
	"nestvm.dev/nestvm/pkg/vmx"
)

const guestSize = 16 << 20

type harness struct {
	mem   *physmem.Memory
	dir   *env.Directory
	nic   *nic.Device
	d     *Dispatcher
	guest *env.Env
	vmcs  vmx.SoftVMCS
	now   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	mem, err := physmem.New(physmem.Config{Frames: physmem.MinFrames + 128, Logger: log.ForTest(t)})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(mem.Close)
	dev, err := nic.New(mem, nic.Config{TxDescs: 4, RxDescs: 4, GuestRxDescs: 4, Logger: log.ForTest(t)})
	if err != nil {
		t.Fatalf("nic.New failed: %v", err)
	}
	t.Cleanup(dev.Close)

	h := &harness{
		mem:  mem,
		dir:  env.NewDirectory(mem, log.ForTest(t)),
		nic:  dev,
		vmcs: make(vmx.SoftVMCS),
		now:  time.Unix(1000, 0),
	}
	h.d = New(Config{
		Directory: h.dir,
		CPUID:     cpuid.Default(),
		NIC:       dev,
		Start:     h.now,
		Now:       func() time.Time { return h.now },
		Logger:    log.ForTest(t),
	})
	h.guest, err = h.dir.AllocGuest(0, guestSize)
	if err != nil {
		t.Fatalf("AllocGuest failed: %v", err)
	}
	h.guest.TF.RIP = 0x100000
	return h
}

// exit records x and handles it.
func (h *harness) exit(x vmx.Exit) (Action, error) {
	x.Record(h.vmcs)
	return h.d.Handle(h.guest, h.vmcs)
}

func (h *harness) hypercall(t *testing.T, call Hypercall) Action {
	t.Helper()
	h.guest.TF.RAX = uint64(call)
	act, err := h.exit(vmx.Exit{Reason: vmx.ExitVMCALL, Length: 3})
	if err != nil {
		t.Fatalf("%v failed: %v", call, err)
	}
	return act
}

func status(e *env.Env) error {
	return vmerr.FromRet(int64(e.TF.RAX))
}

func TestLazyGuestMemory(t *testing.T) {
	h := newHarness(t)
	for _, gpa := range []uint64{0x200123, 0x9f000, guestSize - 1} {
		used := h.mem.Stats().Used()
		act, err := h.exit(vmx.Exit{Reason: vmx.ExitEPTViolation, GPA: gpa})
		if err != nil || act != Resume {
			t.Fatalf("fault at %#x = %v, %v", gpa, act, err)
		}
		f, perm, ok := h.guest.EPT.Translate(hostarch.Addr(gpa))
		if !ok {
			t.Fatalf("gpa %#x not mapped after fault", gpa)
		}
		if perm != ept.Full || f.Refs() != 1 {
			t.Errorf("gpa %#x mapped %v with %d refs", gpa, perm, f.Refs())
		}
		// One data frame plus any new table nodes.
		if got := h.mem.Stats().Used() - used; got < 1 || got > 4 {
			t.Errorf("fault at %#x used %d frames", gpa, got)
		}
	}
	if h.guest.TF.RIP != 0x100000 {
		t.Errorf("faults moved rip to %#x", h.guest.TF.RIP)
	}
}

func TestUnbackedAddresses(t *testing.T) {
	h := newHarness(t)
	for _, gpa := range []uint64{0xc0000, guestSize, 0xfee01000} {
		act, err := h.exit(vmx.Exit{Reason: vmx.ExitEPTViolation, GPA: gpa})
		if !errors.Is(err, ErrUnhandled) || act != Halt {
			t.Errorf("fault at %#x = %v, %v, want halt and %v", gpa, act, err, ErrUnhandled)
		}
	}
	if n := h.guest.EPT.MappedPages(); n != 0 {
		t.Errorf("%d pages mapped after unhandled faults", n)
	}
}

func TestPassThrough(t *testing.T) {
	h := newHarness(t)
	for _, tc := range []struct {
		gpa  uint64
		pa   physmem.PhysAddr
		perm ept.Perm
	}{
		{0xb8010, physmem.CGABuf, ept.Full},
		{0xf5000, 0xf5000, ept.Full},
		{0xfee00300, physmem.LAPICBase, ept.Full.WithMemoryType(hostarch.MemoryTypeUncached)},
	} {
		if _, err := h.exit(vmx.Exit{Reason: vmx.ExitEPTViolation, GPA: tc.gpa}); err != nil {
			t.Fatalf("fault at %#x failed: %v", tc.gpa, err)
		}
		f, perm, ok := h.guest.EPT.Translate(hostarch.Addr(tc.gpa))
		if !ok || f.PA() != tc.pa {
			t.Errorf("gpa %#x maps %v, want %v", tc.gpa, f, tc.pa)
			continue
		}
		if perm != tc.perm {
			t.Errorf("gpa %#x perm %v, want %v", tc.gpa, perm, tc.perm)
		}
		if !f.Reserved() {
			t.Errorf("gpa %#x backed by allocatable frame %v", tc.gpa, f.PA())
		}
	}
}

func TestEFER(t *testing.T) {
	h := newHarness(t)
	tf := &h.guest.TF
	tf.RCX = uint64(env.MSREFER)
	tf.RAX = EFERLME | 1
	tf.RDX = 0x1
	if _, err := h.exit(vmx.Exit{Reason: vmx.ExitWRMSR, Length: 2}); err != nil {
		t.Fatalf("wrmsr failed: %v", err)
	}
	if h.vmcs.Read32(vmx.EntryControls)&vmx.EntryIA32eGuest == 0 {
		t.Errorf("enabling LME did not request a 64-bit entry")
	}
	if tf.RIP != 0x100002 {
		t.Errorf("rip = %#x, want 0x100002", tf.RIP)
	}

	tf.RAX, tf.RDX = 0, 0
	if _, err := h.exit(vmx.Exit{Reason: vmx.ExitRDMSR, Length: 2}); err != nil {
		t.Fatalf("rdmsr failed: %v", err)
	}
	if tf.RDX != 1 || tf.RAX != EFERLME|1 {
		t.Errorf("rdmsr = %#x:%#x, want 0x1:%#x", tf.RDX, tf.RAX, EFERLME|1)
	}

	// LME already set: no new transition.
	h.vmcs.Write32(vmx.EntryControls, 0)
	tf.RAX = EFERLME
	if _, err := h.exit(vmx.Exit{Reason: vmx.ExitWRMSR, Length: 2}); err != nil {
		t.Fatalf("wrmsr failed: %v", err)
	}
	if h.vmcs.Read32(vmx.EntryControls) != 0 {
		t.Errorf("rewriting LME changed entry controls")
	}
}

func TestOtherMSR(t *testing.T) {
	h := newHarness(t)
	h.guest.TF.RCX = 0x1b
	for _, r := range []vmx.ExitReason{vmx.ExitRDMSR, vmx.ExitWRMSR} {
		if _, err := h.exit(vmx.Exit{Reason: r, Length: 2}); !errors.Is(err, ErrUnhandled) {
			t.Errorf("%v of msr 0x1b got %v, want %v", r, err, ErrUnhandled)
		}
	}
	if h.guest.TF.RIP != 0x100000 {
		t.Errorf("unhandled exits advanced rip")
	}
}

func TestCPUIDHidesVMX(t *testing.T) {
	h := newHarness(t)
	before := exitsMetric.Value("cpuid")
	h.guest.TF.RAX = 1
	h.guest.TF.RCX = 0
	if _, err := h.exit(vmx.Exit{Reason: vmx.ExitCPUID, Length: 2}); err != nil {
		t.Fatalf("cpuid failed: %v", err)
	}
	in := cpuid.In{Eax: 1}
	out := cpuid.Out{Eax: uint32(h.guest.TF.RAX), Ebx: uint32(h.guest.TF.RBX), Ecx: uint32(h.guest.TF.RCX), Edx: uint32(h.guest.TF.RDX)}
	if out.Has(in, cpuid.FeatureVMX) {
		t.Errorf("guest sees VMX: ecx = %#x", out.Ecx)
	}
	if out.Eax != 0x000306a9 {
		t.Errorf("eax = %#x, want the host signature", out.Eax)
	}
	if h.guest.TF.RIP != 0x100002 {
		t.Errorf("rip = %#x, want 0x100002", h.guest.TF.RIP)
	}
	if got := exitsMetric.Value("cpuid") - before; got != 1 {
		t.Errorf("cpuid exits counted %d times", got)
	}
}

func ioExit(port uint16, in bool) vmx.Exit {
	q := uint64(port) << 16
	if in {
		q |= 1 << 3
	}
	return vmx.Exit{Reason: vmx.ExitIO, Qualification: q, Length: 1}
}

func TestCMOS(t *testing.T) {
	h := newHarness(t)
	want := map[uint64]uint64{0x15: 0x80, 0x16: 0x02, 0x17: 0x00, 0x18: 0x3c}
	got := make(map[uint64]uint64)
	for index := range want {
		h.guest.TF.RAX = index
		if _, err := h.exit(ioExit(CMOSIndexPort, false)); err != nil {
			t.Fatalf("out to index port failed: %v", err)
		}
		h.guest.TF.RAX = 0xdead
		if _, err := h.exit(ioExit(CMOSDataPort, true)); err != nil {
			t.Fatalf("in from data port failed: %v", err)
		}
		got[index] = h.guest.TF.RAX
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("cmos registers mismatch (-want +got):\n%s", diff)
	}
	if h.guest.TF.RIP != 0x100000+8 {
		t.Errorf("rip = %#x after 8 port accesses", h.guest.TF.RIP)
	}
}

func TestUnhandledIO(t *testing.T) {
	h := newHarness(t)
	before := unhandledMetric.Value("io")
	for _, x := range []vmx.Exit{ioExit(0x60, true), ioExit(CMOSIndexPort, true)} {
		if act, err := h.exit(x); !errors.Is(err, ErrUnhandled) || act != Halt {
			t.Errorf("port %#x = %v, %v", x.Qualification>>16, act, err)
		}
	}
	h.guest.Guest.RTCIndex = 0x30
	if _, err := h.exit(ioExit(CMOSDataPort, true)); !errors.Is(err, ErrUnhandled) {
		t.Errorf("read of cmos register 0x30 got %v", err)
	}
	if got := unhandledMetric.Value("io") - before; got != 3 {
		t.Errorf("counted %d unhandled io exits, want 3", got)
	}
}

func TestHalt(t *testing.T) {
	h := newHarness(t)
	act, err := h.exit(vmx.Exit{Reason: vmx.ExitHLT, Length: 1})
	if act != Halt || err != nil {
		t.Errorf("hlt = %v, %v", act, err)
	}
	act, err = h.exit(vmx.Exit{Reason: 2})
	var u *UnhandledError
	if act != Halt || !errors.As(err, &u) || u.Exit.Reason != 2 {
		t.Errorf("triple fault = %v, %v", act, err)
	}
}

func TestMultibootMap(t *testing.T) {
	h := newHarness(t)
	h.hypercall(t, HypercallMBMap)
	if h.guest.TF.RBX != uint64(MultibootAddr) {
		t.Fatalf("rbx = %#x, want %#x", h.guest.TF.RBX, MultibootAddr)
	}
	if h.guest.TF.RAX != 0 || h.guest.TF.RSI != 0 {
		t.Errorf("status rax = %#x, rsi = %#x, want 0", h.guest.TF.RAX, h.guest.TF.RSI)
	}
	b := make([]byte, multiboot.InfoSize+3*multiboot.EntrySize)
	if _, err := h.guest.EPT.ReadAt(b, int64(MultibootAddr)); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	info, entries, err := multiboot.Parse(uint64(MultibootAddr), b)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if info.Flags != multiboot.FlagMMap || info.MMapAddr != 0x6034 {
		t.Errorf("header = %+v", info)
	}
	if diff := cmp.Diff(multiboot.MemoryMap(guestSize), entries); diff != "" {
		t.Errorf("memory map mismatch (-want +got):\n%s", diff)
	}
	if h.guest.TF.RIP != 0x100003 {
		t.Errorf("rip = %#x, want 0x100003", h.guest.TF.RIP)
	}

	// A second call reuses the page.
	pages := h.guest.EPT.MappedPages()
	h.hypercall(t, HypercallMBMap)
	if got := h.guest.EPT.MappedPages(); got != pages {
		t.Errorf("second mbmap mapped %d pages, had %d", got, pages)
	}
}

func TestTime(t *testing.T) {
	h := newHarness(t)
	h.now = h.now.Add(1500 * time.Millisecond)
	h.hypercall(t, HypercallTimeMsec)
	if h.guest.TF.RAX != 1500 {
		t.Errorf("time = %d ms, want 1500", h.guest.TF.RAX)
	}
}

func TestSendToFileService(t *testing.T) {
	h := newHarness(t)
	h.guest.TF.RBX = uint64(HostFSEnv)
	h.guest.TF.RCX = 7
	h.guest.TF.RDX = uint64(env.UTop)
	h.hypercall(t, HypercallIPCSend)
	if err := status(h.guest); err != vmerr.BadEnv {
		t.Errorf("send without a file service got %v, want %v", err, vmerr.BadEnv)
	}

	fs, err := h.dir.Alloc(0, env.TypeFS)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	h.hypercall(t, HypercallIPCSend)
	if err := status(h.guest); err != vmerr.NotReceiving {
		t.Errorf("send to a busy file service got %v, want %v", err, vmerr.NotReceiving)
	}
	if h.guest.TF.RSI != h.guest.TF.RAX {
		t.Errorf("rsi %#x does not mirror rax %#x", h.guest.TF.RSI, h.guest.TF.RAX)
	}

	if err := h.guest.EPT.Populate(0x5000, 0x6000, ept.Full); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if _, err := ipc.Recv(fs, 0x10000000); err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	h.guest.TF.RDX = 0x5000
	h.guest.TF.RDI = uint64(addrspace.Present | addrspace.User | addrspace.Write)
	h.hypercall(t, HypercallIPCSend)
	if err := status(h.guest); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if fs.IPC.Value != 7 || fs.IPC.From != h.guest.ID() || fs.Status != env.Runnable {
		t.Errorf("file service got %+v in state %v", fs.IPC, fs.Status)
	}
	if _, _, ok := fs.AS.PageLookup(0x10000000); !ok {
		t.Errorf("guest page not mapped in the file service")
	}
}

func TestSendToOtherTarget(t *testing.T) {
	h := newHarness(t)
	h.guest.TF.RAX = uint64(HypercallIPCSend)
	h.guest.TF.RBX = 0x1001
	if _, err := h.exit(vmx.Exit{Reason: vmx.ExitVMCALL, Length: 3}); !errors.Is(err, ErrUnhandled) {
		t.Errorf("send to %#x got %v, want %v", h.guest.TF.RBX, err, ErrUnhandled)
	}
}

func TestRecv(t *testing.T) {
	h := newHarness(t)
	h.guest.TF.RDX = 0x7001
	if act := h.hypercall(t, HypercallIPCRecv); act != Resume {
		t.Errorf("unaligned recv = %v, want resume", act)
	}
	if err := status(h.guest); !vmerr.Is(err, vmerr.InvalidArgument) {
		t.Errorf("unaligned recv got %v", err)
	}

	h.guest.TF.RIP = 0x100000
	h.guest.TF.RDX = 0x7000
	if act := h.hypercall(t, HypercallIPCRecv); act != Block {
		t.Fatalf("recv = %v, want block", act)
	}
	// The guest resumes after the VMCALL once woken.
	if h.guest.TF.RIP != 0x100003 || h.guest.Status != env.NotRunnable {
		t.Errorf("blocked guest at rip %#x in state %v", h.guest.TF.RIP, h.guest.Status)
	}
	sender, err := h.dir.Alloc(0, env.TypeFS)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := ipc.TrySend(h.dir, sender, h.guest.ID(), 42, env.UTop, 0); err != nil {
		t.Fatalf("TrySend failed: %v", err)
	}
	if h.guest.TF.RSI != 42 || h.guest.TF.RAX != 0 {
		t.Errorf("woken guest has rsi %d, rax %d", h.guest.TF.RSI, h.guest.TF.RAX)
	}
}

func TestPacketOutput(t *testing.T) {
	h := newHarness(t)
	if err := h.guest.EPT.Populate(0x300000, 0x302000, ept.Full); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	// Straddle a page boundary.
	const gpa = 0x300ffc
	if _, err := h.guest.EPT.WriteAt([]byte("frame!"), gpa); err != nil {
		t.Fatalf("WriteAt failed: %v", err)
	}
	h.guest.TF.RDX = gpa
	h.guest.TF.RCX = 6
	h.hypercall(t, HypercallPktOutput)
	if err := status(h.guest); err != nil {
		t.Fatalf("pkt_output failed: %v", err)
	}
	var sent []string
	if _, err := h.nic.Drain(func(b []byte) error {
		sent = append(sent, string(b))
		return nil
	}); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if diff := cmp.Diff([]string{"frame!"}, sent); diff != "" {
		t.Errorf("transmitted mismatch (-want +got):\n%s", diff)
	}

	h.guest.TF.RCX = nic.MaxPacket + 1
	h.hypercall(t, HypercallPktOutput)
	if err := status(h.guest); !vmerr.Is(err, vmerr.InvalidArgument) {
		t.Errorf("oversized pkt_output got %v", err)
	}
	h.guest.TF.RDX = 0x400000
	h.guest.TF.RCX = 6
	h.hypercall(t, HypercallPktOutput)
	if err := status(h.guest); !vmerr.Is(err, vmerr.Fault) {
		t.Errorf("pkt_output from unmapped memory got %v", err)
	}
}

func TestPacketInput(t *testing.T) {
	h := newHarness(t)
	if err := h.guest.EPT.Populate(0x300000, 0x301000, ept.Full); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	h.guest.TF.RDX = 0x300000
	h.hypercall(t, HypercallPktInput)
	if err := status(h.guest); err != vmerr.NoPacket {
		t.Errorf("pkt_input on an empty ring got %v, want %v", err, vmerr.NoPacket)
	}

	if err := h.nic.Deliver([]byte("hello")); err != nil {
		t.Fatalf("Deliver failed: %v", err)
	}
	buf := make([]byte, nic.MaxPacket)
	if _, err := h.nic.Receive(buf); err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	h.hypercall(t, HypercallPktInput)
	if h.guest.TF.RAX != 5 || h.guest.TF.RSI != 5 {
		t.Fatalf("pkt_input returned %d", int64(h.guest.TF.RAX))
	}
	got := make([]byte, 5)
	if _, err := h.guest.EPT.ReadAt(got, 0x300000); err != nil {
		t.Fatalf("ReadAt failed: %v", err)
	}
	if string(got) != "hello" {
		t.Errorf("guest buffer holds %q", got)
	}
}

func TestNoDevice(t *testing.T) {
	h := newHarness(t)
	h.d = New(Config{Directory: h.dir, CPUID: cpuid.Default(), Logger: log.ForTest(t)})
	h.hypercall(t, HypercallPktOutput)
	if err := status(h.guest); err != vmerr.NoDescriptor {
		t.Errorf("pkt_output without a device got %v", err)
	}
	h.hypercall(t, HypercallPktInput)
	if err := status(h.guest); err != vmerr.NoPacket {
		t.Errorf("pkt_input without a device got %v", err)
	}
}
