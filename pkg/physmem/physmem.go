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

// Package physmem is the physical frame service: it owns host memory, hands
// out page-sized frames and tracks how many owners each frame has.
//
// Host-physical addresses are offsets into the memory regions managed here.
// Every physical address also has a kernel virtual alias at KernBase+PA, which
// is the form stored by code that wants to dereference a frame.
package physmem

import (
	"fmt"
	"sync"

	"github.com/google/btree"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/log"
)

// PhysAddr is a host-physical address.
type PhysAddr uint64

// String implements fmt.Stringer.String.
func (pa PhysAddr) String() string {
	return fmt.Sprintf("%#x", uint64(pa))
}

// Fixed layout of the low physical address space.
const (
	// KernBase is the start of the kernel's linear alias of physical memory.
	KernBase hostarch.Addr = 0x8004000000

	// IOHoleStart is the end of conventional low memory (640 KiB).
	IOHoleStart PhysAddr = 0xa0000

	// CGABuf is the legacy text-mode frame buffer.
	CGABuf PhysAddr = 0xb8000

	// BIOSStart is the start of the BIOS ROM area.
	BIOSStart PhysAddr = 0xf0000

	// ExtMemStart is the first byte of extended memory (1 MiB). Frames below
	// it are reserved and never handed out by Alloc.
	ExtMemStart PhysAddr = 0x100000

	// LAPICBase is the local APIC register page.
	LAPICBase PhysAddr = 0xfee00000
)

// MinFrames is the smallest RAM size accepted by New: the reserved low
// megabyte plus one allocatable frame.
const MinFrames = int(ExtMemStart/hostarch.PageSize) + 1

// Frame is a handle on one physical page. Owners call IncRef when they start
// referring to the frame and DecRef when they stop; a RAM frame returns to the
// free list when its count drops to zero.
type Frame struct {
	mem *Memory
	pa  PhysAddr

	// The fields below are protected by mem.mu.
	refs      int32
	allocated bool
	reserved  bool

	// dirty is set once the frame has been handed out and cleared when its
	// host page is released.
	dirty bool
	next  *Frame
}

// PA returns the frame's host-physical address.
func (f *Frame) PA() PhysAddr { return f.pa }

// KVA returns the frame's kernel virtual address.
func (f *Frame) KVA() hostarch.Addr { return PAToKVA(f.pa) }

// Reserved returns true for frames that are never allocated, such as the low
// megabyte and device pages.
func (f *Frame) Reserved() bool { return f.reserved }

// Bytes returns the page backing f.
func (f *Frame) Bytes() []byte {
	b, err := f.mem.Bytes(f.KVA(), hostarch.PageSize)
	if err != nil {
		panic(fmt.Sprintf("frame %v has no backing: %v", f.pa, err))
	}
	return b
}

// IncRef records a new owner of f.
func (f *Frame) IncRef() {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	if !f.allocated && !f.reserved {
		panic(fmt.Sprintf("IncRef on free frame %v", f.pa))
	}
	f.refs++
}

// DecRef drops an owner of f. The frame is freed when the last owner goes
// away.
func (f *Frame) DecRef() {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	f.refs--
	if f.refs < 0 {
		panic(fmt.Sprintf("frame %v refcount went negative", f.pa))
	}
	if f.refs == 0 && !f.reserved {
		f.mem.freeLocked(f)
	}
}

// Refs returns the current reference count.
func (f *Frame) Refs() int32 {
	f.mem.mu.Lock()
	defer f.mem.mu.Unlock()
	return f.refs
}

// RegionKind describes what a region of physical memory is backed by.
type RegionKind int

const (
	// RAM is ordinary memory.
	RAM RegionKind = iota

	// Device is a memory-mapped device page.
	Device
)

func (k RegionKind) String() string {
	switch k {
	case RAM:
		return "ram"
	case Device:
		return "device"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// region is a contiguous physically-addressed range with host backing.
type region struct {
	base   PhysAddr
	kind   RegionKind
	data   []byte
	frames []Frame
}

func (r *region) end() PhysAddr {
	return r.base + PhysAddr(len(r.data))
}

func (r *region) contains(pa PhysAddr) bool {
	return pa >= r.base && pa < r.end()
}

func regionLess(a, b *region) bool {
	return a.base < b.base
}

// Config configures a Memory.
type Config struct {
	// Frames is the number of RAM frames, including the reserved low
	// megabyte.
	Frames int

	// Logger receives allocation diagnostics. Defaults to the global logger.
	Logger log.Logger
}

// Memory is the frame service.
type Memory struct {
	log log.Logger

	mu sync.Mutex

	// regions indexes every region by base address.
	regions *btree.BTreeG[*region]

	// free is the head of the free list.
	free *Frame

	// nfree is the length of the free list.
	nfree int

	// nframes is the number of allocatable frames.
	nframes int

	// ndirty counts free frames whose host pages have not been released.
	ndirty int
}

// New creates a frame service with RAM backing for conf.Frames pages plus the
// local APIC page.
func New(conf Config) (*Memory, error) {
	if conf.Frames < MinFrames {
		return nil, fmt.Errorf("need at least %d frames, got %d", MinFrames, conf.Frames)
	}
	m := &Memory{
		log:     conf.Logger,
		regions: btree.NewG(2, regionLess),
	}
	if m.log == nil {
		m.log = log.Log()
	}
	if err := m.addRegion(0, conf.Frames, RAM); err != nil {
		return nil, err
	}
	if err := m.addRegion(LAPICBase, 1, Device); err != nil {
		m.Close()
		return nil, err
	}
	m.log.Infof("Physical memory: %d frames (%d allocatable)", conf.Frames, m.nfree)
	return m, nil
}

// addRegion maps backing for n frames at base and threads allocatable frames
// onto the free list in ascending address order.
func (m *Memory) addRegion(base PhysAddr, n int, kind RegionKind) error {
	data, err := mapAnonymous(n * hostarch.PageSize)
	if err != nil {
		return fmt.Errorf("mapping %d frames at %v: %w", n, base, err)
	}
	r := &region{
		base:   base,
		kind:   kind,
		data:   data,
		frames: make([]Frame, n),
	}
	for i := n - 1; i >= 0; i-- {
		f := &r.frames[i]
		f.mem = m
		f.pa = base + PhysAddr(i*hostarch.PageSize)
		if kind == Device || f.pa < ExtMemStart {
			f.reserved = true
			continue
		}
		f.next = m.free
		m.free = f
		m.nfree++
		m.nframes++
	}
	m.regions.ReplaceOrInsert(r)
	m.log.Debugf("Physical region [%v, %v) %v", r.base, r.end(), kind)
	return nil
}

// Close releases all host backing. No frame may be used afterwards.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regions.Ascend(func(r *region) bool {
		if err := unmap(r.data); err != nil {
			m.log.Warningf("Unmapping region at %v: %v", r.base, err)
		}
		return true
	})
	m.regions.Clear(false)
	m.free = nil
	m.nfree = 0
	m.ndirty = 0
}

// Alloc takes a frame off the free list. The returned frame has a reference
// count of zero; the caller is expected to IncRef it once it is installed
// somewhere. If zero is set, the page is cleared.
func (m *Memory) Alloc(zero bool) (*Frame, error) {
	m.mu.Lock()
	f := m.free
	if f == nil {
		m.mu.Unlock()
		return nil, vmerr.NoMemory
	}
	m.free = f.next
	f.next = nil
	f.allocated = true
	if f.dirty {
		m.ndirty--
	}
	f.dirty = true
	m.nfree--
	m.mu.Unlock()

	if zero {
		clear(f.Bytes())
	}
	return f, nil
}

// Free returns an unreferenced frame to the free list.
func (m *Memory) Free(f *Frame) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f.refs != 0 {
		panic(fmt.Sprintf("freeing frame %v with %d references", f.pa, f.refs))
	}
	m.freeLocked(f)
}

// +checklocks:m.mu
func (m *Memory) freeLocked(f *Frame) {
	if f.reserved {
		return
	}
	if !f.allocated {
		panic(fmt.Sprintf("double free of frame %v", f.pa))
	}
	f.allocated = false
	m.ndirty++
	f.next = m.free
	m.free = f
	m.nfree++
}

// findLocked returns the region containing pa.
//
// +checklocks:m.mu
func (m *Memory) findLocked(pa PhysAddr) (*region, bool) {
	var found *region
	m.regions.DescendLessOrEqual(&region{base: pa}, func(r *region) bool {
		found = r
		return false
	})
	if found == nil || !found.contains(pa) {
		return nil, false
	}
	return found, true
}

// FrameAt returns the frame containing pa.
func (m *Memory) FrameAt(pa PhysAddr) (*Frame, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.findLocked(pa)
	if !ok {
		return nil, false
	}
	return &r.frames[(pa-r.base)/hostarch.PageSize], true
}

// FrameForKVA returns the frame aliased by kva.
func (m *Memory) FrameForKVA(kva hostarch.Addr) (*Frame, bool) {
	pa, ok := KVAToPA(kva)
	if !ok {
		return nil, false
	}
	return m.FrameAt(pa)
}

// Bytes returns n bytes of backing memory starting at kva. The range may not
// cross a region boundary.
func (m *Memory) Bytes(kva hostarch.Addr, n int) ([]byte, error) {
	pa, ok := KVAToPA(kva)
	if !ok {
		return nil, fmt.Errorf("%v is not a kernel address: %w", kva, vmerr.Fault)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.findLocked(pa)
	if !ok {
		return nil, fmt.Errorf("no memory at %v: %w", pa, vmerr.Fault)
	}
	off := int(pa - r.base)
	if n < 0 || off+n > len(r.data) {
		return nil, fmt.Errorf("range [%v, +%d) crosses region end %v: %w", pa, n, r.end(), vmerr.Fault)
	}
	return r.data[off : off+n : off+n], nil
}

// Stats describes frame usage.
type Stats struct {
	Total int
	Free  int

	// Dirty is the number of free frames still holding host memory. See
	// Memory.Release.
	Dirty int
}

// Used returns the number of allocated frames.
func (s Stats) Used() int { return s.Total - s.Free }

// Stats returns current frame usage.
func (m *Memory) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{Total: m.nframes, Free: m.nfree, Dirty: m.ndirty}
}

// PAToKVA returns the kernel virtual alias of pa.
func PAToKVA(pa PhysAddr) hostarch.Addr {
	return KernBase + hostarch.Addr(pa)
}

// KVAToPA inverts PAToKVA. ok is false for addresses below KernBase.
func KVAToPA(kva hostarch.Addr) (PhysAddr, bool) {
	if kva < KernBase {
		return 0, false
	}
	return PhysAddr(kva - KernBase), true
}
