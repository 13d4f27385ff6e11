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

package ept

import (
	"errors"
	"testing"

	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/physmem"
)

func newEPT(t *testing.T) (*Tables, *physmem.Memory) {
	t.Helper()
	mem, err := physmem.New(physmem.Config{Frames: physmem.MinFrames + 128, Logger: log.ForTest(t)})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(mem.Close)
	root, err := mem.Alloc(true)
	if err != nil {
		t.Fatalf("Alloc root failed: %v", err)
	}
	root.IncRef()
	return New(mem, root), mem
}

func allocFrame(t *testing.T, mem *physmem.Memory) *physmem.Frame {
	t.Helper()
	f, err := mem.Alloc(true)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	return f
}

func TestMapOverwriteGuard(t *testing.T) {
	e, mem := newEPT(t)
	a, b := allocFrame(t, mem), allocFrame(t, mem)
	a.IncRef()
	b.IncRef()

	const gpa = 0x200000
	if err := e.Map(a.KVA(), gpa, Full, false); err != nil {
		t.Fatalf("first Map failed: %v", err)
	}
	if err := e.Map(b.KVA(), gpa, Full, false); !errors.Is(err, vmerr.InvalidArgument) {
		t.Errorf("second Map without overwrite got %v, want %v", err, vmerr.InvalidArgument)
	}
	if f, _, ok := e.Translate(gpa); !ok || f != a {
		t.Errorf("failed Map replaced the mapping")
	}
	if err := e.Map(b.KVA(), gpa, Read, true); err != nil {
		t.Fatalf("Map with overwrite failed: %v", err)
	}
	f, perm, ok := e.Translate(gpa)
	if !ok || f != b || perm != Read {
		t.Errorf("Translate(%#x) = %v, %v, %t, want %v, %v", gpa, f, perm, ok, b.PA(), Read)
	}
	if a.Refs() != 1 || b.Refs() != 1 {
		t.Errorf("Map changed reference counts: a=%d b=%d", a.Refs(), b.Refs())
	}
}

func TestMapRejectsBadArguments(t *testing.T) {
	e, mem := newEPT(t)
	f := allocFrame(t, mem)
	if err := e.Map(f.KVA(), 0x1000, 0, false); !errors.Is(err, vmerr.InvalidArgument) {
		t.Errorf("Map with empty perm got %v", err)
	}
	if err := e.Map(0x1000, 0x1000, Full, false); !errors.Is(err, vmerr.InvalidArgument) {
		t.Errorf("Map of user address got %v", err)
	}
}

func TestInsertReferenceCounting(t *testing.T) {
	e, mem := newEPT(t)
	a, b := allocFrame(t, mem), allocFrame(t, mem)
	if err := e.Insert(a, 0x5000, Full); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if a.Refs() != 1 {
		t.Errorf("a has %d references after Insert, want 1", a.Refs())
	}
	// Re-inserting the same frame must not leak or drop a reference.
	if err := e.Insert(a, 0x5000, Full); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if a.Refs() != 1 {
		t.Errorf("a has %d references after re-Insert, want 1", a.Refs())
	}
	b.IncRef()
	if err := e.Insert(b, 0x5000, Full); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if b.Refs() != 2 {
		t.Errorf("b has %d references, want 2", b.Refs())
	}
	// The root, three intermediate nodes and b remain allocated.
	if got, want := mem.Stats().Used(), 5; got != want {
		t.Errorf("used frames = %d, want %d", got, want)
	}
	e.Remove(0x5000)
	if b.Refs() != 1 {
		t.Errorf("b has %d references after Remove, want 1", b.Refs())
	}
}

func TestGPAToKVA(t *testing.T) {
	e, mem := newEPT(t)
	if _, ok := e.GPAToKVA(0x50000); ok {
		t.Errorf("GPAToKVA found an unmapped page")
	}
	f := allocFrame(t, mem)
	if err := e.Insert(f, 0x50000, Full); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	kva, ok := e.GPAToKVA(0x50123)
	if !ok || kva != f.KVA()+0x123 {
		t.Errorf("GPAToKVA(0x50123) = %v, %t, want %v", kva, ok, f.KVA()+0x123)
	}
}

func TestFreeAllRestoresCounts(t *testing.T) {
	e, mem := newEPT(t)
	before := mem.Stats()

	shared := allocFrame(t, mem)
	shared.IncRef()

	for _, gpa := range []hostarch.Addr{0x0, 0x7000, 0x100000, 0x3ff000, 0x40000000} {
		f := allocFrame(t, mem)
		if err := e.Insert(f, gpa, Full); err != nil {
			t.Fatalf("Insert(%v) failed: %v", gpa, err)
		}
	}
	if err := e.Insert(shared, 0x8000, Read); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	cga, ok := mem.FrameAt(physmem.CGABuf)
	if !ok {
		t.Fatalf("no CGA frame")
	}
	if err := e.Insert(cga, hostarch.Addr(physmem.CGABuf), Full.WithMemoryType(hostarch.MemoryTypeUncached)); err != nil {
		t.Fatalf("Insert CGA failed: %v", err)
	}
	if got := e.MappedPages(); got != 7 {
		t.Errorf("MappedPages() = %d, want 7", got)
	}

	rootRefs := e.Root().Refs()
	e.FreeAll()

	if got := shared.Refs(); got != 1 {
		t.Errorf("shared frame has %d references after FreeAll, want 1", got)
	}
	if got := cga.Refs(); got != 0 {
		t.Errorf("CGA frame has %d references after FreeAll, want 0", got)
	}
	if got := e.Root().Refs(); got != rootRefs {
		t.Errorf("root refcount changed from %d to %d", rootRefs, got)
	}
	if got, want := mem.Stats().Free, before.Free-1; got != want {
		t.Errorf("free frames after FreeAll = %d, want %d", got, want)
	}
	if got := e.MappedPages(); got != 0 {
		t.Errorf("MappedPages() after FreeAll = %d", got)
	}
}

func TestPopulate(t *testing.T) {
	e, mem := newEPT(t)
	f := allocFrame(t, mem)
	if err := e.Insert(f, 0x1000, Read); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := e.Populate(0, 0x4000, Full); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	if got := e.MappedPages(); got != 4 {
		t.Errorf("MappedPages() = %d, want 4", got)
	}
	if g, perm, _ := e.Translate(0x1000); g != f || perm != Read {
		t.Errorf("Populate replaced an existing mapping")
	}
}

func TestPermWithMemoryType(t *testing.T) {
	p := Full.WithMemoryType(hostarch.MemoryTypeWriteBack)
	if !p.Valid() {
		t.Errorf("%v is not valid", p)
	}
	if got := p.Access(); got != hostarch.AnyAccess {
		t.Errorf("Access() = %v", got)
	}
	if p&memTypeMask != 6<<memTypeShift {
		t.Errorf("write-back type not encoded in %v", p)
	}
}

func TestReadWriteAcrossPages(t *testing.T) {
	e, _ := newEPT(t)
	if err := e.Populate(0x3000, 0x5000, Full); err != nil {
		t.Fatalf("Populate failed: %v", err)
	}
	msg := []byte("straddles a page boundary")
	off := int64(0x4000 - 5)
	if n, err := e.WriteAt(msg, off); err != nil || n != len(msg) {
		t.Fatalf("WriteAt = %d, %v", n, err)
	}
	got := make([]byte, len(msg))
	if n, err := e.ReadAt(got, off); err != nil || n != len(msg) {
		t.Fatalf("ReadAt = %d, %v", n, err)
	}
	if string(got) != string(msg) {
		t.Errorf("read back %q, want %q", got, msg)
	}
	if _, err := e.WriteAt(msg, 0x5000-4); !errors.Is(err, vmerr.Fault) {
		t.Errorf("WriteAt into an unmapped page got %v, want %v", err, vmerr.Fault)
	}
}
