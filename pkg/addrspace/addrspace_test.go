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

package addrspace

import (
	"errors"
	"testing"

	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/log"
	"nestvm.dev/nestvm/pkg/physmem"
)

func TestInsertLookupRemove(t *testing.T) {
	mem, err := physmem.New(physmem.Config{Frames: physmem.MinFrames + 16, Logger: log.ForTest(t)})
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	defer mem.Close()
	root, err := mem.Alloc(true)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	root.IncRef()
	as := New(mem, root)

	f, err := mem.Alloc(true)
	if err != nil {
		t.Fatalf("Alloc failed: %v", err)
	}
	if err := as.PageInsert(f, 0x10001, Present|User); !errors.Is(err, vmerr.InvalidArgument) {
		t.Errorf("unaligned PageInsert got %v", err)
	}
	if err := as.PageInsert(f, 0x10000, User); err != nil {
		t.Fatalf("PageInsert failed: %v", err)
	}
	g, perm, ok := as.PageLookup(0x10000)
	if !ok || g != f || perm != Present|User {
		t.Errorf("PageLookup = %v, %v, %t", g, perm, ok)
	}
	if f.Refs() != 1 {
		t.Errorf("refs = %d, want 1", f.Refs())
	}

	b, err := as.Bytes(0x10008)
	if err != nil {
		t.Fatalf("Bytes failed: %v", err)
	}
	b[0] = 0x5a
	if f.Bytes()[8] != 0x5a {
		t.Errorf("Bytes does not alias the mapped frame")
	}

	as.PageRemove(0x10000)
	if _, _, ok := as.PageLookup(0x10000); ok {
		t.Errorf("page still mapped after PageRemove")
	}
	if _, err := as.Bytes(0x10000); !errors.Is(err, vmerr.Fault) {
		t.Errorf("Bytes on unmapped page got %v", err)
	}
	as.Free()
	if got := mem.Stats().Used(); got != 1 {
		t.Errorf("%d frames used after Free, want only the root", got)
	}
}

func TestUserValid(t *testing.T) {
	for _, tc := range []struct {
		perm Perm
		want bool
	}{
		{Present | User, true},
		{Present | User | Write, true},
		{Present | User | 0x200, true},
		{Present, false},
		{User | Write, false},
		{Present | User | 0x8, false},
	} {
		if got := tc.perm.UserValid(); got != tc.want {
			t.Errorf("%#x.UserValid() = %t, want %t", uint64(tc.perm), got, tc.want)
		}
	}
}
