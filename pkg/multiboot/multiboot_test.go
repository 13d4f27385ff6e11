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

package multiboot

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestSizes(t *testing.T) {
	if InfoSize != 52 || EntrySize != 24 {
		t.Errorf("InfoSize, EntrySize = %d, %d, want 52, 24", InfoSize, EntrySize)
	}
}

func TestLayout(t *testing.T) {
	const addr = 0x6000
	b := Layout(addr, 0x10000000)
	info, entries, err := Parse(addr, b)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := Info{Flags: FlagMMap, MMapLength: 72, MMapAddr: addr + 52}
	if diff := cmp.Diff(want, info); diff != "" {
		t.Errorf("header mismatch (-want +got):\n%s", diff)
	}
	wantEntries := []MMapEntry{
		{Size: 0x14, LenLo: 0xa0000, Type: TypeUsable},
		{Size: 0x14, BaseLo: 0xa0000, LenLo: 0x60000, Type: TypeReserved},
		{Size: 0x14, BaseLo: 0x100000, LenLo: 0xff00000, Type: TypeUsable},
	}
	if diff := cmp.Diff(wantEntries, entries); diff != "" {
		t.Errorf("memory map mismatch (-want +got):\n%s", diff)
	}
}

func TestLargeGuest(t *testing.T) {
	e := MemoryMap(6 << 30)[2]
	if e.Length() != 6<<30-0x100000 || e.LenHi != 1 {
		t.Errorf("high segment %v has length %#x", e, e.Length())
	}
}

func TestParseTruncated(t *testing.T) {
	b := Layout(0x6000, 1<<24)
	if _, _, err := Parse(0x6000, b[:60]); err == nil {
		t.Errorf("Parse accepted a truncated block")
	}
}
