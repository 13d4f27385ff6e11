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

// Package multiboot builds the multiboot information block and e820-style
// memory map handed to guests.
package multiboot

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// FlagMMap marks the mmap_length and mmap_addr fields as valid.
const FlagMMap uint32 = 1 << 6

// Memory map entry types.
const (
	TypeUsable   uint32 = 1
	TypeReserved uint32 = 2
)

// Info is the multiboot information header, up to the memory map fields.
type Info struct {
	Flags      uint32
	MemLower   uint32
	MemUpper   uint32
	BootDevice uint32
	Cmdline    uint32
	ModsCount  uint32
	ModsAddr   uint32
	Syms       [4]uint32
	MMapLength uint32
	MMapAddr   uint32
}

// MMapEntry is one memory map segment. Size counts the bytes after the Size
// field itself.
type MMapEntry struct {
	Size   uint32
	BaseLo uint32
	BaseHi uint32
	LenLo  uint32
	LenHi  uint32
	Type   uint32
}

// Encoded sizes.
var (
	InfoSize  = binary.Size(Info{})
	EntrySize = binary.Size(MMapEntry{})
)

// NewEntry returns the entry for [base, base+length).
func NewEntry(base, length uint64, typ uint32) MMapEntry {
	return MMapEntry{
		Size:   uint32(EntrySize - 4),
		BaseLo: uint32(base),
		BaseHi: uint32(base >> 32),
		LenLo:  uint32(length),
		LenHi:  uint32(length >> 32),
		Type:   typ,
	}
}

// Base returns the first byte of the segment.
func (e MMapEntry) Base() uint64 { return uint64(e.BaseHi)<<32 | uint64(e.BaseLo) }

// Length returns the segment length.
func (e MMapEntry) Length() uint64 { return uint64(e.LenHi)<<32 | uint64(e.LenLo) }

// String implements fmt.Stringer.String.
func (e MMapEntry) String() string {
	typ := "usable"
	if e.Type != TypeUsable {
		typ = fmt.Sprintf("reserved(%d)", e.Type)
	}
	return fmt.Sprintf("[%#010x, %#010x) %s", e.Base(), e.Base()+e.Length(), typ)
}

// Low memory layout shared by every guest.
const (
	lowMemEnd = 0xa0000
	extMem    = 0x100000
)

// MemoryMap returns the three segments describing a guest with physSize
// bytes of RAM: conventional memory, the I/O hole and extended memory.
func MemoryMap(physSize uint64) []MMapEntry {
	return []MMapEntry{
		NewEntry(0, lowMemEnd, TypeUsable),
		NewEntry(lowMemEnd, extMem-lowMemEnd, TypeReserved),
		NewEntry(extMem, physSize-extMem, TypeUsable),
	}
}

// Layout encodes the information block for a guest with physSize bytes of
// RAM, to be placed at guest-physical addr. The memory map immediately
// follows the header.
func Layout(addr, physSize uint64) []byte {
	entries := MemoryMap(physSize)
	info := Info{
		Flags:      FlagMMap,
		MMapLength: uint32(len(entries) * EntrySize),
		MMapAddr:   uint32(addr) + uint32(InfoSize),
	}
	var buf bytes.Buffer
	// Writes to a bytes.Buffer of fixed-size values cannot fail.
	binary.Write(&buf, binary.LittleEndian, &info)
	binary.Write(&buf, binary.LittleEndian, entries)
	return buf.Bytes()
}

// Parse decodes a block produced by Layout placed at addr.
func Parse(addr uint64, b []byte) (Info, []MMapEntry, error) {
	var info Info
	r := bytes.NewReader(b)
	if err := binary.Read(r, binary.LittleEndian, &info); err != nil {
		return Info{}, nil, fmt.Errorf("reading header: %w", err)
	}
	if info.Flags&FlagMMap == 0 {
		return info, nil, nil
	}
	off := int64(info.MMapAddr) - int64(addr)
	if off < 0 || off+int64(info.MMapLength) > int64(len(b)) {
		return Info{}, nil, fmt.Errorf("memory map at %#x+%d outside block", info.MMapAddr, info.MMapLength)
	}
	entries := make([]MMapEntry, int(info.MMapLength)/EntrySize)
	if err := binary.Read(bytes.NewReader(b[off:]), binary.LittleEndian, entries); err != nil {
		return Info{}, nil, fmt.Errorf("reading memory map: %w", err)
	}
	return info, entries, nil
}
