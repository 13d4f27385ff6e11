// Copyright 2018 The gVisor Authors.
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

// Package pagetables provides a generic four-level radix table walker over
// frames from the frame service. It backs both the nested (EPT) tables of
// guests and the ordinary page tables of host processes; the two differ only
// in their entry Format.
package pagetables

import (
	"fmt"

	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/physmem"
)

const (
	// EntriesPerTable is the number of entries in each table node.
	EntriesPerTable = 512

	indexBits = 9
	indexMask = EntriesPerTable - 1

	// addrMask selects the frame address bits of an entry.
	addrMask PTE = 0x000ffffffffff000
)

// Level identifies a table level. LevelPML4 is the root; LevelPT holds the
// leaf entries that point at data frames.
type Level int

// Table levels, leaf first.
const (
	LevelPT Level = iota
	LevelPD
	LevelPDPT
	LevelPML4

	// NumLevels is the depth of every table.
	NumLevels = 4
)

// Shift returns the bit position of the lowest address bit indexing l.
func (l Level) Shift() uint {
	return hostarch.PageShift + indexBits*uint(l)
}

// IsLeaf returns true if entries at l map data frames rather than child
// tables.
func (l Level) IsLeaf() bool {
	return l == LevelPT
}

// Span returns the number of bytes of address space covered by one entry at
// level l.
func (l Level) Span() uint64 {
	return 1 << l.Shift()
}

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case LevelPT:
		return "PT"
	case LevelPD:
		return "PD"
	case LevelPDPT:
		return "PDPT"
	case LevelPML4:
		return "PML4"
	default:
		return fmt.Sprintf("Level(%d)", int(l))
	}
}

// Index is a slot within one table node, always in [0, EntriesPerTable).
type Index uint16

// IndexOf returns the slot that addr selects at level l.
func IndexOf(addr hostarch.Addr, l Level) Index {
	return Index((uint64(addr) >> l.Shift()) & indexMask)
}

// NewIndex validates i as a table slot.
func NewIndex(i int) (Index, error) {
	if i < 0 || i >= EntriesPerTable {
		return 0, fmt.Errorf("table index %d out of range: %w", i, vmerr.InvalidArgument)
	}
	return Index(i), nil
}

// PTE is a single table entry: a frame address in the upper bits and flags
// in the low twelve.
type PTE uint64

// Address returns the frame address held by the entry.
func (p PTE) Address() physmem.PhysAddr {
	return physmem.PhysAddr(p & addrMask)
}

// Flags returns the low flag bits of the entry.
func (p PTE) Flags() uint64 {
	return uint64(p &^ addrMask)
}

// PTEs is one table node: the contents of exactly one frame.
type PTEs [EntriesPerTable]PTE

// Format describes how a family of tables encodes entries.
type Format struct {
	// Name is used in diagnostics.
	Name string

	// Present is the set of bits of which at least one must be set for an
	// entry to be valid.
	Present uint64

	// Intermediate is the flag set written into newly created non-leaf
	// entries.
	Intermediate uint64

	// Write is the bit granting write access in a leaf entry.
	Write uint64
}

// Valid returns true if p is a present entry.
func (f Format) Valid(p PTE) bool {
	return uint64(p)&f.Present != 0
}

// Writable returns true if p grants write access.
func (f Format) Writable(p PTE) bool {
	return uint64(p)&f.Write != 0
}

// Make composes an entry from a frame address and flags.
func (f Format) Make(pa physmem.PhysAddr, flags uint64) PTE {
	return PTE(uint64(pa)&uint64(addrMask)) | PTE(flags&^uint64(addrMask))
}

// Entry formats.
var (
	// EPTFormat is the nested page table format: bits 0-2 are read, write
	// and execute, and any of them makes an entry present.
	EPTFormat = Format{Name: "ept", Present: 0x7, Intermediate: 0x7, Write: 0x2}

	// X86Format is the ordinary x86-64 format: present, writable and user
	// in bits 0-2.
	X86Format = Format{Name: "x86", Present: 0x1, Intermediate: 0x7, Write: 0x2}
)

// Tables is a four-level table rooted in a frame owned by the caller.
//
// Intermediate nodes are allocated on demand and owned by the Tables; leaf
// frames are owned by whoever installed them. FreeAll releases both kinds and
// leaves the root alone.
type Tables struct {
	mem    *physmem.Memory
	format Format
	root   *physmem.Frame
}

// New returns tables rooted at root, which must be a zeroed frame.
func New(mem *physmem.Memory, format Format, root *physmem.Frame) *Tables {
	return &Tables{
		mem:    mem,
		format: format,
		root:   root,
	}
}

// Root returns the root frame.
func (t *Tables) Root() *physmem.Frame {
	return t.root
}

// Format returns the entry format.
func (t *Tables) Format() Format {
	return t.format
}

// Memory returns the frame service backing the tables.
func (t *Tables) Memory() *physmem.Memory {
	return t.mem
}

// child returns the node a valid non-leaf entry points to.
func (t *Tables) child(e PTE, lvl Level) *physmem.Frame {
	f, ok := t.mem.FrameAt(e.Address())
	if !ok {
		panic(fmt.Sprintf("%s %v entry %#x points outside physical memory", t.format.Name, lvl, uint64(e)))
	}
	return f
}

// Walk returns the leaf entry for addr. Missing intermediate levels are
// allocated when create is set; otherwise Walk fails with vmerr.NoEntry. The
// returned entry is not necessarily present.
func (t *Tables) Walk(addr hostarch.Addr, create bool) (*PTE, error) {
	node := t.root
	for lvl := LevelPML4; ; lvl-- {
		e := &entries(node)[IndexOf(addr, lvl)]
		if lvl.IsLeaf() {
			return e, nil
		}
		if !t.format.Valid(*e) {
			if !create {
				return nil, vmerr.NoEntry
			}
			next, err := t.mem.Alloc(true)
			if err != nil {
				return nil, err
			}
			next.IncRef()
			*e = t.format.Make(next.PA(), t.format.Intermediate)
			node = next
			continue
		}
		node = t.child(*e, lvl)
	}
}

// Lookup returns the present leaf entry for addr, if any.
func (t *Tables) Lookup(addr hostarch.Addr) (PTE, bool) {
	e, err := t.Walk(addr, false)
	if err != nil || !t.format.Valid(*e) {
		return 0, false
	}
	return *e, true
}

// Range calls fn for every present leaf entry in ascending address order
// until fn returns false.
func (t *Tables) Range(fn func(addr hostarch.Addr, e PTE) bool) {
	t.rangeNode(t.root, LevelPML4, 0, fn)
}

func (t *Tables) rangeNode(node *physmem.Frame, lvl Level, base hostarch.Addr, fn func(hostarch.Addr, PTE) bool) bool {
	ptes := entries(node)
	for i := range ptes {
		e := ptes[i]
		if !t.format.Valid(e) {
			continue
		}
		addr := base + hostarch.Addr(uint64(i)<<lvl.Shift())
		if lvl.IsLeaf() {
			if !fn(addr, e) {
				return false
			}
			continue
		}
		if !t.rangeNode(t.child(e, lvl), lvl-1, addr, fn) {
			return false
		}
	}
	return true
}

// FreeAll drops every reference reachable from the root: leaf data frames
// and intermediate nodes. The root itself is cleared but not released.
func (t *Tables) FreeAll() {
	t.freeNode(t.root, LevelPML4)
}

func (t *Tables) freeNode(node *physmem.Frame, lvl Level) {
	ptes := entries(node)
	for i := range ptes {
		e := ptes[i]
		if !t.format.Valid(e) {
			continue
		}
		f := t.child(e, lvl)
		if !lvl.IsLeaf() {
			t.freeNode(f, lvl-1)
		}
		ptes[i] = 0
		f.DecRef()
	}
}
