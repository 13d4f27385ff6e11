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

// Package loader boots guests. The loader runs as a host process: it creates
// the guest, copies the kernel image's loadable segments and the boot sector
// into guest memory page by page, and starts the guest.
package loader

import (
	"debug/elf"
	"fmt"
	"io"

	"nestvm.dev/nestvm/pkg/addrspace"
	"nestvm.dev/nestvm/pkg/cleanup"
	"nestvm.dev/nestvm/pkg/env"
	"nestvm.dev/nestvm/pkg/ept"
	"nestvm.dev/nestvm/pkg/errors/vmerr"
	"nestvm.dev/nestvm/pkg/hostarch"
	"nestvm.dev/nestvm/pkg/kernel"
	"nestvm.dev/nestvm/pkg/log"
)

const (
	// BootSectorAddr is where the boot sector is loaded and where guests
	// start by default.
	BootSectorAddr hostarch.Addr = 0x7000

	// scratchVA is the loader's staging page.
	scratchVA hostarch.Addr = 0x00400000

	scratchPerm = uint64(addrspace.Present | addrspace.User | addrspace.Write)
)

// Source opens the files a loader reads.
type Source interface {
	Open(p *kernel.Proc, name string) (io.ReaderAt, int64, error)
}

// Config describes a guest to boot.
type Config struct {
	// Files provides the images.
	Files Source

	// Kernel is the ELF kernel image.
	Kernel string

	// BootSector is loaded at BootSectorAddr. Optional.
	BootSector string

	// MemSize is the guest's physical memory size.
	MemSize uint64

	// Entry is the initial RIP. Defaults to BootSectorAddr.
	Entry uint64

	// Logger defaults to the global logger.
	Logger log.Logger
}

// Segment is a loadable part of an image.
type Segment struct {
	// PA is the guest-physical load address.
	PA uint64

	// Off and FileSize locate the bytes in the image. The rest of MemSize
	// is zero filled.
	Off      uint64
	FileSize uint64
	MemSize  uint64
}

// Segments returns the PT_LOAD segments of the ELF image r of size bytes.
// Segments must be in ascending order and may not share pages, since each
// page is copied into the guest once.
func Segments(r io.ReaderAt, size int64) ([]Segment, error) {
	f, err := elf.NewFile(r)
	if err != nil {
		return nil, fmt.Errorf("parsing ELF: %w", err)
	}
	defer f.Close()

	var segs []Segment
	for _, prog := range f.Progs {
		if prog.Type != elf.PT_LOAD || prog.Memsz == 0 {
			continue
		}
		if prog.Filesz > prog.Memsz {
			return nil, fmt.Errorf("PT_LOAD at %#x: filesz %#x > memsz %#x: %w", prog.Paddr, prog.Filesz, prog.Memsz, vmerr.InvalidArgument)
		}
		end := prog.Off + prog.Filesz
		if end < prog.Off || end > uint64(size) {
			return nil, fmt.Errorf("PT_LOAD at %#x extends beyond end of file %#x: %w", prog.Paddr, size, vmerr.InvalidArgument)
		}
		if n := len(segs); n > 0 {
			prev := segs[n-1]
			prevEnd := hostarch.Addr(prev.PA + prev.MemSize - 1).RoundDown()
			if prog.Paddr < prev.PA+prev.MemSize || hostarch.Addr(prog.Paddr).RoundDown() <= prevEnd {
				return nil, fmt.Errorf("PT_LOAD at %#x overlaps or shares a page with the previous segment: %w", prog.Paddr, vmerr.InvalidArgument)
			}
		}
		segs = append(segs, Segment{
			PA:       prog.Paddr,
			Off:      prog.Off,
			FileSize: prog.Filesz,
			MemSize:  prog.Memsz,
		})
	}
	if len(segs) == 0 {
		return nil, fmt.Errorf("no loadable segments: %w", vmerr.InvalidArgument)
	}
	return segs, nil
}

// Load creates the guest described by conf and fills its memory. The guest
// is left not runnable.
func Load(p *kernel.Proc, conf Config) (env.ID, error) {
	logger := conf.Logger
	if logger == nil {
		logger = log.Log()
	}
	entry := conf.Entry
	if entry == 0 {
		entry = uint64(BootSectorAddr)
	}

	img, size, err := conf.Files.Open(p, conf.Kernel)
	if err != nil {
		return 0, fmt.Errorf("opening kernel %s: %w", conf.Kernel, err)
	}
	segs, err := Segments(img, size)
	if err != nil {
		return 0, fmt.Errorf("kernel %s: %w", conf.Kernel, err)
	}
	for _, s := range segs {
		if end := s.PA + s.MemSize; end < s.PA || end > conf.MemSize {
			return 0, fmt.Errorf("segment [%#x, %#x) outside %#x bytes of guest memory: %w", s.PA, end, conf.MemSize, vmerr.InvalidArgument)
		}
	}

	gid, err := p.EnvMkGuest(conf.MemSize, entry)
	if err != nil {
		return 0, err
	}
	cu := cleanup.Make(func() { p.EnvDestroy(gid) })
	// A failed copy can leave the staging page mapped.
	cu.Add(func() { p.PageUnmap(0, scratchVA) })
	defer cu.Clean()

	for _, s := range segs {
		logger.Debugf("loader: segment [%#x, %#x) from offset %#x", s.PA, s.PA+s.MemSize, s.Off)
		if err := mapIn(p, gid, s, img); err != nil {
			return 0, fmt.Errorf("loading segment at %#x: %w", s.PA, err)
		}
	}

	if conf.BootSector != "" {
		bs, bsSize, err := conf.Files.Open(p, conf.BootSector)
		if err != nil {
			return 0, fmt.Errorf("opening boot sector %s: %w", conf.BootSector, err)
		}
		if bsSize > hostarch.PageSize {
			return 0, fmt.Errorf("boot sector of %d bytes: %w", bsSize, vmerr.InvalidArgument)
		}
		s := Segment{PA: uint64(BootSectorAddr), FileSize: uint64(bsSize), MemSize: uint64(bsSize)}
		if err := mapIn(p, gid, s, bs); err != nil {
			return 0, fmt.Errorf("loading boot sector: %w", err)
		}
	}
	cu.Release()
	logger.Infof("loader: guest %v loaded from %s, %d segments", gid, conf.Kernel, len(segs))
	return gid, nil
}

// mapIn copies segment s of r into guest gid. Every page the segment touches
// is staged at scratchVA, filled, then handed to the guest.
func mapIn(p *kernel.Proc, gid env.ID, s Segment, r io.ReaderAt) error {
	start := hostarch.Addr(s.PA).RoundDown()
	end, ok := hostarch.Addr(s.PA + s.MemSize).RoundUp()
	if !ok {
		return fmt.Errorf("segment end overflows: %w", vmerr.InvalidArgument)
	}
	fileStart, fileEnd := s.PA, s.PA+s.FileSize
	for gpa := start; gpa < end; gpa += hostarch.PageSize {
		if err := p.PageAlloc(0, scratchVA, scratchPerm); err != nil {
			return err
		}
		page, err := p.Page(scratchVA)
		if err != nil {
			return err
		}
		// File bytes overlapping this page.
		lo, hi := max(uint64(gpa), fileStart), min(uint64(gpa)+hostarch.PageSize, fileEnd)
		if lo < hi {
			dst := page[lo-uint64(gpa) : hi-uint64(gpa)]
			if n, err := r.ReadAt(dst, int64(s.Off+lo-fileStart)); n < len(dst) {
				return fmt.Errorf("reading %d bytes at offset %#x: %w", len(dst), s.Off+lo-fileStart, err)
			}
		}
		if err := p.EPTMap(0, scratchVA, gid, gpa, ept.Full); err != nil {
			return err
		}
		if err := p.PageUnmap(0, scratchVA); err != nil {
			return err
		}
	}
	return nil
}

// Proc returns a process body that loads and starts the guest described by
// conf.
func Proc(conf Config) kernel.ProcFunc {
	return func(p *kernel.Proc) error {
		gid, err := Load(p, conf)
		if err != nil {
			return err
		}
		return p.EnvSetStatus(gid, env.Runnable)
	}
}
