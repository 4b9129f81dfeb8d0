// Copyright 2024 The ysos Authors.
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

// Package elfloader is the external ELF-loading collaborator invoked by
// the process manager during spawn, living outside the process
// subsystem's core. debug/elf is used for
// parsing — no third-party ELF parser appears anywhere in the example
// pack, and debug/elf is exactly what pack members reach for when they
// need to load an ELF image into a simulated address space (see
// DESIGN.md for the grounding citations).
package elfloader

import (
	"bytes"
	"debug/elf"
	"fmt"

	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/pagetable"
)

// Image is a parsed, loadable ELF binary: just enough to drive spawn.
type Image struct {
	Entry    hostaddr.Addr
	segments []*elf.Prog
}

// Parse reads an ELF image from raw bytes, the shape the boot app table
// hands the process manager.
func Parse(raw []byte) (*Image, error) {
	f, err := elf.NewFile(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parsing elf: %w", err)
	}
	var loads []*elf.Prog
	for _, p := range f.Progs {
		if p.Type == elf.PT_LOAD {
			loads = append(loads, p)
		}
	}
	return &Image{Entry: hostaddr.Addr(f.Entry), segments: loads}, nil
}

// Load maps every PT_LOAD segment of img into pt, returning the page
// ranges it mapped (one per segment) so the caller can record them as
// ProcessData.code_segments.
//
// For each segment: allocate frames covering [vaddr, vaddr+filesz), copy
// the segment bytes in, zero the remainder of the final page, and zero
// any pages in (filesz, memsz]. Flags: Present always; Writable iff
// PF_W; no-exec unless PF_X; User iff user is true.
func Load(pt *pagetable.Context, img *Image, user bool) ([]hostaddr.Range, error) {
	ranges := make([]hostaddr.Range, 0, len(img.segments))
	for _, seg := range img.segments {
		start := hostaddr.Addr(seg.Vaddr).PageDown()
		end := hostaddr.Addr(seg.Vaddr + seg.Memsz).PageUp()
		count := hostaddr.Range{Start: start, End: end}.Pages()

		flags := pagetable.Flags{
			Present:  true,
			Writable: seg.Flags&elf.PF_W != 0,
			Exec:     seg.Flags&elf.PF_X != 0,
			User:     user,
		}
		if !pt.MapRange(start, count, flags) {
			return nil, fmt.Errorf("mapping segment at %#x: frames already in use", uint64(start))
		}

		data := make([]byte, seg.Filesz)
		if _, err := seg.ReadAt(data, 0); err != nil {
			return nil, fmt.Errorf("reading segment at %#x: %w", seg.Vaddr, err)
		}
		pt.WriteAt(hostaddr.Addr(seg.Vaddr), data)
		// Bytes beyond Filesz (but within Memsz, e.g. .bss) are left as
		// the zero value MapRange already initialized them to.

		ranges = append(ranges, hostaddr.Range{Start: start, End: end})
	}
	return ranges, nil
}

// MapRange maps count pages at addr with the given flags — a thin
// passthrough kept in this package, mirroring elf::map_range being
// re-exported alongside elf::load_elf. The spawn and fork paths in
// pkg/kernel call pagetable.Context.MapRange directly instead.
func MapRange(pt *pagetable.Context, addr hostaddr.Addr, count uint64, flags pagetable.Flags) bool {
	return pt.MapRange(addr, count, flags)
}
