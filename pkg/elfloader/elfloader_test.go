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

package elfloader

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/pagetable"
)

const testBaseVaddr = 0x400000

// buildMinimalELF assembles a minimal little-endian ELF64 executable with
// a single PT_LOAD segment covering the whole file (headers + code),
// enough for debug/elf to parse and for Load to map.
func buildMinimalELF(t *testing.T, code []byte) []byte {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56
	entry := uint64(testBaseVaddr + ehdrSize + phdrSize)
	fileSize := uint64(ehdrSize + phdrSize + len(code))

	var buf bytes.Buffer

	ident := [16]byte{0x7f, 'E', 'L', 'F', 2 /* ELFCLASS64 */, 1 /* little endian */, 1 /* EV_CURRENT */}
	buf.Write(ident[:])
	binary.Write(&buf, binary.LittleEndian, uint16(2))            // e_type = ET_EXEC
	binary.Write(&buf, binary.LittleEndian, uint16(0x3e))         // e_machine = EM_X86_64
	binary.Write(&buf, binary.LittleEndian, uint32(1))            // e_version
	binary.Write(&buf, binary.LittleEndian, entry)                // e_entry
	binary.Write(&buf, binary.LittleEndian, uint64(ehdrSize))     // e_phoff
	binary.Write(&buf, binary.LittleEndian, uint64(0))            // e_shoff
	binary.Write(&buf, binary.LittleEndian, uint32(0))            // e_flags
	binary.Write(&buf, binary.LittleEndian, uint16(ehdrSize))     // e_ehsize
	binary.Write(&buf, binary.LittleEndian, uint16(phdrSize))     // e_phentsize
	binary.Write(&buf, binary.LittleEndian, uint16(1))            // e_phnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))            // e_shentsize
	binary.Write(&buf, binary.LittleEndian, uint16(0))            // e_shnum
	binary.Write(&buf, binary.LittleEndian, uint16(0))            // e_shstrndx

	binary.Write(&buf, binary.LittleEndian, uint32(1))             // p_type = PT_LOAD
	binary.Write(&buf, binary.LittleEndian, uint32(5))             // p_flags = PF_R|PF_X
	binary.Write(&buf, binary.LittleEndian, uint64(0))             // p_offset
	binary.Write(&buf, binary.LittleEndian, uint64(testBaseVaddr)) // p_vaddr
	binary.Write(&buf, binary.LittleEndian, uint64(testBaseVaddr)) // p_paddr
	binary.Write(&buf, binary.LittleEndian, fileSize)              // p_filesz
	binary.Write(&buf, binary.LittleEndian, fileSize)              // p_memsz
	binary.Write(&buf, binary.LittleEndian, uint64(0x1000))        // p_align

	buf.Write(code)

	if uint64(buf.Len()) != fileSize {
		t.Fatalf("buffer length %d != computed file size %d", buf.Len(), fileSize)
	}
	return buf.Bytes()
}

func TestParseRecoversEntryPoint(t *testing.T) {
	raw := buildMinimalELF(t, []byte{0x90, 0x90, 0x90, 0x90})
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	wantEntry := hostaddr.Addr(testBaseVaddr + 64 + 56)
	if img.Entry != wantEntry {
		t.Fatalf("Entry = %#x, want %#x", uint64(img.Entry), uint64(wantEntry))
	}
}

func TestLoadMapsSegmentAndCopiesBytes(t *testing.T) {
	code := []byte{0xde, 0xad, 0xbe, 0xef}
	raw := buildMinimalELF(t, code)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	pt := pagetable.New()
	ranges, err := Load(pt, img, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(ranges) != 1 {
		t.Fatalf("expected 1 mapped range, got %d", len(ranges))
	}
	if !pt.IsMapped(hostaddr.Addr(testBaseVaddr)) {
		t.Fatal("expected the segment's base page to be mapped")
	}

	codeStart := testBaseVaddr + 64 + 56
	got, ok := pt.ReadAt(hostaddr.Addr(codeStart), len(code))
	if !ok {
		t.Fatal("ReadAt failed on mapped segment")
	}
	if !bytes.Equal(got, code) {
		t.Fatalf("segment bytes = %v, want %v", got, code)
	}
}

func TestLoadCopiesBytesAcrossMultiplePages(t *testing.T) {
	// A real .text/.data segment routinely spans more than one page;
	// exercise that instead of the 4-byte fixture above.
	code := make([]byte, int(hostaddr.PageSize)+64)
	for i := range code {
		code[i] = byte(i)
	}
	raw := buildMinimalELF(t, code)
	img, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	pt := pagetable.New()
	ranges, err := Load(pt, img, true)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if ranges[0].Pages() < 2 {
		t.Fatalf("expected the segment to span at least 2 pages, spans %d", ranges[0].Pages())
	}

	codeStart := testBaseVaddr + 64 + 56
	got, ok := pt.ReadAt(hostaddr.Addr(codeStart), len(code))
	if !ok {
		t.Fatal("ReadAt failed on a multi-page segment")
	}
	if !bytes.Equal(got, code) {
		t.Fatal("segment bytes spanning multiple pages were corrupted on load")
	}
}
