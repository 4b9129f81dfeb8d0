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

// Package pagetable models per-address-space page tables. A real kernel
// walks a 4-level hierarchy rooted at a physical frame loaded into CR3;
// this simulator flattens that into a map keyed by virtual page number,
// the way gVisor's pkg/sentry/mm and pkg/sentry/pgalloc track
// mappings as range/metadata structures rather than raw page-table walks
// (see pkg/sentry/pgalloc/reclaim_set.go and pkg/sentry/mm/metadata.go).
// The externally visible behavior — clone_l4 shares a root, fork deep
// copies one — is what the process subsystem depends on.
package pagetable

import (
	"sync"

	"golang.org/x/sys/unix"

	"github.com/ysos-go/ysos/pkg/hostaddr"
)

// Flags mirrors the protection bits a PT_LOAD segment or a stack page is
// mapped with. The names match unix.PROT_* so the ELF loader and the
// fault handler can build them straight from segment flags without a
// private vocabulary.
type Flags struct {
	Present  bool
	Writable bool
	Exec     bool
	User     bool
}

// toProt renders f as the golang.org/x/sys/unix protection bitmask; kept
// around so a caller building mmap-shaped flags can start from the unix
// PROT_* vocabulary. Nothing in the kernel calls it at present.
func (f Flags) toProt() int {
	prot := unix.PROT_READ
	if f.Writable {
		prot |= unix.PROT_WRITE
	}
	if f.Exec {
		prot |= unix.PROT_EXEC
	}
	return prot
}

type entry struct {
	flags Flags
	data  []byte
}

// root is the top-level page-table frame. Multiple PageTableContext
// values can point at the same root (clone_l4); fork allocates an
// independent one and copies every entry into it.
type root struct {
	mu      sync.RWMutex
	entries map[uint64]*entry // keyed by virtual page number
}

func newRoot() *root {
	return &root{entries: make(map[uint64]*entry)}
}

// Context owns a reference to a page-table root, the simulated
// per-address-space mapping a process's code and stack live in.
type Context struct {
	root *root
}

// New captures a fresh, empty top-level page table, as PageTableContext::new
// captures the bootloader-provided MMU root.
func New() *Context {
	return &Context{root: newRoot()}
}

// CloneL4 returns a handle sharing the same root — used when a new process
// is bootstrapped into the same address space as the kernel.
func (c *Context) CloneL4() *Context {
	return &Context{root: c.root}
}

// Fork allocates a fresh root and copies every mapped entry from the
// parent, byte-for-byte. Real hardware kernels would alias the kernel-half
// entries and copy only the user half; since this simulator has no
// separate kernel/user table split, fork always deep-copies every entry
// its mapper has installed: whole user stack pages are duplicated on
// fork rather than relying on copy-on-write.
func (c *Context) Fork() *Context {
	c.root.mu.RLock()
	defer c.root.mu.RUnlock()

	nr := newRoot()
	for page, e := range c.root.entries {
		cp := &entry{flags: e.flags, data: append([]byte(nil), e.data...)}
		nr.entries[page] = cp
	}
	return &Context{root: nr}
}

// Load installs this context as the active address space. In a real
// kernel this writes CR3; here it is a no-op hook kept so the manager's
// switch_next can call it unconditionally on every context switch, and
// so tests can assert it was invoked via LoadCount.
func (c *Context) Load() {
	loadCount.Add(1)
}

var loadCount counter

type counter struct {
	mu sync.Mutex
	n  uint64
}

func (c *counter) Add(d uint64) {
	c.mu.Lock()
	c.n += d
	c.mu.Unlock()
}

// LoadCount returns how many times any Context has been Load()ed, for
// tests that want to assert the scheduler actually switched address
// spaces.
func LoadCount() uint64 {
	loadCount.mu.Lock()
	defer loadCount.mu.Unlock()
	return loadCount.n
}

// MapRange maps count pages starting at addr (rounded down to a page
// boundary) with the given flags. It fails (returning false) if any page
// in the range is already mapped, mirroring elf::map_range's Result
// becoming an Err when a frame is already in use — the caller (fork's
// stack-base scan) relies on this to retry at a different base.
func (c *Context) MapRange(addr hostaddr.Addr, count uint64, flags Flags) bool {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()

	start := addr.Page()
	for i := uint64(0); i < count; i++ {
		if _, ok := c.root.entries[start+i]; ok {
			return false
		}
	}
	for i := uint64(0); i < count; i++ {
		c.root.entries[start+i] = &entry{flags: flags, data: make([]byte, hostaddr.PageSize)}
	}
	return true
}

// Unmap removes count pages starting at addr, ignoring pages that were
// never mapped.
func (c *Context) Unmap(addr hostaddr.Addr, count uint64) {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()
	start := addr.Page()
	for i := uint64(0); i < count; i++ {
		delete(c.root.entries, start+i)
	}
}

// IsMapped reports whether the page containing addr is present.
func (c *Context) IsMapped(addr hostaddr.Addr) bool {
	c.root.mu.RLock()
	defer c.root.mu.RUnlock()
	_, ok := c.root.entries[addr.Page()]
	return ok
}

// WriteAt copies data into the pages containing addr, starting at the
// in-page offset and spanning as many subsequent pages as data requires.
// Used by the ELF loader to copy segment bytes (a PT_LOAD segment is
// routinely several pages long) and by fork to byte-copy the parent's
// stack into the child's. Fails without writing anything if any page in
// the span is unmapped.
func (c *Context) WriteAt(addr hostaddr.Addr, data []byte) bool {
	c.root.mu.Lock()
	defer c.root.mu.Unlock()

	page := addr.Page()
	off := int(uint64(addr) % hostaddr.PageSize)
	span := pageSpan(off, len(data))

	entries := make([]*entry, span)
	for i := 0; i < span; i++ {
		e, ok := c.root.entries[page+uint64(i)]
		if !ok {
			return false
		}
		entries[i] = e
	}

	remaining := data
	for i, e := range entries {
		start := 0
		if i == 0 {
			start = off
		}
		n := copy(e.data[start:], remaining)
		remaining = remaining[n:]
	}
	return true
}

// ReadAt copies n bytes starting at addr out of the pages containing it,
// spanning as many pages as needed. Fails if any page in the span is
// unmapped; a short final page (the last page's data extends past n) is
// trimmed to exactly n bytes total.
func (c *Context) ReadAt(addr hostaddr.Addr, n int) ([]byte, bool) {
	c.root.mu.RLock()
	defer c.root.mu.RUnlock()

	page := addr.Page()
	off := int(uint64(addr) % hostaddr.PageSize)
	span := pageSpan(off, n)

	out := make([]byte, 0, n)
	for i := 0; i < span; i++ {
		e, ok := c.root.entries[page+uint64(i)]
		if !ok {
			return nil, false
		}
		start := 0
		if i == 0 {
			start = off
		}
		end := len(e.data)
		if remaining := n - len(out); end-start > remaining {
			end = start + remaining
		}
		out = append(out, e.data[start:end]...)
	}
	return out, true
}

// pageSpan returns how many pages a region starting at in-page offset off
// and running for length bytes touches.
func pageSpan(off, length int) int {
	if length <= 0 {
		return 1
	}
	return (off+length-1)/int(hostaddr.PageSize) + 1
}

// CopyPages copies count mapped pages starting at src (in this context)
// into dst at dstAddr (in possibly another context). Used by fork to
// duplicate the parent's entire stack into the child's freshly-mapped
// stack slot, matching elf::clone_range.
func CopyPages(dst *Context, dstAddr hostaddr.Addr, src *Context, srcAddr hostaddr.Addr, count uint64) {
	src.root.mu.RLock()
	srcStart := srcAddr.Page()
	bufs := make([][]byte, count)
	for i := uint64(0); i < count; i++ {
		if e, ok := src.root.entries[srcStart+i]; ok {
			bufs[i] = append([]byte(nil), e.data...)
		}
	}
	src.root.mu.RUnlock()

	dst.root.mu.Lock()
	defer dst.root.mu.Unlock()
	dstStart := dstAddr.Page()
	for i := uint64(0); i < count; i++ {
		if bufs[i] == nil {
			continue
		}
		if e, ok := dst.root.entries[dstStart+i]; ok {
			copy(e.data, bufs[i])
		}
	}
}
