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

// Package hostaddr provides the virtual-address arithmetic shared by the
// page table, ELF loader, and stack-growth code. It plays the role the
// teacher's pkg/hostarch plays for gVisor's sentry: a single place where
// page-size rounding and address-range math live.
package hostaddr

import "golang.org/x/sys/unix"

// PageSize is the page granularity used throughout the simulated address
// spaces. It mirrors the host's page size rather than hard-coding 4096,
// the way pkg/hostarch derives its page size from the running system.
var PageSize = uint64(unix.Getpagesize())

// Addr is a virtual address.
type Addr uint64

// PageDown rounds a down to the containing page boundary.
func (a Addr) PageDown() Addr {
	return Addr(uint64(a) &^ (PageSize - 1))
}

// PageUp rounds a up to the next page boundary (a no-op if already aligned).
func (a Addr) PageUp() Addr {
	return Addr((uint64(a) + PageSize - 1) &^ (PageSize - 1))
}

// Page returns the page number containing a.
func (a Addr) Page() uint64 {
	return uint64(a) / PageSize
}

// PageOfNum converts a page number back to its base address.
func PageOfNum(page uint64) Addr {
	return Addr(page * PageSize)
}

// Range is a half-open virtual address range [Start, End).
type Range struct {
	Start Addr
	End   Addr
}

// Contains reports whether a lies in [r.Start, r.End).
func (r Range) Contains(a Addr) bool {
	return a >= r.Start && a < r.End
}

// Pages returns the number of whole pages spanned by the range. The range
// must already be page-aligned.
func (r Range) Pages() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End-r.Start) / PageSize
}

// Bytes returns the byte length of the range.
func (r Range) Bytes() uint64 {
	if r.End <= r.Start {
		return 0
	}
	return uint64(r.End - r.Start)
}
