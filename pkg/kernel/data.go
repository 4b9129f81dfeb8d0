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

package kernel

import (
	"sync"

	"github.com/mohae/deepcopy"

	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/kernel/semaphore"
)

// EnvCell is the shared, reference-counted environment map: forked
// children see the same cell their parent does, so a
// write by either is visible to both.
type EnvCell struct {
	mu sync.RWMutex
	m  map[string]string
}

// NewEnvCell returns an empty environment cell.
func NewEnvCell() *EnvCell {
	return &EnvCell{m: make(map[string]string)}
}

// Get returns the value for key and whether it was set.
func (e *EnvCell) Get(key string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	v, ok := e.m[key]
	return v, ok
}

// Set installs key=val in the shared environment.
func (e *EnvCell) Set(key, val string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.m[key] = val
}

// ProcessData is the per-process mutable state: the environment
// (shared across forked children via EnvCell), the stack and
// code segment ranges, the FD table, and the semaphore set (also shared
// across forked children).
type ProcessData struct {
	Env           *EnvCell
	StackSegment  *hostaddr.Range
	CodeSegments  []hostaddr.Range
	Resources     *ResourceSet
	Semaphores    *semaphore.Set
	stackMemUsage uint64
}

// NewProcessData builds a fresh ProcessData with its own environment,
// resource table, and semaphore set (none of which are shared until a
// fork makes them so).
func NewProcessData(input InputRing, writeOut func(string)) *ProcessData {
	return &ProcessData{
		Env:        NewEnvCell(),
		Resources:  NewResourceSet(input, writeOut),
		Semaphores: semaphore.NewSet(),
	}
}

// SetStack records a freshly mapped stack range and its byte span.
func (d *ProcessData) SetStack(r hostaddr.Range) {
	rr := r
	d.StackSegment = &rr
	d.stackMemUsage = r.Bytes()
}

// IsOnStack reports whether addr falls within the current stack segment.
func (d *ProcessData) IsOnStack(addr hostaddr.Addr) bool {
	if d.StackSegment == nil {
		return false
	}
	return d.StackSegment.Contains(addr)
}

// StackMemoryUsage returns the stack segment's byte span.
func (d *ProcessData) StackMemoryUsage() uint64 {
	if d.StackSegment == nil {
		return 0
	}
	return d.StackSegment.Bytes()
}

// CodeMemoryUsage returns the sum of every code segment's byte span.
func (d *ProcessData) CodeMemoryUsage() uint64 {
	var total uint64
	for _, r := range d.CodeSegments {
		total += r.Bytes()
	}
	return total
}

// TotalMemoryUsage is what print_process_list reports per process in
// the ps memory column.
func (d *ProcessData) TotalMemoryUsage() uint64 {
	return d.StackMemoryUsage() + d.CodeMemoryUsage()
}

// Fork produces the child's ProcessData: env, resources, and
// semaphores are shared by reference with the parent (so
// `key`s and environment edits propagate between parent and child); the
// code segments are independently copied via deepcopy (the child's
// address space is a separate copy of the parent's mappings, so the
// *list* describing them must not alias the parent's slice even though
// the byte ranges it names happen to coincide at fork time); the stack
// segment is always replaced by the caller once the child's stack has
// been mapped at its own base.
func (d *ProcessData) Fork() *ProcessData {
	codeCopy, _ := deepcopy.Copy(d.CodeSegments).([]hostaddr.Range)
	return &ProcessData{
		Env:          d.Env,
		CodeSegments: codeCopy,
		Resources:    d.Resources,
		Semaphores:   d.Semaphores,
		// StackSegment intentionally left nil: the manager sets it once
		// the child's stack has been mapped and copied.
	}
}
