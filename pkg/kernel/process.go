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
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ysos-go/ysos/pkg/arch"
	"github.com/ysos-go/ysos/pkg/elfloader"
	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/pagetable"

	"github.com/ysos-go/ysos/pkg/kernel/pid"
)

// Process is a single schedulable unit: an identity (PID) plus a
// mutex-guarded bundle of everything that changes as it runs. A
// reference-counted wrapper splitting identity from mutable state would
// let the PID be read without taking a lock, but Go's GC makes that
// extra indirection unnecessary, so both live on one struct here with a
// single RWMutex guarding the mutable fields.
type Process struct {
	pid pid.ProcessId

	mu sync.RWMutex

	name        string
	parent      pid.ProcessId // 0 means none (the kernel process's parent)
	children    []pid.ProcessId
	ticksPassed uint64
	status      ProgramStatus
	exitCode    *int64
	context     arch.ProcessContext
	pageTable   *pagetable.Context
	data        *ProcessData
}

// NewProcess builds a fresh process: Ready, with its own page table and
// ProcessData, no children, and status Ready until the caller sets it
// running or schedules it. parent is Kernel's parent (0) when there is
// none.
func NewProcess(id pid.ProcessId, name string, parent pid.ProcessId, pt *pagetable.Context, data *ProcessData) *Process {
	return &Process{
		pid:       id,
		name:      name,
		parent:    parent,
		status:    Ready,
		pageTable: pt,
		data:      data,
	}
}

// PID returns the process's identifier. Never changes, so no lock needed.
func (p *Process) PID() pid.ProcessId { return p.pid }

// Name returns the process's name.
func (p *Process) Name() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.name
}

// Status returns the current lifecycle status.
func (p *Process) Status() ProgramStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.status
}

// IsReady reports whether the process currently sits in the ready queue.
func (p *Process) IsReady() bool { return p.Status() == Ready }

// TicksPassed returns the number of scheduler ticks this process has been
// charged for, the "ticks" column of print_process_list.
func (p *Process) TicksPassed() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ticksPassed
}

// Tick charges one scheduler tick to the process.
func (p *Process) Tick() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ticksPassed++
}

// ExitCode returns the process's exit code and whether it has exited.
func (p *Process) ExitCode() (int64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.exitCode == nil {
		return 0, false
	}
	return *p.exitCode, true
}

// Parent returns the parent's PID, or 0 if this process has none.
func (p *Process) Parent() pid.ProcessId {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.parent
}

// Children returns a copy of the current child-PID list.
func (p *Process) Children() []pid.ProcessId {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]pid.ProcessId(nil), p.children...)
}

// addChild records childID as one of this process's children.
func (p *Process) addChild(childID pid.ProcessId) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.children = append(p.children, childID)
}

// Data returns the process's ProcessData, or nil once Dead.
func (p *Process) Data() *ProcessData {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.data
}

// PageTable returns the process's page table, or nil once Dead.
func (p *Process) PageTable() *pagetable.Context {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pageTable
}

// Pause transitions a Running process to Ready, for the scheduler to
// requeue it.
func (p *Process) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == Running {
		p.status = Ready
	}
}

// Resume transitions a Ready process to Running, as switch_next does for
// the process it picks.
func (p *Process) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Running
}

// Block transitions a Running process to Blocked, used by sem_wait when
// it must queue the caller.
func (p *Process) Block() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = Blocked
}

// Unblock transitions a Blocked process to Ready, used by sem_signal to
// wake a queued waiter.
func (p *Process) Unblock() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == Blocked {
		p.status = Ready
	}
}

// Kill marks the process Dead with the given exit code and releases its
// page table and ProcessData. Idempotent: killing an
// already-dead process is a no-op.
func (p *Process) Kill(ret int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.status == Dead {
		return
	}
	p.status = Dead
	p.exitCode = &ret
	p.pageTable = nil
	p.data = nil
}

// Save copies live into the process's saved context and, if it was
// Running, transitions it to Ready. The caller is expected to push this
// process back onto the ready queue afterward, or, for a blocking
// syscall, override the status instead.
func (p *Process) Save(live *arch.ProcessContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.Save(live)
	if p.status == Running {
		p.status = Ready
	}
}

// Restore loads the process's page table and copies its saved context
// into live, then marks it Running. This is switch_next's second half.
func (p *Process) Restore(live *arch.ProcessContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pageTable.Load()
	p.context.Restore(live)
	p.status = Running
}

// SetReturn overrides the saved context's rax, used to hand a syscall's
// result back to a process that is about to be restored (or, for fork, to
// give the child a 0 return where the parent got the child's pid).
func (p *Process) SetReturn(v uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.SetRax(v)
}

// InitStackFrame builds a ring-0 entry context beginning at entry with
// stack pointer top. manager.New does not call it: the bootstrap kernel
// process keeps a zero context.
func (p *Process) InitStackFrame(entry, top uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.InitStackFrame(entry, top)
}

// InitUserStackFrame builds a ring-3 entry context for a freshly spawned
// ELF process.
func (p *Process) InitUserStackFrame(entry, top uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.context.InitUserStackFrame(entry, top)
}

// LoadELF maps img's segments into the process's page table, records them
// as code segments, maps one stack page at the top of this pid's stack
// slot, and returns the mapped stack's top address.
func (p *Process) LoadELF(img *elfloader.Image) (hostaddr.Addr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	segments, err := elfloader.Load(p.pageTable, img, true)
	if err != nil {
		return 0, err
	}
	p.data.CodeSegments = append(p.data.CodeSegments, segments...)

	slot := Slot(p.pid)
	stackBottom := slot.End - hostaddr.Addr(StackDefPages*hostaddr.PageSize)
	if !p.pageTable.MapRange(stackBottom, StackDefPages, pagetable.Flags{Present: true, Writable: true, User: true}) {
		return 0, fmt.Errorf("mapping initial stack for pid %s: slot already occupied", p.pid)
	}
	stackRange := hostaddr.Range{Start: stackBottom, End: slot.End}
	p.data.SetStack(stackRange)

	p.context.InitUserStackFrame(uint64(img.Entry), uint64(slot.End))
	return slot.End, nil
}

// AllocNewStackPage grows the process's stack downward by one page to
// cover addr, the page-fault-driven growth a deep call chain triggers.
// Returns false if addr falls outside this pid's stack slot (a genuine fault, not
// growable) or the page is somehow already mapped.
func (p *Process) AllocNewStackPage(addr hostaddr.Addr) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot := Slot(p.pid)
	if !slot.Contains(addr) {
		return false
	}
	page := addr.PageDown()
	if !p.pageTable.MapRange(page, 1, pagetable.Flags{Present: true, Writable: true, User: true}) {
		return false
	}
	if p.data.StackSegment != nil {
		p.data.StackSegment.Start = page
		p.data.stackMemUsage = p.data.StackSegment.Bytes()
	}
	return true
}

// stackScanAttempts bounds how many times Fork retries after its first
// slot candidate fails, so at most stackScanAttempts+1 candidates are
// tried before giving up; with pid-indexed slots a collision only happens if a stale
// mapping was never released, so a handful of retries is generous.
const stackScanAttempts = 8

// Fork builds the child process for childID: a deep-copied page table, an
// independent stack mapped and copied from the parent's, a ProcessData
// sharing env/resources/semaphores with the parent, and a context rebased
// onto the new stack. It does not register the child anywhere; the caller
// (the manager) owns the process table and ready queue.
func (p *Process) Fork(childID pid.ProcessId) (*Process, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	childPT := p.pageTable.Fork()
	childData := p.data.Fork()

	parentSlot := Slot(p.pid)
	childSlot := Slot(childID)

	count := uint64(1)
	if p.data.StackSegment != nil {
		count = p.data.StackSegment.Pages()
	}

	// Each retry shifts the candidate stack slot down by one full
	// StackMaxSize instead of recomputing the same address: a stale
	// mapping left behind in childPT can make childSlot's own top-of-slot
	// base unavailable, and only trying a different address on each
	// attempt actually has a chance of finding a free one.
	attempt := 0
	var childTop hostaddr.Addr
	op := func() error {
		attempt++
		childTop = childSlot.End - hostaddr.Addr(uint64(attempt-1)*StackMaxSize)
		base := childTop - hostaddr.Addr(count*hostaddr.PageSize)
		if !childPT.MapRange(base, count, pagetable.Flags{Present: true, Writable: true, User: true}) {
			return fmt.Errorf("stack slot for pid %s occupied (attempt %d)", childID, attempt)
		}
		return nil
	}
	b := backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Microsecond), stackScanAttempts)
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("forking pid %s: %w", p.pid, err)
	}

	var parentBase hostaddr.Addr
	if p.data.StackSegment != nil {
		parentBase = p.data.StackSegment.Start
	} else {
		parentBase = parentSlot.End - hostaddr.Addr(hostaddr.PageSize)
	}
	childBase := childTop - hostaddr.Addr(count*hostaddr.PageSize)
	pagetable.CopyPages(childPT, childBase, p.pageTable, parentBase, count)
	childData.SetStack(hostaddr.Range{Start: childBase, End: childTop})

	childCtx := p.context
	childCtx.Rebase(int64(childBase) - int64(parentBase))
	childCtx.SetRax(0) // the child sees fork() return 0

	child := &Process{
		pid:       childID,
		name:      p.name,
		parent:    p.pid,
		status:    Ready,
		context:   childCtx,
		pageTable: childPT,
		data:      childData,
	}
	p.children = append(p.children, childID)
	return child, nil
}

func (p *Process) String() string {
	return fmt.Sprintf("Process(pid=%s, name=%q, status=%s)", p.pid, p.Name(), p.Status())
}
