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

// Package manager implements the process table and scheduler: spawn,
// fork, the round-robin ready queue, context switching,
// wait_pid, and the page-fault-driven stack growth hook. It is the single
// owner of process identity — individual *kernel.Process values never
// reference each other except by PID, so the manager is free to add,
// remove, and reorder table entries without the process package knowing.
package manager

import (
	"fmt"
	"strings"
	"sync"

	"github.com/google/btree"
	"github.com/sirupsen/logrus"

	"github.com/ysos-go/ysos/pkg/arch"
	"github.com/ysos-go/ysos/pkg/elfloader"
	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/kernel"
	"github.com/ysos-go/ysos/pkg/kernel/pid"
	"github.com/ysos-go/ysos/pkg/kernel/semaphore"
	"github.com/ysos-go/ysos/pkg/pagetable"
)

// procItem is the btree.Item wrapping a process table entry; ordering by
// PID gives print_process_list a stable, cheap-to-produce ascending order
// without a separate sort pass; uses google/btree for exactly the
// ordered-by-key job it's for.
type procItem struct {
	pid  pid.ProcessId
	proc *kernel.Process
}

func (a procItem) Less(than btree.Item) bool {
	return a.pid < than.(procItem).pid
}

// WaitResult mirrors semaphore.Result's shape for wait_pid: the caller
// (syscall glue) must act on Kind rather than this package blocking
// internally.
type WaitResult struct {
	Kind     WaitKind
	ExitCode int64
}

// WaitKind tags a WaitResult.
type WaitKind int

const (
	// WaitNotExist means the named PID is not in the process table: it
	// never existed or has already been reaped. Parentage is not checked.
	WaitNotExist WaitKind = iota
	// WaitBlock means the child is still alive; the caller must
	// transition the waiter to Blocked and will be woken when it exits.
	WaitBlock
	// WaitOk means the child had already exited; ExitCode is valid and
	// the child's table entry has been reaped.
	WaitOk
)

// Manager is the scheduler and process table.
type Manager struct {
	mu sync.Mutex

	table   *btree.BTree
	ready   []pid.ProcessId
	current pid.ProcessId

	// waiters holds, per not-yet-reaped child pid, the PIDs blocked in
	// wait_pid on it, FIFO.
	waiters map[pid.ProcessId][]pid.ProcessId
}

// New builds an empty manager and bootstraps the kernel process (pid 1),
// the way boot/init.rs installs the idle/kernel task before any app is
// spawned.
func New() *Manager {
	m := &Manager{
		table:   btree.New(32),
		waiters: make(map[pid.ProcessId][]pid.ProcessId),
	}
	kernelData := kernel.NewProcessData(nil, nil)
	kernelProc := kernel.NewProcess(pid.Kernel, "kernel", 0, pagetable.New(), kernelData)
	m.insert(kernelProc)
	m.current = pid.Kernel
	kernelProc.Resume()
	return m
}

func (m *Manager) insert(p *kernel.Process) {
	m.table.ReplaceOrInsert(procItem{pid: p.PID(), proc: p})
}

func (m *Manager) lookup(id pid.ProcessId) *kernel.Process {
	item := m.table.Get(procItem{pid: id})
	if item == nil {
		return nil
	}
	return item.(procItem).proc
}

// Current returns the currently running process's PID.
func (m *Manager) Current() pid.ProcessId {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Process returns the process table entry for id, or nil if unknown.
func (m *Manager) Process(id pid.ProcessId) *kernel.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

// Spawn loads img as a brand-new process, maps its stack, and enqueues it
// Ready. Returns the new process's PID.
func (m *Manager) Spawn(name string, img *elfloader.Image, input kernel.InputRing, writeOut func(string)) (pid.ProcessId, error) {
	id := pid.New()
	data := kernel.NewProcessData(input, writeOut)
	pt := pagetable.New()
	proc := kernel.NewProcess(id, name, pid.Kernel, pt, data)

	if _, err := proc.LoadELF(img); err != nil {
		return 0, fmt.Errorf("spawning %s: %w", name, err)
	}

	m.mu.Lock()
	m.insert(proc)
	m.ready = append(m.ready, id)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{"pid": id, "name": name}).Info("process spawned")
	return id, nil
}

// Fork duplicates the parent's address space and enqueues the child
// Ready. The caller is responsible for having already saved the parent's
// live context via SaveCurrent, and for overriding the parent's own
// return value to the child's pid (fork's "two returns" contract);
// Process.Fork arranges for the child's saved context to return 0.
func (m *Manager) Fork(parentID pid.ProcessId) (pid.ProcessId, error) {
	m.mu.Lock()
	parent := m.lookup(parentID)
	m.mu.Unlock()
	if parent == nil {
		return 0, fmt.Errorf("fork: pid %s not found", parentID)
	}

	childID := pid.New()
	child, err := parent.Fork(childID)
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.insert(child)
	m.ready = append(m.ready, childID)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{"parent": parentID, "child": childID}).Info("process forked")
	return childID, nil
}

// SaveCurrent stashes live into the current process's saved context, the
// first step of every scheduling switch: it charges one scheduler tick to
// the outgoing process and, if it is still runnable, re-enqueues it onto
// the ready queue. A process a syscall already moved to Blocked (sem_wait)
// or Dead (exit) before this call is left off the ready queue — it is
// parked or reaped through its own path instead.
func (m *Manager) SaveCurrent(live *arch.ProcessContext) {
	m.mu.Lock()
	cur := m.lookup(m.current)
	id := m.current
	m.mu.Unlock()
	if cur == nil {
		return
	}
	cur.Save(live)
	cur.Tick()
	if cur.Status() == kernel.Ready {
		m.PushReady(id)
	}
}

// PushReady enqueues id at the tail of the ready queue.
func (m *Manager) PushReady(id pid.ProcessId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ready = append(m.ready, id)
}

// SwitchNext pops the next runnable PID off the ready queue (round robin,
// skipping any entry that died or was reaped since being enqueued),
// restores its context into live, and makes it current. Returns false if
// no process is runnable.
func (m *Manager) SwitchNext(live *arch.ProcessContext) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	for len(m.ready) > 0 {
		next := m.ready[0]
		m.ready = m.ready[1:]
		proc := m.lookup(next)
		if proc == nil || proc.Status() != kernel.Ready {
			continue
		}
		proc.Restore(live)
		m.current = next
		return true
	}
	return false
}

// KillSelf kills the current process with ret and returns its PID.
func (m *Manager) KillSelf(ret int64) pid.ProcessId {
	m.mu.Lock()
	id := m.current
	m.mu.Unlock()
	m.Kill(id, ret)
	return id
}

// Kill marks id Dead with exit code ret and wakes every process blocked
// in wait_pid on it, transitioning each to Ready and enqueuing it. The
// table entry itself is kept until some wait_pid call reaps
// it, or forever if nobody ever does — the entry is small (an exit code
// and a dead status) so nothing requires wait_pid before exit.
func (m *Manager) Kill(id pid.ProcessId, ret int64) []pid.ProcessId {
	m.mu.Lock()

	proc := m.lookup(id)
	if proc == nil {
		m.mu.Unlock()
		return nil
	}
	proc.Kill(ret)

	woken := m.waiters[id]
	delete(m.waiters, id)
	for _, w := range woken {
		if waiter := m.lookup(w); waiter != nil {
			waiter.Unblock()
		}
	}
	m.ready = append(m.ready, woken...)
	m.mu.Unlock()

	logrus.WithFields(logrus.Fields{"pid": id, "exit_code": ret}).Info("process killed")
	return woken
}

// WaitPid implements wait_pid: if childID is dead, reports its exit
// code and reaps the table entry immediately; otherwise queues
// waiterID to be told when it happens (the caller must transition
// waiterID to Blocked).
func (m *Manager) WaitPid(waiterID, childID pid.ProcessId) WaitResult {
	m.mu.Lock()
	defer m.mu.Unlock()

	child := m.lookup(childID)
	if child == nil {
		return WaitResult{Kind: WaitNotExist}
	}
	if code, dead := child.ExitCode(); dead {
		m.table.Delete(procItem{pid: childID})
		return WaitResult{Kind: WaitOk, ExitCode: code}
	}
	m.waiters[childID] = append(m.waiters[childID], waiterID)
	return WaitResult{Kind: WaitBlock}
}

// ReapChild removes childID's table entry after a woken waiter has
// collected its exit code via a second WaitPid call (which will now see
// it as dead and reap it) — exposed so tests and syscall glue can assert
// the entry is actually gone once every waiter has observed it.
func (m *Manager) ReapChild(childID pid.ProcessId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.table.Delete(procItem{pid: childID})
}

// HandlePageFault is invoked on a page fault at addr while pid was
// running: it attempts to grow pid's stack to cover addr, returning
// whether the fault was resolved. A false return means the
// fault is fatal and the caller must kill the process.
func (m *Manager) HandlePageFault(id pid.ProcessId, addr hostaddr.Addr) bool {
	m.mu.Lock()
	proc := m.lookup(id)
	m.mu.Unlock()
	if proc == nil {
		return false
	}
	return proc.AllocNewStackPage(addr)
}

// SemNew creates a semaphore at key with the given initial value in the
// current process's semaphore set.
func (m *Manager) SemNew(id pid.ProcessId, key uint32, value uint64) bool {
	proc := m.Process(id)
	if proc == nil || proc.Data() == nil {
		return false
	}
	return proc.Data().Semaphores.New(key, value)
}

// SemRemove removes the semaphore at key from id's semaphore set.
func (m *Manager) SemRemove(id pid.ProcessId, key uint32) bool {
	proc := m.Process(id)
	if proc == nil || proc.Data() == nil {
		return false
	}
	return proc.Data().Semaphores.Remove(key)
}

// SemWait waits on key in id's semaphore set. If it must block, the
// caller (id) is transitioned to Blocked here; the manager's caller is
// responsible for not scheduling it again until a matching SemSignal
// reports it in the WakeUp list.
func (m *Manager) SemWait(id pid.ProcessId, key uint32) semaphore.ResultKind {
	proc := m.Process(id)
	if proc == nil || proc.Data() == nil {
		return semaphore.NotExist
	}
	res := proc.Data().Semaphores.Wait(key, id)
	if res.Kind == semaphore.Block {
		proc.Block()
	}
	return res.Kind
}

// SemSignal signals key in id's semaphore set. If a waiter was woken, its
// PID is returned (along with semaphore.WakeUp) so the caller can
// transition it to Ready and push it onto the ready queue.
func (m *Manager) SemSignal(id pid.ProcessId, key uint32) (semaphore.ResultKind, pid.ProcessId) {
	proc := m.Process(id)
	if proc == nil || proc.Data() == nil {
		return semaphore.NotExist, 0
	}
	res := proc.Data().Semaphores.Signal(key)
	if res.Kind == semaphore.WakeUp {
		if woken := m.lookupLocked(res.PID); woken != nil {
			woken.Unblock()
			m.PushReady(res.PID)
		}
	}
	return res.Kind, res.PID
}

func (m *Manager) lookupLocked(id pid.ProcessId) *kernel.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lookup(id)
}

// PrintProcessList renders the process table as a ps-style text table:
// PID, PPID, name, ticks, memory, and status, in ascending PID order.
func (m *Manager) PrintProcessList() string {
	m.mu.Lock()
	items := make([]procItem, 0, m.table.Len())
	m.table.Ascend(func(it btree.Item) bool {
		items = append(items, it.(procItem))
		return true
	})
	readyCopy := append([]pid.ProcessId(nil), m.ready...)
	m.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "%-6s %-6s %-16s %-8s %-10s %s\n", "PID", "PPID", "NAME", "TICKS", "MEMORY", "STATUS")
	for _, it := range items {
		p := it.proc
		mem := uint64(0)
		if d := p.Data(); d != nil {
			mem = d.TotalMemoryUsage()
		}
		fmt.Fprintf(&b, "%-6s %-6s %-16s %-8d %-10d %s\n",
			p.PID(), p.Parent(), p.Name(), p.TicksPassed(), mem, p.Status())
	}
	fmt.Fprintf(&b, "ready queue: %v\n", readyCopy)
	return b.String()
}
