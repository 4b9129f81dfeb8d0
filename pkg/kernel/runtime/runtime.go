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

// Package runtime is a cooperative, single-token scheduler that drives
// end-to-end scenario tests of the process subsystem: each simulated
// process is a goroutine, but only the one holding the token may touch
// shared state at any instant, the same single-CPU guarantee the
// round-robin scheduler provides. A background ticker paces forced
// preemption the way a real timer interrupt would, so scenario tests see
// genuine interleaving rather than purely cooperative yields.
package runtime

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/ysos-go/ysos/pkg/kernel/manager"
	"github.com/ysos-go/ysos/pkg/kernel/pid"
	"github.com/ysos-go/ysos/pkg/kernel/semaphore"
)

// Task is a simulated process body. It receives a Handle to cooperate
// with the scheduler and the rest of the kernel.
type Task func(h *Handle)

// Runtime holds the single CPU token and the round-robin order of
// runnable PIDs.
type Runtime struct {
	Manager *manager.Manager

	mu   sync.Mutex
	cond *sync.Cond

	order    []pid.ProcessId
	current  pid.ProcessId
	blocked  map[pid.ProcessId]bool
	finished map[pid.ProcessId]bool

	limiter *rate.Limiter
	wg      sync.WaitGroup
}

// New builds a Runtime that ticks at hz preemptions per second.
func New(mgr *manager.Manager, hz int) *Runtime {
	r := &Runtime{
		Manager:  mgr,
		blocked:  make(map[pid.ProcessId]bool),
		finished: make(map[pid.ProcessId]bool),
		limiter:  rate.NewLimiter(rate.Limit(hz), 1),
	}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// Handle is a task's view of the scheduler: yielding, blocking on a
// semaphore, forking a child task, and exiting.
type Handle struct {
	rt  *Runtime
	pid pid.ProcessId
}

// PID returns the handle's owning process id.
func (h *Handle) PID() pid.ProcessId { return h.pid }

// Yield voluntarily gives up the CPU and waits for its turn to come back
// around, the same effect a syscall trap returning through switch_next
// has in the real scheduler.
func (h *Handle) Yield() { h.rt.yield(h.pid) }

// SemWait blocks the caller until key's semaphore permits it to proceed.
// A waiter woken by SemSignal already holds the permit the signal handed
// over, so it returns without waiting again.
func (h *Handle) SemWait(key uint32) {
	if h.rt.Manager.SemWait(h.pid, key) == semaphore.Block {
		h.rt.park(h.pid)
	}
}

// SemSignal signals key's semaphore, waking a queued waiter if any.
func (h *Handle) SemSignal(key uint32) {
	kind, woken := h.rt.Manager.SemSignal(h.pid, key)
	_ = kind
	if woken != 0 {
		h.rt.unpark(woken)
	}
}

// Fork registers childID's task body to run under this Runtime and
// returns once the child has been scheduled in; it does not wait for the
// child to run.
func (h *Handle) Fork(childID pid.ProcessId, child Task) {
	h.rt.spawn(childID, child)
}

// Exit removes the caller from the rotation permanently.
func (h *Handle) Exit() { h.rt.finish(h.pid) }

// Run starts one goroutine per task (in map iteration order, which is
// unspecified), runs a ticker
// to force periodic preemption, and blocks until every task has exited.
func (r *Runtime) Run(ctx context.Context, tasks map[pid.ProcessId]Task) {
	for id, t := range tasks {
		r.spawn(id, t)
	}

	tickCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.tick(tickCtx)

	r.wg.Wait()
}

func (r *Runtime) spawn(id pid.ProcessId, t Task) {
	r.mu.Lock()
	found := false
	for _, existing := range r.order {
		if existing == id {
			found = true
			break
		}
	}
	if !found {
		r.order = append(r.order, id)
	}
	if r.current == 0 {
		r.current = id
	}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		h := &Handle{rt: r, pid: id}
		r.awaitTurn(id)
		t(h)
		r.finish(id)
	}()
}

func (r *Runtime) tick(ctx context.Context) {
	for {
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.mu.Lock()
		if r.allDone() {
			r.mu.Unlock()
			return
		}
		r.advanceLocked()
		r.cond.Broadcast()
		r.mu.Unlock()
	}
}

func (r *Runtime) allDone() bool {
	for _, id := range r.order {
		if !r.finished[id] {
			return false
		}
	}
	return true
}

// advanceLocked picks the next runnable PID after current, wrapping
// around, skipping blocked and finished entries. Must be called with mu
// held.
func (r *Runtime) advanceLocked() {
	if len(r.order) == 0 {
		return
	}
	startIdx := -1
	for i, id := range r.order {
		if id == r.current {
			startIdx = i
			break
		}
	}
	n := len(r.order)
	for step := 1; step <= n; step++ {
		idx := (startIdx + step) % n
		candidate := r.order[idx]
		if !r.blocked[candidate] && !r.finished[candidate] {
			r.current = candidate
			return
		}
	}
	// Nobody runnable; leave current as-is (the caller is presumably
	// about to block or finish too).
}

func (r *Runtime) awaitTurn(id pid.ProcessId) {
	r.mu.Lock()
	for r.current != id || r.blocked[id] {
		r.cond.Wait()
		if r.finished[id] {
			r.mu.Unlock()
			return
		}
	}
	r.mu.Unlock()
}

func (r *Runtime) yield(id pid.ProcessId) {
	r.mu.Lock()
	r.advanceLocked()
	r.cond.Broadcast()
	r.mu.Unlock()
	r.awaitTurn(id)
}

func (r *Runtime) park(id pid.ProcessId) {
	r.mu.Lock()
	r.blocked[id] = true
	r.advanceLocked()
	r.cond.Broadcast()
	r.mu.Unlock()
	r.awaitTurn(id)
}

func (r *Runtime) unpark(id pid.ProcessId) {
	r.mu.Lock()
	delete(r.blocked, id)
	r.cond.Broadcast()
	r.mu.Unlock()
}

func (r *Runtime) finish(id pid.ProcessId) {
	r.mu.Lock()
	r.finished[id] = true
	r.advanceLocked()
	r.cond.Broadcast()
	r.mu.Unlock()
}

// Quantum is a conservative sleep a task can use between shared-state
// operations to give the ticker time to interleave another task's turn
// in cooperative-only test scenarios (fully preemptive tests instead rely
// on Handle.Yield or the background ticker alone).
const Quantum = time.Millisecond
