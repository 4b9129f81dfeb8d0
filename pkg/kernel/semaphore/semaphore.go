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

// Package semaphore implements keyed counting semaphores modeled on a
// gVisor-style System V semaphore implementation: a counter plus a FIFO
// wait list per key, guarded by a
// mutex, with wait/signal returning a result the caller must act on
// rather than blocking here — wait/signal never themselves block; the
// caller decides how to park or wake the process named in the result.
package semaphore

import (
	"sync"

	"github.com/ysos-go/ysos/pkg/kernel/pid"
)

// Result is the scheduling directive wait/signal hand back to the
// syscall glue, which is responsible for actually moving processes
// between Blocked and Ready.
type Result struct {
	// Kind says which case this Result represents.
	Kind ResultKind
	// PID is populated for Block and WakeUp.
	PID pid.ProcessId
}

// ResultKind tags a Result.
type ResultKind int

const (
	// Ok means the operation completed without needing to block or wake anyone.
	Ok ResultKind = iota
	// NotExist means the key names no semaphore.
	NotExist
	// Block means PID must be transitioned to Blocked by the caller.
	Block
	// WakeUp means PID must be transitioned to Ready and enqueued by the caller.
	WakeUp
)

type sem struct {
	counter int64
	waiters []pid.ProcessId // FIFO: index 0 is the oldest waiter
}

// Set is a keyed collection of counting semaphores, held inside
// ProcessData. Because ProcessData may be shared by reference across a
// fork, a Set is shared too — keys then effectively name primitives
// shared between a process and its children.
type Set struct {
	mu   sync.Mutex
	sems map[uint32]*sem
}

// NewSet returns an empty semaphore set.
func NewSet() *Set {
	return &Set{sems: make(map[uint32]*sem)}
}

// New inserts a new semaphore at key with the given initial counter
// value, unless key is already in use. Returns false if key exists.
func (s *Set) New(key uint32, value uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sems[key]; ok {
		return false
	}
	s.sems[key] = &sem{counter: int64(value)}
	return true
}

// Remove deletes the semaphore at key, refusing if any process is
// currently queued on it: we refuse rather than silently dropping
// blocked waiters, so a caller can never lose track of a process it's
// responsible for waking.
func (s *Set) Remove(key uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.sems[key]
	if !ok {
		return false
	}
	if len(sm.waiters) > 0 {
		return false
	}
	delete(s.sems, key)
	return true
}

// Wait decrements the semaphore at key if its counter is positive
// (returning Ok), otherwise enqueues caller and returns Block(caller).
// Returns NotExist if key names no semaphore.
func (s *Set) Wait(key uint32, caller pid.ProcessId) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.sems[key]
	if !ok {
		return Result{Kind: NotExist}
	}
	if sm.counter > 0 {
		sm.counter--
		return Result{Kind: Ok}
	}
	sm.waiters = append(sm.waiters, caller)
	return Result{Kind: Block, PID: caller}
}

// Signal wakes the oldest waiter on key if one is queued (returning
// WakeUp(oldest)), otherwise increments the counter and returns Ok.
// Returns NotExist if key names no semaphore.
func (s *Set) Signal(key uint32) Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.sems[key]
	if !ok {
		return Result{Kind: NotExist}
	}
	if len(sm.waiters) > 0 {
		woken := sm.waiters[0]
		sm.waiters = sm.waiters[1:]
		return Result{Kind: WakeUp, PID: woken}
	}
	sm.counter++
	return Result{Kind: Ok}
}

// Counter returns the current counter value at key, for tests asserting
// the invariant counter >= 0 and (counter > 0 => no waiters).
func (s *Set) Counter(key uint32) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.sems[key]
	if !ok {
		return 0, false
	}
	return sm.counter, true
}

// Waiters returns a copy of the current FIFO wait list at key.
func (s *Set) Waiters(key uint32) []pid.ProcessId {
	s.mu.Lock()
	defer s.mu.Unlock()
	sm, ok := s.sems[key]
	if !ok {
		return nil
	}
	return append([]pid.ProcessId(nil), sm.waiters...)
}
