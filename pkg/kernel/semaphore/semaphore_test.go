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

package semaphore

import (
	"testing"

	"github.com/ysos-go/ysos/pkg/kernel/pid"
)

func TestNewRefusesDuplicateKey(t *testing.T) {
	s := NewSet()
	if !s.New(1, 0) {
		t.Fatal("first New(1, 0) should succeed")
	}
	if s.New(1, 5) {
		t.Fatal("New on an existing key should fail")
	}
}

func TestWaitDecrementsPositiveCounter(t *testing.T) {
	s := NewSet()
	s.New(7, 2)

	if res := s.Wait(7, pid.ProcessId(10)); res.Kind != Ok {
		t.Fatalf("want Ok, got %v", res.Kind)
	}
	if counter, _ := s.Counter(7); counter != 1 {
		t.Fatalf("counter = %d, want 1", counter)
	}
}

func TestWaitBlocksOnZeroCounterFIFO(t *testing.T) {
	s := NewSet()
	s.New(1, 0)

	res1 := s.Wait(1, pid.ProcessId(2))
	res2 := s.Wait(1, pid.ProcessId(3))
	if res1.Kind != Block || res1.PID != 2 {
		t.Fatalf("first waiter: got %+v", res1)
	}
	if res2.Kind != Block || res2.PID != 3 {
		t.Fatalf("second waiter: got %+v", res2)
	}

	waiters := s.Waiters(1)
	if len(waiters) != 2 || waiters[0] != 2 || waiters[1] != 3 {
		t.Fatalf("waiters = %v, want [2 3]", waiters)
	}

	// Signal should wake the oldest waiter first, not increment the
	// counter, since someone is already queued.
	sig := s.Signal(1)
	if sig.Kind != WakeUp || sig.PID != 2 {
		t.Fatalf("signal: got %+v, want WakeUp(2)", sig)
	}
	if counter, _ := s.Counter(1); counter != 0 {
		t.Fatalf("counter should stay 0 while a waiter remains queued, got %d", counter)
	}

	sig2 := s.Signal(1)
	if sig2.Kind != WakeUp || sig2.PID != 3 {
		t.Fatalf("second signal: got %+v, want WakeUp(3)", sig2)
	}

	// No one left queued: the next signal increments the counter instead.
	sig3 := s.Signal(1)
	if sig3.Kind != Ok {
		t.Fatalf("third signal: got %+v, want Ok", sig3)
	}
	if counter, _ := s.Counter(1); counter != 1 {
		t.Fatalf("counter = %d, want 1", counter)
	}
}

func TestRemoveRefusesWithQueuedWaiters(t *testing.T) {
	s := NewSet()
	s.New(9, 0)
	s.Wait(9, pid.ProcessId(4))

	if s.Remove(9) {
		t.Fatal("Remove should refuse while a waiter is queued")
	}
	s.Signal(9) // wakes pid 4, queue now empty
	if !s.Remove(9) {
		t.Fatal("Remove should succeed once the queue drains")
	}
}

func TestWaitAndSignalOnUnknownKey(t *testing.T) {
	s := NewSet()
	if res := s.Wait(42, pid.ProcessId(1)); res.Kind != NotExist {
		t.Fatalf("Wait on unknown key: got %v", res.Kind)
	}
	if res := s.Signal(42); res.Kind != NotExist {
		t.Fatalf("Signal on unknown key: got %v", res.Kind)
	}
	if !s.New(42, 0) {
		t.Fatal("New should succeed on the key Wait and Signal found absent")
	}
}
