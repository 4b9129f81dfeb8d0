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
	"testing"

	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/kernel/pid"
	"github.com/ysos-go/ysos/pkg/pagetable"
)

func newTestProcess(t *testing.T, id pid.ProcessId) *Process {
	t.Helper()
	pt := pagetable.New()
	data := NewProcessData(nil, nil)
	slot := Slot(id)
	top := slot.End
	base := top - hostaddr.Addr(hostaddr.PageSize)
	if !pt.MapRange(base, 1, pagetable.Flags{Present: true, Writable: true, User: true}) {
		t.Fatalf("failed to map initial stack for pid %s", id)
	}
	data.SetStack(hostaddr.Range{Start: base, End: top})
	p := NewProcess(id, "test", pid.Kernel, pt, data)
	p.InitUserStackFrame(0x1000, uint64(top))
	return p
}

func TestStatusTransitions(t *testing.T) {
	p := newTestProcess(t, pid.ProcessId(2))
	if p.Status() != Ready {
		t.Fatalf("new process should start Ready, got %s", p.Status())
	}
	p.Resume()
	if p.Status() != Running {
		t.Fatalf("Resume should set Running, got %s", p.Status())
	}
	p.Pause()
	if p.Status() != Ready {
		t.Fatalf("Pause should set Ready, got %s", p.Status())
	}
	p.Resume()
	p.Block()
	if p.Status() != Blocked {
		t.Fatalf("Block should set Blocked, got %s", p.Status())
	}
	p.Unblock()
	if p.Status() != Ready {
		t.Fatalf("Unblock should set Ready, got %s", p.Status())
	}
	p.Kill(7)
	if p.Status() != Dead {
		t.Fatalf("Kill should set Dead, got %s", p.Status())
	}
	code, ok := p.ExitCode()
	if !ok || code != 7 {
		t.Fatalf("ExitCode = (%d, %v), want (7, true)", code, ok)
	}
	if p.PageTable() != nil || p.Data() != nil {
		t.Fatal("Kill should release the page table and ProcessData")
	}

	// Kill is idempotent.
	p.Kill(99)
	code, _ = p.ExitCode()
	if code != 7 {
		t.Fatalf("a second Kill must not overwrite the exit code, got %d", code)
	}
}

func TestForkCopiesStackIndependently(t *testing.T) {
	parent := newTestProcess(t, pid.ProcessId(2))
	parent.Resume()

	stack := parent.Data().StackSegment
	parent.PageTable().WriteAt(stack.Start, []byte{0xde, 0xad, 0xbe, 0xef})

	childID := pid.ProcessId(3)
	child, err := parent.Fork(childID)
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	childStack := child.Data().StackSegment
	if childStack == nil {
		t.Fatal("fork should set the child's stack segment")
	}
	got, ok := child.PageTable().ReadAt(childStack.Start, 4)
	if !ok || got[0] != 0xde || got[1] != 0xad {
		t.Fatalf("child stack should have been copied from parent, got %v (ok=%v)", got, ok)
	}

	// Writing through the child must not affect the parent's copy.
	child.PageTable().WriteAt(childStack.Start, []byte{1, 2, 3, 4})
	parentAfter, _ := parent.PageTable().ReadAt(stack.Start, 4)
	if parentAfter[0] != 0xde {
		t.Fatalf("child write leaked into parent's page table: %v", parentAfter)
	}

	if child.Parent() != parent.PID() {
		t.Fatalf("child.Parent() = %s, want %s", child.Parent(), parent.PID())
	}
	if len(parent.Children()) != 1 || parent.Children()[0] != childID {
		t.Fatalf("parent.Children() = %v, want [%s]", parent.Children(), childID)
	}
	if child.Status() != Ready {
		t.Fatalf("forked child should start Ready, got %s", child.Status())
	}
}

func TestForkRetriesAtLowerStackBaseOnCollision(t *testing.T) {
	parent := newTestProcess(t, pid.ProcessId(2))
	parent.Resume()

	// Occupy the child's natural top-of-slot stack address in the
	// parent's own page table; Fork() copies this table via
	// pagetable.Context.Fork, so the collision carries over into the
	// child's forked table and the first attempt must fail.
	childID := pid.ProcessId(3)
	childSlot := Slot(childID)
	collisionBase := childSlot.End - hostaddr.Addr(hostaddr.PageSize)
	if !parent.PageTable().MapRange(collisionBase, 1, pagetable.Flags{Present: true, Writable: true, User: true}) {
		t.Fatal("failed to pre-occupy the child's natural stack base")
	}

	child, err := parent.Fork(childID)
	if err != nil {
		t.Fatalf("Fork should retry at a lower stack base instead of failing: %v", err)
	}

	childStack := child.Data().StackSegment
	if childStack == nil {
		t.Fatal("fork should set the child's stack segment")
	}
	wantTop := childSlot.End - hostaddr.Addr(StackMaxSize)
	if childStack.End != wantTop {
		t.Fatalf("child stack top = %#x, want the retried base one StackMaxSize below the natural slot top (%#x)",
			uint64(childStack.End), uint64(wantTop))
	}
	if childStack.End == childSlot.End {
		t.Fatal("fork used the colliding natural stack base instead of retrying at a different one")
	}
}

func TestForkSharesEnvAndSemaphores(t *testing.T) {
	parent := newTestProcess(t, pid.ProcessId(2))
	parent.Data().Env.Set("K", "V")
	parent.Data().Semaphores.New(1, 3)

	child, err := parent.Fork(pid.ProcessId(3))
	if err != nil {
		t.Fatalf("Fork: %v", err)
	}

	if v, ok := child.Data().Env.Get("K"); !ok || v != "V" {
		t.Fatalf("child should see parent's env entry, got (%q, %v)", v, ok)
	}
	child.Data().Env.Set("K2", "V2")
	if v, ok := parent.Data().Env.Get("K2"); !ok || v != "V2" {
		t.Fatalf("env writes from the child should be visible to the parent, got (%q, %v)", v, ok)
	}

	if counter, ok := child.Data().Semaphores.Counter(1); !ok || counter != 3 {
		t.Fatalf("child should share the parent's semaphore set, got (%d, %v)", counter, ok)
	}
}

func TestAllocNewStackPageGrowsWithinSlot(t *testing.T) {
	p := newTestProcess(t, pid.ProcessId(2))
	slot := Slot(p.PID())

	belowCurrent := p.Data().StackSegment.Start - hostaddr.Addr(hostaddr.PageSize)
	if !slot.Contains(belowCurrent) {
		t.Fatal("test setup: belowCurrent should still be within the stack slot")
	}
	if !p.AllocNewStackPage(belowCurrent) {
		t.Fatal("AllocNewStackPage should succeed for an address within the slot")
	}
	if !p.PageTable().IsMapped(belowCurrent) {
		t.Fatal("the new page should be mapped")
	}

	outsideSlot := slot.Start - hostaddr.Addr(hostaddr.PageSize)
	if p.AllocNewStackPage(outsideSlot) {
		t.Fatal("AllocNewStackPage should refuse an address outside the process's stack slot")
	}
}
