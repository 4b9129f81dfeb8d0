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

package arch

// Registers is the general-purpose register set saved/restored on every
// context switch. Only the registers the process subsystem actually reads
// or writes are modeled (rax for syscall returns, rsp for the stack
// pointer that fork must rebase) — the rest stand in for the remaining
// GPRs a real trap frame would carry.
type Registers struct {
	Rax uint64
	Rbx uint64
	Rcx uint64
	Rdx uint64
	Rsi uint64
	Rdi uint64
	Rbp uint64
	R8  uint64
	R9  uint64
	R10 uint64
	R11 uint64
	R12 uint64
	R13 uint64
	R14 uint64
	R15 uint64
}

// InterruptFrame is the CPU-architected record pushed at trap entry: the
// resume address, the code/stack segment selectors, flags, and the
// resume stack pointer. See the GLOSSARY entry "Interrupt-return frame".
type InterruptFrame struct {
	RIP    uint64
	CS     uint64
	RFlags uint64
	RSP    uint64
	SS     uint64
}

// Privilege ring selectors used when building a fresh interrupt frame.
const (
	kernelCS = 0x08
	kernelSS = 0x10
	userCS   = 0x43 // RPL 3
	userSS   = 0x3b // RPL 3

	defaultRFlags = 0x202 // IF set, reserved bit 1 set
)

// ProcessContext is the entirety of a process's saved CPU state: its
// general-purpose registers plus the interrupt-return frame that rip/rsp
// live in. save/restore copy to and from the "live" context a trap handed
// the kernel; init_stack_frame/init_user_stack_frame build a fresh one for
// a newly spawned process.
type ProcessContext struct {
	Regs  Registers
	Frame InterruptFrame
}

// InitStackFrame builds a ring-0 (kernel) entry context: execution begins
// at entry with the stack pointer at top.
func (c *ProcessContext) InitStackFrame(entry, top uint64) {
	*c = ProcessContext{
		Frame: InterruptFrame{
			RIP:    entry,
			CS:     kernelCS,
			RFlags: defaultRFlags,
			RSP:    top,
			SS:     kernelSS,
		},
	}
}

// InitUserStackFrame builds a ring-3 (user) entry context for a spawned
// ELF process: execution begins at entry (the ELF entry point) with the
// stack pointer at top (the top of the process's freshly mapped stack
// page).
func (c *ProcessContext) InitUserStackFrame(entry, top uint64) {
	*c = ProcessContext{
		Frame: InterruptFrame{
			RIP:    entry,
			CS:     userCS,
			RFlags: defaultRFlags,
			RSP:    top,
			SS:     userSS,
		},
	}
}

// Save copies live into the receiver, the way a timer or syscall trap
// hands the kernel the interrupted process's registers to stash away.
func (c *ProcessContext) Save(live *ProcessContext) {
	*c = *live
}

// Restore copies the receiver's saved state into live, the way the
// scheduler loads the next process's registers back before returning from
// the trap.
func (c *ProcessContext) Restore(live *ProcessContext) {
	*live = *c
}

// SetRax sets the syscall return-value register. Used both to report a
// syscall's result to the caller and, on fork, to give the child a
// distinct return value (0) from the parent's (child pid).
func (c *ProcessContext) SetRax(v uint64) {
	c.Regs.Rax = v
}

// StackPointer returns the current resume stack pointer.
func (c *ProcessContext) StackPointer() uint64 {
	return c.Frame.RSP
}

// Rebase adds delta to the stack pointer. fork uses this to slide the
// child's saved rsp by (new_base - old_base) after relocating its stack.
func (c *ProcessContext) Rebase(delta int64) {
	c.Frame.RSP = uint64(int64(c.Frame.RSP) + delta)
}
