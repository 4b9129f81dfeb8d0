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

// Package arch abstracts the architecture-dependent pieces of a saved
// process: its general-purpose registers and its interrupt-return frame.
// It plays the same role as gVisor's pkg/sentry/arch package, trimmed
// to what the process subsystem needs: no floating point state, no signal
// frames, just what save/restore and fork touch.
package arch

import "fmt"

// Arch identifies the instruction set a Context was built for. This
// kernel only targets x86_64, but the enum is kept (as gVisor does with
// AMD64/ARM64) so the rest of the kernel never hard-codes "amd64".
type Arch int

const (
	// AMD64 is the only architecture this kernel supports.
	AMD64 Arch = iota
)

func (a Arch) String() string {
	switch a {
	case AMD64:
		return "amd64"
	default:
		return fmt.Sprintf("Arch(%d)", int(a))
	}
}

// SyscallArgument is one raw syscall argument, carried as a register-sized
// value. Accessor methods convert to the Go type the handler actually
// wants, the way arch.SyscallArgument does in gVisor.
type SyscallArgument struct {
	Value uintptr
}

// Uint16 returns the argument truncated to a 16-bit unsigned value (PIDs).
func (a SyscallArgument) Uint16() uint16 { return uint16(a.Value) }

// Uint32 returns the argument truncated to a 32-bit unsigned value (sem keys).
func (a SyscallArgument) Uint32() uint32 { return uint32(a.Value) }

// Int returns the argument as a signed int (exit codes, fd numbers).
func (a SyscallArgument) Int() int { return int(a.Value) }

// Pointer returns the argument as a raw pointer-sized value.
func (a SyscallArgument) Pointer() uintptr { return a.Value }

// SyscallArguments is the fixed rdi/rsi/rdx argument triple used by this
// kernel's syscall ABI (no syscall here ever needs more than three).
type SyscallArguments [3]SyscallArgument
