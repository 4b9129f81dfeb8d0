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

// Package syscall decodes a trapped syscall's arguments out of the
// saved register file and invokes the matching manager operation.
package syscall

import (
	"github.com/sirupsen/logrus"

	"github.com/ysos-go/ysos/pkg/arch"
	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/kernel"
	"github.com/ysos-go/ysos/pkg/kernel/bootinfo"
	"github.com/ysos-go/ysos/pkg/kernel/manager"
	"github.com/ysos-go/ysos/pkg/kernel/pid"
	"github.com/ysos-go/ysos/pkg/kernel/semaphore"
)

// Number identifies a syscall.
type Number uint64

const (
	Unknown Number = iota
	Read
	Write
	GetPid
	Spawn
	Exit
	WaitPid
	Stat
	ListApp
	Time
	Fork
	Sem
	Allocate
	Deallocate
)

// Args is the decoded syscall request: which call, and its three
// register-passed arguments (rdi, rsi, rdx).
type Args struct {
	Number Number
	Arg0   uint64
	Arg1   uint64
	Arg2   uint64
}

// FromRegisters decodes Args the way dispatcher() does in mod.rs: the
// syscall number travels in rax, arguments in rdi/rsi/rdx.
func FromRegisters(regs *arch.Registers) Args {
	return Args{
		Number: Number(regs.Rax),
		Arg0:   regs.Rdi,
		Arg1:   regs.Rsi,
		Arg2:   regs.Rdx,
	}
}

// Dispatcher holds the collaborators syscall handlers need beyond the
// manager itself: the app table for Spawn, and a clock for Time.
type Dispatcher struct {
	Manager *manager.Manager
	Apps    *bootinfo.AppTable
	Now     func() int64 // unix nanoseconds; overridable for tests
}

// Dispatch executes one syscall on behalf of the current process,
// mutating live as needed (mirroring dispatcher()'s context.set_rax
// calls) and returning true unless the process exited.
func (d *Dispatcher) Dispatch(args Args, live *arch.ProcessContext) bool {
	caller := d.Manager.Current()

	switch args.Number {
	case Read:
		live.SetRax(uint64(int64(d.sysRead(caller, args))))
	case Write:
		live.SetRax(uint64(int64(d.sysWrite(caller, args))))
	case GetPid:
		live.SetRax(uint64(caller))
	case Spawn:
		live.SetRax(uint64(d.sysSpawn(caller, args)))
	case Exit:
		d.Manager.Kill(caller, int64(args.Arg0))
		return false
	case WaitPid:
		res := d.Manager.WaitPid(caller, pid.ProcessId(args.Arg0))
		switch res.Kind {
		case manager.WaitOk:
			live.SetRax(uint64(res.ExitCode))
		case manager.WaitBlock:
			if proc := d.Manager.Process(caller); proc != nil {
				proc.Block()
			}
		default:
			live.SetRax(^uint64(0))
		}
	case Stat:
		logrus.Info("\n" + d.Manager.PrintProcessList())
	case ListApp:
		if d.Apps != nil {
			logrus.WithField("apps", d.Apps.Names()).Info("available apps")
		}
	case Time:
		if d.Now != nil {
			live.SetRax(uint64(d.Now()))
		} else {
			live.SetRax(^uint64(0))
		}
	case Fork:
		childID, err := d.Manager.Fork(caller)
		if err != nil {
			logrus.WithError(err).Warn("fork failed")
			live.SetRax(^uint64(0))
			break
		}
		live.SetRax(uint64(childID))
	case Sem:
		d.sysSem(caller, args, live)
	case Allocate, Deallocate:
		// User-space heap allocation is out of scope; acknowledge
		// without effect so programs that happen to call these don't
		// fault.
		live.SetRax(0)
	default:
		logrus.WithField("syscall", args.Number).Warn("unhandled syscall")
	}
	return true
}

func (d *Dispatcher) sysWrite(caller pid.ProcessId, args Args) int {
	proc := d.Manager.Process(caller)
	if proc == nil || proc.Data() == nil {
		return -1
	}
	buf, ok := proc.PageTable().ReadAt(hostaddr.Addr(args.Arg1), int(args.Arg2))
	if !ok {
		return -1
	}
	return proc.Data().Resources.Write(uint8(args.Arg0), buf)
}

func (d *Dispatcher) sysRead(caller pid.ProcessId, args Args) int {
	proc := d.Manager.Process(caller)
	if proc == nil || proc.Data() == nil {
		return -1
	}
	buf := make([]byte, args.Arg2)
	n := proc.Data().Resources.Read(uint8(args.Arg0), buf)
	if n <= 0 {
		return n
	}
	if !proc.PageTable().WriteAt(hostaddr.Addr(args.Arg1), buf[:n]) {
		return -1
	}
	return n
}

func (d *Dispatcher) sysSpawn(caller pid.ProcessId, args Args) pid.ProcessId {
	if d.Apps == nil {
		return 0
	}
	proc := d.Manager.Process(caller)
	if proc == nil {
		return 0
	}
	nameBytes, ok := proc.PageTable().ReadAt(hostaddr.Addr(args.Arg0), int(args.Arg1))
	if !ok {
		return 0
	}
	app, ok := d.Apps.Get(string(nameBytes))
	if !ok {
		logrus.WithField("name", string(nameBytes)).Warn("spawn: unknown app")
		return 0
	}
	input := kernel.NewChanInputRing(256)
	newID, err := d.Manager.Spawn(app.Name, app.ELF, input, nil)
	if err != nil {
		logrus.WithError(err).Warn("spawn failed")
		return 0
	}
	return newID
}

func (d *Dispatcher) sysSem(caller pid.ProcessId, args Args, live *arch.ProcessContext) {
	key := uint32(args.Arg1)
	switch args.Arg0 {
	case 0: // new_sem(key, value)
		if d.Manager.SemNew(caller, key, args.Arg2) {
			live.SetRax(0)
		} else {
			live.SetRax(1)
		}
	case 1: // remove_sem(key)
		if d.Manager.SemRemove(caller, key) {
			live.SetRax(0)
		} else {
			live.SetRax(1)
		}
	case 2: // sem_signal(key)
		kind, _ := d.Manager.SemSignal(caller, key)
		if kind == semaphore.NotExist {
			live.SetRax(1)
		} else {
			live.SetRax(0)
		}
	case 3: // sem_wait(key)
		kind := d.Manager.SemWait(caller, key)
		if kind == semaphore.NotExist {
			live.SetRax(1)
		} else {
			live.SetRax(0)
		}
	default:
		live.SetRax(^uint64(0))
	}
}
