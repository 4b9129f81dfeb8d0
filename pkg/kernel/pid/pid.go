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

// Package pid defines the process identifier type shared by the kernel,
// semaphore, and manager packages. It is split out from package kernel
// solely to avoid an import cycle (semaphore wait queues name a
// ProcessId; package kernel embeds a semaphore set in ProcessData).
package pid

import (
	"strconv"
	"sync/atomic"
)

// ProcessId is a 16-bit, monotonically increasing, never-reused process
// identifier. 1 is reserved for the kernel process.
type ProcessId uint16

// Kernel is the fixed identifier of the bootstrap kernel process.
const Kernel ProcessId = 1

var next uint64 = uint64(Kernel) // next call to New returns Kernel+1

// New allocates the next PID from the process-wide atomic counter. It
// never returns Kernel and is never reused during a run.
func New() ProcessId {
	return ProcessId(atomic.AddUint64(&next, 1))
}

func (p ProcessId) String() string {
	return strconv.FormatUint(uint64(p), 10)
}
