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
	"github.com/ysos-go/ysos/pkg/hostaddr"
	"github.com/ysos-go/ysos/pkg/kernel/pid"
)

// StackMaxPages is the page count of one process's stack slot (2^20 pages
// = 4 GiB).
const StackMaxPages = 1 << 20

// StackMaxSize is the byte size of one stack slot.
var StackMaxSize = uint64(StackMaxPages) * hostaddr.PageSize

// StackMax is the top of the entire user stack region; stack slots are
// carved downward from here, indexed by PID.
const StackMax hostaddr.Addr = 0x0000_4000_0000_0000

// StackDefPages is how many pages a freshly spawned process starts with.
// Overridable at boot via config.Config.StackDefPages; see SetStackDefPages.
var StackDefPages uint64 = 1

// SetStackDefPages overrides StackDefPages for every process spawned or
// forked after this call. pages must be positive; a non-positive value is
// ignored so a zero-valued (unset) config field never corrupts the default.
func SetStackDefPages(pages int) {
	if pages <= 0 {
		return
	}
	StackDefPages = uint64(pages)
}

// Slot returns the fixed [STACK_MAX − i·STACK_MAX_SIZE, STACK_MAX −
// (i−1)·STACK_MAX_SIZE) region reserved for pid.
func Slot(p pid.ProcessId) hostaddr.Range {
	i := uint64(p)
	end := hostaddr.Addr(uint64(StackMax) - (i-1)*StackMaxSize)
	start := hostaddr.Addr(uint64(StackMax) - i*StackMaxSize)
	return hostaddr.Range{Start: start, End: end}
}
