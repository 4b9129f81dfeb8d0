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
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

// InputRing is the single-producer/single-consumer input buffer owned by
// the serial/UART driver, outside the process subsystem's core. The
// process subsystem only needs to read one byte at a time from it, so
// that out-of-scope collaborator is represented by this narrow
// interface; a channel-backed implementation is provided for the
// in-process simulator and for tests.
type InputRing interface {
	// ReadByte blocks until a byte is available and returns it.
	ReadByte() byte
}

// ChanInputRing is a trivial InputRing backed by a buffered channel. It
// stands in for the kernel's lock-free SPSC ring buffer in this userspace
// simulation; the UART driver that would feed it is out of scope.
type ChanInputRing struct {
	ch chan byte
}

// NewChanInputRing creates an input ring with room for capacity bytes.
func NewChanInputRing(capacity int) *ChanInputRing {
	return &ChanInputRing{ch: make(chan byte, capacity)}
}

// Push enqueues a byte, e.g. from a simulated keypress.
func (r *ChanInputRing) Push(b byte) { r.ch <- b }

// ReadByte implements InputRing.
func (r *ChanInputRing) ReadByte() byte { return <-r.ch }

// stdioKind distinguishes the three pre-opened console handles.
type stdioKind int

const (
	stdinKind stdioKind = iota
	stdoutKind
	stderrKind
)

// Resource is a single open handle: a console endpoint today, but the
// tagged-variant shape leaves room for more kinds without changing
// ResourceSet's API — mirrors utils/resource.rs's Resource enum.
type Resource struct {
	stdio  stdioKind
	isNull bool
	input  InputRing
	out    func(string)
}

func consoleResource(kind stdioKind, input InputRing, out func(string)) Resource {
	return Resource{stdio: kind, input: input, out: out}
}

func (r Resource) read(buf []byte) (int, bool) {
	if r.isNull {
		return 0, true
	}
	if r.stdio != stdinKind || len(buf) == 0 {
		return 0, r.stdio == stdinKind
	}
	buf[0] = r.input.ReadByte()
	return 1, true
}

func (r Resource) write(buf []byte) (int, bool) {
	if r.isNull {
		return len(buf), true
	}
	switch r.stdio {
	case stdoutKind:
		r.out(string(buf))
		return len(buf), true
	case stderrKind:
		logrus.Warn(string(buf))
		return len(buf), true
	default:
		return 0, false
	}
}

// ResourceSet is the per-process FD table: FDs 0/1/2 pre-opened to
// stdin/stdout/stderr, further FDs allocated by Open. Matches
// utils/resource.rs's ResourceSet.
type ResourceSet struct {
	mu      sync.RWMutex
	handles map[uint8]Resource
	nextFD  uint8
}

// NewResourceSet builds the FD table with stdin/stdout/stderr pre-opened.
// writeOut is how stdout bytes reach the outside world (the serial
// console in a real kernel); it defaults to fmt.Print-style behavior if
// nil is passed by a caller that doesn't care.
func NewResourceSet(input InputRing, writeOut func(string)) *ResourceSet {
	if writeOut == nil {
		writeOut = func(s string) { fmt.Print(s) }
	}
	rs := &ResourceSet{handles: make(map[uint8]Resource)}
	rs.Open(consoleResource(stdinKind, input, nil))
	rs.Open(consoleResource(stdoutKind, nil, writeOut))
	rs.Open(consoleResource(stderrKind, nil, nil))
	return rs
}

// Open installs res under the next free FD and returns it.
func (rs *ResourceSet) Open(res Resource) uint8 {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	fd := rs.nextFD
	rs.handles[fd] = res
	rs.nextFD++
	return fd
}

// Close removes fd, reporting whether it was open.
func (rs *ResourceSet) Close(fd uint8) bool {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if _, ok := rs.handles[fd]; !ok {
		return false
	}
	delete(rs.handles, fd)
	return true
}

// Read reads into buf from fd, returning the byte count or -1 on failure.
func (rs *ResourceSet) Read(fd uint8, buf []byte) int {
	rs.mu.RLock()
	res, ok := rs.handles[fd]
	rs.mu.RUnlock()
	if !ok {
		return -1
	}
	n, ok := res.read(buf)
	if !ok {
		return -1
	}
	return n
}

// Write writes buf to fd, returning the byte count or -1 on failure.
func (rs *ResourceSet) Write(fd uint8, buf []byte) int {
	rs.mu.RLock()
	res, ok := rs.handles[fd]
	rs.mu.RUnlock()
	if !ok {
		return -1
	}
	n, ok := res.write(buf)
	if !ok {
		return -1
	}
	return n
}
