// Copyright 2026 The gVisor Authors.
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

// Package kernel holds the sandbox process descriptor and the trap gateway,
// the single entry point through which the sandboxed program requests
// privileged operations.
package kernel

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/cleanup"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/sentry/channel"
	"zerovm.dev/zvm/pkg/sentry/limits"
	"zerovm.dev/zvm/pkg/sentry/loader"
	"zerovm.dev/zvm/pkg/sentry/mm"
)

// ErrMemorySetup is wrapped by errors building the heap and stack.
var ErrMemorySetup = errors.New("memory setup failed")

// ProcessArgs holds the arguments to NewProcess.
type ProcessArgs struct {
	// Image is the ELF executable.
	Image io.ReaderAt

	// Limits are the policy limits. Memory, Stack, Syscalls and
	// AddressBits are used.
	Limits *limits.LimitSet

	// Channels is the channel table. The process takes ownership of it.
	Channels *channel.Table

	Loader loader.Options

	// Tracer records every trap. It may be nil.
	Tracer *Tracer
}

// Process is a sandboxed program and everything it may touch.
//
// A Process is used by one thread at a time: the one running the sandboxed
// program. Trap detects violations of that rule.
type Process struct {
	as       *mm.AddressSpace
	layout   loader.Layout
	channels *channel.Table
	limits   *limits.LimitSet

	heap  hostarch.AddrRange
	stack hostarch.AddrRange

	// brk is the current program break, in [layout.BreakAddr, heap.End].
	brk hostarch.Addr

	// memSize is the memory ceiling reported to the program.
	memSize uint64

	syscalls     uint64
	syscallLimit uint64

	// syscallback is the address of the program's trap handler, or 0.
	syscallback hostarch.Addr

	// inTrap is set while a trap is being handled.
	inTrap atomic.Bool

	exited     bool
	exitStatus ExitStatus

	rejected log.Logger
	tracer   *Tracer
}

// NewProcess creates the address space, loads the image and lays out the
// heap and stack. On failure everything is released, channels included.
func NewProcess(args ProcessArgs) (*Process, error) {
	cu := cleanup.Make(func() {
		if args.Channels != nil {
			args.Channels.Close()
		}
	})
	defer cu.Clean()

	ls := args.Limits
	if ls == nil {
		ls = limits.NewLimitSet()
	}
	bits := uint(ls.GetCapped(limits.AddressBits, zvm.MaxAddrBits))
	as, err := mm.NewAddressSpace(bits)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMemorySetup, err)
	}
	cu.Add(as.Release)

	layout, err := loader.Load(as, args.Image, args.Loader)
	if err != nil {
		return nil, err
	}

	p := &Process{
		as:       as,
		layout:   *layout,
		channels: args.Channels,
		limits:   ls,
		brk:      layout.BreakAddr,
		rejected: log.BasicRateLimitedLogger(time.Second),
		tracer:   args.Tracer,
	}
	if p.channels == nil {
		p.channels, _ = channel.NewTableFromChannels(nil)
	}
	if l := ls.Get(limits.Syscalls); !l.Unlimited() {
		p.syscallLimit = l.Cur
	}
	if err := p.setupMemory(); err != nil {
		return nil, err
	}

	cu.Release()
	log.Infof("Process created: entry %v, heap %v, stack %v", layout.Entry, p.heap, p.stack)
	return p, nil
}

// setupMemory reserves the top allocation page as a guard, places the stack
// under it and maps the heap from the rounded break up to the memory
// ceiling less the stack.
func (p *Process) setupMemory() error {
	vmm := p.as.VMMap()
	size := p.as.Size()

	guard := hostarch.Addr(size) - hostarch.AllocPageSize
	if err := p.as.Map(guard.PageNumber(), hostarch.PagesPerAllocPage, hostarch.NoAccess); err != nil {
		return fmt.Errorf("%w: guard page: %v", ErrMemorySetup, err)
	}

	stackSize := p.limits.GetCapped(limits.Stack, zvm.DefaultStackSize)
	stackLen, ok := hostarch.Addr(stackSize).AllocRoundUp()
	if !ok || stackLen == 0 {
		return fmt.Errorf("%w: bad stack size %d", ErrMemorySetup, stackSize)
	}
	stackPages := hostarch.PagesFor(uint64(stackLen))
	stackPage, ok := vmm.FindSpace(stackPages)
	if !ok {
		return fmt.Errorf("%w: no room for a %d byte stack", ErrMemorySetup, uint64(stackLen))
	}
	if err := p.as.Map(stackPage, stackPages, hostarch.ReadWrite); err != nil {
		return fmt.Errorf("%w: stack: %v", ErrMemorySetup, err)
	}
	p.stack = hostarch.AddrRange{Start: hostarch.PageAddr(stackPage), End: hostarch.PageAddr(stackPage + stackPages)}

	heapStart, ok := p.layout.BreakAddr.AllocRoundUp()
	if !ok || heapStart > p.stack.Start {
		return fmt.Errorf("%w: image overlaps the stack at %v", ErrMemorySetup, p.stack.Start)
	}
	heapEnd := p.stack.Start
	p.memSize = size
	if mem := p.limits.Get(limits.Memory); !mem.Unlimited() {
		p.memSize = mem.Cur
		if mem.Cur < uint64(stackLen)+uint64(heapStart) {
			return fmt.Errorf("%w: memory limit %d is smaller than image and stack (%d bytes)", ErrMemorySetup, mem.Cur, uint64(stackLen)+uint64(heapStart))
		}
		heapEnd = min(heapEnd, hostarch.Addr(mem.Cur-uint64(stackLen)).AllocRoundDown())
	}
	p.heap = hostarch.AddrRange{Start: heapStart, End: heapEnd}
	if heapEnd == heapStart {
		log.Warningf("Process has no heap: break %v, stack %v", p.layout.BreakAddr, p.stack)
		return nil
	}

	heapPages := hostarch.PagesFor(p.heap.Length())
	page, ok := vmm.FindSpaceAboveHint(heapStart.PageNumber(), heapPages)
	if !ok || page != heapStart.PageNumber() {
		return fmt.Errorf("%w: heap %v is not free", ErrMemorySetup, p.heap)
	}
	if err := p.as.Map(page, heapPages, hostarch.ReadWrite); err != nil {
		return fmt.Errorf("%w: heap: %v", ErrMemorySetup, err)
	}
	return nil
}

// AddressSpace returns the sandbox address space.
func (p *Process) AddressSpace() *mm.AddressSpace {
	return p.as
}

// Layout returns the image layout.
func (p *Process) Layout() loader.Layout {
	return p.layout
}

// Channels returns the channel table.
func (p *Process) Channels() *channel.Table {
	return p.channels
}

// Entry returns the entry point.
func (p *Process) Entry() hostarch.Addr {
	return p.layout.Entry
}

// StackTop returns the initial stack pointer.
func (p *Process) StackTop() hostarch.Addr {
	return p.stack.End
}

// Heap returns the heap range.
func (p *Process) Heap() hostarch.AddrRange {
	return p.heap
}

// Stack returns the stack range.
func (p *Process) Stack() hostarch.AddrRange {
	return p.stack
}

// Break returns the current program break.
func (p *Process) Break() hostarch.Addr {
	return p.brk
}

// SyscallCount returns the number of traps taken, rejected ones included.
func (p *Process) SyscallCount() uint64 {
	return p.syscalls
}

// SyscallLimit returns the syscall ceiling, or 0 if there is none.
func (p *Process) SyscallLimit() uint64 {
	return p.syscallLimit
}

// MemSize returns the memory ceiling.
func (p *Process) MemSize() uint64 {
	return p.memSize
}

// Syscallback returns the registered trap handler, or 0.
func (p *Process) Syscallback() hostarch.Addr {
	return p.syscallback
}

// ExitStatus returns the exit status and whether the program has exited.
func (p *Process) ExitStatus() (ExitStatus, bool) {
	return p.exitStatus, p.exited
}

// Brk moves the program break to addr and returns the new break. Requests
// below the initial break or beyond the heap leave the break unchanged and
// return it, so Brk(0) queries the current break.
func (p *Process) Brk(addr hostarch.Addr) hostarch.Addr {
	if addr < p.layout.BreakAddr || addr > p.heap.End {
		return p.brk
	}
	p.brk = addr
	return addr
}

// SetSyscallback registers the trap handler at addr and returns the handler
// in effect afterwards. Zero clears it. Addresses that are not bundle
// aligned or not in validated text are ignored.
func (p *Process) SetSyscallback(addr hostarch.Addr) hostarch.Addr {
	if addr == 0 {
		p.syscallback = 0
		return 0
	}
	if !addr.IsAligned(zvm.BundleSize) || !p.layout.ValidatedText().Contains(addr) {
		return p.syscallback
	}
	p.syscallback = addr
	return addr
}

// String dumps the process, one field per line.
func (p *Process) String() string {
	var b strings.Builder
	b.WriteString(p.layout.String())
	fmt.Fprintf(&b, "%-20s = %v\n", "heap", p.heap)
	fmt.Fprintf(&b, "%-20s = %v\n", "stack", p.stack)
	fmt.Fprintf(&b, "%-20s = %d\n", "mem_size", p.memSize)
	fmt.Fprintf(&b, "%-20s = %d/%d\n", "syscalls", p.syscalls, p.syscallLimit)
	return b.String()
}

// Release closes the channels and frees the address space. It returns
// channel teardown errors.
func (p *Process) Release() error {
	err := p.channels.Close()
	p.as.Release()
	return err
}
