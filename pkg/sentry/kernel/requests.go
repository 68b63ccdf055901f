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

package kernel

import (
	"fmt"

	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/errors/zvmerr"
	"zerovm.dev/zvm/pkg/hostarch"
)

// Request is a decoded trap request. The set of requests is closed.
type Request interface {
	fmt.Stringer

	handle(p *Process) (int64, *TrapControl, error)
}

// Decode turns an argument vector into a Request. Unknown operations fail
// with ErrNotSupported.
func Decode(args zvm.TrapArgs) (Request, error) {
	a := args.Args
	switch args.Op {
	case zvm.OpRead:
		return &ReadRequest{Desc: int64(a[0]), Buf: hostarch.Addr(a[1]), Size: int64(a[2]), Offset: int64(a[3])}, nil
	case zvm.OpWrite:
		return &WriteRequest{Desc: int64(a[0]), Buf: hostarch.Addr(a[1]), Size: int64(a[2]), Offset: int64(a[3])}, nil
	case zvm.OpExit:
		return &ExitRequest{Code: int32(a[0])}, nil
	case zvm.OpSyscallback:
		return &SyscallbackRequest{Addr: hostarch.Addr(a[0])}, nil
	case zvm.OpChannels:
		return &ChannelsRequest{Buf: hostarch.Addr(a[0]), Size: int64(a[1])}, nil
	case zvm.OpChannelName:
		return &ChannelNameRequest{Desc: int64(a[0]), Buf: hostarch.Addr(a[1]), Size: int64(a[2])}, nil
	case zvm.OpSyscallCount:
		return SyscallCountRequest{}, nil
	case zvm.OpSyscallLimit:
		return SyscallLimitRequest{}, nil
	case zvm.OpHeapPtr:
		return HeapPtrRequest{}, nil
	case zvm.OpMemSize:
		return MemSizeRequest{}, nil
	case zvm.OpBrk:
		return &BrkRequest{Addr: hostarch.Addr(a[0])}, nil
	}
	return nil, zvmerr.ErrNotSupported
}

// ReadRequest reads up to Size bytes from channel Desc at Offset into Buf.
type ReadRequest struct {
	Desc   int64
	Buf    hostarch.Addr
	Size   int64
	Offset int64
}

func (r *ReadRequest) String() string {
	return fmt.Sprintf("read(%d, %v, %d, %d)", r.Desc, r.Buf, r.Size, r.Offset)
}

func (r *ReadRequest) handle(p *Process) (int64, *TrapControl, error) {
	ch, err := p.channels.Get(r.Desc)
	if err != nil {
		return 0, nil, err
	}
	n, err := ch.Read(p.as, r.Buf, r.Size, r.Offset)
	return n, nil, err
}

// WriteRequest writes up to Size bytes from Buf to channel Desc at Offset.
type WriteRequest struct {
	Desc   int64
	Buf    hostarch.Addr
	Size   int64
	Offset int64
}

func (r *WriteRequest) String() string {
	return fmt.Sprintf("write(%d, %v, %d, %d)", r.Desc, r.Buf, r.Size, r.Offset)
}

func (r *WriteRequest) handle(p *Process) (int64, *TrapControl, error) {
	ch, err := p.channels.Get(r.Desc)
	if err != nil {
		return 0, nil, err
	}
	n, err := ch.Write(p.as, r.Buf, r.Size, r.Offset)
	return n, nil, err
}

// ExitRequest ends the program.
type ExitRequest struct {
	Code int32
}

func (r *ExitRequest) String() string {
	return fmt.Sprintf("exit(%d)", r.Code)
}

func (r *ExitRequest) handle(p *Process) (int64, *TrapControl, error) {
	p.Kill(ExitStatus{Code: int(r.Code), State: StateOK})
	return 0, &TrapControl{Exit: p.exitStatus}, nil
}

// SyscallbackRequest registers a trap handler.
type SyscallbackRequest struct {
	Addr hostarch.Addr
}

func (r *SyscallbackRequest) String() string {
	return fmt.Sprintf("syscallback(%v)", r.Addr)
}

func (r *SyscallbackRequest) handle(p *Process) (int64, *TrapControl, error) {
	return int64(p.SetSyscallback(r.Addr)), nil, nil
}

// ChannelsRequest returns the number of channels and, when Buf is not null,
// fills it with one zvm.ChannelInfo per channel.
type ChannelsRequest struct {
	Buf  hostarch.Addr
	Size int64
}

func (r *ChannelsRequest) String() string {
	return fmt.Sprintf("channels(%v, %d)", r.Buf, r.Size)
}

func (r *ChannelsRequest) handle(p *Process) (int64, *TrapControl, error) {
	chans := p.channels.Channels()
	n := int64(len(chans))
	if r.Buf == 0 {
		return n, nil, nil
	}
	if r.Size < n*zvm.ChannelInfoSize {
		return 0, nil, zvmerr.ErrInsaneSize
	}
	buf := make([]byte, n*zvm.ChannelInfoSize)
	dst := buf
	for _, ch := range chans {
		info := ch.Info()
		dst = info.MarshalBytes(dst)
	}
	if _, err := p.as.CopyOut(r.Buf, buf); err != nil {
		return 0, nil, zvmerr.ErrInvalidBuffer
	}
	return n, nil, nil
}

// ChannelNameRequest returns the alias length of channel Desc and, when Buf
// is not null, copies the alias there.
type ChannelNameRequest struct {
	Desc int64
	Buf  hostarch.Addr
	Size int64
}

func (r *ChannelNameRequest) String() string {
	return fmt.Sprintf("channel_name(%d, %v, %d)", r.Desc, r.Buf, r.Size)
}

func (r *ChannelNameRequest) handle(p *Process) (int64, *TrapControl, error) {
	ch, err := p.channels.Get(r.Desc)
	if err != nil {
		return 0, nil, err
	}
	alias := ch.Alias()
	n := int64(len(alias))
	if r.Buf == 0 {
		return n, nil, nil
	}
	if r.Size < n {
		return 0, nil, zvmerr.ErrInsaneSize
	}
	if n == 0 {
		return 0, nil, nil
	}
	if _, err := p.as.CopyOut(r.Buf, []byte(alias)); err != nil {
		return 0, nil, zvmerr.ErrInvalidBuffer
	}
	return n, nil, nil
}

// SyscallCountRequest returns the number of traps taken, this one included.
type SyscallCountRequest struct{}

func (SyscallCountRequest) String() string { return "syscall_count()" }

func (SyscallCountRequest) handle(p *Process) (int64, *TrapControl, error) {
	return int64(p.syscalls), nil, nil
}

// SyscallLimitRequest returns the syscall ceiling, 0 when unlimited.
type SyscallLimitRequest struct{}

func (SyscallLimitRequest) String() string { return "syscall_limit()" }

func (SyscallLimitRequest) handle(p *Process) (int64, *TrapControl, error) {
	return int64(p.syscallLimit), nil, nil
}

// HeapPtrRequest returns the start of the heap.
type HeapPtrRequest struct{}

func (HeapPtrRequest) String() string { return "heap_ptr()" }

func (HeapPtrRequest) handle(p *Process) (int64, *TrapControl, error) {
	return int64(p.heap.Start), nil, nil
}

// MemSizeRequest returns the memory ceiling.
type MemSizeRequest struct{}

func (MemSizeRequest) String() string { return "mem_size()" }

func (MemSizeRequest) handle(p *Process) (int64, *TrapControl, error) {
	return int64(p.memSize), nil, nil
}

// BrkRequest moves the program break.
type BrkRequest struct {
	Addr hostarch.Addr
}

func (r *BrkRequest) String() string {
	return fmt.Sprintf("brk(%v)", r.Addr)
}

func (r *BrkRequest) handle(p *Process) (int64, *TrapControl, error) {
	return int64(p.Brk(r.Addr)), nil, nil
}
