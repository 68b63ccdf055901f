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
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/errors/zvmerr"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/sentry/channel"
	"zerovm.dev/zvm/pkg/sentry/limits"
)

const (
	// argsAddr and bufAddr lie in the heap of every test process.
	argsAddr = hostarch.Addr(0x30000)
	bufAddr  = hostarch.Addr(0x31000)
)

// trap stages an argument vector at argsAddr and enters the gateway.
func trap(t *testing.T, p *Process, op zvm.Op, args ...uint64) (int64, *TrapControl) {
	t.Helper()
	ta := zvm.TrapArgs{Op: op}
	copy(ta.Args[:], args)
	buf := make([]byte, ta.SizeBytes())
	ta.MarshalBytes(buf)
	if _, err := p.AddressSpace().CopyOut(argsAddr, buf); err != nil {
		t.Fatalf("staging arguments: %v", err)
	}
	rv, ctrl, err := p.Trap(zvm.TrapGateAddr, argsAddr)
	if err != nil {
		t.Fatalf("Trap(%v) failed: %v", op, err)
	}
	return rv, ctrl
}

func memChannel(t *testing.T, alias string, typ zvm.AccessType, limits zvm.Limits, data []byte) (*channel.Channel, *channel.MemorySource) {
	t.Helper()
	src := channel.NewMemorySource(data)
	c, err := channel.New(channel.Spec{Alias: alias, Path: "mem", Type: typ, Limits: limits}, src, channel.Options{})
	if err != nil {
		t.Fatalf("channel.New failed: %v", err)
	}
	return c, src
}

func TestTrapReadWrite(t *testing.T) {
	in, _ := memChannel(t, "/dev/input", zvm.RGetRPut, zvm.Limits{10, 100, 0, 0}, []byte("hello world"))
	out, outSrc := memChannel(t, "/dev/output", zvm.SGetSPut, zvm.Limits{0, 0, 10, 100}, nil)
	p := newTestProcess(t, nil, in, out)

	if rv, _ := trap(t, p, zvm.OpRead, 0, uint64(bufAddr), 5, 6); rv != 5 {
		t.Fatalf("read = %d, want 5", rv)
	}
	got := make([]byte, 5)
	if _, err := p.AddressSpace().CopyIn(bufAddr, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if string(got) != "world" {
		t.Errorf("read placed %q, want %q", got, "world")
	}

	if rv, _ := trap(t, p, zvm.OpWrite, 1, uint64(bufAddr), 5, 0); rv != 5 {
		t.Fatalf("write = %d, want 5", rv)
	}
	if rv, _ := trap(t, p, zvm.OpWrite, 1, uint64(bufAddr), 3, 0); rv != 3 {
		t.Fatalf("write = %d, want 3", rv)
	}
	if got, want := string(outSrc.Bytes()), "worldwor"; got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	if diff := cmp.Diff(zvm.Limits{0, 0, 2, 8}, out.Counters()); diff != "" {
		t.Errorf("output counters mismatch (-want +got):\n%s", diff)
	}
}

func TestTrapChannelErrors(t *testing.T) {
	in, _ := memChannel(t, "/dev/input", zvm.RGetRPut, zvm.Limits{10, 100, 0, 0}, []byte("hello world"))
	p := newTestProcess(t, nil, in)
	for _, test := range []struct {
		name string
		op   zvm.Op
		args []uint64
		want int64
	}{
		{"bad desc", zvm.OpRead, []uint64{1, uint64(bufAddr), 5, 0}, zvmerr.ErrInvalidDesc.Return()},
		{"negative desc", zvm.OpRead, []uint64{^uint64(0), uint64(bufAddr), 5, 0}, zvmerr.ErrInvalidDesc.Return()},
		{"not writable", zvm.OpWrite, []uint64{0, uint64(bufAddr), 5, 0}, zvmerr.ErrInvalidDesc.Return()},
		{"negative offset", zvm.OpRead, []uint64{0, uint64(bufAddr), 5, ^uint64(0)}, zvmerr.ErrInsaneOffset.Return()},
		{"zero size", zvm.OpRead, []uint64{0, uint64(bufAddr), 0, 0}, zvmerr.ErrInsaneSize.Return()},
		{"past end", zvm.OpRead, []uint64{0, uint64(bufAddr), 5, 11}, zvmerr.ErrOutOfBounds.Return()},
		{"null buffer", zvm.OpRead, []uint64{0, 0, 5, 0}, zvmerr.ErrInvalidBuffer.Return()},
		{"read only buffer", zvm.OpRead, []uint64{0, zvm.TrampolineEnd, 5, 0}, zvmerr.ErrInvalidBuffer.Return()},
		{"guard page", zvm.OpRead, []uint64{0, testStackEnd, 5, 0}, zvmerr.ErrInvalidBuffer.Return()},
	} {
		t.Run(test.name, func(t *testing.T) {
			if rv, _ := trap(t, p, test.op, test.args...); rv != test.want {
				t.Errorf("%v%v = %d, want %d", test.op, test.args, rv, test.want)
			}
		})
	}
}

func TestTrapSyscallLimit(t *testing.T) {
	ls := testLimits(0)
	ls.SetUnchecked(limits.Syscalls, limits.Fixed(2))
	out, outSrc := memChannel(t, "/dev/output", zvm.SGetSPut, zvm.Limits{0, 0, 10, 100}, nil)
	p := newTestProcess(t, ls, out)

	if rv, _ := trap(t, p, zvm.OpSyscallLimit); rv != 2 {
		t.Errorf("syscall_limit = %d, want 2", rv)
	}
	if _, err := p.AddressSpace().CopyOut(bufAddr, []byte("hi")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if rv, _ := trap(t, p, zvm.OpWrite, 0, uint64(bufAddr), 2, 0); rv != 2 {
		t.Fatalf("write = %d, want 2", rv)
	}

	// Calls beyond the ceiling fail without effect but still count.
	for i := 0; i < 2; i++ {
		if rv, _ := trap(t, p, zvm.OpWrite, 0, uint64(bufAddr), 2, 0); rv != zvmerr.ErrLimitsExceeded.Return() {
			t.Errorf("write over the limit = %d, want %d", rv, zvmerr.ErrLimitsExceeded.Return())
		}
	}
	if got := string(outSrc.Bytes()); got != "hi" {
		t.Errorf("output = %q, want %q", got, "hi")
	}
	if got := p.SyscallCount(); got != 4 {
		t.Errorf("SyscallCount() = %d, want 4", got)
	}
}

func TestTrapQueries(t *testing.T) {
	p := newTestProcess(t, testLimits(0x400000))
	for _, test := range []struct {
		op   zvm.Op
		want int64
	}{
		{zvm.OpSyscallCount, 1},
		{zvm.OpSyscallCount, 2},
		{zvm.OpSyscallLimit, 0},
		{zvm.OpHeapPtr, 0x30000},
		{zvm.OpMemSize, 0x400000},
	} {
		if rv, _ := trap(t, p, test.op); rv != test.want {
			t.Errorf("%v = %#x, want %#x", test.op, rv, test.want)
		}
	}
}

func TestTrapBrk(t *testing.T) {
	p := newTestProcess(t, testLimits(0x400000))
	for _, test := range []struct {
		addr uint64
		want int64
	}{
		{0, 0x30000},
		{0x80000, 0x80000},
		{0x400000, 0x80000},
		{0x300000, 0x300000},
	} {
		if rv, _ := trap(t, p, zvm.OpBrk, test.addr); rv != test.want {
			t.Errorf("brk(%#x) = %#x, want %#x", test.addr, rv, test.want)
		}
	}
}

func TestTrapSyscallback(t *testing.T) {
	p := newTestProcess(t, nil)
	if rv, _ := trap(t, p, zvm.OpSyscallback, 0x20040); rv != 0x20040 {
		t.Errorf("syscallback(0x20040) = %#x, want 0x20040", rv)
	}
	if rv, _ := trap(t, p, zvm.OpSyscallback, 0x20041); rv != 0x20040 {
		t.Errorf("syscallback(0x20041) = %#x, want 0x20040", rv)
	}
	if got := p.Syscallback(); got != 0x20040 {
		t.Errorf("Syscallback() = %v, want 0x20040", got)
	}
	if rv, _ := trap(t, p, zvm.OpSyscallback, 0); rv != 0 {
		t.Errorf("syscallback(0) = %#x, want 0", rv)
	}
}

func TestTrapChannels(t *testing.T) {
	a, _ := memChannel(t, "/dev/a", zvm.RGetRPut, zvm.Limits{1, 2, 3, 4}, []byte("abc"))
	b, _ := memChannel(t, "/dev/bb", zvm.SGetSPut, zvm.Limits{0, 0, 5, 6}, nil)
	p := newTestProcess(t, nil, a, b)

	if rv, _ := trap(t, p, zvm.OpChannels, 0, 0); rv != 2 {
		t.Errorf("channels(NULL) = %d, want 2", rv)
	}
	if rv, _ := trap(t, p, zvm.OpChannels, uint64(bufAddr), zvm.ChannelInfoSize); rv != zvmerr.ErrInsaneSize.Return() {
		t.Errorf("channels with a short buffer = %d, want %d", rv, zvmerr.ErrInsaneSize.Return())
	}
	if rv, _ := trap(t, p, zvm.OpChannels, zvm.TrampolineEnd, 2*zvm.ChannelInfoSize); rv != zvmerr.ErrInvalidBuffer.Return() {
		t.Errorf("channels into text = %d, want %d", rv, zvmerr.ErrInvalidBuffer.Return())
	}
	if rv, _ := trap(t, p, zvm.OpChannels, uint64(bufAddr), 2*zvm.ChannelInfoSize); rv != 2 {
		t.Fatalf("channels = %d, want 2", rv)
	}

	buf := make([]byte, 2*zvm.ChannelInfoSize)
	if _, err := p.AddressSpace().CopyIn(bufAddr, buf); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	got := make([]zvm.ChannelInfo, 2)
	src := buf
	for i := range got {
		src = got[i].UnmarshalBytes(src)
	}
	want := []zvm.ChannelInfo{
		{Type: zvm.RGetRPut, Size: 3, Limits: zvm.Limits{1, 2, 3, 4}, NameLen: 6},
		{Type: zvm.SGetSPut, Size: 0, Limits: zvm.Limits{0, 0, 5, 6}, NameLen: 7},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("channel records mismatch (-want +got):\n%s", diff)
	}
}

func TestTrapChannelName(t *testing.T) {
	a, _ := memChannel(t, "/dev/a", zvm.RGetRPut, zvm.Limits{1, 2, 0, 0}, nil)
	b, _ := memChannel(t, "/dev/bb", zvm.SGetSPut, zvm.Limits{0, 0, 5, 6}, nil)
	p := newTestProcess(t, nil, a, b)

	for _, test := range []struct {
		name string
		args []uint64
		want int64
	}{
		{"length", []uint64{1, 0, 0}, 7},
		{"bad desc", []uint64{2, 0, 0}, zvmerr.ErrInvalidDesc.Return()},
		{"short buffer", []uint64{1, uint64(bufAddr), 6}, zvmerr.ErrInsaneSize.Return()},
		{"unwritable buffer", []uint64{1, zvm.TrampolineEnd, 7}, zvmerr.ErrInvalidBuffer.Return()},
		{"copy", []uint64{1, uint64(bufAddr), 64}, 7},
	} {
		t.Run(test.name, func(t *testing.T) {
			if rv, _ := trap(t, p, zvm.OpChannelName, test.args...); rv != test.want {
				t.Errorf("channel_name%v = %d, want %d", test.args, rv, test.want)
			}
		})
	}

	got := make([]byte, 7)
	if _, err := p.AddressSpace().CopyIn(bufAddr, got); err != nil {
		t.Fatalf("CopyIn failed: %v", err)
	}
	if string(got) != "/dev/bb" {
		t.Errorf("channel name = %q, want /dev/bb", got)
	}
}

func TestTrapUnknownOp(t *testing.T) {
	p := newTestProcess(t, nil)
	for _, op := range []zvm.Op{0, zvm.OpBrk + 1, 1 << 40} {
		if rv, _ := trap(t, p, op); rv != zvmerr.ErrNotSupported.Return() {
			t.Errorf("%v = %d, want %d", op, rv, zvmerr.ErrNotSupported.Return())
		}
	}
	if got := p.SyscallCount(); got != 3 {
		t.Errorf("SyscallCount() = %d, want 3", got)
	}
}

func TestTrapBadArgumentVector(t *testing.T) {
	p := newTestProcess(t, nil)
	for _, addr := range []hostarch.Addr{
		0,
		argsAddr + 4,
		0x8000,
		testStackEnd - 8,
	} {
		rv, ctrl, err := p.Trap(zvm.TrapGateAddr, addr)
		if err != nil || ctrl != nil || rv != zvmerr.EFAULT.Return() {
			t.Errorf("Trap(args at %v) = %d, %v, %v, want %d", addr, rv, ctrl, err, zvmerr.EFAULT.Return())
		}
	}
}

func TestTrapExit(t *testing.T) {
	p := newTestProcess(t, nil)
	_, ctrl := trap(t, p, zvm.OpExit, 7)
	want := &TrapControl{Exit: ExitStatus{Code: 7, State: StateOK}}
	if diff := cmp.Diff(want, ctrl); diff != "" {
		t.Errorf("exit control mismatch (-want +got):\n%s", diff)
	}
	if status, exited := p.ExitStatus(); !exited || status != want.Exit {
		t.Errorf("ExitStatus() = %v, %t, want %v, true", status, exited, want.Exit)
	}

	var ferr *FatalError
	if _, _, err := p.Trap(zvm.TrapGateAddr, argsAddr); !errors.As(err, &ferr) {
		t.Errorf("Trap after exit = %v, want a FatalError", err)
	}
}

func TestTrapFatal(t *testing.T) {
	p := newTestProcess(t, nil)

	var ferr *FatalError
	if _, _, err := p.Trap(zvm.TrampolineEnd, argsAddr); !errors.As(err, &ferr) {
		t.Errorf("Trap outside the gate = %v, want a FatalError", err)
	} else if ferr.PC != zvm.TrampolineEnd {
		t.Errorf("FatalError.PC = %v, want %#x", ferr.PC, zvm.TrampolineEnd)
	}

	p.inTrap.Store(true)
	if _, _, err := p.Trap(zvm.TrapGateAddr, argsAddr); !errors.As(err, &ferr) {
		t.Errorf("reentrant Trap = %v, want a FatalError", err)
	}
	p.inTrap.Store(false)

	if got := p.SyscallCount(); got != 0 {
		t.Errorf("SyscallCount() = %d, want 0", got)
	}
}

func TestRejectionsRateLimited(t *testing.T) {
	p := newTestProcess(t, nil)
	var buf bytes.Buffer
	p.rejected = log.RateLimitedLogger(&log.BasicLogger{Level: log.Debug, Emitter: &log.Writer{Next: &buf}}, time.Hour)

	for i := 0; i < 5; i++ {
		if rv, _ := trap(t, p, zvm.Op(99)); rv != zvmerr.ErrNotSupported.Return() {
			t.Fatalf("unsupported op = %d, want %d", rv, zvmerr.ErrNotSupported.Return())
		}
	}
	if got, want := buf.String(), "Trap 1: operation not supported"; got != want {
		t.Errorf("rejection log = %q, want %q", got, want)
	}
	if got := p.SyscallCount(); got != 5 {
		t.Errorf("SyscallCount = %d, want 5", got)
	}
}
