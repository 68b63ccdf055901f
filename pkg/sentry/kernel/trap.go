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
	"zerovm.dev/zvm/pkg/log"
)

// ExitStatus is how the sandboxed program finished.
type ExitStatus struct {
	Code  int
	State string
}

// Exit states.
const (
	StateOK      = "ok"
	StateTimeout = "timeout"
	StateFatal   = "fatal"
	StateKilled  = "killed"
)

// TrapControl is returned by Trap when the program must not be resumed.
type TrapControl struct {
	// Exit is the final status of the program.
	Exit ExitStatus
}

// FatalError is an internal inconsistency detected at the gateway. The
// program must not be resumed.
type FatalError struct {
	PC     hostarch.Addr
	Reason string
}

// Error implements error.Error.
func (e *FatalError) Error() string {
	return fmt.Sprintf("fatal trap at %v: %s", e.PC, e.Reason)
}

// Trap handles a trap taken at pc with the argument vector at argsAddr. It
// returns the value to place in the program's result register, or a non-nil
// TrapControl once the program has exited. A non-nil error is a FatalError.
//
// Requests rejected for any reason still count against the syscall ceiling.
func (p *Process) Trap(pc, argsAddr hostarch.Addr) (int64, *TrapControl, error) {
	if pc != zvm.TrapGateAddr {
		return 0, nil, &FatalError{PC: pc, Reason: "entry outside the trap gate"}
	}
	if p.exited {
		return 0, nil, &FatalError{PC: pc, Reason: "trap after exit"}
	}
	if !p.inTrap.CompareAndSwap(false, true) {
		return 0, nil, &FatalError{PC: pc, Reason: "reentrant trap"}
	}
	defer p.inTrap.Store(false)

	p.syscalls++
	rv, ctrl, call := p.dispatch(argsAddr)
	p.tracer.Trace(call, rv)
	if ctrl != nil {
		log.Infof("Program exited: code %d, %d traps", ctrl.Exit.Code, p.syscalls)
	}
	return rv, ctrl, nil
}

// dispatch decodes and runs one request. It returns the result register
// value, the exit control if the program is done, and the call as recorded
// by the tracer.
func (p *Process) dispatch(argsAddr hostarch.Addr) (int64, *TrapControl, string) {
	raw := fmt.Sprintf("trap(%v)", argsAddr)
	if p.syscallLimit != 0 && p.syscalls > p.syscallLimit {
		p.rejected.Debugf("Trap %d rejected: syscall limit %d reached", p.syscalls, p.syscallLimit)
		return zvmerr.ErrLimitsExceeded.Return(), nil, raw
	}

	args, err := p.readArgs(argsAddr)
	if err != nil {
		p.rejected.Debugf("Trap %d: bad argument vector at %v: %v", p.syscalls, argsAddr, err)
		return zvmerr.EFAULT.Return(), nil, raw
	}
	req, err := Decode(args)
	if err != nil {
		p.rejected.Debugf("Trap %d: %v", p.syscalls, err)
		a := args.Args
		return zvmerr.ToError(err).Return(), nil, fmt.Sprintf("%v(%#x, %#x, %#x, %#x)", args.Op, a[0], a[1], a[2], a[3])
	}

	rv, ctrl, err := req.handle(p)
	if err != nil {
		if log.IsLogging(log.Debug) {
			p.rejected.Debugf("Trap %d: %v failed: %v", p.syscalls, req, err)
		}
		return zvmerr.ToError(err).Return(), nil, req.String()
	}
	return rv, ctrl, req.String()
}

// Kill marks the program as finished without it having asked to exit.
func (p *Process) Kill(status ExitStatus) {
	if p.exited {
		return
	}
	p.exited = true
	p.exitStatus = status
}

func (p *Process) readArgs(addr hostarch.Addr) (zvm.TrapArgs, error) {
	var args zvm.TrapArgs
	if !addr.IsAligned(8) {
		return args, fmt.Errorf("misaligned")
	}
	var buf [zvm.TrapArgSize]byte
	if _, err := p.as.CopyIn(addr, buf[:]); err != nil {
		return args, err
	}
	args.UnmarshalBytes(buf[:])
	return args, nil
}
