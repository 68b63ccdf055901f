// Copyright 2018 The gVisor Authors.
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

// Package platform provides a Platform abstraction.
//
// A Platform runs the sandboxed program and reports every entry into the
// trap gate. The Trap Gateway in package kernel services the trap; Run ties
// the two together until the program exits.
package platform

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/sentry/kernel"
)

// Platform provides execution contexts for sandboxed processes.
type Platform interface {
	// NewContext returns a new execution context for p, positioned at its
	// entry point with the stack pointer at its stack top.
	NewContext(p *kernel.Process) (Context, error)
}

// Context represents the execution context of the single program thread.
type Context interface {
	// Switch resumes the program and blocks until it enters the trap gate.
	// It returns the program counter at entry and the address of the trap
	// argument vector.
	//
	// Switch may return one of the following special errors:
	//
	// - ErrContextInterrupt: ctx was canceled or Interrupt was called.
	//
	// - ErrContextSignal: the program faulted or executed a halt outside
	// the gate. The error wraps a SegmentationFault when the address is
	// known.
	Switch(ctx context.Context) (pc, args hostarch.Addr, err error)

	// SetReturn places the result of the last trap in the program's return
	// register. It is not called once the program has exited.
	SetReturn(rv int64)

	// Interrupt interrupts a concurrent call to Switch, causing it to return
	// ErrContextInterrupt.
	Interrupt()

	// Release frees the context.
	Release()
}

var (
	// ErrContextSignal is returned by Context.Switch to indicate that the
	// program stopped on a fault.
	ErrContextSignal = fmt.Errorf("interrupted by signal")

	// ErrContextInterrupt is returned by Context.Switch to indicate that
	// the Context was interrupted.
	ErrContextInterrupt = fmt.Errorf("interrupted by platform.Context.Interrupt()")
)

// SegmentationFault is the fault that stopped the program.
type SegmentationFault struct {
	// Addr is the address at which the fault occurred.
	Addr hostarch.Addr
}

// Error implements error.Error.
func (f SegmentationFault) Error() string {
	return fmt.Sprintf("segmentation fault at %#x", uint64(f.Addr))
}

// Is makes SegmentationFault match ErrContextSignal.
func (f SegmentationFault) Is(target error) bool {
	return target == ErrContextSignal
}

// Options are passed to platform constructors.
type Options struct {
	// Script is the path of a platform-specific program description. It is
	// used by platforms that do not execute native code.
	Script string
}

// Constructor represents a platform type.
type Constructor interface {
	// New returns a new platform instance.
	New(opts Options) (Platform, error)
}

// platforms contains all available platform types.
var platforms = map[string]Constructor{}

// Register registers a new platform type.
func Register(name string, platform Constructor) {
	platforms[name] = platform
}

// Lookup looks up the platform constructor by name.
func Lookup(name string) (Constructor, error) {
	p, ok := platforms[name]
	if !ok {
		return nil, fmt.Errorf("unknown platform: %v", name)
	}
	return p, nil
}

// List lists available platforms, sorted by name.
func List() (available []string) {
	for name := range platforms {
		available = append(available, name)
	}
	slices.Sort(available)
	return
}

// Run switches into the program until it exits, faults or ctx is done,
// servicing every trap with p.Trap. A fault ends the program with
// kernel.StateKilled; cancellation with kernel.StateTimeout and ctx.Err().
// A non-nil error other than ctx.Err() is fatal.
func Run(ctx context.Context, c Context, p *kernel.Process) (kernel.ExitStatus, error) {
	for {
		pc, args, err := c.Switch(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrContextInterrupt):
			status := kernel.ExitStatus{Code: -1, State: kernel.StateTimeout}
			p.Kill(status)
			if ctx.Err() != nil {
				return status, ctx.Err()
			}
			return status, err
		case errors.Is(err, ErrContextSignal):
			log.Warningf("Program stopped: %v", err)
			status := kernel.ExitStatus{Code: -1, State: kernel.StateKilled}
			p.Kill(status)
			return status, nil
		default:
			return kernel.ExitStatus{Code: -1, State: kernel.StateFatal}, err
		}

		rv, ctrl, err := p.Trap(pc, args)
		if err != nil {
			status := kernel.ExitStatus{Code: -1, State: kernel.StateFatal}
			p.Kill(status)
			return status, err
		}
		if ctrl != nil {
			return ctrl.Exit, nil
		}
		c.SetReturn(rv)
	}
}
