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

// Package replay is a platform that drives the Trap Gateway from a script
// instead of executing native code. Each script step stages its buffers on
// the program stack exactly as a compiled program would and enters the trap
// gate.
package replay

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/sentry/kernel"
	"zerovm.dev/zvm/pkg/sentry/platform"
)

// Replay is a platform.Platform that replays a Script.
type Replay struct {
	script *Script
}

var _ platform.Platform = (*Replay)(nil)

// New returns a platform replaying s.
func New(s *Script) *Replay {
	return &Replay{script: s}
}

// NewContext implements platform.Platform.NewContext.
func (r *Replay) NewContext(p *kernel.Process) (platform.Context, error) {
	return &Context{
		steps:     r.script.Steps,
		p:         p,
		interrupt: make(chan struct{}, 1),
	}, nil
}

// Context is a platform.Context running one script.
type Context struct {
	steps []Step
	p     *kernel.Process
	next  int

	// pending is the step awaiting its result, and buf its staged buffer.
	pending *Step
	buf     hostarch.Addr

	results  []int64
	mismatch error

	interrupt chan struct{}
}

// Switch implements platform.Context.Switch.
func (c *Context) Switch(ctx context.Context) (hostarch.Addr, hostarch.Addr, error) {
	if c.mismatch != nil {
		return 0, 0, c.mismatch
	}
	if c.next >= len(c.steps) {
		return 0, 0, fmt.Errorf("%w: halt after the last step", platform.ErrContextSignal)
	}
	s := &c.steps[c.next]
	c.next++

	if err := c.wait(ctx, s.Sleep); err != nil {
		return 0, 0, err
	}
	if s.Fault {
		return 0, 0, platform.SegmentationFault{Addr: hostarch.Addr(s.PC)}
	}

	args, err := c.stage(s)
	if err != nil {
		return 0, 0, fmt.Errorf("step %d: %w", c.next-1, err)
	}
	c.pending = s
	pc := hostarch.Addr(zvm.TrapGateAddr)
	if s.PC != 0 {
		pc = hostarch.Addr(s.PC)
	}
	log.Debugf("Replay step %d: %v", c.next-1, s)
	return pc, args, nil
}

func (c *Context) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		select {
		case <-ctx.Done():
			return platform.ErrContextInterrupt
		case <-c.interrupt:
			return platform.ErrContextInterrupt
		default:
			return nil
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return platform.ErrContextInterrupt
	case <-c.interrupt:
		return platform.ErrContextInterrupt
	case <-t.C:
		return nil
	}
}

// stage places the step's buffer and argument vector just below the stack
// top and returns the vector address.
func (c *Context) stage(s *Step) (hostarch.Addr, error) {
	as := c.p.AddressSpace()
	stack := c.p.Stack()

	args := (c.p.StackTop() - zvm.TrapArgSize) &^ 7
	n := (s.bufLen() + 7) &^ 7
	if n > uint64(args-stack.Start) {
		return 0, fmt.Errorf("%d byte buffer does not fit on the stack", s.bufLen())
	}
	c.buf = args - hostarch.Addr(n)
	if n > 0 {
		if _, err := as.ZeroOut(c.buf, n); err != nil {
			return 0, err
		}
		if _, err := as.CopyOut(c.buf, []byte(s.Data)); err != nil {
			return 0, err
		}
	}

	ta := s.vector(uint64(c.buf))
	vec := make([]byte, ta.SizeBytes())
	ta.MarshalBytes(vec)
	if _, err := as.CopyOut(args, vec); err != nil {
		return 0, err
	}
	return args, nil
}

// SetReturn implements platform.Context.SetReturn.
func (c *Context) SetReturn(rv int64) {
	c.results = append(c.results, rv)
	s := c.pending
	if s == nil {
		return
	}
	c.pending = nil
	step := c.next - 1
	if s.Want != nil && rv != *s.Want {
		c.mismatch = fmt.Errorf("step %d: %v returned %d, want %d", step, s, rv, *s.Want)
		return
	}
	if s.WantData != nil {
		got := make([]byte, len(*s.WantData))
		if _, err := c.p.AddressSpace().CopyIn(c.buf, got); err != nil {
			c.mismatch = fmt.Errorf("step %d: reading buffer: %w", step, err)
			return
		}
		if !bytes.Equal(got, []byte(*s.WantData)) {
			c.mismatch = fmt.Errorf("step %d: %v left %q, want %q", step, s, got, *s.WantData)
		}
	}
}

// Results returns the value of every trap that returned to the program.
func (c *Context) Results() []int64 {
	return c.results
}

// Interrupt implements platform.Context.Interrupt.
func (c *Context) Interrupt() {
	select {
	case c.interrupt <- struct{}{}:
	default:
	}
}

// Release implements platform.Context.Release.
func (c *Context) Release() {}

type constructor struct{}

// New implements platform.Constructor.New.
func (*constructor) New(opts platform.Options) (platform.Platform, error) {
	if opts.Script == "" {
		return nil, fmt.Errorf("the replay platform needs a script")
	}
	s, err := LoadScript(opts.Script)
	if err != nil {
		return nil, err
	}
	return New(s), nil
}

func init() {
	platform.Register("replay", &constructor{})
}
