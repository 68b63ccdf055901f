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


// Package sandbox runs one program under the policy of its manifest.
package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/manifest"
	"zerovm.dev/zvm/pkg/report"
	"zerovm.dev/zvm/pkg/sentry/channel"
	"zerovm.dev/zvm/pkg/sentry/kernel"
	"zerovm.dev/zvm/pkg/sentry/loader"
	"zerovm.dev/zvm/pkg/sentry/platform"
)

var (
	// ErrUsage is wrapped by errors in the invocation itself, such as an
	// unknown platform or a missing script.
	ErrUsage = errors.New("bad invocation")

	// ErrTimeout is returned when the wall-clock ceiling expires.
	ErrTimeout = errors.New("wall-clock timeout")
)

// Exit codes of the zvm binary.
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitManifest    = 2
	ExitLoad        = 3
	ExitValidation  = 4
	ExitMemorySetup = 5
	ExitInternal    = 6
	ExitTimeout     = 7
)

// ExitCode maps the error returned by Run or Check to the exit code of the
// binary.
func ExitCode(err error) int {
	var lerr *loader.Error
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, ErrUsage):
		return ExitUsage
	case errors.Is(err, manifest.ErrInvalid):
		return ExitManifest
	case errors.Is(err, loader.LoadValidationFailed):
		return ExitValidation
	case errors.As(err, &lerr):
		return ExitLoad
	case errors.Is(err, kernel.ErrMemorySetup):
		return ExitMemorySetup
	case errors.Is(err, ErrTimeout):
		return ExitTimeout
	}
	return ExitInternal
}

// Args configures Run.
type Args struct {
	Manifest *manifest.Manifest

	// Platform is the name of a registered platform.
	Platform string

	// Script is passed to the platform constructor.
	Script string

	// SkipValidation loads the program even if the validator rejects it.
	SkipValidation bool

	// Timeout overrides the manifest timeout when positive.
	Timeout time.Duration

	// Trace receives one line per trap when non-nil.
	Trace io.Writer
}

func (a *Args) timeout() time.Duration {
	if a.Timeout > 0 {
		return a.Timeout
	}
	return a.Manifest.Timeout.Duration
}

// Run executes the program of args.Manifest to completion and returns the
// report of the run. A report is returned even when err is non-nil; it then
// carries a fatal or timeout status.
func Run(ctx context.Context, args Args) (*report.Report, error) {
	start := time.Now()
	startUsage, err := report.CurrentUsage()
	if err != nil {
		log.Warningf("Resource accounting disabled: %v", err)
	}
	collect := func(p *kernel.Process, status kernel.ExitStatus) *report.Report {
		r := report.Collect(p, status, args.Manifest, time.Since(start))
		if u, err := report.CurrentUsage(); err == nil {
			r.Usage = u.Since(startUsage)
		}
		return r
	}
	m := args.Manifest
	failed := func(err error) (*report.Report, error) {
		return collect(nil, kernel.ExitStatus{Code: -1, State: kernel.StateFatal}), err
	}

	ctor, err := platform.Lookup(args.Platform)
	if err != nil {
		return failed(fmt.Errorf("%w: %v", ErrUsage, err))
	}
	plat, err := ctor.New(platform.Options{Script: args.Script})
	if err != nil {
		return failed(fmt.Errorf("%w: platform %q: %v", ErrUsage, args.Platform, err))
	}
	if err := m.CheckProgram(); err != nil {
		return failed(err)
	}
	image, err := os.Open(m.Program)
	if err != nil {
		return failed(fmt.Errorf("opening program: %w", err))
	}
	defer image.Close()

	chans, err := channel.NewTable(m.ChannelSpecs(), m.ChannelOptions())
	if err != nil {
		return failed(fmt.Errorf("%w: %v", manifest.ErrInvalid, err))
	}
	var tracer *kernel.Tracer
	if args.Trace != nil {
		tracer = kernel.NewTracer(args.Trace)
	}
	p, err := kernel.NewProcess(kernel.ProcessArgs{
		Image:    image,
		Limits:   m.Limits(),
		Channels: chans,
		Loader:   loader.Options{SkipValidation: args.SkipValidation},
		Tracer:   tracer,
	})
	if err != nil {
		return failed(err)
	}
	log.Infof("Running %q on node %q: %v", m.Program, m.Node, p)

	c, err := plat.NewContext(p)
	if err != nil {
		p.Release()
		return failed(fmt.Errorf("creating platform context: %w", err))
	}
	status, runErr := supervise(ctx, c, p, args.timeout())
	c.Release()

	// Channels are torn down before the report so sizes are final.
	if err := p.Release(); err != nil && runErr == nil {
		runErr = err
	}
	if err := tracer.Flush(); err != nil {
		log.Warningf("Writing trace: %v", err)
	}
	r := collect(p, status)
	log.Infof("Run finished: %+v after %d syscalls", status, r.Syscalls)
	return r, runErr
}

// supervise races the platform run against the wall-clock ceiling. The
// ceiling interrupts the context, which ends the run with a timeout status.
func supervise(ctx context.Context, c platform.Context, p *kernel.Process, timeout time.Duration) (kernel.ExitStatus, error) {
	runCtx, done := context.WithCancel(ctx)
	defer done()
	g, gctx := errgroup.WithContext(runCtx)

	var status kernel.ExitStatus
	g.Go(func() error {
		defer done()
		var err error
		status, err = platform.Run(gctx, c, p)
		if status.State == kernel.StateTimeout {
			// The error is the cancellation caused by the timer below, or
			// by the caller.
			return nil
		}
		return err
	})
	g.Go(func() error {
		t := time.NewTimer(timeout)
		defer t.Stop()
		select {
		case <-t.C:
			log.Warningf("Wall-clock ceiling of %v reached", timeout)
			c.Interrupt()
			return fmt.Errorf("%w after %v", ErrTimeout, timeout)
		case <-gctx.Done():
			return nil
		}
	})
	err := g.Wait()
	if errors.Is(err, ErrTimeout) && status.State != kernel.StateTimeout {
		// The program exited as the timer fired.
		err = nil
	}
	if err == nil && status.State == kernel.StateTimeout {
		// Canceled by the caller.
		err = ctx.Err()
	}
	return status, err
}

// Layout is the memory map of a loaded program.
type Layout struct {
	loader.Layout

	Heap  hostarch.AddrRange
	Stack hostarch.AddrRange
}

// Check loads the program of m into a scratch address space, without
// opening any channel, and returns the resulting memory map.
func Check(m *manifest.Manifest, skipValidation bool) (*Layout, error) {
	if err := m.CheckProgram(); err != nil {
		return nil, err
	}
	image, err := os.Open(m.Program)
	if err != nil {
		return nil, fmt.Errorf("opening program: %w", err)
	}
	defer image.Close()

	p, err := kernel.NewProcess(kernel.ProcessArgs{
		Image:  image,
		Limits: m.Limits(),
		Loader: loader.Options{SkipValidation: skipValidation},
	})
	if err != nil {
		return nil, err
	}
	defer p.Release()
	return &Layout{Layout: p.Layout(), Heap: p.Heap(), Stack: p.Stack()}, nil
}
