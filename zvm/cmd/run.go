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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/report"
	"zerovm.dev/zvm/zvm/sandbox"
)

// Run implements subcommands.Command for the "run" command.
type Run struct {
	// reportFile is where the final report is written. Empty means stdout.
	reportFile string

	// traceFile receives one line per trap. Empty disables tracing.
	traceFile string

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "run a program under the policy of its manifest"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run [flags] <manifest> - load the program named by the manifest, run it to completion and print the final report.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Run) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.reportFile, "report-file", "", "write the final report to this file instead of stdout.")
	f.StringVar(&r.traceFile, "trace", "", "append a record of every trap, with timings, to this file.")
}

// Execute implements subcommands.Command.Execute.
func (r *Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf, code := commandArgs(args)
	m, status := loadManifest(f, code)
	if m == nil {
		return status
	}
	format, err := report.ParseFormat(conf.ReportFormat)
	if err != nil {
		return failure(code, fmt.Errorf("%w: %v", sandbox.ErrUsage, err), "report")
	}

	out := output(r.stdout)
	if r.reportFile != "" {
		rf, err := os.Create(r.reportFile)
		if err != nil {
			return failure(code, fmt.Errorf("%w: %v", sandbox.ErrUsage, err), "opening report file")
		}
		defer rf.Close()
		out = rf
	}

	var trace io.Writer
	if r.traceFile != "" {
		tf, err := os.OpenFile(r.traceFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
		if err != nil {
			return failure(code, fmt.Errorf("%w: %v", sandbox.ErrUsage, err), "opening trace file")
		}
		defer tf.Close()
		trace = tf
	}

	rep, runErr := sandbox.Run(ctx, sandbox.Args{
		Manifest:       m,
		Platform:       conf.Platform,
		Script:         conf.ReplayScript,
		SkipValidation: conf.SkipValidation,
		Timeout:        conf.Timeout,
		Trace:          trace,
	})
	if rep != nil {
		if err := rep.Write(out, format); err != nil {
			log.Warningf("Writing report: %v", err)
			if runErr == nil {
				runErr = fmt.Errorf("writing report: %w", err)
			}
		}
	}
	if runErr != nil {
		return failure(code, runErr, "running %q", m.Program)
	}
	return subcommands.ExitSuccess
}
