// Copyright 2022 The gVisor Authors.
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
	"zerovm.dev/zvm/pkg/report"
	"zerovm.dev/zvm/zvm/sandbox"
)

// Report implements subcommands.Command for the "report" command.
type Report struct {
	format string

	stdin  io.Reader
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Report) Name() string {
	return "report"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Report) Synopsis() string {
	return "re-encode a report saved in the prometheus format"
}

// Usage implements subcommands.Command.Usage.
func (*Report) Usage() string {
	return `report [-format=text|json|prometheus] <file> - read a report written by "run" with --report-format=prometheus and print it in another format. A file of "-" reads stdin.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (r *Report) SetFlags(f *flag.FlagSet) {
	f.StringVar(&r.format, "format", string(report.Text), "output format: text, json or prometheus.")
}

// Execute implements subcommands.Command.Execute.
func (r *Report) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	_, code := commandArgs(args)
	format, err := report.ParseFormat(r.format)
	if err != nil || f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}

	in := r.stdin
	if in == nil {
		in = os.Stdin
	}
	if path := f.Arg(0); path != "-" {
		file, err := os.Open(path)
		if err != nil {
			return failure(code, fmt.Errorf("%w: %v", sandbox.ErrUsage, err), "opening report")
		}
		defer file.Close()
		in = file
	}

	rep, err := report.Read(in)
	if err != nil {
		return failure(code, fmt.Errorf("%w: %v", sandbox.ErrUsage, err), "reading report")
	}
	if err := rep.Write(output(r.stdout), format); err != nil {
		return failure(code, err, "writing report")
	}
	return subcommands.ExitSuccess
}
