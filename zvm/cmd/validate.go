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


package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/google/subcommands"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/zvm/sandbox"
)

// Validate implements subcommands.Command for the "validate" command.
type Validate struct {
	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Validate) Name() string {
	return "validate"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Validate) Synopsis() string {
	return "load and validate a program without running it"
}

// Usage implements subcommands.Command.Usage.
func (*Validate) Usage() string {
	return `validate [flags] <manifest> - load the program named by the manifest and print its memory layout.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Validate) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (v *Validate) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	conf, code := commandArgs(args)
	m, status := loadManifest(f, code)
	if m == nil {
		return status
	}
	l, err := sandbox.Check(m, conf.SkipValidation)
	if err != nil {
		return failure(code, err, "validating %q", m.Program)
	}
	printLayout(output(v.stdout), l)
	return subcommands.ExitSuccess
}

func printLayout(w io.Writer, l *sandbox.Layout) {
	tw := tabwriter.NewWriter(w, 0, 8, 1, ' ', 0)
	row := func(name string, r hostarch.AddrRange) {
		fmt.Fprintf(tw, "%s\t%#x\t%#x\t%d\n", name, uint64(r.Start), uint64(r.End), r.Length())
	}
	fmt.Fprintf(tw, "REGION\tSTART\tEND\tSIZE\n")
	row("trampoline", hostarch.AddrRange{Start: zvm.TrampolineStart, End: zvm.TrampolineEnd})
	row("text", hostarch.AddrRange{Start: zvm.TrampolineEnd, End: l.StaticTextEnd})
	if l.DynamicTextEnd > l.DynamicTextStart {
		row("dyntext", hostarch.AddrRange{Start: l.DynamicTextStart, End: l.DynamicTextEnd})
	}
	if l.RodataStart != 0 {
		row("rodata", hostarch.AddrRange{Start: l.RodataStart, End: l.RodataEnd})
	}
	if l.DataStart != 0 {
		row("data", hostarch.AddrRange{Start: l.DataStart, End: l.DataEnd})
	}
	row("heap", l.Heap)
	row("stack", l.Stack)
	fmt.Fprintf(tw, "entry\t%#x\n", uint64(l.Entry))
	fmt.Fprintf(tw, "break\t%#x\n", uint64(l.BreakAddr))
	tw.Flush()
}
