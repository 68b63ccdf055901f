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
	"io"

	"github.com/google/subcommands"
	"zerovm.dev/zvm/pkg/manifest"
)

// Manifest implements subcommands.Command for the "manifest" command.
type Manifest struct {
	format string

	stdout io.Writer
}

// Name implements subcommands.Command.Name.
func (*Manifest) Name() string {
	return "manifest"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Manifest) Synopsis() string {
	return "print a manifest with defaults filled in"
}

// Usage implements subcommands.Command.Usage.
func (*Manifest) Usage() string {
	return `manifest [-format=yaml|toml] <manifest> - validate a manifest and print it in normalized form.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (m *Manifest) SetFlags(f *flag.FlagSet) {
	f.StringVar(&m.format, "format", string(manifest.YAML), "output format: yaml or toml.")
}

// Execute implements subcommands.Command.Execute.
func (m *Manifest) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	_, code := commandArgs(args)
	format := manifest.Format(m.format)
	if format != manifest.YAML && format != manifest.TOML {
		f.Usage()
		return subcommands.ExitUsageError
	}
	man, status := loadManifest(f, code)
	if man == nil {
		return status
	}
	b, err := man.Marshal(format)
	if err != nil {
		return failure(code, err, "encoding manifest")
	}
	if _, err := output(m.stdout).Write(b); err != nil {
		return failure(code, err, "writing manifest")
	}
	return subcommands.ExitSuccess
}
