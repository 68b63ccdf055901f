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


// Package cmd holds implementations of the zvm commands.
package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/google/subcommands"
	"zerovm.dev/zvm/pkg/manifest"
	"zerovm.dev/zvm/zvm/cmd/util"
	"zerovm.dev/zvm/zvm/config"
	"zerovm.dev/zvm/zvm/sandbox"
)

// commandArgs unpacks the arguments every command is executed with: the
// configuration and the exit code of the binary.
func commandArgs(args []any) (*config.Config, *int) {
	return args[0].(*config.Config), args[1].(*int)
}

// failure reports err and records the exit code it maps to.
func failure(code *int, err error, format string, args ...any) subcommands.ExitStatus {
	*code = sandbox.ExitCode(err)
	return util.Errorf("%s: %v", fmt.Sprintf(format, args...), err)
}

// loadManifest loads the manifest named by the only positional argument.
func loadManifest(f *flag.FlagSet, code *int) (*manifest.Manifest, subcommands.ExitStatus) {
	if f.NArg() != 1 {
		f.Usage()
		return nil, subcommands.ExitUsageError
	}
	m, err := manifest.Load(f.Arg(0))
	if err != nil {
		return nil, failure(code, err, "loading manifest %q", f.Arg(0))
	}
	return m, subcommands.ExitSuccess
}

// output returns w, or stdout if w is nil.
func output(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
