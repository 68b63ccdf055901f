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


// Package cli is the main entrypoint for zvm.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"

	"github.com/google/subcommands"
	"golang.org/x/sys/unix"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/manifest"
	"zerovm.dev/zvm/pkg/sentry/platform"
	"zerovm.dev/zvm/zvm/cmd"
	"zerovm.dev/zvm/zvm/cmd/util"
	"zerovm.dev/zvm/zvm/config"
	"zerovm.dev/zvm/zvm/sandbox"

	// Register the available platforms.
	_ "zerovm.dev/zvm/zvm/platforms"
)

// version is set at link time.
var version = "unknown"

// versionFlagName is the name of a flag that triggers printing the version.
const versionFlagName = "version"

var (
	configFile = flag.String("config", "", "TOML file whose [zvm_config] table sets flags not given on the command line.")
	logFile    = flag.String("log", "", "file path where error messages are also written, in json.")
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)
	flag.Bool(versionFlagName, false, "show version and exit.")

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	if *configFile != "" {
		if err := config.ApplyFile(flag.CommandLine, *configFile); err != nil {
			util.Fatalf(sandbox.ExitUsage, "%v", err)
		}
	}

	// Are we showing the version?
	if flag.Lookup(versionFlagName).Value.(flag.Getter).Get().(bool) {
		fmt.Fprintf(os.Stdout, "zvm version %s\n", version)
		fmt.Fprintf(os.Stdout, "manifest: %s\n", manifest.Version)
		os.Exit(0)
	}

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		util.Fatalf(sandbox.ExitUsage, "%v", err)
	}

	if *logFile != "" {
		// Appended to, several commands may share the file.
		f, err := os.OpenFile(*logFile, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			util.Fatalf(sandbox.ExitUsage, "error opening log file %q: %v", *logFile, err)
		}
		util.ErrorLogger = f
	}

	if _, err := platform.Lookup(conf.Platform); err != nil {
		util.Fatalf(sandbox.ExitUsage, "%v", err)
	}

	subcommand := flag.CommandLine.Arg(0)

	// Set up logging.
	if conf.Debug {
		log.SetLevel(log.Debug)
	}

	var emitters log.MultiEmitter
	if conf.DebugLog != "" {
		f, err := log.OpenFile(conf.DebugLog, os.O_WRONLY|os.O_CREATE|os.O_APPEND, log.PatternOpts{Command: subcommand})
		if err != nil {
			util.Fatalf(sandbox.ExitUsage, "error opening debug log file in %q: %v", conf.DebugLog, err)
		}
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, f))
	}
	if conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.DebugLogFormat, os.Stderr))
	}

	switch len(emitters) {
	case 0:
		// Stdout and stderr may be channels of the program; discard the
		// logs if no debug log is specified.
		log.SetTarget(newEmitter("text", io.Discard))
	case 1:
		// Use the singular emitter to avoid needless
		// `for` loop overhead when logging to a single place.
		log.SetTarget(emitters[0])
	default:
		log.SetTarget(&emitters)
	}

	const delimString = `**************** zvm ****************`
	log.Infof(delimString)
	log.Infof("Version %s, %s, %s, %s, PID %d, UID %d, GID %d", version, runtime.Version(), runtime.GOARCH, runtime.GOOS, os.Getpid(), os.Getuid(), os.Getgid())
	log.Debugf("Page size: 0x%x (%d bytes)", os.Getpagesize(), os.Getpagesize())
	log.Infof("Args: %v", os.Args)
	conf.Log()
	log.Infof(delimString)

	// An interrupt ends the run the way the wall-clock ceiling does.
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)

	// Call the subcommand and pass in the configuration.
	var code int
	subcmdCode := subcommands.Execute(ctx, conf, &code)
	stop()
	switch subcmdCode {
	case subcommands.ExitSuccess:
		log.Infof("Exiting with status: %d", code)
		os.Exit(code)
	case subcommands.ExitUsageError:
		os.Exit(sandbox.ExitUsage)
	}
	if code == 0 {
		code = sandbox.ExitInternal
	}
	log.Warningf("Failure to execute command, exit code: %d", code)
	os.Exit(code)
}

// forEachCmd invokes the passed callback for each command supported by zvm.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(new(cmd.Platforms), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Validate), "")

	const helperGroup = "helpers"
	cb(new(cmd.Manifest), helperGroup)
	cb(new(cmd.Report), helperGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{&log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}, Command: flag.CommandLine.Arg(0)}
	}
	util.Fatalf(sandbox.ExitUsage, "invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
