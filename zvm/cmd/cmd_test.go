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
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/subcommands"
	"zerovm.dev/zvm/pkg/manifest"
	"zerovm.dev/zvm/pkg/report"
	"zerovm.dev/zvm/pkg/sentry/kernel"
	"zerovm.dev/zvm/pkg/sentry/loader/loadertest"
	"zerovm.dev/zvm/zvm/config"
	"zerovm.dev/zvm/zvm/sandbox"

	_ "zerovm.dev/zvm/zvm/platforms"
)

const script = `
[[trap]]
op = "write"
args = [0, 0, 3, 0]
buf = 1
data = "hi\n"
want = 3

[[trap]]
op = "exit"
args = [7]
`

// setup writes a program, a script and a manifest naming them, and returns
// the manifest path.
func setup(t *testing.T, program []byte) (dir, manifestPath string) {
	t.Helper()
	dir = t.TempDir()
	write := func(name string, data []byte) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, data, 0644); err != nil {
			t.Fatalf("WriteFile(%q) failed: %v", path, err)
		}
		return path
	}
	prog := write("prog.nexe", program)
	write("script.toml", []byte(script))
	manifestPath = write("run.toml", []byte(fmt.Sprintf(`
version = "20130611"
program = %q
timeout = "10s"
address_bits = 24
stack = 1048576
node = "node-7"

[[channel]]
path = %q
alias = "/dev/out"
type = 0
limits = [0, 0, 10, 100]
`, prog, filepath.Join(dir, "out"))))
	return dir, manifestPath
}

func testConfig(t *testing.T, dir string, flags map[string]string) *config.Config {
	t.Helper()
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	config.RegisterFlags(fs)
	if err := fs.Set("replay-script", filepath.Join(dir, "script.toml")); err != nil {
		t.Fatal(err)
	}
	for name, value := range flags {
		if err := fs.Set(name, value); err != nil {
			t.Fatal(err)
		}
	}
	conf, err := config.NewFromFlags(fs)
	if err != nil {
		t.Fatalf("NewFromFlags failed: %v", err)
	}
	return conf
}

// execute runs c with argv and returns its status and the exit code it set.
func execute(t *testing.T, c subcommands.Command, conf *config.Config, argv ...string) (subcommands.ExitStatus, int) {
	t.Helper()
	fs := flag.NewFlagSet(c.Name(), flag.ContinueOnError)
	c.SetFlags(fs)
	if err := fs.Parse(argv); err != nil {
		t.Fatalf("Parse(%v) failed: %v", argv, err)
	}
	var code int
	status := c.Execute(context.Background(), fs, conf, &code)
	return status, code
}

func TestRunAndReport(t *testing.T) {
	dir, path := setup(t, loadertest.Simple(64).Bytes())
	conf := testConfig(t, dir, map[string]string{"report-format": "prometheus"})
	reportPath := filepath.Join(dir, "report.prom")

	status, code := execute(t, new(Run), conf, "--report-file", reportPath, path)
	if status != subcommands.ExitSuccess || code != 0 {
		t.Fatalf("run = %v, code %d, want success", status, code)
	}
	out, err := os.ReadFile(filepath.Join(dir, "out"))
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if string(out) != "hi\n" {
		t.Errorf("output = %q, want %q", out, "hi\n")
	}

	f, err := os.Open(reportPath)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	r, err := report.Read(f)
	if err != nil {
		t.Fatalf("report.Read failed: %v", err)
	}
	if want := (kernel.ExitStatus{Code: 7, State: kernel.StateOK}); r.Status != want {
		t.Errorf("status = %+v, want %+v", r.Status, want)
	}
	if r.Node != "node-7" {
		t.Errorf("node = %q, want %q", r.Node, "node-7")
	}

	var buf bytes.Buffer
	status, _ = execute(t, &Report{stdout: &buf}, conf, "--format", "text", reportPath)
	if status != subcommands.ExitSuccess {
		t.Fatalf("report = %v, want success", status)
	}
	for _, want := range []string{`msg="run finished"`, "exit_code=7", "alias=/dev/out", "put_bytes=3"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report %q does not contain %q", buf.String(), want)
		}
	}
}

func TestRunTrace(t *testing.T) {
	dir, path := setup(t, loadertest.Simple(64).Bytes())
	conf := testConfig(t, dir, nil)
	tracePath := filepath.Join(dir, "trace")

	var buf bytes.Buffer
	status, code := execute(t, &Run{stdout: &buf}, conf, "--trace", tracePath, path)
	if status != subcommands.ExitSuccess || code != 0 {
		t.Fatalf("run = %v, code %d, want success", status, code)
	}
	trace, err := os.ReadFile(tracePath)
	if err != nil {
		t.Fatalf("reading trace: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(trace)), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d trace lines, want 3:\n%s", len(lines), trace)
	}
	if !strings.HasSuffix(lines[0], "trace started") {
		t.Errorf("header = %q", lines[0])
	}
	for i, want := range []string{"]: write(0, ", "]: exit(7) = 0"} {
		if !strings.Contains(lines[i+1], want) {
			t.Errorf("line %q does not contain %q", lines[i+1], want)
		}
	}
	if !strings.HasSuffix(lines[1], ", 3, 0) = 3") {
		t.Errorf("write record = %q, want result 3", lines[1])
	}
	for _, want := range []string{"user_cpu=", "max_rss="} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("report %q does not contain %q", buf.String(), want)
		}
	}
}

func TestRunFailures(t *testing.T) {
	for _, test := range []struct {
		name    string
		program []byte
		flags   map[string]string
		argv    func(dir, path string) []string
		status  subcommands.ExitStatus
		code    int
	}{
		{
			name:    "no manifest",
			program: loadertest.Simple(64).Bytes(),
			argv:    func(string, string) []string { return nil },
			status:  subcommands.ExitUsageError,
		},
		{
			name:    "missing manifest",
			program: loadertest.Simple(64).Bytes(),
			argv:    func(dir, _ string) []string { return []string{filepath.Join(dir, "none.toml")} },
			status:  subcommands.ExitFailure,
			code:    sandbox.ExitManifest,
		},
		{
			name:    "manifest extension",
			program: loadertest.Simple(64).Bytes(),
			argv:    func(dir, _ string) []string { return []string{filepath.Join(dir, "script.txt")} },
			status:  subcommands.ExitFailure,
			code:    sandbox.ExitManifest,
		},
		{
			name:    "bad program",
			program: make([]byte, 128),
			argv:    func(_, path string) []string { return []string{path} },
			status:  subcommands.ExitFailure,
			code:    sandbox.ExitLoad,
		},
		{
			name:    "no script",
			program: loadertest.Simple(64).Bytes(),
			flags:   map[string]string{"replay-script": ""},
			argv:    func(_, path string) []string { return []string{path} },
			status:  subcommands.ExitFailure,
			code:    sandbox.ExitUsage,
		},
	} {
		t.Run(test.name, func(t *testing.T) {
			dir, path := setup(t, test.program)
			var buf bytes.Buffer
			status, code := execute(t, &Run{stdout: &buf}, testConfig(t, dir, test.flags), test.argv(dir, path)...)
			if status != test.status || code != test.code {
				t.Errorf("run = %v, code %d, want %v, code %d", status, code, test.status, test.code)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	dir, path := setup(t, loadertest.Simple(64).Bytes())
	var buf bytes.Buffer
	status, code := execute(t, &Validate{stdout: &buf}, testConfig(t, dir, nil), path)
	if status != subcommands.ExitSuccess || code != 0 {
		t.Fatalf("validate = %v, code %d, want success", status, code)
	}
	for _, want := range []string{"trampoline", "0x10000", "text", "0x20000", "heap", "0x30000", "stack", "0xef0000", "0xff0000"} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("layout does not contain %q:\n%s", want, buf.String())
		}
	}
	if strings.Contains(buf.String(), "rodata") {
		t.Errorf("layout shows an absent rodata segment:\n%s", buf.String())
	}
	if _, err := os.Stat(filepath.Join(dir, "out")); !os.IsNotExist(err) {
		t.Errorf("validate opened channels: %v", err)
	}
}

func TestManifest(t *testing.T) {
	dir, path := setup(t, loadertest.Simple(64).Bytes())
	for _, format := range []manifest.Format{manifest.YAML, manifest.TOML} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			status, _ := execute(t, &Manifest{stdout: &buf}, testConfig(t, dir, nil), "--format", string(format), path)
			if status != subcommands.ExitSuccess {
				t.Fatalf("manifest = %v, want success", status)
			}
			m, err := manifest.Parse(buf.Bytes(), format)
			if err != nil {
				t.Fatalf("Parse(%s) failed: %v\n%s", format, err, buf.String())
			}
			// Defaults are filled in.
			if m.Channels[0].Alias != "/dev/out" || m.AddressBits != 24 || m.Node != "node-7" {
				t.Errorf("unexpected manifest: %+v", m)
			}
		})
	}

	status, _ := execute(t, new(Manifest), testConfig(t, dir, nil), "--format", "json", path)
	if status != subcommands.ExitUsageError {
		t.Errorf("manifest --format=json = %v, want usage error", status)
	}
}

func TestPlatforms(t *testing.T) {
	var buf bytes.Buffer
	if status, _ := execute(t, &Platforms{stdout: &buf}, nil); status != subcommands.ExitSuccess {
		t.Fatalf("platforms = %v", status)
	}
	if !strings.Contains(buf.String(), "replay\n") {
		t.Errorf("platforms = %q, want replay listed", buf.String())
	}
}
