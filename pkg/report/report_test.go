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

package report

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/blake3"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/manifest"
	"zerovm.dev/zvm/pkg/sentry/channel"
	"zerovm.dev/zvm/pkg/sentry/kernel"
	"zerovm.dev/zvm/pkg/sentry/limits"
	"zerovm.dev/zvm/pkg/sentry/loader/loadertest"
)

func testReport() *Report {
	return &Report{
		Node:     "node-1",
		Program:  "hello.nexe",
		Status:   kernel.ExitStatus{Code: 3, State: kernel.StateOK},
		Syscalls: 42,
		Elapsed:  1500 * time.Millisecond,
		Usage:    Usage{UserCPU: 250 * time.Millisecond, SystemCPU: 125 * time.Millisecond, MaxRSS: 8 << 20},
		Channels: []Channel{
			{Alias: "/dev/stdin", Size: 0, Counters: zvm.Limits{2, 100, 0, 0}},
			{Alias: "/dev/out", Size: 5, Counters: zvm.Limits{0, 0, 1, 5}, Etag: "ab12"},
			{Alias: "/dev/b", Size: 7},
		},
	}
}

func TestCollect(t *testing.T) {
	ls := limits.NewLimitSet()
	ls.SetUnchecked(limits.AddressBits, limits.Fixed(24))
	ls.SetUnchecked(limits.Stack, limits.Fixed(1<<20))
	out, err := channel.New(channel.Spec{Alias: "/dev/out", Path: "mem", Type: zvm.SGetSPut, Limits: zvm.Limits{0, 0, 10, 100}},
		channel.NewMemorySource(nil), channel.Options{Etag: true})
	if err != nil {
		t.Fatalf("channel.New failed: %v", err)
	}
	table, err := channel.NewTableFromChannels([]*channel.Channel{out})
	if err != nil {
		t.Fatalf("NewTableFromChannels failed: %v", err)
	}
	p, err := kernel.NewProcess(kernel.ProcessArgs{
		Image:    bytes.NewReader(loadertest.Simple(64).Bytes()),
		Limits:   ls,
		Channels: table,
	})
	if err != nil {
		t.Fatalf("NewProcess failed: %v", err)
	}
	defer p.Release()

	addr := p.Heap().Start
	if _, err := p.AddressSpace().CopyOut(addr, []byte("hello")); err != nil {
		t.Fatalf("CopyOut failed: %v", err)
	}
	if _, err := out.Write(p.AddressSpace(), addr, 5, 0); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	policy := &manifest.Manifest{Node: "node-1", Program: "hello.nexe", Args: []string{"a"}}
	status := kernel.ExitStatus{Code: 0, State: kernel.StateOK}
	r := Collect(p, status, policy, time.Second)

	sum := blake3.Sum256([]byte("hello"))
	want := []Channel{{Alias: "/dev/out", Size: 5, Counters: zvm.Limits{0, 0, 1, 5}, Etag: hex.EncodeToString(sum[:])}}
	if diff := cmp.Diff(want, r.Channels); diff != "" {
		t.Errorf("channels mismatch (-want +got):\n%s", diff)
	}
	if r.Node != "node-1" || r.Program != "hello.nexe" || r.Status != status || r.Elapsed != time.Second {
		t.Errorf("Collect() = %+v", r)
	}
	if r.Policy == policy {
		t.Errorf("Collect kept the live manifest instead of a snapshot")
	}
	policy.Args[0] = "b"
	if r.Policy.Args[0] != "a" {
		t.Errorf("snapshot changed with the manifest")
	}
}

func TestCollectWithoutProcess(t *testing.T) {
	status := kernel.ExitStatus{Code: -1, State: kernel.StateFatal}
	r := Collect(nil, status, nil, 0)
	if r.Status != status || r.Channels != nil || r.Policy != nil {
		t.Errorf("Collect(nil) = %+v", r)
	}
}

func TestPrometheusRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := testReport().Write(&buf, Prometheus); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	for _, want := range []string{
		`zvm_channel_usage_total{alias="/dev/out",budget="put_bytes"} 5`,
		`zvm_cpu_seconds_total{mode="user"} 0.25`,
		`# TYPE zvm_max_rss_bytes gauge`,
	} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("exposition does not contain %q:\n%s", want, buf.String())
		}
	}
	got, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if diff := cmp.Diff(testReport(), got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestCurrentUsage(t *testing.T) {
	start, err := CurrentUsage()
	if err != nil {
		t.Fatalf("CurrentUsage failed: %v", err)
	}
	if start.MaxRSS <= 0 {
		t.Errorf("MaxRSS = %d, want > 0", start.MaxRSS)
	}
	if start.UserCPU < 0 || start.SystemCPU < 0 {
		t.Errorf("negative CPU time: %+v", start)
	}

	u := Usage{UserCPU: start.UserCPU + time.Second, SystemCPU: start.SystemCPU + time.Millisecond, MaxRSS: start.MaxRSS * 2}
	want := Usage{UserCPU: time.Second, SystemCPU: time.Millisecond, MaxRSS: start.MaxRSS * 2}
	if got := u.Since(start); got != want {
		t.Errorf("Since = %+v, want %+v", got, want)
	}
}

func TestReadWithoutRunInfo(t *testing.T) {
	if _, err := Read(strings.NewReader("zvm_exit_code 1\n")); err == nil {
		t.Errorf("Read succeeded without run info")
	}
}

func TestText(t *testing.T) {
	var buf bytes.Buffer
	if err := testReport().Write(&buf, Text); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 4 {
		t.Fatalf("got %d lines, want 4:\n%s", len(lines), buf.String())
	}
	for i, want := range [][]string{
		{`msg="run finished"`, "exit_code=3", "state=ok", "syscalls=42", "elapsed=1.5s", "node=node-1", "user_cpu=250ms", "system_cpu=125ms", "max_rss=8388608"},
		{"msg=channel", "alias=/dev/stdin", "gets=2", "get_bytes=100"},
		{"alias=/dev/out", "put_bytes=5", "etag=ab12"},
		{"alias=/dev/b", "size=7"},
	} {
		for _, w := range want {
			if !strings.Contains(lines[i], w) {
				t.Errorf("line %d %q does not contain %q", i, lines[i], w)
			}
		}
	}
	if strings.Contains(lines[1], "etag") {
		t.Errorf("channel without a digest reports one: %q", lines[1])
	}
}

func TestJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := testReport().Write(&buf, JSON); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	var entries []map[string]any
	s := bufio.NewScanner(&buf)
	for s.Scan() {
		var e map[string]any
		if err := json.Unmarshal(s.Bytes(), &e); err != nil {
			t.Fatalf("bad JSON line %q: %v", s.Text(), err)
		}
		entries = append(entries, e)
	}
	if len(entries) != 4 {
		t.Fatalf("got %d entries, want 4", len(entries))
	}
	if got := entries[0]["exit_code"]; got != float64(3) {
		t.Errorf("exit_code = %v, want 3", got)
	}
	if got := entries[2]["etag"]; got != "ab12" {
		t.Errorf("etag = %v, want ab12", got)
	}
}

func TestParseFormat(t *testing.T) {
	for _, s := range []string{"text", "json", "prometheus"} {
		if f, err := ParseFormat(s); err != nil || string(f) != s {
			t.Errorf("ParseFormat(%q) = %q, %v", s, f, err)
		}
	}
	if _, err := ParseFormat("xml"); err == nil {
		t.Errorf("ParseFormat(xml) succeeded")
	}
}
