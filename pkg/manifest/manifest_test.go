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

package manifest

import (
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/zeebo/blake3"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/sentry/channel"
	"zerovm.dev/zvm/pkg/sentry/limits"
)

const tomlManifest = `
version = "20130611"
program = "hello.nexe"
memory = 268435456
syscalls = 100
timeout = "10s"
node = "node-1"
args = ["hello", "world"]
env = { LANG = "C" }

[[channel]]
path = "/dev/stdin"
type = 4
limits = [1000, 1048576, 0, 0]

[[channel]]
path = "out.log"
alias = "/dev/log"
type = 0
limits = [0, 0, 1000, 4096]
`

const yamlManifest = `
version: "20130611"
program: hello.nexe
memory: 268435456
syscalls: 100
timeout: 10s
node: node-1
args: [hello, world]
env:
  LANG: C
channel:
  - path: /dev/stdin
    type: 4
    limits: [1000, 1048576, 0, 0]
  - path: out.log
    alias: /dev/log
    type: 0
    limits: [0, 0, 1000, 4096]
`

func wantManifest() *Manifest {
	return &Manifest{
		Version:     Version,
		Program:     "hello.nexe",
		Memory:      256 << 20,
		Syscalls:    100,
		Timeout:     Duration{10 * time.Second},
		AddressBits: zvm.MaxAddrBits,
		Stack:       zvm.DefaultStackSize,
		Node:        "node-1",
		Args:        []string{"hello", "world"},
		Env:         map[string]string{"LANG": "C"},
		Channels: []Channel{
			{Path: "/dev/stdin", Alias: "/dev/stdin", Type: 4, Limits: [4]int64{1000, 1 << 20, 0, 0}},
			{Path: "out.log", Alias: "/dev/log", Type: 0, Limits: [4]int64{0, 0, 1000, 4096}},
		},
	}
}

func TestParse(t *testing.T) {
	for _, test := range []struct {
		format Format
		data   string
	}{
		{TOML, tomlManifest},
		{YAML, yamlManifest},
	} {
		t.Run(string(test.format), func(t *testing.T) {
			m, err := Parse([]byte(test.data), test.format)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if diff := cmp.Diff(wantManifest(), m); diff != "" {
				t.Errorf("manifest mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	for name, data := range map[string]string{
		"m.toml": tomlManifest,
		"m.yaml": yamlManifest,
		"m.YML":  yamlManifest,
	} {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
			t.Fatal(err)
		}
		m, err := Load(path)
		if err != nil {
			t.Errorf("Load(%s) failed: %v", name, err)
			continue
		}
		if diff := cmp.Diff(wantManifest(), m); diff != "" {
			t.Errorf("Load(%s) mismatch (-want +got):\n%s", name, diff)
		}
	}

	path := filepath.Join(dir, "m.json")
	if err := os.WriteFile(path, []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Errorf("Load(m.json) = %v, want %v", err, ErrInvalid)
	}
	if _, err := Load(filepath.Join(dir, "missing.toml")); !errors.Is(err, ErrInvalid) || !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing.toml) = %v, want %v wrapping a read error", err, ErrInvalid)
	}
}

func TestParseInvalid(t *testing.T) {
	for _, test := range []struct {
		name string
		edit func(s string) string
	}{
		{"version", func(s string) string { return strings.Replace(s, "20130611", "20120101", 1) }},
		{"no program", func(s string) string { return strings.Replace(s, `program = "hello.nexe"`, "", 1) }},
		{"short timeout", func(s string) string { return strings.Replace(s, `"10s"`, `"10ms"`, 1) }},
		{"bad timeout", func(s string) string { return strings.Replace(s, `"10s"`, `"soon"`, 1) }},
		{"unknown key", func(s string) string { return s + "\ncolor = 1\n" }},
		{"address bits", func(s string) string { return "address_bits = 48\n" + s }},
		{"small address space", func(s string) string { return "address_bits = 16\n" + s }},
		{"stack", func(s string) string { return "address_bits = 20\nstack = 1048576\n" + s }},
		{"env", func(s string) string { return strings.Replace(s, "LANG", `"A=B"`, 1) }},
		{"etag", func(s string) string { return `program_etag = "xyz"` + "\n" + s }},
		{"stdin writable", func(s string) string { return strings.Replace(s, "[1000, 1048576, 0, 0]", "[1000, 1048576, 1, 1]", 1) }},
		{"bad type", func(s string) string { return strings.Replace(s, "type = 0", "type = 9", 1) }},
		{"duplicate alias", func(s string) string { return strings.Replace(s, `"/dev/log"`, `"/dev/stdin"`, 1) }},
		{"limits length", func(s string) string { return strings.Replace(s, "[0, 0, 1000, 4096]", "[0, 0, 1000]", 1) }},
		{"syntax", func(s string) string { return s + "\n[[channel\n" }},
	} {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Parse([]byte(test.edit(tomlManifest)), TOML); !errors.Is(err, ErrInvalid) {
				t.Errorf("Parse = %v, want %v", err, ErrInvalid)
			}
		})
	}

	if _, err := Parse([]byte("version: \"20130611\"\nprogam: x\n"), YAML); !errors.Is(err, ErrInvalid) {
		t.Errorf("Parse of YAML with a misspelled key = %v, want %v", err, ErrInvalid)
	}
}

func TestLimits(t *testing.T) {
	m := wantManifest()
	ls := m.Limits()
	for _, test := range []struct {
		lt   limits.LimitType
		want limits.Limit
	}{
		{limits.Memory, limits.Fixed(256 << 20)},
		{limits.Syscalls, limits.Fixed(100)},
		{limits.Stack, limits.Fixed(zvm.DefaultStackSize)},
		{limits.AddressBits, limits.Fixed(zvm.MaxAddrBits)},
		{limits.WallTime, limits.Fixed(uint64(10 * time.Second))},
	} {
		if got := ls.Get(test.lt); got != test.want {
			t.Errorf("Get(%v) = %+v, want %+v", test.lt, got, test.want)
		}
	}

	m.Memory = 0
	if got := m.Limits().Get(limits.Memory); !got.Unlimited() {
		t.Errorf("memory limit of 0 = %+v, want unlimited", got)
	}
}

func TestChannelSpecs(t *testing.T) {
	want := []channel.Spec{
		{Alias: "/dev/stdin", Path: "/dev/stdin", Type: zvm.Stdin, Limits: zvm.Limits{1000, 1 << 20, 0, 0}},
		{Alias: "/dev/log", Path: "out.log", Type: zvm.SGetSPut, Limits: zvm.Limits{0, 0, 1000, 4096}},
	}
	if diff := cmp.Diff(want, wantManifest().ChannelSpecs()); diff != "" {
		t.Errorf("ChannelSpecs mismatch (-want +got):\n%s", diff)
	}
}

func TestSnapshot(t *testing.T) {
	m := wantManifest()
	snap := m.Snapshot()
	m.Channels[0].Limits[0] = 1
	m.Env["LANG"] = "en_US"
	m.Args[0] = "bye"
	if diff := cmp.Diff(wantManifest(), snap); diff != "" {
		t.Errorf("snapshot changed with the original (-want +got):\n%s", diff)
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	for _, format := range []Format{TOML, YAML} {
		data, err := wantManifest().Marshal(format)
		if err != nil {
			t.Fatalf("Marshal(%s) failed: %v", format, err)
		}
		m, err := Parse(data, format)
		if err != nil {
			t.Fatalf("Parse of marshalled %s failed: %v\n%s", format, err, data)
		}
		if diff := cmp.Diff(wantManifest(), m); diff != "" {
			t.Errorf("%s round trip mismatch (-want +got):\n%s", format, diff)
		}
	}
}

func TestCheckProgram(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prog")
	data := []byte("program bytes")
	if err := os.WriteFile(path, data, 0o755); err != nil {
		t.Fatal(err)
	}
	sum := blake3.Sum256(data)
	etag := hex.EncodeToString(sum[:])

	for _, test := range []struct {
		name    string
		max     int64
		etag    string
		invalid bool
	}{
		{name: "plain"},
		{name: "fits", max: int64(len(data))},
		{name: "too big", max: int64(len(data)) - 1, invalid: true},
		{name: "etag", etag: etag},
		{name: "etag upper case", etag: strings.ToUpper(etag)},
		{name: "wrong etag", etag: strings.Repeat("0", 64), invalid: true},
	} {
		t.Run(test.name, func(t *testing.T) {
			m := &Manifest{Program: path, ProgramMax: test.max, ProgramEtag: test.etag}
			err := m.CheckProgram()
			if got := errors.Is(err, ErrInvalid); got != test.invalid || (!test.invalid && err != nil) {
				t.Errorf("CheckProgram() = %v, want invalid %t", err, test.invalid)
			}
		})
	}

	m := &Manifest{Program: filepath.Join(t.TempDir(), "missing")}
	if err := m.CheckProgram(); err == nil || errors.Is(err, ErrInvalid) {
		t.Errorf("CheckProgram of a missing file = %v, want an open error", err)
	}
}
