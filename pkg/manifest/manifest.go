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

// Package manifest reads the policy describing one sandboxed run: the
// program, its resource ceilings and its channels.
package manifest

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mohae/deepcopy"
	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/sentry/channel"
	"zerovm.dev/zvm/pkg/sentry/limits"
)

// Version is the manifest version understood by this runtime.
const Version = "20130611"

// ErrInvalid is wrapped by every error caused by the manifest contents.
var ErrInvalid = errors.New("invalid manifest")

// Format is a manifest encoding.
type Format string

// Supported formats.
const (
	TOML Format = "toml"
	YAML Format = "yaml"
)

// FormatFor picks the format from the file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		return TOML, nil
	case ".yaml", ".yml":
		return YAML, nil
	}
	return "", fmt.Errorf("%w: unknown manifest extension %q", ErrInvalid, filepath.Ext(path))
}

// Duration is a time.Duration written as a string such as "10s".
type Duration struct {
	time.Duration
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// Channel declares one channel.
type Channel struct {
	Path  string `toml:"path" yaml:"path"`
	Alias string `toml:"alias,omitempty" yaml:"alias,omitempty"`
	Type  uint32 `toml:"type" yaml:"type"`

	// Limits are gets, get bytes, puts and put bytes.
	Limits [zvm.NumLimits]int64 `toml:"limits" yaml:"limits,flow"`
}

// Manifest is the policy of one run.
type Manifest struct {
	Version string `toml:"version" yaml:"version"`

	Program string `toml:"program" yaml:"program"`
	// ProgramMax bounds the size of the program file. Zero means no bound.
	ProgramMax int64 `toml:"program_max,omitempty" yaml:"program_max,omitempty"`
	// ProgramEtag is the expected blake3 digest of the program, in hex.
	ProgramEtag string `toml:"program_etag,omitempty" yaml:"program_etag,omitempty"`

	// Memory is the memory ceiling in bytes. Zero means the whole address
	// space.
	Memory uint64 `toml:"memory" yaml:"memory"`
	// Syscalls is the syscall ceiling. Zero means unlimited.
	Syscalls    uint64   `toml:"syscalls" yaml:"syscalls"`
	Timeout     Duration `toml:"timeout" yaml:"timeout"`
	AddressBits uint     `toml:"address_bits,omitempty" yaml:"address_bits,omitempty"`
	Stack       uint64   `toml:"stack,omitempty" yaml:"stack,omitempty"`

	Node string            `toml:"node,omitempty" yaml:"node,omitempty"`
	Args []string          `toml:"args,omitempty" yaml:"args,omitempty,flow"`
	Env  map[string]string `toml:"env,omitempty" yaml:"env,omitempty"`

	// Etag enables digests of the bytes moved through every channel.
	Etag bool `toml:"etag,omitempty" yaml:"etag,omitempty"`
	// PreallocateLimit caps the space reserved for log-style output
	// channels. Zero disables preallocation.
	PreallocateLimit int64 `toml:"preallocate_limit,omitempty" yaml:"preallocate_limit,omitempty"`

	Channels []Channel `toml:"channel" yaml:"channel"`
}

// Load reads and validates the manifest at path. The format follows the
// extension.
func Load(path string) (*Manifest, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading manifest: %w", ErrInvalid, err)
	}
	return Parse(data, format)
}

// Parse decodes and validates a manifest. Unknown keys are rejected.
func Parse(data []byte, format Format) (*Manifest, error) {
	var m Manifest
	switch format {
	case TOML:
		md, err := toml.Decode(string(data), &m)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		if keys := md.Undecoded(); len(keys) > 0 {
			return nil, fmt.Errorf("%w: unknown keys %v", ErrInvalid, keys)
		}
	case YAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && err != io.EOF {
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown format %q", ErrInvalid, format)
	}
	m.normalize()
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *Manifest) normalize() {
	if m.AddressBits == 0 {
		m.AddressBits = zvm.MaxAddrBits
	}
	if m.Stack == 0 {
		m.Stack = zvm.DefaultStackSize
	}
	for i := range m.Channels {
		if m.Channels[i].Alias == "" {
			m.Channels[i].Alias = m.Channels[i].Path
		}
	}
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// Validate checks the manifest without touching the host.
func (m *Manifest) Validate() error {
	if m.Version != Version {
		return invalidf("unsupported version %q, want %q", m.Version, Version)
	}
	if m.Program == "" {
		return invalidf("no program")
	}
	if m.Timeout.Duration < time.Second {
		return invalidf("timeout %v is shorter than a second", m.Timeout.Duration)
	}
	if m.AddressBits <= hostarch.AllocPageShift || m.AddressBits > zvm.MaxAddrBits {
		return invalidf("address_bits %d outside (%d, %d]", m.AddressBits, hostarch.AllocPageShift, zvm.MaxAddrBits)
	}
	if m.Stack >= 1<<m.AddressBits {
		return invalidf("stack of %d bytes does not fit a %d bit address space", m.Stack, m.AddressBits)
	}
	if m.ProgramEtag != "" {
		if _, err := hex.DecodeString(m.ProgramEtag); err != nil {
			return invalidf("program_etag: %v", err)
		}
	}
	for k := range m.Env {
		if k == "" || strings.Contains(k, "=") {
			return invalidf("bad environment name %q", k)
		}
	}
	if len(m.Channels) > channel.MaxChannels {
		return invalidf("%d channels, at most %d allowed", len(m.Channels), channel.MaxChannels)
	}
	seen := make(map[string]bool, len(m.Channels))
	for i, spec := range m.ChannelSpecs() {
		if err := spec.Validate(); err != nil {
			return invalidf("channel %d: %v", i, err)
		}
		if seen[spec.Alias] {
			return invalidf("duplicate channel alias %q", spec.Alias)
		}
		seen[spec.Alias] = true
	}
	return nil
}

// CheckProgram verifies the program file against ProgramMax and
// ProgramEtag.
func (m *Manifest) CheckProgram() error {
	f, err := os.Open(m.Program)
	if err != nil {
		return fmt.Errorf("opening program: %w", err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("opening program: %w", err)
	}
	if m.ProgramMax > 0 && st.Size() > m.ProgramMax {
		return invalidf("program %q is %d bytes, at most %d allowed", m.Program, st.Size(), m.ProgramMax)
	}
	if m.ProgramEtag == "" {
		return nil
	}
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("reading program: %w", err)
	}
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, m.ProgramEtag) {
		return invalidf("program %q has etag %s, want %s", m.Program, got, m.ProgramEtag)
	}
	return nil
}

// Limits returns the resource limits of the run.
func (m *Manifest) Limits() *limits.LimitSet {
	ls := limits.NewLimitSet()
	ls.SetUnchecked(limits.Memory, limits.Fixed(m.Memory))
	ls.SetUnchecked(limits.Syscalls, limits.Fixed(m.Syscalls))
	ls.SetUnchecked(limits.Stack, limits.Fixed(m.Stack))
	ls.SetUnchecked(limits.AddressBits, limits.Fixed(uint64(m.AddressBits)))
	ls.SetUnchecked(limits.WallTime, limits.Fixed(uint64(m.Timeout.Duration)))
	return ls
}

// ChannelSpecs returns the channel declarations in manifest order.
func (m *Manifest) ChannelSpecs() []channel.Spec {
	specs := make([]channel.Spec, 0, len(m.Channels))
	for _, c := range m.Channels {
		specs = append(specs, channel.Spec{
			Alias:  c.Alias,
			Path:   c.Path,
			Type:   zvm.AccessType(c.Type),
			Limits: zvm.Limits(c.Limits),
		})
	}
	return specs
}

// ChannelOptions returns the options used to open every channel.
func (m *Manifest) ChannelOptions() channel.Options {
	return channel.Options{Etag: m.Etag, PreallocateLimit: m.PreallocateLimit}
}

// Snapshot returns a deep copy of m, kept unchanged for the final report.
func (m *Manifest) Snapshot() *Manifest {
	return deepcopy.Copy(m).(*Manifest)
}

// Marshal encodes the manifest.
func (m *Manifest) Marshal(format Format) ([]byte, error) {
	switch format {
	case TOML:
		var b bytes.Buffer
		if err := toml.NewEncoder(&b).Encode(m); err != nil {
			return nil, err
		}
		return b.Bytes(), nil
	case YAML:
		return yaml.Marshal(m)
	}
	return nil, fmt.Errorf("unknown format %q", format)
}
