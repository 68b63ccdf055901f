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

package replay

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"
	"zerovm.dev/zvm/pkg/abi/zvm"
)

// Step is one entry into the trap gate.
//
// A step stages Data (or Reserve zero bytes) on the program stack and
// passes its address in argument Buf. After the trap, the result is checked
// against Want and the staged buffer against WantData.
type Step struct {
	// Op names the operation. Code is used when Op is empty.
	Op   string `toml:"op"`
	Code uint64 `toml:"code"`

	Args []int64 `toml:"args"`

	Data    string `toml:"data"`
	Reserve int64  `toml:"reserve"`
	Buf     *int   `toml:"buf"`

	Want     *int64  `toml:"want"`
	WantData *string `toml:"want_data"`

	// PC overrides the entry address. Zero means the trap gate.
	PC uint64 `toml:"pc"`

	// Sleep delays the trap, as a long computation would.
	Sleep time.Duration `toml:"sleep"`

	// Fault stops the program with a fault at PC instead of trapping.
	Fault bool `toml:"fault"`
}

// Script is a recorded program run.
type Script struct {
	Steps []Step `toml:"trap"`
}

// LoadScript reads a TOML script.
func LoadScript(path string) (*Script, error) {
	var s Script
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("reading replay script %q: %w", path, err)
	}
	return finish(&s, md)
}

// ParseScript parses a TOML script.
func ParseScript(data string) (*Script, error) {
	var s Script
	md, err := toml.Decode(data, &s)
	if err != nil {
		return nil, fmt.Errorf("parsing replay script: %w", err)
	}
	return finish(&s, md)
}

func finish(s *Script, md toml.MetaData) (*Script, error) {
	if keys := md.Undecoded(); len(keys) > 0 {
		return nil, fmt.Errorf("unknown replay script keys: %v", keys)
	}
	for i := range s.Steps {
		if err := s.Steps[i].check(); err != nil {
			return nil, fmt.Errorf("step %d: %w", i, err)
		}
	}
	return s, nil
}

func (s *Step) check() error {
	if len(s.Args) > zvm.TrapArgWords-1 {
		return fmt.Errorf("%d arguments, at most %d allowed", len(s.Args), zvm.TrapArgWords-1)
	}
	if s.Op != "" {
		op, ok := zvm.ParseOp(s.Op)
		if !ok {
			return fmt.Errorf("unknown operation %q", s.Op)
		}
		s.Code = uint64(op)
	}
	if s.Buf != nil && (*s.Buf < 0 || *s.Buf >= zvm.TrapArgWords-1) {
		return fmt.Errorf("buffer argument %d out of range", *s.Buf)
	}
	if s.Reserve < 0 {
		return fmt.Errorf("negative reserve %d", s.Reserve)
	}
	return nil
}

func (s *Step) bufLen() uint64 {
	return max(uint64(len(s.Data)), uint64(s.Reserve))
}

// vector returns the argument vector with the buffer argument set to buf.
func (s *Step) vector(buf uint64) zvm.TrapArgs {
	ta := zvm.TrapArgs{Op: zvm.Op(s.Code)}
	for i, a := range s.Args {
		ta.Args[i] = uint64(a)
	}
	if s.Buf != nil {
		ta.Args[*s.Buf] = buf
	}
	return ta
}

func (s *Step) String() string {
	return fmt.Sprintf("%v%v", zvm.Op(s.Code), s.Args)
}
