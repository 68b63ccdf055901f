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

package zvm

import (
	"encoding/binary"
	"fmt"
)

// Op is a trap operation code, the first word of a trap argument vector.
type Op uint64

// Trap operations.
const (
	OpRead Op = iota + 1
	OpWrite
	OpExit
	OpSyscallback
	OpChannels
	OpChannelName
	OpSyscallCount
	OpSyscallLimit
	OpHeapPtr
	OpMemSize
	OpBrk
)

var opNames = map[Op]string{
	OpRead:         "read",
	OpWrite:        "write",
	OpExit:         "exit",
	OpSyscallback:  "syscallback",
	OpChannels:     "channels",
	OpChannelName:  "channel_name",
	OpSyscallCount: "syscall_count",
	OpSyscallLimit: "syscall_limit",
	OpHeapPtr:      "heap_ptr",
	OpMemSize:      "mem_size",
	OpBrk:          "brk",
}

// String implements fmt.Stringer.String.
func (o Op) String() string {
	if s, ok := opNames[o]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint64(o))
}

// ParseOp returns the operation with the given name.
func ParseOp(name string) (Op, bool) {
	for op, n := range opNames {
		if n == name {
			return op, true
		}
	}
	return 0, false
}

// TrapArgs is a decoded trap argument vector.
type TrapArgs struct {
	Op   Op
	Args [TrapArgWords - 1]uint64
}

// SizeBytes returns the size of a trap argument vector.
func (*TrapArgs) SizeBytes() int {
	return TrapArgSize
}

// MarshalBytes encodes a into dst and returns the remainder of dst.
func (a *TrapArgs) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint64(dst[0:], uint64(a.Op))
	for i, w := range a.Args {
		binary.LittleEndian.PutUint64(dst[8+8*i:], w)
	}
	return dst[TrapArgSize:]
}

// UnmarshalBytes decodes a from src and returns the remainder of src.
func (a *TrapArgs) UnmarshalBytes(src []byte) []byte {
	a.Op = Op(binary.LittleEndian.Uint64(src[0:]))
	for i := range a.Args {
		a.Args[i] = binary.LittleEndian.Uint64(src[8+8*i:])
	}
	return src[TrapArgSize:]
}
