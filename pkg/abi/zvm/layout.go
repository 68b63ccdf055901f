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

// Package zvm contains the definitions shared between the trusted runtime and
// the sandboxed program: the fixed memory layout, trap operation codes and
// channel descriptors.
package zvm

const (
	// TrampolineStart is the address of the first trampoline slot. The page
	// range below it is the null guard and is never mapped.
	TrampolineStart = 0x10000

	// TrampolineEnd is the end of the trampoline region. The text segment
	// of every accepted image starts here.
	TrampolineEnd = 0x20000

	// TrapGateAddr is the single address through which the sandboxed
	// program may request a privileged operation.
	TrapGateAddr = TrampolineStart

	// BundleSize is the instruction bundle size. Indirect control
	// transfer targets must be aligned to it.
	BundleSize = 32

	// HaltSledSize is the minimal number of halt bytes placed after the
	// static text when no dynamic text region follows it.
	HaltSledSize = 32

	// HaltOpcode is the x86 HLT instruction.
	HaltOpcode = 0xf4

	// MaxAddrBits is the widest supported sandbox address space.
	MaxAddrBits = 32

	// MaxProgramHeaders bounds the program header table of an image.
	MaxProgramHeaders = 128

	// DefaultStackSize is used when the manifest does not set one.
	DefaultStackSize = 16 << 20

	// TrapArgWords is the number of 64-bit words in a trap argument
	// vector: the operation code followed by four arguments.
	TrapArgWords = 5

	// TrapArgSize is the size in bytes of a trap argument vector.
	TrapArgSize = TrapArgWords * 8
)
