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

// Package usermem governs access to sandbox memory.
package usermem

import (
	"fmt"

	"zerovm.dev/zvm/pkg/hostarch"
)

// IO provides access to the contents of the sandbox address space.
//
// Every address handed to an IO is untrusted. Implementations must route it
// through a Translator and check the protection of the backing region before
// touching host memory.
type IO interface {
	// CopyOut copies len(src) bytes from src to the memory mapped at addr. It
	// returns the number of bytes copied. If the number of bytes copied is <
	// len(src), it returns a non-nil error explaining why.
	CopyOut(addr hostarch.Addr, src []byte) (int, error)

	// CopyIn copies len(dst) bytes from the memory mapped at addr to dst.
	// It returns the number of bytes copied. If the number of bytes copied is
	// < len(dst), it returns a non-nil error explaining why.
	CopyIn(addr hostarch.Addr, dst []byte) (int, error)

	// ZeroOut sets toZero bytes to 0, starting at addr.
	ZeroOut(addr hostarch.Addr, toZero uint64) (uint64, error)
}

// Marshallable is implemented by fixed layout records exchanged with the
// sandboxed program.
type Marshallable interface {
	SizeBytes() int
	MarshalBytes(dst []byte) []byte
	UnmarshalBytes(src []byte) []byte
}

// CopyObjectOut copies a fixed-size value to sandbox memory at addr.
func CopyObjectOut(uio IO, addr hostarch.Addr, src Marshallable) (int, error) {
	b := make([]byte, src.SizeBytes())
	src.MarshalBytes(b)
	return uio.CopyOut(addr, b)
}

// CopyObjectIn copies a fixed-size value from sandbox memory at addr.
func CopyObjectIn(uio IO, addr hostarch.Addr, dst Marshallable) (int, error) {
	b := make([]byte, dst.SizeBytes())
	n, err := uio.CopyIn(addr, b)
	if err != nil {
		return n, err
	}
	dst.UnmarshalBytes(b)
	return n, nil
}

// CopyObjectsOut copies a slice of records to consecutive addresses starting
// at addr. It stops at the first failure.
func CopyObjectsOut[T Marshallable](uio IO, addr hostarch.Addr, src []T) (int, error) {
	var done int
	for _, v := range src {
		n, err := CopyObjectOut(uio, addr+hostarch.Addr(done), v)
		done += n
		if err != nil {
			return done, err
		}
	}
	return done, nil
}

// CopyStringOut copies s to addr, truncated to maxlen bytes, without a
// terminator.
func CopyStringOut(uio IO, addr hostarch.Addr, s string, maxlen int) (int, error) {
	if maxlen < 0 {
		return 0, fmt.Errorf("negative string length %d", maxlen)
	}
	if len(s) > maxlen {
		s = s[:maxlen]
	}
	return uio.CopyOut(addr, []byte(s))
}

// BytesIO implements IO using a byte slice. Addresses are offsets into Bytes.
// It is used for testing code that manipulates sandbox memory.
type BytesIO struct {
	Bytes []byte
}

func (b *BytesIO) rangeCheck(addr hostarch.Addr, length int) (int, error) {
	if length == 0 {
		return 0, nil
	}
	max := hostarch.Addr(len(b.Bytes))
	if addr >= max {
		return 0, fmt.Errorf("address %v out of range", addr)
	}
	end, ok := addr.AddLength(uint64(length))
	if !ok || end > max {
		return int(max - addr), fmt.Errorf("range at %v of length %d out of range", addr, length)
	}
	return length, nil
}

// CopyOut implements IO.CopyOut.
func (b *BytesIO) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	n, rngErr := b.rangeCheck(addr, len(src))
	if n == 0 {
		return 0, rngErr
	}
	copy(b.Bytes[int(addr):], src[:n])
	return n, rngErr
}

// CopyIn implements IO.CopyIn.
func (b *BytesIO) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	n, rngErr := b.rangeCheck(addr, len(dst))
	if n == 0 {
		return 0, rngErr
	}
	copy(dst[:n], b.Bytes[int(addr):])
	return n, rngErr
}

// ZeroOut implements IO.ZeroOut.
func (b *BytesIO) ZeroOut(addr hostarch.Addr, toZero uint64) (uint64, error) {
	n, rngErr := b.rangeCheck(addr, int(toZero))
	if n == 0 {
		return 0, rngErr
	}
	clear(b.Bytes[int(addr) : int(addr)+n])
	return uint64(n), rngErr
}
