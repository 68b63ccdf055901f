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

package usermem

import (
	"fmt"

	"zerovm.dev/zvm/pkg/hostarch"
)

// TranslationError is returned when an address supplied by the sandboxed
// program does not denote memory inside the sandbox.
type TranslationError struct {
	Addr   uint64
	Length uint64
	Reason string
}

// Error implements error.Error.
func (e *TranslationError) Error() string {
	if e.Length != 0 {
		return fmt.Sprintf("bad range %#x+%#x: %s", e.Addr, e.Length, e.Reason)
	}
	return fmt.Sprintf("bad address %#x: %s", e.Addr, e.Reason)
}

// Translator converts between sandbox addresses and host addresses. The
// sandbox occupies [Base, Base+2^Bits) in the host.
//
// Translator is a value type; its methods are pure.
type Translator struct {
	// Base is the host address of sandbox address 0.
	Base uintptr

	// Bits is the width of the sandbox address space.
	Bits uint
}

// Limit returns the size of the sandbox address space.
func (t Translator) Limit() uint64 {
	return uint64(1) << t.Bits
}

// UserToSys returns the host address of addr. It fails for the null address
// and for addresses outside the sandbox.
func (t Translator) UserToSys(addr hostarch.Addr) (uintptr, error) {
	if addr == 0 {
		return 0, &TranslationError{Addr: uint64(addr), Reason: "null pointer"}
	}
	return t.UserToSysNullOkay(addr)
}

// UserToSysNullOkay is equivalent to UserToSys, but maps the null address to
// Base. It is used for optional pointers.
func (t Translator) UserToSysNullOkay(addr hostarch.Addr) (uintptr, error) {
	if uint64(addr) >= t.Limit() {
		return 0, &TranslationError{Addr: uint64(addr), Reason: "outside address space"}
	}
	return t.Base + uintptr(addr), nil
}

// SysToUser returns the sandbox address of the host address sys.
func (t Translator) SysToUser(sys uintptr) (hostarch.Addr, error) {
	if sys < t.Base || uint64(sys-t.Base) >= t.Limit() {
		return 0, &TranslationError{Addr: uint64(sys), Reason: "host address outside sandbox"}
	}
	return hostarch.Addr(sys - t.Base), nil
}

// UserToSysRange returns the host address of [addr, addr+length). Every byte
// of the range must be inside the sandbox.
func (t Translator) UserToSysRange(addr hostarch.Addr, length uint64) (uintptr, error) {
	if addr == 0 {
		return 0, &TranslationError{Addr: uint64(addr), Length: length, Reason: "null pointer"}
	}
	end, ok := addr.AddLength(length)
	if !ok {
		return 0, &TranslationError{Addr: uint64(addr), Length: length, Reason: "range overflows"}
	}
	if uint64(end) >= t.Limit() {
		return 0, &TranslationError{Addr: uint64(addr), Length: length, Reason: "range exceeds address space"}
	}
	return t.Base + uintptr(addr), nil
}

// Range returns [addr, addr+length) after validating it as UserToSysRange
// does.
func (t Translator) Range(addr hostarch.Addr, length uint64) (hostarch.AddrRange, error) {
	if _, err := t.UserToSysRange(addr, length); err != nil {
		return hostarch.AddrRange{}, err
	}
	return hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)}, nil
}
