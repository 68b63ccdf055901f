// Copyright 2021 The gVisor Authors.
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

//go:build arm64 || amd64
// +build arm64 amd64

package hostarch

// AllocRoundDown returns the address rounded down to the nearest allocation
// page boundary.
func (v Addr) AllocRoundDown() Addr {
	return v & ^Addr(AllocPageSize-1)
}

// AllocRoundUp returns the address rounded up to the nearest allocation page
// boundary. ok is true iff rounding up did not wrap around.
func (v Addr) AllocRoundUp() (addr Addr, ok bool) {
	addr = Addr(v + AllocPageSize - 1).AllocRoundDown()
	ok = addr >= v
	return
}

// IsAllocAligned returns true if v is on an allocation page boundary.
func (v Addr) IsAllocAligned() bool {
	return v&Addr(AllocPageSize-1) == 0
}
