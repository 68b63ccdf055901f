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

// Package hostarch describes the sandbox address space geometry: addresses,
// page sizes and access permissions.
package hostarch

import "fmt"

const (
	// PageShift is the binary log of the page size used for VMMap
	// bookkeeping.
	PageShift = 12

	// PageSize is the page size used for VMMap bookkeeping.
	PageSize = 1 << PageShift

	// AllocPageShift is the binary log of the allocation granule. All
	// segment boundaries visible to the sandboxed program are aligned to
	// it.
	AllocPageShift = 16

	// AllocPageSize is the allocation granule.
	AllocPageSize = 1 << AllocPageShift

	// PagesPerAllocPage is the number of bookkeeping pages in one
	// allocation granule.
	PagesPerAllocPage = AllocPageSize / PageSize
)

// Addr represents an address in the sandboxed program's address space.
//
// Values of type Addr are untrusted until they have been checked by a
// usermem.Translator.
type Addr uint64

// String implements fmt.Stringer.String.
func (v Addr) String() string {
	return fmt.Sprintf("%#x", uint64(v))
}

// RoundDown returns the address rounded down to the nearest page boundary.
func (v Addr) RoundDown() Addr {
	return v & ^Addr(PageSize-1)
}

// RoundUp returns the address rounded up to the nearest page boundary. ok is
// true iff rounding up did not wrap around.
func (v Addr) RoundUp() (addr Addr, ok bool) {
	addr = Addr(v + PageSize - 1).RoundDown()
	ok = addr >= v
	return
}

// MustRoundUp is equivalent to RoundUp, but panics if rounding up wraps
// around.
func (v Addr) MustRoundUp() Addr {
	addr, ok := v.RoundUp()
	if !ok {
		panic(fmt.Sprintf("hostarch.Addr(%#x).RoundUp() wraps", v))
	}
	return addr
}

// PageOffset returns the offset of v into the current page.
func (v Addr) PageOffset() uint64 {
	return uint64(v & Addr(PageSize-1))
}

// IsPageAligned returns true if v.PageOffset() == 0.
func (v Addr) IsPageAligned() bool {
	return v.PageOffset() == 0
}

// IsAligned returns true if v is a multiple of align, which must be a power
// of two.
func (v Addr) IsAligned(align uint64) bool {
	return uint64(v)&(align-1) == 0
}

// PageNumber returns the number of the page containing v.
func (v Addr) PageNumber() uint64 {
	return uint64(v) >> PageShift
}

// AddLength adds the given length to start and returns the result. ok is true
// iff adding the length did not overflow.
func (v Addr) AddLength(length uint64) (end Addr, ok bool) {
	end = v + Addr(length)
	ok = end >= v
	return
}

// ToRange returns [v, v+length).
func (v Addr) ToRange(length uint64) (AddrRange, bool) {
	end, ok := v.AddLength(length)
	return AddrRange{v, end}, ok
}

// PageAddr returns the address of the first byte of page number pn.
func PageAddr(pn uint64) Addr {
	return Addr(pn << PageShift)
}

// PagesFor returns the number of pages needed to hold length bytes.
func PagesFor(length uint64) uint64 {
	return (length + PageSize - 1) >> PageShift
}
