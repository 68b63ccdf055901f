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

package mm

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/sentry/usermem"
)

// FaultError is returned by AddressSpace I/O when a sandbox range is not
// mapped with the required access.
type FaultError struct {
	Range  hostarch.AddrRange
	Access hostarch.AccessType
}

// Error implements error.Error.
func (e *FaultError) Error() string {
	return fmt.Sprintf("access %s denied for %v", e.Access, e.Range)
}

// AddressSpace is the host reservation holding the sandbox memory. The whole
// 2^bits byte range is reserved at creation and starts inaccessible. Regions
// become accessible through Map, which records them in the VMMap.
//
// Every byte of sandbox memory is backed by one memfd. Each VMMap region
// holds a MemoryObject referencing its slice of that memfd.
type AddressSpace struct {
	mem     []byte
	tr      usermem.Translator
	backing *Backing
	vmm     VMMap
}

var _ usermem.IO = (*AddressSpace)(nil)

// NewAddressSpace reserves a sandbox address space of 2^bits bytes.
func NewAddressSpace(bits uint) (*AddressSpace, error) {
	if bits < hostarch.AllocPageShift+1 || bits > 47 {
		return nil, fmt.Errorf("unsupported address space width %d", bits)
	}
	size := 1 << bits
	fd, err := unix.MemfdCreate("zvm-memory", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("creating memory file: %w", err)
	}
	backing := NewBacking(fd, "zvm-memory")
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		backing.DecRef()
		return nil, fmt.Errorf("sizing memory file to %#x: %w", size, err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_NONE, unix.MAP_SHARED|unix.MAP_NORESERVE)
	if err != nil {
		backing.DecRef()
		return nil, fmt.Errorf("reserving %#x bytes: %w", size, err)
	}
	as := &AddressSpace{
		mem:     mem,
		backing: backing,
		tr: usermem.Translator{
			Base: uintptr(unsafe.Pointer(&mem[0])),
			Bits: bits,
		},
	}
	log.Debugf("Reserved sandbox address space at %#x, %d bits", as.tr.Base, bits)
	return as, nil
}

// Translator returns the translator for this address space.
func (as *AddressSpace) Translator() usermem.Translator {
	return as.tr
}

// VMMap returns the map of regions. Callers must not mutate it directly;
// use Map, Protect and Unmap so that host protections stay in sync.
func (as *AddressSpace) VMMap() *VMMap {
	return &as.vmm
}

// Size returns the size of the address space in bytes.
func (as *AddressSpace) Size() uint64 {
	return as.tr.Limit()
}

func (as *AddressSpace) pageRange(pageNum, npages uint64) (hostarch.AddrRange, error) {
	ar := hostarch.AddrRange{Start: hostarch.PageAddr(pageNum), End: hostarch.PageAddr(pageNum + npages)}
	if npages == 0 || pageNum+npages < pageNum || uint64(ar.End) > as.Size() {
		return hostarch.AddrRange{}, fmt.Errorf("page range %d+%d outside address space", pageNum, npages)
	}
	return ar, nil
}

// Map makes [pageNum, pageNum+npages) accessible with the given access and
// records it in the VMMap, replacing whatever was mapped there.
func (as *AddressSpace) Map(pageNum, npages uint64, at hostarch.AccessType) error {
	ar, err := as.pageRange(pageNum, npages)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(as.mem[ar.Start:ar.End], at.Prot()); err != nil {
		return fmt.Errorf("mprotect %v %s: %w", ar, at, err)
	}
	as.vmm.Update(pageNum, npages, at, NewMemoryObject(as.backing, uint64(ar.Start), ar.Length()))
	return nil
}

// Protect changes the access of a mapped range.
func (as *AddressSpace) Protect(pageNum, npages uint64, at hostarch.AccessType) error {
	ar, err := as.pageRange(pageNum, npages)
	if err != nil {
		return err
	}
	if !as.vmm.CheckAccess(ar, hostarch.NoAccess) {
		return fmt.Errorf("protect of unmapped range %v", ar)
	}
	return as.Map(pageNum, npages, at)
}

// Unmap makes [pageNum, pageNum+npages) inaccessible and drops it from the
// VMMap. The contents are discarded.
func (as *AddressSpace) Unmap(pageNum, npages uint64) error {
	ar, err := as.pageRange(pageNum, npages)
	if err != nil {
		return err
	}
	if err := unix.Mprotect(as.mem[ar.Start:ar.End], unix.PROT_NONE); err != nil {
		return fmt.Errorf("mprotect %v: %w", ar, err)
	}
	if err := unix.Fallocate(as.backing.FD(), unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE, int64(ar.Start), int64(ar.Length())); err != nil {
		log.Debugf("Punching hole at %v: %v", ar, err)
	}
	as.vmm.Remove(pageNum, npages)
	return nil
}

// Bytes returns the host memory of [addr, addr+length) after translating the
// range and checking that it is mapped with access at. The slice aliases
// sandbox memory.
func (as *AddressSpace) Bytes(addr hostarch.Addr, length uint64, at hostarch.AccessType) ([]byte, error) {
	sys, err := as.tr.UserToSysRange(addr, length)
	if err != nil {
		return nil, err
	}
	ar := hostarch.AddrRange{Start: addr, End: addr + hostarch.Addr(length)}
	if !as.vmm.CheckAccess(ar, at) {
		return nil, &FaultError{Range: ar, Access: at}
	}
	off := sys - as.tr.Base
	return as.mem[off : off+uintptr(length) : off+uintptr(length)], nil
}

// CopyOut implements usermem.IO.CopyOut.
func (as *AddressSpace) CopyOut(addr hostarch.Addr, src []byte) (int, error) {
	if len(src) == 0 {
		return 0, nil
	}
	dst, err := as.Bytes(addr, uint64(len(src)), hostarch.Write)
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}

// CopyIn implements usermem.IO.CopyIn.
func (as *AddressSpace) CopyIn(addr hostarch.Addr, dst []byte) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	src, err := as.Bytes(addr, uint64(len(dst)), hostarch.Read)
	if err != nil {
		return 0, err
	}
	return copy(dst, src), nil
}

// ZeroOut implements usermem.IO.ZeroOut.
func (as *AddressSpace) ZeroOut(addr hostarch.Addr, toZero uint64) (uint64, error) {
	if toZero == 0 {
		return 0, nil
	}
	dst, err := as.Bytes(addr, toZero, hostarch.Write)
	if err != nil {
		return 0, err
	}
	clear(dst)
	return toZero, nil
}

// Release unmaps the address space and drops all references on the backing.
func (as *AddressSpace) Release() {
	if as.mem == nil {
		return
	}
	as.vmm.Release()
	if err := unix.Munmap(as.mem); err != nil {
		log.Warningf("Unmapping sandbox memory: %v", err)
	}
	as.mem = nil
	as.backing.DecRef()
}
