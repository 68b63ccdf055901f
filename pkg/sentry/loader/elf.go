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

package loader

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"io"

	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
)

const (
	elfHeaderSize  = 64
	progHeaderSize = 56
)

// segmentAction is the treatment of a program header class.
type segmentAction int

const (
	actionIgnore segmentAction = iota
	// actionNone checks the header like a loaded segment but loads nothing.
	actionNone
	actionText
	actionRodata
	actionData
)

// phdrCheck is one entry of the program header allow-list.
type phdrCheck struct {
	typ      elf.ProgType
	flags    elf.ProgFlag
	action   segmentAction
	required bool
	// vaddr is the fixed load address of the class, or zero.
	vaddr uint64
}

// phdrChecks is the allow-list. A program header must match exactly one entry
// by type and flags, and each entry may be matched at most once.
var phdrChecks = []phdrCheck{
	{typ: elf.PT_PHDR, flags: elf.PF_R, action: actionIgnore},
	{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_X, action: actionText, required: true, vaddr: zvm.TrampolineEnd},
	{typ: elf.PT_LOAD, flags: elf.PF_R, action: actionRodata},
	{typ: elf.PT_LOAD, flags: elf.PF_R | elf.PF_W, action: actionData},
	{typ: elf.PT_TLS, flags: elf.PF_R, action: actionIgnore},
	// The stack marker is accepted only when it asks for a non-executable
	// stack.
	{typ: elf.PT_GNU_STACK, flags: elf.PF_R | elf.PF_W, action: actionNone},
	{typ: elf.PT_DYNAMIC, flags: elf.PF_R, action: actionIgnore},
	{typ: elf.PT_INTERP, flags: elf.PF_R, action: actionIgnore},
	{typ: elf.PT_NOTE, flags: elf.PF_R, action: actionIgnore},
	{typ: elf.PT_GNU_EH_FRAME, flags: elf.PF_R, action: actionIgnore},
	{typ: elf.PT_GNU_RELRO, flags: elf.PF_R, action: actionIgnore},
	{typ: elf.PT_NULL, flags: elf.PF_R, action: actionIgnore},
}

// Image is a parsed ELF executable. It is only used while loading.
type Image struct {
	Header elf.Header64
	Phdrs  []elf.Prog64

	// loadable marks the program headers that will be copied into sandbox
	// memory.
	loadable []bool
}

// Segments holds the segment bounds found by ValidateProgramHeaders. A zero
// start means the segment is absent.
type Segments struct {
	StaticTextEnd hostarch.Addr
	RodataStart   hostarch.Addr
	RodataEnd     hostarch.Addr
	DataStart     hostarch.Addr
	DataEnd       hostarch.Addr
	MaxVAddr      hostarch.Addr
}

// ReadImage reads the ELF header and program header table from r and checks
// the header.
func ReadImage(r io.ReaderAt) (*Image, error) {
	var img Image
	hdrBuf := make([]byte, elfHeaderSize)
	if err := readFullAt(r, hdrBuf, 0); err != nil {
		return nil, &Error{Code: LoadReadError, Detail: "reading ELF header", Err: err}
	}
	if err := binary.Read(bytes.NewReader(hdrBuf), binary.LittleEndian, &img.Header); err != nil {
		return nil, &Error{Code: LoadReadError, Detail: "decoding ELF header", Err: err}
	}
	if err := img.validateHeader(); err != nil {
		return nil, err
	}

	phnum := int(img.Header.Phnum)
	if phnum > zvm.MaxProgramHeaders {
		return nil, newError(LoadTooManyProgramHeaders, "%d program headers, at most %d allowed", phnum, zvm.MaxProgramHeaders)
	}
	if img.Header.Phentsize < progHeaderSize {
		return nil, newError(LoadProgramHeaderSizeTooSmall, "program header size %d, want at least %d", img.Header.Phentsize, progHeaderSize)
	}

	img.Phdrs = make([]elf.Prog64, phnum)
	img.loadable = make([]bool, phnum)
	phBuf := make([]byte, progHeaderSize)
	for i := range img.Phdrs {
		off := int64(img.Header.Phoff) + int64(i)*int64(img.Header.Phentsize)
		if off < 0 {
			return nil, newError(LoadReadError, "program header %d offset overflows", i)
		}
		if err := readFullAt(r, phBuf, off); err != nil {
			return nil, &Error{Code: LoadReadError, Detail: "reading program headers", Err: err}
		}
		if err := binary.Read(bytes.NewReader(phBuf), binary.LittleEndian, &img.Phdrs[i]); err != nil {
			return nil, &Error{Code: LoadReadError, Detail: "decoding program headers", Err: err}
		}
	}
	return &img, nil
}

// readFullAt reads exactly len(buf) bytes at off.
func readFullAt(r io.ReaderAt, buf []byte, off int64) error {
	n, err := r.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (img *Image) validateHeader() error {
	h := &img.Header
	if !bytes.Equal(h.Ident[:elf.EI_CLASS], []byte(elf.ELFMAG)) {
		return newError(LoadBadElfMagic, "bad magic %x", h.Ident[:elf.EI_CLASS])
	}
	if c := elf.Class(h.Ident[elf.EI_CLASS]); c != elf.ELFCLASS64 {
		return newError(LoadNot64Bit, "class %v", c)
	}
	if d := elf.Data(h.Ident[elf.EI_DATA]); d != elf.ELFDATA2LSB {
		return newError(LoadNotLittleEndian, "data encoding %v", d)
	}
	if t := elf.Type(h.Type); t != elf.ET_EXEC {
		return newError(LoadNotExec, "type %v", t)
	}
	if m := elf.Machine(h.Machine); m != elf.EM_X86_64 {
		return newError(LoadBadMachine, "machine %v", m)
	}
	if v := elf.Version(h.Version); v != elf.EV_CURRENT {
		return newError(LoadBadElfVersion, "version %v", v)
	}
	return nil
}

// Entry returns the entry point of the image.
func (img *Image) Entry() hostarch.Addr {
	return hostarch.Addr(img.Header.Entry)
}

// ValidateProgramHeaders classifies every program header against the
// allow-list and returns the bounds of the loadable segments. addrBits is the
// width of the address space the image will be loaded into.
func (img *Image) ValidateProgramHeaders(addrBits uint) (Segments, error) {
	seg := Segments{MaxVAddr: zvm.TrampolineEnd}
	seen := make([]bool, len(phdrChecks))
	limit := uint64(1) << addrBits

	for i := range img.Phdrs {
		p := &img.Phdrs[i]
		typ, flags := elf.ProgType(p.Type), elf.ProgFlag(p.Flags)
		if p.Memsz == 0 {
			log.Debugf("Ignoring empty segment %d (%v)", i, typ)
			continue
		}

		j := 0
		for ; j < len(phdrChecks); j++ {
			if phdrChecks[j].typ == typ && phdrChecks[j].flags == flags {
				break
			}
		}
		if j == len(phdrChecks) {
			return Segments{}, newError(LoadBadSegment, "segment %d has unexpected type %v, flags %v", i, typ, flags)
		}
		if seen[j] {
			return Segments{}, newError(LoadDupSegment, "segment %d is a second %v %v", i, typ, flags)
		}
		seen[j] = true

		check := &phdrChecks[j]
		if check.action == actionIgnore {
			continue
		}

		if check.vaddr != 0 && check.vaddr != p.Vaddr {
			return Segments{}, newError(LoadSegmentBadLoc, "segment %d at %#x, want %#x", i, p.Vaddr, check.vaddr)
		}
		if p.Vaddr < zvm.TrampolineEnd {
			return Segments{}, newError(LoadSegmentOutsideAddrSpace, "segment %d at %#x is below %#x", i, p.Vaddr, zvm.TrampolineEnd)
		}
		end := p.Vaddr + p.Memsz
		if end < p.Vaddr {
			return Segments{}, newError(LoadSegmentOutsideAddrSpace, "segment %d: memory size %#x overflows", i, p.Memsz)
		}
		if end >= limit {
			return Segments{}, newError(LoadSegmentOutsideAddrSpace, "segment %d ends at %#x, beyond %d bits", i, end, addrBits)
		}
		if p.Filesz > p.Memsz {
			return Segments{}, newError(LoadSegmentBadParam, "segment %d: file size %#x larger than memory size %#x", i, p.Filesz, p.Memsz)
		}

		if check.action != actionNone {
			img.loadable[i] = true
		}
		if hostarch.Addr(end) > seg.MaxVAddr {
			seg.MaxVAddr = hostarch.Addr(end)
		}

		switch check.action {
		case actionText:
			seg.StaticTextEnd = hostarch.Addr(zvm.TrampolineEnd + p.Filesz)
		case actionRodata:
			seg.RodataStart = hostarch.Addr(p.Vaddr)
			seg.RodataEnd = hostarch.Addr(end)
		case actionData:
			seg.DataStart = hostarch.Addr(p.Vaddr)
			seg.DataEnd = hostarch.Addr(end)
		}
	}

	for j, check := range phdrChecks {
		if check.required && !seen[j] {
			return Segments{}, newError(LoadRequiredSegMissing, "no %v %v segment", check.typ, check.flags)
		}
	}
	return seg, nil
}
