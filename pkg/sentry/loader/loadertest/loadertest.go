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

// Package loadertest builds ELF executables for tests.
package loadertest

import (
	"bytes"
	"debug/elf"
	"encoding/binary"

	"zerovm.dev/zvm/pkg/abi/zvm"
)

const (
	headerSize     = 64
	progHeaderSize = 56
	segmentAlign   = 1 << 16
)

// Segment is one program header and its file contents. Filesz is
// len(Data).
type Segment struct {
	Type  elf.ProgType
	Flags elf.ProgFlag
	Vaddr uint64
	Memsz uint64
	Data  []byte
}

// Text returns a text segment holding code at the fixed text address.
func Text(code []byte) Segment {
	return Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_X, Vaddr: zvm.TrampolineEnd, Memsz: uint64(len(code)), Data: code}
}

// Nops returns a text segment of n nop instructions.
func Nops(n int) Segment {
	return Text(bytes.Repeat([]byte{0x90}, n))
}

// Rodata returns a read-only data segment.
func Rodata(vaddr uint64, data []byte) Segment {
	return Segment{Type: elf.PT_LOAD, Flags: elf.PF_R, Vaddr: vaddr, Memsz: uint64(len(data)), Data: data}
}

// Data returns a data segment with memsz bytes of memory, the first
// len(data) of them initialized.
func Data(vaddr uint64, data []byte, memsz uint64) Segment {
	return Segment{Type: elf.PT_LOAD, Flags: elf.PF_R | elf.PF_W, Vaddr: vaddr, Memsz: memsz, Data: data}
}

// Image describes an executable.
type Image struct {
	Entry    uint64
	Segments []Segment

	// Mutate, if set, edits the header before it is encoded.
	Mutate func(h *elf.Header64)
}

// Simple returns an image with n bytes of nops as text, entered at the
// start of the text.
func Simple(n int) Image {
	return Image{Entry: zvm.TrampolineEnd, Segments: []Segment{Nops(n)}}
}

// Bytes encodes the image. Segment contents follow the program header table
// in order.
func (img Image) Bytes() []byte {
	hdr := elf.Header64{
		Type:      uint16(elf.ET_EXEC),
		Machine:   uint16(elf.EM_X86_64),
		Version:   uint32(elf.EV_CURRENT),
		Entry:     img.Entry,
		Phoff:     headerSize,
		Ehsize:    headerSize,
		Phentsize: progHeaderSize,
		Phnum:     uint16(len(img.Segments)),
	}
	copy(hdr.Ident[:], elf.ELFMAG)
	hdr.Ident[elf.EI_CLASS] = byte(elf.ELFCLASS64)
	hdr.Ident[elf.EI_DATA] = byte(elf.ELFDATA2LSB)
	hdr.Ident[elf.EI_VERSION] = byte(elf.EV_CURRENT)
	if img.Mutate != nil {
		img.Mutate(&hdr)
	}

	off := uint64(headerSize + progHeaderSize*len(img.Segments))
	phdrs := make([]elf.Prog64, len(img.Segments))
	for i, s := range img.Segments {
		phdrs[i] = elf.Prog64{
			Type:   uint32(s.Type),
			Flags:  uint32(s.Flags),
			Off:    off,
			Vaddr:  s.Vaddr,
			Paddr:  s.Vaddr,
			Filesz: uint64(len(s.Data)),
			Memsz:  s.Memsz,
			Align:  segmentAlign,
		}
		off += uint64(len(s.Data))
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, &hdr)
	binary.Write(&buf, binary.LittleEndian, phdrs)
	for _, s := range img.Segments {
		buf.Write(s.Data)
	}
	return buf.Bytes()
}
