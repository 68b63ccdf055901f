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

// Package loader validates ELF executables and loads them into a sandbox
// address space.
//
// Only static executables with one text segment at a fixed address, an
// optional read-only data segment and an optional data segment, in that
// order, are accepted. Anything else is rejected with a specific ErrorCode.
package loader

import (
	"bytes"
	"io"

	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/sentry/mm"
	"zerovm.dev/zvm/pkg/sentry/validator"
)

// Options configures Load.
type Options struct {
	// Validator approves the program text. If nil, validator.Bundles is
	// used.
	Validator validator.Validator

	// SkipValidation loads the image even if the validator rejects it.
	// It exists for debugging only.
	SkipValidation bool
}

type region struct {
	start, end hostarch.Addr
	prot       hostarch.AccessType
}

// Load validates the ELF executable in r, copies it into as, installs the
// trampoline and the halt padding, has the text approved by the validator and
// applies the final protections.
//
// On failure the address space may be partially populated; the caller is
// expected to release it.
func Load(as *mm.AddressSpace, r io.ReaderAt, opts Options) (*Layout, error) {
	img, err := ReadImage(r)
	if err != nil {
		return nil, err
	}
	l, err := NewLayout(img, as.Translator().Bits)
	if err != nil {
		return nil, err
	}

	// The halt sled must fit before the next segment.
	sledEnd := l.StaticTextEnd + zvm.HaltSledSize
	if l.RodataStart != 0 && sledEnd > l.RodataStart {
		return nil, newError(LoadTextOverlapsRodata, "no room for the halt sled before rodata at %v", l.RodataStart)
	}
	if l.DataStart != 0 && sledEnd > l.DataStart {
		return nil, newError(LoadTextOverlapsData, "no room for the halt sled before data at %v", l.DataStart)
	}
	textEnd := haltFillEnd(l.StaticTextEnd, false)

	regions := []region{{zvm.TrampolineStart, textEnd, hostarch.ReadExecute}}
	if l.RodataStart != 0 {
		regions = append(regions, region{l.RodataStart, allocRoundUp(l.RodataEnd), hostarch.Read})
	}
	if l.DataStart != 0 {
		regions = append(regions, region{l.DataStart, allocRoundUp(l.DataEnd), hostarch.ReadWrite})
	}

	// Everything is writable while the image is copied in.
	for _, rg := range regions {
		if err := as.Map(rg.start.PageNumber(), hostarch.PagesFor(uint64(rg.end-rg.start)), hostarch.ReadWrite); err != nil {
			return nil, &Error{Code: LoadMemoryError, Detail: "mapping " + rg.prot.String() + " segment", Err: err}
		}
	}

	for i := range img.Phdrs {
		p := &img.Phdrs[i]
		if !img.loadable[i] || p.Filesz == 0 {
			continue
		}
		dst, err := as.Bytes(hostarch.Addr(p.Vaddr), p.Filesz, hostarch.Write)
		if err != nil {
			return nil, &Error{Code: LoadMemoryError, Detail: "segment destination", Err: err}
		}
		if err := readFullAt(r, dst, int64(p.Off)); err != nil {
			return nil, &Error{Code: LoadReadError, Detail: "reading segment", Err: err}
		}
		log.Debugf("Loaded segment %d: %#x bytes at %#x", i, p.Filesz, p.Vaddr)
	}

	if err := fillHalts(as, zvm.TrampolineStart, zvm.TrampolineEnd); err != nil {
		return nil, err
	}
	log.Debugf("Filling with halts: %v, %#x bytes", l.StaticTextEnd, uint64(textEnd-l.StaticTextEnd))
	if err := fillHalts(as, l.StaticTextEnd, textEnd); err != nil {
		return nil, err
	}
	l.StaticTextEnd = textEnd
	l.DynamicTextStart = textEnd
	l.DynamicTextEnd = textEnd

	if err := validate(as, l, opts); err != nil {
		return nil, err
	}

	for _, rg := range regions {
		if rg.prot == hostarch.ReadWrite {
			continue
		}
		if err := as.Protect(rg.start.PageNumber(), hostarch.PagesFor(uint64(rg.end-rg.start)), rg.prot); err != nil {
			return nil, &Error{Code: LoadMemoryError, Detail: "protecting " + rg.prot.String() + " segment", Err: err}
		}
	}

	if log.IsLogging(log.Debug) {
		log.Debugf("Address space layout:\n%s", l)
	}
	return l, nil
}

func fillHalts(as *mm.AddressSpace, start, end hostarch.Addr) error {
	if end <= start {
		return nil
	}
	dst, err := as.Bytes(start, uint64(end-start), hostarch.Write)
	if err != nil {
		return &Error{Code: LoadMemoryError, Detail: "halt fill", Err: err}
	}
	copy(dst, bytes.Repeat([]byte{zvm.HaltOpcode}, len(dst)))
	return nil
}

func validate(as *mm.AddressSpace, l *Layout, opts Options) error {
	v := opts.Validator
	if v == nil {
		v = validator.Bundles{}
	}
	text := l.ValidatedText()
	code, err := as.Bytes(text.Start, text.Length(), hostarch.Read)
	if err != nil {
		return &Error{Code: LoadMemoryError, Detail: "text for validation", Err: err}
	}
	if err := v.Validate(code, text.Start); err != nil {
		if opts.SkipValidation {
			log.Warningf("Validator %s rejected the text, continuing because validation is disabled: %v", v.Name(), err)
			return nil
		}
		return &Error{Code: LoadValidationFailed, Detail: v.Name(), Err: err}
	}
	log.Debugf("Validator %s approved text %v", v.Name(), text)
	return nil
}
