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
	"fmt"
	"strings"

	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/hostarch"
)

// Layout is the address space layout of a loaded image. A zero rodata or
// data start means the segment is absent.
type Layout struct {
	AddrBits uint

	Entry hostarch.Addr

	// StaticTextEnd is the end of the text, including the halt padding
	// once the image is loaded.
	StaticTextEnd hostarch.Addr

	DynamicTextStart hostarch.Addr
	DynamicTextEnd   hostarch.Addr

	RodataStart hostarch.Addr
	RodataEnd   hostarch.Addr

	DataStart hostarch.Addr

	// DataEnd is the end of data and bss. It equals MaxVAddr.
	DataEnd hostarch.Addr

	// MaxVAddr is the highest address used by the image.
	MaxVAddr hostarch.Addr

	// BreakAddr is the initial program break.
	BreakAddr hostarch.Addr
}

// String dumps the layout, one field per line.
func (l *Layout) String() string {
	var b strings.Builder
	for _, f := range []struct {
		name string
		v    hostarch.Addr
	}{
		{"entry", l.Entry},
		{"static_text_end", l.StaticTextEnd},
		{"dynamic_text_start", l.DynamicTextStart},
		{"dynamic_text_end", l.DynamicTextEnd},
		{"rodata_start", l.RodataStart},
		{"rodata_end", l.RodataEnd},
		{"data_start", l.DataStart},
		{"data_end", l.DataEnd},
		{"break_addr", l.BreakAddr},
	} {
		fmt.Fprintf(&b, "%-20s = %#010x\n", f.name, uint64(f.v))
	}
	return b.String()
}

// TextRange returns the executable range, trampoline included.
func (l *Layout) TextRange() hostarch.AddrRange {
	return hostarch.AddrRange{Start: zvm.TrampolineStart, End: l.StaticTextEnd}
}

// ValidatedText returns the range of program text that was approved by the
// validator.
func (l *Layout) ValidatedText() hostarch.AddrRange {
	return hostarch.AddrRange{Start: zvm.TrampolineEnd, End: l.StaticTextEnd}
}

func allocRoundUp(a hostarch.Addr) hostarch.Addr {
	r, _ := a.AllocRoundUp()
	return r
}

// haltFillEnd returns the end of the halt padding that follows text ending
// at staticTextEnd. Without dynamic text, at least a halt sled is placed.
func haltFillEnd(staticTextEnd hostarch.Addr, dynamicText bool) hostarch.Addr {
	if dynamicText {
		return allocRoundUp(staticTextEnd)
	}
	return allocRoundUp(staticTextEnd + zvm.HaltSledSize)
}

// NewLayout validates img for an address space of addrBits bits and computes
// its layout.
func NewLayout(img *Image, addrBits uint) (*Layout, error) {
	if addrBits > zvm.MaxAddrBits {
		return nil, newError(LoadAddrSpaceTooBig, "%d address bits, at most %d supported", addrBits, zvm.MaxAddrBits)
	}
	seg, err := img.ValidateProgramHeaders(addrBits)
	if err != nil {
		return nil, err
	}

	// Without data, the break follows rodata or text, rounded so that bss
	// starts on a writable allocation page. Text alone must also leave
	// room for the halt sled.
	maxVAddr := seg.MaxVAddr
	if seg.DataStart == 0 {
		if seg.RodataStart == 0 && allocRoundUp(maxVAddr)-maxVAddr < zvm.HaltSledSize {
			maxVAddr += hostarch.AllocPageSize
		}
		maxVAddr = allocRoundUp(maxVAddr)
	}
	if uint64(maxVAddr) >= uint64(1)<<addrBits {
		return nil, newError(LoadSegmentOutsideAddrSpace, "image ends at %v, beyond %d bits", maxVAddr, addrBits)
	}

	l := &Layout{
		AddrBits:      addrBits,
		Entry:         img.Entry(),
		StaticTextEnd: seg.StaticTextEnd,
		RodataStart:   seg.RodataStart,
		RodataEnd:     seg.RodataEnd,
		DataStart:     seg.DataStart,
		DataEnd:       maxVAddr,
		MaxVAddr:      maxVAddr,
		BreakAddr:     maxVAddr,
	}

	if !l.Entry.IsAligned(zvm.BundleSize) || l.Entry < zvm.TrampolineEnd || l.Entry >= l.StaticTextEnd {
		return nil, newError(LoadBadEntry, "entry point %v outside text [%#x, %v) or not aligned to %d", l.Entry, zvm.TrampolineEnd, l.StaticTextEnd, zvm.BundleSize)
	}
	if err := checkLayoutSanity(seg, maxVAddr); err != nil {
		return nil, err
	}
	return l, nil
}

// checkLayoutSanity enforces the text, rodata, data order of segments.
func checkLayoutSanity(seg Segments, maxVAddr hostarch.Addr) error {
	switch {
	case seg.DataStart != 0:
		if seg.DataEnd != maxVAddr {
			return newError(LoadDataNotLastSegment, "data ends at %v, image ends at %v", seg.DataEnd, maxVAddr)
		}
	case seg.RodataStart != 0:
		if allocRoundUp(seg.RodataEnd) != maxVAddr {
			return newError(LoadNoDataButRodataNotLastSegment, "rodata ends at %v, image ends at %v", seg.RodataEnd, maxVAddr)
		}
	}

	if seg.RodataStart != 0 && seg.DataStart != 0 && seg.RodataEnd > seg.DataStart {
		return newError(LoadRodataOverlapsData, "rodata ends at %v, data starts at %v", seg.RodataEnd, seg.DataStart)
	}

	textEnd := allocRoundUp(seg.StaticTextEnd)
	switch {
	case seg.RodataStart != 0:
		if textEnd > seg.RodataStart {
			return newError(LoadTextOverlapsRodata, "text ends at %v, rodata starts at %v", textEnd, seg.RodataStart)
		}
	case seg.DataStart != 0:
		if textEnd > seg.DataStart {
			return newError(LoadTextOverlapsData, "text ends at %v, data starts at %v", textEnd, seg.DataStart)
		}
	}

	if seg.RodataStart != 0 && !seg.RodataStart.IsAllocAligned() {
		return newError(LoadBadRodataAlignment, "rodata at %v", seg.RodataStart)
	}
	if seg.DataStart != 0 && !seg.DataStart.IsAllocAligned() {
		return newError(LoadBadDataAlignment, "data at %v", seg.DataStart)
	}
	return nil
}
