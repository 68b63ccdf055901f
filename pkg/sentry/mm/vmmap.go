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
	"slices"
	"strings"

	"zerovm.dev/zvm/pkg/hostarch"
)

// VMRegion describes a page range of the sandbox address space.
type VMRegion struct {
	// PageNum is the first page of the region.
	PageNum uint64

	// NPages is the number of pages in the region.
	NPages uint64

	// Prot is the protection of the region.
	Prot hostarch.AccessType

	// Obj is the backing of the region. It may be nil.
	Obj *MemoryObject

	// Removed marks the region as deleted. Removed regions are purged by
	// MakeSorted.
	Removed bool
}

// End returns the page following the last page of the region.
func (r *VMRegion) End() uint64 {
	return r.PageNum + r.NPages
}

// Range returns the byte range of the region.
func (r *VMRegion) Range() hostarch.AddrRange {
	return hostarch.AddrRange{
		Start: hostarch.PageAddr(r.PageNum),
		End:   hostarch.PageAddr(r.End()),
	}
}

// String implements fmt.Stringer.String.
func (r *VMRegion) String() string {
	return fmt.Sprintf("%v %s", r.Range(), r.Prot)
}

// VMMap is the set of page ranges that make up the sandbox address space.
//
// Additions are appended unsorted; ordered queries restore the sort order
// first. Removal is lazy: regions are marked and purged on the next sort.
//
// VMMap is not synchronized. It is owned by a single address space, which is
// only mutated from the thread crossing the trap gate.
type VMMap struct {
	regions []VMRegion
	sorted  bool
}

// Len returns the number of regions, including removed ones that were not
// purged yet.
func (v *VMMap) Len() int {
	return len(v.regions)
}

// Add appends a region. It does not check for overlap; callers must clear the
// target range first.
func (v *VMMap) Add(pageNum, npages uint64, prot hostarch.AccessType, obj *MemoryObject) {
	v.regions = append(v.regions, VMRegion{
		PageNum: pageNum,
		NPages:  npages,
		Prot:    prot,
		Obj:     obj,
	})
	v.sorted = false
}

// MakeSorted purges removed regions and sorts the rest by page number.
func (v *VMMap) MakeSorted() {
	if v.sorted {
		return
	}
	v.regions = slices.DeleteFunc(v.regions, func(r VMRegion) bool {
		return r.Removed
	})
	slices.SortFunc(v.regions, func(a, b VMRegion) int {
		switch {
		case a.PageNum < b.PageNum:
			return -1
		case a.PageNum > b.PageNum:
			return 1
		}
		return 0
	})
	v.sorted = true
}

// Visit calls fn for each region in page order until fn returns false.
func (v *VMMap) Visit(fn func(r *VMRegion) bool) {
	v.MakeSorted()
	for i := range v.regions {
		r := v.regions[i]
		if !fn(&r) {
			return
		}
	}
}

// FindSpace returns the highest page number at which npages free pages lie
// between two regions. ok is false if there is no such gap.
func (v *VMMap) FindSpace(npages uint64) (pageNum uint64, ok bool) {
	v.MakeSorted()
	for i := len(v.regions) - 1; i > 0; i-- {
		gapStart := v.regions[i-1].End()
		gapEnd := v.regions[i].PageNum
		if gapEnd >= gapStart && gapEnd-gapStart >= npages {
			return gapEnd - npages, true
		}
	}
	return 0, false
}

// FindSpaceAboveHint returns the lowest page number at or above hint at
// which npages free pages lie between two regions. The hint itself is
// returned when it fits.
func (v *VMMap) FindSpaceAboveHint(hint, npages uint64) (pageNum uint64, ok bool) {
	v.MakeSorted()
	for i := 0; i+1 < len(v.regions); i++ {
		start := max(v.regions[i].End(), hint)
		end := v.regions[i+1].PageNum
		if start < end && end-start >= npages {
			return start, true
		}
	}
	return 0, false
}

// FindPage returns the region containing pageNum.
func (v *VMMap) FindPage(pageNum uint64) (VMRegion, bool) {
	v.MakeSorted()
	i, found := slices.BinarySearchFunc(v.regions, pageNum, func(r VMRegion, pn uint64) int {
		switch {
		case r.End() <= pn:
			return -1
		case r.PageNum > pn:
			return 1
		}
		return 0
	})
	if !found {
		return VMRegion{}, false
	}
	return v.regions[i], true
}

// CheckAccess returns true if every page of ar is covered by regions whose
// protection includes at.
func (v *VMMap) CheckAccess(ar hostarch.AddrRange, at hostarch.AccessType) bool {
	if ar.Length() == 0 {
		return true
	}
	pn := ar.Start.PageNumber()
	last := (ar.End - 1).PageNumber()
	for pn <= last {
		r, ok := v.FindPage(pn)
		if !ok || !r.Prot.SupersetOf(at) {
			return false
		}
		pn = r.End()
	}
	return true
}

// Update replaces the mapping of [pageNum, pageNum+npages) with a single
// region. Overlapped regions are removed; the parts of them outside the range
// survive as new regions with their previous protection.
func (v *VMMap) Update(pageNum, npages uint64, prot hostarch.AccessType, obj *MemoryObject) {
	v.clear(pageNum, npages)
	v.Add(pageNum, npages, prot, obj)
}

// Remove unmaps [pageNum, pageNum+npages).
func (v *VMMap) Remove(pageNum, npages uint64) {
	v.clear(pageNum, npages)
}

func (v *VMMap) clear(pageNum, npages uint64) {
	end := pageNum + npages
	// Only regions present on entry can overlap; survivors appended below
	// never do.
	n := len(v.regions)
	for i := 0; i < n; i++ {
		r := &v.regions[i]
		if r.Removed || r.End() <= pageNum || r.PageNum >= end {
			continue
		}
		r.Removed = true
		v.sorted = false
		if r.PageNum < pageNum {
			v.Add(r.PageNum, pageNum-r.PageNum, r.Prot, r.sliceObj(0, pageNum-r.PageNum))
			r = &v.regions[i]
		}
		if r.End() > end {
			v.Add(end, r.End()-end, r.Prot, r.sliceObj(end-r.PageNum, r.End()-end))
			r = &v.regions[i]
		}
		r.Obj.Release()
		r.Obj = nil
	}
}

// sliceObj returns a new reference to the part of r's memory object that
// backs npages pages starting off pages into r.
func (r *VMRegion) sliceObj(off, npages uint64) *MemoryObject {
	if r.Obj == nil {
		return nil
	}
	return r.Obj.Slice(off*hostarch.PageSize, npages*hostarch.PageSize)
}

// Release drops every memory object reference held by the map.
func (v *VMMap) Release() {
	for i := range v.regions {
		v.regions[i].Obj.Release()
		v.regions[i].Obj = nil
	}
	v.regions = nil
	v.sorted = true
}

// String returns a /proc/pid/maps style dump of the map.
func (v *VMMap) String() string {
	var b strings.Builder
	v.Visit(func(r *VMRegion) bool {
		fmt.Fprintf(&b, "%08x-%08x %s\n", uint64(r.Range().Start), uint64(r.Range().End), r.Prot)
		return true
	})
	return b.String()
}
