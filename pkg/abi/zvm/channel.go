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

package zvm

import (
	"encoding/binary"
	"fmt"
)

// AccessType describes how the I/O position of a channel is chosen. Bit 0
// clear means reads follow the get cursor, bit 1 clear means writes follow
// the put cursor.
type AccessType uint32

// Channel access types.
const (
	SGetSPut AccessType = iota
	RGetSPut
	SGetRPut
	RGetRPut
	Stdin
	Stdout
	Stderr
	NumAccessTypes
)

var accessTypeNames = [...]string{
	SGetSPut: "SGetSPut",
	RGetSPut: "RGetSPut",
	SGetRPut: "SGetRPut",
	RGetRPut: "RGetRPut",
	Stdin:    "Stdin",
	Stdout:   "Stdout",
	Stderr:   "Stderr",
}

// String implements fmt.Stringer.String.
func (t AccessType) String() string {
	if t < NumAccessTypes {
		return accessTypeNames[t]
	}
	return fmt.Sprintf("AccessType(%d)", uint32(t))
}

// Valid returns true if t is a known access type.
func (t AccessType) Valid() bool {
	return t < NumAccessTypes
}

// IsStdio returns true for the types bound to host stdio.
func (t AccessType) IsStdio() bool {
	return t == Stdin || t == Stdout || t == Stderr
}

// SequentialRead returns true if reads ignore the caller supplied offset.
func (t AccessType) SequentialRead() bool {
	return t.IsStdio() || t&1 == 0
}

// SequentialWrite returns true if writes ignore the caller supplied offset.
func (t AccessType) SequentialWrite() bool {
	return t.IsStdio() || t&2 == 0
}

// Limit indexes the four per-channel budgets.
type Limit int

// Channel budgets, in manifest order.
const (
	GetsLimit Limit = iota
	GetSizeLimit
	PutsLimit
	PutSizeLimit
	NumLimits
)

var limitNames = [...]string{
	GetsLimit:    "gets",
	GetSizeLimit: "get_bytes",
	PutsLimit:    "puts",
	PutSizeLimit: "put_bytes",
}

// String implements fmt.Stringer.String.
func (l Limit) String() string {
	if l >= 0 && l < NumLimits {
		return limitNames[l]
	}
	return fmt.Sprintf("Limit(%d)", int(l))
}

// Limits holds one value per budget.
type Limits [NumLimits]int64

// ChannelInfoSize is the size of a marshalled ChannelInfo.
const ChannelInfoSize = 56

// ChannelInfo is the channel record copied to the sandboxed program by the
// channels trap.
//
// Layout (little endian):
//
//	0  type        uint32
//	4  padding     uint32
//	8  size        int64
//	16 limits      [4]int64
//	48 name length uint64
type ChannelInfo struct {
	Type    AccessType
	Size    int64
	Limits  Limits
	NameLen uint64
}

// SizeBytes returns the marshalled size of the record.
func (*ChannelInfo) SizeBytes() int {
	return ChannelInfoSize
}

// MarshalBytes serializes c into dst, which must be at least SizeBytes long.
// It returns the remainder of dst.
func (c *ChannelInfo) MarshalBytes(dst []byte) []byte {
	binary.LittleEndian.PutUint32(dst[0:], uint32(c.Type))
	binary.LittleEndian.PutUint32(dst[4:], 0)
	binary.LittleEndian.PutUint64(dst[8:], uint64(c.Size))
	for i, l := range c.Limits {
		binary.LittleEndian.PutUint64(dst[16+8*i:], uint64(l))
	}
	binary.LittleEndian.PutUint64(dst[48:], c.NameLen)
	return dst[ChannelInfoSize:]
}

// UnmarshalBytes deserializes c from src. It returns the remainder of src.
func (c *ChannelInfo) UnmarshalBytes(src []byte) []byte {
	c.Type = AccessType(binary.LittleEndian.Uint32(src[0:]))
	c.Size = int64(binary.LittleEndian.Uint64(src[8:]))
	for i := range c.Limits {
		c.Limits[i] = int64(binary.LittleEndian.Uint64(src[16+8*i:]))
	}
	c.NameLen = binary.LittleEndian.Uint64(src[48:])
	return src[ChannelInfoSize:]
}
