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
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAccessTypeSequence(t *testing.T) {
	for _, test := range []struct {
		typ      AccessType
		seqRead  bool
		seqWrite bool
	}{
		{SGetSPut, true, true},
		{RGetSPut, false, true},
		{SGetRPut, true, false},
		{RGetRPut, false, false},
		{Stdin, true, true},
		{Stdout, true, true},
		{Stderr, true, true},
	} {
		t.Run(test.typ.String(), func(t *testing.T) {
			if got := test.typ.SequentialRead(); got != test.seqRead {
				t.Errorf("SequentialRead() = %t, want %t", got, test.seqRead)
			}
			if got := test.typ.SequentialWrite(); got != test.seqWrite {
				t.Errorf("SequentialWrite() = %t, want %t", got, test.seqWrite)
			}
		})
	}
}

func TestChannelInfoLayout(t *testing.T) {
	in := ChannelInfo{
		Type:    RGetSPut,
		Size:    4096,
		Limits:  Limits{1, 2, 3, 4},
		NameLen: 10,
	}
	buf := make([]byte, in.SizeBytes())
	if rest := in.MarshalBytes(buf); len(rest) != 0 {
		t.Fatalf("MarshalBytes left %d bytes", len(rest))
	}
	if buf[0] != byte(RGetSPut) || buf[8] != 0 || buf[9] != 0x10 || buf[48] != 10 {
		t.Errorf("unexpected wire bytes: %x", buf)
	}
	var out ChannelInfo
	out.UnmarshalBytes(buf)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("ChannelInfo mismatch (-want +got):\n%s", diff)
	}
}

func TestTrapArgsLittleEndian(t *testing.T) {
	src := []byte{
		2, 0, 0, 0, 0, 0, 0, 0,
		3, 0, 0, 0, 0, 0, 0, 0,
		0, 0, 2, 0, 0, 0, 0, 0,
		0x10, 0, 0, 0, 0, 0, 0, 0,
		0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff,
	}
	var a TrapArgs
	if rest := a.UnmarshalBytes(src); len(rest) != 0 {
		t.Fatalf("UnmarshalBytes left %d bytes", len(rest))
	}
	want := TrapArgs{Op: OpWrite, Args: [4]uint64{3, 0x20000, 0x10, ^uint64(0)}}
	if diff := cmp.Diff(want, a); diff != "" {
		t.Errorf("UnmarshalBytes mismatch (-want +got):\n%s", diff)
	}
	dst := make([]byte, a.SizeBytes())
	a.MarshalBytes(dst)
	if diff := cmp.Diff(src, dst); diff != "" {
		t.Errorf("MarshalBytes mismatch (-want +got):\n%s", diff)
	}
	if got := a.Op.String(); got != "write" {
		t.Errorf("Op.String() = %q, want write", got)
	}
}

func TestParseOp(t *testing.T) {
	for op := OpRead; op <= OpBrk; op++ {
		got, ok := ParseOp(op.String())
		if !ok || got != op {
			t.Errorf("ParseOp(%q) = %v, %t, want %v, true", op.String(), got, ok, op)
		}
	}
	if _, ok := ParseOp("fork"); ok {
		t.Errorf("ParseOp(fork) succeeded")
	}
}
