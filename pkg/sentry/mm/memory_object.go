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

	"golang.org/x/sys/unix"
	"zerovm.dev/zvm/pkg/log"
	"zerovm.dev/zvm/pkg/refs"
)

// Backing is a reference counted host file descriptor that backs sandbox
// memory. The descriptor is closed when the last reference is dropped.
type Backing struct {
	refs.AtomicRefCount

	fd     int
	name   string
	closed bool
}

// NewBacking takes ownership of fd. The returned Backing holds one
// reference. A negative fd is permitted and is never closed.
func NewBacking(fd int, name string) *Backing {
	return &Backing{fd: fd, name: name}
}

// FD returns the backing descriptor.
func (b *Backing) FD() int {
	return b.fd
}

// Closed returns true once the last reference has been dropped.
func (b *Backing) Closed() bool {
	return b.closed
}

// DecRef implements refs.RefCounter.DecRef.
func (b *Backing) DecRef() {
	b.DecRefWithDestructor(func() {
		b.closed = true
		if b.fd < 0 {
			return
		}
		if err := unix.Close(b.fd); err != nil {
			log.Warningf("Closing memory backing %q (fd %d): %v", b.name, b.fd, err)
		}
	})
}

// String implements fmt.Stringer.String.
func (b *Backing) String() string {
	return fmt.Sprintf("%s(fd=%d)", b.name, b.fd)
}

// MemoryObject binds a VMMap region to a byte range of its Backing. Each
// MemoryObject owns one reference on the Backing.
type MemoryObject struct {
	backing *Backing
	offset  uint64
	length  uint64
}

// NewMemoryObject returns a MemoryObject for [offset, offset+length) of b.
// It takes a new reference on b.
func NewMemoryObject(b *Backing, offset, length uint64) *MemoryObject {
	b.IncRef()
	return &MemoryObject{
		backing: b,
		offset:  offset,
		length:  length,
	}
}

// Backing returns the backing store.
func (m *MemoryObject) Backing() *Backing {
	return m.backing
}

// Offset returns the byte offset of the object into its backing.
func (m *MemoryObject) Offset() uint64 {
	return m.offset
}

// Length returns the byte length of the object.
func (m *MemoryObject) Length() uint64 {
	return m.length
}

// Slice returns a new MemoryObject covering [off, off+length) relative to m,
// sharing the same backing.
//
// Precondition: off+length <= m.Length().
func (m *MemoryObject) Slice(off, length uint64) *MemoryObject {
	if off+length > m.length {
		panic(fmt.Sprintf("MemoryObject.Slice(%#x, %#x) exceeds length %#x", off, length, m.length))
	}
	return NewMemoryObject(m.backing, m.offset+off, length)
}

// Release drops the reference on the backing. m must not be used afterwards.
func (m *MemoryObject) Release() {
	if m == nil || m.backing == nil {
		return
	}
	m.backing.DecRef()
	m.backing = nil
}
