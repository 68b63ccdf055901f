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

// Package fd provides types for working with host file descriptors that back
// sandbox channels.
package fd

import (
	"fmt"
	"io"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Kind classifies the host object behind a descriptor.
type Kind int

// Host object kinds.
const (
	Regular Kind = iota
	Directory
	Character
	Block
	FIFO
	Symlink
	Socket
)

var kindNames = [...]string{"regular", "directory", "character", "block", "fifo", "symlink", "socket"}

// String implements fmt.Stringer.String.
func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// KindOf returns the kind encoded in a stat mode.
func KindOf(mode uint32) Kind {
	switch mode & unix.S_IFMT {
	case unix.S_IFDIR:
		return Directory
	case unix.S_IFCHR:
		return Character
	case unix.S_IFBLK:
		return Block
	case unix.S_IFIFO:
		return FIFO
	case unix.S_IFLNK:
		return Symlink
	case unix.S_IFSOCK:
		return Socket
	default:
		return Regular
	}
}

// Stat returns the kind and size of the object at path. A missing path is
// reported as an empty regular file, since opening it for writing creates
// one.
func Stat(path string) (Kind, int64, error) {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		if err == unix.ENOENT {
			return Regular, 0, nil
		}
		return 0, 0, err
	}
	return KindOf(st.Mode), st.Size, nil
}

// ReadWriter implements io.ReadWriter, io.ReaderAt, and io.WriterAt for fd. It
// does not take ownership of fd.
type ReadWriter struct {
	// fd is accessed atomically so FD.Close/Release can swap it.
	fd atomic.Int64
}

var _ io.ReadWriter = (*ReadWriter)(nil)
var _ io.ReaderAt = (*ReadWriter)(nil)
var _ io.WriterAt = (*ReadWriter)(nil)

// NewReadWriter creates a ReadWriter for fd.
func NewReadWriter(fd int) *ReadWriter {
	rw := &ReadWriter{}
	rw.fd.Store(int64(fd))
	return rw
}

func fixCount(n int, err error) (int, error) {
	if n < 0 {
		n = 0
	}
	return n, err
}

// Read implements io.Reader.
func (r *ReadWriter) Read(b []byte) (int, error) {
	for {
		c, err := fixCount(unix.Read(int(r.fd.Load()), b))
		if err == unix.EINTR {
			continue
		}
		if c == 0 && len(b) > 0 && err == nil {
			return 0, io.EOF
		}
		return c, err
	}
}

// ReadAt implements io.ReaderAt.
//
// ReadAt always returns a non-nil error when c < len(b).
func (r *ReadWriter) ReadAt(b []byte, off int64) (c int, err error) {
	for len(b) > 0 {
		var m int
		m, err = fixCount(unix.Pread(int(r.fd.Load()), b, off))
		if err == unix.EINTR {
			continue
		}
		if m == 0 && err == nil {
			return c, io.EOF
		}
		if err != nil {
			return c, err
		}
		c += m
		b = b[m:]
		off += int64(m)
	}
	return
}

// Write implements io.Writer.
func (r *ReadWriter) Write(b []byte) (int, error) {
	var err error
	var n, remaining int
	for remaining = len(b); remaining > 0; {
		woff := len(b) - remaining
		n, err = unix.Write(int(r.fd.Load()), b[woff:])

		if n > 0 {
			remaining -= n
			continue
		}
		if err == nil {
			// There is no way to guarantee that a subsequent write will
			// make forward progress.
			panic(fmt.Sprintf("write returned %d with no error", n))
		}
		if err != unix.EINTR {
			break
		}
	}
	return len(b) - remaining, err
}

// WriteAt implements io.WriterAt.
func (r *ReadWriter) WriteAt(b []byte, off int64) (c int, err error) {
	for len(b) > 0 {
		var m int
		m, err = fixCount(unix.Pwrite(int(r.fd.Load()), b, off))
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			break
		}
		c += m
		b = b[m:]
		off += int64(m)
	}
	return
}

// FD owns a host file descriptor.
//
// Like os.File, FD adds a finalizer to close the backing FD. Unlike os.File,
// it never touches the Go runtime poller, so a descriptor shared with a
// sandboxed program stays in whatever blocking mode the program expects.
type FD struct {
	ReadWriter
}

// New creates a new FD.
//
// New takes ownership of fd.
func New(fd int) *FD {
	f := &FD{}
	if fd < 0 {
		f.fd.Store(-1)
		return f
	}
	f.fd.Store(int64(fd))
	runtime.SetFinalizer(f, (*FD).Close)
	return f
}

// Open is equivalent to open(2).
func Open(path string, openmode int, perm uint32) (*FD, error) {
	f, err := unix.Open(path, openmode|unix.O_LARGEFILE|unix.O_CLOEXEC, perm)
	if err != nil {
		return nil, err
	}
	return New(f), nil
}

// Close closes the file descriptor contained in the FD.
//
// Close is safe to call multiple times, but will return an error after the
// first call.
func (f *FD) Close() error {
	runtime.SetFinalizer(f, nil)
	return unix.Close(int(f.fd.Swap(-1)))
}

// Release relinquishes ownership of the contained file descriptor.
func (f *FD) Release() int {
	runtime.SetFinalizer(f, nil)
	return int(f.fd.Swap(-1))
}

// FD returns the file descriptor owned by FD. FD retains ownership.
func (f *FD) FD() int {
	return int(f.fd.Load())
}

// Size returns the current size of the file.
func (f *FD) Size() (int64, error) {
	var st unix.Stat_t
	if err := unix.Fstat(f.FD(), &st); err != nil {
		return 0, err
	}
	return st.Size, nil
}

// Truncate is equivalent to ftruncate(2).
func (f *FD) Truncate(size int64) error {
	return unix.Ftruncate(f.FD(), size)
}

// Allocate extends the file to size bytes, reserving disk blocks where the
// filesystem supports fallocate(2) and leaving a sparse file otherwise.
func (f *FD) Allocate(size int64) error {
	if size <= 0 {
		return nil
	}
	err := unix.Fallocate(f.FD(), 0, 0, size)
	if err == unix.EOPNOTSUPP || err == unix.ENOSYS {
		return f.Truncate(size)
	}
	return err
}

// SetBlocking clears O_NONBLOCK.
func (f *FD) SetBlocking() error {
	return unix.SetNonblock(f.FD(), false)
}
