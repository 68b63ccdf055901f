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

package channel

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/containerd/fifo"
	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/fd"
	"zerovm.dev/zvm/pkg/log"
)

// Source is the host object behind a channel.
type Source interface {
	io.ReaderAt
	io.WriterAt

	// Sized reports whether the source has a size that bounds offsets.
	// Streams are not sized and ignore offsets.
	Sized() bool

	// Size returns the size of the source when it was opened.
	Size() int64

	// Close releases the source. size is the logical size of the channel
	// at teardown.
	Close(size int64) error
}

// fileSource is a regular host file accessed with pread/pwrite.
type fileSource struct {
	file *fd.FD
	path string
	size int64

	// lock is held on writable files for the lifetime of the channel.
	lock *flock.Flock

	// logStyle files are truncated to their logical size at teardown and
	// removed if nothing was written.
	logStyle bool
}

func (f *fileSource) ReadAt(dst []byte, off int64) (int, error) {
	n, err := f.file.ReadAt(dst, off)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (f *fileSource) WriteAt(src []byte, off int64) (int, error) {
	return f.file.WriteAt(src, off)
}

func (f *fileSource) Sized() bool { return true }
func (f *fileSource) Size() int64 { return f.size }

func (f *fileSource) Close(size int64) error {
	err := f.finish(size)
	if cerr := f.file.Close(); err == nil {
		err = cerr
	}
	if f.lock != nil {
		if uerr := f.lock.Unlock(); err == nil {
			err = uerr
		}
	}
	return err
}

func (f *fileSource) finish(size int64) error {
	if !f.logStyle {
		return nil
	}
	if size == 0 {
		log.Debugf("Removing unused channel file %q", f.path)
		return os.Remove(f.path)
	}
	if err := f.file.Truncate(size); err != nil {
		return fmt.Errorf("truncating %q to %d bytes: %w", f.path, size, err)
	}
	return nil
}

// streamSource is a character device, FIFO or host stdio stream. Offsets are
// ignored.
type streamSource struct {
	rw io.ReadWriter

	// closer is nil for host stdio, which is never closed.
	closer io.Closer
}

func (s *streamSource) ReadAt(dst []byte, _ int64) (int, error) {
	n, err := s.rw.Read(dst)
	if err == io.EOF {
		err = nil
	}
	return n, err
}

func (s *streamSource) WriteAt(src []byte, _ int64) (int, error) {
	return s.rw.Write(src)
}

func (s *streamSource) Sized() bool { return false }
func (s *streamSource) Size() int64 { return 0 }

func (s *streamSource) Close(int64) error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// MemorySource is a sized source held in memory. Writes beyond the end grow
// it.
type MemorySource struct {
	mu   sync.Mutex
	data []byte
}

// NewMemorySource returns a source initialized with a copy of data.
func NewMemorySource(data []byte) *MemorySource {
	return &MemorySource{data: append([]byte(nil), data...)}
}

// ReadAt implements io.ReaderAt.ReadAt. Reading at or past the end returns
// zero bytes and no error.
func (m *MemorySource) ReadAt(dst []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	return copy(dst, m.data[off:]), nil
}

// WriteAt implements io.WriterAt.WriteAt.
func (m *MemorySource) WriteAt(src []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if end := off + int64(len(src)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], src), nil
}

// Sized implements Source.Sized.
func (m *MemorySource) Sized() bool { return true }

// Size implements Source.Size.
func (m *MemorySource) Size() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data))
}

// Close implements Source.Close. The contents are truncated to size.
func (m *MemorySource) Close(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size < int64(len(m.data)) {
		m.data = m.data[:size]
	}
	return nil
}

// Bytes returns a copy of the contents.
func (m *MemorySource) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

const channelFileMode = 0o600

// openTimeout bounds how long opening a FIFO or device waits for its peer.
var openTimeout = 5 * time.Second

// openSource opens the host object for spec.
func openSource(spec *Spec, opts *Options) (Source, error) {
	readable, writable := spec.Readable(), spec.Writable()
	switch spec.Type {
	case zvm.Stdin:
		return &streamSource{rw: fd.NewReadWriter(unix.Stdin)}, nil
	case zvm.Stdout:
		return &streamSource{rw: fd.NewReadWriter(unix.Stdout)}, nil
	case zvm.Stderr:
		return &streamSource{rw: fd.NewReadWriter(unix.Stderr)}, nil
	}

	kind, size, err := fd.Stat(spec.Path)
	if err != nil {
		return nil, err
	}
	switch kind {
	case fd.Regular:
		return openFile(spec, size, readable, writable, opts)
	case fd.Character, fd.FIFO:
		if readable && writable {
			return nil, fmt.Errorf("%s source cannot be both read and written", kind)
		}
		if kind == fd.FIFO {
			f, err := openFIFO(spec.Path, writable)
			if err != nil {
				return nil, err
			}
			return &streamSource{rw: f, closer: f}, nil
		}
		f, err := openDevice(spec.Path, writable)
		if err != nil {
			return nil, err
		}
		return &streamSource{rw: &f.ReadWriter, closer: f}, nil
	default:
		return nil, fmt.Errorf("unsupported source type %s", kind)
	}
}

func openFile(spec *Spec, size int64, readable, writable bool, opts *Options) (_ Source, retErr error) {
	src := &fileSource{path: spec.Path, size: size}
	if writable && spec.Path != os.DevNull {
		src.lock = flock.New(spec.Path)
		locked, err := src.lock.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking %q: %w", spec.Path, err)
		}
		if !locked {
			return nil, fmt.Errorf("%q is locked by another process", spec.Path)
		}
		defer func() {
			if retErr != nil {
				src.lock.Unlock()
			}
		}()
	}

	var err error
	switch {
	case readable && !writable:
		src.file, err = fd.Open(spec.Path, unix.O_RDONLY, 0)

	case writable && !readable:
		// Existing output is replaced.
		src.file, err = fd.Open(spec.Path, unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC, channelFileMode)
		src.size = 0
		if err == nil && spec.Type.SequentialWrite() && spec.Path != os.DevNull {
			src.logStyle = true
			err = preallocate(src.file, spec.Limits[zvm.PutSizeLimit], opts.PreallocateLimit)
		}

	case readable && writable:
		if spec.Type == zvm.SGetSPut || spec.Type == zvm.SGetRPut {
			return nil, fmt.Errorf("read-write file channels must allow random reads, got %s", spec.Type)
		}
		src.file, err = fd.Open(spec.Path, unix.O_RDWR|unix.O_CREAT, channelFileMode)

	default:
		return nil, fmt.Errorf("limits allow neither reads nor writes")
	}
	if err != nil {
		if src.file != nil {
			src.file.Close()
		}
		return nil, err
	}
	return src, nil
}

// preallocate reserves the put byte budget of a log-style file, capped at
// limit. A zero limit disables preallocation.
func preallocate(f *fd.FD, budget, limit int64) error {
	n := min(budget, limit)
	if n <= 0 {
		return nil
	}
	return f.Allocate(n)
}

// openFIFO opens one side of a FIFO, waiting up to openTimeout for the
// other side to appear.
func openFIFO(path string, write bool) (io.ReadWriteCloser, error) {
	flags := unix.O_RDONLY
	if write {
		flags = unix.O_WRONLY
	}
	ctx, cancel := context.WithTimeout(context.Background(), openTimeout)
	defer cancel()
	f, err := fifo.OpenFifo(ctx, path, flags, 0)
	if err != nil {
		return nil, fmt.Errorf("opening fifo %q: %w", path, err)
	}
	return f, nil
}

// openDevice opens a character device. Busy devices are retried until
// openTimeout passes.
func openDevice(path string, write bool) (*fd.FD, error) {
	flags := unix.O_RDONLY | unix.O_NONBLOCK
	if write {
		flags = unix.O_WRONLY | unix.O_NONBLOCK
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Millisecond
	b.MaxInterval = 100 * time.Millisecond
	b.MaxElapsedTime = openTimeout

	var f *fd.FD
	op := func() error {
		var err error
		f, err = fd.Open(path, flags, 0)
		switch err {
		case nil:
			return nil
		case unix.ENXIO, unix.EBUSY, unix.EINTR, unix.EAGAIN:
			return err
		default:
			return backoff.Permanent(err)
		}
	}
	if err := backoff.Retry(op, b); err != nil {
		return nil, fmt.Errorf("opening %q: %w", path, err)
	}
	if err := f.SetBlocking(); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}
