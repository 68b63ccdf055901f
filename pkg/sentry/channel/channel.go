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

// Package channel implements sandbox channels: named I/O endpoints that
// replace host files for the sandboxed program.
//
// Every channel carries four budgets: the number of reads, the number of bytes
// read, the number of writes and the number of bytes written. Counters never
// exceed their budgets. The access type decides whether the next I/O position
// comes from a channel cursor or from the caller.
package channel

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/errors/zvmerr"
	"zerovm.dev/zvm/pkg/hostarch"
	"zerovm.dev/zvm/pkg/log"
)

// Spec declares one channel.
type Spec struct {
	// Alias is the name the sandboxed program uses for the channel.
	Alias string

	// Path is the host object. It is ignored for stdio types.
	Path string

	Type   zvm.AccessType
	Limits zvm.Limits
}

// Readable returns true if the budgets allow at least one read.
func (s *Spec) Readable() bool {
	return s.Limits[zvm.GetsLimit] > 0 && s.Limits[zvm.GetSizeLimit] > 0
}

// Writable returns true if the budgets allow at least one write.
func (s *Spec) Writable() bool {
	return s.Limits[zvm.PutsLimit] > 0 && s.Limits[zvm.PutSizeLimit] > 0
}

// Validate checks the declaration without touching the host.
func (s *Spec) Validate() error {
	if s.Alias == "" {
		return fmt.Errorf("channel has no alias")
	}
	if !s.Type.Valid() {
		return fmt.Errorf("channel %q: invalid access type %d", s.Alias, uint32(s.Type))
	}
	for i, l := range s.Limits {
		if l < 0 {
			return fmt.Errorf("channel %q: negative %v limit %d", s.Alias, zvm.Limit(i), l)
		}
	}
	switch s.Type {
	case zvm.Stdin:
		if s.Writable() {
			return fmt.Errorf("channel %q: stdin cannot be written", s.Alias)
		}
	case zvm.Stdout, zvm.Stderr:
		if s.Readable() {
			return fmt.Errorf("channel %q: %v cannot be read", s.Alias, s.Type)
		}
	default:
		if s.Path == "" {
			return fmt.Errorf("channel %q has no path", s.Alias)
		}
	}
	return nil
}

// Options configures channel construction.
type Options struct {
	// Etag enables a blake3 digest over all transferred bytes.
	Etag bool

	// PreallocateLimit caps the space reserved for log-style output files.
	// Zero disables preallocation.
	PreallocateLimit int64
}

// Memory gives access to sandbox buffers. Implementations translate and
// check the address range.
type Memory interface {
	Bytes(addr hostarch.Addr, length uint64, at hostarch.AccessType) ([]byte, error)
}

// Channel is an open channel.
//
// Channels are only used by the single thread that crosses the trust
// boundary and are not synchronized.
type Channel struct {
	spec Spec
	src  Source

	counters zvm.Limits
	getPos   int64
	putPos   int64

	// size is the logical size. It is only meaningful for sized sources.
	size int64

	hasher *blake3.Hasher
	closed bool
}

// Open validates spec and opens its host object.
func Open(spec Spec, opts Options) (*Channel, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	src, err := openSource(&spec, &opts)
	if err != nil {
		return nil, fmt.Errorf("channel %q: %w", spec.Alias, err)
	}
	c := newChannel(spec, src, opts)
	log.Debugf("Mounted %v", c)
	return c, nil
}

// New returns a channel over an already open source.
func New(spec Spec, src Source, opts Options) (*Channel, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return newChannel(spec, src, opts), nil
}

func newChannel(spec Spec, src Source, opts Options) *Channel {
	c := &Channel{
		spec: spec,
		src:  src,
		size: src.Size(),
	}
	// Random reads with sequential writes append.
	if spec.Type == zvm.RGetSPut {
		c.putPos = c.size
	}
	if opts.Etag {
		c.hasher = blake3.New()
	}
	return c
}

// String implements fmt.Stringer.String.
func (c *Channel) String() string {
	return fmt.Sprintf("channel %q (%v, path %q, limits %v, size %d)", c.spec.Alias, c.spec.Type, c.spec.Path, c.spec.Limits, c.size)
}

// Alias returns the channel alias.
func (c *Channel) Alias() string {
	return c.spec.Alias
}

// Spec returns the channel declaration.
func (c *Channel) Spec() Spec {
	return c.spec
}

// Size returns the logical size.
func (c *Channel) Size() int64 {
	return c.size
}

// Counters returns the consumed budgets.
func (c *Channel) Counters() zvm.Limits {
	return c.counters
}

// Info returns the record reported by the channels trap.
func (c *Channel) Info() zvm.ChannelInfo {
	return zvm.ChannelInfo{
		Type:    c.spec.Type,
		Size:    c.size,
		Limits:  c.spec.Limits,
		NameLen: uint64(len(c.spec.Alias)),
	}
}

// Etag returns the hex digest of all transferred bytes, or "" if digests are
// disabled.
func (c *Channel) Etag() string {
	if c.hasher == nil {
		return ""
	}
	return hex.EncodeToString(c.hasher.Sum(nil))
}

// remaining returns the unused budget l.
func (c *Channel) remaining(l zvm.Limit) int64 {
	return c.spec.Limits[l] - c.counters[l]
}

// Read reads up to size bytes at offset into the sandbox buffer at addr and
// returns the number of bytes read.
func (c *Channel) Read(mem Memory, addr hostarch.Addr, size, offset int64) (int64, error) {
	if c.closed || !c.spec.Readable() {
		return 0, zvmerr.ErrInvalidDesc
	}
	// Sequential access ignores the caller's offset.
	if c.spec.Type.SequentialRead() {
		offset = c.getPos
	}
	if offset < 0 {
		return 0, zvmerr.ErrInsaneOffset
	}
	if size < 1 {
		return 0, zvmerr.ErrInsaneSize
	}
	if c.remaining(zvm.GetsLimit) <= 0 || c.remaining(zvm.GetSizeLimit) <= 0 {
		return 0, zvmerr.ErrOutOfLimits
	}
	if c.src.Sized() && offset >= c.size {
		return 0, zvmerr.ErrOutOfBounds
	}
	size = min(size, c.remaining(zvm.GetSizeLimit))

	buf, err := mem.Bytes(addr, uint64(size), hostarch.Write)
	if err != nil {
		return 0, zvmerr.ErrInvalidBuffer
	}
	n, err := c.src.ReadAt(buf, offset)
	if err != nil && n == 0 {
		log.Debugf("Channel %q: read of %d bytes at %d failed: %v", c.spec.Alias, size, offset, err)
		return 0, zvmerr.EIO
	}

	c.counters[zvm.GetsLimit]++
	c.counters[zvm.GetSizeLimit] += int64(n)
	if c.spec.Type.SequentialRead() {
		c.getPos += int64(n)
	}
	if c.hasher != nil {
		c.hasher.Write(buf[:n])
	}
	return int64(n), nil
}

// Write writes up to size bytes from the sandbox buffer at addr at offset and
// returns the number of bytes written.
func (c *Channel) Write(mem Memory, addr hostarch.Addr, size, offset int64) (int64, error) {
	if c.closed || !c.spec.Writable() {
		return 0, zvmerr.ErrInvalidDesc
	}
	// Sequential access ignores the caller's offset.
	if c.spec.Type.SequentialWrite() {
		offset = c.putPos
	}
	if offset < 0 {
		return 0, zvmerr.ErrInsaneOffset
	}
	if size < 1 {
		return 0, zvmerr.ErrInsaneSize
	}
	if c.remaining(zvm.PutsLimit) <= 0 || c.remaining(zvm.PutSizeLimit) <= 0 {
		return 0, zvmerr.ErrOutOfLimits
	}
	if c.src.Sized() && offset >= c.size+c.remaining(zvm.PutSizeLimit) {
		return 0, zvmerr.ErrOutOfBounds
	}
	size = min(size, c.remaining(zvm.PutSizeLimit))

	buf, err := mem.Bytes(addr, uint64(size), hostarch.Read)
	if err != nil {
		return 0, zvmerr.ErrInvalidBuffer
	}
	n, err := c.src.WriteAt(buf, offset)
	if err != nil && n == 0 {
		log.Debugf("Channel %q: write of %d bytes at %d failed: %v", c.spec.Alias, size, offset, err)
		return 0, zvmerr.EIO
	}

	c.counters[zvm.PutsLimit]++
	c.counters[zvm.PutSizeLimit] += int64(n)
	if c.spec.Type.SequentialWrite() {
		c.putPos += int64(n)
		if c.src.Sized() {
			c.size = max(c.size, c.putPos)
		}
	} else {
		c.size = max(c.size, offset+int64(n))
	}
	if c.hasher != nil {
		c.hasher.Write(buf[:n])
	}
	return int64(n), nil
}

// Close tears the channel down. Log-style output files are truncated to the
// logical size, or removed if nothing was written. Host stdio stays open.
func (c *Channel) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	log.Debugf("Closing channel %q: gets %d, get bytes %d, puts %d, put bytes %d", c.spec.Alias,
		c.counters[zvm.GetsLimit], c.counters[zvm.GetSizeLimit], c.counters[zvm.PutsLimit], c.counters[zvm.PutSizeLimit])

	if err := c.src.Close(c.size); err != nil {
		return fmt.Errorf("channel %q: %w", c.spec.Alias, err)
	}
	return nil
}
