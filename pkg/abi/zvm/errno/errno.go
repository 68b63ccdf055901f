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

// Package errno holds the error numbers returned to the sandboxed program by
// the trap gateway. Values below InternalErr share their meaning with Linux
// errno values.
package errno

// Errno represents a trap error number. It is returned negated in the
// result register.
type Errno uint32

// Errno values shared with Linux.
const (
	NOERRNO = 0
	EIO     = 5
	ENOMEM  = 12
	EFAULT  = 14
	ENOSYS  = 38
	EDQUOT  = 122
)

// Trap specific error numbers.
const (
	InternalErr = iota + 256
	InvalidDesc
	InvalidMode
	InsaneSize
	InsaneOffset
	InvalidBuffer
	OutOfBounds
	OutOfLimits
)
