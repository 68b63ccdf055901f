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

// Package zvmerr contains the trap gateway error values exported as error
// interface pointers, in the manner of unix.Errno constants.
package zvmerr

import (
	"zerovm.dev/zvm/pkg/abi/zvm/errno"
	"zerovm.dev/zvm/pkg/errors"
)

// Errors reported to the sandboxed program.
var (
	EIO             = errors.New(errno.EIO, "I/O error")
	ENOMEM          = errors.New(errno.ENOMEM, "out of memory")
	EFAULT          = errors.New(errno.EFAULT, "bad address")
	ErrNotSupported = errors.New(errno.ENOSYS, "operation not supported")

	// ErrLimitsExceeded is returned once the syscall ceiling is reached.
	ErrLimitsExceeded = errors.New(errno.EDQUOT, "syscall limit exceeded")

	ErrInternal      = errors.New(errno.InternalErr, "internal error")
	ErrInvalidDesc   = errors.New(errno.InvalidDesc, "invalid channel descriptor")
	ErrInvalidMode   = errors.New(errno.InvalidMode, "invalid channel mode")
	ErrInsaneSize    = errors.New(errno.InsaneSize, "invalid size")
	ErrInsaneOffset  = errors.New(errno.InsaneOffset, "invalid offset")
	ErrInvalidBuffer = errors.New(errno.InvalidBuffer, "invalid buffer")
	ErrOutOfBounds   = errors.New(errno.OutOfBounds, "offset out of channel bounds")
	ErrOutOfLimits   = errors.New(errno.OutOfLimits, "channel limits exhausted")
)

// ToError converts err to the value reported to the sandboxed program. Errors
// that are not *errors.Error are reported as EIO.
func ToError(err error) *errors.Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*errors.Error); ok {
		return e
	}
	return EIO
}

// Equals compares an *errors.Error to a generic error. nil values compare
// equal.
func Equals(e *errors.Error, err error) bool {
	if err == nil {
		return e == nil
	}
	if e == nil {
		return false
	}
	if ze, ok := err.(*errors.Error); ok {
		return ze.Errno() == e.Errno()
	}
	return false
}
