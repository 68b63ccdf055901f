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

import "fmt"

// ErrorCode names a reason for refusing to load an image. Every structural
// violation has its own code; there is no partial load.
type ErrorCode int

// Load error codes.
const (
	LoadOK ErrorCode = iota
	LoadReadError
	LoadBadElfMagic
	LoadNot64Bit
	LoadNotLittleEndian
	LoadNotExec
	LoadBadMachine
	LoadBadElfVersion
	LoadTooManyProgramHeaders
	LoadProgramHeaderSizeTooSmall
	LoadBadSegment
	LoadDupSegment
	LoadSegmentBadLoc
	LoadSegmentOutsideAddrSpace
	LoadSegmentBadParam
	LoadRequiredSegMissing
	LoadAddrSpaceTooBig
	LoadDataNotLastSegment
	LoadNoDataButRodataNotLastSegment
	LoadRodataOverlapsData
	LoadTextOverlapsRodata
	LoadTextOverlapsData
	LoadBadRodataAlignment
	LoadBadDataAlignment
	LoadBadEntry
	LoadMemoryError
	LoadValidationFailed
)

var codeNames = map[ErrorCode]string{
	LoadOK:                            "LOAD_OK",
	LoadReadError:                     "LOAD_READ_ERROR",
	LoadBadElfMagic:                   "LOAD_BAD_ELF_MAGIC",
	LoadNot64Bit:                      "LOAD_NOT_64_BIT",
	LoadNotLittleEndian:               "LOAD_NOT_LITTLE_ENDIAN",
	LoadNotExec:                       "LOAD_NOT_EXEC",
	LoadBadMachine:                    "LOAD_BAD_MACHINE",
	LoadBadElfVersion:                 "LOAD_BAD_ELF_VERS",
	LoadTooManyProgramHeaders:         "LOAD_TOO_MANY_PROG_HDRS",
	LoadProgramHeaderSizeTooSmall:     "LOAD_PROG_HDR_SIZE_TOO_SMALL",
	LoadBadSegment:                    "LOAD_BAD_SEGMENT",
	LoadDupSegment:                    "LOAD_DUP_SEGMENT",
	LoadSegmentBadLoc:                 "LOAD_SEGMENT_BAD_LOC",
	LoadSegmentOutsideAddrSpace:       "LOAD_SEGMENT_OUTSIDE_ADDRSPACE",
	LoadSegmentBadParam:               "LOAD_SEGMENT_BAD_PARAM",
	LoadRequiredSegMissing:            "LOAD_REQUIRED_SEG_MISSING",
	LoadAddrSpaceTooBig:               "LOAD_ADDR_SPACE_TOO_BIG",
	LoadDataNotLastSegment:            "LOAD_DATA_NOT_LAST_SEGMENT",
	LoadNoDataButRodataNotLastSegment: "LOAD_NO_DATA_BUT_RODATA_NOT_LAST_SEGMENT",
	LoadRodataOverlapsData:            "LOAD_RODATA_OVERLAPS_DATA",
	LoadTextOverlapsRodata:            "LOAD_TEXT_OVERLAPS_RODATA",
	LoadTextOverlapsData:              "LOAD_TEXT_OVERLAPS_DATA",
	LoadBadRodataAlignment:            "LOAD_BAD_RODATA_ALIGNMENT",
	LoadBadDataAlignment:              "LOAD_BAD_DATA_ALIGNMENT",
	LoadBadEntry:                      "LOAD_BAD_ENTRY",
	LoadMemoryError:                   "LOAD_MEMORY_ERROR",
	LoadValidationFailed:              "LOAD_VALIDATION_FAILED",
}

// String implements fmt.Stringer.String.
func (c ErrorCode) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return fmt.Sprintf("LOAD_ERROR(%d)", int(c))
}

// Error implements error.Error, so that codes can be used as targets of
// errors.Is.
func (c ErrorCode) Error() string {
	return c.String()
}

// Error is returned for every rejected image.
type Error struct {
	Code   ErrorCode
	Detail string
	Err    error
}

func newError(code ErrorCode, format string, v ...any) *Error {
	return &Error{Code: code, Detail: fmt.Sprintf(format, v...)}
}

// Error implements error.Error.
func (e *Error) Error() string {
	msg := e.Code.String()
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is reports whether target is e's ErrorCode.
func (e *Error) Is(target error) bool {
	c, ok := target.(ErrorCode)
	return ok && c == e.Code
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}
