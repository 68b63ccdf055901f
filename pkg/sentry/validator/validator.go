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

// Package validator defines the interface to the instruction validator that
// approves sandbox code before it may run.
//
// Decoding machine code is out of scope for the runtime. A Validator is an
// oracle: it receives a code region and its sandbox address, and either
// approves it or explains the rejection.
package validator

import (
	"errors"
	"fmt"

	"zerovm.dev/zvm/pkg/abi/zvm"
	"zerovm.dev/zvm/pkg/hostarch"
)

// Validator approves or rejects a code region.
type Validator interface {
	// Validate checks code, which will be mapped at addr.
	Validate(code []byte, addr hostarch.Addr) error

	// Name identifies the validator in logs.
	Name() string
}

// Func adapts a function to a Validator.
type Func func(code []byte, addr hostarch.Addr) error

// Validate implements Validator.Validate.
func (f Func) Validate(code []byte, addr hostarch.Addr) error {
	return f(code, addr)
}

// Name implements Validator.Name.
func (f Func) Name() string {
	return "func"
}

// ErrRejected is wrapped by errors that report rejected code.
var ErrRejected = errors.New("code rejected by validator")

// Rejection describes where validation failed.
type Rejection struct {
	Addr   hostarch.Addr
	Reason string
}

// Error implements error.Error.
func (r *Rejection) Error() string {
	return fmt.Sprintf("%v at %v: %s", ErrRejected, r.Addr, r.Reason)
}

// Unwrap returns ErrRejected.
func (r *Rejection) Unwrap() error {
	return ErrRejected
}

// Bundles performs the structural checks that do not require decoding: the
// region must start on a bundle boundary, be a whole number of bundles, and
// end in a bundle of halts so control cannot run off the end.
type Bundles struct{}

// Name implements Validator.Name.
func (Bundles) Name() string {
	return "bundles"
}

// Validate implements Validator.Validate.
func (Bundles) Validate(code []byte, addr hostarch.Addr) error {
	if !addr.IsAligned(zvm.BundleSize) {
		return &Rejection{Addr: addr, Reason: "region not bundle aligned"}
	}
	if len(code) == 0 || len(code)%zvm.BundleSize != 0 {
		return &Rejection{Addr: addr, Reason: fmt.Sprintf("region length %d is not a positive multiple of %d", len(code), zvm.BundleSize)}
	}
	last := code[len(code)-zvm.BundleSize:]
	for i, b := range last {
		if b != zvm.HaltOpcode {
			off := len(code) - zvm.BundleSize + i
			return &Rejection{Addr: addr + hostarch.Addr(off), Reason: "region does not end in a halt bundle"}
		}
	}
	return nil
}

// Chain runs validators in order and fails on the first rejection.
type Chain []Validator

// Name implements Validator.Name.
func (c Chain) Name() string {
	name := "chain("
	for i, v := range c {
		if i > 0 {
			name += ","
		}
		name += v.Name()
	}
	return name + ")"
}

// Validate implements Validator.Validate.
func (c Chain) Validate(code []byte, addr hostarch.Addr) error {
	for _, v := range c {
		if err := v.Validate(code, addr); err != nil {
			return fmt.Errorf("%s: %w", v.Name(), err)
		}
	}
	return nil
}
