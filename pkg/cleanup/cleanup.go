// Copyright 2020 The gVisor Authors.
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

// Package cleanup provides utilities to clean "stuff" on defers.
package cleanup

import "errors"

// Cleanup allows defers to be aborted when cleanup needs to happen
// conditionally. Usage:
//
//	cu := cleanup.MakeErr(table.Close)
//	defer cu.Clean() // failure before release is called will close the table.
//	...
//	cu.Add(as.Release) // Adds another cleanup function
//	...
//	cu.Release() // on success, aborts closing the table.
//	return p
type Cleanup struct {
	cleaners []func() error
}

// Make creates a new Cleanup object.
func Make(f func()) Cleanup {
	var c Cleanup
	c.Add(f)
	return c
}

// MakeErr creates a new Cleanup object whose first function can fail.
func MakeErr(f func() error) Cleanup {
	return Cleanup{cleaners: []func() error{f}}
}

// Add adds a new function to be called on Clean().
func (c *Cleanup) Add(f func()) {
	c.AddErr(func() error {
		f()
		return nil
	})
}

// AddErr adds a new function that can fail to be called on Clean().
func (c *Cleanup) AddErr(f func() error) {
	c.cleaners = append(c.cleaners, f)
}

// Clean calls all cleanup functions in reverse order and returns their
// errors joined. Every function runs even if an earlier one failed.
func (c *Cleanup) Clean() error {
	err := clean(c.cleaners)
	c.cleaners = nil
	return err
}

// Release releases the cleanup from its duties, i.e. cleanup functions are
// not called after this point. Returns a function that calls all registered
// functions in case the caller has use for them.
func (c *Cleanup) Release() func() error {
	old := c.cleaners
	c.cleaners = nil
	return func() error { return clean(old) }
}

func clean(cleaners []func() error) error {
	var errs []error
	for i := len(cleaners) - 1; i >= 0; i-- {
		if err := cleaners[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
