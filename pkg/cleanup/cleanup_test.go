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

package cleanup

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestCleanOrder(t *testing.T) {
	var order []string
	errChannel := errors.New("channel teardown failed")

	cu := MakeErr(func() error {
		order = append(order, "channels")
		return errChannel
	})
	cu.Add(func() { order = append(order, "address space") })
	cu.AddErr(func() error {
		order = append(order, "image")
		return nil
	})

	err := cu.Clean()
	if diff := cmp.Diff([]string{"image", "address space", "channels"}, order); diff != "" {
		t.Errorf("unexpected order (-want +got):\n%s", diff)
	}
	if !errors.Is(err, errChannel) {
		t.Errorf("Clean() = %v, want %v", err, errChannel)
	}

	// Cleaners run once.
	if err := cu.Clean(); err != nil {
		t.Errorf("second Clean() = %v, want nil", err)
	}
	if len(order) != 3 {
		t.Errorf("second Clean ran cleaners again: %v", order)
	}
}

func TestCleanJoinsErrors(t *testing.T) {
	errA, errB := errors.New("a"), errors.New("b")
	cu := MakeErr(func() error { return errA })
	cu.AddErr(func() error { return errB })
	err := cu.Clean()
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Clean() = %v, want both %v and %v", err, errA, errB)
	}
}

func TestReleaseDefers(t *testing.T) {
	released := false
	cu := Make(func() { released = true })
	cleaner := cu.Release()
	if err := cu.Clean(); err != nil || released {
		t.Fatalf("Clean after Release = %v, ran %t; want nil, false", err, released)
	}
	if err := cleaner(); err != nil || !released {
		t.Errorf("released cleaner = %v, ran %t; want nil, true", err, released)
	}
}
