// Copyright 2018 Google Inc.
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

package limits

import (
	"testing"

	"golang.org/x/sys/unix"
)

func TestSet(t *testing.T) {
	ls := NewLimitSet()
	ls.Set(1, Limit{Cur: 50, Max: 50})
	if _, err := ls.Set(1, Limit{Cur: 20, Max: 50}); err != nil {
		t.Fatalf("Tried to lower Limit to valid new value: got %v, wanted nil", err)
	}
	if _, err := ls.Set(1, Limit{Cur: 20, Max: 60}); err != unix.EPERM {
		t.Fatalf("Tried to raise limit.Max to invalid higher value: got %v, wanted unix.EPERM", err)
	}
	if _, err := ls.Set(1, Limit{Cur: 60, Max: 50}); err != unix.EINVAL {
		t.Fatalf("Tried to raise limit.Cur to invalid higher value: got %v, wanted unix.EINVAL", err)
	}
	if _, err := ls.Set(1, Limit{Cur: 11, Max: 10}); err != unix.EINVAL {
		t.Fatalf("Tried to set new limit with Cur > Max: got %v, wanted unix.EINVAL", err)
	}
}

func TestGetDefaultsToInfinity(t *testing.T) {
	ls := NewLimitSet()
	if l := ls.Get(Syscalls); !l.Unlimited() {
		t.Errorf("Get(Syscalls) = %+v, want unlimited", l)
	}
	if got := ls.GetCapped(Memory, 1<<20); got != 1<<20 {
		t.Errorf("GetCapped(Memory) = %d, want %d", got, 1<<20)
	}
}

func TestFixed(t *testing.T) {
	if l := Fixed(0); !l.Unlimited() {
		t.Errorf("Fixed(0) = %+v, want unlimited", l)
	}
	ls := NewLimitSet()
	ls.SetUnchecked(Syscalls, Fixed(10))
	c := ls.GetCopy()
	ls.SetUnchecked(Syscalls, Fixed(20))
	if got := c.Get(Syscalls).Cur; got != 10 {
		t.Errorf("copy observed later update: Cur = %d, want 10", got)
	}
}
