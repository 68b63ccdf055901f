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

package refs

import "testing"

type testCounter struct {
	AtomicRefCount
	destroyed int
}

func (c *testCounter) DecRef() {
	c.DecRefWithDestructor(func() { c.destroyed++ })
}

var _ RefCounter = (*testCounter)(nil)

func TestRefCountZeroValue(t *testing.T) {
	c := &testCounter{}
	if got := c.ReadRefs(); got != 1 {
		t.Fatalf("ReadRefs() = %d, want 1", got)
	}
	c.IncRef()
	c.IncRef()
	if got := c.ReadRefs(); got != 3 {
		t.Fatalf("ReadRefs() = %d, want 3", got)
	}
	c.DecRef()
	c.DecRef()
	if c.destroyed != 0 {
		t.Fatalf("destroyed while referenced")
	}
	c.DecRef()
	if c.destroyed != 1 {
		t.Fatalf("destructor called %d times, want 1", c.destroyed)
	}
}

func TestTryIncRefAfterDestroy(t *testing.T) {
	c := &testCounter{}
	if !c.TryIncRef() {
		t.Fatalf("TryIncRef failed on a live object")
	}
	c.DecRef()
	c.DecRef()
	if c.TryIncRef() {
		t.Errorf("TryIncRef succeeded on a destroyed object")
	}
}

func TestDecRefUnderflowPanics(t *testing.T) {
	c := &testCounter{}
	c.DecRef()
	defer func() {
		if recover() == nil {
			t.Errorf("DecRef below zero did not panic")
		}
	}()
	c.DecRef()
}
