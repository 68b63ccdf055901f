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

package kernel

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// Tracer records every trap a process takes, one line per trap:
//
//	<seconds since start> [<seconds since previous trap>]: <call> = <result>
//
// Output is buffered until Flush. A nil *Tracer records nothing.
type Tracer struct {
	mu sync.Mutex

	w     *bufio.Writer
	now   func() time.Time
	start time.Time
	last  time.Time

	// err is the first write error. Later records are dropped.
	err error
}

// NewTracer returns a Tracer writing to w. The clock starts now.
func NewTracer(w io.Writer) *Tracer {
	return newTracer(w, time.Now)
}

func newTracer(w io.Writer, now func() time.Time) *Tracer {
	t := &Tracer{
		w:   bufio.NewWriter(w),
		now: now,
	}
	t.start = now()
	t.last = t.start
	fmt.Fprintf(t.w, "[%d] trace started\n", os.Getpid())
	return t
}

// Trace records call and its result.
func (t *Tracer) Trace(call string, rv int64) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return
	}
	now := t.now()
	_, t.err = fmt.Fprintf(t.w, "%.6f [%.6f]: %s = %d\n", now.Sub(t.start).Seconds(), now.Sub(t.last).Seconds(), call, rv)
	t.last = now
}

// Flush writes buffered records and returns the first write error.
func (t *Tracer) Flush() error {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	t.err = t.w.Flush()
	return t.err
}
