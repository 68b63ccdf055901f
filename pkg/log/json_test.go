// Copyright 2018 The gVisor Authors.
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

package log

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func TestLevelJSON(t *testing.T) {
	for _, test := range []struct {
		in   string
		want Level
		ok   bool
	}{
		{`"warning"`, Warning, true},
		{`"info"`, Info, true},
		{`"debug"`, Debug, true},
		{`0`, Warning, true},
		{`2`, Debug, true},
		{`"fatal"`, 0, false},
		{`3`, 0, false},
		{`-1`, 0, false},
	} {
		var l Level
		err := json.Unmarshal([]byte(test.in), &l)
		if (err == nil) != test.ok {
			t.Errorf("Unmarshal(%s) = %v, want ok %t", test.in, err, test.ok)
			continue
		}
		if test.ok && l != test.want {
			t.Errorf("Unmarshal(%s) = %v, want %v", test.in, l, test.want)
		}
	}

	for _, l := range []Level{Warning, Info, Debug} {
		b, err := json.Marshal(l)
		if err != nil {
			t.Fatalf("Marshal(%v) failed: %v", l, err)
		}
		var got Level
		if err := json.Unmarshal(b, &got); err != nil || got != l {
			t.Errorf("round trip of %v through %s = %v, %v", l, b, got, err)
		}
	}
	if _, err := json.Marshal(Level(7)); err == nil {
		t.Errorf("Marshal(Level(7)) succeeded")
	}
}

func TestJSONEmitter(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Debug, Emitter: JSONEmitter{Writer: &Writer{Next: tw}, Command: "run"}}
	l.Debugf("Trap %d: %v failed: %v", 3, "read(9, 0x31000, 5, 0)", "invalid descriptor")

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(tw.lines), tw.lines)
	}
	if !strings.HasSuffix(tw.lines[0], "\n") {
		t.Errorf("line %q is not newline terminated", tw.lines[0])
	}
	var got jsonLog
	if err := json.Unmarshal([]byte(tw.lines[0]), &got); err != nil {
		t.Fatalf("bad JSON %q: %v", tw.lines[0], err)
	}
	want := jsonLog{
		Msg:     "Trap 3: read(9, 0x31000, 5, 0) failed: invalid descriptor",
		Level:   Debug,
		Command: "run",
		PID:     os.Getpid(),
	}
	if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(jsonLog{}, "Time", "Caller")); diff != "" {
		t.Errorf("line mismatch (-want +got):\n%s", diff)
	}
	if !strings.HasPrefix(got.Caller, "json_test.go:") {
		t.Errorf("Caller = %q, want json_test.go:<line>", got.Caller)
	}
	if time.Since(got.Time) > time.Minute {
		t.Errorf("Time = %v, want about now", got.Time)
	}
}
