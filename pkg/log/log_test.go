// Copyright 2018 Google LLC
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
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"\n*** Dropped 2 log messages ***\n",
		"line 2\n",
	}
	if diff := cmp.Diff(expected, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	l.Debugf("debug %d", 1)
	l.Infof("info %d", 2)
	l.Warningf("warning %d", 3)
	if diff := cmp.Diff([]string{"info 2", "warning 3"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}

	l.SetLevel(Warning)
	if l.IsLogging(Info) {
		t.Errorf("IsLogging(Info) = true after SetLevel(Warning)")
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	l := BasicLogger{Level: Debug, Emitter: &m}
	l.Debugf("hello")
	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Errorf("expected one line per emitter, got %v and %v", a.lines, b.lines)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	l := RateLimitedLogger(&BasicLogger{Level: Debug, Emitter: &Writer{Next: tw}}, time.Hour)
	for i := 0; i < 10; i++ {
		l.Warningf("rejected %d", i)
	}
	if diff := cmp.Diff([]string{"rejected 0"}, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestRateLimitedLoggerSuppressed(t *testing.T) {
	tw := &testWriter{}
	limit := rate.NewLimiter(rate.Every(time.Hour), 1)
	l := newRateLimitedLogger(&BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}, limit)

	// Below the logger's level: no token is consumed.
	l.Debugf("trap %d rejected", 0)
	for i := 1; i <= 3; i++ {
		l.Infof("trap %d rejected", i)
	}
	limit.SetLimit(rate.Inf)
	l.Infof("trap %d rejected", 4)
	l.Infof("trap %d rejected", 5)

	want := []string{
		"trap 1 rejected",
		"trap 4 rejected (2 similar messages suppressed)",
		"trap 5 rejected",
	}
	if diff := cmp.Diff(want, tw.lines); diff != "" {
		t.Errorf("unexpected lines (-want +got):\n%s", diff)
	}
}

func TestPatternOpts(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 6000, time.UTC)
	got := PatternOpts{Command: "run", Time: ts}.Build("/tmp/zvm/%TIMESTAMP%.%COMMAND%.log")
	if want := "/tmp/zvm/20260102-030405.000006.run.log"; got != want {
		t.Errorf("Build() = %q, want %q", got, want)
	}
}

func TestGoogleEmitterFormat(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, 5, 7, 8, 9, 10, 11000, time.UTC)
	e.Emit(0, Info, ts, "loaded %s", "image")
	if len(tw.lines) != 1 {
		t.Fatalf("expected one line, got %v", tw.lines)
	}
	if !strings.HasPrefix(tw.lines[0], "I0507 08:09:10.000011 ") {
		t.Errorf("unexpected header: %q", tw.lines[0])
	}
	if !strings.HasSuffix(tw.lines[0], "] loaded image\n") {
		t.Errorf("unexpected message: %q", tw.lines[0])
	}
}
