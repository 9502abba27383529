// Copyright 2024 The capcore Authors.
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
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestCaller(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	bl := &BasicLogger{
		Emitter: e,
		Level:   Debug,
	}
	bl.Debugf("testing...\n") // Just for file + line.
	if len(tw.lines) != 1 {
		t.Fatalf("expected 1 line, got %d", len(tw.lines))
	}
	if !strings.Contains(tw.lines[0], "log_test.go") {
		t.Errorf("expected log_test.go in header, got %q", tw.lines[0])
	}
	if !strings.HasPrefix(tw.lines[0], "D") {
		t.Errorf("expected debug marker, got %q", tw.lines[0])
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Info,
	}
	bl.Debugf("hidden")
	bl.Infof("shown")
	bl.Warningf("also shown")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines (%v), want %d", got, tw.lines, want)
	}
	bl.SetLevel(Warning)
	bl.Infof("hidden")
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines after SetLevel, want %d", got, want)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	bl := &BasicLogger{
		Emitter: &Writer{Next: tw},
		Level:   Debug,
	}
	rl := RateLimitedLogger(bl, time.Hour)
	for i := 0; i < 10; i++ {
		rl.Warningf("flood %d", i)
	}
	if got, want := len(tw.lines), 1; got != want {
		t.Fatalf("got %d lines (%v), want %d", got, tw.lines, want)
	}
	if !rl.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false, want true")
	}
}

func TestSuffix(t *testing.T) {
	if got := suffix(0); got != "" {
		t.Errorf("suffix(0) = %q, want empty", got)
	}
	if got, want := suffix(12), " (12 similar messages suppressed)"; got != want {
		t.Errorf("suffix(12) = %q, want %q", got, want)
	}
}
