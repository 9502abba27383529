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

package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"capcore.dev/capcore/pkg/core"
	"capcore.dev/capcore/pkg/platform/sim"
)

func TestRun(t *testing.T) {
	for _, name := range []string{sim.IPCName, sim.SignalName} {
		t.Run(name, func(t *testing.T) {
			w := Workload{Sessions: 2, Threads: 2, Pages: 3, RAM: 1 << 20}
			r, err := Run(context.Background(), core.Config{Platform: name, NumCPUs: 2, MemorySize: 16 << 20}, w)
			if err != nil {
				t.Fatalf("Run failed: %v", err)
			}
			if r.Sessions != 2 || r.Threads != 4 || r.Pages != 12 {
				t.Errorf("Run = %v", r)
			}
			// Every page faults once on its first write.
			if r.Faults < 12 {
				t.Errorf("resolved %d faults, want at least 12", r.Faults)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	var b bytes.Buffer
	if err := classify(&b, []string{"0x2", "0", "17", "0x1"}); err != nil {
		t.Fatalf("classify failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(b.String()), "\n")
	var types []string
	for _, l := range lines {
		f := strings.Fields(l)
		types = append(types, f[1])
	}
	want := []string{"write", "page-missing", "exec", "unknown"}
	if diff := cmp.Diff(want, types); diff != "" {
		t.Errorf("classify mismatch (-want +got):\n%s", diff)
	}
	if err := classify(&b, []string{"zz"}); err == nil {
		t.Errorf("classify of %q succeeded", "zz")
	}
}

func TestListPlatforms(t *testing.T) {
	var b bytes.Buffer
	if err := listPlatforms(&b); err != nil {
		t.Fatalf("listPlatforms failed: %v", err)
	}
	for _, want := range []string{sim.IPCName + "\tfaults by ipc", sim.SignalName + "\tfaults by signal"} {
		if !strings.Contains(b.String(), want) {
			t.Errorf("listPlatforms output %q lacks %q", b.String(), want)
		}
	}
}
