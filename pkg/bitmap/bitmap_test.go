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

package bitmap

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		if !b.Add(i) {
			t.Errorf("Add(%d) = false, want true", i)
		}
	}
	if b.Add(63) {
		t.Errorf("second Add(63) = true, want false")
	}
	if got, want := b.Count(), uint32(4); got != want {
		t.Errorf("Count() = %d, want %d", got, want)
	}
	if !b.Remove(64) {
		t.Errorf("Remove(64) = false, want true")
	}
	if b.Remove(64) {
		t.Errorf("second Remove(64) = true, want false")
	}
	if b.Contains(64) || !b.Contains(129) {
		t.Errorf("Contains mismatch after Remove")
	}
	var got []uint32
	b.ForEach(func(i uint32) bool {
		got = append(got, i)
		return true
	})
	if diff := cmp.Diff([]uint32{0, 63, 129}, got); diff != "" {
		t.Errorf("ForEach mismatch (-want +got):\n%s", diff)
	}
}

func TestFirstZero(t *testing.T) {
	for _, tc := range []struct {
		name  string
		size  uint32
		set   []uint32
		start uint32
		want  uint32
		fail  bool
	}{
		{name: "empty", size: 64, want: 0},
		{name: "skip set", size: 64, set: []uint32{0, 1, 2}, want: 3},
		{name: "cross word", size: 128, set: rangeOf(0, 64), want: 64},
		{name: "start offset", size: 128, set: []uint32{10}, start: 10, want: 11},
		{name: "full", size: 70, set: rangeOf(0, 70), fail: true},
		{name: "tail beyond size", size: 65, set: rangeOf(0, 65), fail: true},
		{name: "start out of range", size: 8, start: 8, fail: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			b := New(tc.size)
			for _, i := range tc.set {
				b.Add(i)
			}
			got, err := b.FirstZero(tc.start)
			if tc.fail {
				if err == nil {
					t.Fatalf("FirstZero(%d) = %d, want error", tc.start, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("FirstZero(%d) failed: %v", tc.start, err)
			}
			if got != tc.want {
				t.Errorf("FirstZero(%d) = %d, want %d", tc.start, got, tc.want)
			}
		})
	}
}

func rangeOf(start, end uint32) []uint32 {
	var r []uint32
	for i := start; i < end; i++ {
		r = append(r, i)
	}
	return r
}
