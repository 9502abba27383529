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

package ilist

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

type testEntry struct {
	Entry[*testEntry]
	value int
}

func values(l *List[*testEntry]) []int {
	var vs []int
	for e := l.Front(); e != nil; e = e.Next() {
		vs = append(vs, e.value)
	}
	return vs
}

func TestPushPop(t *testing.T) {
	var l List[*testEntry]
	if !l.Empty() {
		t.Fatalf("new list is not empty")
	}
	es := make([]*testEntry, 5)
	for i := range es {
		es[i] = &testEntry{value: i}
		l.PushBack(es[i])
	}
	if got := l.Len(); got != 5 {
		t.Errorf("Len = %d, want 5", got)
	}
	if diff := cmp.Diff([]int{0, 1, 2, 3, 4}, values(&l)); diff != "" {
		t.Errorf("list mismatch (-want +got):\n%s", diff)
	}

	l.Remove(es[2])
	l.Remove(es[4])
	if diff := cmp.Diff([]int{0, 1, 3}, values(&l)); diff != "" {
		t.Errorf("list after Remove mismatch (-want +got):\n%s", diff)
	}
	if l.Back() != es[3] {
		t.Errorf("Back = %v, want %v", l.Back(), es[3])
	}

	for _, want := range []int{0, 1, 3} {
		if e := l.PopFront(); e == nil || e.value != want {
			t.Fatalf("PopFront = %v, want %d", e, want)
		}
	}
	if e := l.PopFront(); e != nil {
		t.Errorf("PopFront on empty list = %v", e)
	}
	if !l.Empty() {
		t.Errorf("list not empty after popping everything")
	}
}

func TestReset(t *testing.T) {
	var l List[*testEntry]
	l.PushBack(&testEntry{value: 1})
	l.Reset()
	if !l.Empty() || l.Len() != 0 {
		t.Errorf("list not empty after Reset")
	}
}
