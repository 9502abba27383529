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

package capspace

import (
	"errors"
	"testing"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
)

func TestAllocatorExhaustion(t *testing.T) {
	a := NewAllocator(8, 2)
	seen := make(map[capability.Selector]bool)
	for i := 0; i < 6; i++ {
		sel, err := a.Alloc()
		if err != nil {
			t.Fatalf("Alloc #%d failed: %v", i, err)
		}
		if sel < 2 || seen[sel] {
			t.Fatalf("Alloc returned reserved or duplicate selector %d", sel)
		}
		seen[sel] = true
	}
	if _, err := a.Alloc(); !errors.Is(err, coreerr.ErrOutOfCapSlots) {
		t.Fatalf("Alloc on full allocator = %v, want %v", err, coreerr.ErrOutOfCapSlots)
	}
	a.Free(4)
	if got := a.Available(); got != 1 {
		t.Errorf("Available() = %d, want 1", got)
	}
	sel, err := a.Alloc()
	if err != nil || sel != 4 {
		t.Errorf("Alloc after Free = (%d, %v), want (4, nil)", sel, err)
	}
}

func TestAllocatorReserve(t *testing.T) {
	a := NewAllocator(4, 0)
	if err := a.Reserve(2); err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := a.Reserve(2); !errors.Is(err, coreerr.ErrSlotOccupied) {
		t.Errorf("second Reserve = %v, want %v", err, coreerr.ErrSlotOccupied)
	}
	if err := a.Reserve(4); !errors.Is(err, coreerr.ErrBadIndex) {
		t.Errorf("out of range Reserve = %v, want %v", err, coreerr.ErrBadIndex)
	}
	for i := 0; i < 3; i++ {
		if sel, _ := a.Alloc(); sel == 2 {
			t.Errorf("Alloc returned reserved selector")
		}
	}
}

func TestAllocatorFreeUnallocatedPanics(t *testing.T) {
	a := NewAllocator(4, 0)
	defer func() {
		if recover() == nil {
			t.Errorf("Free of unallocated selector did not panic")
		}
	}()
	a.Free(1)
}
