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
	"fmt"

	"capcore.dev/capcore/pkg/bitmap"
	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/sync"
)

// Allocator hands out the selectors of one capability space.
type Allocator struct {
	mu sync.Mutex
	// +checklocks:mu
	bits bitmap.Bitmap
	// +checklocks:mu
	next uint32
}

// NewAllocator returns an allocator over [0, size) with [0, reserved)
// already taken.
func NewAllocator(size, reserved uint32) *Allocator {
	a := &Allocator{bits: bitmap.New(size)}
	for i := uint32(0); i < reserved && i < size; i++ {
		a.bits.Add(i)
	}
	a.next = reserved
	return a
}

// Alloc returns a free selector.
func (a *Allocator) Alloc() (capability.Selector, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bits.Count() == a.bits.Size() {
		return capability.InvalidSelector, coreerr.ErrOutOfCapSlots
	}
	// Search from the last allocation so that a freed selector is not
	// immediately reused.
	i, err := a.bits.FirstZero(a.next)
	if err != nil {
		if i, err = a.bits.FirstZero(0); err != nil {
			return capability.InvalidSelector, coreerr.ErrOutOfCapSlots
		}
	}
	a.bits.Add(i)
	a.next = i + 1
	return capability.Selector(i), nil
}

// Reserve marks sel as taken.
func (a *Allocator) Reserve(sel capability.Selector) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(sel) >= a.bits.Size() {
		return fmt.Errorf("selector %d: %w", sel, coreerr.ErrBadIndex)
	}
	if !a.bits.Add(uint32(sel)) {
		return fmt.Errorf("selector %d: %w", sel, coreerr.ErrSlotOccupied)
	}
	return nil
}

// Free returns sel to the allocator.
func (a *Allocator) Free(sel capability.Selector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint32(sel) >= a.bits.Size() || !a.bits.Remove(uint32(sel)) {
		panic(fmt.Sprintf("freeing unallocated selector %d", sel))
	}
}

// Available returns the number of free selectors.
func (a *Allocator) Available() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.bits.Size() - a.bits.Count()
}
