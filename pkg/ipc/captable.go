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

package ipc

import (
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/sync"
)

// SelectorAllocator allocates selectors of a capability space.
//
// Implementations outside core may perform IPC to obtain selectors.
type SelectorAllocator interface {
	Alloc() (capability.Selector, error)
	Free(sel capability.Selector)
}

// CapSpace is the part of a capability space the table needs.
type CapSpace interface {
	Remove(sel capability.Selector) error
}

// CapTable maps badges to the local selectors holding them. There is exactly
// one selector per known badge; duplicates received later are deleted.
type CapTable struct {
	cspace CapSpace
	alloc  SelectorAllocator

	mu sync.Mutex
	// +checklocks:mu
	byBadge map[capability.Badge]capability.Selector
}

// NewCapTable returns an empty table over cspace.
func NewCapTable(cspace CapSpace, alloc SelectorAllocator) *CapTable {
	return &CapTable{
		cspace:  cspace,
		alloc:   alloc,
		byBadge: make(map[capability.Badge]capability.Selector),
	}
}

// Lookup returns the local capability for badge.
func (t *CapTable) Lookup(badge capability.Badge) (capability.Capability, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	sel, ok := t.byBadge[badge]
	if !ok {
		return capability.Invalid(), false
	}
	return capability.New(sel, badge), true
}

// Insert records that sel holds the capability badged badge. If the badge is
// already known, sel is deleted and the existing capability is returned.
func (t *CapTable) Insert(badge capability.Badge, sel capability.Selector) capability.Capability {
	t.mu.Lock()
	old, ok := t.byBadge[badge]
	if !ok {
		t.byBadge[badge] = sel
	}
	t.mu.Unlock()
	if ok {
		if old != sel {
			t.discard(sel)
		}
		return capability.New(old, badge)
	}
	return capability.New(sel, badge)
}

// Remove forgets badge and deletes its selector.
func (t *CapTable) Remove(badge capability.Badge) {
	t.mu.Lock()
	sel, ok := t.byBadge[badge]
	delete(t.byBadge, badge)
	t.mu.Unlock()
	if ok {
		t.discard(sel)
	}
}

// Forget drops badge from the table without deleting its selector.
func (t *CapTable) Forget(badge capability.Badge) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byBadge, badge)
}

// Len returns the number of known badges.
func (t *CapTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byBadge)
}

// discard deletes sel and frees it.
func (t *CapTable) discard(sel capability.Selector) {
	if err := t.cspace.Remove(sel); err != nil {
		diag.Warningf("Deleting duplicate capability at %d: %v", sel, err)
	}
	t.alloc.Free(sel)
}

// PrepareWindow fills the empty slots of u's receive window with fresh
// selectors.
func (t *CapTable) PrepareWindow(u *platform.UTCB) error {
	for i, sel := range u.RecvWindow {
		if sel != capability.InvalidSelector {
			continue
		}
		s, err := t.alloc.Alloc()
		if err != nil {
			return fmt.Errorf("preparing receive window: %w", err)
		}
		u.RecvWindow[i] = s
	}
	return nil
}

// ReleaseWindow frees the selectors of u's receive window.
func (t *CapTable) ReleaseWindow(u *platform.UTCB) {
	for i, sel := range u.RecvWindow {
		if sel != capability.InvalidSelector {
			t.alloc.Free(sel)
			u.RecvWindow[i] = capability.InvalidSelector
		}
	}
}
