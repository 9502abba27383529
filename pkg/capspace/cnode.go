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

// Package capspace implements capability spaces: CNodes holding
// selector-to-object bindings and the selector allocators that hand out
// their indices.
//
// Only core holds the Minter returned by NewRoot, which makes Mint the sole
// path by which a new badge enters the system.
package capspace

import (
	"fmt"
	"sync/atomic"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/sync"
)

// MaxSizeLog2 is the largest supported CNode.
const MaxSizeLog2 = 16

// Binding is the content of an occupied CNode slot.
type Binding struct {
	Object kobj.Object
	Badge  capability.Badge
	Rights capability.Rights
}

// Minter is the authority to bind new badges. The only instance is returned
// by NewRoot.
type Minter struct {
	root *CNode
}

// Root returns the CNode created together with m.
func (m *Minter) Root() *CNode {
	return m.root
}

var nextCNodeID atomic.Uint64

// CNode is a table of 2^sizeLog2 capability slots.
//
// A CNode is itself a kernel object; releasing its last reference clears
// every slot.
type CNode struct {
	kobj.Refs

	// id orders lock acquisition when two CNodes are locked together.
	id       uint64
	sizeLog2 uint

	mu sync.Mutex
	// +checklocks:mu
	slots []Binding
	// +checklocks:mu
	used int
}

// Type implements kobj.Object.Type.
func (*CNode) Type() kobj.Type { return kobj.CNode }

// NewRoot creates core's root CNode and the minting authority.
func NewRoot(sizeLog2 uint) (*CNode, *Minter, error) {
	c, err := NewCNode(sizeLog2)
	if err != nil {
		return nil, nil, err
	}
	return c, &Minter{root: c}, nil
}

// NewCNode creates an empty CNode holding one reference.
func NewCNode(sizeLog2 uint) (*CNode, error) {
	if sizeLog2 > MaxSizeLog2 {
		return nil, fmt.Errorf("CNode of 2^%d slots: %w", sizeLog2, coreerr.ErrCapSpaceFull)
	}
	c := &CNode{
		id:       nextCNodeID.Add(1),
		sizeLog2: sizeLog2,
		slots:    make([]Binding, 1<<sizeLog2),
	}
	c.InitRefs()
	c.OnRelease(c.Clear)
	return c, nil
}

// SizeLog2 returns log2 of the slot count.
func (c *CNode) SizeLog2() uint {
	return c.sizeLog2
}

// Slots returns the number of slots.
func (c *CNode) Slots() int {
	return 1 << c.sizeLog2
}

// Used returns the number of occupied slots.
func (c *CNode) Used() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.used
}

func (c *CNode) checkIndex(idx capability.Selector) error {
	if uint64(idx) >= uint64(len(c.slots)) {
		return fmt.Errorf("index %d in CNode of %d slots: %w", idx, len(c.slots), coreerr.ErrBadIndex)
	}
	return nil
}

// Empty returns true if idx is a valid, unoccupied slot.
func (c *CNode) Empty(idx capability.Selector) bool {
	if c.checkIndex(idx) != nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.slots[idx].Object == nil
}

// Lookup returns the binding at idx.
func (c *CNode) Lookup(idx capability.Selector) (Binding, error) {
	if err := c.checkIndex(idx); err != nil {
		return Binding{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.slots[idx]
	if b.Object == nil {
		return Binding{}, fmt.Errorf("slot %d: %w", idx, coreerr.ErrSlotEmpty)
	}
	return b, nil
}

// Install binds obj, unbadged, at idx. The binding takes over the caller's
// reference on obj.
func (c *CNode) Install(idx capability.Selector, obj kobj.Object, rights capability.Rights) error {
	if err := c.checkIndex(idx); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.insertLocked(idx, Binding{Object: obj, Rights: rights})
}

// +checklocks:c.mu
func (c *CNode) insertLocked(idx capability.Selector, b Binding) error {
	if c.slots[idx].Object != nil {
		return fmt.Errorf("slot %d: %w", idx, coreerr.ErrSlotOccupied)
	}
	c.slots[idx] = b
	c.used++
	return nil
}

// +checklocks:c.mu
func (c *CNode) takeLocked(idx capability.Selector) Binding {
	b := c.slots[idx]
	c.slots[idx] = Binding{}
	c.used--
	return b
}

// lockPair locks c and from in a global order. It returns the unlock
// function.
func lockPair(c, from *CNode) func() {
	if c == from {
		c.mu.Lock()
		return c.mu.Unlock
	}
	first, second := c, from
	if from.id < c.id {
		first, second = from, c
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

// transfer implements Copy, Mint and Move. rebadge is applied to the source
// binding to produce the destination binding.
func (c *CNode) transfer(op string, from *CNode, fromIdx, toIdx capability.Selector, move bool, rebadge func(*Binding) error) error {
	err := func() error {
		if err := from.checkIndex(fromIdx); err != nil {
			return err
		}
		if err := c.checkIndex(toIdx); err != nil {
			return err
		}
		unlock := lockPair(c, from)
		defer unlock()
		src := from.slots[fromIdx]
		if src.Object == nil {
			return fmt.Errorf("source slot %d: %w", fromIdx, coreerr.ErrSlotEmpty)
		}
		if c.slots[toIdx].Object != nil {
			return fmt.Errorf("destination slot %d: %w", toIdx, coreerr.ErrSlotOccupied)
		}
		dst := src
		if rebadge != nil {
			if err := rebadge(&dst); err != nil {
				return err
			}
		}
		if move {
			from.takeLocked(fromIdx)
		} else {
			dst.Object.ObjectRefs().IncRef()
		}
		return c.insertLocked(toIdx, dst)
	}()
	if err != nil {
		log.Warningf("CNode %s %d -> %d failed: %v", op, fromIdx, toIdx, err)
	}
	return err
}

// Copy duplicates the binding at from[fromIdx] into c[toIdx], preserving its
// badge and rights.
func (c *CNode) Copy(from *CNode, fromIdx, toIdx capability.Selector) error {
	return c.transfer("copy", from, fromIdx, toIdx, false, nil)
}

// Move relocates the binding at from[fromIdx] to c[toIdx], leaving the source
// empty. The badge is preserved.
func (c *CNode) Move(from *CNode, fromIdx, toIdx capability.Selector) error {
	return c.transfer("move", from, fromIdx, toIdx, true, nil)
}

// Mint copies the unbadged binding at from[fromIdx] into c[toIdx] with badge
// bound to it. m must be the Minter returned by NewRoot.
func (c *CNode) Mint(m *Minter, from *CNode, fromIdx, toIdx capability.Selector, badge capability.Badge) error {
	if m == nil || m.root == nil {
		log.Warningf("CNode mint %d -> %d without authority", fromIdx, toIdx)
		return coreerr.ErrNotPrivileged
	}
	return c.transfer("mint", from, fromIdx, toIdx, false, func(b *Binding) error {
		if badge == capability.Unbadged || badge == capability.InvalidBadge {
			return fmt.Errorf("badge %v: %w", badge, coreerr.ErrBadBadge)
		}
		if b.Badge != capability.Unbadged {
			return fmt.Errorf("source carries badge %v: %w", b.Badge, coreerr.ErrAlreadyBadged)
		}
		b.Badge = badge
		return nil
	})
}

// Remove deletes the binding at idx. The object is destroyed only if this was
// its last binding.
func (c *CNode) Remove(idx capability.Selector) error {
	if err := c.checkIndex(idx); err != nil {
		return err
	}
	c.mu.Lock()
	if c.slots[idx].Object == nil {
		c.mu.Unlock()
		return fmt.Errorf("slot %d: %w", idx, coreerr.ErrSlotEmpty)
	}
	b := c.takeLocked(idx)
	c.mu.Unlock()

	// Release hooks may re-enter this CNode.
	b.Object.ObjectRefs().DecRef()
	return nil
}

// Clear removes every binding, highest index first.
func (c *CNode) Clear() {
	c.mu.Lock()
	var drop []Binding
	for i := len(c.slots) - 1; i >= 0; i-- {
		if c.slots[i].Object != nil {
			drop = append(drop, c.takeLocked(capability.Selector(i)))
		}
	}
	c.mu.Unlock()
	for _, b := range drop {
		b.Object.ObjectRefs().DecRef()
	}
}
