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

// Package capability defines the values that name kernel objects and
// RPC-visible server objects.
//
// A capability is a pair of a local selector, which is only meaningful in the
// capability space of the protection domain that holds it, and a badge. The
// badge is bound by core when the capability is minted and is the only
// identity a server may trust; payload data never conveys one.
package capability

import (
	"fmt"
)

// Selector is an index into a protection domain's capability space.
type Selector uint32

// InvalidSelector names no slot.
const InvalidSelector = ^Selector(0)

// Badge is the identity value bound to a capability at mint time.
type Badge uint64

const (
	// Unbadged is the badge of an original, unminted capability.
	Unbadged Badge = 0

	// InvalidBadge is the wire sentinel for "no capability in this slot".
	// It is never bound to a real capability.
	InvalidBadge = ^Badge(0)
)

func (b Badge) String() string {
	switch b {
	case Unbadged:
		return "unbadged"
	case InvalidBadge:
		return "invalid"
	default:
		return fmt.Sprintf("%#x", uint64(b))
	}
}

// Rights restricts what the holder of a capability may do with it.
type Rights uint8

// Capability rights, following the seL4 model.
const (
	Read Rights = 1 << iota
	Write
	Grant
	GrantReply

	// AllRights grants every right.
	AllRights = Read | Write | Grant | GrantReply
)

// Has returns true if r includes every right in want.
func (r Rights) Has(want Rights) bool {
	return r&want == want
}

func (r Rights) String() string {
	b := []byte("----")
	for i, c := range "rwgR" {
		if r&(1<<i) != 0 {
			b[i] = byte(c)
		}
	}
	return string(b)
}

// Capability is a selector plus the badge core bound to it.
//
// The zero value is a valid unbadged capability for selector 0; use Invalid
// for a placeholder.
type Capability struct {
	sel   Selector
	badge Badge
}

// New returns a capability naming sel with the given badge.
func New(sel Selector, badge Badge) Capability {
	return Capability{sel: sel, badge: badge}
}

// Invalid returns the placeholder capability.
func Invalid() Capability {
	return Capability{sel: InvalidSelector, badge: InvalidBadge}
}

// Valid returns true if c refers to a selector.
func (c Capability) Valid() bool {
	return c.sel != InvalidSelector
}

// Selector returns c's local selector.
func (c Capability) Selector() Selector {
	return c.sel
}

// Badge returns c's badge.
func (c Capability) Badge() Badge {
	return c.badge
}

// String implements fmt.Stringer.
func (c Capability) String() string {
	if !c.Valid() {
		return "cap{invalid}"
	}
	return fmt.Sprintf("cap{sel=%d badge=%v}", c.sel, c.badge)
}
