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
	"sync/atomic"

	"capcore.dev/capcore/pkg/capability"
)

// BadgeAllocator hands out badges that are unique for the lifetime of a core.
// Badges are never reused, so a stale capability can never alias a new
// object.
type BadgeAllocator struct {
	next atomic.Uint64
}

// NewBadgeAllocator returns an allocator whose first badge is first.
func NewBadgeAllocator(first capability.Badge) *BadgeAllocator {
	if first == capability.Unbadged {
		first++
	}
	b := &BadgeAllocator{}
	b.next.Store(uint64(first))
	return b
}

// Next returns a fresh badge.
func (b *BadgeAllocator) Next() capability.Badge {
	v := b.next.Add(1) - 1
	if capability.Badge(v) == capability.InvalidBadge {
		panic("badge space exhausted")
	}
	return capability.Badge(v)
}
