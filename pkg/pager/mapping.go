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

package pager

import (
	"fmt"

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/platform"
)

// Mapping is a naturally aligned page or huge page of physical memory to be
// installed at a virtual address in reply to a fault.
type Mapping struct {
	Phys     hostarch.Addr
	Virt     hostarch.Addr
	SizeLog2 uint
	Access   hostarch.AccessType
	Memory   hostarch.MemoryType
}

// Validate checks the size, alignment, bounds and access of m.
func (m Mapping) Validate() error {
	if m.SizeLog2 != hostarch.PageShift && m.SizeLog2 != hostarch.HugePageShift {
		return fmt.Errorf("mapping of 2^%d bytes: %w", m.SizeLog2, coreerr.ErrBadMapping)
	}
	if !m.Phys.AlignedTo(m.SizeLog2) || !m.Virt.AlignedTo(m.SizeLog2) {
		return fmt.Errorf("mapping %v -> %v not aligned to 2^%d: %w", m.Phys, m.Virt, m.SizeLog2, coreerr.ErrBadMapping)
	}
	size := uint64(1) << m.SizeLog2
	if _, ok := m.Phys.AddLength(size); !ok {
		return fmt.Errorf("mapping at physical %v of 2^%d bytes overflows: %w", m.Phys, m.SizeLog2, coreerr.ErrBadMapping)
	}
	if _, ok := m.Virt.AddLength(size); !ok {
		return fmt.Errorf("mapping at virtual %v of 2^%d bytes overflows: %w", m.Virt, m.SizeLog2, coreerr.ErrBadMapping)
	}
	if !m.Access.Any() {
		return fmt.Errorf("mapping without access: %w", coreerr.ErrBadMapping)
	}
	return nil
}

// Range returns the virtual range covered by m, which must be valid.
func (m Mapping) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: m.Virt, End: m.Virt + hostarch.Addr(1)<<m.SizeLog2}
}

// MapItem returns the kernel representation of m.
func (m Mapping) MapItem() platform.MapItem {
	return platform.MapItem{
		Phys:     m.Phys,
		Virt:     m.Virt,
		SizeLog2: m.SizeLog2,
		Access:   m.Access,
		Memory:   m.Memory,
	}
}

// String implements fmt.Stringer.
func (m Mapping) String() string {
	return fmt.Sprintf("%v -> %v (2^%d, %v, %v)", m.Phys, m.Virt, m.SizeLog2, m.Access, m.Memory)
}
