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

package sim

import (
	"fmt"

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/sync"
)

// x86 page fault error code bits.
const (
	errPresent = 1 << 0
	errWrite   = 1 << 1
	errUser    = 1 << 2
	errFetch   = 1 << 4
)

type pte struct {
	phys   hostarch.Addr
	access hostarch.AccessType
	mt     hostarch.MemoryType
}

// VSpace is an address space: a page table over the kernel's memory.
type VSpace struct {
	kobj.Refs

	k *Kernel

	mu sync.Mutex
	// ptes maps page-aligned virtual addresses.
	//
	// +checklocks:mu
	ptes map[hostarch.Addr]pte
}

var _ platform.AddressSpace = (*VSpace)(nil)

func newVSpace(k *Kernel) *VSpace {
	v := &VSpace{k: k, ptes: make(map[hostarch.Addr]pte)}
	v.InitRefs()
	return v
}

// Type implements kobj.Object.Type.
func (*VSpace) Type() kobj.Type { return kobj.VSpace }

// Map installs m.
func (v *VSpace) Map(m platform.MapItem) error {
	if m.SizeLog2 != hostarch.PageShift && m.SizeLog2 != hostarch.HugePageShift {
		return fmt.Errorf("%v: %w", m, coreerr.ErrBadMapping)
	}
	size := uint64(1) << m.SizeLog2
	if !m.Phys.AlignedTo(m.SizeLog2) || !m.Virt.AlignedTo(m.SizeLog2) {
		return fmt.Errorf("%v: %w", m, coreerr.ErrBadMapping)
	}
	pr, ok := m.Phys.ToRange(size)
	if !ok || !v.k.mem.Arena().Range().IsSupersetOf(pr) {
		return fmt.Errorf("%v outside physical memory: %w", m, coreerr.ErrBadMapping)
	}
	if _, ok := m.Virt.AddLength(size); !ok {
		return fmt.Errorf("%v: %w", m, coreerr.ErrBadMapping)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	for off := uint64(0); off < size; off += hostarch.PageSize {
		v.ptes[m.Virt+hostarch.Addr(off)] = pte{
			phys:   m.Phys + hostarch.Addr(off),
			access: m.Access,
			mt:     m.Memory,
		}
	}
	return nil
}

// Unmap implements platform.AddressSpace.Unmap.
func (v *VSpace) Unmap(r hostarch.AddrRange) {
	v.mu.Lock()
	defer v.mu.Unlock()
	for a := r.Start.RoundDown(); a < r.End; a += hostarch.PageSize {
		delete(v.ptes, a)
	}
}

// translate returns the physical address of addr if an access of type at is
// permitted, or the page fault error code otherwise.
func (v *VSpace) translate(addr hostarch.Addr, at hostarch.AccessType) (hostarch.Addr, uint64, bool) {
	v.mu.Lock()
	p, present := v.ptes[addr.RoundDown()]
	v.mu.Unlock()
	// Reads are implied by every access; a missing read right is not
	// reflected in the error code.
	if present && p.access.SupersetOf(at) {
		return p.phys + hostarch.Addr(addr.PageOffset()), 0, true
	}
	code := uint64(errUser)
	if present {
		code |= errPresent
	}
	if at.Write {
		code |= errWrite
	}
	if at.Execute {
		code |= errFetch
	}
	return 0, code, false
}

// Mapped returns the number of mapped pages.
func (v *VSpace) Mapped() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.ptes)
}
