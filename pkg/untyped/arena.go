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

// Package untyped manages raw memory that has not yet been retyped into a
// kernel object.
//
// Physical memory is simulated by an anonymous host mapping (Arena). A Pool
// hands out naturally aligned power-of-two blocks of it, and Memory retypes
// those blocks into kernel objects.
package untyped

import (
	"fmt"

	"golang.org/x/sys/unix"

	"capcore.dev/capcore/pkg/hostarch"
)

// Arena is a contiguous range of simulated physical memory.
type Arena struct {
	base hostarch.Addr
	mem  []byte
}

// NewArena maps size bytes of anonymous memory standing in for the physical
// range [base, base+size).
func NewArena(base hostarch.Addr, size uint64) (*Arena, error) {
	if !base.IsPageAligned() || size == 0 || size%hostarch.PageSize != 0 {
		return nil, fmt.Errorf("arena [%v, +%#x) is not page aligned", base, size)
	}
	if _, ok := base.AddLength(size); !ok {
		return nil, fmt.Errorf("arena [%v, +%#x) overflows", base, size)
	}
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap arena: %v", err)
	}
	return &Arena{base: base, mem: mem}, nil
}

// Range returns the physical range covered by a.
func (a *Arena) Range() hostarch.AddrRange {
	return hostarch.AddrRange{Start: a.base, End: a.base + hostarch.Addr(len(a.mem))}
}

// Slice returns the host memory backing [pa, pa+length).
func (a *Arena) Slice(pa hostarch.Addr, length uint64) ([]byte, error) {
	r, ok := pa.ToRange(length)
	if !ok || !a.Range().IsSupersetOf(r) {
		return nil, fmt.Errorf("range [%v, +%#x) outside arena %v", pa, length, a.Range())
	}
	off := uint64(pa - a.base)
	return a.mem[off : off+length : off+length], nil
}

// Zero clears [pa, pa+length).
func (a *Arena) Zero(pa hostarch.Addr, length uint64) {
	b, err := a.Slice(pa, length)
	if err != nil {
		panic(err)
	}
	clear(b)
}

// Release unmaps the arena. No slice returned by Slice may be used
// afterwards.
func (a *Arena) Release() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	return err
}
