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

package untyped

import (
	"errors"
	"fmt"

	"capcore.dev/capcore/pkg/capability"
	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/cleanup"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
	"capcore.dev/capcore/pkg/log"
)

// Region is a block of untyped memory retyped for one object.
type Region struct {
	Base     hostarch.Addr
	SizeLog2 uint
}

// Length returns the size of r in bytes.
func (r Region) Length() uint64 {
	return uint64(1) << r.SizeLog2
}

// Memory is core's untyped memory: an arena and the pool allocating from it.
type Memory struct {
	arena *Arena
	pool  *Pool
}

// NewMemory returns untyped memory covering all of arena.
func NewMemory(arena *Arena) *Memory {
	return &Memory{arena: arena, pool: NewPool(arena.Range())}
}

// Arena returns the backing arena.
func (m *Memory) Arena() *Arena {
	return m.arena
}

// Avail returns the number of untyped bytes not yet retyped.
func (m *Memory) Avail() uint64 {
	return m.pool.Avail()
}

// Retype reserves the exact quantum an object of type typ requires. The
// memory is zeroed.
func (m *Memory) Retype(typ kobj.Type, param uint) (Region, error) {
	sizeLog2 := typ.SizeLog2(param)
	base, err := m.pool.Alloc(sizeLog2)
	if err != nil {
		return Region{}, fmt.Errorf("retyping %v: %w", typ, err)
	}
	r := Region{Base: base, SizeLog2: sizeLog2}
	m.arena.Zero(r.Base, r.Length())
	return r, nil
}

// Release returns r to the untyped pool.
func (m *Memory) Release(r Region) {
	m.pool.Free(r.Base, r.SizeLog2)
}

// AllocPage reserves one page of untyped memory.
func (m *Memory) AllocPage() (Region, error) {
	return m.Retype(kobj.Untyped, hostarch.PageShift)
}

// ConvertToPageFrames retypes the untyped region r into page frames. Each
// frame owns its page and returns it to the pool when released.
func (m *Memory) ConvertToPageFrames(r Region) ([]*Frame, error) {
	if r.SizeLog2 < hostarch.PageShift || !r.Base.IsPageAligned() {
		return nil, fmt.Errorf("region %v/2^%d: %w", r.Base, r.SizeLog2, coreerr.ErrRetype)
	}
	n := r.Length() / hostarch.PageSize
	frames := make([]*Frame, 0, n)
	for i := uint64(0); i < n; i++ {
		pa := r.Base + hostarch.Addr(i*hostarch.PageSize)
		f, err := m.newFrame(Region{Base: pa, SizeLog2: hostarch.PageShift}, kobj.Frame)
		if err != nil {
			// Pages already converted belong to their frames.
			for j := i; j < n; j++ {
				m.pool.Free(r.Base+hostarch.Addr(j*hostarch.PageSize), hostarch.PageShift)
			}
			for _, f := range frames {
				f.DecRef()
			}
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// NewFrame creates a frame of type kobj.Frame or kobj.HugeFrame from fresh
// untyped memory.
func (m *Memory) NewFrame(typ kobj.Type) (*Frame, error) {
	r, err := m.Retype(typ, 0)
	if err != nil {
		return nil, err
	}
	f, err := m.newFrame(r, typ)
	if err != nil {
		m.Release(r)
		return nil, err
	}
	return f, nil
}

func (m *Memory) newFrame(r Region, typ kobj.Type) (*Frame, error) {
	if typ != kobj.Frame && typ != kobj.HugeFrame {
		return nil, fmt.Errorf("frame of type %v: %w", typ, coreerr.ErrRetype)
	}
	b, err := m.arena.Slice(r.Base, r.Length())
	if err != nil {
		return nil, err
	}
	f := &Frame{typ: typ, region: r, data: b}
	f.InitRefs()
	f.OnRelease(func() { m.Release(r) })
	return f, nil
}

// Frame is a page or superpage of memory usable in mappings.
type Frame struct {
	kobj.Refs

	typ    kobj.Type
	region Region
	data   []byte
}

// Type implements kobj.Object.Type.
func (f *Frame) Type() kobj.Type { return f.typ }

// Phys returns the frame's physical address.
func (f *Frame) Phys() hostarch.Addr {
	return f.region.Base
}

// SizeLog2 returns log2 of the frame size.
func (f *Frame) SizeLog2() uint {
	return f.region.SizeLog2
}

// Data returns the memory backing the frame.
func (f *Frame) Data() []byte {
	return f.data
}

// Create implements creation of a kernel object from untyped memory: it
// checks the destination slot, retypes an object-sized quantum, constructs the
// object in it, and installs the unbadged capability at cn[idx]. Any failure
// rolls back every earlier step.
//
// newObj must return an object holding one reference; the installed binding
// takes it over. The region is returned to the pool when the object is
// released.
func Create[K kobj.Object](m *Memory, cn *capspace.CNode, idx capability.Selector, typ kobj.Type, param uint, newObj func(Region) (K, error)) (K, error) {
	var zero K
	switch _, err := cn.Lookup(idx); {
	case err == nil:
		return zero, fmt.Errorf("creating %v at %d: %w", typ, idx, coreerr.ErrSlotOccupied)
	case !errors.Is(err, coreerr.ErrSlotEmpty):
		return zero, fmt.Errorf("creating %v: %w", typ, err)
	}
	r, err := m.Retype(typ, param)
	if err != nil {
		return zero, err
	}
	cu := cleanup.Make(func() { m.Release(r) })
	defer cu.Clean()

	obj, err := newObj(r)
	if err != nil {
		return zero, fmt.Errorf("constructing %v: %w", typ, err)
	}
	// From here the object owns the region.
	cu.Release()
	obj.ObjectRefs().OnRelease(func() { m.Release(r) })

	if err := cn.Install(idx, obj, capability.AllRights); err != nil {
		log.Warningf("Installing %v at %d failed: %v", typ, idx, err)
		obj.ObjectRefs().DecRef()
		return zero, err
	}
	return obj, nil
}
