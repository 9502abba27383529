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
	"testing"

	"capcore.dev/capcore/pkg/capspace"
	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/kobj"
)

func newMemory(t *testing.T, size uint64) *Memory {
	t.Helper()
	a, err := NewArena(0x100000, size)
	if err != nil {
		t.Fatalf("NewArena failed: %v", err)
	}
	t.Cleanup(func() { a.Release() })
	return NewMemory(a)
}

func TestPoolAlignment(t *testing.T) {
	p := NewPool(hostarch.AddrRange{Start: 0x1010, End: 0x10000})
	for _, sizeLog2 := range []uint{4, 12, 8, 13, 4} {
		a, err := p.Alloc(sizeLog2)
		if err != nil {
			t.Fatalf("Alloc(%d) failed: %v", sizeLog2, err)
		}
		if !a.AlignedTo(sizeLog2) {
			t.Errorf("Alloc(%d) = %v, not naturally aligned", sizeLog2, a)
		}
	}
}

func TestPoolCoalesce(t *testing.T) {
	r := hostarch.AddrRange{Start: 0, End: 4 * hostarch.PageSize}
	p := NewPool(r)
	var pages []hostarch.Addr
	for i := 0; i < 4; i++ {
		a, err := p.Alloc(hostarch.PageShift)
		if err != nil {
			t.Fatalf("Alloc failed: %v", err)
		}
		pages = append(pages, a)
	}
	if _, err := p.Alloc(hostarch.PageShift); !errors.Is(err, coreerr.ErrOutOfUntyped) {
		t.Fatalf("Alloc on empty pool = %v, want %v", err, coreerr.ErrOutOfUntyped)
	}
	for _, i := range []int{1, 3, 0, 2} {
		p.Free(pages[i], hostarch.PageShift)
	}
	if got := p.Spans(); got != 1 {
		t.Errorf("Spans() = %d after freeing everything, want 1", got)
	}
	if got := p.Avail(); got != r.Length() {
		t.Errorf("Avail() = %d, want %d", got, r.Length())
	}
	if _, err := p.Alloc(hostarch.PageShift + 2); err != nil {
		t.Errorf("Alloc of whole pool after coalescing failed: %v", err)
	}
}

func TestPoolDoubleFreePanics(t *testing.T) {
	p := NewPool(hostarch.AddrRange{Start: 0, End: 2 * hostarch.PageSize})
	a, _ := p.Alloc(hostarch.PageShift)
	p.Free(a, hostarch.PageShift)
	defer func() {
		if recover() == nil {
			t.Errorf("double free did not panic")
		}
	}()
	p.Free(a, hostarch.PageShift)
}

type endpoint struct {
	kobj.Refs
	region Region
}

func (*endpoint) Type() kobj.Type { return kobj.Endpoint }

func newEndpoint(r Region) (*endpoint, error) {
	e := &endpoint{region: r}
	e.InitRefs()
	return e, nil
}

func TestCreate(t *testing.T) {
	m := newMemory(t, 16*hostarch.PageSize)
	cn, err := capspace.NewCNode(4)
	if err != nil {
		t.Fatalf("NewCNode failed: %v", err)
	}
	before := m.Avail()
	ep, err := Create(m, cn, 2, kobj.Endpoint, 0, newEndpoint)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if ep.region.SizeLog2 != kobj.Endpoint.SizeLog2(0) {
		t.Errorf("endpoint got 2^%d bytes, want 2^%d", ep.region.SizeLog2, kobj.Endpoint.SizeLog2(0))
	}
	if got, want := m.Avail(), before-ep.region.Length(); got != want {
		t.Errorf("Avail() = %d, want %d", got, want)
	}

	if _, err := Create(m, cn, 2, kobj.Endpoint, 0, newEndpoint); !errors.Is(err, coreerr.ErrSlotOccupied) {
		t.Errorf("Create into occupied slot = %v, want %v", err, coreerr.ErrSlotOccupied)
	}
	if _, err := Create(m, cn, 99, kobj.Endpoint, 0, newEndpoint); !errors.Is(err, coreerr.ErrBadIndex) {
		t.Errorf("Create into bad slot = %v, want %v", err, coreerr.ErrBadIndex)
	}
	if got, want := m.Avail(), before-ep.region.Length(); got != want {
		t.Errorf("failed creations leaked memory: Avail() = %d, want %d", got, want)
	}

	if err := cn.Remove(2); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if got := m.Avail(); got != before {
		t.Errorf("Avail() = %d after removal, want %d", got, before)
	}
}

func TestCreateConstructorFailure(t *testing.T) {
	m := newMemory(t, 4*hostarch.PageSize)
	cn, _ := capspace.NewCNode(2)
	before := m.Avail()
	boom := errors.New("boom")
	_, err := Create(m, cn, 0, kobj.TCB, 0, func(Region) (*endpoint, error) { return nil, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Create = %v, want %v", err, boom)
	}
	if got := m.Avail(); got != before {
		t.Errorf("Avail() = %d after failed construction, want %d", got, before)
	}
	if !cn.Empty(0) {
		t.Errorf("slot occupied after failed construction")
	}
}

func TestCreateExhaustion(t *testing.T) {
	m := newMemory(t, hostarch.PageSize)
	cn, _ := capspace.NewCNode(2)
	if _, err := Create(m, cn, 0, kobj.CNode, 8, newEndpoint); !errors.Is(err, coreerr.ErrOutOfUntyped) {
		t.Errorf("Create without memory = %v, want %v", err, coreerr.ErrOutOfUntyped)
	}
	if !cn.Empty(0) {
		t.Errorf("slot occupied after failed creation")
	}
}

func TestConvertToPageFrames(t *testing.T) {
	m := newMemory(t, 8*hostarch.PageSize)
	r, err := m.Retype(kobj.Untyped, hostarch.PageShift+2)
	if err != nil {
		t.Fatalf("Retype failed: %v", err)
	}
	frames, err := m.ConvertToPageFrames(r)
	if err != nil {
		t.Fatalf("ConvertToPageFrames failed: %v", err)
	}
	if len(frames) != 4 {
		t.Fatalf("got %d frames, want 4", len(frames))
	}
	frames[1].Data()[0] = 0xaa
	for i, f := range frames {
		if want := r.Base + hostarch.Addr(i)*hostarch.PageSize; f.Phys() != want {
			t.Errorf("frame %d at %v, want %v", i, f.Phys(), want)
		}
		f.DecRef()
	}
	if got := m.Avail(); got != 8*hostarch.PageSize {
		t.Errorf("Avail() = %d after releasing frames, want %d", got, 8*hostarch.PageSize)
	}

	if _, err := m.ConvertToPageFrames(Region{Base: 0x100010, SizeLog2: 4}); !errors.Is(err, coreerr.ErrRetype) {
		t.Errorf("ConvertToPageFrames(sub-page) = %v, want %v", err, coreerr.ErrRetype)
	}
}

func TestNewFrameZeroed(t *testing.T) {
	m := newMemory(t, 2*hostarch.PageSize)
	f, err := m.NewFrame(kobj.Frame)
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	f.Data()[10] = 1
	f.DecRef()
	g, err := m.NewFrame(kobj.Frame)
	if err != nil {
		t.Fatalf("NewFrame failed: %v", err)
	}
	if g.Data()[10] != 0 {
		t.Errorf("recycled frame not zeroed")
	}
	if _, err := m.NewFrame(kobj.TCB); !errors.Is(err, coreerr.ErrRetype) {
		t.Errorf("NewFrame(TCB) = %v, want %v", err, coreerr.ErrRetype)
	}
}
