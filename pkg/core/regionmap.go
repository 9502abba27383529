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

package core

import (
	"fmt"

	"github.com/google/btree"

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/log"
	"capcore.dev/capcore/pkg/pager"
	"capcore.dev/capcore/pkg/platform"
	"capcore.dev/capcore/pkg/sync"
	"capcore.dev/capcore/pkg/untyped"
)

// region is an attached range of a RegionMap. Its pages are allocated on
// first touch.
type region struct {
	hostarch.AddrRange
	access hostarch.AccessType

	// pages maps page-aligned addresses to their backing memory.
	pages map[hostarch.Addr]untyped.Region
}

func regionLess(a, b *region) bool { return a.Start < b.Start }

// RegionMap is the layout of a session's address space. It resolves the
// faults of the session's threads by mapping zero-filled pages into attached
// regions, paid from the session's RAM quota.
type RegionMap struct {
	pd *PD

	mu sync.Mutex
	// +checklocks:mu
	regions *btree.BTreeG[*region]
}

var _ pager.Resolver = (*RegionMap)(nil)

func newRegionMap(pd *PD) *RegionMap {
	return &RegionMap{pd: pd, regions: btree.NewG(8, regionLess)}
}

// Attach makes [at, at+size) accessible with access. The range must be page
// aligned and must not overlap an attached region.
func (rm *RegionMap) Attach(at hostarch.Addr, size uint64, access hostarch.AccessType) error {
	ar, ok := at.ToRange(size)
	if !ok || size == 0 || !at.IsPageAligned() || ar.Length()%hostarch.PageSize != 0 || !access.Any() {
		return fmt.Errorf("attaching %v (%v): %w", ar, access, coreerr.ErrBadMapping)
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	// Only the last region starting below ar.End can overlap ar.
	var prev *region
	rm.regions.DescendLessOrEqual(&region{AddrRange: hostarch.AddrRange{Start: ar.End - 1}}, func(r *region) bool {
		prev = r
		return false
	})
	if prev != nil && prev.Overlaps(ar) {
		return fmt.Errorf("attaching %v: overlaps %v: %w", ar, prev.AddrRange, coreerr.ErrBadMapping)
	}
	rm.regions.ReplaceOrInsert(&region{AddrRange: ar, access: access, pages: make(map[hostarch.Addr]untyped.Region)})
	return nil
}

// Detach removes the region starting at at and unmaps it from the session's
// address space. Its pages stay allocated until the session is closed.
func (rm *RegionMap) Detach(at hostarch.Addr) error {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r, ok := rm.regions.Delete(&region{AddrRange: hostarch.AddrRange{Start: at}})
	if !ok {
		return fmt.Errorf("detaching %v: %w", at, coreerr.ErrBadMapping)
	}
	if as, ok := rm.pd.vspace.(platform.AddressSpace); ok {
		as.Unmap(r.AddrRange)
	} else {
		log.Warningf("Session %q: address space %v cannot unmap %v", rm.pd.label, rm.pd.vspace, r.AddrRange)
	}
	return nil
}

// Regions returns the number of attached regions.
func (rm *RegionMap) Regions() int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return rm.regions.Len()
}

// findLocked returns the region containing addr, or nil.
//
// +checklocks:rm.mu
func (rm *RegionMap) findLocked(addr hostarch.Addr) *region {
	var found *region
	rm.regions.DescendLessOrEqual(&region{AddrRange: hostarch.AddrRange{Start: addr}}, func(r *region) bool {
		if r.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// Pager implements pager.Resolver.Pager.
func (rm *RegionMap) Pager(p pager.IpcPager) pager.Result {
	addr := p.FaultAddr()
	rm.mu.Lock()
	defer rm.mu.Unlock()
	r := rm.findLocked(addr)
	if r == nil {
		log.Debugf("Session %q: %v at %v outside of any region", rm.pd.label, p.FaultType(), addr)
		return pager.Stop
	}
	if (p.WriteFault() && !r.access.Write) || (p.ExecFault() && !r.access.Execute) {
		log.Debugf("Session %q: %v at %v in %v region", rm.pd.label, p.FaultType(), addr, r.access)
		return pager.Stop
	}
	va := addr.RoundDown()
	page, ok := r.pages[va]
	if !ok {
		var err error
		if page, err = rm.pd.allocPage(); err != nil {
			log.Warningf("Session %q: backing %v: %v", rm.pd.label, va, err)
			return pager.Stop
		}
		r.pages[va] = page
	}
	if err := p.SetReplyMapping(pager.Mapping{
		Phys:     page.Base,
		Virt:     va,
		SizeLog2: hostarch.PageShift,
		Access:   r.access,
		Memory:   hostarch.MemoryTypeWriteBack,
	}); err != nil {
		log.Warningf("Session %q: mapping %v: %v", rm.pd.label, va, err)
		return pager.Stop
	}
	return pager.Continue
}

// clear detaches all regions.
func (rm *RegionMap) clear() {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.regions.Clear(false)
}
