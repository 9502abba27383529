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
	"fmt"

	"github.com/google/btree"

	"capcore.dev/capcore/pkg/errors/coreerr"
	"capcore.dev/capcore/pkg/hostarch"
	"capcore.dev/capcore/pkg/sync"
)

// MinSizeLog2 is the smallest block a Pool hands out.
const MinSizeLog2 = 4

// span is a free range [start, end).
type span struct {
	start, end hostarch.Addr
}

func spanLess(a, b span) bool { return a.start < b.start }

// Pool is a range allocator over free spans of physical memory. Blocks are
// powers of two and naturally aligned; freed blocks are coalesced with their
// neighbours.
type Pool struct {
	mu sync.Mutex
	// +checklocks:mu
	free *btree.BTreeG[span]
	// +checklocks:mu
	avail uint64
	total uint64
}

// NewPool returns a pool whose free memory is r.
func NewPool(r hostarch.AddrRange) *Pool {
	p := &Pool{
		free:  btree.NewG(8, spanLess),
		total: r.Length(),
	}
	if r.Length() > 0 {
		p.free.ReplaceOrInsert(span{r.Start, r.End})
		p.avail = r.Length()
	}
	return p
}

// Alloc returns the address of a free, naturally aligned block of
// 2^sizeLog2 bytes.
func (p *Pool) Alloc(sizeLog2 uint) (hostarch.Addr, error) {
	if sizeLog2 < MinSizeLog2 || sizeLog2 >= 64 {
		return 0, fmt.Errorf("block of 2^%d bytes: %w", sizeLog2, coreerr.ErrRetype)
	}
	size := hostarch.Addr(1) << sizeLog2
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		found bool
		from  span
		addr  hostarch.Addr
	)
	p.free.Ascend(func(s span) bool {
		a := (s.start + size - 1) &^ (size - 1)
		if a < s.start || a+size < a || a+size > s.end {
			return true
		}
		found, from, addr = true, s, a
		return false
	})
	if !found {
		return 0, fmt.Errorf("no free block of 2^%d bytes: %w", sizeLog2, coreerr.ErrOutOfUntyped)
	}
	p.free.Delete(from)
	if from.start < addr {
		p.free.ReplaceOrInsert(span{from.start, addr})
	}
	if addr+size < from.end {
		p.free.ReplaceOrInsert(span{addr + size, from.end})
	}
	p.avail -= uint64(size)
	return addr, nil
}

// Free returns the block [addr, addr+2^sizeLog2) to the pool.
func (p *Pool) Free(addr hostarch.Addr, sizeLog2 uint) {
	s := span{addr, addr + hostarch.Addr(1)<<sizeLog2}
	p.mu.Lock()
	defer p.mu.Unlock()

	// Merge with the preceding span. The tree must not be mutated while it
	// is being iterated.
	var (
		prev    span
		hasPrev bool
	)
	p.free.DescendLessOrEqual(s, func(ps span) bool {
		prev, hasPrev = ps, true
		return false
	})
	if hasPrev {
		if prev.end > s.start {
			panic(fmt.Sprintf("double free of [%v, %v) overlapping [%v, %v)", s.start, s.end, prev.start, prev.end))
		}
		if prev.end == s.start {
			p.free.Delete(prev)
			s.start = prev.start
		}
	}
	// Merge with the following span.
	if next, ok := p.free.Get(span{start: s.end}); ok {
		p.free.Delete(next)
		s.end = next.end
	}
	p.free.AscendGreaterOrEqual(span{start: s.start}, func(next span) bool {
		if next.start < s.end {
			panic(fmt.Sprintf("double free of [%v, %v) overlapping [%v, %v)", s.start, s.end, next.start, next.end))
		}
		return false
	})
	p.free.ReplaceOrInsert(s)
	p.avail += uint64(1) << sizeLog2
}

// Avail returns the number of free bytes.
func (p *Pool) Avail() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avail
}

// Total returns the pool's size in bytes.
func (p *Pool) Total() uint64 {
	return p.total
}

// Spans returns the number of free spans.
func (p *Pool) Spans() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}
