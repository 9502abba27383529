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

// Package bitmap provides a fixed-width allocation bitmap.
package bitmap

import (
	"fmt"
	"math/bits"
)

// Bitmap tracks set membership of the integers [0, Size()).
//
// Bitmap is not safe for concurrent use.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits; bits at or above size are never set.
	size uint32

	// bitBlock holds the bits. Each word holds 64 entries.
	bitBlock []uint64
}

// New creates a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// IsEmpty verifies whether the Bitmap is empty.
func (b *Bitmap) IsEmpty() bool {
	return b.numOnes == 0
}

// Count returns the number of set bits.
func (b *Bitmap) Count() uint32 {
	return b.numOnes
}

// Size returns the total number of bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Contains returns true if i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit in the range [start, Size()).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return 0, fmt.Errorf("start %d exceeds bitmap size %d", start, b.size)
	}
	i, nbit := int(start/64), start%64
	w := b.bitBlock[i] | ((uint64(1) << nbit) - 1)
	for {
		if w != ^uint64(0) {
			bit := uint32(bits.TrailingZeros64(^w) + i*64)
			if bit >= b.size {
				break
			}
			return bit, nil
		}
		i++
		if i == len(b.bitBlock) {
			break
		}
		w = b.bitBlock[i]
	}
	return 0, fmt.Errorf("bitmap has no unset bits at or above %d", start)
}

// Add sets bit i. It returns false if i was already set.
//
// Precondition: i < Size().
func (b *Bitmap) Add(i uint32) bool {
	if i >= b.size {
		panic(fmt.Sprintf("bit %d out of range [0, %d)", i, b.size))
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask != 0 {
		return false
	}
	b.bitBlock[blockNum] |= mask
	b.numOnes++
	return true
}

// Remove clears bit i. It returns false if i was not set.
func (b *Bitmap) Remove(i uint32) bool {
	if i >= b.size {
		return false
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	if b.bitBlock[blockNum]&mask == 0 {
		return false
	}
	b.bitBlock[blockNum] &^= mask
	b.numOnes--
	return true
}

// ForEach calls f for each set bit in ascending order until f returns false.
func (b *Bitmap) ForEach(f func(i uint32) bool) {
	for blk, w := range b.bitBlock {
		for w != 0 {
			r := bits.TrailingZeros64(w)
			if !f(uint32(blk*64 + r)) {
				return
			}
			w &^= uint64(1) << r
		}
	}
}
