// Copyright 2021 The gVisor Authors.
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

// Package bitmap provides a fixed-size bitmap used to track page frames.
package bitmap

import (
	"errors"
	"math"
	"math/bits"
)

// MaxBitEntryLimit defines the upper limit on how many bit entries are
// supported by this Bitmap implementation.
const MaxBitEntryLimit uint32 = math.MaxInt32

var (
	// ErrNotFound is returned when a search finds no matching bit.
	ErrNotFound = errors.New("no matching bit")

	// ErrOutOfRange is returned when a search starts beyond the bitmap.
	ErrOutOfRange = errors.New("start of range exceeds bitmap size")
)

// Bitmap implements an efficient fixed-size bitmap.
//
// Bits at or above Size are never reported by searches.
type Bitmap struct {
	// numOnes is the number of ones in the bitmap.
	numOnes uint32

	// size is the number of valid bits.
	size uint32

	// bitBlock holds the bits. The type of bitBlock is uint64 which means
	// each number in bitBlock contains 64 entries.
	bitBlock []uint64
}

// New create a new empty Bitmap holding size bits.
func New(size uint32) Bitmap {
	return Bitmap{
		size:     size,
		bitBlock: make([]uint64, (size+63)/64),
	}
}

// Size returns the number of valid bits in the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Contains returns true if bit i is set.
func (b *Bitmap) Contains(i uint32) bool {
	if i >= b.size {
		return false
	}
	return b.bitBlock[i/64]&(uint64(1)<<(i%64)) != 0
}

// FirstZero returns the first unset bit from the range [start, Size).
func (b *Bitmap) FirstZero(start uint32) (uint32, error) {
	if start >= b.size {
		return MaxBitEntryLimit, ErrOutOfRange
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] | ((1 << nbit) - 1)
	for {
		if w != ^uint64(0) {
			r := uint32(bits.TrailingZeros64(^w) + i*64)
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, ErrNotFound
}

// FirstOne returns the first set bit from the range [start, Size).
func (b *Bitmap) FirstOne(start uint32) (uint32, error) {
	if start >= b.size {
		return MaxBitEntryLimit, ErrOutOfRange
	}
	i, nbit := int(start/64), start%64
	n := len(b.bitBlock)
	w := b.bitBlock[i] & (math.MaxUint64 << nbit)
	for {
		if w != uint64(0) {
			r := uint32(bits.TrailingZeros64(w) + i*64)
			if r >= b.size {
				break
			}
			return r, nil
		}
		i++
		if i == n {
			break
		}
		w = b.bitBlock[i]
	}
	return MaxBitEntryLimit, ErrNotFound
}

// FirstZeroRun returns the first bit at or after start that begins a run of
// n consecutive unset bits.
func (b *Bitmap) FirstZeroRun(start, n uint32) (uint32, error) {
	if n == 0 {
		return MaxBitEntryLimit, ErrNotFound
	}
	for {
		zero, err := b.FirstZero(start)
		if err != nil {
			return MaxBitEntryLimit, err
		}
		if uint64(zero)+uint64(n) > uint64(b.size) {
			return MaxBitEntryLimit, ErrNotFound
		}
		one, err := b.FirstOne(zero)
		if err != nil || one-zero >= n {
			// Either no set bit remains, or the gap is long enough.
			return zero, nil
		}
		start = one
	}
}

// Add sets bit i. It panics if i is out of range.
func (b *Bitmap) Add(i uint32) {
	if i >= b.size {
		panic("bitmap: Add out of range")
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock | mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes++
	}
}

// Remove clears bit i. It panics if i is out of range.
func (b *Bitmap) Remove(i uint32) {
	if i >= b.size {
		panic("bitmap: Remove out of range")
	}
	blockNum, mask := i/64, uint64(1)<<(i%64)
	oldBlock := b.bitBlock[blockNum]
	newBlock := oldBlock &^ mask
	if oldBlock != newBlock {
		b.bitBlock[blockNum] = newBlock
		b.numOnes--
	}
}

// AddRange sets the bits in [begin, end).
func (b *Bitmap) AddRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Add(i)
	}
}

// RemoveRange clears the bits in [begin, end).
func (b *Bitmap) RemoveRange(begin, end uint32) {
	for i := begin; i < end; i++ {
		b.Remove(i)
	}
}

// AllOne returns true if every bit in [begin, end) is set.
func (b *Bitmap) AllOne(begin, end uint32) bool {
	if begin >= end {
		return true
	}
	if end > b.size {
		return false
	}
	zero, err := b.FirstZero(begin)
	return err != nil || zero >= end
}

// GetNumOnes return the the number of ones in the Bitmap.
func (b *Bitmap) GetNumOnes() uint32 {
	return b.numOnes
}
