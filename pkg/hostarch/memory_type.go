// Copyright 2018 The gVisor Authors.
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

package hostarch

import "fmt"

// MemoryType is the caching behavior of a mapping. Only the types the
// power-on PAT gives to the PWT and PCD page-table bits are supported.
type MemoryType uint8

const (
	// MemoryTypeWriteBack is normal cacheable memory and the zero value.
	MemoryTypeWriteBack MemoryType = iota

	// MemoryTypeWriteThrough caches reads and writes through stores.
	MemoryTypeWriteThrough

	// MemoryTypeUncached is for device memory such as a framebuffer.
	MemoryTypeUncached

	// NumMemoryTypes is the number of memory types.
	NumMemoryTypes
)

var memoryTypes = [NumMemoryTypes]struct {
	name, short string
	pwt, pcd    bool
}{
	MemoryTypeWriteBack:    {"WriteBack", "WB", false, false},
	MemoryTypeWriteThrough: {"WriteThrough", "WT", true, false},
	MemoryTypeUncached:     {"Uncached", "UC", true, true},
}

// String implements fmt.Stringer.String.
func (mt MemoryType) String() string {
	if mt < NumMemoryTypes {
		return memoryTypes[mt].name
	}
	return fmt.Sprintf("%d", mt)
}

// ShortString returns a two-character string compactly representing the
// MemoryType.
func (mt MemoryType) ShortString() string {
	if mt < NumMemoryTypes {
		return memoryTypes[mt].short
	}
	return fmt.Sprintf("%02d", mt)
}

// CacheBits returns the PWT and PCD bits selecting mt.
func (mt MemoryType) CacheBits() (pwt, pcd bool) {
	if mt >= NumMemoryTypes {
		mt = MemoryTypeWriteBack
	}
	return memoryTypes[mt].pwt, memoryTypes[mt].pcd
}

// MemoryTypeFromCacheBits is the inverse of CacheBits. PCD without PWT is
// treated as uncached.
func MemoryTypeFromCacheBits(pwt, pcd bool) MemoryType {
	switch {
	case pcd:
		return MemoryTypeUncached
	case pwt:
		return MemoryTypeWriteThrough
	default:
		return MemoryTypeWriteBack
	}
}
