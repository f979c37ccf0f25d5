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

// Package hostarch contains x86-64 address and page-size definitions shared
// by the memory and privilege packages.
package hostarch

// Page sizes.
const (
	// PageShift is the binary log of the base page size.
	PageShift = 12

	// PageSize is the base page size.
	PageSize = 1 << PageShift

	// HugePageShift is the binary log of a 2M page.
	HugePageShift = 21

	// HugePageSize is the size of a 2M page.
	HugePageSize = 1 << HugePageShift

	// GiantPageShift is the binary log of a 1G page.
	GiantPageShift = 30

	// GiantPageSize is the size of a 1G page.
	GiantPageSize = 1 << GiantPageShift
)

// Virtual address layout for four-level paging.
const (
	// VirtualAddressBits is the number of implemented virtual address bits.
	VirtualAddressBits = 48

	// MaximumUserAddress is the highest address in the lower (user) half.
	MaximumUserAddress = 0x00007fffffffffff

	// KernelHalfBase is the lowest address in the upper (kernel) half.
	KernelHalfBase = 0xffff800000000000

	// PhysicalAddressBits is the architectural limit on physical addresses.
	PhysicalAddressBits = 52
)
