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

package pagetables

import (
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
)

// Allocator is used to allocate and map PTEs.
//
// Tables are identified by the physical address of the frame backing them;
// that is the value stored in the parent entry.
type Allocator interface {
	// NewPTEs returns a new, zeroed set of PTEs and its physical address.
	NewPTEs() (*PTEs, hostarch.PhysAddr, error)

	// LookupPTEs looks up PTEs by physical address. It returns nil if no
	// table is known at that address.
	LookupPTEs(physical hostarch.PhysAddr) *PTEs

	// FreePTEs releases the table at physical.
	FreePTEs(physical hostarch.PhysAddr)
}

// FrameSource provides physical frames for tables.
type FrameSource interface {
	Allocate(count int) (hostarch.PhysAddr, error)
	Free(addr hostarch.PhysAddr, count int) error
}

// FrameAllocator is an Allocator backed by a FrameSource. Every table lives
// in an arena keyed by the physical address of its frame.
type FrameAllocator struct {
	frames FrameSource
	nodes  map[hostarch.PhysAddr]*PTEs
}

// NewFrameAllocator returns a new FrameAllocator.
func NewFrameAllocator(frames FrameSource) *FrameAllocator {
	return &FrameAllocator{
		frames: frames,
		nodes:  make(map[hostarch.PhysAddr]*PTEs),
	}
}

// NewPTEs implements Allocator.NewPTEs.
func (a *FrameAllocator) NewPTEs() (*PTEs, hostarch.PhysAddr, error) {
	physical, err := a.frames.Allocate(1)
	if err != nil {
		return nil, 0, err
	}
	if _, ok := a.nodes[physical]; ok {
		// The frame source handed out a frame still in use as a table.
		panic("duplicate page table frame " + physical.String())
	}
	ptes := new(PTEs)
	a.nodes[physical] = ptes
	return ptes, physical, nil
}

// LookupPTEs implements Allocator.LookupPTEs.
func (a *FrameAllocator) LookupPTEs(physical hostarch.PhysAddr) *PTEs {
	return a.nodes[physical]
}

// FreePTEs implements Allocator.FreePTEs.
func (a *FrameAllocator) FreePTEs(physical hostarch.PhysAddr) {
	if _, ok := a.nodes[physical]; !ok {
		panic("free of unknown page table " + physical.String())
	}
	delete(a.nodes, physical)
	if err := a.frames.Free(physical, 1); err != nil {
		log.Warningf("Page table frame %v not returned: %v", physical, err)
	}
}

// Len returns the number of live tables.
func (a *FrameAllocator) Len() int {
	return len(a.nodes)
}
