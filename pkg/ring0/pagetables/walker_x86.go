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
	"fmt"

	"myria.dev/myria/pkg/hostarch"
)

// Level is a level of the four-level hierarchy, counted from the leaves.
type Level int

// Levels.
const (
	// PTELevel is a page table; its entries map 4K pages.
	PTELevel Level = iota

	// PMDLevel is a page directory; its entries map 2M pages or tables.
	PMDLevel

	// PUDLevel is a page directory pointer table; its entries map 1G
	// pages or tables.
	PUDLevel

	// PGDLevel is the root (PML4); its entries are always tables.
	PGDLevel
)

const (
	pteShift = 12
	pmdShift = 21
	pudShift = 30
	pgdShift = 39

	pteSize = 1 << pteShift
	pmdSize = 1 << pmdShift
	pudSize = 1 << pudShift
	pgdSize = 1 << pgdShift
)

// String implements fmt.Stringer.String.
func (l Level) String() string {
	switch l {
	case PTELevel:
		return "PT"
	case PMDLevel:
		return "PD"
	case PUDLevel:
		return "PDPT"
	case PGDLevel:
		return "PML4"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// shift returns the shift of the region covered by one entry at l.
func (l Level) shift() uint {
	return pteShift + 9*uint(l)
}

// Size returns the size of the region covered by one entry at l.
func (l Level) Size() uint64 {
	return 1 << l.shift()
}

// index returns the index of va within a table at l.
func (l Level) index(va hostarch.VirtAddr) int {
	return int((uint64(va) >> l.shift()) & (entriesPerPage - 1))
}

// hasSuper returns true if entries at l may be leaves.
func (l Level) hasSuper() bool {
	return l == PMDLevel || l == PUDLevel
}

// LeafSize is the size of a leaf mapping.
type LeafSize uint64

// Leaf sizes.
const (
	Size4K LeafSize = pteSize
	Size2M LeafSize = pmdSize
	Size1G LeafSize = pudSize
)

// String implements fmt.Stringer.String.
func (s LeafSize) String() string {
	switch s {
	case Size4K:
		return "4K"
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return fmt.Sprintf("%#x", uint64(s))
	}
}

// level returns the level holding leaves of size s.
func (s LeafSize) level() (Level, bool) {
	switch s {
	case Size4K:
		return PTELevel, true
	case Size2M:
		return PMDLevel, true
	case Size1G:
		return PUDLevel, true
	default:
		return 0, false
	}
}

// Entry is the location and value of an entry that terminated a walk.
type Entry struct {
	// Table is the physical address of the table holding the entry.
	Table hostarch.PhysAddr

	// Index is the index of the entry in Table.
	Index int

	// Level is the level of Table.
	Level Level

	// PTE is the entry value.
	PTE PTE
}

// Size returns the size of the leaf.
func (e Entry) Size() LeafSize {
	return LeafSize(e.Level.Size())
}

// Address returns the physical address mapped by the leaf.
func (e Entry) Address() hostarch.PhysAddr {
	return e.PTE.Address()
}

// Opts returns the leaf options.
func (e Entry) Opts() MapOpts {
	return e.PTE.Opts()
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	return fmt.Sprintf("%v[%d]@%v %v: %v", e.Level, e.Index, e.Table, e.Size(), e.PTE)
}

// step is one table visited by a walk and the index used in it.
type step struct {
	table hostarch.PhysAddr
	ptes  *PTEs
	index int
	level Level
}

func (s step) entry() *PTE {
	return &s.ptes[s.index]
}

// isLeaf returns true if e terminates a walk at level l.
func isLeaf(e *PTE, l Level) bool {
	return l == PTELevel || (l.hasSuper() && e.IsSuper())
}

// walkPath descends from root towards va, recording every table visited. It
// stops at the first leaf or non-present entry, which the last step holds.
func (p *PageTables) walkPath(root hostarch.PhysAddr, va hostarch.VirtAddr) ([]step, error) {
	if !va.IsCanonical() {
		return nil, fmt.Errorf("walk %v: %w", va, hostarch.ErrNonCanonical)
	}
	path := make([]step, 0, 4)
	table := root
	for level := PGDLevel; ; level-- {
		ptes, err := p.table(table)
		if err != nil {
			return path, err
		}
		s := step{table: table, ptes: ptes, index: level.index(va), level: level}
		path = append(path, s)
		e := s.entry()
		if !e.Valid() {
			return path, ErrNotMapped
		}
		if isLeaf(e, level) {
			return path, nil
		}
		table = e.Address()
	}
}

// descend returns the table at level target on the path to va, allocating
// and linking any missing tables. Existing huge leaves above target are split
// so that the translations they held are preserved. When userReachable is
// set, every entry on the path gets the user bit.
//
// flush reports whether any non-leaf entry changed. Tables created by a call
// that fails are unlinked and freed before returning.
func (p *PageTables) descend(root hostarch.PhysAddr, va hostarch.VirtAddr, target Level, userReachable bool) (ptes *PTEs, table hostarch.PhysAddr, flush bool, err error) {
	var created []*PTE
	defer func() {
		if err == nil {
			return
		}
		for i := len(created) - 1; i >= 0; i-- {
			child := created[i].Address()
			created[i].Clear()
			p.Allocator.FreePTEs(child)
		}
	}()

	table = root
	if ptes, err = p.table(table); err != nil {
		return nil, 0, false, err
	}
	for level := PGDLevel; level > target; level-- {
		e := &ptes[level.index(va)]
		switch {
		case !e.Valid():
			child, phys, aerr := p.Allocator.NewPTEs()
			if aerr != nil {
				err = fmt.Errorf("%v table for %v: %w: %w", level-1, va, ErrAllocationFailed, aerr)
				return nil, 0, flush, err
			}
			e.setPageTable(phys, userReachable)
			created = append(created, e)
			flush = true
			ptes, table = child, phys
			continue

		case level.hasSuper() && e.IsSuper():
			child, phys, serr := p.split(e, level)
			if serr != nil {
				err = serr
				return nil, 0, flush, err
			}
			if userReachable {
				e.setUser()
			}
			flush = true
			ptes, table = child, phys
			continue

		case userReachable && !e.User():
			e.setUser()
			flush = true
		}
		table = e.Address()
		if ptes, err = p.table(table); err != nil {
			return nil, 0, flush, err
		}
	}
	return ptes, table, flush, nil
}

// split replaces the huge leaf e at level with a table of next-level leaves
// covering the same range with the same options.
func (p *PageTables) split(e *PTE, level Level) (*PTEs, hostarch.PhysAddr, error) {
	child, phys, err := p.Allocator.NewPTEs()
	if err != nil {
		return nil, 0, fmt.Errorf("split %v leaf: %w: %w", level, ErrAllocationFailed, err)
	}
	opts := e.Opts()
	addr := e.Address()
	next := level - 1
	for i := range child {
		if next.hasSuper() {
			child[i].SetSuper()
		}
		child[i].Set(addr.Add(uint64(i)*next.Size()), opts)
	}
	e.setPageTable(phys, opts.User)
	return child, phys, nil
}

// visit calls fn for each leaf under table that intersects [start, end).
func (p *PageTables) visit(table hostarch.PhysAddr, level Level, base uint64, start, end hostarch.VirtAddr, fn func(hostarch.VirtAddr, Entry) bool) (bool, error) {
	ptes, err := p.table(table)
	if err != nil {
		return false, err
	}
	size := level.Size()
	for i := range ptes {
		va := base + uint64(i)*size
		if level == PGDLevel && i >= userEntries {
			// Sign extend into the upper half.
			va |= 0xffff000000000000
		}
		if va >= uint64(end) {
			break
		}
		if va+(size-1) < uint64(start) {
			continue
		}
		e := &ptes[i]
		if !e.Valid() {
			continue
		}
		if isLeaf(e, level) {
			if !fn(hostarch.VirtAddr(va), Entry{Table: table, Index: i, Level: level, PTE: PTE(e.load())}) {
				return false, nil
			}
			continue
		}
		if cont, err := p.visit(e.Address(), level-1, va, start, end, fn); err != nil || !cont {
			return cont, err
		}
	}
	return true, nil
}

// freeTable frees every table below and including table, reporting each leaf
// to freeLeaf.
func (p *PageTables) freeTable(table hostarch.PhysAddr, level Level, freeLeaf func(hostarch.PhysAddr, LeafSize)) error {
	ptes, err := p.table(table)
	if err != nil {
		return err
	}
	for i := range ptes {
		e := &ptes[i]
		if !e.Valid() {
			continue
		}
		if isLeaf(e, level) {
			if freeLeaf != nil {
				freeLeaf(e.Address(), LeafSize(level.Size()))
			}
		} else if err := p.freeTable(e.Address(), level-1, freeLeaf); err != nil {
			return err
		}
		e.Clear()
	}
	p.Allocator.FreePTEs(table)
	return nil
}
