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

// Package pagetables provides a generic implementation of pagetables.
//
// The engine edits four-level x86-64 hierarchies. Every operation takes the
// physical address of a root; any number of hierarchies may share one
// engine and one Allocator.
package pagetables

import (
	"errors"
	"fmt"

	"myria.dev/myria/pkg/cleanup"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
)

var (
	// ErrNotMapped is returned when no leaf maps the address.
	ErrNotMapped = errors.New("address not mapped")

	// ErrAllocationFailed is returned when a table could not be allocated.
	// The allocator's error is wrapped alongside it.
	ErrAllocationFailed = errors.New("page table allocation failed")

	// ErrWriteExecute is returned for mappings both writable and executable.
	ErrWriteExecute = errors.New("mapping is both writable and executable")

	// ErrMisaligned is returned when an address or length is not aligned to
	// the leaf size.
	ErrMisaligned = errors.New("misaligned mapping")

	// ErrNoAccess is returned when a mapping grants no access.
	ErrNoAccess = errors.New("mapping grants no access")

	// ErrAlreadyMapped is returned by MapRange when part of the range is
	// already mapped.
	ErrAlreadyMapped = errors.New("range already mapped")

	// ErrTableInPlace is returned when a huge leaf would replace an existing
	// table.
	ErrTableInPlace = errors.New("table already present at leaf level")

	// ErrUnknownTable is returned when an entry points at a frame that is not
	// a known table.
	ErrUnknownTable = errors.New("unknown page table")
)

// TLB invalidates cached translations of the active hierarchy.
type TLB interface {
	// InvalidatePage drops any cached translation for va.
	InvalidatePage(va hostarch.VirtAddr)

	// FlushAll drops all non-global cached translations.
	FlushAll()
}

// Opts are engine options.
type Opts struct {
	// ReclaimEmpty frees intermediate tables left with no present entry by
	// Unmap.
	ReclaimEmpty bool
}

// PageTables is a page table engine.
type PageTables struct {
	// Allocator is used to allocate nodes.
	Allocator Allocator

	tlb  TLB
	opts Opts
}

// New returns new PageTables.
func New(a Allocator, tlb TLB, opts Opts) *PageTables {
	return &PageTables{
		Allocator: a,
		tlb:       tlb,
		opts:      opts,
	}
}

// table returns the PTEs at physical.
func (p *PageTables) table(physical hostarch.PhysAddr) (*PTEs, error) {
	ptes := p.Allocator.LookupPTEs(physical)
	if ptes == nil {
		return nil, fmt.Errorf("%w at %v", ErrUnknownTable, physical)
	}
	return ptes, nil
}

// invalidate applies the TLB policy for a change at va.
func (p *PageTables) invalidate(va hostarch.VirtAddr, flush bool) {
	if flush {
		p.tlb.FlushAll()
	} else {
		p.tlb.InvalidatePage(va)
	}
}

// checkOpts validates leaf options.
func checkOpts(opts MapOpts) error {
	if !opts.AccessType.Any() {
		return ErrNoAccess
	}
	if opts.AccessType.WriteExecute() {
		return ErrWriteExecute
	}
	return nil
}

// NewRoot allocates an empty root table.
func (p *PageTables) NewRoot() (hostarch.PhysAddr, error) {
	_, root, err := p.Allocator.NewPTEs()
	if err != nil {
		return 0, fmt.Errorf("root table: %w: %w", ErrAllocationFailed, err)
	}
	return root, nil
}

// FreeRoot releases the root table itself. Any tables it references are left
// alone; see FreeLowerHalf.
func (p *PageTables) FreeRoot(root hostarch.PhysAddr) error {
	if _, err := p.table(root); err != nil {
		return err
	}
	p.Allocator.FreePTEs(root)
	return nil
}

// Walk returns the entry that maps va.
func (p *PageTables) Walk(root hostarch.PhysAddr, va hostarch.VirtAddr) (Entry, error) {
	path, err := p.walkPath(root, va)
	if err != nil {
		return Entry{}, err
	}
	last := path[len(path)-1]
	return Entry{
		Table: last.table,
		Index: last.index,
		Level: last.level,
		PTE:   PTE(last.entry().load()),
	}, nil
}

// Map installs a 4K translation va -> pa.
func (p *PageTables) Map(root hostarch.PhysAddr, va hostarch.VirtAddr, pa hostarch.PhysAddr, opts MapOpts) error {
	return p.MapLeaf(root, va, pa, Size4K, opts)
}

// MapLeaf installs a translation va -> pa using a single leaf of size.
//
// Missing intermediate tables are allocated. A huge leaf found above the
// target level is split first. Any existing leaf at va is replaced.
func (p *PageTables) MapLeaf(root hostarch.PhysAddr, va hostarch.VirtAddr, pa hostarch.PhysAddr, size LeafSize, opts MapOpts) error {
	level, ok := size.level()
	if !ok {
		return fmt.Errorf("leaf size %v: %w", size, ErrMisaligned)
	}
	if !va.IsCanonical() {
		return fmt.Errorf("map %v: %w", va, hostarch.ErrNonCanonical)
	}
	if uint64(va)%uint64(size) != 0 || uint64(pa)%uint64(size) != 0 {
		return fmt.Errorf("map %v -> %v (%v): %w", va, pa, size, ErrMisaligned)
	}
	if err := checkOpts(opts); err != nil {
		return fmt.Errorf("map %v: %w", va, err)
	}

	ptes, _, flush, err := p.descend(root, va, level, opts.User)
	if err != nil {
		if flush {
			// User bits or splits on the path may already be live.
			p.tlb.FlushAll()
		}
		return err
	}
	e := &ptes[level.index(va)]
	if e.Valid() && !isLeaf(e, level) {
		return fmt.Errorf("map %v (%v): %w", va, size, ErrTableInPlace)
	}
	e.store(leafValue(pa, opts, level != PTELevel))
	p.invalidate(va, flush)
	return nil
}

// MapRange maps [va, va+length) to [pa, pa+length).
//
// When huge is set, the largest leaf size aligned at both addresses is used
// for each step. The range must not already be mapped. If any step fails,
// everything mapped by this call is unmapped again.
func (p *PageTables) MapRange(root hostarch.PhysAddr, va hostarch.VirtAddr, pa hostarch.PhysAddr, length uint64, opts MapOpts, huge bool) error {
	if length == 0 || length%hostarch.PageSize != 0 {
		return fmt.Errorf("map range %v+%#x: %w", va, length, ErrMisaligned)
	}
	end, ok := va.AddLength(length)
	if !ok {
		return fmt.Errorf("map range %v+%#x: %w", va, length, hostarch.ErrNonCanonical)
	}
	mapped := false
	if err := p.Visit(root, va, end, func(hostarch.VirtAddr, Entry) bool {
		mapped = true
		return false
	}); err != nil {
		return err
	}
	if mapped {
		return fmt.Errorf("map range %v-%v: %w", va, end, ErrAlreadyMapped)
	}

	var cu cleanup.Cleanup
	defer cu.Clean()
	for off := uint64(0); off < length; {
		v, a := hostarch.VirtAddr(uint64(va)+off), pa.Add(off)
		size := Size4K
		if huge {
			for _, s := range []LeafSize{Size1G, Size2M} {
				if uint64(v)%uint64(s) == 0 && uint64(a)%uint64(s) == 0 && length-off >= uint64(s) {
					size = s
					break
				}
			}
		}
		if err := p.MapLeaf(root, v, a, size, opts); err != nil {
			return err
		}
		cu.Add(func() {
			if err := p.Unmap(root, v); err != nil {
				log.Warningf("Rollback of %v failed: %v", v, err)
			}
		})
		off += uint64(size)
	}
	cu.Release()
	return nil
}

// Unmap removes the leaf that maps va, whatever its size.
func (p *PageTables) Unmap(root hostarch.PhysAddr, va hostarch.VirtAddr) error {
	path, err := p.walkPath(root, va)
	if err != nil {
		return err
	}
	last := len(path) - 1
	path[last].entry().Clear()

	flush := false
	// Tables under upper-half root entries are shared with every root
	// that copied them and are never reclaimed. Nor is the root.
	if p.opts.ReclaimEmpty && path[0].index < userEntries {
		for i := last; i > 0 && path[i].ptes.empty(); i-- {
			path[i-1].entry().Clear()
			p.Allocator.FreePTEs(path[i].table)
			flush = true
		}
	}
	p.invalidate(va, flush)
	return nil
}

// UnmapRange removes every leaf starting in [va, va+length). It returns the
// number of leaves removed.
func (p *PageTables) UnmapRange(root hostarch.PhysAddr, va hostarch.VirtAddr, length uint64) int {
	end, ok := va.AddLength(length)
	if !ok {
		return 0
	}
	var leaves []hostarch.VirtAddr
	if err := p.Visit(root, va, end, func(v hostarch.VirtAddr, _ Entry) bool {
		if v >= va {
			leaves = append(leaves, v)
		}
		return true
	}); err != nil {
		log.Warningf("Unmap of %v-%v: %v", va, end, err)
	}
	n := 0
	for _, v := range leaves {
		if err := p.Unmap(root, v); err == nil {
			n++
		}
	}
	return n
}

// SetPermissions replaces the options of the leaf mapping va, keeping its
// address and size. The new entry is written with a single store. An
// unchanged entry is not written and nothing is invalidated.
func (p *PageTables) SetPermissions(root hostarch.PhysAddr, va hostarch.VirtAddr, opts MapOpts) error {
	if err := checkOpts(opts); err != nil {
		return fmt.Errorf("protect %v: %w", va, err)
	}
	path, err := p.walkPath(root, va)
	if err != nil {
		return err
	}
	last := path[len(path)-1]
	e := last.entry()
	old := e.load()
	v := leafValue(e.Address(), opts, last.level != PTELevel)
	if v == old {
		return nil
	}
	flush := false
	if opts.User {
		for _, s := range path[:len(path)-1] {
			if pe := s.entry(); !pe.User() {
				pe.setUser()
				flush = true
			}
		}
	}
	e.store(v)
	p.invalidate(va, flush)
	return nil
}

// Lookup returns the physical address for va, including the page offset, and
// the access it permits.
func (p *PageTables) Lookup(root hostarch.PhysAddr, va hostarch.VirtAddr) (hostarch.PhysAddr, hostarch.AccessType, bool) {
	e, err := p.Walk(root, va)
	if err != nil {
		return 0, hostarch.NoAccess, false
	}
	offset := uint64(va) & (uint64(e.Size()) - 1)
	return e.Address().Add(offset), e.Opts().AccessType, true
}

// CopyRange copies root entries [first, last] of src into dst. Both roots
// then share the tables below those entries.
func (p *PageTables) CopyRange(dst, src hostarch.PhysAddr, first, last int) error {
	if first < 0 || last >= entriesPerPage || first > last {
		return fmt.Errorf("copy root entries [%d, %d]: out of range", first, last)
	}
	d, err := p.table(dst)
	if err != nil {
		return err
	}
	s, err := p.table(src)
	if err != nil {
		return err
	}
	for i := first; i <= last; i++ {
		d[i].store(s[i].load())
	}
	return nil
}

// Visit calls fn for each leaf intersecting [start, end), in ascending
// address order. Iteration stops early if fn returns false.
func (p *PageTables) Visit(root hostarch.PhysAddr, start, end hostarch.VirtAddr, fn func(va hostarch.VirtAddr, e Entry) bool) error {
	_, err := p.visit(root, PGDLevel, 0, start, end, fn)
	return err
}

// FreeLowerHalf frees every table reachable from the lower half of root and
// clears those root entries. Each leaf found is reported to freeLeaf, which
// may be nil. The root and the upper half are untouched.
func (p *PageTables) FreeLowerHalf(root hostarch.PhysAddr, freeLeaf func(pa hostarch.PhysAddr, size LeafSize)) error {
	ptes, err := p.table(root)
	if err != nil {
		return err
	}
	for i := 0; i < userEntries; i++ {
		e := &ptes[i]
		if !e.Valid() {
			continue
		}
		if err := p.freeTable(e.Address(), PUDLevel, freeLeaf); err != nil {
			return err
		}
		e.Clear()
	}
	return nil
}

// Dump logs every leaf of root at debug level.
func (p *PageTables) Dump(root hostarch.PhysAddr) {
	if !log.IsLogging(log.Debug) {
		return
	}
	log.Debugf("Page tables rooted at %v:", root)
	p.Visit(root, 0, hostarch.VirtAddr(^uint64(0)), func(va hostarch.VirtAddr, e Entry) bool {
		log.Debugf("  %v: %v", va, e)
		return true
	})
}
