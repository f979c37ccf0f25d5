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
	"sync/atomic"

	"myria.dev/myria/pkg/hostarch"
)

// Page table entry bits.
const (
	present      = 0x001
	writable     = 0x002
	user         = 0x004
	writeThrough = 0x008
	cacheDisable = 0x010
	accessed     = 0x020
	dirty        = 0x040
	super        = 0x080
	global       = 0x100

	executeDisable = 1 << 63

	addressMask = 0x000ffffffffff000
	optionMask  = executeDisable | 0xfff
)

const (
	entriesPerPage = 512

	// userEntries is the number of root entries covering the lower half.
	userEntries = entriesPerPage / 2
)

// MapOpts are x86 options.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the page is globally accessible.
	Global bool

	// User indicates the page is a user page.
	User bool

	// MemoryType is the memory type.
	MemoryType hostarch.MemoryType
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.User {
		s += " user"
	}
	if o.Global {
		s += " global"
	}
	if o.MemoryType != hostarch.MemoryTypeWriteBack {
		s += " " + o.MemoryType.ShortString()
	}
	return s
}

// PTE is a page table entry.
type PTE uint64

// PTEs is a collection of entries; one page table node.
type PTEs [entriesPerPage]PTE

func (p *PTE) load() uint64 {
	return atomic.LoadUint64((*uint64)(p))
}

// store writes the whole entry with a single 64-bit store, so the hardware
// walker never observes a mix of old and new bits.
func (p *PTE) store(v uint64) {
	atomic.StoreUint64((*uint64)(p), v)
}

// Clear clears this PTE, including super page information.
func (p *PTE) Clear() {
	p.store(0)
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return p.load()&present != 0
}

// User returns true iff the user bit is set.
func (p *PTE) User() bool {
	return p.load()&user != 0
}

// Writeable returns true iff the writable bit is set.
func (p *PTE) Writeable() bool {
	return p.load()&writable != 0
}

// Executable returns true iff the execute-disable bit is clear.
func (p *PTE) Executable() bool {
	return p.load()&executeDisable == 0
}

// Opts returns the PTE options.
//
// These are all options except Valid and Super.
func (p *PTE) Opts() MapOpts {
	v := p.load()
	mt := hostarch.MemoryTypeFromCacheBits(v&writeThrough != 0, v&cacheDisable != 0)
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global:     v&global != 0,
		User:       v&user != 0,
		MemoryType: mt,
	}
}

// SetSuper sets this page as a super page.
//
// The page must not be valid or a panic will result.
func (p *PTE) SetSuper() {
	if p.Valid() {
		// This is not allowed.
		panic("SetSuper called on valid page!")
	}
	p.store(super)
}

// IsSuper returns true iff this page is a super page. Only meaningful for
// entries in a PDPT or page directory.
func (p *PTE) IsSuper() bool {
	return p.load()&super != 0
}

// leafValue returns the entry value mapping addr with opts. The super bit is
// taken from isSuper.
func leafValue(addr hostarch.PhysAddr, opts MapOpts, isSuper bool) uint64 {
	v := uint64(addr)&addressMask | present | accessed
	if isSuper {
		v |= super
	}
	if opts.User {
		v |= user
	}
	if opts.Global {
		v |= global
	}
	if !opts.AccessType.Execute {
		v |= executeDisable
	}
	if opts.AccessType.Write {
		v |= writable | dirty
	}
	pwt, pcd := opts.MemoryType.CacheBits()
	if pwt {
		v |= writeThrough
	}
	if pcd {
		v |= cacheDisable
	}
	return v
}

// Set sets this PTE value.
//
// This does not change the super page property.
func (p *PTE) Set(addr hostarch.PhysAddr, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	p.store(leafValue(addr, opts, p.IsSuper()))
}

// setPageTable sets this PTE value and forces the write bit and super bit to
// be cleared. The user bit is set iff userReachable; hardware requires it at
// every level for a user-mode access to succeed.
func (p *PTE) setPageTable(addr hostarch.PhysAddr, userReachable bool) {
	v := uint64(addr)&addressMask | present | writable | accessed
	if userReachable {
		v |= user
	}
	p.store(v)
}

// setUser sets the user bit on an existing entry.
func (p *PTE) setUser() {
	p.store(p.load() | user)
}

// Address extracts the address. This should only be called if Valid returns
// true.
func (p *PTE) Address() hostarch.PhysAddr {
	return hostarch.PhysAddr(p.load() & addressMask)
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	v := uint64(p)
	if v&present == 0 {
		return "<none>"
	}
	s := fmt.Sprintf("%#x %s", v&addressMask, p.Opts())
	if v&super != 0 {
		s += " super"
	}
	return s
}

// empty returns true if no entry is valid.
func (ptes *PTEs) empty() bool {
	for i := range ptes {
		if ptes[i].Valid() {
			return false
		}
	}
	return true
}
