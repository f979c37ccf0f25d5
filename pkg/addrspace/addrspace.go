// Copyright 2026 The gVisor Authors.
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

// Package addrspace manages address spaces: one page table hierarchy each,
// tagged with where it came from.
//
// The kernel's own hierarchy is the one active at boot. A template holding
// only its upper half is made once the kernel mappings are final, and every
// user space starts as a copy of the template's upper half with an empty
// lower half. Tables below the upper half entries are shared by all spaces
// and are never freed through a user space.
package addrspace

import (
	"errors"
	"fmt"

	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/ring0/pagetables"
)

var (
	// ErrTemplateExists is returned by a second CreateKernelTemplate.
	ErrTemplateExists = errors.New("kernel template already created")

	// ErrNoTemplate is returned by CreateUserSpace before the template
	// exists.
	ErrNoTemplate = errors.New("kernel template not created")

	// ErrKernelAddress is returned for user mappings outside the lower half.
	ErrKernelAddress = errors.New("address outside the user half")

	// ErrNotUserSpace is returned when a user-only operation is applied to
	// the kernel space or the template.
	ErrNotUserSpace = errors.New("not a user address space")

	// ErrActive is returned when tearing down the loaded address space.
	ErrActive = errors.New("address space is active")

	// ErrTornDown is returned for operations on a destroyed address space.
	ErrTornDown = errors.New("address space torn down")

	// ErrWriteExecute is returned for user mappings both writable and
	// executable.
	ErrWriteExecute = pagetables.ErrWriteExecute
)

// Provenance records how an address space was made.
type Provenance int

const (
	// Kernel is the hierarchy active at boot.
	Kernel Provenance = iota

	// KernelTemplate holds only the kernel's upper half entries.
	KernelTemplate

	// UserIsolated is a user process space.
	UserIsolated
)

// String implements fmt.Stringer.String.
func (p Provenance) String() string {
	switch p {
	case Kernel:
		return "kernel"
	case KernelTemplate:
		return "kernel-template"
	case UserIsolated:
		return "user"
	default:
		return fmt.Sprintf("Provenance(%d)", int(p))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (p Provenance) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// AddressSpace is one page table hierarchy.
type AddressSpace struct {
	// Root is the physical address of the root table.
	Root hostarch.PhysAddr `yaml:"root" json:"root"`

	// Provenance is how the space was made.
	Provenance Provenance `yaml:"provenance" json:"provenance"`

	dead bool
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	return fmt.Sprintf("%v@%v", as.Provenance, as.Root)
}

// Manager creates and edits address spaces. Edits run with interrupts
// disabled.
type Manager struct {
	pt     *pagetables.PageTables
	frames pagetables.FrameSource
	hw     cpu.Hardware

	kernel   *AddressSpace
	template *AddressSpace
}

// NewManager returns a Manager. Leaf frames released by Teardown go back to
// frames.
func NewManager(pt *pagetables.PageTables, frames pagetables.FrameSource, hw cpu.Hardware) *Manager {
	return &Manager{
		pt:     pt,
		frames: frames,
		hw:     hw,
	}
}

// PageTables returns the engine used by m.
func (m *Manager) PageTables() *pagetables.PageTables {
	return m.pt
}

// Kernel returns the kernel address space, which is the hierarchy in CR3 the
// first time Kernel is called.
func (m *Manager) Kernel() (*AddressSpace, error) {
	if m.kernel != nil {
		return m.kernel, nil
	}
	root := cpu.ActiveRoot(m.hw)
	if m.pt.Allocator.LookupPTEs(root) == nil {
		return nil, fmt.Errorf("active root %v: %w", root, pagetables.ErrUnknownTable)
	}
	m.kernel = &AddressSpace{Root: root, Provenance: Kernel}
	return m.kernel, nil
}

// Template returns the kernel template, or nil before CreateKernelTemplate.
func (m *Manager) Template() *AddressSpace {
	return m.template
}

// CreateKernelTemplate copies the upper half of the active root into a new
// root. It must run once, after the kernel mappings are final.
func (m *Manager) CreateKernelTemplate() (*AddressSpace, error) {
	if m.template != nil {
		return nil, ErrTemplateExists
	}
	k, err := m.Kernel()
	if err != nil {
		return nil, err
	}
	as, err := m.cloneUpperHalf(k, KernelTemplate)
	if err != nil {
		return nil, err
	}
	m.template = as
	log.Infof("Kernel template at %v", as.Root)
	return as, nil
}

// CreateUserSpace returns a new user space whose upper half matches the
// template and whose lower half is empty.
func (m *Manager) CreateUserSpace() (*AddressSpace, error) {
	if m.template == nil {
		return nil, ErrNoTemplate
	}
	as, err := m.cloneUpperHalf(m.template, UserIsolated)
	if err != nil {
		return nil, err
	}
	log.Debugf("User space at %v", as.Root)
	return as, nil
}

func (m *Manager) cloneUpperHalf(src *AddressSpace, p Provenance) (*AddressSpace, error) {
	var root hostarch.PhysAddr
	err := cpu.WithoutInterrupts(m.hw, func() error {
		var err error
		if root, err = m.pt.NewRoot(); err != nil {
			return err
		}
		if err := m.pt.CopyRange(root, src.Root, userRootEntries, rootEntries-1); err != nil {
			m.pt.FreeRoot(root)
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &AddressSpace{Root: root, Provenance: p}, nil
}

const (
	rootEntries     = 512
	userRootEntries = rootEntries / 2
)

func (m *Manager) checkUser(as *AddressSpace) error {
	if as.dead {
		return ErrTornDown
	}
	if as.Provenance != UserIsolated {
		return fmt.Errorf("%v: %w", as, ErrNotUserSpace)
	}
	return nil
}

func userOpts(writable, executable bool) pagetables.MapOpts {
	return pagetables.MapOpts{
		AccessType: hostarch.AccessType{
			Read:    true,
			Write:   writable,
			Execute: executable,
		},
		User: true,
	}
}

// checkUserRange returns an error unless [va, va+length) lies in the lower
// half.
func checkUserRange(va hostarch.VirtAddr, length uint64) error {
	end, ok := va.AddLength(length)
	if !ok || uint64(end)-1 > hostarch.MaximumUserAddress {
		return fmt.Errorf("%v+%#x: %w", va, length, ErrKernelAddress)
	}
	return nil
}

// MapUserPage maps one 4K user page. Writable and executable are mutually
// exclusive.
func (m *Manager) MapUserPage(as *AddressSpace, va hostarch.VirtAddr, pa hostarch.PhysAddr, writable, executable bool) error {
	return m.MapUserPages(as, va, pa, 1, writable, executable)
}

// MapUserPages maps count consecutive 4K user pages. On failure no page of
// the range is left mapped.
func (m *Manager) MapUserPages(as *AddressSpace, va hostarch.VirtAddr, pa hostarch.PhysAddr, count int, writable, executable bool) error {
	if err := m.checkUser(as); err != nil {
		return err
	}
	if writable && executable {
		return fmt.Errorf("map %v: %w", va, ErrWriteExecute)
	}
	if count < 1 {
		return fmt.Errorf("map %d pages at %v: %w", count, va, pagetables.ErrMisaligned)
	}
	length := uint64(count) * hostarch.PageSize
	if err := checkUserRange(va, length); err != nil {
		return err
	}
	return cpu.WithoutInterrupts(m.hw, func() error {
		return m.pt.MapRange(as.Root, va, pa, length, userOpts(writable, executable), false /* huge */)
	})
}

// Protect changes the permissions of the user page at va.
func (m *Manager) Protect(as *AddressSpace, va hostarch.VirtAddr, writable, executable bool) error {
	if err := m.checkUser(as); err != nil {
		return err
	}
	if err := checkUserRange(va, hostarch.PageSize); err != nil {
		return err
	}
	return cpu.WithoutInterrupts(m.hw, func() error {
		return m.pt.SetPermissions(as.Root, va, userOpts(writable, executable))
	})
}

// Unmap removes the user page at va. The frame is not freed.
func (m *Manager) Unmap(as *AddressSpace, va hostarch.VirtAddr) error {
	if err := m.checkUser(as); err != nil {
		return err
	}
	if err := checkUserRange(va, hostarch.PageSize); err != nil {
		return err
	}
	return cpu.WithoutInterrupts(m.hw, func() error {
		return m.pt.Unmap(as.Root, va)
	})
}

// Walk returns the entry mapping va in as.
func (m *Manager) Walk(as *AddressSpace, va hostarch.VirtAddr) (pagetables.Entry, error) {
	if as.dead {
		return pagetables.Entry{}, ErrTornDown
	}
	return m.pt.Walk(as.Root, va)
}

// Teardown destroys a user space. Every frame mapped in the lower half goes
// back to the frame source along with the lower half tables and the root.
// Upper half tables are shared and left alone.
func (m *Manager) Teardown(as *AddressSpace) error {
	if err := m.checkUser(as); err != nil {
		return err
	}
	if cpu.ActiveRoot(m.hw) == as.Root {
		return fmt.Errorf("teardown %v: %w", as, ErrActive)
	}
	var errs []error
	err := cpu.WithoutInterrupts(m.hw, func() error {
		if err := m.pt.FreeLowerHalf(as.Root, func(pa hostarch.PhysAddr, size pagetables.LeafSize) {
			if err := m.frames.Free(pa, int(uint64(size)/hostarch.PageSize)); err != nil {
				errs = append(errs, err)
			}
		}); err != nil {
			return err
		}
		if err := m.pt.FreeRoot(as.Root); err != nil {
			errs = append(errs, err)
		}
		as.dead = true
		return nil
	})
	if err != nil {
		return err
	}
	if err := errors.Join(errs...); err != nil {
		log.Warningf("Teardown of %v: %v", as, err)
		return err
	}
	return nil
}

// Switch loads as into CR3.
func (m *Manager) Switch(as *AddressSpace) error {
	if as.dead {
		return ErrTornDown
	}
	m.hw.WriteCR(cpu.CR3, uint64(as.Root))
	return nil
}
