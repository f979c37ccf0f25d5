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

// Package userinit builds the first user process: a fresh user address
// space holding a program image and a stack, ready for the first descent.
package userinit

import (
	"errors"
	"fmt"

	"myria.dev/myria/pkg/addrspace"
	"myria.dev/myria/pkg/cleanup"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
	"myria.dev/myria/pkg/ring0"
	"myria.dev/myria/pkg/ring0/pagetables"
)

// Default layout.
const (
	DefaultCodeAddr   = hostarch.VirtAddr(0x10000)
	DefaultStackAddr  = hostarch.VirtAddr(0x800000)
	DefaultStackPages = 2
)

// ErrEmptyProgram is returned for a program with no code.
var ErrEmptyProgram = errors.New("empty program")

// Memory is the physical memory program images are written to.
type Memory interface {
	Zero(pa hostarch.PhysAddr, n uint64) error
	Copy(pa hostarch.PhysAddr, data []byte) error
}

// Program describes the first user program. Zero addresses and counts take
// the defaults.
type Program struct {
	// Code is the raw image, loaded at CodeAddr and entered at its first
	// byte.
	Code []byte

	CodeAddr   hostarch.VirtAddr
	StackAddr  hostarch.VirtAddr
	StackPages int

	// Arg is passed to the program in RDI.
	Arg uint64
}

func (p *Program) setDefaults() {
	if p.CodeAddr == 0 {
		p.CodeAddr = DefaultCodeAddr
	}
	if p.StackAddr == 0 {
		p.StackAddr = DefaultStackAddr
	}
	if p.StackPages == 0 {
		p.StackPages = DefaultStackPages
	}
}

// Process is a built user process that has not run yet.
type Process struct {
	Space      *addrspace.AddressSpace
	Entry      hostarch.VirtAddr
	StackTop   hostarch.VirtAddr
	CodePages  int
	StackPages int
	Arg        uint64
}

// DescentOpts returns the options for the first descent into p.
func (p *Process) DescentOpts() ring0.DescentOpts {
	return ring0.DescentOpts{
		Entry: p.Entry,
		Stack: p.StackTop,
		Arg:   p.Arg,
	}
}

// Build creates a user space and loads prog into it.
//
// Code pages are filled while mapped writable and not executable, then
// flipped to executable read-only. The stack is writable and never
// executable. On failure the space is torn down and every frame returned.
func Build(m *addrspace.Manager, frames pagetables.FrameSource, mem Memory, prog Program) (*Process, error) {
	prog.setDefaults()
	if len(prog.Code) == 0 {
		return nil, ErrEmptyProgram
	}
	if !prog.CodeAddr.IsPageAligned() || !prog.StackAddr.IsPageAligned() || prog.StackPages < 0 {
		return nil, fmt.Errorf("code %v stack %v+%d pages: %w", prog.CodeAddr, prog.StackAddr, prog.StackPages, pagetables.ErrMisaligned)
	}

	as, err := m.CreateUserSpace()
	if err != nil {
		return nil, err
	}
	cu := cleanup.Make(func() {
		if err := m.Teardown(as); err != nil {
			log.Warningf("Teardown of failed process %v: %v", as, err)
		}
	})
	defer cu.Clean()

	codePages := int((uint64(len(prog.Code)) + hostarch.PageSize - 1) / hostarch.PageSize)
	codePA, err := loadFrames(&cu, m, as, frames, mem, prog.CodeAddr, codePages, prog.Code)
	if err != nil {
		return nil, fmt.Errorf("loading code: %w", err)
	}
	for i := 0; i < codePages; i++ {
		va := prog.CodeAddr + hostarch.VirtAddr(i)*hostarch.PageSize
		if err := m.Protect(as, va, false, true); err != nil {
			return nil, fmt.Errorf("sealing code page %v: %w", va, err)
		}
	}
	if _, err := loadFrames(&cu, m, as, frames, mem, prog.StackAddr, prog.StackPages, nil); err != nil {
		return nil, fmt.Errorf("mapping stack: %w", err)
	}

	cu.Release()
	p := &Process{
		Space:      as,
		Entry:      prog.CodeAddr,
		StackTop:   prog.StackAddr + hostarch.VirtAddr(prog.StackPages)*hostarch.PageSize,
		CodePages:  codePages,
		StackPages: prog.StackPages,
		Arg:        prog.Arg,
	}
	log.Infof("Built %v: %d code pages at %v (frames at %v), stack top %v", as, codePages, p.Entry, codePA, p.StackTop)
	return p, nil
}

// loadFrames allocates count zeroed frames, copies data to the first of them
// and maps them writable and not executable at va. Frames that fail to map
// are returned to frames when cu runs; mapped frames go back with the space.
func loadFrames(cu *cleanup.Cleanup, m *addrspace.Manager, as *addrspace.AddressSpace, frames pagetables.FrameSource, mem Memory, va hostarch.VirtAddr, count int, data []byte) (hostarch.PhysAddr, error) {
	if count == 0 {
		return 0, nil
	}
	pa, err := frames.Allocate(count)
	if err != nil {
		return 0, err
	}
	mapped := false
	cu.Add(func() {
		if !mapped {
			if err := frames.Free(pa, count); err != nil {
				log.Warningf("Free of %d frames at %v: %v", count, pa, err)
			}
		}
	})
	if err := mem.Zero(pa, uint64(count)*hostarch.PageSize); err != nil {
		return 0, err
	}
	if len(data) > 0 {
		if err := mem.Copy(pa, data); err != nil {
			return 0, err
		}
	}
	if err := m.MapUserPages(as, va, pa, count, true, false); err != nil {
		return 0, err
	}
	mapped = true
	return pa, nil
}
