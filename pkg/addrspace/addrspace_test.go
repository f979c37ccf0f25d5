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

package addrspace

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/pgalloc"
	"myria.dev/myria/pkg/ring0/pagetables"
)

const kernelText = hostarch.VirtAddr(0xffffffff80000000)

type harness struct {
	m      *Manager
	pt     *pagetables.PageTables
	frames *pgalloc.Allocator
	hw     *cpu.Sim
}

// newHarness returns a Manager whose active root maps one kernel text page.
func newHarness(t *testing.T, frames uint64) *harness {
	t.Helper()
	fa, err := pgalloc.New([]bootmem.Region{
		{Base: 0x100000, Length: frames * hostarch.PageSize, Kind: bootmem.Usable},
	}, pgalloc.Opts{})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	hw := cpu.NewSim()
	pt := pagetables.New(pagetables.NewFrameAllocator(fa), cpu.TLB{HW: hw}, pagetables.Opts{})
	root, err := pt.NewRoot()
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	if err := pt.Map(root, kernelText, 0x1000, pagetables.MapOpts{AccessType: hostarch.ReadExecute, Global: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	hw.CRs[cpu.CR3] = uint64(root)
	return &harness{
		m:      NewManager(pt, fa, hw),
		pt:     pt,
		frames: fa,
		hw:     hw,
	}
}

func (h *harness) userSpace(t *testing.T) *AddressSpace {
	t.Helper()
	if h.m.Template() == nil {
		if _, err := h.m.CreateKernelTemplate(); err != nil {
			t.Fatalf("CreateKernelTemplate failed: %v", err)
		}
	}
	as, err := h.m.CreateUserSpace()
	if err != nil {
		t.Fatalf("CreateUserSpace failed: %v", err)
	}
	return as
}

func (h *harness) frame(t *testing.T) hostarch.PhysAddr {
	t.Helper()
	pa, err := h.frames.Allocate(1)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	return pa
}

func lowHalf(t *testing.T, pt *pagetables.PageTables, root hostarch.PhysAddr) []hostarch.VirtAddr {
	t.Helper()
	var vas []hostarch.VirtAddr
	if err := pt.Visit(root, 0, hostarch.MaximumUserAddress+1, func(va hostarch.VirtAddr, _ pagetables.Entry) bool {
		vas = append(vas, va)
		return true
	}); err != nil {
		t.Fatalf("Visit failed: %v", err)
	}
	return vas
}

func TestTemplateLifecycle(t *testing.T) {
	h := newHarness(t, 64)

	if _, err := h.m.CreateUserSpace(); !errors.Is(err, ErrNoTemplate) {
		t.Errorf("CreateUserSpace before template = %v, want %v", err, ErrNoTemplate)
	}
	tmpl, err := h.m.CreateKernelTemplate()
	if err != nil {
		t.Fatalf("CreateKernelTemplate failed: %v", err)
	}
	if tmpl.Provenance != KernelTemplate {
		t.Errorf("template provenance = %v, want %v", tmpl.Provenance, KernelTemplate)
	}
	if _, err := h.m.CreateKernelTemplate(); !errors.Is(err, ErrTemplateExists) {
		t.Errorf("second CreateKernelTemplate = %v, want %v", err, ErrTemplateExists)
	}
	k, err := h.m.Kernel()
	if err != nil {
		t.Fatalf("Kernel failed: %v", err)
	}
	if k.Provenance != Kernel || k.Root == tmpl.Root {
		t.Errorf("Kernel() = %v, want kernel space distinct from %v", k, tmpl)
	}
}

func TestIsolation(t *testing.T) {
	h := newHarness(t, 64)

	// A kernel mapping in the lower half must not leak into user spaces.
	k, err := h.m.Kernel()
	if err != nil {
		t.Fatalf("Kernel failed: %v", err)
	}
	if err := h.pt.Map(k.Root, 0x200000, 0x200000, pagetables.MapOpts{AccessType: hostarch.ReadWrite}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}

	as := h.userSpace(t)
	if as.Provenance != UserIsolated {
		t.Errorf("provenance = %v, want %v", as.Provenance, UserIsolated)
	}
	if got := lowHalf(t, h.pt, as.Root); len(got) != 0 {
		t.Errorf("fresh user space maps %v in the lower half", got)
	}
	if _, err := h.m.Walk(as, 0x200000); !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("Walk(0x200000) = %v, want %v", err, pagetables.ErrNotMapped)
	}

	want, err := h.pt.Walk(h.m.Template().Root, kernelText)
	if err != nil {
		t.Fatalf("template Walk failed: %v", err)
	}
	got, err := h.m.Walk(as, kernelText)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("upper half mismatch (-template +user):\n%s", diff)
	}
}

func TestMapUserPage(t *testing.T) {
	h := newHarness(t, 64)
	as := h.userSpace(t)
	code := h.frame(t)

	if err := h.m.MapUserPage(as, 0x10000, code, false, true); err != nil {
		t.Fatalf("MapUserPage failed: %v", err)
	}
	e, err := h.m.Walk(as, 0x10000)
	if err != nil {
		t.Fatalf("Walk failed: %v", err)
	}
	want := pagetables.MapOpts{AccessType: hostarch.ReadExecute, User: true}
	if e.Size() != pagetables.Size4K || e.Address() != code {
		t.Errorf("Walk = %v, want 4K leaf at %v", e, code)
	}
	if diff := cmp.Diff(want, e.Opts()); diff != "" {
		t.Errorf("opts mismatch (-want +got):\n%s", diff)
	}

	k, _ := h.m.Kernel()
	for _, tc := range []struct {
		name  string
		as    *AddressSpace
		va    hostarch.VirtAddr
		w, x  bool
		count int
		want  error
	}{
		{"write execute", as, 0x20000, true, true, 1, ErrWriteExecute},
		{"kernel half", as, kernelText, true, false, 1, ErrKernelAddress},
		{"crosses into kernel half", as, hostarch.MaximumUserAddress + 1 - hostarch.PageSize, true, false, 2, ErrKernelAddress},
		{"kernel space", k, 0x20000, true, false, 1, ErrNotUserSpace},
		{"template", h.m.Template(), 0x20000, true, false, 1, ErrNotUserSpace},
	} {
		t.Run(tc.name, func(t *testing.T) {
			if err := h.m.MapUserPages(tc.as, tc.va, 0x300000, tc.count, tc.w, tc.x); !errors.Is(err, tc.want) {
				t.Errorf("MapUserPages = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestProtectFlip(t *testing.T) {
	h := newHarness(t, 64)
	as := h.userSpace(t)

	if err := h.m.MapUserPage(as, 0x10000, h.frame(t), true, false); err != nil {
		t.Fatalf("MapUserPage failed: %v", err)
	}
	for _, step := range []struct{ w, x bool }{
		{false, true},
		{false, true},
		{true, false},
	} {
		if err := h.m.Protect(as, 0x10000, step.w, step.x); err != nil {
			t.Fatalf("Protect(w=%t, x=%t) failed: %v", step.w, step.x, err)
		}
		e, err := h.m.Walk(as, 0x10000)
		if err != nil {
			t.Fatalf("Walk failed: %v", err)
		}
		at := e.Opts().AccessType
		if at.Write != step.w || at.Execute != step.x {
			t.Errorf("after Protect(w=%t, x=%t): %v", step.w, step.x, at)
		}
	}
	if err := h.m.Protect(as, 0x10000, true, true); !errors.Is(err, ErrWriteExecute) {
		t.Errorf("Protect(rwx) = %v, want %v", err, ErrWriteExecute)
	}
	if err := h.m.Protect(as, 0x20000, false, true); !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("Protect(unmapped) = %v, want %v", err, pagetables.ErrNotMapped)
	}
}

func TestMapUserPagesRollback(t *testing.T) {
	h := newHarness(t, 64)
	as := h.userSpace(t)

	// Leave three free frames: enough for the pud, pmd and first pt, but
	// not the pt past the 2M boundary.
	for h.frames.Stats().Free > 3 {
		h.frame(t)
	}
	err := h.m.MapUserPages(as, 0x1ff000, 0x300000, 2, true, false)
	if !errors.Is(err, pagetables.ErrAllocationFailed) {
		t.Fatalf("MapUserPages = %v, want %v", err, pagetables.ErrAllocationFailed)
	}
	if got := lowHalf(t, h.pt, as.Root); len(got) != 0 {
		t.Errorf("partial mapping left behind: %v", got)
	}
}

func TestTeardown(t *testing.T) {
	h := newHarness(t, 64)
	if _, err := h.m.CreateKernelTemplate(); err != nil {
		t.Fatalf("CreateKernelTemplate failed: %v", err)
	}
	before := h.frames.Stats()

	as := h.userSpace(t)
	if err := h.m.MapUserPage(as, 0x10000, h.frame(t), false, true); err != nil {
		t.Fatalf("MapUserPage failed: %v", err)
	}
	stack, err := h.frames.Allocate(2)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	if err := h.m.MapUserPages(as, 0x800000, stack, 2, true, false); err != nil {
		t.Fatalf("MapUserPages failed: %v", err)
	}

	// Loaded spaces cannot be torn down.
	if err := h.m.Switch(as); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}
	if got := cpu.ActiveRoot(h.hw); got != as.Root {
		t.Errorf("CR3 = %v, want %v", got, as.Root)
	}
	if err := h.m.Teardown(as); !errors.Is(err, ErrActive) {
		t.Errorf("Teardown(active) = %v, want %v", err, ErrActive)
	}
	k, _ := h.m.Kernel()
	if err := h.m.Switch(k); err != nil {
		t.Fatalf("Switch failed: %v", err)
	}

	if err := h.m.Teardown(as); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}
	if diff := cmp.Diff(before, h.frames.Stats()); diff != "" {
		t.Errorf("frames leaked (-before +after):\n%s", diff)
	}

	// The shared upper half survives.
	for _, root := range []hostarch.PhysAddr{k.Root, h.m.Template().Root} {
		if _, err := h.pt.Walk(root, kernelText); err != nil {
			t.Errorf("Walk(%v, kernel text) after teardown: %v", root, err)
		}
	}

	if err := h.m.Teardown(as); !errors.Is(err, ErrTornDown) {
		t.Errorf("second Teardown = %v, want %v", err, ErrTornDown)
	}
	if err := h.m.Teardown(k); !errors.Is(err, ErrNotUserSpace) {
		t.Errorf("Teardown(kernel) = %v, want %v", err, ErrNotUserSpace)
	}
}

// irqSim records the interrupt flag at every TLB invalidation and flush.
type irqSim struct {
	*cpu.Sim
	flags []bool
}

func (s *irqSim) Invlpg(addr uint64) {
	s.flags = append(s.flags, s.Interrupts)
	s.Sim.Invlpg(addr)
}

func (s *irqSim) WriteCR(cr cpu.CR, v uint64) {
	s.flags = append(s.flags, s.Interrupts)
	s.Sim.WriteCR(cr, v)
}

func TestEditsMaskInterrupts(t *testing.T) {
	h := newHarness(t, 64)
	hw := &irqSim{Sim: h.hw}
	m := NewManager(pagetables.New(h.pt.Allocator, cpu.TLB{HW: hw}, pagetables.Opts{}), h.frames, hw)
	if _, err := m.CreateKernelTemplate(); err != nil {
		t.Fatalf("CreateKernelTemplate failed: %v", err)
	}

	// As after the first return to user mode.
	h.hw.Interrupts = true
	as, err := m.CreateUserSpace()
	if err != nil {
		t.Fatalf("CreateUserSpace failed: %v", err)
	}
	pa := h.frame(t)
	if err := m.MapUserPage(as, 0x10000, pa, true, false); err != nil {
		t.Fatalf("MapUserPage failed: %v", err)
	}
	if err := m.Protect(as, 0x10000, false, true); err != nil {
		t.Fatalf("Protect failed: %v", err)
	}
	if err := m.Unmap(as, 0x10000); err != nil {
		t.Fatalf("Unmap failed: %v", err)
	}
	if err := m.Teardown(as); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	if h.hw.Masks != 5 || !h.hw.Interrupts {
		t.Errorf("Masks = %d, Interrupts = %t; want 5, true", h.hw.Masks, h.hw.Interrupts)
	}
	if len(hw.flags) == 0 {
		t.Fatalf("no invalidations recorded")
	}
	for i, on := range hw.flags {
		if on {
			t.Errorf("invalidation %d ran with interrupts enabled", i)
		}
	}

	// Rejected edits never touch the flag.
	h.hw.Masks = 0
	if err := m.Unmap(as, 0x10000); !errors.Is(err, ErrTornDown) {
		t.Errorf("Unmap after teardown = %v, want %v", err, ErrTornDown)
	}
	if h.hw.Masks != 0 {
		t.Errorf("Masks = %d after a rejected edit, want 0", h.hw.Masks)
	}
}
