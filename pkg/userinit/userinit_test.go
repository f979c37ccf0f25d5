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

package userinit

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"myria.dev/myria/pkg/addrspace"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/cpu"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/pgalloc"
	"myria.dev/myria/pkg/physmem"
	"myria.dev/myria/pkg/ring0"
	"myria.dev/myria/pkg/ring0/pagetables"
)

const (
	memBase    = 0x100000
	kernelText = hostarch.VirtAddr(0xffffffff80000000)
)

type harness struct {
	hw     *cpu.Sim
	frames *pgalloc.Allocator
	pt     *pagetables.PageTables
	spaces *addrspace.Manager
	mem    *physmem.Memory
}

// newHarness returns a manager with a kernel template over n frames. The
// kernel root and template take five of them.
func newHarness(t *testing.T, n uint64) *harness {
	t.Helper()
	h := &harness{hw: cpu.NewSim()}
	var err error
	h.frames, err = pgalloc.New([]bootmem.Region{
		{Base: memBase, Length: n * hostarch.PageSize, Kind: bootmem.Usable},
	}, pgalloc.Opts{})
	if err != nil {
		t.Fatalf("pgalloc.New failed: %v", err)
	}
	h.mem, err = physmem.New(memBase + n*hostarch.PageSize)
	if err != nil {
		t.Fatalf("physmem.New failed: %v", err)
	}
	t.Cleanup(func() { h.mem.Close() })

	h.pt = pagetables.New(pagetables.NewFrameAllocator(h.frames), cpu.TLB{HW: h.hw}, pagetables.Opts{})
	root, err := h.pt.NewRoot()
	if err != nil {
		t.Fatalf("NewRoot failed: %v", err)
	}
	if err := h.pt.Map(root, kernelText, 0x1000, pagetables.MapOpts{AccessType: hostarch.ReadExecute, Global: true}); err != nil {
		t.Fatalf("Map failed: %v", err)
	}
	h.hw.CRs[cpu.CR3] = uint64(root)
	h.spaces = addrspace.NewManager(h.pt, h.frames, h.hw)
	if _, err := h.spaces.CreateKernelTemplate(); err != nil {
		t.Fatalf("CreateKernelTemplate failed: %v", err)
	}
	return h
}

// program is a spin loop padded past one page.
func program() []byte {
	code := make([]byte, hostarch.PageSize+8)
	for i := range code {
		code[i] = 0x90 // nop
	}
	copy(code[len(code)-2:], []byte{0xeb, 0xfe}) // jmp .
	return code
}

func TestBuild(t *testing.T) {
	h := newHarness(t, 64)
	code := program()
	p, err := Build(h.spaces, h.frames, h.mem, Program{Code: code, Arg: 3})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	want := &Process{
		Space:      p.Space,
		Entry:      DefaultCodeAddr,
		StackTop:   DefaultStackAddr + 2*hostarch.PageSize,
		CodePages:  2,
		StackPages: 2,
		Arg:        3,
	}
	if diff := cmp.Diff(want, p, cmp.Comparer(func(a, b *addrspace.AddressSpace) bool { return a == b })); diff != "" {
		t.Errorf("process mismatch (-want +got):\n%s", diff)
	}
	if p.Space.Provenance != addrspace.UserIsolated {
		t.Errorf("provenance = %v, want %v", p.Space.Provenance, addrspace.UserIsolated)
	}

	// Code is read-execute and holds the image, zero padded.
	var image []byte
	for i := 0; i < p.CodePages; i++ {
		va := p.Entry + hostarch.VirtAddr(i)*hostarch.PageSize
		e, err := h.spaces.Walk(p.Space, va)
		if err != nil {
			t.Fatalf("Walk(%v) failed: %v", va, err)
		}
		if !e.PTE.User() || e.PTE.Writeable() || !e.PTE.Executable() {
			t.Errorf("code page %v is %v, want user read-execute", va, e.PTE)
		}
		b, err := h.mem.Slice(e.PTE.Address(), hostarch.PageSize)
		if err != nil {
			t.Fatalf("Slice failed: %v", err)
		}
		image = append(image, b...)
	}
	if !bytes.Equal(image[:len(code)], code) {
		t.Errorf("code image does not match the program")
	}
	if !bytes.Equal(image[len(code):], make([]byte, len(image)-len(code))) {
		t.Errorf("code padding is not zero")
	}

	for i := 0; i < p.StackPages; i++ {
		va := DefaultStackAddr + hostarch.VirtAddr(i)*hostarch.PageSize
		e, err := h.spaces.Walk(p.Space, va)
		if err != nil {
			t.Fatalf("Walk(%v) failed: %v", va, err)
		}
		if !e.PTE.User() || !e.PTE.Writeable() || e.PTE.Executable() {
			t.Errorf("stack page %v is %v, want user read-write no-execute", va, e.PTE)
		}
	}
	if _, err := h.spaces.Walk(p.Space, p.StackTop); !errors.Is(err, pagetables.ErrNotMapped) {
		t.Errorf("Walk above stack = %v, want %v", err, pagetables.ErrNotMapped)
	}
}

func TestBuildIsEnterable(t *testing.T) {
	h := newHarness(t, 64)
	p, err := Build(h.spaces, h.frames, h.mem, Program{Code: program()})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	k := &ring0.Kernel{}
	if err := k.Init(ring0.KernelOpts{PageTables: h.pt, Handlers: ring0.StubHandlers(0xffffffff80100000, 16)}); err != nil {
		t.Fatalf("Kernel.Init failed: %v", err)
	}
	c := ring0.NewCPU(h.hw)
	if err := c.Init(k, ring0.CPUOpts{KernelStack: 0xffff800000010000}); err != nil {
		t.Fatalf("CPU.Init failed: %v", err)
	}
	if err := c.EnterUser(p.Space, p.DescentOpts()); !errors.Is(err, ring0.ErrReturnedFromUser) {
		t.Errorf("EnterUser = %v, want %v", err, ring0.ErrReturnedFromUser)
	}
	if got := h.hw.Returns[0].RIP; got != uint64(DefaultCodeAddr) {
		t.Errorf("entered at %#x, want %v", got, DefaultCodeAddr)
	}
}

func TestBuildFailureReleasesEverything(t *testing.T) {
	for _, tc := range []struct {
		name   string
		frames uint64
		prog   Program
		want   error
	}{
		{
			name:   "no stack frames",
			frames: 11,
			prog:   Program{Code: []byte{0xeb, 0xfe}},
			want:   pgalloc.ErrExhausted,
		},
		{
			name:   "no stack table",
			frames: 12,
			prog:   Program{Code: []byte{0xeb, 0xfe}},
			want:   pagetables.ErrAllocationFailed,
		},
		{
			name:   "no code table",
			frames: 8,
			prog:   Program{Code: []byte{0xeb, 0xfe}},
			want:   pagetables.ErrAllocationFailed,
		},
		{
			name:   "kernel address",
			frames: 64,
			prog:   Program{Code: []byte{0xeb, 0xfe}, CodeAddr: kernelText},
			want:   addrspace.ErrKernelAddress,
		},
		{
			name:   "misaligned",
			frames: 64,
			prog:   Program{Code: []byte{0xeb, 0xfe}, CodeAddr: 0x10001},
			want:   pagetables.ErrMisaligned,
		},
		{
			name:   "empty",
			frames: 64,
			want:   ErrEmptyProgram,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, tc.frames)
			before := h.frames.Stats()
			p, err := Build(h.spaces, h.frames, h.mem, tc.prog)
			if !errors.Is(err, tc.want) {
				t.Fatalf("Build = %v, %v; want %v", p, err, tc.want)
			}
			if diff := cmp.Diff(before, h.frames.Stats()); diff != "" {
				t.Errorf("frames leaked (-before +after):\n%s", diff)
			}
		})
	}
}
