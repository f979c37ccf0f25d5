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

// Package physmem provides host memory that stands in for physical RAM when
// the core runs against the simulator.
package physmem

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
	"myria.dev/myria/pkg/hostarch"
)

// ErrOutOfRange is returned for accesses beyond the end of memory.
var ErrOutOfRange = errors.New("physical range out of bounds")

// ErrClosed is returned for accesses after Close.
var ErrClosed = errors.New("physical memory closed")

// Memory is physical memory [0, Size) backed by an anonymous host mapping.
// Pages are not committed until touched.
type Memory struct {
	mem []byte
}

// New maps size bytes of memory. size is rounded up to a page.
func New(size uint64) (*Memory, error) {
	rounded, ok := hostarch.PhysAddr(size).RoundUp()
	if !ok || rounded == 0 {
		return nil, fmt.Errorf("bad memory size %#x", size)
	}
	mem, err := unix.Mmap(-1,
		0,
		int(rounded),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("failed to mmap %#x bytes: %w", uint64(rounded), err)
	}
	return &Memory{mem: mem}, nil
}

// Size returns the size of memory in bytes.
func (m *Memory) Size() uint64 {
	return uint64(len(m.mem))
}

// Slice returns the bytes [pa, pa+n). The slice aliases memory and is
// invalid after Close.
func (m *Memory) Slice(pa hostarch.PhysAddr, n uint64) ([]byte, error) {
	if m.mem == nil {
		return nil, ErrClosed
	}
	end := uint64(pa) + n
	if end < uint64(pa) || end > uint64(len(m.mem)) {
		return nil, fmt.Errorf("%w: [%v, %#x) in %#x bytes", ErrOutOfRange, pa, end, len(m.mem))
	}
	return m.mem[pa:end:end], nil
}

// Zero clears [pa, pa+n).
func (m *Memory) Zero(pa hostarch.PhysAddr, n uint64) error {
	b, err := m.Slice(pa, n)
	if err != nil {
		return err
	}
	clear(b)
	return nil
}

// Copy copies data to pa.
func (m *Memory) Copy(pa hostarch.PhysAddr, data []byte) error {
	b, err := m.Slice(pa, uint64(len(data)))
	if err != nil {
		return err
	}
	copy(b, data)
	return nil
}

// Close unmaps memory. It is safe to call more than once.
func (m *Memory) Close() error {
	if m.mem == nil {
		return nil
	}
	err := unix.Munmap(m.mem)
	m.mem = nil
	return err
}
