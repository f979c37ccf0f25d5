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

// Package pgalloc owns physical page frames.
//
// The Allocator is the only source and sink of frames. It tracks the managed
// span with two bitmaps: one marking frames that the boot memory map declared
// usable, and one marking frames that are currently handed out. Frames that
// are not usable are permanently marked as handed out so that searches skip
// them.
//
// An Allocator is not safe for concurrent use. Callers serialize access, on
// real hardware by running with interrupts disabled.
package pgalloc

import (
	"errors"
	"fmt"

	"myria.dev/myria/pkg/bitmap"
	"myria.dev/myria/pkg/bootmem"
	"myria.dev/myria/pkg/hostarch"
	"myria.dev/myria/pkg/log"
)

var (
	// ErrExhausted is returned when no free frame, or no contiguous run of
	// the requested length, is available.
	ErrExhausted = errors.New("physical memory exhausted")

	// ErrInvalidAddress is returned when freeing an address that is not
	// frame aligned or is not a managed frame.
	ErrInvalidAddress = errors.New("invalid frame address")

	// ErrDoubleFree is returned when freeing a frame that is already free.
	ErrDoubleFree = errors.New("frame already free")

	// ErrInvalidCount is returned for a non-positive frame count.
	ErrInvalidCount = errors.New("invalid frame count")

	// ErrNoMemory is returned by New when the memory map has no usable
	// frames.
	ErrNoMemory = errors.New("no usable memory")
)

// Opts are allocator options.
type Opts struct {
	// AllowZeroPage permits handing out the frame at physical address 0. It
	// is excluded by default so that a zero address never names a frame.
	AllowZeroPage bool
}

// Stats are frame counts.
type Stats struct {
	Total uint64 `yaml:"total" json:"total"`
	Free  uint64 `yaml:"free" json:"free"`
	Used  uint64 `yaml:"used" json:"used"`
}

// Bytes returns the counts in bytes.
func (s Stats) Bytes() (total, free, used uint64) {
	return s.Total * hostarch.PageSize, s.Free * hostarch.PageSize, s.Used * hostarch.PageSize
}

// Allocator is a first-fit bitmap frame allocator.
type Allocator struct {
	// base is the frame number of the first frame in the span.
	base uint64

	// usable marks managed frames. It never changes after New.
	usable bitmap.Bitmap

	// used marks allocated frames, and every frame that is not usable.
	used bitmap.Bitmap

	// hint is the index at which searches start. Every frame below hint is
	// marked in used.
	hint uint32
}

// New returns an allocator owning every usable frame of the given memory
// map.
func New(regions []bootmem.Region, opts Opts) (*Allocator, error) {
	ranges, err := bootmem.UsableRanges(regions)
	if err != nil {
		return nil, err
	}
	if !opts.AllowZeroPage && len(ranges) > 0 && ranges[0].Start == 0 {
		ranges[0].Start = hostarch.PageSize
		if ranges[0].Start == ranges[0].End {
			ranges = ranges[1:]
		}
	}
	if len(ranges) == 0 {
		return nil, ErrNoMemory
	}

	first := ranges[0].Start.Frame()
	last := ranges[len(ranges)-1].End.Frame()
	if last-first > uint64(bitmap.MaxBitEntryLimit) {
		return nil, fmt.Errorf("span of %d frames too large", last-first)
	}
	span := uint32(last - first)
	a := &Allocator{
		base:   first,
		usable: bitmap.New(span),
		used:   bitmap.New(span),
	}
	a.used.AddRange(0, span)
	for _, r := range ranges {
		begin := uint32(r.Start.Frame() - first)
		end := uint32(r.End.Frame() - first)
		a.usable.AddRange(begin, end)
		a.used.RemoveRange(begin, end)
	}
	a.hint, _ = a.used.FirstZero(0)

	s := a.Stats()
	log.Infof("pgalloc: managing %d frames (%d KiB) in span [%v, %v)",
		s.Total, s.Total*hostarch.PageSize/1024, a.addr(0), a.addr(span))
	return a, nil
}

func (a *Allocator) addr(index uint32) hostarch.PhysAddr {
	return hostarch.PhysAddr((a.base + uint64(index)) << hostarch.PageShift)
}

// index returns the span index of addr, and whether addr is in the span.
func (a *Allocator) index(addr hostarch.PhysAddr) (uint32, bool) {
	f := addr.Frame()
	if f < a.base || f-a.base >= uint64(a.usable.Size()) {
		return 0, false
	}
	return uint32(f - a.base), true
}

// Allocate returns the base address of count contiguous free frames.
//
// The search is first-fit starting at the hint. Allocating at the hint moves
// the hint past the allocation.
func (a *Allocator) Allocate(count int) (hostarch.PhysAddr, error) {
	if count < 1 {
		return 0, fmt.Errorf("allocate %d: %w", count, ErrInvalidCount)
	}
	if uint64(count) > uint64(a.used.Size()) {
		return 0, fmt.Errorf("allocate %d: %w", count, ErrExhausted)
	}
	var (
		i   uint32
		err error
	)
	if count == 1 {
		i, err = a.used.FirstZero(a.hint)
	} else {
		i, err = a.used.FirstZeroRun(a.hint, uint32(count))
	}
	if err != nil {
		return 0, fmt.Errorf("allocate %d: %w", count, ErrExhausted)
	}
	a.used.AddRange(i, i+uint32(count))
	if i == a.hint {
		a.hint = i + uint32(count)
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("pgalloc: allocated %d frame(s) at %v", count, a.addr(i))
	}
	return a.addr(i), nil
}

// Free returns count frames starting at addr.
//
// The whole run is checked before anything is released: a run containing an
// unmanaged or already free frame is rejected and the free-set is unchanged.
func (a *Allocator) Free(addr hostarch.PhysAddr, count int) error {
	if count < 1 {
		return fmt.Errorf("free %v: %w", addr, ErrInvalidCount)
	}
	if !addr.IsPageAligned() {
		return fmt.Errorf("free %v: %w", addr, ErrInvalidAddress)
	}
	begin, ok := a.index(addr)
	if !ok || uint64(begin)+uint64(count) > uint64(a.usable.Size()) {
		return fmt.Errorf("free %v+%d: outside managed span: %w", addr, count, ErrInvalidAddress)
	}
	end := begin + uint32(count)
	if !a.usable.AllOne(begin, end) || !a.used.AllOne(begin, end) {
		for i := begin; i < end; i++ {
			if !a.usable.Contains(i) {
				return fmt.Errorf("free %v: frame %v is not managed: %w", addr, a.addr(i), ErrInvalidAddress)
			}
			if !a.used.Contains(i) {
				return fmt.Errorf("free %v: frame %v: %w", addr, a.addr(i), ErrDoubleFree)
			}
		}
	}
	a.used.RemoveRange(begin, end)
	if begin < a.hint {
		a.hint = begin
	}
	if log.IsLogging(log.Debug) {
		log.Debugf("pgalloc: freed %d frame(s) at %v", count, addr)
	}
	return nil
}

// Contains returns true if addr lies in a managed frame.
func (a *Allocator) Contains(addr hostarch.PhysAddr) bool {
	i, ok := a.index(addr)
	return ok && a.usable.Contains(i)
}

// IsFree returns true if addr lies in a managed frame that is free.
func (a *Allocator) IsFree(addr hostarch.PhysAddr) bool {
	i, ok := a.index(addr)
	return ok && a.usable.Contains(i) && !a.used.Contains(i)
}

// Hint returns the address at which the next search starts.
func (a *Allocator) Hint() hostarch.PhysAddr {
	return a.addr(a.hint)
}

// Limit returns the first address past the managed span.
func (a *Allocator) Limit() hostarch.PhysAddr {
	return a.addr(a.usable.Size())
}

// Stats returns frame counts.
func (a *Allocator) Stats() Stats {
	total := uint64(a.usable.GetNumOnes())
	unusable := uint64(a.usable.Size()) - total
	used := uint64(a.used.GetNumOnes()) - unusable
	return Stats{
		Total: total,
		Free:  total - used,
		Used:  used,
	}
}
