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

package bootmem

import (
	"fmt"

	"github.com/google/btree"
	"myria.dev/myria/pkg/hostarch"
)

// Range is a half-open physical address range [Start, End).
type Range struct {
	Start hostarch.PhysAddr `yaml:"start" json:"start"`
	End   hostarch.PhysAddr `yaml:"end" json:"end"`
}

// Length returns the length of the range.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Frames returns the number of pages in the range.
func (r Range) Frames() uint64 {
	return r.Length() >> hostarch.PageShift
}

// String implements fmt.Stringer.String.
func (r Range) String() string {
	return fmt.Sprintf("[%v, %v)", r.Start, r.End)
}

// degree is the btree degree; region counts are small.
const degree = 8

// Set is a set of disjoint, non-adjacent ranges ordered by start address.
type Set struct {
	t *btree.BTreeG[Range]
}

// NewSet returns an empty set.
func NewSet() *Set {
	return &Set{t: btree.NewG(degree, func(a, b Range) bool {
		return a.Start < b.Start
	})}
}

// Add inserts r, merging it with any range it overlaps or touches.
func (s *Set) Add(r Range) {
	if r.End <= r.Start {
		return
	}
	var merged []Range
	s.t.DescendLessOrEqual(Range{Start: r.End}, func(e Range) bool {
		if e.End < r.Start {
			return false
		}
		merged = append(merged, e)
		return true
	})
	for _, e := range merged {
		s.t.Delete(e)
		r.Start = min(r.Start, e.Start)
		r.End = max(r.End, e.End)
	}
	s.t.ReplaceOrInsert(r)
}

// Remove deletes r from the set, splitting ranges as needed.
func (s *Set) Remove(r Range) {
	if r.End <= r.Start {
		return
	}
	var hit []Range
	s.t.DescendLessOrEqual(Range{Start: r.End - 1}, func(e Range) bool {
		if e.End <= r.Start {
			return false
		}
		hit = append(hit, e)
		return true
	})
	for _, e := range hit {
		s.t.Delete(e)
		if e.Start < r.Start {
			s.t.ReplaceOrInsert(Range{Start: e.Start, End: r.Start})
		}
		if e.End > r.End {
			s.t.ReplaceOrInsert(Range{Start: r.End, End: e.End})
		}
	}
}

// Contains returns true if addr lies in some range of the set.
func (s *Set) Contains(addr hostarch.PhysAddr) bool {
	found := false
	s.t.DescendLessOrEqual(Range{Start: addr}, func(e Range) bool {
		found = addr < e.End
		return false
	})
	return found
}

// Ranges returns the ranges in ascending order.
func (s *Set) Ranges() []Range {
	rs := make([]Range, 0, s.t.Len())
	s.t.Ascend(func(e Range) bool {
		rs = append(rs, e)
		return true
	})
	return rs
}

// Frames returns the total number of pages covered by the set.
func (s *Set) Frames() uint64 {
	var n uint64
	s.t.Ascend(func(e Range) bool {
		n += e.Frames()
		return true
	})
	return n
}
