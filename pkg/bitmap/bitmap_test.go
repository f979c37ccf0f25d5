// Copyright 2021 The gVisor Authors.
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

package bitmap

import (
	"errors"
	"testing"
)

func TestAddRemove(t *testing.T) {
	b := New(130)
	for _, i := range []uint32{0, 63, 64, 129} {
		b.Add(i)
		if !b.Contains(i) {
			t.Errorf("Contains(%d) = false after Add", i)
		}
	}
	b.Add(63) // Duplicate.
	if got := b.GetNumOnes(); got != 4 {
		t.Errorf("GetNumOnes = %d, want 4", got)
	}
	b.Remove(63)
	b.Remove(63)
	if got := b.GetNumOnes(); got != 3 {
		t.Errorf("GetNumOnes = %d, want 3", got)
	}
	if b.Contains(200) {
		t.Errorf("Contains out of range returned true")
	}
}

func TestFirstZeroBounded(t *testing.T) {
	b := New(70)
	b.AddRange(0, 70)
	if _, err := b.FirstZero(0); !errors.Is(err, ErrNotFound) {
		t.Errorf("FirstZero on full bitmap: err = %v, want ErrNotFound", err)
	}
	if _, err := b.FirstZero(70); !errors.Is(err, ErrOutOfRange) {
		t.Errorf("FirstZero(70): err = %v, want ErrOutOfRange", err)
	}
	b.Remove(66)
	if got, err := b.FirstZero(3); err != nil || got != 66 {
		t.Errorf("FirstZero(3) = %d, %v, want 66", got, err)
	}
}

func TestFirstOne(t *testing.T) {
	b := New(256)
	b.Add(200)
	if got, err := b.FirstOne(10); err != nil || got != 200 {
		t.Errorf("FirstOne(10) = %d, %v, want 200", got, err)
	}
	if _, err := b.FirstOne(201); !errors.Is(err, ErrNotFound) {
		t.Errorf("FirstOne(201) err = %v, want ErrNotFound", err)
	}
}

func TestFirstZeroRun(t *testing.T) {
	b := New(16)
	b.AddRange(0, 16)
	// Two isolated zero bits.
	b.Remove(3)
	b.Remove(9)
	if _, err := b.FirstZeroRun(0, 2); !errors.Is(err, ErrNotFound) {
		t.Errorf("FirstZeroRun(0, 2) err = %v, want ErrNotFound", err)
	}
	if got, err := b.FirstZeroRun(0, 1); err != nil || got != 3 {
		t.Errorf("FirstZeroRun(0, 1) = %d, %v, want 3", got, err)
	}
	b.Remove(10)
	b.Remove(11)
	if got, err := b.FirstZeroRun(0, 3); err != nil || got != 9 {
		t.Errorf("FirstZeroRun(0, 3) = %d, %v, want 9", got, err)
	}
	b.RemoveRange(13, 16)
	if got, err := b.FirstZeroRun(12, 3); err != nil || got != 13 {
		t.Errorf("FirstZeroRun(12, 3) = %d, %v, want 13", got, err)
	}
	if _, err := b.FirstZeroRun(12, 4); !errors.Is(err, ErrNotFound) {
		t.Errorf("FirstZeroRun past end err = %v, want ErrNotFound", err)
	}
}

func TestAllOne(t *testing.T) {
	b := New(128)
	b.AddRange(10, 20)
	for _, tc := range []struct {
		begin, end uint32
		want       bool
	}{
		{10, 20, true},
		{12, 13, true},
		{15, 15, true},
		{9, 20, false},
		{10, 21, false},
		{120, 130, false},
	} {
		if got := b.AllOne(tc.begin, tc.end); got != tc.want {
			t.Errorf("AllOne(%d, %d) = %v, want %v", tc.begin, tc.end, got, tc.want)
		}
	}
}
