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

package boot

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestStress(t *testing.T) {
	for _, reclaim := range []bool{false, true} {
		res, err := Stress(context.Background(), StressOpts{
			Workers:    4,
			Iterations: 2000,
			Frames:     2048,
			Seed:       1,
			Reclaim:    reclaim,
		})
		if err != nil {
			t.Fatalf("Stress(reclaim=%t) failed: %v", reclaim, err)
		}
		if res.Lookups != 4*2000 {
			t.Errorf("Stress(reclaim=%t) did %d lookups, want %d", reclaim, res.Lookups, 4*2000)
		}
		if res.Maps == 0 || res.Unmaps == 0 || res.Protects == 0 {
			t.Errorf("Stress(reclaim=%t) = %+v, want every operation", reclaim, res)
		}
	}
}

func TestStressExhaustion(t *testing.T) {
	// Too few frames to map the whole window.
	res, err := Stress(context.Background(), StressOpts{
		Workers:    2,
		Iterations: 1000,
		Frames:     32,
		Seed:       2,
	})
	if err != nil {
		t.Fatalf("Stress failed: %v", err)
	}
	if res.Exhausted == 0 {
		t.Errorf("Stress = %+v, want exhaustion", res)
	}
}

func TestStressCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Stress(ctx, StressOpts{Workers: 2, Iterations: 100, Frames: 64}); !errors.Is(err, context.Canceled) {
		t.Errorf("Stress = %v, want %v", err, context.Canceled)
	}
}
