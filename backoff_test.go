// Copyright 2026 The Chainwork Authors
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

package chainwork

import (
	"context"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
)

var backoffTests = []struct {
	attempt int
	cfg     RetryConfig
	want    int64
}{
	{0, DefaultRetryConfig(), 1000},  // clamped to attempt 1
	{1, DefaultRetryConfig(), 1000},
	{2, DefaultRetryConfig(), 2000},
	{3, DefaultRetryConfig(), 4000},
	{10, DefaultRetryConfig(), 100_000}, // clamped to MaxMs
	{1, RetryConfig{InitialMs: 500, MaxMs: 500, Multiplier: 3}, 500},
}

func TestBackoff(t *testing.T) {
	for _, tt := range backoffTests {
		got := Backoff(tt.attempt, tt.cfg)
		qt.Assert(t, qt.Equals(got, tt.want))
	}
}

func TestSleepRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := sleep(ctx, 10_000, 0)
	qt.Assert(t, qt.ErrorIs(err, context.Canceled))
}

func TestSleepJitterBounds(t *testing.T) {
	start := time.Now()
	err := sleep(context.Background(), 20, 10)
	qt.Assert(t, qt.IsNil(err))
	elapsed := time.Since(start)
	qt.Assert(t, qt.IsTrue(elapsed >= 10*time.Millisecond))
	qt.Assert(t, qt.IsTrue(elapsed <= 40*time.Millisecond))
}
