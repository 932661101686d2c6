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
	"math"
	"math/rand"
	"time"
)

// RetryConfig parameterizes §4.2's exponential backoff.
type RetryConfig struct {
	InitialMs  int64
	MaxMs      int64
	Multiplier float64
}

// DefaultRetryConfig matches §4.2's defaults: initialMs=1s, multiplier=2,
// maxMs=100s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{InitialMs: 1000, MaxMs: 100_000, Multiplier: 2}
}

// Backoff returns min(maxMs, initialMs * multiplier^(attempt-1)) (§4.2).
// attempt is 1-based: attempt 1 is the delay scheduled after the first
// failed attempt.
func Backoff(attempt int, cfg RetryConfig) int64 {
	if attempt < 1 {
		attempt = 1
	}
	mult := cfg.Multiplier
	if mult <= 0 {
		mult = 2
	}
	delay := float64(cfg.InitialMs) * math.Pow(mult, float64(attempt-1))
	if delay > float64(cfg.MaxMs) {
		return cfg.MaxMs
	}
	if delay < 0 {
		return 0
	}
	return int64(delay)
}

// LeaseConfig parameterizes a worker's lease and renewal cadence (§4.2
// defaults: leaseMs=30s, renewIntervalMs=15s).
type LeaseConfig struct {
	LeaseMs         int64
	RenewIntervalMs int64
}

// DefaultLeaseConfig returns §4.2's defaults.
func DefaultLeaseConfig() LeaseConfig {
	return LeaseConfig{LeaseMs: 30_000, RenewIntervalMs: 15_000}
}

// sleep suspends for an actual duration in [ms-jitterMs/2, ms+jitterMs/2],
// returning early if ctx is canceled (§4.2).
func sleep(ctx context.Context, ms, jitterMs int64) error {
	d := time.Duration(ms) * time.Millisecond
	if jitterMs > 0 {
		half := jitterMs / 2
		delta := rand.Int63n(jitterMs+1) - half
		d += time.Duration(delta) * time.Millisecond
		if d < 0 {
			d = 0
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
