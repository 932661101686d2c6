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

// Package breaker wraps sony/gobreaker around a store adapter's
// transient-error boundary, so a store that is failing outright (its
// connection pool is down, its endpoint is unreachable) stops being
// hammered by the worker loop's per-attempt retries and instead fails
// fast until it recovers.
package breaker

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"
)

// ErrOpen is returned in place of the underlying call's error while the
// breaker is open.
var ErrOpen = gobreaker.ErrOpenState

// Breaker wraps one named circuit around a transient-error-classified
// operation boundary (e.g. one Store adapter instance).
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// Config parameterizes a Breaker. ConsecutiveFailures trips the
// circuit; zero means 5. A zero OpenTimeout means 30 seconds.
type Config struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
	OnStateChange       func(name string, from, to string)
}

// New builds a Breaker around cfg.
func New(cfg Config) *Breaker {
	threshold := cfg.ConsecutiveFailures
	if threshold == 0 {
		threshold = 5
	}
	timeout := cfg.OpenTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    cfg.Name,
		Timeout: timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	}
	if cfg.OnStateChange != nil {
		settings.OnStateChange = func(name string, from, to gobreaker.State) {
			cfg.OnStateChange(name, from.String(), to.String())
		}
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs fn through the circuit. isTransient classifies fn's error as
// one that should count toward tripping the breaker; a non-transient
// error (a genuine application-level failure, e.g. a constraint
// violation) passes through without affecting the breaker's state.
func (b *Breaker) Do(fn func() error, isTransient func(error) bool) error {
	var appErr error
	_, cbErr := b.cb.Execute(func() (any, error) {
		appErr = fn()
		if appErr != nil && !isTransient(appErr) {
			// Report success to gobreaker so a non-transient failure
			// doesn't erode the circuit; appErr still carries it back.
			return nil, nil
		}
		return nil, appErr
	})
	if cbErr != nil && appErr == nil {
		// The breaker itself refused the call (open/half-open limit).
		return cbErr
	}
	return appErr
}

// IsOpen reports whether err is the breaker's own open-circuit error.
func IsOpen(err error) bool {
	return errors.Is(err, ErrOpen)
}
