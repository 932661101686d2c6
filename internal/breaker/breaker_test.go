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

package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/go-quicktest/qt"
)

var errBoom = errors.New("boom")

func alwaysTransient(error) bool { return true }
func neverTransient(error) bool  { return false }

func TestDoPassesThroughNonTransientErrorWithoutTripping(t *testing.T) {
	b := New(Config{ConsecutiveFailures: 2})

	for i := 0; i < 5; i++ {
		err := b.Do(func() error { return errBoom }, neverTransient)
		qt.Assert(t, qt.ErrorIs(err, errBoom))
		qt.Assert(t, qt.IsTrue(!IsOpen(err)))
	}
}

func TestDoTripsOnConsecutiveTransientFailures(t *testing.T) {
	b := New(Config{ConsecutiveFailures: 2, OpenTimeout: time.Hour})

	err := b.Do(func() error { return errBoom }, alwaysTransient)
	qt.Assert(t, qt.ErrorIs(err, errBoom))

	err = b.Do(func() error { return errBoom }, alwaysTransient)
	qt.Assert(t, qt.ErrorIs(err, errBoom))

	err = b.Do(func() error { return nil }, alwaysTransient)
	qt.Assert(t, qt.IsTrue(IsOpen(err)))
}

func TestDoReturnsNilOnSuccess(t *testing.T) {
	b := New(Config{})
	err := b.Do(func() error { return nil }, alwaysTransient)
	qt.Assert(t, qt.IsNil(err))
}

func TestDoReportsStateChanges(t *testing.T) {
	var transitions []string
	b := New(Config{
		Name:                "store",
		ConsecutiveFailures: 1,
		OpenTimeout:         time.Hour,
		OnStateChange: func(name, from, to string) {
			transitions = append(transitions, name+":"+from+"->"+to)
		},
	})

	_ = b.Do(func() error { return errBoom }, alwaysTransient)
	qt.Assert(t, qt.DeepEquals(transitions, []string{"store:closed->open"}))
}
