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
	"testing"
	"time"

	"github.com/go-quicktest/qt"
)

func TestChainIDAndTypeNameUseRoot(t *testing.T) {
	var c Chain
	qt.Assert(t, qt.Equals(c.ID(), ""))
	qt.Assert(t, qt.Equals(c.TypeName(), ""))

	root := &Job{ID: "root-1", TypeName: "order.process"}
	c = Chain{Root: root, Tail: root}
	qt.Assert(t, qt.Equals(c.ID(), "root-1"))
	qt.Assert(t, qt.Equals(c.TypeName(), "order.process"))
}

func TestChainCompleted(t *testing.T) {
	root := &Job{ID: "root-1", Status: StatusPending}
	c := Chain{Root: root, Tail: root}
	qt.Assert(t, qt.IsTrue(!c.Completed()))

	tail := &Job{ID: "tail-1", Status: StatusCompleted}
	c = Chain{Root: root, Tail: tail}
	qt.Assert(t, qt.IsTrue(c.Completed()))
}

func TestJobTerminalAndLeased(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Minute)
	past := now.Add(-time.Minute)

	j := &Job{Status: StatusCompleted}
	qt.Assert(t, qt.IsTrue(j.Terminal()))
	qt.Assert(t, qt.IsTrue(!j.Leased(now)))

	j = &Job{Status: StatusRunning, LeasedUntil: &future}
	qt.Assert(t, qt.IsTrue(!j.Terminal()))
	qt.Assert(t, qt.IsTrue(j.Leased(now)))

	j = &Job{Status: StatusRunning, LeasedUntil: &past}
	qt.Assert(t, qt.IsTrue(!j.Leased(now)))

	j = &Job{Status: StatusRunning, LeasedUntil: nil}
	qt.Assert(t, qt.IsTrue(!j.Leased(now)))
}
