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
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a Job.
type Status string

const (
	StatusBlocked   Status = "blocked"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
)

// Job is the unit of work, and the durable record the store owns.
//
// A worker holds only a time-bounded lease (LeasedBy/LeasedUntil) on top of
// this record; the store is always authoritative.
type Job struct {
	ID       string
	ChainID  string
	TypeName string

	// ChainTypeName is the root job's type name for the chain this job
	// belongs to — a chain's public type never changes as it continues.
	ChainTypeName string

	SequenceIndex int

	Input  json.RawMessage
	Output json.RawMessage

	Status Status

	Attempt int

	ScheduledAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time

	LastAttemptAt    *time.Time
	LastAttemptError string

	LeasedBy    string
	LeasedUntil *time.Time

	CompletedAt *time.Time
	CompletedBy string

	DedupKey *string
}

// Terminal reports whether the job will never change state again.
func (j *Job) Terminal() bool {
	return j.Status == StatusCompleted
}

// Leased reports whether the job is currently running under an
// unexpired lease, as observed at the given instant.
func (j *Job) Leased(now time.Time) bool {
	return j.Status == StatusRunning && j.LeasedUntil != nil && j.LeasedUntil.After(now)
}

// Continuation is emitted by a handler to create the next job in a chain.
type Continuation struct {
	TypeName string
	Input    any
}

// BlockerRef names a chain that must complete before a job may run.
type BlockerRef struct {
	TypeName    string
	RootChainID string
}
