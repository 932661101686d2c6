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

// Chain is a logical sequence of jobs sharing a chain ID. The chain's
// public type is always its root job's type name (§3: "Chain").
type Chain struct {
	// Root is the sequence-index-0 job. Its ID equals the chain ID.
	Root *Job

	// Tail is the current tail: the non-completed job, or the last
	// completed job when the chain is finished.
	Tail *Job
}

// ID returns the chain's identity, which is always the root job's ID.
func (c *Chain) ID() string {
	if c.Root == nil {
		return ""
	}
	return c.Root.ID
}

// TypeName returns the chain's public type, the root job's type.
func (c *Chain) TypeName() string {
	if c.Root == nil {
		return ""
	}
	return c.Root.TypeName
}

// Completed reports whether the chain's tail is completed with no pending
// continuation — i.e. the chain will never produce another job.
func (c *Chain) Completed() bool {
	return c.Tail != nil && c.Tail.Status == StatusCompleted
}

// DeduplicationStrategy controls which chains a dedup key is checked
// against when starting a new chain (§8 round-trip property).
type DeduplicationStrategy string

const (
	// DedupFinalized matches only completed entry chains.
	DedupFinalized DeduplicationStrategy = "finalized"
	// DedupAll matches entry chains of any status.
	DedupAll DeduplicationStrategy = "all"
)

// Deduplication configures §4.3 step 2 of startJobChain.
type Deduplication struct {
	Key      string
	Strategy DeduplicationStrategy
	// Window bounds how far back the store looks for a matching entry
	// chain. Zero means "no bound" (search is unconstrained by time).
	WindowMs int64
}

// Schedule configures a chain's deferred start (§3 "Chain start").
type Schedule struct {
	// After, if set, delays the root job's scheduled-at to this instant
	// (or later, never earlier than "now").
	After *int64 // unix millis; nil means "now"
}
