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
	"encoding/json"
	"time"
)

// TxContext is an opaque handle to a caller- or store-managed
// transaction, threaded through [tx] operations in the Store contract
// (§6.1). Adapters type-assert it to their own concrete transaction
// type; the core never looks inside it.
type TxContext interface{}

// CreateJobParams is the input to Store.CreateJob (§6.1).
type CreateJobParams struct {
	JobID         string // empty means "adapter generates one"
	ChainID       string
	ChainTypeName string
	SequenceIndex int
	TypeName      string
	Input         json.RawMessage
	ScheduledAt   time.Time
	Status        Status
	DedupKey      *string
}

// CompleteJobParams is the input to Store.CompleteJob (§4.5, §6.1).
// Exactly one of Output, Continuation, or FatalError is set.
type CompleteJobParams struct {
	JobID        string
	WorkerID     string
	Output       json.RawMessage  // set when the job terminates the chain
	Continuation *ContinuationJob // set when the job spawns a successor
	FatalError   string           // set when a registry error completes the chain in error (§4.4)
}

// ContinuationJob is the successor job created atomically with its
// parent's completion (§3 "Continuation").
type ContinuationJob struct {
	TypeName string
	Input    json.RawMessage
}

// RescheduleJobParams is the input to Store.RescheduleJob, used on a
// handler error (§4.4 outcome table).
type RescheduleJobParams struct {
	JobID       string
	WorkerID    string
	ScheduledAt time.Time
	Error       string
}

// ReapedJob summarizes a job the reaper moved from running back to
// pending because its lease expired (§3 "Reaping").
type ReapedJob struct {
	JobID    string
	TypeName string
	Attempt  int
}

// Page is a paginated listing result for the optional dashboard
// operations (§6.1).
type Page[T any] struct {
	Items      []T
	NextCursor string
}

// Store is the L1 adapter contract: transactional persistence of
// jobs/blockers/chains, ordered acquisition, lease CAS, and reaping
// (§6.1). Concrete backends (SQL, MongoDB, in-memory) implement this;
// the core never assumes anything about the backend beyond this
// contract's semantics.
type Store interface {
	// RunInTransaction runs fn inside a new store transaction, passing
	// a TxContext that fn's nested [tx] calls must use. The transaction
	// commits if fn returns nil, and rolls back otherwise.
	RunInTransaction(ctx context.Context, fn func(tx TxContext) error) error

	// GetJobChainByID returns the chain's root and current tail job, or
	// (nil, nil) if no chain with that ID exists.
	GetJobChainByID(ctx context.Context, tx TxContext, id string) (*Chain, error)

	// GetJobByID returns a single job, or (nil, nil) if absent.
	GetJobByID(ctx context.Context, tx TxContext, id string) (*Job, error)

	// CreateJob inserts a new job row within tx (§6.1 "[tx]").
	CreateJob(ctx context.Context, tx TxContext, params CreateJobParams) (*Job, error)

	// AddJobBlockers records blocker edges for jobID within tx.
	AddJobBlockers(ctx context.Context, tx TxContext, jobID string, blockerRootChainIDs []string) error

	// ScheduleBlockedJobs flips to pending every job blocked on
	// resolvedChainID whose remaining-blocker count has reached zero,
	// and returns them so their type names can be notified (§3
	// "Blocker resolution").
	ScheduleBlockedJobs(ctx context.Context, tx TxContext, resolvedChainID string) ([]*Job, error)

	// GetJobBlockers returns, for jobID, the root and tail job of each
	// chain it is blocked on.
	GetJobBlockers(ctx context.Context, tx TxContext, jobID string) ([]*Chain, error)

	// GetNextJobAvailableInMs returns the number of milliseconds until
	// the soonest scheduled-at among pending jobs of typeNames, or -1
	// to mean "no such job" (infinite wait).
	GetNextJobAvailableInMs(ctx context.Context, typeNames []string) (int64, error)

	// AcquireJob atomically selects the single oldest eligible pending
	// job of typeNames (tie-break: scheduled-at, then created-at, then
	// id), flips it to running, sets the lease owner and expiry,
	// increments attempt, and returns it. Returns (nil, nil) if none is
	// eligible.
	AcquireJob(ctx context.Context, typeNames []string, workerID string, leaseMs int64) (*Job, error)

	// RenewJobLease extends jobID's lease, failing with ErrLeaseLost if
	// workerID is no longer its owner or it is no longer running.
	RenewJobLease(ctx context.Context, jobID, workerID string, leaseMs int64) error

	// RescheduleJob records a handler failure and moves the job back to
	// pending at the given time, failing with ErrLeaseLost under the
	// same conditions as RenewJobLease.
	RescheduleJob(ctx context.Context, params RescheduleJobParams) error

	// CompleteJob finalizes a job within tx: writes the completion (and
	// continuation, if any), marking the chain's tail. When FatalError is
	// set, the job is completed in an error state rather than with an
	// output (§4.4 "Fatal vs retryable errors"). Fails with ErrLeaseLost
	// if workerID no longer owns the job (§4.5).
	CompleteJob(ctx context.Context, tx TxContext, params CompleteJobParams) error

	// RemoveExpiredJobLease atomically reaps every running job whose
	// lease has expired, flipping it to pending with attempt intact
	// (§3 "Reaping").
	RemoveExpiredJobLease(ctx context.Context) ([]ReapedJob, error)

	// DeleteJobsByRootChainIDs removes, within tx, all jobs and blocker
	// edges transitively rooted at rootChainIDs. It does not check that
	// the named chains are terminal; Client.DeleteJobChains does that
	// (failing with ErrChainActive) before calling it. Blocker edges
	// where a deleted chain was the blocker are removed; jobs that
	// thereby lose their last blocker are flipped to pending and
	// returned so their type names can be notified (§4.3).
	DeleteJobsByRootChainIDs(ctx context.Context, tx TxContext, rootChainIDs []string) ([]*Job, error)

	// ListJobs supports the optional dashboard surface (§6.1).
	ListJobs(ctx context.Context, chainID string, cursor string, limit int) (Page[*Job], error)

	// ListChains supports the optional dashboard surface (§6.1).
	ListChains(ctx context.Context, typeName string, cursor string, limit int) (Page[*Chain], error)

	// FindChainByDedupKey backs startJobChain's deduplication step
	// (§4.3 step 2): it looks for an entry chain of typeName whose
	// dedup key equals dedupKey, matching only chains whose status
	// satisfies strategy, within windowMs of now (0 meaning
	// unconstrained). Returns (nil, nil) on no match.
	FindChainByDedupKey(ctx context.Context, tx TxContext, typeName, dedupKey string, strategy DeduplicationStrategy, windowMs int64) (*Chain, error)
}
