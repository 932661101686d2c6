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
	"time"

	"github.com/google/uuid"
)

// StartJobChainParams is the input to Client.StartJobChain (§4.3).
type StartJobChainParams struct {
	TypeName      string
	Input         any
	Deduplication *Deduplication
	Schedule      *Schedule

	// StartBlockers, if set, is called inside the same transaction as
	// the new chain's creation with a restricted handle that may start
	// further chains to block on. Returning zero blockers is treated
	// as if this field were nil (§9(c)).
	StartBlockers func(h *BlockerHandle) ([]BlockerRef, error)

	// TxContext, if set, is an already-open transaction (e.g. one the
	// caller opened to create its own rows atomically with this call).
	// If nil, the Client opens its own transaction.
	TxContext TxContext
}

// StartResult is the output of Client.StartJobChain.
type StartResult struct {
	Chain        *Chain
	Deduplicated bool
}

// BlockerHandle is the restricted handle passed to StartBlockers. It
// permits starting further chains within the same transaction, which is
// what makes the blocker graph acyclic by construction (§9 "Cyclic
// references"): a blocker can only be a chain started before or during
// the same transaction as the job it blocks.
type BlockerHandle struct {
	ctx    context.Context
	tx     TxContext
	client *Client
}

// StartJobChain starts a nested chain within the enclosing transaction.
func (h *BlockerHandle) StartJobChain(params StartJobChainParams) (*StartResult, error) {
	params.TxContext = h.tx
	return h.client.startJobChain(h.ctx, params)
}

// StartJobChain starts a new job chain (§4.3).
func (c *Client) StartJobChain(ctx context.Context, params StartJobChainParams) (*StartResult, error) {
	if params.TxContext != nil {
		return c.startJobChain(ctx, params)
	}

	var result *StartResult
	err := WithNotifyContext(ctx, c.fabric, c.hooks, func(ctx context.Context) error {
		return c.store.RunInTransaction(ctx, func(tx TxContext) error {
			params.TxContext = tx
			r, err := c.startJobChain(ctx, params)
			if err != nil {
				return err
			}
			result = r
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) startJobChain(ctx context.Context, params StartJobChainParams) (*StartResult, error) {
	tx := params.TxContext

	// 1. Registry: verify typeName is an entry; normalize input.
	if _, err := c.registry.validateEntry(params.TypeName); err != nil {
		return nil, err
	}
	normalizedInput, err := c.registry.parseInput(params.TypeName, params.Input)
	if err != nil {
		return nil, err
	}

	// 2. Deduplication.
	if params.Deduplication != nil && params.Deduplication.Key != "" {
		existing, err := c.store.FindChainByDedupKey(ctx, tx, params.TypeName, params.Deduplication.Key, params.Deduplication.Strategy, params.Deduplication.WindowMs)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return &StartResult{Chain: existing, Deduplicated: true}, nil
		}
	}

	// Resolve blockers before creating the root job, so we only ever
	// write one final status for it (spec step ordering 3-4 collapsed
	// into a single atomic write within the same transaction).
	var refs []BlockerRef
	if params.StartBlockers != nil {
		handle := &BlockerHandle{ctx: ctx, tx: tx, client: c}
		refs, err = params.StartBlockers(handle)
		if err != nil {
			return nil, err
		}
		if err := c.registry.validateBlockers(params.TypeName, refs); err != nil {
			return nil, err
		}
	}

	scheduledAt := time.Now().UTC()
	if params.Schedule != nil && params.Schedule.After != nil {
		if after := time.UnixMilli(*params.Schedule.After).UTC(); after.After(scheduledAt) {
			scheduledAt = after
		}
	}

	status := StatusPending
	if len(refs) > 0 {
		status = StatusBlocked
	}

	var dedupKey *string
	if params.Deduplication != nil && params.Deduplication.Key != "" {
		k := params.Deduplication.Key
		dedupKey = &k
	}

	jobID := uuid.NewString()
	job, err := c.store.CreateJob(ctx, tx, CreateJobParams{
		JobID:         jobID,
		ChainID:       jobID,
		ChainTypeName: params.TypeName,
		SequenceIndex: 0,
		TypeName:      params.TypeName,
		Input:         normalizedInput,
		ScheduledAt:   scheduledAt,
		Status:        status,
		DedupKey:      dedupKey,
	})
	if err != nil {
		return nil, err
	}

	if len(refs) > 0 {
		ids := make([]string, len(refs))
		for i, ref := range refs {
			ids[i] = ref.RootChainID
		}
		if err := c.store.AddJobBlockers(ctx, tx, job.ID, ids); err != nil {
			return nil, err
		}
	}

	c.hooks.emit(Event{Type: EventJobCreated, Level: LevelInfo, Message: "job created", Data: map[string]any{"jobId": job.ID, "chainId": job.ChainID, "typeName": params.TypeName, "sequenceIndex": job.SequenceIndex}})
	c.hooks.emit(Event{Type: EventChainCreated, Level: LevelInfo, Message: "chain created", Data: map[string]any{"chainId": job.ID, "typeName": params.TypeName}})

	// 5. Enqueue a post-commit job-scheduled notification, unless the
	// chain started blocked (it has nothing to run yet).
	if status == StatusPending {
		notifyJobScheduled(ctx, c.fabric, c.hooks, params.TypeName, 1)
	}

	return &StartResult{Chain: &Chain{Root: job, Tail: job}}, nil
}

// DeleteJobChains bulk-removes all jobs and blocker edges transitively
// rooted at rootChainIDs (§4.3). Every named chain must be terminal.
func (c *Client) DeleteJobChains(ctx context.Context, rootChainIDs []string, tx TxContext) error {
	if tx != nil {
		_, err := runDelete(ctx, c, tx, rootChainIDs)
		return err
	}
	return WithNotifyContext(ctx, c.fabric, c.hooks, func(ctx context.Context) error {
		return c.store.RunInTransaction(ctx, func(tx TxContext) error {
			newlyPending, err := runDelete(ctx, c, tx, rootChainIDs)
			if err != nil {
				return err
			}
			for _, job := range newlyPending {
				notifyJobScheduled(ctx, c.fabric, c.hooks, job.TypeName, 1)
			}
			return nil
		})
	})
}

func runDelete(ctx context.Context, c *Client, tx TxContext, rootChainIDs []string) ([]*Job, error) {
	for _, id := range rootChainIDs {
		chain, err := c.store.GetJobChainByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if chain == nil {
			continue
		}
		if !chain.Completed() {
			return nil, ErrChainActive
		}
	}
	return c.store.DeleteJobsByRootChainIDs(ctx, tx, rootChainIDs)
}
