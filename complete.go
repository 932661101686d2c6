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
)

// AttemptOutcome is what a handler hands to Complete: either a terminal
// output for the chain, or a continuation into a successor job. Exactly
// one of Output or Continuation must be set (§4.4 "Dispatch modes").
type AttemptOutcome struct {
	Output       any
	Continuation *Continuation
}

// Complete is the C5 completion hook primitive (§4.5): the "commit
// alongside user work" building block that makes exactly-once "user
// side effect + job completion" possible within the store's
// transactional boundary. userFn runs with a TxContext the caller's own
// writes should join, and must return an AttemptOutcome.
//
// Complete re-reads the job under row-lock; if the job is no longer
// running or is leased to a different worker, userFn is never called
// and Complete returns ErrLeaseLost. The lease expiry itself is not
// checked: an expired lease that has not been reaped yet still counts
// as owned.
func Complete(ctx context.Context, store Store, fabric NotifyFabric, registry *Registry, hooks Hooks, jobID, workerID string, userFn func(tx TxContext) (AttemptOutcome, error)) error {
	return WithNotifyContext(ctx, fabric, hooks, func(ctx context.Context) error {
		return store.RunInTransaction(ctx, func(tx TxContext) error {
			job, err := store.GetJobByID(ctx, tx, jobID)
			if err != nil {
				return err
			}
			if job == nil || job.Status != StatusRunning || job.LeasedBy != workerID {
				return ErrLeaseLost
			}

			outcome, err := userFn(tx)
			if err != nil {
				return err
			}

			params := CompleteJobParams{JobID: jobID, WorkerID: workerID}

			switch {
			case outcome.Continuation != nil:
				normalized, err := registry.validateContinuation(job.TypeName, outcome.Continuation.TypeName, outcome.Continuation.Input)
				if err != nil {
					return err
				}
				params.Continuation = &ContinuationJob{TypeName: outcome.Continuation.TypeName, Input: normalized}
			default:
				normalized, err := registry.parseOutput(job.TypeName, outcome.Output)
				if err != nil {
					return err
				}
				params.Output = normalized
			}

			if err := store.CompleteJob(ctx, tx, params); err != nil {
				return err
			}

			hooks.emit(Event{Type: EventJobCompleted, Level: LevelInfo, Message: "job completed", Data: map[string]any{"jobId": jobID, "chainId": job.ChainID, "typeName": job.TypeName}})

			if params.Continuation != nil {
				hooks.emit(Event{Type: EventJobCreated, Level: LevelInfo, Message: "continuation job created", Data: map[string]any{"chainId": job.ChainID, "typeName": params.Continuation.TypeName, "sequenceIndex": job.SequenceIndex + 1}})
				notifyJobScheduled(ctx, fabric, hooks, params.Continuation.TypeName, 1)
				return nil
			}

			// The chain terminated: notify waiters, then resolve any
			// blocked jobs waiting on this chain's root (§3 "Blocker
			// resolution").
			notifyChainCompleted(ctx, fabric, hooks, job.ChainID)
			hooks.emit(Event{Type: EventChainCompleted, Level: LevelInfo, Message: "chain completed", Data: map[string]any{"chainId": job.ChainID}})

			newlyPending, err := store.ScheduleBlockedJobs(ctx, tx, job.ChainID)
			if err != nil {
				return err
			}
			for _, pj := range newlyPending {
				notifyJobScheduled(ctx, fabric, hooks, pj.TypeName, 1)
				hooks.emit(Event{Type: EventBlockerResolved, Level: LevelInfo, Message: "blocker resolved", Data: map[string]any{"jobId": pj.ID, "typeName": pj.TypeName}})
			}
			return nil
		})
	})
}

// CompleteJobChain implements the workerless completion path (§4.3):
// invoked by an outside process that owns the handler, bypassing the
// worker loop but reusing Complete's exact contract.
func CompleteJobChain(ctx context.Context, store Store, fabric NotifyFabric, registry *Registry, hooks Hooks, jobID, workerID string, userFn func(tx TxContext) (AttemptOutcome, error)) error {
	return Complete(ctx, store, fabric, registry, hooks, jobID, workerID, userFn)
}
