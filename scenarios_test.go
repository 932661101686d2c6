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

package chainwork_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-quicktest/qt"

	"github.com/chainwork/chainwork"
	notifymem "github.com/chainwork/chainwork/notifyadapter/memory"
	storemem "github.com/chainwork/chainwork/storeadapter/memory"
)

func newHarness(t *testing.T) (*chainwork.Client, chainwork.Store, chainwork.NotifyFabric, *chainwork.Registry) {
	t.Helper()
	store := storemem.New()
	fabric := notifymem.New()
	registry := chainwork.NewRegistry()
	client := chainwork.NewClient(store, fabric, registry, chainwork.Hooks{})
	return client, store, fabric, registry
}

// TestSimpleChainRunsToCompletion covers the single-job chain scenario.
func TestSimpleChainRunsToCompletion(t *testing.T) {
	client, store, fabric, registry := newHarness(t)
	registry.Register("greet", chainwork.TypeDef{Entry: true, OutputSchema: openapi3.NewSchema()})

	result, err := client.StartJobChain(context.Background(), chainwork.StartJobChainParams{
		TypeName: "greet",
		Input:    map[string]any{"name": "ana"},
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(!result.Deduplicated))

	worker := chainwork.NewWorker(store, fabric, registry, chainwork.Hooks{}, chainwork.WorkerConfig{
		Types: []string{"greet"},
		Handlers: map[string]chainwork.Handler{
			"greet": func(hc *chainwork.HandlerContext) error {
				return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
					return chainwork.AttemptOutcome{Output: map[string]any{"greeted": true}}, nil
				})
			},
		},
		PollIntervalMs: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go worker.Run(ctx)
	defer worker.Stop()

	chain, err := client.WaitForJobChainCompletion(context.Background(), chainwork.WaitParams{
		ID: result.Chain.ID(), TimeoutMs: 2000,
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(chain.Completed()))
}

// TestContinuationChainAdvancesThroughSteps covers a handler that
// produces a successor job rather than terminating the chain.
func TestContinuationChainAdvancesThroughSteps(t *testing.T) {
	client, store, fabric, registry := newHarness(t)
	registry.Register("step1", chainwork.TypeDef{
		Entry:               true,
		ContinuationTargets: []chainwork.ContinuationTarget{{TypeName: "step2"}},
	})
	registry.Register("step2", chainwork.TypeDef{OutputSchema: openapi3.NewStringSchema()})

	result, err := client.StartJobChain(context.Background(), chainwork.StartJobChainParams{
		TypeName: "step1",
		Input:    map[string]any{},
	})
	qt.Assert(t, qt.IsNil(err))

	worker := chainwork.NewWorker(store, fabric, registry, chainwork.Hooks{}, chainwork.WorkerConfig{
		Types: []string{"step1", "step2"},
		Handlers: map[string]chainwork.Handler{
			"step1": func(hc *chainwork.HandlerContext) error {
				return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
					return chainwork.AttemptOutcome{Continuation: &chainwork.Continuation{TypeName: "step2", Input: "go"}}, nil
				})
			},
			"step2": func(hc *chainwork.HandlerContext) error {
				return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
					return chainwork.AttemptOutcome{Output: "done"}, nil
				})
			},
		},
		PollIntervalMs: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go worker.Run(ctx)
	defer worker.Stop()

	chain, err := client.WaitForJobChainCompletion(context.Background(), chainwork.WaitParams{
		ID: result.Chain.ID(), TimeoutMs: 2000,
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(chain.Completed()))
	qt.Assert(t, qt.Equals(chain.Tail.TypeName, "step2"))
	qt.Assert(t, qt.Equals(chain.Tail.SequenceIndex, 1))
}

// TestBlockerChainWaitsForDependency covers a chain started blocked on
// another chain, which only becomes runnable once the blocker finishes.
func TestBlockerChainWaitsForDependency(t *testing.T) {
	client, store, fabric, registry := newHarness(t)
	registry.Register("dependency", chainwork.TypeDef{Entry: true, OutputSchema: openapi3.NewSchema()})
	registry.Register("dependent", chainwork.TypeDef{
		Entry:          true,
		OutputSchema:   openapi3.NewSchema(),
		BlockerTargets: []chainwork.ContinuationTarget{{TypeName: "dependency"}},
	})

	var depChainID string
	result, err := client.StartJobChain(context.Background(), chainwork.StartJobChainParams{
		TypeName: "dependent",
		Input:    map[string]any{},
		StartBlockers: func(h *chainwork.BlockerHandle) ([]chainwork.BlockerRef, error) {
			dep, err := h.StartJobChain(chainwork.StartJobChainParams{
				TypeName: "dependency",
				Input:    map[string]any{},
			})
			if err != nil {
				return nil, err
			}
			depChainID = dep.Chain.ID()
			return []chainwork.BlockerRef{{TypeName: "dependency", RootChainID: dep.Chain.ID()}}, nil
		},
	})
	qt.Assert(t, qt.IsNil(err))

	blockedJob, err := store.GetJobByID(context.Background(), nil, result.Chain.ID())
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.Equals(blockedJob.Status, chainwork.StatusBlocked))

	worker := chainwork.NewWorker(store, fabric, registry, chainwork.Hooks{}, chainwork.WorkerConfig{
		Types: []string{"dependency", "dependent"},
		Handlers: map[string]chainwork.Handler{
			"dependency": func(hc *chainwork.HandlerContext) error {
				return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
					return chainwork.AttemptOutcome{Output: map[string]any{}}, nil
				})
			},
			"dependent": func(hc *chainwork.HandlerContext) error {
				return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
					return chainwork.AttemptOutcome{Output: map[string]any{}}, nil
				})
			},
		},
		PollIntervalMs: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go worker.Run(ctx)
	defer worker.Stop()

	_, err = client.WaitForJobChainCompletion(context.Background(), chainwork.WaitParams{ID: depChainID, TimeoutMs: 2000})
	qt.Assert(t, qt.IsNil(err))

	chain, err := client.WaitForJobChainCompletion(context.Background(), chainwork.WaitParams{
		ID: result.Chain.ID(), TimeoutMs: 2000,
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(chain.Completed()))
}

// TestRetryThenSucceed covers a handler failing once, backing off, then
// succeeding on a later attempt.
func TestRetryThenSucceed(t *testing.T) {
	client, store, fabric, registry := newHarness(t)
	registry.Register("flaky", chainwork.TypeDef{Entry: true, OutputSchema: openapi3.NewSchema()})

	result, err := client.StartJobChain(context.Background(), chainwork.StartJobChainParams{
		TypeName: "flaky",
		Input:    map[string]any{},
	})
	qt.Assert(t, qt.IsNil(err))

	attempts := 0
	worker := chainwork.NewWorker(store, fabric, registry, chainwork.Hooks{}, chainwork.WorkerConfig{
		Types: []string{"flaky"},
		Handlers: map[string]chainwork.Handler{
			"flaky": func(hc *chainwork.HandlerContext) error {
				attempts++
				if attempts == 1 {
					return errors.New("transient failure")
				}
				return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
					return chainwork.AttemptOutcome{Output: map[string]any{}}, nil
				})
			},
		},
		Retry:          chainwork.RetryConfig{InitialMs: 10, MaxMs: 50, Multiplier: 2},
		PollIntervalMs: 20,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	go worker.Run(ctx)
	defer worker.Stop()

	chain, err := client.WaitForJobChainCompletion(context.Background(), chainwork.WaitParams{
		ID: result.Chain.ID(), TimeoutMs: 3000,
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(chain.Completed()))
	qt.Assert(t, qt.IsTrue(attempts >= 2))
}

// TestReapingRecoversAnAbandonedLease covers a worker dying mid-attempt
// (its renewals stop, so its lease eventually expires) and a second
// worker's reaper recovering the job and finishing it.
func TestReapingRecoversAnAbandonedLease(t *testing.T) {
	client, store, fabric, registry := newHarness(t)
	registry.Register("slow", chainwork.TypeDef{Entry: true, OutputSchema: openapi3.NewSchema()})

	result, err := client.StartJobChain(context.Background(), chainwork.StartJobChainParams{
		TypeName: "slow",
		Input:    map[string]any{},
	})
	qt.Assert(t, qt.IsNil(err))

	acquired := make(chan struct{})
	dying := chainwork.NewWorker(store, fabric, registry, chainwork.Hooks{}, chainwork.WorkerConfig{
		Types: []string{"slow"},
		Handlers: map[string]chainwork.Handler{
			"slow": func(hc *chainwork.HandlerContext) error {
				close(acquired)
				<-hc.Context.Done() // simulate the worker process dying mid-attempt
				return hc.Context.Err()
			},
		},
		Lease:          chainwork.LeaseConfig{LeaseMs: 100, RenewIntervalMs: 30},
		ReapIntervalMs: 10000,
		PollIntervalMs: 20,
	})

	dyingCtx, cancelDying := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelDying()
	go dying.Run(dyingCtx)

	select {
	case <-acquired:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never acquired the job")
	}

	// Stopping here cancels the handler's context but, because nothing
	// rescheduled it, leaves the job's lease row exactly as the dying
	// worker last renewed it. With no further renewals, it expires on
	// its own after LeaseMs.
	dying.Stop()

	attempts := 0
	reaper := chainwork.NewWorker(store, fabric, registry, chainwork.Hooks{}, chainwork.WorkerConfig{
		Types: []string{"slow"},
		Handlers: map[string]chainwork.Handler{
			"slow": func(hc *chainwork.HandlerContext) error {
				attempts++
				return hc.Complete(func(tx chainwork.TxContext) (chainwork.AttemptOutcome, error) {
					return chainwork.AttemptOutcome{Output: map[string]any{}}, nil
				})
			},
		},
		Lease:          chainwork.LeaseConfig{LeaseMs: 100, RenewIntervalMs: 30},
		ReapIntervalMs: 50,
		PollIntervalMs: 20,
	})

	reaperCtx, cancelReaper := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancelReaper()
	go reaper.Run(reaperCtx)
	defer reaper.Stop()

	chain, err := client.WaitForJobChainCompletion(context.Background(), chainwork.WaitParams{
		ID: result.Chain.ID(), TimeoutMs: 3000,
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(chain.Completed()))
	qt.Assert(t, qt.Equals(attempts, 1))
}

// TestDeduplicationReturnsExistingChain covers starting a chain twice
// with the same dedup key under the all-statuses strategy, while the
// first chain is still pending.
func TestDeduplicationReturnsExistingChain(t *testing.T) {
	client, store, fabric, registry := newHarness(t)
	registry.Register("order", chainwork.TypeDef{Entry: true})

	first, err := client.StartJobChain(context.Background(), chainwork.StartJobChainParams{
		TypeName: "order",
		Input:    map[string]any{},
		Deduplication: &chainwork.Deduplication{
			Key:      "order-42",
			Strategy: chainwork.DedupAll,
		},
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(!first.Deduplicated))

	second, err := client.StartJobChain(context.Background(), chainwork.StartJobChainParams{
		TypeName: "order",
		Input:    map[string]any{},
		Deduplication: &chainwork.Deduplication{
			Key:      "order-42",
			Strategy: chainwork.DedupAll,
		},
	})
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsTrue(second.Deduplicated))
	qt.Assert(t, qt.Equals(second.Chain.ID(), first.Chain.ID()))

	_ = fabric
}
