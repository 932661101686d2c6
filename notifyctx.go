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

import "context"

// notifyBatch is the task-local state withNotifyContext establishes
// (§4.6, §9 "Global mutable state"). It is carried explicitly through
// the context value rather than an ambient global, keyed per call.
type notifyBatch struct {
	jobScheduled   map[string]int
	chainCompleted map[string]bool
	ownershipLost  map[string]bool
}

type notifyBatchKey struct{}

// WithNotifyContext establishes a notify batch, runs fn, and — if fn
// returns nil — flushes every notification buffered during fn (and any
// transaction scope created inside fn) to the fabric exactly once
// (§4.6). A flush failure is logged through hooks but never fails the
// caller: the store is already durable, and polling will eventually
// delivers forward progress.
//
// Callers performing a store mutation should always wrap it in
// WithNotifyContext so the corresponding wakeup trails the commit
// atomically from the caller's point of view; see notify below for the
// fallback behavior when they don't.
func WithNotifyContext(ctx context.Context, fabric NotifyFabric, hooks Hooks, fn func(ctx context.Context) error) error {
	batch := &notifyBatch{
		jobScheduled:   make(map[string]int),
		chainCompleted: make(map[string]bool),
		ownershipLost:  make(map[string]bool),
	}
	inner := context.WithValue(ctx, notifyBatchKey{}, batch)

	err := fn(inner)
	if err != nil {
		return err
	}

	flushNotifyBatch(ctx, fabric, hooks, batch)
	return nil
}

func flushNotifyBatch(ctx context.Context, fabric NotifyFabric, hooks Hooks, batch *notifyBatch) {
	if fabric == nil {
		return
	}
	for typeName, count := range batch.jobScheduled {
		if err := fabric.NotifyJobScheduled(ctx, typeName, count); err != nil {
			hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "notify flush: job-scheduled", Err: err, Data: map[string]any{"typeName": typeName}})
		}
	}
	for chainID := range batch.chainCompleted {
		if err := fabric.NotifyJobChainCompleted(ctx, chainID); err != nil {
			hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "notify flush: chain-completed", Err: err, Data: map[string]any{"chainId": chainID}})
		}
	}
	for jobID := range batch.ownershipLost {
		if err := fabric.NotifyJobOwnershipLost(ctx, jobID); err != nil {
			hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "notify flush: ownership-lost", Err: err, Data: map[string]any{"jobId": jobID}})
		}
	}
}

// notifyJobScheduled buffers (or, absent a batch, directly emits) a
// job-scheduled wakeup.
func notifyJobScheduled(ctx context.Context, fabric NotifyFabric, hooks Hooks, typeName string, count int) {
	if batch, ok := ctx.Value(notifyBatchKey{}).(*notifyBatch); ok {
		batch.jobScheduled[typeName] += count
		return
	}
	warnNotifyContextAbsent(hooks, "job-scheduled")
	if fabric == nil {
		return
	}
	if err := fabric.NotifyJobScheduled(ctx, typeName, count); err != nil {
		hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "notify: job-scheduled", Err: err})
	}
}

func notifyChainCompleted(ctx context.Context, fabric NotifyFabric, hooks Hooks, chainID string) {
	if batch, ok := ctx.Value(notifyBatchKey{}).(*notifyBatch); ok {
		batch.chainCompleted[chainID] = true
		return
	}
	warnNotifyContextAbsent(hooks, "chain-completed")
	if fabric == nil {
		return
	}
	if err := fabric.NotifyJobChainCompleted(ctx, chainID); err != nil {
		hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "notify: chain-completed", Err: err})
	}
}

func notifyOwnershipLost(ctx context.Context, fabric NotifyFabric, hooks Hooks, jobID string) {
	if batch, ok := ctx.Value(notifyBatchKey{}).(*notifyBatch); ok {
		batch.ownershipLost[jobID] = true
		return
	}
	warnNotifyContextAbsent(hooks, "job-ownership-lost")
	if fabric == nil {
		return
	}
	if err := fabric.NotifyJobOwnershipLost(ctx, jobID); err != nil {
		hooks.emit(Event{Type: EventAdapterError, Level: LevelWarn, Message: "notify: job-ownership-lost", Err: err})
	}
}

func warnNotifyContextAbsent(hooks Hooks, topic string) {
	hooks.emit(Event{
		Type:    EventNotifyContextAbsent,
		Level:   LevelWarn,
		Message: "notification emitted outside a notify context; forward progress relies on polling",
		Data:    map[string]any{"topic": topic},
	})
}
