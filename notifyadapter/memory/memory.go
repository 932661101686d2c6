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

// Package memory implements chainwork.NotifyFabric with in-process
// fan-out, for tests and single-binary examples where the store and
// every worker live in the same process.
package memory

import (
	"context"
	"sync"
)

type subscriber struct {
	id     int
	filter map[string]bool // nil means "all"
	fn     func(typeName string, count int)
}

// Fabric is an in-process chainwork.NotifyFabric.
type Fabric struct {
	mu   sync.Mutex
	next int

	jobScheduled   map[int]subscriber
	chainCompleted map[string]map[int]func()
	ownershipLost  map[string]map[int]func()
}

// New returns an empty Fabric.
func New() *Fabric {
	return &Fabric{
		jobScheduled:   make(map[int]subscriber),
		chainCompleted: make(map[string]map[int]func()),
		ownershipLost:  make(map[string]map[int]func()),
	}
}

// NotifyJobScheduled implements chainwork.NotifyFabric.
func (f *Fabric) NotifyJobScheduled(ctx context.Context, typeName string, count int) error {
	f.mu.Lock()
	subs := make([]subscriber, 0, len(f.jobScheduled))
	for _, s := range f.jobScheduled {
		if s.filter == nil || s.filter[typeName] {
			subs = append(subs, s)
		}
	}
	f.mu.Unlock()
	for _, s := range subs {
		s.fn(typeName, count)
	}
	return nil
}

// ListenJobScheduled implements chainwork.NotifyFabric.
func (f *Fabric) ListenJobScheduled(ctx context.Context, typeNames []string, onNotification func(typeName string, count int)) (func(), error) {
	f.mu.Lock()
	id := f.next
	f.next++
	var filter map[string]bool
	if len(typeNames) > 0 {
		filter = make(map[string]bool, len(typeNames))
		for _, t := range typeNames {
			filter[t] = true
		}
	}
	f.jobScheduled[id] = subscriber{id: id, filter: filter, fn: onNotification}
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.jobScheduled, id)
		f.mu.Unlock()
	}, nil
}

// NotifyJobChainCompleted implements chainwork.NotifyFabric.
func (f *Fabric) NotifyJobChainCompleted(ctx context.Context, chainID string) error {
	f.mu.Lock()
	subs := make([]func(), 0, len(f.chainCompleted[chainID]))
	for _, fn := range f.chainCompleted[chainID] {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
	return nil
}

// ListenJobChainCompleted implements chainwork.NotifyFabric.
func (f *Fabric) ListenJobChainCompleted(ctx context.Context, chainID string, onNotification func()) (func(), error) {
	f.mu.Lock()
	id := f.next
	f.next++
	if f.chainCompleted[chainID] == nil {
		f.chainCompleted[chainID] = make(map[int]func())
	}
	f.chainCompleted[chainID][id] = onNotification
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.chainCompleted[chainID], id)
		f.mu.Unlock()
	}, nil
}

// NotifyJobOwnershipLost implements chainwork.NotifyFabric.
func (f *Fabric) NotifyJobOwnershipLost(ctx context.Context, jobID string) error {
	f.mu.Lock()
	subs := make([]func(), 0, len(f.ownershipLost[jobID]))
	for _, fn := range f.ownershipLost[jobID] {
		subs = append(subs, fn)
	}
	f.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
	return nil
}

// ListenJobOwnershipLost implements chainwork.NotifyFabric.
func (f *Fabric) ListenJobOwnershipLost(ctx context.Context, jobID string, onNotification func()) (func(), error) {
	f.mu.Lock()
	id := f.next
	f.next++
	if f.ownershipLost[jobID] == nil {
		f.ownershipLost[jobID] = make(map[int]func())
	}
	f.ownershipLost[jobID][id] = onNotification
	f.mu.Unlock()

	return func() {
		f.mu.Lock()
		delete(f.ownershipLost[jobID], id)
		f.mu.Unlock()
	}, nil
}
