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

// Package chainwork is a durable, transactional job orchestration engine.
//
// Callers submit job chains — a root job whose handler may emit zero or
// more continuation jobs — optionally blocked on other chains. Worker
// processes lease ready jobs, run user-supplied handlers, renew their
// leases heartbeat-style, and persist outcomes through a pluggable store.
// A pluggable notify fabric wakes workers and completion waiters on a
// best-effort, at-least-once basis; correctness never depends on a
// notification arriving, only on the store's durable state.
//
// The package defines the engine itself plus the two narrow adapter
// contracts ([Store] and [NotifyFabric]) that concrete backends
// implement. See the storeadapter and notifyadapter subdirectories for
// reference implementations.
package chainwork
