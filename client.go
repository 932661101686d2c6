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

// Client is the C3 core helper: chain lifecycle operations
// (start/continue/wait/delete) composed over a Store, a NotifyFabric,
// the Registry, and observability Hooks. It is the embedding surface
// most callers use directly; a Worker does not use a Client and holds
// its own references to the same four collaborators.
type Client struct {
	store    Store
	fabric   NotifyFabric
	registry *Registry
	hooks    Hooks
}

// NewClient builds a Client. fabric may be nil, in which case
// notifications are simply not sent — correctness is unaffected because
// workers always fall back to polling.
func NewClient(store Store, fabric NotifyFabric, registry *Registry, hooks Hooks) *Client {
	return &Client{store: store, fabric: fabric, registry: registry, hooks: hooks}
}
